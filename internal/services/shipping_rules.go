package services

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// OverlayShippingRules decodes a partial rules document on top of base.
// Fields absent from raw keep their base value; a present list replaces the base list.
func OverlayShippingRules(base ShippingRules, raw json.RawMessage) (ShippingRules, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return base, nil
	}
	out := base
	out.PriorityClasses = append(PriorityList(nil), base.PriorityClasses...)
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return base, fmt.Errorf("%w: %v", ErrShippingRulesInvalid, err)
	}
	return out, nil
}
