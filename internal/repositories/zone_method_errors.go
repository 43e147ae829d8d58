package repositories

import (
	"errors"
	"fmt"
)

// ErrZoneNotFound is returned when no method catalog exists for the requested zone.
var ErrZoneNotFound = errors.New("zone methods: zone not found")

// ZoneMethodErrorCode enumerates failure reasons for zone method lookups.
type ZoneMethodErrorCode string

const (
	// ZoneMethodErrorNotFound indicates the zone is unknown to the catalog.
	ZoneMethodErrorNotFound ZoneMethodErrorCode = "zone_not_found"
	// ZoneMethodErrorMalformed indicates the catalog entry could not be interpreted.
	ZoneMethodErrorMalformed ZoneMethodErrorCode = "zone_malformed"
)

// ZoneMethodError wraps catalog failures with machine readable codes.
type ZoneMethodError struct {
	ZoneID string
	Code   ZoneMethodErrorCode
	Err    error
}

// Error implements the error interface.
func (e *ZoneMethodError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("zone %q: %s: %v", e.ZoneID, e.Code, e.Err)
	}
	return fmt.Sprintf("zone %q: %s", e.ZoneID, e.Code)
}

// Unwrap exposes the underlying error, if any.
func (e *ZoneMethodError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound reports whether the failure means the zone does not exist.
func (e *ZoneMethodError) IsNotFound() bool {
	return e != nil && e.Code == ZoneMethodErrorNotFound
}

// NewZoneNotFoundError builds the canonical not found error for a zone id.
func NewZoneNotFoundError(zoneID string) error {
	return &ZoneMethodError{ZoneID: zoneID, Code: ZoneMethodErrorNotFound, Err: ErrZoneNotFound}
}
