package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/hanko-field/shiprate/internal/platform/httpx"
	"github.com/hanko-field/shiprate/internal/platform/requestctx"
	"github.com/hanko-field/shiprate/internal/services"
)

const evaluationIDHeader = "X-Evaluation-ID"

// ShippingHandlers exposes the rate evaluation and label annotation endpoints.
type ShippingHandlers struct {
	shipping services.ShippingRateService
	newID    func() string
}

// ShippingHandlerOption customises ShippingHandlers.
type ShippingHandlerOption func(*ShippingHandlers)

// WithEvaluationIDGenerator overrides the evaluation id generator.
func WithEvaluationIDGenerator(gen func() string) ShippingHandlerOption {
	return func(h *ShippingHandlers) {
		if gen != nil {
			h.newID = gen
		}
	}
}

// NewShippingHandlers constructs handlers backed by the shipping rate service.
func NewShippingHandlers(shipping services.ShippingRateService, opts ...ShippingHandlerOption) *ShippingHandlers {
	h := &ShippingHandlers{
		shipping: shipping,
		newID:    func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes wires the /shipping endpoints onto the provided router.
func (h *ShippingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/rates:evaluate", h.evaluateRates)
	r.Post("/labels:annotate", h.annotateLabels)
	r.Get("/rules", h.getRules)
}

// evaluateRatesRequest.Rules is a partial document overlaid on the configured rules.
type evaluateRatesRequest struct {
	Package     services.ShippingPackage `json:"package"`
	Rules       json.RawMessage          `json:"rules,omitempty"`
	BypassCache bool                     `json:"bypassCache,omitempty"`
}

type evaluateRatesResponse struct {
	EvaluationID string                    `json:"evaluationId"`
	Rates        []services.RateOffer      `json:"rates"`
	Notices      []services.Notice         `json:"notices"`
	Decision     services.ShippingDecision `json:"decision"`
}

type annotateLabelsRequest struct {
	Offers []services.RateOffer `json:"offers"`
	Marker string               `json:"marker,omitempty"`
	HTML   bool                 `json:"html,omitempty"`
}

type annotateLabelsResponse struct {
	Labels []services.AnnotatedLabel `json:"labels"`
}

func (h *ShippingHandlers) evaluateRates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipping == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_service_unavailable", "shipping service is unavailable", http.StatusServiceUnavailable))
		return
	}

	var req evaluateRatesRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	var rules *services.ShippingRules
	if len(req.Rules) > 0 {
		merged, err := services.OverlayShippingRules(h.shipping.Rules(), req.Rules)
		if err == nil {
			_, err = services.NormalizeShippingRules(merged)
		}
		if err != nil {
			code := "invalid_rules"
			if errors.Is(err, services.ErrShippingUnknownPolicy) {
				code = "unknown_policy"
			}
			httpx.WriteError(ctx, w, httpx.NewError(code, err.Error(), http.StatusBadRequest))
			return
		}
		rules = &merged
	}
	if err := validateRateIDs(req.Package.Rates); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_rates", err.Error(), http.StatusBadRequest))
		return
	}

	evaluationID := h.newID()
	ctx = requestctx.WithEvaluationID(ctx, evaluationID)

	result := h.shipping.Evaluate(ctx, services.EvaluateShippingCommand{
		Package:     req.Package,
		Rules:       rules,
		BypassCache: req.BypassCache,
	})

	w.Header().Set(evaluationIDHeader, evaluationID)
	httpx.WriteJSON(w, http.StatusOK, evaluateRatesResponse{
		EvaluationID: evaluationID,
		Rates:        result.Rates,
		Notices:      result.Notices,
		Decision:     result.Decision,
	})
}

func (h *ShippingHandlers) annotateLabels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipping == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_service_unavailable", "shipping service is unavailable", http.StatusServiceUnavailable))
		return
	}

	var req annotateLabelsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	labels := h.shipping.AnnotateLabels(ctx, services.AnnotateLabelsCommand{
		Offers: req.Offers,
		Marker: req.Marker,
		HTML:   req.HTML,
	})
	httpx.WriteJSON(w, http.StatusOK, annotateLabelsResponse{Labels: labels})
}

func (h *ShippingHandlers) getRules(w http.ResponseWriter, r *http.Request) {
	if h.shipping == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("shipping_service_unavailable", "shipping service is unavailable", http.StatusServiceUnavailable))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"rules": h.shipping.Rules()})
}

var errMissingRateID = errors.New("every rate requires an id")

func validateRateIDs(rates []services.RateOffer) error {
	for _, rate := range rates {
		if strings.TrimSpace(rate.ID) == "" {
			return errMissingRateID
		}
	}
	return nil
}
