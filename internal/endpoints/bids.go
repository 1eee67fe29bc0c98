// Package endpoints provides the gateway's inbound HTTP handlers
package endpoints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/thenexusengine/tne_bidgate/internal/bid"
	"github.com/thenexusengine/tne_bidgate/internal/orchestrator"
	"github.com/thenexusengine/tne_bidgate/pkg/logger"
)

// Accepted floor price range, inclusive
var (
	MinFloorPrice = decimal.RequireFromString("0.01")
	MaxFloorPrice = decimal.RequireFromString("1000.00")
)

// Pipeline runs and looks up bids. *orchestrator.Orchestrator satisfies it.
type Pipeline interface {
	Process(ctx context.Context, req *bid.Request) (*bid.Response, error)
	Lookup(ctx context.Context, requestID string) (*bid.Result, error)
}

// BidRequestBody is the inbound JSON contract for POST /api/v1/bids
type BidRequestBody struct {
	UserID     *string             `json:"user_id"`
	AdSlotID   *string             `json:"ad_slot_id"`
	FloorPrice decimal.NullDecimal `json:"floor_price"`
	Targeting  map[string]string   `json:"targeting,omitempty"`
	CampaignID string              `json:"campaign_id,omitempty"`
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Validate checks the body and builds a bid request with a fresh id
func (b *BidRequestBody) Validate() (*bid.Request, error) {
	switch {
	case b.UserID == nil:
		return nil, &ValidationError{Field: "user_id", Message: "required"}
	case b.AdSlotID == nil:
		return nil, &ValidationError{Field: "ad_slot_id", Message: "required"}
	case !b.FloorPrice.Valid:
		return nil, &ValidationError{Field: "floor_price", Message: "required"}
	case b.FloorPrice.Decimal.LessThan(MinFloorPrice) || b.FloorPrice.Decimal.GreaterThan(MaxFloorPrice):
		return nil, &ValidationError{
			Field:   "floor_price",
			Message: fmt.Sprintf("must be between %s and %s", MinFloorPrice.StringFixed(2), MaxFloorPrice.StringFixed(2)),
		}
	}
	return bid.NewRequest(*b.UserID, *b.AdSlotID, b.FloorPrice.Decimal, b.Targeting, b.CampaignID), nil
}

// BidsHandler serves POST /api/v1/bids and GET /api/v1/bids/{id}
type BidsHandler struct {
	pipeline Pipeline
}

// NewBidsHandler creates a bids handler
func NewBidsHandler(p Pipeline) *BidsHandler {
	return &BidsHandler{pipeline: p}
}

// Register mounts the handler's routes on mux
func (h *BidsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/bids", h.Submit)
	mux.HandleFunc("GET /api/v1/bids/{id}", h.Get)
}

// Submit validates the body and runs it through the pipeline
func (h *BidsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var body BidRequestBody
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeValidation(w, &ValidationError{Field: "body", Message: "invalid JSON"})
		return
	}

	req, err := body.Validate()
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			writeValidation(w, verr)
			return
		}
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := logger.WithBidID(r.Context(), req.ID)
	resp, err := h.pipeline.Process(ctx, req)
	if err != nil {
		status := statusFor(err)
		logger.FromContext(ctx).Warn().Err(err).Int("status", status).Msg("Bid request failed")
		writeError(w, messageFor(err), status)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get returns a prior bid: the cached response while it is live, otherwise
// the persisted outcome
func (h *BidsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeValidation(w, &ValidationError{Field: "id", Message: "required"})
		return
	}

	res, err := h.pipeline.Lookup(r.Context(), id)
	if err != nil {
		status := statusFor(err)
		if status != http.StatusNotFound {
			logger.Bid(id).Error().Err(err).Msg("Bid lookup failed")
		}
		writeError(w, messageFor(err), status)
		return
	}

	writeJSON(w, http.StatusOK, res.Body())
}

// statusFor maps pipeline errors onto HTTP status codes
func statusFor(err error) int {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(err error) string {
	switch statusFor(err) {
	case http.StatusNotFound:
		return "bid not found"
	case http.StatusServiceUnavailable:
		return "bid engine not available"
	case http.StatusGatewayTimeout:
		return "bid engine timed out"
	case http.StatusInternalServerError:
		return "internal server error"
	default:
		return err.Error()
	}
}

func writeValidation(w http.ResponseWriter, verr *ValidationError) {
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":   "validation failed",
		"details": []*ValidationError{verr},
	})
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.HTTP().Error().Err(err).Msg("failed to encode response")
	}
}
