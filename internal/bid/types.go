// Package bid defines the bid request and outcome types shared by the gateway pipeline
package bid

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when no outcome is recorded for a request id
var ErrNotFound = errors.New("bid not found")

// Status is the outcome classification of a BidResponse
type Status string

const (
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
	StatusDegraded Status = "degraded" // produced by the fallback policy, not the engine
)

// Request is a single pricing request sent to the scoring engine.
// It is immutable once created.
type Request struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	UserID     string            `json:"user_id"`
	AdSlotID   string            `json:"ad_slot_id"`
	FloorPrice decimal.Decimal   `json:"floor_price"`
	Targeting  map[string]string `json:"targeting,omitempty"`
	CampaignID string            `json:"campaign_id,omitempty"`
}

// NewRequest builds a Request with a fresh gateway-generated id
func NewRequest(userID, adSlotID string, floor decimal.Decimal, targeting map[string]string, campaignID string) *Request {
	t := make(map[string]string, len(targeting))
	for k, v := range targeting {
		t[k] = v
	}
	now := time.Now()
	return &Request{
		ID:         NewID(now),
		Timestamp:  now,
		UserID:     userID,
		AdSlotID:   adSlotID,
		FloorPrice: floor,
		Targeting:  t,
		CampaignID: campaignID,
	}
}

// NewID returns a globally unique bid request id
func NewID(now time.Time) string {
	return fmt.Sprintf("bid_%d_%s", now.UnixMilli(), uuid.NewString())
}

// Response is the priced answer to a Request, produced exactly once
// by either the engine or the fallback policy.
type Response struct {
	ID         string  `json:"id"`
	WinningBid float64 `json:"winning_bid"`
	Price      float64 `json:"price"`
	LatencyMs  int32   `json:"latency_ms"`
	Status     Status  `json:"status"`
	Won        bool    `json:"won"`
	CampaignID string  `json:"campaign_id,omitempty"`
}

// Clone returns a copy safe to hand to another caller
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Persistable reports whether the outcome belongs in the durable store.
// Only won bids with a campaign are ever written.
func (r *Response) Persistable() bool {
	return r != nil && r.Won && r.CampaignID != ""
}

// Outcome is the append-only durable record of a won bid
type Outcome struct {
	CampaignID string    `json:"campaign_id"`
	RequestID  string    `json:"request_id"`
	Price      float64   `json:"price"`
	Won        bool      `json:"won"`
	LatencyMs  int32     `json:"latency_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// OutcomeFrom builds the durable record for a response
func OutcomeFrom(resp *Response, at time.Time) *Outcome {
	return &Outcome{
		CampaignID: resp.CampaignID,
		RequestID:  resp.ID,
		Price:      resp.Price,
		Won:        resp.Won,
		LatencyMs:  resp.LatencyMs,
		Timestamp:  at,
	}
}

// Result is a prior bid as seen by the read path. Response is set while the
// request-id cache entry is live, otherwise Outcome holds the durable record.
type Result struct {
	Response *Response
	Outcome  *Outcome
}

// Body returns the value served to callers
func (r *Result) Body() interface{} {
	if r.Response != nil {
		return r.Response
	}
	return r.Outcome
}

// CompleteEventName is the event bus topic for finished bids
const CompleteEventName = "bid:complete"

// CompleteEvent is published once per computed response
type CompleteEvent struct {
	ID         string  `json:"id"`
	CampaignID string  `json:"campaignId,omitempty"`
	Price      float64 `json:"price"`
	Won        bool    `json:"won"`
	LatencyMs  int32   `json:"latencyMs"`
	Status     Status  `json:"status"`
	Timestamp  int64   `json:"timestamp"` // unix millis
}

// CompleteEventFrom builds the fan-out event for a response
func CompleteEventFrom(resp *Response, at time.Time) CompleteEvent {
	return CompleteEvent{
		ID:         resp.ID,
		CampaignID: resp.CampaignID,
		Price:      resp.Price,
		Won:        resp.Won,
		LatencyMs:  resp.LatencyMs,
		Status:     resp.Status,
		Timestamp:  at.UnixMilli(),
	}
}
