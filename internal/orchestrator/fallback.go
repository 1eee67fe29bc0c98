package orchestrator

import (
	"github.com/shopspring/decimal"

	"github.com/thenexusengine/tne_bidgate/internal/bid"
)

// FallbackPolicy produces a response when the engine cannot answer.
// Implementations must be deterministic in the request content.
type FallbackPolicy interface {
	Respond(req *bid.Request) *bid.Response
}

// DefaultFallbackMultiplier is applied to the floor by SyntheticFallback
const DefaultFallbackMultiplier = 1.2

// SyntheticFallback prices a request locally: floor x Multiplier x targeting
// boosts, second-priced like the engine. The bid is won when the clearing
// price still meets the floor.
type SyntheticFallback struct {
	Multiplier float64
}

// NewSyntheticFallback creates the fallback policy. A non-positive multiplier uses the default.
func NewSyntheticFallback(multiplier float64) *SyntheticFallback {
	if multiplier <= 0 {
		multiplier = DefaultFallbackMultiplier
	}
	return &SyntheticFallback{Multiplier: multiplier}
}

// Respond implements FallbackPolicy. Amounts are computed in decimal and
// rounded to cents, the precision of the bids table.
func (f *SyntheticFallback) Respond(req *bid.Request) *bid.Response {
	winning := req.FloorPrice.
		Mul(decimal.NewFromFloat(f.Multiplier)).
		Mul(decimal.NewFromFloat(bid.TargetingMultiplier(req.Targeting))).
		Round(priceScale)
	price := winning.Mul(decimal.NewFromFloat(bid.SecondPriceRatio)).Round(priceScale)
	return &bid.Response{
		ID:         req.ID,
		WinningBid: winning.InexactFloat64(),
		Price:      price.InexactFloat64(),
		Status:     bid.StatusDegraded,
		Won:        price.GreaterThanOrEqual(req.FloorPrice),
		CampaignID: req.CampaignID,
	}
}

// priceScale matches NUMERIC(12, 2)
const priceScale = 2
