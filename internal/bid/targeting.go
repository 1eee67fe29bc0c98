package bid

// Targeting boosts applied to the floor price when scoring
const (
	PremiumUserMultiplier     = 1.5
	HighValueRegionMultiplier = 1.3
	SecondPriceRatio          = 0.8
)

// TargetingMultiplier returns the product of the boosts present in t
func TargetingMultiplier(t map[string]string) float64 {
	m := 1.0
	if t["premium_user"] == "true" {
		m *= PremiumUserMultiplier
	}
	if t["high_value_region"] == "true" {
		m *= HighValueRegionMultiplier
	}
	return m
}
