package provider

import "fmt"

// Tier buckets queries by the capability class of model they need.
type Tier string

const (
	// TierStandard serves routine queries with the cheapest capable models.
	TierStandard Tier = "standard"
	// TierHeavy serves queries that need deeper reasoning or long context.
	TierHeavy Tier = "heavy"
	// TierUltra is reserved for future multi-endpoint fan-out. Classification
	// never selects it automatically; callers must ask for it explicitly.
	TierUltra Tier = "ultra"
)

// ParseTier converts a string into a Tier, rejecting unknown values.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierStandard, TierHeavy, TierUltra:
		return Tier(s), nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}
