package subscription

// Tier is an ordered subscription level. Ordering is explicit via Rank so
// ranking queries never depend on string comparison or ad-hoc CASE mappings.
type Tier string

const (
	TierFree    Tier = "FREE"
	TierBasic   Tier = "BASIC"
	TierPro     Tier = "PRO"
	TierPremium Tier = "PREMIUM"
)

var tierRanks = map[Tier]int{
	TierFree:    0,
	TierBasic:   1,
	TierPro:     2,
	TierPremium: 3,
}

// Rank returns the tier's position in the FREE < BASIC < PRO < PREMIUM order.
// Unknown tiers rank as FREE.
func (t Tier) Rank() int {
	return tierRanks[t]
}

// Better reports whether t outranks other.
func (t Tier) Better(other Tier) bool {
	return t.Rank() > other.Rank()
}

// Valid reports whether t is one of the defined tiers.
func (t Tier) Valid() bool {
	_, ok := tierRanks[t]
	return ok
}

// ParseTier maps a stored tier string to a Tier, returning ErrUnknownTier for
// values outside the enum.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", ErrUnknownTier
	}
	return t, nil
}
