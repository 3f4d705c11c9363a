package models

import "fmt"

// Tier is a plan level gating which phases and agents may run.
// Tiers are ordered; a higher tier includes everything below it.
type Tier string

const (
	TierStarter    Tier = "starter"
	TierGrowth     Tier = "growth"
	TierPro        Tier = "pro"
	TierBusiness   Tier = "business"
	TierEnterprise Tier = "enterprise"
)

var tierRank = map[Tier]int{
	TierStarter:    1,
	TierGrowth:     2,
	TierPro:        3,
	TierBusiness:   4,
	TierEnterprise: 5,
}

var tierConcurrency = map[Tier]int{
	TierStarter:    1,
	TierGrowth:     2,
	TierPro:        4,
	TierBusiness:   8,
	TierEnterprise: 16,
}

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if _, ok := tierRank[t]; !ok {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// Rank returns the tier's ordinal (starter=1 .. enterprise=5), 0 for unknown tiers.
func (t Tier) Rank() int { return tierRank[t] }

// AtLeast reports whether t meets or exceeds the minimum tier min.
// An empty min means no gate.
func (t Tier) AtLeast(min Tier) bool {
	if min == "" {
		return true
	}
	return tierRank[t] >= tierRank[min]
}

// MaxConcurrency is the parallel-batch bound for the tier.
func (t Tier) MaxConcurrency() int {
	if n, ok := tierConcurrency[t]; ok {
		return n
	}
	return 1
}

func (t Tier) String() string { return string(t) }
