// Package tiers defines the canonical DisputeKit tier catalog, feature
// vocabulary and action rules.
//
// The catalog is static data: adding a tier is a table change here, and the
// exhaustive switches below fail review (and tests) until every call site
// knows about it.
package tiers

import (
	"fmt"
	"strings"
)

// Tier identifies an entitlement level. Tiers are totally ordered by Level.
type Tier string

const (
	TierFree          Tier = "free"
	TierToolkit       Tier = "toolkit"
	TierAdvanced      Tier = "advanced"
	TierIdentityTheft Tier = "identity-theft"
)

// orderedTiers lists every tier from lowest to highest level.
var orderedTiers = []Tier{TierFree, TierToolkit, TierAdvanced, TierIdentityTheft}

// Tiers returns every known tier in ascending order.
func Tiers() []Tier {
	out := make([]Tier, len(orderedTiers))
	copy(out, orderedTiers)
	return out
}

// Top returns the highest tier.
func Top() Tier {
	return orderedTiers[len(orderedTiers)-1]
}

// Valid reports whether t is a known tier id.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierToolkit, TierAdvanced, TierIdentityTheft:
		return true
	default:
		return false
	}
}

// Level returns the ordinal of the tier. Unknown tiers rank as free.
func (t Tier) Level() int {
	switch t {
	case TierFree:
		return 0
	case TierToolkit:
		return 1
	case TierAdvanced:
		return 2
	case TierIdentityTheft:
		return 3
	default:
		return 0
	}
}

// Paid reports whether the tier is above free.
func (t Tier) Paid() bool {
	return t.Valid() && t != TierFree
}

// AtLeast compares by level, never by name.
func (t Tier) AtLeast(min Tier) bool {
	return t.Level() >= min.Level()
}

// DisplayName returns a human-readable name for the tier.
func (t Tier) DisplayName() string {
	switch t {
	case TierFree:
		return "Free"
	case TierToolkit:
		return "Dispute Toolkit"
	case TierAdvanced:
		return "Advanced Disputes"
	case TierIdentityTheft:
		return "Identity Theft Recovery"
	default:
		return "Unknown"
	}
}

// ParseTier normalizes and validates a tier id. Underscore spellings
// ("identity_theft") are accepted because checkout metadata uses them.
func ParseTier(raw string) (Tier, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "_", "-")
	t := Tier(normalized)
	if !t.Valid() {
		return TierFree, fmt.Errorf("unknown tier %q", raw)
	}
	return t, nil
}

// Max returns the higher of two tiers.
func Max(a, b Tier) Tier {
	if b.Level() > a.Level() {
		return b
	}
	return a
}
