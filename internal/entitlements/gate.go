package entitlements

import (
	"fmt"

	"github.com/disputekit/tiergate/pkg/tiers"
)

// BlockReason explains why an action is unavailable.
type BlockReason string

const (
	ReasonNone    BlockReason = ""
	ReasonRevoked BlockReason = "revoked"
	ReasonFrozen  BlockReason = "frozen"
	ReasonTier    BlockReason = "tier"
	ReasonQuota   BlockReason = "quota"
)

const (
	revokedMessage = "Your paid access has been revoked because of a billing issue. Contact support to restore it."
	frozenMessage  = "Your account is temporarily frozen while a billing issue is resolved. Downloads, exports, report analysis and AI chat are paused; dispute tracking still works."
	unknownMessage = "This action is not available."
)

// Block is the explanation rendered next to a gated control.
type Block struct {
	Blocked     bool        `json:"blocked"`
	Reason      BlockReason `json:"reason,omitempty"`
	Message     string      `json:"message,omitempty"`
	UpgradeTier tiers.Tier  `json:"upgradeTier,omitempty"`
	UpgradeURL  string      `json:"upgradeUrl,omitempty"`
}

// Allowed is the zero-reason block.
var Allowed = Block{}

// Gate evaluates a snapshot. It is the only place restriction and tier rules
// are applied; consumers must not re-derive them.
type Gate struct {
	snapshot *Snapshot
}

// NewGate creates a gate over snapshot. A nil snapshot behaves as free.
func NewGate(snapshot *Snapshot) Gate {
	if snapshot == nil {
		snapshot = FreeSnapshot()
	}
	return Gate{snapshot: snapshot}
}

// HasFeature applies beta, revoked and frozen overrides before consulting the
// tier's features.
func (g Gate) HasFeature(f tiers.Feature) bool {
	s := g.snapshot
	if s.IsBeta {
		return f.Valid()
	}
	if s.AccessRevoked {
		return tiers.TierHasFeature(tiers.TierFree, f)
	}
	if s.AccessFrozen && freezesFeature(f) {
		return false
	}
	return s.EffectiveFeatures().Has(f)
}

// HasTierLevel compares by ordinal with the same overrides as HasFeature.
func (g Gate) HasTierLevel(min tiers.Tier) bool {
	return g.EffectiveTier().AtLeast(min)
}

// EffectiveTier is the tier access is evaluated at: top for beta, free while
// revoked, nominal otherwise.
func (g Gate) EffectiveTier() tiers.Tier {
	s := g.snapshot
	switch {
	case s.IsBeta:
		return tiers.Top()
	case s.AccessRevoked:
		return tiers.TierFree
	default:
		return s.Tier
	}
}

// CanPerformAction reports whether the action is allowed, including quota.
func (g Gate) CanPerformAction(a tiers.Action) bool {
	return !g.BlockedReason(a).Blocked
}

// BlockedReason explains the outcome of CanPerformAction. Precedence is
// beta, revoked, frozen, tier, quota.
func (g Gate) BlockedReason(a tiers.Action) Block {
	rule, ok := tiers.Rule(a)
	if !ok {
		return Block{Blocked: true, Reason: ReasonTier, Message: unknownMessage}
	}

	s := g.snapshot
	if s.IsBeta {
		return Allowed
	}
	if s.AccessRevoked && rule.Paid {
		return Block{Blocked: true, Reason: ReasonRevoked, Message: revokedMessage}
	}
	if s.AccessFrozen && rule.Freezable {
		return Block{Blocked: true, Reason: ReasonFrozen, Message: frozenMessage}
	}

	features := s.EffectiveFeatures()
	if s.AccessRevoked {
		features = tiers.FeaturesFor(tiers.TierFree)
	}
	if !features.Has(rule.Feature) {
		return tierBlock(rule)
	}

	if rule.QuotaKey != "" {
		limit := features.Limit(rule.Feature)
		used := s.Used(rule.QuotaKey)
		if !limit.Allows(used) {
			return quotaBlock(rule, limit)
		}
	}
	return Allowed
}

// Remaining returns the units left for a quota-bound action and whether the
// action is quota-bound at all.
func (g Gate) Remaining(a tiers.Action) (tiers.Quota, bool) {
	rule, ok := tiers.Rule(a)
	if !ok || rule.QuotaKey == "" {
		return 0, false
	}
	limit := g.snapshot.EffectiveFeatures().Limit(rule.Feature)
	if g.snapshot.IsBeta || limit.IsUnlimited() {
		return tiers.Unlimited, true
	}
	left := int64(limit) - g.snapshot.Used(rule.QuotaKey)
	if left < 0 {
		left = 0
	}
	return tiers.Quota(left), true
}

func tierBlock(rule tiers.ActionRule) Block {
	minTier, ok := tiers.MinTierFor(rule.Feature)
	if !ok {
		return Block{Blocked: true, Reason: ReasonTier, Message: unknownMessage}
	}
	return Block{
		Blocked:     true,
		Reason:      ReasonTier,
		Message:     fmt.Sprintf("Upgrade to %s to %s.", minTier.DisplayName(), rule.Description),
		UpgradeTier: minTier,
		UpgradeURL:  tiers.UpgradeURL(rule.Feature),
	}
}

func quotaBlock(rule tiers.ActionRule, limit tiers.Quota) Block {
	b := Block{
		Blocked: true,
		Reason:  ReasonQuota,
		Message: fmt.Sprintf("You have used all %s included in your plan.", pluralAnalyses(limit)),
	}
	// Point at the next tier with a larger allowance, if any.
	for _, t := range tiers.Tiers() {
		q := tiers.FeaturesFor(t).Limit(rule.Feature)
		if q.IsUnlimited() || q > limit {
			b.UpgradeTier = t
			b.UpgradeURL = tiers.UpgradeURL(rule.Feature)
			b.Message += fmt.Sprintf(" Upgrade to %s for a larger allowance.", t.DisplayName())
			break
		}
	}
	return b
}

func pluralAnalyses(limit tiers.Quota) string {
	if limit == 1 {
		return "1 analysis"
	}
	return fmt.Sprintf("%d analyses", int64(limit))
}

// freezesFeature reports whether a frozen account loses the feature.
func freezesFeature(f tiers.Feature) bool {
	for _, a := range tiers.Actions() {
		rule, _ := tiers.Rule(a)
		if rule.Feature == f && rule.Freezable {
			return true
		}
	}
	return false
}
