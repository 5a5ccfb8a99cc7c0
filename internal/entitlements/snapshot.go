// Package entitlements holds the entitlement data model and the single gate
// that decides what a snapshot allows.
package entitlements

import (
	"encoding/json"
	"time"

	"github.com/disputekit/tiergate/pkg/tiers"
)

// Usage counts consumption of quota-bound features, keyed by quota key.
type Usage map[string]int64

// Clone returns an independent copy.
func (u Usage) Clone() Usage {
	out := make(Usage, len(u))
	for k, v := range u {
		out[k] = v
	}
	return out
}

// Snapshot is a point-in-time view of a user's entitlement as reported by the
// server. The server owns it; clients hold provisional copies.
type Snapshot struct {
	Tier          tiers.Tier       `json:"tier"`
	Features      tiers.FeatureSet `json:"features"`
	Usage         Usage            `json:"usage"`
	AccessFrozen  bool             `json:"accessFrozen"`
	AccessRevoked bool             `json:"accessRevoked"`
	IsBeta        bool             `json:"isBeta"`

	// FetchedAt is set locally when the snapshot was received.
	FetchedAt time.Time `json:"fetchedAt,omitempty"`
}

// snapshotWire lets UnmarshalJSON tell "features absent" from "all off".
type snapshotWire struct {
	Tier          string           `json:"tier"`
	Features      *json.RawMessage `json:"features"`
	Usage         Usage            `json:"usage"`
	AccessFrozen  bool             `json:"accessFrozen"`
	AccessRevoked bool             `json:"accessRevoked"`
	IsBeta        bool             `json:"isBeta"`
	FetchedAt     time.Time        `json:"fetchedAt"`
}

// UnmarshalJSON decodes the server shape. An unknown tier id degrades to
// free; a missing features map is filled from the catalog.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var wire snapshotWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	tier, err := tiers.ParseTier(wire.Tier)
	if err != nil {
		tier = tiers.TierFree
	}

	out := Snapshot{
		Tier:          tier,
		Usage:         wire.Usage,
		AccessFrozen:  wire.AccessFrozen,
		AccessRevoked: wire.AccessRevoked,
		IsBeta:        wire.IsBeta,
		FetchedAt:     wire.FetchedAt,
	}
	if wire.Features != nil && string(*wire.Features) != "null" {
		if err := json.Unmarshal(*wire.Features, &out.Features); err != nil {
			return err
		}
	} else {
		out.Features = tiers.FeaturesFor(tier)
	}

	*s = *NormalizeSnapshot(&out)
	return nil
}

// FreeSnapshot returns the snapshot used when nothing better is known.
func FreeSnapshot() *Snapshot {
	return SnapshotForTier(tiers.TierFree)
}

// SnapshotForTier builds a snapshot straight from the catalog.
func SnapshotForTier(t tiers.Tier) *Snapshot {
	if !t.Valid() {
		t = tiers.TierFree
	}
	return &Snapshot{
		Tier:     t,
		Features: tiers.FeaturesFor(t),
		Usage:    Usage{},
	}
}

// NormalizeSnapshot returns a repaired deep copy. A nil snapshot becomes free.
func NormalizeSnapshot(s *Snapshot) *Snapshot {
	if s == nil {
		return FreeSnapshot()
	}

	cp := *s
	if !cp.Tier.Valid() {
		cp.Tier = tiers.TierFree
	}
	cp.Usage = s.Usage.Clone()
	for key, value := range cp.Usage {
		if value < 0 {
			cp.Usage[key] = 0
		}
	}
	return &cp
}

// Clone returns an independent copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Usage = s.Usage.Clone()
	return &cp
}

// EffectiveFeatures returns the features the server sent, or the catalog
// features for the tier when the server sent none.
func (s *Snapshot) EffectiveFeatures() tiers.FeatureSet {
	if s == nil {
		return tiers.FeaturesFor(tiers.TierFree)
	}
	if s.Features.IsZero() {
		return tiers.FeaturesFor(s.Tier)
	}
	return s.Features
}

// Used returns the usage counter for a quota key.
func (s *Snapshot) Used(key string) int64 {
	if s == nil || s.Usage == nil {
		return 0
	}
	return s.Usage[key]
}

// Restricted reports whether a server-declared restriction is in force.
func (s *Snapshot) Restricted() bool {
	if s == nil || s.IsBeta {
		return false
	}
	return s.AccessFrozen || s.AccessRevoked
}

// Satisfies reports whether the snapshot confirms a purchase of expected:
// the tier must be paid and rank at or above it.
func (s *Snapshot) Satisfies(expected tiers.Tier) bool {
	if s == nil {
		return false
	}
	return s.Tier.Paid() && s.Tier.AtLeast(expected)
}
