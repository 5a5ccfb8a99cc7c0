package entitlements

import (
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/disputekit/tiergate/pkg/tiers"
)

// PendingPayment marks that a checkout redirect happened and the tier is
// expected to rise to at least ExpectedTier. It is owned by the client and
// survives reloads.
type PendingPayment struct {
	ID           string     `json:"id"`
	ExpectedTier tiers.Tier `json:"expectedTier"`
	Addon        string     `json:"addon,omitempty"`
	SessionID    string     `json:"sessionId,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
}

// NewPendingPayment creates a marker for an upcoming checkout redirect.
func NewPendingPayment(expected tiers.Tier, sessionID string, now time.Time) *PendingPayment {
	return &PendingPayment{
		ID:           ulid.Make().String(),
		ExpectedTier: expected,
		SessionID:    strings.TrimSpace(sessionID),
		StartedAt:    now.UTC(),
	}
}

// Valid reports whether the marker names a purchasable tier.
func (p *PendingPayment) Valid() bool {
	return p != nil && p.ExpectedTier.Paid()
}

// Clone returns an independent copy.
func (p *PendingPayment) Clone() *PendingPayment {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// ReturnSignal carries the return-trip parameters appended by the payment
// provider redirect.
type ReturnSignal struct {
	Success   bool
	Tier      string
	Addon     string
	SessionID string
}

// ParseReturnSignal reads the return-trip query parameters. Both
// "payment=success" and "success=true" mark a successful checkout.
func ParseReturnSignal(query url.Values) ReturnSignal {
	success := strings.EqualFold(strings.TrimSpace(query.Get("payment")), "success")
	if !success {
		switch strings.ToLower(strings.TrimSpace(query.Get("success"))) {
		case "true", "1", "yes":
			success = true
		}
	}
	sessionID := strings.TrimSpace(query.Get("session_id"))
	if sessionID == "{CHECKOUT_SESSION_ID}" {
		// Placeholder left unexpanded by the provider.
		sessionID = ""
	}
	return ReturnSignal{
		Success:   success,
		Tier:      strings.TrimSpace(query.Get("tier")),
		Addon:     strings.TrimSpace(query.Get("addon")),
		SessionID: sessionID,
	}
}

// ExpectedTier returns the tier the return trip implies. An addon that names
// a tier raises the expectation to the higher of the two.
func (r ReturnSignal) ExpectedTier() (tiers.Tier, bool) {
	expected := tiers.TierFree
	if t, err := tiers.ParseTier(r.Tier); err == nil {
		expected = t
	}
	if t, err := tiers.ParseTier(r.Addon); err == nil {
		expected = tiers.Max(expected, t)
	}
	return expected, expected.Paid()
}

// Pending builds a marker from the signal, or nil when the signal does not
// describe a successful paid checkout.
func (r ReturnSignal) Pending(now time.Time) *PendingPayment {
	if !r.Success {
		return nil
	}
	expected, ok := r.ExpectedTier()
	if !ok {
		return nil
	}
	p := NewPendingPayment(expected, r.SessionID, now)
	p.Addon = r.Addon
	return p
}

// MergePending combines a stored marker with one inferred from the return
// URL. The higher expected tier wins, a session id from the return URL
// replaces the stored one, and the original start time is preserved.
func MergePending(stored, fromURL *PendingPayment) *PendingPayment {
	switch {
	case !stored.Valid() && !fromURL.Valid():
		return nil
	case !stored.Valid():
		return fromURL.Clone()
	case !fromURL.Valid():
		return stored.Clone()
	}

	merged := stored.Clone()
	merged.ExpectedTier = tiers.Max(stored.ExpectedTier, fromURL.ExpectedTier)
	if fromURL.SessionID != "" {
		merged.SessionID = fromURL.SessionID
	}
	if merged.Addon == "" {
		merged.Addon = fromURL.Addon
	}
	return merged
}
