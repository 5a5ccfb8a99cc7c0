// Package checkout prechecks checkout sessions with the payment provider
// before asking the entitlement API to grant them.
package checkout

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	stripe "github.com/stripe/stripe-go/v82"
	stripeclient "github.com/stripe/stripe-go/v82/client"

	"github.com/disputekit/tiergate/internal/entitlements"
	"github.com/disputekit/tiergate/internal/remote"
)

// SessionSyncer grants a tier directly from a paid checkout session.
type SessionSyncer interface {
	SyncSession(ctx context.Context, sessionID string) (*entitlements.Snapshot, error)
}

// StripeVerifier skips the server round trip while Stripe still reports
// the session as open or unpaid.
type StripeVerifier struct {
	next               SessionSyncer
	getCheckoutSession func(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// NewStripeVerifier wraps next. An empty apiKey returns next unchanged.
func NewStripeVerifier(apiKey string, next SessionSyncer) (SessionSyncer, error) {
	if next == nil {
		return nil, errors.New("checkout: wrapped session syncer is required")
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return next, nil
	}
	api := stripeclient.New(apiKey, nil)
	return &StripeVerifier{
		next:               next,
		getCheckoutSession: api.CheckoutSessions.Get,
	}, nil
}

func (v *StripeVerifier) SyncSession(ctx context.Context, sessionID string) (*entitlements.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	session, err := v.getCheckoutSession(sessionID, params)
	if err != nil || session == nil {
		// The server repeats this verification, so a provider hiccup is not
		// a reason to skip it.
		log.Debug().Err(err).Str("session_id", sessionID).Msg("Stripe checkout session lookup failed, deferring to server")
		return v.next.SyncSession(ctx, sessionID)
	}

	if !fulfilled(session) {
		log.Debug().
			Str("session_id", sessionID).
			Str("status", string(session.Status)).
			Str("payment_status", string(session.PaymentStatus)).
			Msg("Checkout session not fulfilled yet")
		return nil, remote.ErrNotYetFulfilled
	}
	return v.next.SyncSession(ctx, sessionID)
}

func fulfilled(session *stripe.CheckoutSession) bool {
	if session.Status != stripe.CheckoutSessionStatusComplete {
		return false
	}
	switch session.PaymentStatus {
	case stripe.CheckoutSessionPaymentStatusPaid, stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		return true
	default:
		return false
	}
}
