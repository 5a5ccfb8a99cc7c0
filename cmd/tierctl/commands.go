package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/disputekit/tiergate/internal/entitlements"
	"github.com/disputekit/tiergate/internal/resolver"
	"github.com/disputekit/tiergate/pkg/tiers"
)

var (
	errActionBlocked      = errors.New("action blocked")
	errPaymentUnconfirmed = errors.New("payment not confirmed; run 'tierctl refresh' later or contact support")
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Resolve and print the current entitlement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStartedApp(cmd, opts, entitlements.ReturnSignal{}, func(a *app) error {
				return printView(cmd.OutOrStdout(), a.resolver.View(), opts.jsonOutput)
			})
		},
	}
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check <action>",
		Short: "Report whether an action is allowed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := tiers.ParseAction(args[0])
			if err != nil {
				return err
			}
			return withStartedApp(cmd, opts, entitlements.ReturnSignal{}, func(a *app) error {
				block := a.resolver.BlockedReason(action)
				if err := printBlock(cmd.OutOrStdout(), action, block, a.resolver.View(), opts.jsonOutput); err != nil {
					return err
				}
				if block.Blocked {
					return errActionBlocked
				}
				return nil
			})
		},
	}
}

func newUseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "use <action>",
		Short: "Record one use of an allowed action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := tiers.ParseAction(args[0])
			if err != nil {
				return err
			}
			return withStartedApp(cmd, opts, entitlements.ReturnSignal{}, func(a *app) error {
				if block := a.resolver.BlockedReason(action); block.Blocked {
					if err := printBlock(cmd.OutOrStdout(), action, block, a.resolver.View(), opts.jsonOutput); err != nil {
						return err
					}
					return errActionBlocked
				}
				if err := a.resolver.RecordUsage(action); err != nil {
					return err
				}
				return printBlock(cmd.OutOrStdout(), action, entitlements.Allowed, a.resolver.View(), opts.jsonOutput)
			})
		},
	}
}

func newRefreshCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Force a fresh entitlement fetch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStartedApp(cmd, opts, entitlements.ReturnSignal{}, func(a *app) error {
				if err := a.resolver.ForceRefresh(cmd.Context()); err != nil {
					return err
				}
				return printView(cmd.OutOrStdout(), a.resolver.View(), opts.jsonOutput)
			})
		},
	}
}

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	var (
		tier      string
		sessionID string
		returnURL string
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Wait until a completed checkout is reflected in the entitlement",
		Long: `Reconcile starts from a checkout return (either --tier/--session-id or the
full --return-url) and polls until the expected tier is confirmed or the
attempt limit is reached. Without flags it resumes any stored pending payment.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			signal, err := reconcileSignal(tier, sessionID, returnURL)
			if err != nil {
				return err
			}
			return withStartedApp(cmd, opts, signal, func(a *app) error {
				return waitForReconcile(cmd, a, opts)
			})
		},
	}
	cmd.Flags().StringVar(&tier, "tier", "", "Tier that was purchased")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "Checkout session id from the payment provider")
	cmd.Flags().StringVar(&returnURL, "return-url", "", "Full URL the payment provider redirected back to")
	cmd.MarkFlagsMutuallyExclusive("tier", "return-url")
	cmd.MarkFlagsMutuallyExclusive("session-id", "return-url")
	return cmd
}

func newPendingCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Manage the pending payment marker",
	}

	var (
		tier      string
		sessionID string
	)
	markCmd := &cobra.Command{
		Use:   "mark",
		Short: "Record that a checkout is about to start",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			expected, err := tiers.ParseTier(tier)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			pending, err := a.resolver.MarkPaymentPending(expected, sessionID)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), pending)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pending payment %s for %s recorded\n", pending.ID, pending.ExpectedTier)
			return nil
		},
	}
	markCmd.Flags().StringVar(&tier, "tier", "", "Tier being purchased")
	markCmd.Flags().StringVar(&sessionID, "session-id", "", "Checkout session id, if already known")
	_ = markCmd.MarkFlagRequired("tier")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop the pending payment marker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.resolver.ClearPaymentPending(); err != nil {
				return err
			}
			if !opts.jsonOutput {
				fmt.Fprintln(cmd.OutOrStdout(), "Pending payment cleared")
			}
			return nil
		},
	}

	cmd.AddCommand(markCmd, clearCmd)
	return cmd
}

func withStartedApp(cmd *cobra.Command, opts *rootOptions, signal entitlements.ReturnSignal, fn func(*app) error) error {
	a, err := openApp(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.resolver.Start(cmd.Context(), signal); err != nil {
		return fmt.Errorf("start resolver: %w", err)
	}
	return fn(a)
}

func reconcileSignal(tier, sessionID, returnURL string) (entitlements.ReturnSignal, error) {
	if returnURL != "" {
		u, err := url.Parse(returnURL)
		if err != nil {
			return entitlements.ReturnSignal{}, fmt.Errorf("parse return URL: %w", err)
		}
		return entitlements.ParseReturnSignal(u.Query()), nil
	}
	if tier == "" {
		if sessionID != "" {
			return entitlements.ReturnSignal{}, errors.New("--session-id requires --tier")
		}
		return entitlements.ReturnSignal{}, nil
	}
	expected, err := tiers.ParseTier(tier)
	if err != nil {
		return entitlements.ReturnSignal{}, err
	}
	if !expected.Paid() {
		return entitlements.ReturnSignal{}, fmt.Errorf("%q is not a purchasable tier", expected)
	}
	return entitlements.ReturnSignal{
		Success:   true,
		Tier:      string(expected),
		SessionID: strings.TrimSpace(sessionID),
	}, nil
}

func waitForReconcile(cmd *cobra.Command, a *app, opts *rootOptions) error {
	out := cmd.OutOrStdout()
	maxAttempts := a.cfg.ResolverConfig().MaxAttempts

	ctx, stop := context.WithCancel(cmd.Context())
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.MetricsAddr; addr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, addr)
		})
	}

	views, unsubscribe := a.resolver.Subscribe()
	defer unsubscribe()
	g.Go(func() error {
		last := -1
		for {
			select {
			case <-gctx.Done():
				return nil
			case v, ok := <-views:
				if !ok {
					return nil
				}
				if v.Phase != resolver.PhaseReconciling || v.Attempt == last || opts.jsonOutput {
					continue
				}
				last = v.Attempt
				fmt.Fprintf(out, "Waiting for payment confirmation (attempt %d/%d)\n", v.Attempt+1, maxAttempts)
			}
		}
	})

	g.Go(func() error {
		defer stop()
		return a.resolver.Wait(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if err := cmd.Context().Err(); err != nil {
		return err
	}

	view := a.resolver.View()
	if err := printView(out, view, opts.jsonOutput); err != nil {
		return err
	}
	if view.NeedsManualRefresh() {
		return errPaymentUnconfirmed
	}
	return nil
}

type statusOutput struct {
	Tier               tiers.Tier                   `json:"tier"`
	Phase              resolver.Phase               `json:"phase"`
	Attempt            int                          `json:"attempt"`
	Stale              bool                         `json:"stale"`
	AccessFrozen       bool                         `json:"accessFrozen"`
	AccessRevoked      bool                         `json:"accessRevoked"`
	IsBeta             bool                         `json:"isBeta"`
	Usage              entitlements.Usage           `json:"usage,omitempty"`
	Pending            *entitlements.PendingPayment `json:"pending,omitempty"`
	NeedsManualRefresh bool                         `json:"needsManualRefresh"`
}

func newStatusOutput(v resolver.View) statusOutput {
	snapshot := v.Snapshot
	if snapshot == nil {
		snapshot = entitlements.FreeSnapshot()
	}
	return statusOutput{
		Tier:               snapshot.Tier,
		Phase:              v.Phase,
		Attempt:            v.Attempt,
		Stale:              v.Stale,
		AccessFrozen:       snapshot.AccessFrozen,
		AccessRevoked:      snapshot.AccessRevoked,
		IsBeta:             snapshot.IsBeta,
		Usage:              snapshot.Usage,
		Pending:            v.Pending,
		NeedsManualRefresh: v.NeedsManualRefresh(),
	}
}

func printView(w io.Writer, v resolver.View, asJSON bool) error {
	status := newStatusOutput(v)
	if asJSON {
		return writeJSON(w, status)
	}

	fmt.Fprintf(w, "Tier:    %s\n", status.Tier)
	fmt.Fprintf(w, "Phase:   %s\n", status.Phase)
	if status.Stale {
		fmt.Fprintln(w, "Stale:   yes (last server fetch failed)")
	}
	var flags []string
	if status.IsBeta {
		flags = append(flags, "beta")
	}
	if status.AccessRevoked {
		flags = append(flags, "revoked")
	}
	if status.AccessFrozen {
		flags = append(flags, "frozen")
	}
	if len(flags) > 0 {
		fmt.Fprintf(w, "Flags:   %s\n", strings.Join(flags, ", "))
	}
	if p := status.Pending; p != nil {
		fmt.Fprintf(w, "Pending: %s since %s", p.ExpectedTier, p.StartedAt.Format("2006-01-02 15:04:05 MST"))
		if p.SessionID != "" {
			fmt.Fprintf(w, " (session %s)", p.SessionID)
		}
		fmt.Fprintln(w)
	}
	if status.NeedsManualRefresh {
		fmt.Fprintf(w, "Payment was not confirmed after %d attempts.\n", status.Attempt+1)
	}
	return nil
}

type blockOutput struct {
	Action    tiers.Action `json:"action"`
	Allowed   bool         `json:"allowed"`
	Remaining *tiers.Quota `json:"remaining,omitempty"`
	entitlements.Block
}

func printBlock(w io.Writer, action tiers.Action, block entitlements.Block, v resolver.View, asJSON bool) error {
	out := blockOutput{Action: action, Allowed: !block.Blocked, Block: block}
	if left, ok := entitlements.NewGate(v.Snapshot).Remaining(action); ok {
		out.Remaining = &left
	}
	if asJSON {
		return writeJSON(w, out)
	}

	if !block.Blocked {
		fmt.Fprintf(w, "%s: allowed", action)
		if out.Remaining != nil {
			fmt.Fprintf(w, " (%s remaining)", out.Remaining)
		}
		fmt.Fprintln(w)
		return nil
	}
	fmt.Fprintf(w, "%s: blocked (%s) %s\n", action, block.Reason, block.Message)
	if block.UpgradeTier != "" {
		fmt.Fprintf(w, "Upgrade to %s to unlock it.\n", block.UpgradeTier)
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
