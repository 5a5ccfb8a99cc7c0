// Package remote talks to the entitlement API: snapshot fetches, direct
// checkout-session sync and usage reporting.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/disputekit/tiergate/internal/entitlements"
	"github.com/disputekit/tiergate/pkg/tiers"
)

const (
	DefaultEntitlementPath = "/api/user/tier"
	DefaultSyncPath        = "/api/checkout/sync-session"
	DefaultUsagePath       = "/api/user/usage"

	defaultTimeout  = 15 * time.Second
	maxResponseSize = 1 << 20
)

// Options configures a Client.
type Options struct {
	BaseURL         string
	EntitlementPath string
	SyncPath        string
	UsagePath       string
	// Token is sent as a bearer credential. Empty means anonymous.
	Token      string
	HTTPClient *http.Client
	// Now is used for the cache-busting query parameter.
	Now func() time.Time
}

// Client is safe for concurrent use.
type Client struct {
	base            *url.URL
	entitlementPath string
	syncPath        string
	usagePath       string
	token           string
	http            *http.Client
	now             func() time.Time
}

func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("remote: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported scheme %q", base.Scheme)
	}

	c := &Client{
		base:            base,
		entitlementPath: firstNonEmpty(opts.EntitlementPath, DefaultEntitlementPath),
		syncPath:        firstNonEmpty(opts.SyncPath, DefaultSyncPath),
		usagePath:       firstNonEmpty(opts.UsagePath, DefaultUsagePath),
		token:           opts.Token,
		http:            opts.HTTPClient,
		now:             opts.Now,
	}
	if c.http == nil {
		c.http = NewHTTPClient(defaultTimeout)
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

type snapshotResponse struct {
	TierData *entitlements.Snapshot `json:"tierData"`
}

// FetchSnapshot reads the authoritative snapshot. Every failure wraps
// ErrUnavailable; a null tierData means the account has no paid tier.
func (c *Client) FetchSnapshot(ctx context.Context) (*entitlements.Snapshot, error) {
	const op = "fetch_snapshot"

	query := url.Values{}
	query.Set("_ts", strconv.FormatInt(c.now().UnixMilli(), 10))

	req, err := c.newRequest(ctx, http.MethodGet, c.entitlementPath, query, nil)
	if err != nil {
		return nil, newRemoteError(op, ErrorTypeTransport, 0, err)
	}
	req.Header.Set("Cache-Control", "no-cache, no-store")
	req.Header.Set("Pragma", "no-cache")

	var out snapshotResponse
	if err := c.do(req, op, &out); err != nil {
		return nil, err
	}

	snapshot := out.TierData
	if snapshot == nil {
		snapshot = entitlements.FreeSnapshot()
	}
	snapshot.FetchedAt = c.now()
	return snapshot, nil
}

type syncRequest struct {
	SessionID string `json:"sessionId"`
}

type syncResponse struct {
	Granted  bool                   `json:"granted"`
	Tier     string                 `json:"tier,omitempty"`
	TierData *entitlements.Snapshot `json:"tierData,omitempty"`
}

// SyncSession asks the server to verify a checkout session with the payment
// provider and grant the tier directly. The server treats repeated calls for
// the same session as idempotent.
func (c *Client) SyncSession(ctx context.Context, sessionID string) (*entitlements.Snapshot, error) {
	const op = "sync_session"

	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%s: empty session id", op)
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.syncPath, nil, syncRequest{SessionID: sessionID})
	if err != nil {
		return nil, newRemoteError(op, ErrorTypeTransport, 0, err)
	}

	var out syncResponse
	if err := c.do(req, op, &out); err != nil {
		return nil, err
	}
	if !out.Granted {
		return nil, ErrNotYetFulfilled
	}

	snapshot := out.TierData
	if snapshot == nil {
		tier, err := tiers.ParseTier(out.Tier)
		if err != nil || !tier.Paid() {
			return nil, newRemoteError(op, ErrorTypeDecode, 0, fmt.Errorf("granted without a paid tier (tier=%q)", out.Tier))
		}
		snapshot = entitlements.SnapshotForTier(tier)
	}
	snapshot.FetchedAt = c.now()
	return snapshot, nil
}

type usageRequest struct {
	Action    string `json:"action"`
	Increment int64  `json:"increment"`
}

// RecordUsage reports a consumed action. The response body is ignored.
func (c *Client) RecordUsage(ctx context.Context, action tiers.Action, increment int64) error {
	const op = "record_usage"

	req, err := c.newRequest(ctx, http.MethodPost, c.usagePath, nil, usageRequest{
		Action:    string(action),
		Increment: increment,
	})
	if err != nil {
		return newRemoteError(op, ErrorTypeTransport, 0, err)
	}
	return c.do(req, op, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Request, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, nil
}

func (c *Client) do(req *http.Request, op string, out interface{}) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return newRemoteError(op, ErrorTypeTransport, 0, err)
	}
	defer resp.Body.Close()

	log.Debug().
		Str("op", op).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Str("requestID", req.Header.Get("X-Request-ID")).
		Msg("Entitlement API call finished")

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return newRemoteError(op, ErrorTypeTransport, resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return newRemoteError(op, ErrorTypeAuth, resp.StatusCode, errors.New(http.StatusText(resp.StatusCode)))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return newRemoteError(op, ErrorTypeStatus, resp.StatusCode, fmt.Errorf("unexpected response: %s", snippet(body)))
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		if out != nil {
			return newRemoteError(op, ErrorTypeDecode, resp.StatusCode, errors.New("empty response body"))
		}
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return newRemoteError(op, ErrorTypeDecode, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
