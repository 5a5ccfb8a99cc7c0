// Package cache persists the last known entitlement snapshot and the pending
// payment marker across restarts.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/disputekit/tiergate/internal/entitlements"
)

// Logical keys. Every backend stores exactly these two values per scope.
const (
	KeySnapshot       = "tier_snapshot"
	KeyPendingPayment = "pending_payment"
)

// Store is the local cache contract. Writes replace the whole value.
//
// Read never fails on malformed content: a corrupt snapshot reads as the free
// snapshot and a corrupt marker reads as absent. Errors are reserved for the
// backend itself being unreachable.
type Store interface {
	Read(ctx context.Context) (*entitlements.Snapshot, error)
	Write(ctx context.Context, snapshot *entitlements.Snapshot) error
	ReadPendingPayment(ctx context.Context) (*entitlements.PendingPayment, error)
	WritePendingPayment(ctx context.Context, pending *entitlements.PendingPayment) error
	ClearPendingPayment(ctx context.Context) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend  string
	Scope    string // identity the values belong to; "anonymous" when signed out
	Dir      string // file and sqlite backends
	RedisURL string // redis backend
}

// Open creates the configured store.
func Open(ctx context.Context, opts Options) (Store, error) {
	scope := normalizeScope(opts.Scope)
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		return NewFileStore(opts.Dir, scope)
	case BackendSQLite:
		return NewSQLiteStore(opts.Dir, scope)
	case BackendRedis:
		return NewRedisStoreFromURL(ctx, opts.RedisURL, scope)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}
}

func normalizeScope(scope string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return "anonymous"
	}
	return scope
}

// decodeSnapshot never fails: absent data is nil, corrupt data is free.
func decodeSnapshot(data []byte) *entitlements.Snapshot {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	var snapshot entitlements.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		log.Warn().Err(err).Msg("Cached tier snapshot is unreadable; treating as free")
		return entitlements.FreeSnapshot()
	}
	return entitlements.NormalizeSnapshot(&snapshot)
}

// decodePending never fails: absent or corrupt data is nil.
func decodePending(data []byte) *entitlements.PendingPayment {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	var pending entitlements.PendingPayment
	if err := json.Unmarshal(data, &pending); err != nil {
		log.Warn().Err(err).Msg("Cached pending payment is unreadable; ignoring it")
		return nil
	}
	if !pending.Valid() {
		return nil
	}
	return &pending
}

func encodeSnapshot(snapshot *entitlements.Snapshot) ([]byte, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("snapshot is required")
	}
	data, err := json.Marshal(entitlements.NormalizeSnapshot(snapshot))
	if err != nil {
		return nil, fmt.Errorf("encode tier snapshot: %w", err)
	}
	return data, nil
}

func encodePending(pending *entitlements.PendingPayment) ([]byte, error) {
	if !pending.Valid() {
		return nil, fmt.Errorf("pending payment must name a paid tier")
	}
	data, err := json.Marshal(pending)
	if err != nil {
		return nil, fmt.Errorf("encode pending payment: %w", err)
	}
	return data, nil
}
