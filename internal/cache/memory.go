package cache

import (
	"context"
	"sync"

	"github.com/disputekit/tiergate/internal/entitlements"
)

// MemoryStore keeps encoded values in process memory. Values go through the
// same codec as the durable backends so corruption handling is identical.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// SetRaw stores raw bytes under a logical key, bypassing encoding.
func (s *MemoryStore) SetRaw(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), data...)
}

func (s *MemoryStore) Read(_ context.Context) (*entitlements.Snapshot, error) {
	return decodeSnapshot(s.raw(KeySnapshot)), nil
}

func (s *MemoryStore) Write(_ context.Context, snapshot *entitlements.Snapshot) error {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	s.SetRaw(KeySnapshot, data)
	return nil
}

func (s *MemoryStore) ReadPendingPayment(_ context.Context) (*entitlements.PendingPayment, error) {
	return decodePending(s.raw(KeyPendingPayment)), nil
}

func (s *MemoryStore) WritePendingPayment(_ context.Context, pending *entitlements.PendingPayment) error {
	data, err := encodePending(pending)
	if err != nil {
		return err
	}
	s.SetRaw(KeyPendingPayment, data)
	return nil
}

func (s *MemoryStore) ClearPendingPayment(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, KeyPendingPayment)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) raw(key string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}
