package settings

import (
	"context"
	"sync"

	"github.com/valkey-io/valkey-go"
)

// ValkeyStore keeps overrides in a Valkey hash so every node converges on the
// same values within the resolver TTL.
type ValkeyStore struct {
	client valkey.Client
	key    string
}

// NewValkeyStore constructs a store backed by Valkey.
func NewValkeyStore(client valkey.Client, key string) *ValkeyStore {
	if key == "" {
		key = "settings:overrides"
	}
	return &ValkeyStore{client: client, key: key}
}

func (s *ValkeyStore) All(ctx context.Context) (map[string]string, error) {
	resp := s.client.Do(ctx, s.client.B().Hgetall().Key(s.key).Build())
	values, err := resp.AsStrMap()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, err
	}
	return values, nil
}

func (s *ValkeyStore) Set(ctx context.Context, key, value string) error {
	cmd := s.client.B().Hset().Key(s.key).FieldValue().FieldValue(key, value).Build()
	return s.client.Do(ctx, cmd).Error()
}

func (s *ValkeyStore) Delete(ctx context.Context, key string) error {
	cmd := s.client.B().Hdel().Key(s.key).Field(key).Build()
	return s.client.Do(ctx, cmd).Error()
}

var _ OverrideStore = (*ValkeyStore)(nil)

// MemoryStore is the in-process stand-in used when Valkey is not configured.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore constructs an empty override store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) All(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

var _ OverrideStore = (*MemoryStore)(nil)
