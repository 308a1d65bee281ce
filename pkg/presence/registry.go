// Package presence records "user is online" as TTL-bearing keys in a
// JetStream key-value bucket. Key existence is the entire signal: the value
// carries no information and a key self-expires if its owner stops
// refreshing it, which bounds staleness even when a clean disconnect is
// never observed.
package presence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// KeyPrefix namespaces online keys inside the bucket. The bucket key for
// user u is "online.u" (KV key syntax forbids the ':' separator the cache
// layer historically used; the prefix-scan semantics are unchanged).
const KeyPrefix = "online."

// DefaultTTL is how long an online key survives without a refresh. Connect
// and every heartbeat reset the clock.
const DefaultTTL = 45 * time.Second

// Bucket is the KV bucket holding online keys.
const Bucket = "ONLINE"

// Registry is a shared, multi-process-safe view of who is online. All
// mutations are single-key puts and deletes; the bucket's per-entry TTL
// does the rest.
type Registry struct {
	kv nats.KeyValue
}

// NewRegistry creates (or binds to) the ONLINE bucket with the given TTL
// and returns a registry over it. ttl <= 0 selects DefaultTTL.
func NewRegistry(js nats.JetStreamContext, ttl time.Duration) (*Registry, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  Bucket,
		History: 1,
		TTL:     ttl,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s KV bucket: %w", Bucket, err)
	}
	return &Registry{kv: kv}, nil
}

// NewRegistryWithKV wraps an existing bucket. Used by tests and by callers
// that manage bucket lifecycle themselves.
func NewRegistryWithKV(kv nats.KeyValue) *Registry {
	return &Registry{kv: kv}
}

func key(userId string) string {
	return KeyPrefix + userId
}

// SetOnline marks userId online, refreshing the key's TTL if it already
// exists. Idempotent.
func (r *Registry) SetOnline(userId string) error {
	if _, err := r.kv.Put(key(userId), []byte("1")); err != nil {
		return fmt.Errorf("failed to put online key for %s: %w", userId, err)
	}
	return nil
}

// ClearOnline removes userId's online key. Clearing an absent key is not an
// error: the TTL may already have expired it.
func (r *Registry) ClearOnline(userId string) error {
	err := r.kv.Delete(key(userId))
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete online key for %s: %w", userId, err)
	}
	return nil
}

// IsOnline reports whether userId currently has an online key.
func (r *Registry) IsOnline(userId string) (bool, error) {
	_, err := r.kv.Get(key(userId))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, nats.ErrKeyNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("failed to get online key for %s: %w", userId, err)
	}
}

// ListOnlineAmong returns the subset of userIds that are online, in input
// order. It scans the whole online namespace and intersects, which costs
// O(total online users) per query. Fine for small and medium fleets but a
// known scaling limit beyond that.
func (r *Registry) ListOnlineAmong(userIds []string) ([]string, error) {
	if len(userIds) == 0 {
		return nil, nil
	}

	keys, err := r.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list online keys: %w", err)
	}

	online := make(map[string]bool, len(keys))
	for _, k := range keys {
		if strings.HasPrefix(k, KeyPrefix) {
			online[strings.TrimPrefix(k, KeyPrefix)] = true
		}
	}

	var result []string
	for _, id := range userIds {
		if online[id] {
			result = append(result, id)
		}
	}
	return result, nil
}
