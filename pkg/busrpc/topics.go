// Package busrpc implements the gateway's only sanctioned path to the
// backend services: correlated request/reply calls and fire-and-forget
// emits over NATS subjects declared in a static operation registry.
package busrpc

import (
	"fmt"
	"sort"
)

// Descriptor binds a logical operation name to the bus subject requests are
// published on and the queue group the owning service consumes under.
type Descriptor struct {
	Op         string
	Subject    string
	QueueGroup string
}

// ServiceTopics builds the descriptors for one backend service. Subjects are
// "{service}.{op}" and every operation of a service shares the service's
// queue group, so exactly one instance of that service handles each request.
func ServiceTopics(service string, ops ...string) []Descriptor {
	descs := make([]Descriptor, 0, len(ops))
	for _, op := range ops {
		descs = append(descs, Descriptor{
			Op:         op,
			Subject:    service + "." + op,
			QueueGroup: service + "-workers",
		})
	}
	return descs
}

// Registry is the operation → descriptor table. It is built once at process
// start and never mutated afterwards.
type Registry struct {
	ops map[string]Descriptor
}

// NewRegistry validates and indexes the given descriptors. Duplicate or
// empty operation names are configuration bugs and fail construction.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	ops := make(map[string]Descriptor, len(descs))
	for _, d := range descs {
		if d.Op == "" || d.Subject == "" {
			return nil, fmt.Errorf("invalid topic descriptor %+v", d)
		}
		if _, exists := ops[d.Op]; exists {
			return nil, fmt.Errorf("duplicate operation %q in topic registry", d.Op)
		}
		ops[d.Op] = d
	}
	return &Registry{ops: ops}, nil
}

// Lookup returns the descriptor for op. Unknown operations are errors: a
// call to an unregistered operation would otherwise stall until timeout
// because no reply subscription exists for it.
func (r *Registry) Lookup(op string) (Descriptor, error) {
	d, ok := r.ops[op]
	if !ok {
		return Descriptor{}, fmt.Errorf("operation %q is not registered", op)
	}
	return d, nil
}

// Ops returns all registered operation names, sorted for determinism.
func (r *Registry) Ops() []string {
	ops := make([]string, 0, len(r.ops))
	for op := range r.ops {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Canonical operation names used across the platform.
const (
	OpGetUserByField    = "get-user-by-field"
	OpGetFriendIds      = "get-friend-ids"
	OpUpdateUserSession = "update-user-session"
	OpSetCacheKey       = "set-cache-key"
	OpGetKeysByPrefix   = "get-keys-by-prefix"
	OpDelCacheKey       = "del-cache-key"
	OpImageUpdated      = "image-updated"
)

// DefaultRegistry returns the platform's full topic map, one group of
// descriptors per backend service.
func DefaultRegistry() *Registry {
	var descs []Descriptor
	descs = append(descs, ServiceTopics("user",
		OpGetUserByField,
		OpGetFriendIds,
		OpUpdateUserSession,
	)...)
	descs = append(descs, ServiceTopics("cache",
		OpSetCacheKey,
		OpGetKeysByPrefix,
		OpDelCacheKey,
	)...)
	descs = append(descs, ServiceTopics("media",
		OpImageUpdated,
	)...)

	reg, err := NewRegistry(descs...)
	if err != nil {
		// Static table; only reachable through a programming error.
		panic(err)
	}
	return reg
}
