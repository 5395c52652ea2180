package blob

import (
	"context"
	"fmt"
	"sync"
)

// Owner identifies the entity a blob is attached to: a kind tag plus
// an opaque id. Kinds are resolved through an explicit registry, never
// through runtime type introspection.
type Owner struct {
	Kind string
	ID   string
}

func (o Owner) String() string {
	return o.Kind + "/" + o.ID
}

// OwnerLookup loads the owning entity for an id. What it returns is
// application-defined; the index only cares that the kind is known.
type OwnerLookup func(ctx context.Context, id string) (any, error)

// OwnerKinds maps owner kind tags to lookup functions.
type OwnerKinds struct {
	mu    sync.RWMutex
	kinds map[string]OwnerLookup
}

func NewOwnerKinds() *OwnerKinds {
	return &OwnerKinds{kinds: make(map[string]OwnerLookup)}
}

// Register adds a kind. Re-registering a kind replaces its lookup.
func (k *OwnerKinds) Register(kind string, lookup OwnerLookup) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.kinds[kind] = lookup
}

// Known reports whether the kind tag has been registered.
func (k *OwnerKinds) Known(kind string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.kinds[kind]
	return ok
}

// Resolve loads the owning entity behind an Owner reference.
func (k *OwnerKinds) Resolve(ctx context.Context, owner Owner) (any, error) {
	k.mu.RLock()
	lookup, ok := k.kinds[owner.Kind]
	k.mu.RUnlock()

	if !ok {
		return nil, &UsageError{Detail: fmt.Sprintf("unregistered owner kind %q", owner.Kind)}
	}
	return lookup(ctx, owner.ID)
}
