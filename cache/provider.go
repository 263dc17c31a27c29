package cache

import "context"

// Provider is the external resource source the cache sits in front of.
//
// The cache guarantees that for every successful Load it calls Release
// exactly once, and for every successful LoadBatch it calls ReleaseBatch
// exactly once. The provider is never asked to load the same key twice
// concurrently through Load.
type Provider[K comparable, V any] interface {
	Load(ctx context.Context, k K) (V, error)
	LoadBatch(ctx context.Context, keys []K) (Batch[K, V], error)
	Release(v V)
	ReleaseBatch(b Batch[K, V])
}

// TagProvider is implemented by providers that can resolve a tag to a set
// of keys and load them as one batch.
type TagProvider[K comparable, V any] interface {
	LoadTag(ctx context.Context, tag K) (Batch[K, V], error)
}

// Batch is the result of one batch load. Items may hold fewer keys than
// were requested. Handle is opaque to the cache and handed back in
// ReleaseBatch. Payloads in Items belong to the batch and are never passed
// to Release individually.
type Batch[K comparable, V any] struct {
	Items  map[K]V
	Handle any
}

// Instance is a derived object built from a payload (e.g. a spawned prefab)
// that a Scope destroys when it ends. Implementations must be comparable
// (typically a pointer).
type Instance interface {
	Destroy()
}
