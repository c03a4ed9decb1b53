package model

import (
	"github.com/agentuity/offline-cache/cache"
	"github.com/agentuity/offline-cache/connectivity"
	"github.com/agentuity/offline-cache/logger"
	"github.com/agentuity/offline-cache/store"
)

// Caches bundles one cache per entity type over a shared backend.
type Caches struct {
	Posts       *cache.Cache[Post]
	AnimalFacts *cache.Cache[AnimalFact]
	FriendLists *cache.Cache[FriendList]
	Collections *cache.Cache[AnimalCollection]
}

// NewCaches wires every entity cache to backend. Partitions missing from
// policies use their DefaultPolicies entry.
func NewCaches(backend store.Backend, signal connectivity.Signal, policies Policies, log logger.Logger, opts ...cache.Option) *Caches {
	merged := DefaultPolicies()
	for k, v := range policies {
		merged[k] = v
	}
	opts = append([]cache.Option{cache.WithLogger(log)}, opts...)
	storeOpts := []store.Option{store.WithLogger(log)}
	return &Caches{
		Posts: cache.New(store.New[Post](backend, PartitionPosts, storeOpts...),
			PostKey, merged.Get(PartitionPosts), signal, opts...),
		AnimalFacts: cache.New(store.New[AnimalFact](backend, PartitionAnimalFacts, storeOpts...),
			AnimalFactKey, merged.Get(PartitionAnimalFacts), signal, opts...),
		FriendLists: cache.New(store.New[FriendList](backend, PartitionFriendLists, storeOpts...),
			FriendListKey, merged.Get(PartitionFriendLists), signal, opts...),
		Collections: cache.New(store.New[AnimalCollection](backend, PartitionCollections, storeOpts...),
			AnimalCollectionKey, merged.Get(PartitionCollections), signal, opts...),
	}
}
