// Package model holds the entity types the app caches offline and the
// policy each one is cached under.
package model

import (
	"time"

	"github.com/agentuity/offline-cache/cache"
)

// Partition names, one per entity type.
const (
	PartitionPosts       = "posts"
	PartitionAnimalFacts = "animal_facts"
	PartitionFriendLists = "friend_lists"
	PartitionCollections = "animal_collections"
)

// DefaultTTL applies to shared, frequently changing data.
const DefaultTTL = 10 * time.Minute

// Post is a user post in the shared feed.
type Post struct {
	ID           string   `msgpack:"id"`
	AuthorID     string   `msgpack:"author_id"`
	Body         string   `msgpack:"body"`
	ImageURL     string   `msgpack:"image_url,omitempty"`
	AnimalIDs    []string `msgpack:"animal_ids,omitempty"`
	LikeCount    int      `msgpack:"like_count"`
	CommentCount int      `msgpack:"comment_count"`
	CreatedAtMs  int64    `msgpack:"created_at_ms"`
}

// PostKey identifies a Post.
func PostKey(p Post) string { return p.ID }

// PostsByAuthor selects the posts written by authorID.
func PostsByAuthor(authorID string) cache.Predicate[Post] {
	return func(p Post) bool { return p.AuthorID == authorID }
}

// PostsMentioning selects the posts tagged with animalID.
func PostsMentioning(animalID string) cache.Predicate[Post] {
	return func(p Post) bool {
		for _, id := range p.AnimalIDs {
			if id == animalID {
				return true
			}
		}
		return false
	}
}

// AnimalFact is a reference entry about one animal.
type AnimalFact struct {
	ID          string `msgpack:"id"`
	Name        string `msgpack:"name"`
	Species     string `msgpack:"species"`
	Habitat     string `msgpack:"habitat"`
	Diet        string `msgpack:"diet"`
	Description string `msgpack:"description"`
	ImageURL    string `msgpack:"image_url,omitempty"`
}

// AnimalFactKey identifies an AnimalFact.
func AnimalFactKey(a AnimalFact) string { return a.ID }

// FriendList is the set of users a user follows. It only changes through the
// user's own actions, so it is never expired by age.
type FriendList struct {
	UserID    string   `msgpack:"user_id"`
	FriendIDs []string `msgpack:"friend_ids"`
}

// FriendListKey identifies a FriendList by its owner.
func FriendListKey(f FriendList) string { return f.UserID }

// AnimalCollection is the set of animals a user has collected.
type AnimalCollection struct {
	UserID    string   `msgpack:"user_id"`
	AnimalIDs []string `msgpack:"animal_ids"`
}

// AnimalCollectionKey identifies an AnimalCollection by its owner.
func AnimalCollectionKey(c AnimalCollection) string { return c.UserID }

// Policies maps each partition to its staleness policy.
type Policies map[string]cache.Policy

// DefaultPolicies returns the policies the app ships with.
func DefaultPolicies() Policies {
	return Policies{
		PartitionPosts:       cache.TTLGated(DefaultTTL),
		PartitionAnimalFacts: cache.TTLGated(DefaultTTL),
		PartitionFriendLists: cache.ExplicitInvalidation(),
		PartitionCollections: cache.ExplicitInvalidation(),
	}
}

// Get returns the policy for partition, falling back to TTLGated(DefaultTTL).
func (p Policies) Get(partition string) cache.Policy {
	if policy, ok := p[partition]; ok {
		return policy
	}
	return cache.TTLGated(DefaultTTL)
}
