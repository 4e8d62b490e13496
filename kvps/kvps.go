// Package kvps abstracts the shared key-value store with publish/
// subscribe that backs the cluster directory and cross-node routing.
// It exposes only the primitives the routing core needs: string and
// hash get/set/delete, set membership, key expiration, and per-channel
// pub/sub callbacks — nothing specific to any one backend leaks through
// this interface.
package kvps

import "context"

// Handler receives a single published payload for the channel it was
// registered against. Handlers run on the subscriber's own dispatch
// goroutine and must not block for long or perform synchronous
// publishes — publishing always goes through a Publisher, never the
// Subscriber connection a handler is called from.
type Handler func(payload string)

// Unsubscribe stops delivery to the Handler it was returned for.
// Calling it more than once is a no-op.
type Unsubscribe func()

// Store is the full KVPS surface used by the routing core. A Store
// implementation is expected to keep its data operations and its
// publish operations on one logical connection and its subscriptions
// on an independent one, since most real pub/sub transports forbid
// issuing ordinary commands on a connection that has subscribed to a
// channel.
type Store interface {
	// Get returns the string value at key, or ok=false if absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set stores a string value at key.
	Set(ctx context.Context, key, value string) error
	// Delete removes a key. It is not an error if the key is absent.
	Delete(ctx context.Context, keys ...string) error
	// Expire sets a TTL on key, in seconds.
	Expire(ctx context.Context, key string, ttlSeconds int64) error

	// HGet returns one field of a hash, or ok=false if the hash or
	// field is absent.
	HGet(ctx context.Context, key, field string) (value string, ok bool, err error)
	// HSet writes one or more fields of a hash. All values are
	// strings; callers are responsible for JSON-encoding complex
	// values before calling HSet.
	HSet(ctx context.Context, key string, fields map[string]string) error
	// HGetAll returns every field of a hash, or an empty map if absent.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HDel removes one or more fields of a hash.
	HDel(ctx context.Context, key string, fields ...string) error

	// SAdd adds members to a set.
	SAdd(ctx context.Context, key string, members ...string) error
	// SRem removes members from a set.
	SRem(ctx context.Context, key string, members ...string) error
	// SMembers returns every member of a set.
	SMembers(ctx context.Context, key string) ([]string, error)
	// SCard returns the number of members in a set.
	SCard(ctx context.Context, key string) (int64, error)
	// SIsMember reports whether member is in the set at key.
	SIsMember(ctx context.Context, key, member string) (bool, error)

	Publisher
	Subscriber

	// Close releases the underlying connections.
	Close() error
}

// Publisher publishes payloads on named pub/sub channels. A Publisher
// connection never subscribes.
type Publisher interface {
	Publish(ctx context.Context, channel, payload string) error
}

// Subscriber delivers published payloads for named pub/sub channels to
// registered handlers. A Subscriber connection never issues ordinary
// data commands.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler Handler) (Unsubscribe, error)
}
