// Package kvpstest provides an in-memory kvps.Store for unit tests that
// exercise the routing core without a real Redis deployment. It mirrors
// the subset of Redis semantics the Store interface depends on: string
// and hash values, sets, TTL-based expiry, and fan-out pub/sub delivered
// synchronously to every still-registered handler.
package kvpstest

import (
	"context"
	"sync"
	"time"

	"github.com/flowgate/flowgate/kvps"
)

type subscription struct {
	id      int
	handler kvps.Handler
}

// Store is an in-memory kvps.Store. The zero value is not usable; use
// New. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	strings map[string]string
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	expiry  map[string]time.Time

	subs   map[string][]subscription
	nextID int

	closed bool
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		expiry:  make(map[string]time.Time),
		subs:    make(map[string][]subscription),
	}
}

// expiredLocked reports whether key has a TTL that has passed, deleting it
// lazily from every value map if so. Callers must hold s.mu.
func (s *Store) expiredLocked(key string) bool {
	deadline, ok := s.expiry[key]
	if !ok || time.Now().Before(deadline) {
		return false
	}
	delete(s.strings, key)
	delete(s.hashes, key)
	delete(s.sets, key)
	delete(s.expiry, key)
	return true
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		return "", false, nil
	}
	val, ok := s.strings[key]
	return val, ok, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = value
	delete(s.expiry, key)
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.strings, key)
		delete(s.hashes, key)
		delete(s.sets, key)
		delete(s.expiry, key)
	}
	return nil
}

func (s *Store) Expire(ctx context.Context, key string, ttlSeconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiry[key] = time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	return nil
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		return "", false, nil
	}
	h, ok := s.hashes[key]
	if !ok {
		return "", false, nil
	}
	val, ok := h[field]
	return val, ok, nil
}

func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiredLocked(key)
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		return map[string]string{}, nil
	}
	out := make(map[string]string)
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(s.hashes, key)
	}
	return nil
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiredLocked(key)
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return nil
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		return nil, nil
	}
	members := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		members = append(members, m)
	}
	return members, nil
}

func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		return 0, nil
	}
	return int64(len(s.sets[key])), nil
}

func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiredLocked(key) {
		return false, nil
	}
	_, ok := s.sets[key][member]
	return ok, nil
}

// Publish delivers payload synchronously to every handler currently
// subscribed to channel, in registration order. There is no durability
// or buffering: a handler registered after Publish returns never sees
// it, exactly like Redis pub/sub.
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	s.mu.Lock()
	handlers := make([]kvps.Handler, len(s.subs[channel]))
	for i, sub := range s.subs[channel] {
		handlers[i] = sub.handler
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, channel string, handler kvps.Handler) (kvps.Unsubscribe, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[channel] = append(s.subs[channel], subscription{id: id, handler: handler})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			subs := s.subs[channel]
			for i, sub := range subs {
				if sub.id == id {
					s.subs[channel] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(s.subs[channel]) == 0 {
				delete(s.subs, channel)
			}
		})
	}, nil
}

// SubscriberCount returns how many handlers are currently registered on
// channel. Intended for assertions in tests.
func (s *Store) SubscriberCount(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[channel])
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.subs = make(map[string][]subscription)
	return nil
}
