package kvps

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowgate/flowgate/util/logger"
)

func secondsToDuration(seconds int64) time.Duration {
	return time.Duration(seconds) * time.Second
}

// RedisStore is the Redis-backed KVPS implementation. It opens two
// independent *redis.Client connections — dataClient for string/hash/
// set operations and publishes, subClient exclusively for Subscribe —
// because a Redis connection that has issued SUBSCRIBE can no longer
// issue ordinary commands on that same connection.
type RedisStore struct {
	dataClient *redis.Client
	subClient  *redis.Client
	logger     *logger.Logger

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// Options configures a RedisStore.
type Options struct {
	Addr     string // host:port
	Password string
	DB       int
}

// NewRedisStore dials two Redis connections against addr: one for data
// operations and publishes, one dedicated to subscriptions.
func NewRedisStore(opts Options) *RedisStore {
	mk := func() *redis.Client {
		return redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
	}
	return &RedisStore{
		dataClient: mk(),
		subClient:  mk(),
		logger:     logger.NewLogger("RedisStore"),
		subs:       make(map[string]*redis.PubSub),
	}
}

// Ping verifies both connections are reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.dataClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("data connection unreachable: %w", err)
	}
	if err := s.subClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("subscribe connection unreachable: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.dataClient.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvps get %s: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.dataClient.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("kvps set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.dataClient.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kvps delete %v: %w", keys, err)
	}
	return nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttlSeconds int64) error {
	if err := s.dataClient.Expire(ctx, key, secondsToDuration(ttlSeconds)).Err(); err != nil {
		return fmt.Errorf("kvps expire %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := s.dataClient.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvps hget %s %s: %w", key, field, err)
	}
	return val, true, nil
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	if err := s.dataClient.HSet(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("kvps hset %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	vals, err := s.dataClient.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kvps hgetall %s: %w", key, err)
	}
	return vals, nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.dataClient.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("kvps hdel %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.dataClient.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kvps sadd %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.dataClient.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kvps srem %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.dataClient.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kvps smembers %s: %w", key, err)
	}
	return members, nil
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	n, err := s.dataClient.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kvps scard %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.dataClient.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("kvps sismember %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	if err := s.dataClient.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("kvps publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers handler to receive every payload published on
// channel. Redundant subscriptions to the same channel each get their
// own PubSub connection courtesy of the underlying client's
// connection pool; callers of the router only ever subscribe once per
// channel (see router.Router.ensureRouteSubscription).
func (s *RedisStore) Subscribe(ctx context.Context, channel string, handler Handler) (Unsubscribe, error) {
	pubsub := s.subClient.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("kvps subscribe %s: %w", channel, err)
	}
	s.logger.Debugf("subscribed to %s", channel)

	subID := channel + "#" + fmt.Sprintf("%p", pubsub)
	s.mu.Lock()
	s.subs[subID] = pubsub
	s.mu.Unlock()

	go func() {
		for msg := range pubsub.Channel() {
			handler(msg.Payload)
		}
	}()

	once := sync.Once{}
	return func() {
		once.Do(func() {
			pubsub.Close()
			s.mu.Lock()
			delete(s.subs, subID)
			s.mu.Unlock()
		})
	}, nil
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	for _, ps := range s.subs {
		ps.Close()
	}
	s.subs = make(map[string]*redis.PubSub)
	s.mu.Unlock()

	var firstErr error
	if err := s.dataClient.Close(); err != nil {
		firstErr = err
	}
	if err := s.subClient.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
