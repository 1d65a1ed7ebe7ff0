package inbound

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// SeenStore remembers which POP3 messages were already processed. POP3 has no
// flags, so this is what makes a fetch happen once.
type SeenStore interface {
	Seen(ctx context.Context, scope, uid string) (bool, error)
	MarkSeen(ctx context.Context, scope, uid string) error
}

// RedisSeenStore keeps one key per processed message with a TTL.
type RedisSeenStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisSeenStore(client *redis.Client, ttl time.Duration) *RedisSeenStore {
	if ttl <= 0 {
		ttl = 90 * 24 * time.Hour
	}
	return &RedisSeenStore{client: client, prefix: "inbound:seen", ttl: ttl}
}

func (s *RedisSeenStore) key(scope, uid string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, scope, uid)
}

func (s *RedisSeenStore) Seen(ctx context.Context, scope, uid string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(scope, uid)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (s *RedisSeenStore) MarkSeen(ctx context.Context, scope, uid string) error {
	if err := s.client.Set(ctx, s.key(scope, uid), time.Now().Unix(), s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// MemorySeenStore is process-local.
type MemorySeenStore struct {
	mu   sync.Mutex
	seen map[string]bool
}

func NewMemorySeenStore() *MemorySeenStore {
	return &MemorySeenStore{seen: map[string]bool{}}
}

func (s *MemorySeenStore) Seen(_ context.Context, scope, uid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[scope+"\x00"+uid], nil
}

func (s *MemorySeenStore) MarkSeen(_ context.Context, scope, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[scope+"\x00"+uid] = true
	return nil
}
