package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	redisKeyPrefix = "sessionkeeper:session:"
	redisOpTimeout = 3 * time.Second
)

// RedisSessionStore keeps sessions in Redis so several service instances
// share them. Absolute expiry is delegated to key TTLs; the idle timeout is
// checked on read.
type RedisSessionStore struct {
	client      *redis.Client
	idleTimeout time.Duration
	logger      *slog.Logger
}

var _ SessionStore = (*RedisSessionStore)(nil)

// NewRedisSessionStore connects to url (redis://host:port/db) and checks
// the connection.
func NewRedisSessionStore(ctx context.Context, url string, idleTimeout time.Duration, logger *slog.Logger) (*RedisSessionStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = redisOpTimeout
	opts.WriteTimeout = redisOpTimeout

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisSessionStore{
		client:      client,
		idleTimeout: idleTimeout,
		logger:      logger.With("component", "sessions"),
	}, nil
}

// Close closes the Redis client.
func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

func (s *RedisSessionStore) Get(key string) (AuthSession, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return AuthSession{}, false
	} else if err != nil {
		s.logger.Warn("redis get failed", "error", err)
		return AuthSession{}, false
	}

	var session AuthSession
	if err := json.Unmarshal(data, &session); err != nil {
		s.client.Del(ctx, redisKeyPrefix+key)
		return AuthSession{}, false
	}
	if !session.live(time.Now(), s.idleTimeout) {
		s.client.Del(ctx, redisKeyPrefix+key)
		return AuthSession{}, false
	}
	return session, true
}

func (s *RedisSessionStore) Put(key string, session AuthSession) {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		s.Delete(key)
		return
	}
	data, err := json.Marshal(session)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := s.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		s.logger.Warn("redis set failed", "error", err)
	}
}

func (s *RedisSessionStore) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		s.logger.Warn("redis delete failed", "error", err)
	}
}
