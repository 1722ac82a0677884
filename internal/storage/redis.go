package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/laurikarhu/stealth-gate/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisStore handles all Redis operations for sessions and caching
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// GetClient returns the underlying client
func (s *RedisStore) GetClient() *redis.Client {
	return s.client
}

// Key patterns
const (
	settingsKeyPrefix  = "settings:"
	noticeKeyPrefix    = "notices:"
	rateLimitKeyPrefix = "ratelimit:"
)

// NoticeTTL matches the lifetime of a flash message between save and render
const NoticeTTL = 30 * time.Second

// --- Settings Cache ---

// GetCachedSettings returns cached settings, nil when not cached
func (s *RedisStore) GetCachedSettings(ctx context.Context, siteID uuid.UUID) (*models.Settings, error) {
	key := settingsKeyPrefix + siteID.String()
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var settings models.Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached settings: %w", err)
	}
	return &settings, nil
}

// SetCachedSettings caches settings with TTL
func (s *RedisStore) SetCachedSettings(ctx context.Context, siteID uuid.UUID, settings *models.Settings, ttl time.Duration) error {
	key := settingsKeyPrefix + siteID.String()
	jsonData, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	return s.client.Set(ctx, key, jsonData, ttl).Err()
}

// InvalidateSettings drops the cached settings of a site
func (s *RedisStore) InvalidateSettings(ctx context.Context, siteID uuid.UUID) error {
	return s.client.Del(ctx, settingsKeyPrefix+siteID.String()).Err()
}

// --- Notices ---

// AddNotice appends a flash notice for a site's settings page
func (s *RedisStore) AddNotice(ctx context.Context, siteID uuid.UUID, notice models.Notice) error {
	key := noticeKeyPrefix + siteID.String()
	jsonData, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, jsonData)
	pipe.Expire(ctx, key, NoticeTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// PopNotices returns and deletes all pending notices of a site
func (s *RedisStore) PopNotices(ctx context.Context, siteID uuid.UUID) ([]models.Notice, error) {
	key := noticeKeyPrefix + siteID.String()

	pipe := s.client.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	var notices []models.Notice
	for _, raw := range rangeCmd.Val() {
		var n models.Notice
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			continue
		}
		notices = append(notices, n)
	}
	return notices, nil
}

// --- Rate Limiting ---

// CheckAndIncrementRateLimit checks if rate limit is exceeded and increments counter
// Returns true if the request should be allowed, false if rate limited
func (s *RedisStore) CheckAndIncrementRateLimit(ctx context.Context, keyType, identifier string, limit int, window time.Duration) (bool, error) {
	key := fmt.Sprintf("%s%s:%s", rateLimitKeyPrefix, keyType, identifier)

	// Use a Lua script for atomic check-and-increment
	script := redis.NewScript(`
		local current = redis.call('GET', KEYS[1])
		if current and tonumber(current) >= tonumber(ARGV[1]) then
			return 0
		end
		local result = redis.call('INCR', KEYS[1])
		if result == 1 then
			redis.call('EXPIRE', KEYS[1], ARGV[2])
		end
		return 1
	`)

	result, err := script.Run(ctx, s.client, []string{key}, limit, int(window.Seconds())).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}
