package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scriptorium-app/scriptorium/backend/internal/rooms"
)

const (
	roomKeyPrefix = "room:"
	listKeyPrefix = "rooms:list:"

	defaultTTL  = time.Minute
	connectWait = 5 * time.Second
)

var errMissingAddr = errors.New("cache: redis address required")

// RedisConfig configures the redis-backed room cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Logger   *zap.Logger
}

// RedisCache is a read-through cache for room views and per-email room
// lists. Mutation paths invalidate eagerly; entries also age out by TTL so a
// missed invalidation self-heals.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache connects to redis and verifies the connection.
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	if cfg.Addr == "" {
		return nil, errMissingAddr
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectWait)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis connect failed: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RedisCache{client: client, ttl: ttl, logger: logger}, nil
}

// Client exposes the underlying redis client for components that share the
// connection, such as the event bridge.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

// Close releases the redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// GetView returns a cached room view for (roomID, email), if present.
func (c *RedisCache) GetView(ctx context.Context, roomID, email string) (rooms.RoomView, bool) {
	var view rooms.RoomView
	data, err := c.client.Get(ctx, viewKey(roomID, email)).Result()
	if err != nil {
		return rooms.RoomView{}, false
	}
	if err := json.Unmarshal([]byte(data), &view); err != nil {
		c.logger.Warn("room view cache decode failed", zap.String("room_id", roomID), zap.Error(err))
		return rooms.RoomView{}, false
	}
	return view, true
}

// SetView stores a room view for (roomID, email).
func (c *RedisCache) SetView(ctx context.Context, roomID, email string, view rooms.RoomView) {
	data, err := json.Marshal(view)
	if err != nil {
		c.logger.Warn("room view cache encode failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, viewKey(roomID, email), data, c.ttl).Err(); err != nil {
		c.logger.Warn("room view cache set failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

// GetList returns the cached room list for an email, if present.
func (c *RedisCache) GetList(ctx context.Context, email string) (rooms.RoomList, bool) {
	var list rooms.RoomList
	data, err := c.client.Get(ctx, listKeyPrefix+email).Result()
	if err != nil {
		return rooms.RoomList{}, false
	}
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		c.logger.Warn("room list cache decode failed", zap.String("email", email), zap.Error(err))
		return rooms.RoomList{}, false
	}
	return list, true
}

// SetList stores the room list for an email.
func (c *RedisCache) SetList(ctx context.Context, email string, list rooms.RoomList) {
	data, err := json.Marshal(list)
	if err != nil {
		c.logger.Warn("room list cache encode failed", zap.String("email", email), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, listKeyPrefix+email, data, c.ttl).Err(); err != nil {
		c.logger.Warn("room list cache set failed", zap.String("email", email), zap.Error(err))
	}
}

// InvalidateRoom drops every cached view of the room.
func (c *RedisCache) InvalidateRoom(ctx context.Context, roomID string) {
	c.invalidatePrefix(ctx, roomKeyPrefix+roomID+":")
}

// InvalidateLists drops the cached room lists for the given emails.
func (c *RedisCache) InvalidateLists(ctx context.Context, emails ...string) {
	if len(emails) == 0 {
		return
	}
	keys := make([]string, 0, len(emails))
	for _, email := range emails {
		keys = append(keys, listKeyPrefix+email)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("room list cache invalidation failed", zap.Error(err))
	}
}

func (c *RedisCache) invalidatePrefix(ctx context.Context, prefix string) {
	keys, err := c.client.Keys(ctx, prefix+"*").Result()
	if err != nil {
		c.logger.Warn("cache key scan failed", zap.String("prefix", prefix), zap.Error(err))
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("cache invalidation failed", zap.String("prefix", prefix), zap.Error(err))
	}
}

func viewKey(roomID, email string) string {
	return roomKeyPrefix + roomID + ":" + email
}

var _ rooms.Cache = (*RedisCache)(nil)
