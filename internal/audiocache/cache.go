package audiocache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loqalabs/loqa-voicebot/internal/config"
)

const keyPrefix = "voicebot:audio:"

// Cache stores synthesized clips in Redis keyed by style and normalized text.
type Cache struct {
	client   *redis.Client
	ttl      time.Duration
	maxBytes int
	logger   *slog.Logger
}

func New(cfg config.CacheConfig, logger *slog.Logger) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, time.Duration(cfg.TTLSeconds)*time.Second, cfg.MaxBytes, logger)
}

func NewWithClient(client *redis.Client, ttl time.Duration, maxBytes int, logger *slog.Logger) *Cache {
	return &Cache{
		client:   client,
		ttl:      ttl,
		maxBytes: maxBytes,
		logger:   logger.With(slog.String("component", "audio-cache")),
	}
}

func Key(styleID, text string) string {
	sum := sha256.Sum256([]byte(styleID + "\x00" + text))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// Get returns a cached clip. Lookup failures count as misses.
func (c *Cache) Get(ctx context.Context, styleID, text string) ([]byte, bool) {
	audio, err := c.client.Get(ctx, Key(styleID, text)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug("cache lookup failed", slog.String("error", err.Error()))
		}
		return nil, false
	}
	return audio, true
}

func (c *Cache) Put(ctx context.Context, styleID, text string, audio []byte) {
	if c.maxBytes > 0 && len(audio) > c.maxBytes {
		return
	}
	if err := c.client.Set(ctx, Key(styleID, text), audio, c.ttl).Err(); err != nil {
		c.logger.Debug("cache store failed", slog.String("error", err.Error()))
	}
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}
