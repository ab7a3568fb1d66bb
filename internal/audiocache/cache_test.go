package audiocache

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func unreachable(t *testing.T, maxBytes int) *Cache {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	c := NewWithClient(client, time.Minute, maxBytes, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestKeyIsStablePerStyleAndText(t *testing.T) {
	a := Key("3", "こんにちは")
	if a != Key("3", "こんにちは") {
		t.Fatal("expected deterministic key")
	}
	if a == Key("1", "こんにちは") || a == Key("3", "こんばんは") {
		t.Fatal("expected style and text to change the key")
	}
	if Key("3", "1x") == Key("31", "x") {
		t.Fatal("expected separator between style and text")
	}
	if !strings.HasPrefix(a, keyPrefix) || len(a) != len(keyPrefix)+64 {
		t.Fatalf("unexpected key %q", a)
	}
}

func TestUnreachableRedisIsAMiss(t *testing.T) {
	c := unreachable(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c.Put(ctx, "3", "hello", []byte("RIFF"))
	if _, ok := c.Get(ctx, "3", "hello"); ok {
		t.Fatal("expected miss when redis is down")
	}
	if err := c.Ping(ctx); err == nil {
		t.Fatal("expected ping failure")
	}
}
