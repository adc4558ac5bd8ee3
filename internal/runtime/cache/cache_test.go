package cache

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestMemoryStoreLookupAndOverwrite(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if _, ok, err := store.Lookup(ctx, "key"); err != nil || ok {
		t.Fatalf("expected empty store, got ok=%v err=%v", ok, err)
	}

	first := Entry{FetchedAt: time.Unix(100, 0), Body: []byte("v1")}
	if err := store.Store(ctx, "key", first); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, ok, err := store.Lookup(ctx, "key")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(got.Body) != "v1" || got.Key != "key" {
		t.Fatalf("unexpected entry: %#v", got)
	}

	got.Body[0] = 'X'
	again, _, _ := store.Lookup(ctx, "key")
	if string(again.Body) != "v1" {
		t.Fatalf("lookup must return a copy, store now holds %q", again.Body)
	}

	if err := store.Store(ctx, "key", Entry{FetchedAt: time.Unix(200, 0), Body: []byte("v2")}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	again, _, _ = store.Lookup(ctx, "key")
	if string(again.Body) != "v2" {
		t.Fatalf("expected overwrite, got %q", again.Body)
	}

	size, err := store.Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 1 {
		t.Fatalf("expected size 1, got %d", size)
	}
	if err := store.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRedisStoreLookupAndRetention(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skip("miniredis unavailable in sandbox")
		}
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	store, err := NewRedis(RedisConfig{Address: server.Addr(), Retention: time.Minute})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer store.Close(context.Background())
	ctx := context.Background()

	if _, ok, err := store.Lookup(ctx, "http://upstream/a"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	entry := Entry{FetchedAt: time.Now().UTC().Truncate(time.Millisecond), Body: []byte(`{"hourly_forecast":[]}`)}
	if err := store.Store(ctx, "http://upstream/a", entry); err != nil {
		t.Fatalf("store: %v", err)
	}
	if !server.Exists(defaultRedisNamespace + "http://upstream/a") {
		t.Fatalf("expected namespaced key in redis, keys: %v", server.Keys())
	}

	got, ok, err := store.Lookup(ctx, "http://upstream/a")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(got.Body) != string(entry.Body) || !got.FetchedAt.Equal(entry.FetchedAt) {
		t.Fatalf("unexpected entry: %#v", got)
	}

	if size, err := store.Size(ctx); err != nil || size != 1 {
		t.Fatalf("expected size 1, got %d err=%v", size, err)
	}

	server.FastForward(2 * time.Minute)
	if _, ok, err := store.Lookup(ctx, "http://upstream/a"); err != nil || ok {
		t.Fatalf("expected entry to expire after retention, got ok=%v err=%v", ok, err)
	}
}

func TestRedisStoreRejectsCorruptPayload(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skip("miniredis unavailable in sandbox")
		}
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	store, err := NewRedis(RedisConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer store.Close(context.Background())

	if err := server.Set(defaultRedisNamespace+"broken", "not-json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, _, err := store.Lookup(context.Background(), "broken"); err == nil {
		t.Fatalf("expected unmarshal error")
	}
}

func TestNewRedisRequiresAddress(t *testing.T) {
	if _, err := NewRedis(RedisConfig{}); err == nil {
		t.Fatalf("expected error without address")
	}
}

func TestRedisStoreSizeCountsOnlyNamespace(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skip("miniredis unavailable in sandbox")
		}
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	if err := server.Set("session:other", "x"); err != nil {
		t.Fatalf("seed foreign key: %v", err)
	}
	if err := server.Set("raindrops:requesting", "x"); err != nil {
		t.Fatalf("seed foreign key: %v", err)
	}

	store, err := NewRedis(RedisConfig{Address: server.Addr(), Retention: time.Minute})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer store.Close(context.Background())
	ctx := context.Background()

	for i := 0; i < 250; i++ {
		key := fmt.Sprintf("http://upstream/%d", i)
		if err := store.Store(ctx, key, Entry{Body: []byte("{}")}); err != nil {
			t.Fatalf("store %s: %v", key, err)
		}
	}

	if size, err := store.Size(ctx); err != nil || size != 250 {
		t.Fatalf("expected size 250, got %d err=%v", size, err)
	}
}

func TestGlobEscape(t *testing.T) {
	if got := globEscape(`app:[v1]*?\`); got != `app:\[v1\]\*\?\\` {
		t.Fatalf("unexpected escape: %q", got)
	}
}
