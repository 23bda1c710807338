package respcache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/l0p7/tollgate/internal/kv"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type downStore struct{}

func (downStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("kv down")
}
func (downStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("kv down")
}
func (downStore) Del(context.Context, ...string) error       { return errors.New("kv down") }
func (downStore) DeletePrefix(context.Context, string) error { return errors.New("kv down") }
func (downStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("kv down")
}
func (downStore) Ping(context.Context) error  { return errors.New("kv down") }
func (downStore) Close(context.Context) error { return nil }

func TestKeyShape(t *testing.T) {
	if got := Key("service-a", "t-1", "item", "i-9", ""); got != "tollgate:cache:v1:service-a:t-1:item:i-9" {
		t.Fatalf("unexpected item key %q", got)
	}
	if got := Key("service-a", "", "category", "", ""); got != "tollgate:cache:v1:service-a:global:category" {
		t.Fatalf("unexpected tenantless key %q", got)
	}
	withQuery := Key("service-c", "t-1", "folder", "", "page=2&limit=10")
	if withQuery == Key("service-c", "t-1", "folder", "", "") {
		t.Fatalf("expected query to change the key")
	}
	if withQuery != Key("service-c", "t-1", "folder", "", "page=2&limit=10") {
		t.Fatalf("expected stable key for identical query")
	}
}

func TestLookupStoreRoundTrip(t *testing.T) {
	cache := New(kv.NewMemory(), nil, newTestLogger())
	ctx := context.Background()
	key := Key("service-a", "t-1", "item", "i-1", "")
	payload := []byte(`{"success":true,"data":{"id":"i-1"}}`)

	if _, found := cache.Lookup(ctx, key); found {
		t.Fatalf("expected cold cache miss")
	}
	if !cache.Store(ctx, key, payload, time.Minute) {
		t.Fatalf("expected store to succeed")
	}
	got, found := cache.Lookup(ctx, key)
	if !found {
		t.Fatalf("expected hit after store")
	}
	if string(got) != string(payload) {
		t.Fatalf("expected verbatim replay, got %q", got)
	}
}

func TestInvalidateClearsResourceFamilies(t *testing.T) {
	store := kv.NewMemory()
	cache := New(store, nil, newTestLogger())
	ctx := context.Background()

	keys := []string{
		Key("service-a", "t-1", "item", "i-1", ""),
		Key("service-a", "t-1", "item", "", ""),
		Key("service-a", "global", "item", "", ""),
		Key("service-a", "t-1", "statistics", "", ""),
		Key("service-a", "t-2", "item", "i-2", ""),
		Key("service-b", "t-1", "report", "r-1", ""),
	}
	for _, key := range keys {
		if !cache.Store(ctx, key, []byte("x"), time.Minute) {
			t.Fatalf("store %q failed", key)
		}
	}

	cache.Invalidate(ctx, "service-a", "t-1", []string{"item", "statistics"})

	for _, key := range keys[:4] {
		if _, found := cache.Lookup(ctx, key); found {
			t.Fatalf("expected %q to be invalidated", key)
		}
	}
	if _, found := cache.Lookup(ctx, keys[4]); !found {
		t.Fatalf("expected other tenants to keep their entries")
	}
	if _, found := cache.Lookup(ctx, keys[5]); !found {
		t.Fatalf("expected other upstreams to keep their entries")
	}
}

func TestStoreRespectsTTL(t *testing.T) {
	cache := New(kv.NewMemory(), nil, newTestLogger())
	ctx := context.Background()
	key := Key("service-a", "t-1", "item", "i-1", "")

	if cache.Store(ctx, key, []byte("x"), 0) {
		t.Fatalf("expected zero ttl to skip the store")
	}
	if !cache.Store(ctx, key, []byte("x"), 20*time.Millisecond) {
		t.Fatalf("expected store to succeed")
	}
	time.Sleep(40 * time.Millisecond)
	if _, found := cache.Lookup(ctx, key); found {
		t.Fatalf("expected entry to expire")
	}
}

func TestKVOutageIsTransparent(t *testing.T) {
	cache := New(downStore{}, nil, newTestLogger())
	ctx := context.Background()
	key := Key("service-a", "t-1", "item", "i-1", "")

	if _, found := cache.Lookup(ctx, key); found {
		t.Fatalf("expected outage to read as miss")
	}
	if cache.Store(ctx, key, []byte("x"), time.Minute) {
		t.Fatalf("expected outage store to be skipped")
	}
	cache.Invalidate(ctx, "service-a", "t-1", []string{"item"})
}
