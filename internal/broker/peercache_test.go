package broker

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestCache(t *testing.T) *PeerCache {
	t.Helper()
	cache, err := OpenPeerCache(filepath.Join(t.TempDir(), "peers.bbolt"))
	if err != nil {
		t.Fatalf("OpenPeerCache() error = %v", err)
	}
	t.Cleanup(func() {
		if err := cache.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return cache
}

func TestPeerCachePutGet(t *testing.T) {
	t.Parallel()

	cache := openTestCache(t)

	want := Entity{Kind: EntityMegagroup, ID: 42, AccessHash: 7, Title: "chat", Username: "bigchat"}
	if err := cache.Put("bigchat", want); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, ok := cache.Get("bigchat")
	if !ok {
		t.Fatalf("Get() miss after Put()")
	}
	if got != want {
		t.Fatalf("Get() = %#v, want %#v", got, want)
	}

	if _, ok := cache.Get("unknown"); ok {
		t.Fatalf("Get() hit for absent handle")
	}
}

func TestPeerCacheExpiry(t *testing.T) {
	t.Parallel()

	cache := openTestCache(t)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return base }

	if err := cache.Put("durov", Entity{Kind: EntityUser, ID: 1}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// Внутри срока годности запись жива.
	cache.now = func() time.Time { return base.Add(23 * time.Hour) }
	if _, ok := cache.Get("durov"); !ok {
		t.Fatalf("entry expired too early")
	}

	// За пределами суток дескриптор считается протухшим.
	cache.now = func() time.Time { return base.Add(25 * time.Hour) }
	if _, ok := cache.Get("durov"); ok {
		t.Fatalf("stale entry must miss")
	}
}

func TestPeerCacheOverwrite(t *testing.T) {
	t.Parallel()

	cache := openTestCache(t)

	if err := cache.Put("durov", Entity{Kind: EntityUser, ID: 1, AccessHash: 10}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := cache.Put("durov", Entity{Kind: EntityUser, ID: 1, AccessHash: 20}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, ok := cache.Get("durov")
	if !ok || got.AccessHash != 20 {
		t.Fatalf("Get() = %#v, %v; want refreshed access hash", got, ok)
	}
}
