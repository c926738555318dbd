package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestCacheKey(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		k1 := CacheKey("linkedin_search", "golang", "Berlin")
		k2 := CacheKey("linkedin_search", "golang", "Berlin")
		if k1 != k2 {
			t.Errorf("CacheKey not deterministic: %q != %q", k1, k2)
		}
	})

	t.Run("different inputs differ", func(t *testing.T) {
		k1 := CacheKey("linkedin_search", "golang")
		k2 := CacheKey("linkedin_search", "python")
		if k1 == k2 {
			t.Errorf("different inputs produced same key: %q", k1)
		}
	})

	t.Run("has prefix", func(t *testing.T) {
		k := CacheKey("test")
		if k[:3] != "ga:" {
			t.Errorf("expected ga: prefix, got %q", k[:3])
		}
	})
}

func TestCacheGetSet(t *testing.T) {
	InitCache("", 1*time.Minute, 100, 5*time.Minute)

	ctx := context.Background()
	key := CacheKey("test", "round-trip")

	if _, ok := CacheGetBytes(ctx, key); ok {
		t.Error("expected cache miss on empty cache")
	}

	CacheSetBytes(ctx, key, []byte("hello"))

	got, ok := CacheGetBytes(ctx, key)
	if !ok {
		t.Fatal("expected cache hit after set")
	}
	if string(got) != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
}

func TestCacheJSON(t *testing.T) {
	InitCache("", 1*time.Minute, 100, 5*time.Minute)
	ctx := context.Background()

	type payload struct {
		Title string `json:"title"`
		Count int    `json:"count"`
	}
	key := CacheKey("json", "payload")
	CacheStoreJSON(ctx, key, payload{Title: "Go Engineer", Count: 3})

	got, ok := CacheLoadJSON[payload](ctx, key)
	if !ok {
		t.Fatal("expected JSON cache hit")
	}
	if got.Title != "Go Engineer" || got.Count != 3 {
		t.Errorf("got %+v", got)
	}

	CacheSetBytes(ctx, key, []byte("not json"))
	if _, ok := CacheLoadJSON[payload](ctx, key); ok {
		t.Error("expected miss on undecodable entry")
	}
}

func TestCacheExpiration(t *testing.T) {
	InitCache("", 1*time.Millisecond, 100, 5*time.Minute)

	ctx := context.Background()
	key := CacheKey("test", "expiry")

	CacheSetBytes(ctx, key, []byte("temp"))
	time.Sleep(5 * time.Millisecond)

	if _, ok := CacheGetBytes(ctx, key); ok {
		t.Error("expected cache miss after TTL expiry")
	}
}

func TestCacheEviction(t *testing.T) {
	InitCache("", 1*time.Minute, 3, 5*time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		key := CacheKey("evict", fmt.Sprintf("item-%d", i))
		CacheSetBytes(ctx, key, []byte(fmt.Sprintf("v%d", i)))
	}

	count := 0
	searchCache.l1.Range(func(_, _ any) bool {
		count++
		return true
	})
	if count > 3 {
		t.Errorf("expected at most 3 entries after eviction, got %d", count)
	}
}

func TestCacheRedisTier(t *testing.T) {
	mr := miniredis.RunT(t)
	InitCache("redis://"+mr.Addr(), 1*time.Minute, 100, 5*time.Minute)
	ctx := context.Background()

	type details struct {
		Title     string `json:"title"`
		EasyApply bool   `json:"easy_apply"`
	}
	key := CacheKey("jd", "https://www.linkedin.com/jobs/view/123/")
	CacheStoreJSON(ctx, key, details{Title: "Go Dev", EasyApply: true})

	if !mr.Exists(key) {
		t.Fatal("expected value written to redis")
	}

	// Drop L1 so the read must come from Redis.
	searchCache.l1.Range(func(k, _ any) bool {
		searchCache.l1.Delete(k)
		return true
	})
	got, ok := CacheLoadJSON[details](ctx, key)
	if !ok || got.Title != "Go Dev" || !got.EasyApply {
		t.Fatalf("L2 read = %+v, %v", got, ok)
	}

	if _, ok := CacheGetBytes(ctx, CacheKey("jd", "unknown")); ok {
		t.Error("unexpected hit for unknown key")
	}
}

func TestCacheStats(t *testing.T) {
	InitCache("", 1*time.Minute, 100, 5*time.Minute)
	cacheHits.Store(0)
	cacheMisses.Store(0)

	ctx := context.Background()
	key := CacheKey("stats", "test")

	CacheGetBytes(ctx, key)
	_, misses := CacheStats()
	if misses != 1 {
		t.Errorf("misses = %d, want 1", misses)
	}

	CacheSetBytes(ctx, key, []byte("x"))
	CacheGetBytes(ctx, key)

	hits, misses := CacheStats()
	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
	if misses != 1 {
		t.Errorf("misses = %d, want 1", misses)
	}
}
