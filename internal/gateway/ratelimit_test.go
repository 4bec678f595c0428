package gateway_test

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/grail/internal/gateway"
)

func TestRateLimiter_DisabledIsNil(t *testing.T) {
	rl := gateway.NewRateLimiter(gateway.RateLimitConfig{})
	if rl != nil {
		t.Fatal("zero rate should disable the limiter")
	}
	for i := 0; i < 100; i++ {
		if !rl.Allow("k") {
			t.Fatal("nil limiter must allow")
		}
	}
	if rl.EvictStale(time.Second) != 0 || rl.BucketCount() != 0 {
		t.Fatal("nil limiter must be inert")
	}
}

func TestRateLimiter_PerKeyBuckets(t *testing.T) {
	rl := gateway.NewRateLimiter(gateway.RateLimitConfig{RequestsPerMinute: 1, Burst: 2})
	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst of 2 should be allowed")
	}
	if rl.Allow("a") {
		t.Fatal("third request should be rejected")
	}
	if !rl.Allow("b") {
		t.Fatal("other key has its own bucket")
	}
	if rl.BucketCount() != 2 {
		t.Fatalf("buckets = %d, want 2", rl.BucketCount())
	}
}

func TestRateLimiter_EvictStale(t *testing.T) {
	rl := gateway.NewRateLimiter(gateway.RateLimitConfig{RequestsPerMinute: 60})
	rl.Allow("a")
	time.Sleep(20 * time.Millisecond)
	rl.Allow("b")
	if n := rl.EvictStale(10 * time.Millisecond); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	if rl.BucketCount() != 1 {
		t.Fatalf("buckets = %d, want 1", rl.BucketCount())
	}
}

func TestExtractAPIKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?api_key=fromquery", nil)
	if got := gateway.ExtractAPIKey(r); got != "fromquery" {
		t.Fatalf("query key = %q", got)
	}
	r.Header.Set("X-API-Key", "fromheader")
	if got := gateway.ExtractAPIKey(r); got != "fromheader" {
		t.Fatalf("header key = %q", got)
	}
	r.Header.Set("Authorization", "Bearer  frombearer ")
	if got := gateway.ExtractAPIKey(r); got != "frombearer" {
		t.Fatalf("bearer key = %q", got)
	}
}
