package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/bookline/bookline/internal/platform/auth"
)

func limitedHandler(r Rate) echo.HandlerFunc {
	return RateLimit(r)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
}

// hitAs sends one request through h, optionally authenticated as userID.
func hitAs(t *testing.T, h echo.HandlerFunc, userID string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments", nil)
	if userID != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{ID: userID}))
	}
	rec := httptest.NewRecorder()
	return rec, h(echo.New().NewContext(req, rec))
}

func TestRateLimit_BurstWithinBudgetPasses(t *testing.T) {
	r := Rate{PerSecond: 12, Burst: 5}
	h := limitedHandler(r)

	for i := 0; i < r.Burst; i++ {
		rec, err := hitAs(t, h, "")
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "12" {
			t.Errorf("request %d: X-RateLimit-Limit = %q, want 12", i+1, got)
		}
	}
}

func TestRateLimit_ExhaustedBucketGets429(t *testing.T) {
	r := Rate{PerSecond: 1, Burst: 2}
	h := limitedHandler(r)

	for i := 0; i < r.Burst; i++ {
		if _, err := hitAs(t, h, ""); err != nil {
			t.Fatalf("request %d should pass the burst: %v", i+1, err)
		}
	}

	rec, err := hitAs(t, h, "")
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("err = %v, want *echo.HTTPError", err)
	}
	if he.Code != http.StatusTooManyRequests {
		t.Fatalf("code = %d, want 429", he.Code)
	}

	retryAfter, convErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if convErr != nil {
		t.Fatalf("Retry-After = %q, want an integer", rec.Header().Get("Retry-After"))
	}
	if retryAfter < 1 {
		t.Errorf("Retry-After = %d, want at least 1", retryAfter)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
	if rec.Header().Get("X-RateLimit-Limit") == "" {
		t.Error("rejections should still advertise the limit")
	}
}

func TestRateLimit_RefillRestoresBudget(t *testing.T) {
	h := limitedHandler(Rate{PerSecond: 100, Burst: 1})

	if _, err := hitAs(t, h, ""); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := hitAs(t, h, ""); err == nil {
		t.Fatal("second request should exhaust the burst")
	}

	// 25ms at 100 tokens/s refills well past one token.
	time.Sleep(25 * time.Millisecond)
	if _, err := hitAs(t, h, ""); err != nil {
		t.Fatalf("request after refill: %v", err)
	}
}

func TestRateLimit_SeparateCallersSeparateBudgets(t *testing.T) {
	h := limitedHandler(Rate{PerSecond: 1, Burst: 1})

	if _, err := hitAs(t, h, "user-a"); err != nil {
		t.Fatalf("user-a first request: %v", err)
	}
	if _, err := hitAs(t, h, "user-a"); err == nil {
		t.Fatal("user-a second request should be limited")
	}

	// Other callers are untouched by user-a's exhaustion.
	if _, err := hitAs(t, h, "user-b"); err != nil {
		t.Fatalf("user-b first request: %v", err)
	}
	if _, err := hitAs(t, h, ""); err != nil {
		t.Fatalf("anonymous first request: %v", err)
	}
}

func TestRateLimit_AnonymousSharesPerIPBucket(t *testing.T) {
	h := limitedHandler(Rate{PerSecond: 1, Burst: 1})

	// httptest requests all carry the same remote address.
	if _, err := hitAs(t, h, ""); err != nil {
		t.Fatalf("first anonymous request: %v", err)
	}
	if _, err := hitAs(t, h, ""); err == nil {
		t.Fatal("second anonymous request from the same IP should be limited")
	}
}

func TestDefaultRate(t *testing.T) {
	r := DefaultRate()
	if r.PerSecond != 100 {
		t.Errorf("PerSecond = %f, want 100", r.PerSecond)
	}
	if r.Burst != 200 {
		t.Errorf("Burst = %d, want 200", r.Burst)
	}
}

func TestBucket_TakeReportsRetryAfter(t *testing.T) {
	b := newBucket(Rate{PerSecond: 2, Burst: 1})

	if ok, _ := b.take(); !ok {
		t.Fatal("first take should succeed")
	}
	ok, retryAfter := b.take()
	if ok {
		t.Fatal("second take should fail")
	}
	if retryAfter < 1 {
		t.Errorf("retryAfter = %d, want at least 1", retryAfter)
	}
}

func TestBucket_ZeroRateStillAnswers(t *testing.T) {
	b := newBucket(Rate{PerSecond: 0, Burst: 1})
	b.take()

	ok, retryAfter := b.take()
	if ok {
		t.Fatal("an empty bucket with no refill should refuse")
	}
	if retryAfter != 1 {
		t.Errorf("retryAfter = %d, want 1", retryAfter)
	}
}

func TestBucket_ConcurrentTakesRespectBudget(t *testing.T) {
	// Zero refill keeps the arithmetic exact under contention.
	b := newBucket(Rate{PerSecond: 0, Burst: 100})

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 120; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := b.take(); ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := allowed.Load(); n != 100 {
		t.Fatalf("allowed = %d, want exactly 100", n)
	}
}

func TestLimiterPool_SharedBucketPerKey(t *testing.T) {
	pool := newLimiterPool(Rate{PerSecond: 10, Burst: 5})

	a1 := pool.bucketFor("10.0.0.1")
	a2 := pool.bucketFor("10.0.0.1")
	if a1 != a2 {
		t.Error("same key should share one bucket")
	}
	if b := pool.bucketFor("10.0.0.2"); b == a1 {
		t.Error("different keys should get different buckets")
	}
}

func TestLimiterPool_PrunesIdleBuckets(t *testing.T) {
	// Zero refill rate makes idleness deterministic: a bucket is idle
	// exactly when it never spent a token.
	pool := newLimiterPool(Rate{PerSecond: 0, Burst: 1})
	pool.capacity = 2

	pool.bucketFor("quiet")
	pool.bucketFor("busy").take()

	// Inserting a third key crosses the capacity and sweeps idle buckets.
	pool.bucketFor("fresh")

	pool.mu.RLock()
	defer pool.mu.RUnlock()
	if _, ok := pool.buckets["quiet"]; ok {
		t.Error("idle bucket should have been pruned")
	}
	if _, ok := pool.buckets["busy"]; !ok {
		t.Error("bucket with spent tokens should survive the sweep")
	}
	if _, ok := pool.buckets["fresh"]; !ok {
		t.Error("new bucket should be present after the sweep")
	}
}
