package tool

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calldeck/calldeck/internal/cache"
	cachemock "github.com/calldeck/calldeck/internal/cache/mock"
)

func newTestExecutor(defs ...Definition) (*Executor, *cachemock.KV) {
	r := NewRegistry(slog.New(slog.DiscardHandler))
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
	r.Freeze()
	kv := &cachemock.KV{}
	facade := cache.New(kv, slog.New(slog.DiscardHandler))
	return NewExecutor(r, facade, nil, slog.New(slog.DiscardHandler)), kv
}

func TestResultKeyStable(t *testing.T) {
	t.Parallel()

	args := map[string]any{"claim_id": "CLM-001", "customer_id": "CUST-9"}
	k1, err := resultKey("get_claim_status", args)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := resultKey("get_claim_status", map[string]any{
		"customer_id": "CUST-9", "claim_id": "CLM-001",
	})
	if err != nil {
		t.Fatal(err)
	}
	if k1 != k2 {
		t.Errorf("equal arguments produced different keys: %q vs %q", k1, k2)
	}
	if !strings.HasPrefix(k1, "tool:result:get_claim_status:") {
		t.Errorf("key = %q", k1)
	}

	k3, err := resultKey("get_claim_status", map[string]any{"claim_id": "CLM-002"})
	if err != nil {
		t.Fatal(err)
	}
	if k1 == k3 {
		t.Error("different arguments share a cache key")
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	t.Parallel()

	e, _ := newTestExecutor()
	_, err := e.Execute(context.Background(), "no_such_tool", nil, CallContext{SessionID: "sess-1"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Execute = %v, want ErrNotFound", err)
	}
}

func TestExecuteCachesResult(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	e, kv := newTestExecutor(Definition{
		Name:     "get_claim_status",
		CacheTTL: 30 * time.Minute,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			calls.Add(1)
			return map[string]any{"status": "approved"}, nil
		},
	})
	ctx := context.Background()
	args := map[string]any{"claim_id": "CLM-001"}

	first, err := e.Execute(ctx, "get_claim_status", args, CallContext{SessionID: "sess-1"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Execute(ctx, "get_claim_status", args, CallContext{SessionID: "sess-1"})
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", calls.Load())
	}

	want := map[string]any{"status": "approved"}
	for _, got := range []any{first, second} {
		m, ok := got.(map[string]any)
		if !ok || m["status"] != want["status"] {
			t.Errorf("result = %#v, want %#v", got, want)
		}
	}

	var cached bool
	for _, k := range kv.Keys() {
		if strings.HasPrefix(k, "l3:tool:result:get_claim_status:") {
			cached = true
		}
	}
	if !cached {
		t.Errorf("result not in L3; keys = %v", kv.Keys())
	}
}

func TestExecuteCacheExpiry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	e, kv := newTestExecutor(Definition{
		Name:     "get_claim_status",
		CacheTTL: 30 * time.Minute,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			calls.Add(1)
			return "approved", nil
		},
	})
	now := time.Now()
	kv.Now = func() time.Time { return now }
	ctx := context.Background()
	args := map[string]any{"claim_id": "CLM-001"}

	if _, err := e.Execute(ctx, "get_claim_status", args, CallContext{}); err != nil {
		t.Fatal(err)
	}
	now = now.Add(31 * time.Minute)
	if _, err := e.Execute(ctx, "get_claim_status", args, CallContext{}); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Errorf("handler ran %d times, want re-execution after expiry", calls.Load())
	}
}

func TestExecuteUncachedToolAlwaysRuns(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	e, kv := newTestExecutor(Definition{
		Name: "submit_claim",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			calls.Add(1)
			return "CLM-NEW", nil
		},
	})
	ctx := context.Background()
	args := map[string]any{"description": "rear-end collision"}

	for i := 0; i < 2; i++ {
		if _, err := e.Execute(ctx, "submit_claim", args, CallContext{}); err != nil {
			t.Fatal(err)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("handler ran %d times, want 2", calls.Load())
	}
	if kv.Len() != 0 {
		t.Errorf("uncached tool wrote to the cache: %v", kv.Keys())
	}
}

func TestExecuteRateLimitBoundary(t *testing.T) {
	t.Parallel()

	e, _ := newTestExecutor(Definition{
		Name:    "verify_customer_identity",
		Handler: noopHandler,
		RateLimit: &RateLimit{
			MaxCalls:        3,
			Window:          time.Hour,
			IdentifierField: "phone",
		},
	})
	ctx := context.Background()
	args := map[string]any{"phone": "+1-555-0101"}

	for i := 1; i <= 3; i++ {
		if _, err := e.Execute(ctx, "verify_customer_identity", args, CallContext{}); err != nil {
			t.Fatalf("call %d rejected: %v", i, err)
		}
	}
	_, err := e.Execute(ctx, "verify_customer_identity", args, CallContext{})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("call 4 = %v, want ErrRateLimited", err)
	}

	// A different identifier has its own budget.
	if _, err := e.Execute(ctx, "verify_customer_identity",
		map[string]any{"phone": "+1-555-0199"}, CallContext{}); err != nil {
		t.Errorf("other identifier rejected: %v", err)
	}
}

func TestExecuteRateLimitWindowExpiry(t *testing.T) {
	t.Parallel()

	e, kv := newTestExecutor(Definition{
		Name:    "verify_customer_identity",
		Handler: noopHandler,
		RateLimit: &RateLimit{
			MaxCalls:        1,
			Window:          time.Hour,
			IdentifierField: "phone",
		},
	})
	now := time.Now()
	kv.Now = func() time.Time { return now }
	ctx := context.Background()
	args := map[string]any{"phone": "+1-555-0101"}

	if _, err := e.Execute(ctx, "verify_customer_identity", args, CallContext{}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Execute(ctx, "verify_customer_identity", args, CallContext{}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second call = %v, want ErrRateLimited", err)
	}

	now = now.Add(61 * time.Minute)
	if _, err := e.Execute(ctx, "verify_customer_identity", args, CallContext{}); err != nil {
		t.Errorf("call after window expiry rejected: %v", err)
	}
}

func TestExecuteRateLimitSkippedWithoutIdentifier(t *testing.T) {
	t.Parallel()

	e, _ := newTestExecutor(Definition{
		Name:    "verify_customer_identity",
		Handler: noopHandler,
		RateLimit: &RateLimit{
			MaxCalls:        1,
			Window:          time.Hour,
			IdentifierField: "phone",
		},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := e.Execute(ctx, "verify_customer_identity",
			map[string]any{"name": "John Smith"}, CallContext{}); err != nil {
			t.Fatalf("identifier-less call %d rejected: %v", i+1, err)
		}
	}
}

func TestExecuteRateLimitCounterOutageAdmits(t *testing.T) {
	t.Parallel()

	e, kv := newTestExecutor(Definition{
		Name:    "verify_customer_identity",
		Handler: noopHandler,
		RateLimit: &RateLimit{
			MaxCalls:        1,
			Window:          time.Hour,
			IdentifierField: "phone",
		},
	})
	kv.IncrErr = errors.New("connection refused")
	ctx := context.Background()
	args := map[string]any{"phone": "+1-555-0101"}

	for i := 0; i < 3; i++ {
		if _, err := e.Execute(ctx, "verify_customer_identity", args, CallContext{}); err != nil {
			t.Fatalf("call %d rejected during counter outage: %v", i+1, err)
		}
	}
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()

	e, _ := newTestExecutor(Definition{
		Name:    "slow_lookup",
		Timeout: 20 * time.Millisecond,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return "too late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	start := time.Now()
	_, err := e.Execute(context.Background(), "slow_lookup", nil, CallContext{})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Execute = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout enforcement took %v", elapsed)
	}
}

func TestExecuteHandlerError(t *testing.T) {
	t.Parallel()

	e, kv := newTestExecutor(Definition{
		Name:     "get_claim_status",
		CacheTTL: 30 * time.Minute,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("claim service unavailable")
		},
	})

	_, err := e.Execute(context.Background(), "get_claim_status",
		map[string]any{"claim_id": "CLM-001"}, CallContext{})
	if err == nil || !strings.Contains(err.Error(), "claim service unavailable") {
		t.Fatalf("Execute = %v, want handler error", err)
	}
	if kv.Len() != 0 {
		t.Error("failed execution was cached")
	}
}

func TestExecuteContextCancellation(t *testing.T) {
	t.Parallel()

	e, _ := newTestExecutor(Definition{
		Name:    "slow_lookup",
		Timeout: time.Minute,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := e.Execute(ctx, "slow_lookup", nil, CallContext{})
	if err == nil {
		t.Fatal("cancelled execution returned nil error")
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("cancellation misreported as timeout: %v", err)
	}
}
