package tool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/calldeck/calldeck/internal/cache"
	"github.com/calldeck/calldeck/internal/observe"
)

var (
	// ErrNotFound is returned when the requested tool is not registered.
	ErrNotFound = errors.New("tool: not found")

	// ErrRateLimited is returned when the identifier has exhausted its call
	// budget for the window.
	ErrRateLimited = errors.New("tool: rate limit exceeded")

	// ErrTimeout is returned when the handler exceeds the tool's timeout.
	ErrTimeout = errors.New("tool: execution timed out")
)

// CallContext carries caller identity through a tool execution, for logging
// and audit.
type CallContext struct {
	SessionID string
	UserID    string
	JourneyID string
	Metadata  map[string]any
}

// Executor runs registered tools with rate limiting, result caching, and
// timeout enforcement. The rate limiter and result cache both live in Redis
// and both degrade: a cache outage makes tools slower and effectively
// unlimited, never unavailable.
type Executor struct {
	registry *Registry
	cache    *cache.Facade
	metrics  *observe.Metrics
	log      *slog.Logger
}

// NewExecutor constructs an Executor. metrics and logger may be nil.
func NewExecutor(registry *Registry, c *cache.Facade, metrics *observe.Metrics, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, cache: c, metrics: metrics, log: logger}
}

// resultKey builds the L3 cache key for one (tool, arguments) pair. Map keys
// are sorted during JSON encoding, so argument order never changes the key.
func resultKey(name string, args map[string]any) (string, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("tool: marshal arguments: %w", err)
	}
	sum := sha256.Sum256(data)
	return "tool:result:" + name + ":" + hex.EncodeToString(sum[:])[:16], nil
}

// rateLimitKey builds the counter key for one (tool, identifier) pair.
func rateLimitKey(name, identifier string) string {
	return "tool:ratelimit:" + name + ":" + identifier
}

// Execute runs the named tool. Order of checks: registration, rate limit,
// result cache, then the handler under the tool's timeout. Successful
// results are cached when the definition declares a CacheTTL.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any, cc CallContext) (any, error) {
	start := time.Now()
	record := func(status string) {
		if e.metrics != nil {
			e.metrics.RecordToolCall(ctx, name, status, time.Since(start).Seconds())
		}
	}

	def, ok := e.registry.Get(name)
	if !ok {
		e.log.ErrorContext(ctx, "tool not found", "tool", name)
		record("not_found")
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if err := e.checkRateLimit(ctx, def, args); err != nil {
		record("rate_limited")
		return nil, err
	}

	var key string
	if def.CacheTTL > 0 {
		var err error
		key, err = resultKey(name, args)
		if err != nil {
			record("error")
			return nil, err
		}
		var cached any
		if e.cache.GetJSON(ctx, cache.L3, key, &cached) {
			e.log.InfoContext(ctx, "tool cache hit",
				"tool", name, "session_id", cc.SessionID,
				"latency_ms", time.Since(start).Milliseconds())
			record("cache_hit")
			return cached, nil
		}
	}

	result, err := e.run(ctx, def, args)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			e.log.ErrorContext(ctx, "tool execution timeout",
				"tool", name, "timeout", def.Timeout,
				"latency_ms", time.Since(start).Milliseconds())
			record("timeout")
		} else {
			e.log.ErrorContext(ctx, "tool execution failed",
				"tool", name, "error", err,
				"latency_ms", time.Since(start).Milliseconds())
			record("error")
		}
		return nil, err
	}

	if def.CacheTTL > 0 {
		e.cache.SetJSONTTL(ctx, cache.L3, key, result, def.CacheTTL)
	}

	e.log.InfoContext(ctx, "tool executed",
		"tool", name, "session_id", cc.SessionID,
		"latency_ms", time.Since(start).Milliseconds())
	record("success")
	return result, nil
}

// checkRateLimit enforces the per-identifier call budget. Calls without the
// identifier field are not limited, and a broken counter backend admits the
// call.
func (e *Executor) checkRateLimit(ctx context.Context, def Definition, args map[string]any) error {
	rl := def.RateLimit
	if rl == nil {
		return nil
	}
	identifier, _ := args[rl.IdentifierField].(string)
	if identifier == "" {
		return nil
	}

	kv := e.cache.KV()
	key := rateLimitKey(def.Name, identifier)
	count, err := kv.Incr(ctx, key)
	if err != nil {
		e.log.WarnContext(ctx, "rate limit counter unavailable, admitting call",
			"tool", def.Name, "error", err)
		return nil
	}
	if count == 1 {
		if err := kv.Expire(ctx, key, rl.Window); err != nil {
			e.log.WarnContext(ctx, "rate limit expiry not set",
				"tool", def.Name, "error", err)
		}
	}
	if count > int64(rl.MaxCalls) {
		e.log.WarnContext(ctx, "rate limit exceeded",
			"tool", def.Name, "identifier", identifier,
			"max_calls", rl.MaxCalls, "window", rl.Window)
		return fmt.Errorf("%w: %s allows %d calls per %s",
			ErrRateLimited, def.Name, rl.MaxCalls, rl.Window)
	}
	return nil
}

// run executes the handler under the tool's timeout. The handler runs in its
// own goroutine so a handler that ignores ctx still cannot stall the call.
func (e *Executor) run(ctx context.Context, def Definition, args map[string]any) (any, error) {
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := def.Handler(ctx, args)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("tool: %s: %w", def.Name, out.err)
		}
		return out.result, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, def.Name, timeout)
		}
		return nil, ctx.Err()
	}
}
