package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Tier identifies one of the three logical cache tiers.
type Tier int

const (
	// L1 holds journey and guideline definitions. No expiry; invalidated
	// explicitly when definitions are reloaded.
	L1 Tier = iota
	// L2 holds per-session journey activation decisions.
	L2
	// L3 holds tool execution results.
	L3
)

const (
	l2TTL = 5 * time.Minute
	l3TTL = 30 * time.Minute
)

// prefix returns the key namespace for the tier.
func (t Tier) prefix() string {
	switch t {
	case L1:
		return "l1:"
	case L2:
		return "l2:"
	default:
		return "l3:"
	}
}

// ttl returns the expiry applied to writes in the tier. Zero means none.
func (t Tier) ttl() time.Duration {
	switch t {
	case L1:
		return 0
	case L2:
		return l2TTL
	default:
		return l3TTL
	}
}

// Facade is the tiered JSON cache shared by the stores, the matchers and
// the tool executor. All methods degrade: a broken backend makes the system
// slower, never incorrect.
type Facade struct {
	kv  KV
	log *slog.Logger
}

// New constructs a Facade over the given backend. logger may be nil.
func New(kv KV, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{kv: kv, log: logger}
}

// KV exposes the raw backend for callers that need atomic counters, such as
// the tool rate limiter.
func (f *Facade) KV() KV {
	return f.kv
}

// GetJSON reads key from the tier into dest. It returns false when the key
// is absent, the backend fails, or the stored value does not decode; the
// latter two are logged at warn level.
func (f *Facade) GetJSON(ctx context.Context, tier Tier, key string, dest any) bool {
	full := tier.prefix() + key
	data, err := f.kv.Get(ctx, full)
	if err != nil {
		if err != ErrNotFound {
			f.log.WarnContext(ctx, "cache read failed, treating as miss", "key", full, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		f.log.WarnContext(ctx, "cache value undecodable, treating as miss", "key", full, "error", err)
		return false
	}
	return true
}

// SetJSON writes value to key in the tier with the tier's TTL. Failures are
// logged and swallowed.
func (f *Facade) SetJSON(ctx context.Context, tier Tier, key string, value any) {
	full := tier.prefix() + key
	data, err := json.Marshal(value)
	if err != nil {
		f.log.WarnContext(ctx, "cache value unencodable, not stored", "key", full, "error", err)
		return
	}
	if err := f.kv.Set(ctx, full, data, tier.ttl()); err != nil {
		f.log.WarnContext(ctx, "cache write failed, not stored", "key", full, "error", err)
	}
}

// SetJSONTTL is SetJSON with an explicit TTL, used by the tool executor
// where each tool declares its own result lifetime.
func (f *Facade) SetJSONTTL(ctx context.Context, tier Tier, key string, value any, ttl time.Duration) {
	full := tier.prefix() + key
	data, err := json.Marshal(value)
	if err != nil {
		f.log.WarnContext(ctx, "cache value unencodable, not stored", "key", full, "error", err)
		return
	}
	if err := f.kv.Set(ctx, full, data, ttl); err != nil {
		f.log.WarnContext(ctx, "cache write failed, not stored", "key", full, "error", err)
	}
}

// Delete removes key from the tier. Failures are logged and swallowed.
func (f *Facade) Delete(ctx context.Context, tier Tier, key string) {
	full := tier.prefix() + key
	if err := f.kv.Del(ctx, full); err != nil {
		f.log.WarnContext(ctx, "cache delete failed", "key", full, "error", err)
	}
}
