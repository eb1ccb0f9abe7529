// Package tool implements the business-tool registry and the guarded
// executor the conversation pipeline calls tools through.
//
// A tool is a named handler with a JSON Schema for its arguments and
// per-tool execution policy: a timeout, an optional result cache TTL, and an
// optional rate limit keyed by one of the argument fields. The registry is
// populated at startup and frozen before the first call is served.
package tool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/calldeck/calldeck/pkg/provider/llm"
)

// DefaultTimeout bounds tool execution when a definition does not declare
// its own timeout.
const DefaultTimeout = 5 * time.Second

// Rate limit defaults applied when a definition declares a RateLimit with
// zero fields.
const (
	defaultMaxCalls        = 3
	defaultWindow          = time.Hour
	defaultIdentifierField = "phone"
)

// Handler executes one tool call. Implementations must honor ctx
// cancellation; the executor additionally enforces the definition's timeout.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// RateLimit caps how often a tool may run for one identifier within a
// sliding window. The identifier is read from the named argument field;
// calls without that field are not limited.
type RateLimit struct {
	// MaxCalls is the number of calls allowed per window.
	MaxCalls int

	// Window is the limiting period.
	Window time.Duration

	// IdentifierField names the argument whose value buckets the calls,
	// e.g. "phone".
	IdentifierField string
}

// Definition describes one registered tool.
type Definition struct {
	// Name is the unique tool identifier.
	Name string

	// Description explains the tool to the model.
	Description string

	// Parameters is the JSON Schema for the tool's arguments.
	Parameters map[string]any

	// Handler executes the call.
	Handler Handler

	// CacheTTL, when positive, caches successful results in L3 for this
	// long, keyed by tool name and arguments.
	CacheTTL time.Duration

	// Timeout bounds one execution. Zero means DefaultTimeout.
	Timeout time.Duration

	// RateLimit, when set, caps calls per identifier. Nil means unlimited.
	RateLimit *RateLimit
}

// LLMTool converts the definition to the provider tool format.
func (d Definition) LLMTool() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  d.Parameters,
	}
}

// Registry holds the tool catalog. Register during startup, then Freeze;
// afterwards the registry is read-only and safe for concurrent lookups.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Definition
	frozen bool
	log    *slog.Logger
}

// NewRegistry constructs an empty Registry. logger may be nil.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{tools: make(map[string]Definition), log: logger}
}

// Register adds a tool. Definitions are normalized: a zero timeout becomes
// DefaultTimeout and zero rate-limit fields get the package defaults.
// Registration fails for unnamed tools, nil handlers, duplicates, and after
// Freeze.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool: register: name must not be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool: register %q: handler must not be nil", def.Name)
	}
	if def.Timeout <= 0 {
		def.Timeout = DefaultTimeout
	}
	if rl := def.RateLimit; rl != nil {
		if rl.MaxCalls <= 0 {
			rl.MaxCalls = defaultMaxCalls
		}
		if rl.Window <= 0 {
			rl.Window = defaultWindow
		}
		if rl.IdentifierField == "" {
			rl.IdentifierField = defaultIdentifierField
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("tool: register %q: registry is frozen", def.Name)
	}
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool: register %q: already registered", def.Name)
	}
	r.tools[def.Name] = def

	r.log.Info("tool registered",
		"name", def.Name,
		"timeout", def.Timeout,
		"cache_ttl", def.CacheTTL,
		"rate_limited", def.RateLimit != nil)
	return nil
}

// Freeze makes the registry read-only. Called once startup registration is
// complete.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// Exists reports whether name is registered.
func (r *Registry) Exists(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LLMTools returns every tool in the provider format, sorted by name.
func (r *Registry) LLMTools() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, def.LLMTool())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}
