package journey

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/calldeck/calldeck/internal/observe"
)

// Meta describes what happened to the journey state during one turn.
type Meta struct {
	// IsNewJourney is true when this turn created the session's context.
	IsNewJourney bool

	// JourneyActivated is true when an activation decision bound a journey
	// this turn.
	JourneyActivated bool

	// TransitionOccurred is true when the current state changed this turn.
	TransitionOccurred bool
}

// Engine manages the journey lifecycle for call sessions: activation, state
// transitions, completion, and guidance rendering. One session is processed
// one turn at a time; the engine itself is safe for use across sessions.
type Engine struct {
	store   Store
	matcher *Matcher
	metrics *observe.Metrics
	log     *slog.Logger
}

// NewEngine constructs an Engine. metrics and logger may be nil.
func NewEngine(store Store, matcher *Matcher, metrics *observe.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, matcher: matcher, metrics: metrics, log: logger}
}

// Initialize preloads journey definitions into the cache. Call once at
// startup.
func (e *Engine) Initialize(ctx context.Context) error {
	if err := e.store.LoadAll(ctx); err != nil {
		return err
	}
	e.log.InfoContext(ctx, "journey engine initialized")
	return nil
}

// ProcessMessage advances the session's journey for one utterance.
//
// With no active context it attempts activation; with one it evaluates a
// transition. The returned state is nil when no journey is in force or when
// the stored context references a definition or state that no longer
// resolves (logged as an inconsistency, context returned unchanged). Model
// failures degrade to no activation / no transition; persistence failures
// propagate.
func (e *Engine) ProcessMessage(ctx context.Context, sessionID, utterance string, hints map[string]any) (*Context, *State, Meta, error) {
	var meta Meta

	c, err := e.store.GetActiveContext(ctx, sessionID)
	if err != nil {
		return nil, nil, meta, fmt.Errorf("journey: process message: %w", err)
	}

	if c == nil {
		start := time.Now()
		j, err := e.matcher.ActivateJourney(ctx, sessionID, utterance, hints)
		if err != nil {
			return nil, nil, meta, err
		}
		if e.metrics != nil {
			e.metrics.RecordActivation(ctx, j != nil, time.Since(start).Seconds())
		}
		if j == nil {
			e.log.DebugContext(ctx, "no journey activated", "session_id", sessionID)
			return nil, nil, meta, nil
		}

		c, err = e.store.CreateContext(ctx, sessionID, j, hints)
		if err != nil {
			return nil, nil, meta, err
		}
		meta.IsNewJourney = true
		meta.JourneyActivated = true
		e.log.InfoContext(ctx, "journey activated",
			"session_id", sessionID, "journey", j.Name, "initial_state", c.CurrentState)
	}

	j, err := e.store.GetJourney(ctx, c.JourneyID)
	if err != nil {
		return nil, nil, meta, fmt.Errorf("journey: process message: %w", err)
	}
	if j == nil {
		e.log.ErrorContext(ctx, "journey not found for active context",
			"journey_id", c.JourneyID, "session_id", sessionID)
		return c, nil, meta, nil
	}

	state := j.GetState(c.CurrentState)
	if state == nil {
		e.log.ErrorContext(ctx, "current state not found in journey",
			"journey", j.Name, "state", c.CurrentState)
		return c, nil, meta, nil
	}

	start := time.Now()
	target := e.matcher.CanTransition(ctx, j, c.CurrentState, utterance, c.Variables)
	if target != "" {
		if err := e.ExecuteTransition(ctx, c, j, target, utterance); err != nil {
			return c, state, meta, err
		}
		meta.TransitionOccurred = true
		state = j.GetState(target)
		if e.metrics != nil {
			e.metrics.RecordTransition(ctx, j.Name, time.Since(start).Seconds())
		}
	}

	return c, state, meta, nil
}

// ExecuteTransition moves the context to targetState and persists it.
func (e *Engine) ExecuteTransition(ctx context.Context, c *Context, j *Journey, targetState, reason string) error {
	oldState := c.CurrentState
	c.TransitionTo(targetState, reason)

	if err := e.store.UpdateContext(ctx, c); err != nil {
		return fmt.Errorf("journey: execute transition: %w", err)
	}

	e.log.InfoContext(ctx, "state transition executed",
		"session_id", c.SessionID,
		"journey", j.Name,
		"from_state", oldState,
		"to_state", targetState)
	return nil
}

// CompleteJourney marks the context as finished and persists it. Completing
// an already-completed journey is a no-op with a warning.
func (e *Engine) CompleteJourney(ctx context.Context, c *Context, reason string) error {
	if !c.IsActive() {
		e.log.WarnContext(ctx, "attempt to complete already completed journey",
			"context_id", c.ID)
		return nil
	}

	c.Complete()
	if err := e.store.UpdateContext(ctx, c); err != nil {
		return fmt.Errorf("journey: complete: %w", err)
	}

	e.log.InfoContext(ctx, "journey completed",
		"session_id", c.SessionID,
		"journey", c.JourneyName,
		"final_state", c.CurrentState,
		"reason", reason)
	return nil
}

// SetContextVariable sets one variable on the context and persists it.
func (e *Engine) SetContextVariable(ctx context.Context, c *Context, key string, value any) error {
	c.SetVariable(key, value)
	if err := e.store.UpdateContext(ctx, c); err != nil {
		return fmt.Errorf("journey: set variable %q: %w", key, err)
	}
	e.log.DebugContext(ctx, "context variable set",
		"session_id", c.SessionID, "key", key)
	return nil
}

// Guidance renders the prompt fragment describing the journey's current
// position: name, description, state action, permitted tools, and the
// possible transitions in descending priority.
func Guidance(j *Journey, state *State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current Journey: %s\n", j.Name)
	description := j.Description
	if description == "" {
		description = "N/A"
	}
	fmt.Fprintf(&b, "Journey Description: %s\n", description)
	fmt.Fprintf(&b, "Current State: %s\n", state.Name)
	fmt.Fprintf(&b, "State Action: %s", state.Action)

	if len(state.Tools) > 0 {
		fmt.Fprintf(&b, "\nAvailable Tools: %s", strings.Join(state.Tools, ", "))
	}

	transitions := j.TransitionsFrom(state.Name)
	if len(transitions) > 0 {
		sort.SliceStable(transitions, func(a, c int) bool {
			return transitions[a].Priority > transitions[c].Priority
		})
		b.WriteString("\nPossible Transitions:")
		for _, t := range transitions {
			fmt.Fprintf(&b, "\n  - To '%s' when: %s", t.ToState, t.Condition)
		}
	}
	return b.String()
}
