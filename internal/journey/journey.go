// Package journey implements the journey engine: multi-turn business tasks
// modelled as finite state machines that activate on user utterances, advance
// through model-evaluated transitions, and persist their runtime context per
// call session.
//
// A [Journey] is the immutable definition loaded from YAML or Postgres; a
// [Context] is the runtime instantiation of one journey for one session. The
// [Engine] orchestrates both per turn, the [Matcher] drives the structured
// model calls, and the [Store] interface covers persistence.
package journey

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is a node in a journey state machine. Action is the instruction the
// model should follow while the conversation sits in this state.
type State struct {
	// Name matches the state's key in Journey.States.
	Name string `yaml:"name" json:"name"`

	// Action is the prose instruction injected into the model prompt.
	Action string `yaml:"action" json:"action"`

	// Tools lists tool names the model may invoke in this state.
	Tools []string `yaml:"tools" json:"tools"`

	// Metadata holds arbitrary key-value data attached to the state.
	Metadata map[string]any `yaml:"metadata" json:"metadata"`
}

// Transition is a directed edge between two states, guarded by a prose
// condition the model evaluates against the conversation.
type Transition struct {
	// FromState is the name of the source state.
	FromState string `yaml:"from_state" json:"from_state"`

	// ToState is the name of the destination state.
	ToState string `yaml:"to_state" json:"to_state"`

	// Condition describes, in prose, when this transition should fire.
	Condition string `yaml:"condition" json:"condition"`

	// Priority orders transitions from the same state; higher is evaluated
	// first. Ties keep file order.
	Priority int `yaml:"priority" json:"priority"`
}

// Journey is a complete journey definition. Definitions are created by the
// loader or read from Postgres and never mutated at runtime.
type Journey struct {
	// ID is the stable identifier for this journey.
	ID uuid.UUID `json:"id"`

	// Name is the unique human-readable name.
	Name string `json:"name"`

	// Description is free text shown in guidance prompts.
	Description string `json:"description"`

	// ActivationConditions describes, in prose, which utterances should
	// activate this journey. Fed to the activation classifier.
	ActivationConditions string `json:"activation_conditions"`

	// InitialState is the name of the state a new context starts in.
	InitialState string `json:"initial_state"`

	// States maps state name to state record.
	States map[string]State `json:"states"`

	// Transitions is the ordered collection of edges.
	Transitions []Transition `json:"transitions"`

	// Enabled gates the journey for activation and guidance.
	Enabled bool `json:"enabled"`

	// CreatedAt is the time the definition was first persisted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is the time the definition was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the journey for logical consistency. It returns a joined
// error describing every violation found, or nil if the journey is valid.
func (j *Journey) Validate() error {
	var errs []error

	if j.Name == "" {
		errs = append(errs, fmt.Errorf("journey: name must not be empty"))
	}
	if j.ActivationConditions == "" {
		errs = append(errs, fmt.Errorf("journey: activation_conditions must not be empty"))
	}
	if len(j.States) == 0 {
		errs = append(errs, fmt.Errorf("journey: must declare at least one state"))
	}
	if j.InitialState == "" {
		errs = append(errs, fmt.Errorf("journey: initial_state must not be empty"))
	} else if _, ok := j.States[j.InitialState]; !ok && len(j.States) > 0 {
		errs = append(errs, fmt.Errorf("journey: initial_state %q not found in states", j.InitialState))
	}

	for name, s := range j.States {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("journey: state %q has empty name", name))
		} else if s.Name != name {
			errs = append(errs, fmt.Errorf("journey: state key %q does not match state name %q", name, s.Name))
		}
		if s.Action == "" {
			errs = append(errs, fmt.Errorf("journey: state %q has empty action", name))
		}
	}

	for i, t := range j.Transitions {
		if t.Condition == "" {
			errs = append(errs, fmt.Errorf("journey: transition %d has empty condition", i))
		}
		if _, ok := j.States[t.FromState]; !ok {
			errs = append(errs, fmt.Errorf("journey: transition %d references unknown from_state %q", i, t.FromState))
		}
		if _, ok := j.States[t.ToState]; !ok {
			errs = append(errs, fmt.Errorf("journey: transition %d references unknown to_state %q", i, t.ToState))
		}
	}

	return errors.Join(errs...)
}

// GetState returns the state with the given name, or nil.
func (j *Journey) GetState(name string) *State {
	s, ok := j.States[name]
	if !ok {
		return nil
	}
	return &s
}

// TransitionsFrom returns all transitions whose source is the given state,
// in declaration order.
func (j *Journey) TransitionsFrom(state string) []Transition {
	var out []Transition
	for _, t := range j.Transitions {
		if t.FromState == state {
			out = append(out, t)
		}
	}
	return out
}

// History event kinds recorded on a context.
const (
	EventActivated  = "journey_activated"
	EventTransition = "state_transition"
	EventCompleted  = "journey_completed"
)

// HistoryEvent is one entry in a context's append-only state history.
type HistoryEvent struct {
	// Event is one of the Event* constants.
	Event string `json:"event"`

	// FromState and ToState are set for state_transition events.
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`

	// Reason is the model's reasoning for a transition, when available.
	Reason string `json:"reason,omitempty"`

	// JourneyName and InitialState are set for journey_activated events.
	JourneyName  string `json:"journey_name,omitempty"`
	InitialState string `json:"initial_state,omitempty"`

	// FinalState is set for journey_completed events.
	FinalState string `json:"final_state,omitempty"`

	// Timestamp is when the event was recorded, UTC.
	Timestamp time.Time `json:"timestamp"`
}

// Context is the runtime instantiation of a journey for one call session.
// A session is processed one turn at a time, so a Context is never accessed
// concurrently.
type Context struct {
	// ID identifies this context instance.
	ID uuid.UUID `json:"id"`

	// SessionID is the call session this context belongs to.
	SessionID string `json:"session_id"`

	// JourneyID references the journey definition.
	JourneyID uuid.UUID `json:"journey_id"`

	// JourneyName caches the journey's name for logging and guidance.
	JourneyName string `json:"journey_name"`

	// CurrentState is the name of the state the session is in. Always a
	// valid state of the referenced journey.
	CurrentState string `json:"current_state"`

	// Variables holds free-form session facts gathered during the journey
	// (e.g. identity_verified, claim_id).
	Variables map[string]any `json:"variables"`

	// StateHistory is the append-only event log for this context.
	StateHistory []HistoryEvent `json:"state_history"`

	// ActivatedAt is when the journey was bound to the session.
	ActivatedAt time.Time `json:"activated_at"`

	// CompletedAt is nil while the journey is active. Once set it is never
	// cleared.
	CompletedAt *time.Time `json:"completed_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive reports whether the journey has not yet completed.
func (c *Context) IsActive() bool {
	return c.CompletedAt == nil
}

// SetVariable sets a context variable.
func (c *Context) SetVariable(key string, value any) {
	if c.Variables == nil {
		c.Variables = make(map[string]any)
	}
	c.Variables[key] = value
}

// GetVariable returns a context variable, or nil if unset.
func (c *Context) GetVariable(key string) any {
	return c.Variables[key]
}

// AddToHistory appends an event to the state history, stamping it with the
// current UTC time.
func (c *Context) AddToHistory(ev HistoryEvent) {
	ev.Timestamp = time.Now().UTC()
	c.StateHistory = append(c.StateHistory, ev)
}

// TransitionTo moves the context to a new state and records the transition.
// The caller is responsible for persisting the updated context.
func (c *Context) TransitionTo(newState, reason string) {
	c.AddToHistory(HistoryEvent{
		Event:     EventTransition,
		FromState: c.CurrentState,
		ToState:   newState,
		Reason:    reason,
	})
	c.CurrentState = newState
}

// Complete marks the journey as finished. Completing an already-completed
// context is a no-op.
func (c *Context) Complete() {
	if c.CompletedAt != nil {
		return
	}
	now := time.Now().UTC()
	c.CompletedAt = &now
	c.AddToHistory(HistoryEvent{
		Event:      EventCompleted,
		FinalState: c.CurrentState,
	})
}
