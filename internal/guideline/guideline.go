// Package guideline implements the guideline engine: a prioritized catalog
// of scoped business rules that steer model generation and validate model
// replies.
//
// A [Guideline] applies globally, to one journey, or to one state of one
// journey. Retrieval is two-staged: a keyword inverted index narrows the
// catalog to a candidate set, then a single batched model call judges which
// candidates actually apply to the utterance. Matches are ranked by a
// composite priority score in which scope specificity dominates the declared
// numeric priority.
package guideline

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Scope is the applicability envelope of a guideline.
type Scope string

const (
	// ScopeGlobal applies to every call.
	ScopeGlobal Scope = "GLOBAL"
	// ScopeJourney applies while a specific journey is active.
	ScopeJourney Scope = "JOURNEY"
	// ScopeState applies in one state of one journey.
	ScopeState Scope = "STATE"
)

// Scope base values for priority resolution. A more specific scope always
// outranks a less specific one regardless of numeric priority.
const (
	stateBase   = 3000
	journeyBase = 2000
	globalBase  = 1000
)

// Guideline is a business rule that constrains model behavior.
type Guideline struct {
	// ID is the stable identifier for this guideline.
	ID uuid.UUID `json:"id"`

	// Scope is GLOBAL, JOURNEY, or STATE.
	Scope Scope `json:"scope"`

	// JourneyID is set for JOURNEY and STATE scopes.
	JourneyID *uuid.UUID `json:"journey_id"`

	// StateName is set for STATE scope.
	StateName string `json:"state_name"`

	// Name is a short human-readable identifier.
	Name string `json:"name"`

	// Description is optional free text shown to the evaluation model.
	Description string `json:"description"`

	// Condition describes, in prose, when the guideline applies.
	Condition string `json:"condition"`

	// Action describes what the agent must do when it applies.
	Action string `json:"action"`

	// Keywords seed the inverted index for stage-1 retrieval. Matching is
	// case-insensitive.
	Keywords []string `json:"keywords"`

	// Tools lists tool names related to this guideline. Informational.
	Tools []string `json:"tools"`

	// Priority orders guidelines within the same scope; higher wins.
	Priority int `json:"priority"`

	// Enabled gates the guideline for retrieval and validation.
	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the guideline for logical consistency. It returns a joined
// error describing every violation found, or nil if the guideline is valid.
func (g *Guideline) Validate() error {
	var errs []error

	if g.Name == "" {
		errs = append(errs, fmt.Errorf("guideline: name must not be empty"))
	}
	if g.Condition == "" {
		errs = append(errs, fmt.Errorf("guideline: condition must not be empty"))
	}
	if g.Action == "" {
		errs = append(errs, fmt.Errorf("guideline: action must not be empty"))
	}

	switch g.Scope {
	case ScopeGlobal:
		if g.JourneyID != nil || g.StateName != "" {
			errs = append(errs, fmt.Errorf("guideline: GLOBAL scope forbids journey_id and state_name"))
		}
	case ScopeJourney:
		if g.JourneyID == nil {
			errs = append(errs, fmt.Errorf("guideline: JOURNEY scope requires journey_id"))
		}
		if g.StateName != "" {
			errs = append(errs, fmt.Errorf("guideline: JOURNEY scope forbids state_name"))
		}
	case ScopeState:
		if g.JourneyID == nil {
			errs = append(errs, fmt.Errorf("guideline: STATE scope requires journey_id"))
		}
		if g.StateName == "" {
			errs = append(errs, fmt.Errorf("guideline: STATE scope requires state_name"))
		}
	default:
		errs = append(errs, fmt.Errorf("guideline: invalid scope %q", g.Scope))
	}

	return errors.Join(errs...)
}

// MatchesScope reports whether the guideline applies at the given position.
// journeyID is nil when no journey is active.
func (g *Guideline) MatchesScope(journeyID *uuid.UUID, stateName string) bool {
	switch g.Scope {
	case ScopeGlobal:
		return true
	case ScopeJourney:
		return g.JourneyID != nil && journeyID != nil && *g.JourneyID == *journeyID
	case ScopeState:
		return g.JourneyID != nil && journeyID != nil &&
			*g.JourneyID == *journeyID && g.StateName == stateName
	}
	return false
}

// PriorityScore is the composite ranking used to order guidelines at a given
// position: scope base (STATE 3000, JOURNEY 2000, GLOBAL 1000) plus the
// declared numeric priority. Guidelines outside the scope score 0.
func (g *Guideline) PriorityScore(journeyID *uuid.UUID, stateName string) int {
	if !g.MatchesScope(journeyID, stateName) {
		return 0
	}
	switch g.Scope {
	case ScopeState:
		return stateBase + g.Priority
	case ScopeJourney:
		return journeyBase + g.Priority
	default:
		return globalBase + g.Priority
	}
}

// Match is a guideline the model judged applicable, with its confidence.
type Match struct {
	// Guideline is the matched rule.
	Guideline *Guideline

	// Confidence is the model's score in [0,1]. Matches below 0.6 are
	// discarded by the matcher.
	Confidence float64

	// Reasoning is the model's brief explanation.
	Reasoning string
}
