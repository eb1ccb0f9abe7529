// Package app wires the flow-control engines into the two operations the
// call server runs per turn: preparing the system-prompt injection before
// generation, and validating the generated reply before it is spoken.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/calldeck/calldeck/internal/guideline"
	"github.com/calldeck/calldeck/internal/journey"
	"github.com/calldeck/calldeck/internal/observe"
	"github.com/calldeck/calldeck/internal/validator"
)

// Turn is the outcome of processing one user utterance.
type Turn struct {
	// SystemPrompt is the fragment to append to the system prompt before
	// generation. Empty when no journey is active.
	SystemPrompt string

	// Context is the session's journey context, nil when none is active.
	Context *journey.Context

	// State is the current journey state, nil when unresolved.
	State *journey.State

	// Guidelines are the matched guidelines, highest priority first.
	Guidelines []guideline.Match

	// Meta reports what the journey engine did this turn.
	Meta journey.Meta
}

// Pipeline runs the per-turn flow-control sequence. One session is processed
// one turn at a time; the pipeline itself is safe across sessions.
type Pipeline struct {
	engine     *journey.Engine
	journeys   journey.Store
	matcher    *guideline.Matcher
	guidelines guideline.Store
	validator  *validator.Validator
	metrics    *observe.Metrics
	log        *slog.Logger
}

// NewPipeline constructs a Pipeline. metrics and logger may be nil.
func NewPipeline(engine *journey.Engine, journeys journey.Store, matcher *guideline.Matcher, guidelines guideline.Store, v *validator.Validator, metrics *observe.Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		engine:     engine,
		journeys:   journeys,
		matcher:    matcher,
		guidelines: guidelines,
		validator:  v,
		metrics:    metrics,
		log:        logger,
	}
}

// ProcessUserTurn advances the session's journey for the utterance and
// builds the system-prompt injection for the upcoming generation.
//
// Guideline matching failures degrade to an injection without guidelines:
// the call keeps flowing even when retrieval is down. Journey persistence
// failures propagate.
func (p *Pipeline) ProcessUserTurn(ctx context.Context, sessionID, utterance string) (*Turn, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.process_user_turn")
	defer span.End()
	log := observe.Logger(ctx, p.log)

	c, state, meta, err := p.engine.ProcessMessage(ctx, sessionID, utterance, nil)
	if err != nil {
		return nil, err
	}

	turn := &Turn{Context: c, State: state, Meta: meta}
	if c == nil || state == nil {
		return turn, nil
	}

	j, err := p.journeys.GetJourney(ctx, c.JourneyID)
	if err != nil || j == nil {
		log.WarnContext(ctx, "journey unresolvable after processing, skipping injection",
			"session_id", sessionID, "journey_id", c.JourneyID, "error", err)
		return turn, nil
	}

	start := time.Now()
	matches, err := p.matcher.MatchGuidelines(ctx, utterance, &c.JourneyID, c.CurrentState, c.Variables)
	if err != nil {
		log.WarnContext(ctx, "guideline matching unavailable, continuing without guidelines",
			"session_id", sessionID, "error", err)
		matches = nil
	}
	if p.metrics != nil {
		p.metrics.RecordGuidelineMatch(ctx, len(matches), time.Since(start).Seconds())
	}

	turn.Guidelines = matches
	turn.SystemPrompt = injectionPrompt(journey.Guidance(j, state), matches)

	log.InfoContext(ctx, "journey context injected",
		"session_id", sessionID,
		"journey", j.Name,
		"state", state.Name,
		"guidelines_matched", len(matches),
		"is_new", meta.IsNewJourney)
	return turn, nil
}

// ValidateReply checks the generated reply against the guidelines in scope
// and returns the text to surface: the auto-fixed version when one is
// available, the original otherwise.
func (p *Pipeline) ValidateReply(ctx context.Context, sessionID, reply string) (string, *validator.Result, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.validate_reply")
	defer span.End()
	log := observe.Logger(ctx, p.log)

	if strings.TrimSpace(reply) == "" {
		return reply, nil, nil
	}

	c, err := p.journeys.GetActiveContext(ctx, sessionID)
	if err != nil {
		return reply, nil, fmt.Errorf("app: validate reply: %w", err)
	}
	if c == nil {
		return reply, nil, nil
	}

	scoped, err := p.guidelines.GuidelinesByScope(ctx, &c.JourneyID, c.CurrentState)
	if err != nil {
		return reply, nil, fmt.Errorf("app: validate reply: %w", err)
	}
	if len(scoped) == 0 {
		return reply, nil, nil
	}

	result := p.validator.ValidateResponse(ctx, reply, scoped, sessionID, &c.JourneyID, c.Variables)
	if !result.IsValid && result.FixedResponse != "" {
		log.WarnContext(ctx, "reply violated guidelines, using auto-fixed version",
			"session_id", sessionID, "violations", len(result.Violations))
		return result.FixedResponse, result, nil
	}
	if !result.IsValid {
		log.ErrorContext(ctx, "reply violated guidelines, no auto-fix available",
			"session_id", sessionID, "violations", len(result.Violations))
	}
	return reply, result, nil
}

// injectionPrompt renders the system-prompt fragment for this turn: the
// journey guidance followed by the matched guideline actions.
func injectionPrompt(guidance string, matches []guideline.Match) string {
	var b strings.Builder
	b.WriteString(guidance)
	if len(matches) > 0 {
		b.WriteString("\n\nACTIVE GUIDELINES (MUST FOLLOW):")
		for _, m := range matches {
			fmt.Fprintf(&b, "\n- %s: %s", m.Guideline.Name, m.Guideline.Action)
		}
	}
	b.WriteString("\n\nFollow the journey state guidance and adhere to all active guidelines.")
	return b.String()
}
