package journey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/calldeck/calldeck/internal/cache"
	"github.com/calldeck/calldeck/pkg/provider/llm"
)

// activationFloor is the minimum classifier confidence required to bind a
// journey to a session.
const activationFloor = 0.6

// Matcher classifies utterances against journey activation conditions and
// evaluates state transitions, both through structured model calls at
// temperature 0. Model output is untrusted: returned ids and states are
// re-validated against the locally enumerated set before use.
type Matcher struct {
	store    Store
	cache    *cache.Facade
	provider llm.Provider
	log      *slog.Logger
}

// NewMatcher constructs a Matcher. logger may be nil.
func NewMatcher(store Store, c *cache.Facade, provider llm.Provider, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{store: store, cache: c, provider: provider, log: logger}
}

// activationResult is the JSON contract of the activation classifier.
type activationResult struct {
	Matched     bool    `json:"matched"`
	JourneyID   string  `json:"journey_id"`
	JourneyName string  `json:"journey_name"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
}

// activationCandidate is one journey as presented to the classifier.
type activationCandidate struct {
	JourneyID            string `json:"journey_id"`
	JourneyName          string `json:"journey_name"`
	Description          string `json:"description"`
	ActivationConditions string `json:"activation_conditions"`
}

// activationKey builds the L2 cache key for one (session, utterance) pair.
// SHA-256 keeps the key stable across processes, so a restarted engine still
// hits decisions cached by its predecessor.
func activationKey(sessionID, utterance string) string {
	sum := sha256.Sum256([]byte(utterance))
	return "activation:" + sessionID + ":" + hex.EncodeToString(sum[:])
}

// ActivateJourney decides which journey, if any, the utterance should
// activate for the session. The decision is cached in L2 either way. A
// journey activates only when the classifier matched it with confidence of
// at least 0.6 and the returned id belongs to a known enabled journey.
// Model failures return (nil, nil): the conversation continues unbound.
func (m *Matcher) ActivateJourney(ctx context.Context, sessionID, utterance string, hints map[string]any) (*Journey, error) {
	key := activationKey(sessionID, utterance)

	var cached activationResult
	if m.cache.GetJSON(ctx, cache.L2, key, &cached) {
		m.log.DebugContext(ctx, "journey activation cache hit", "session_id", sessionID)
		return m.resolveActivation(ctx, &cached)
	}

	journeys, err := m.store.GetAllJourneys(ctx)
	if err != nil {
		return nil, fmt.Errorf("journey: activate: %w", err)
	}
	if len(journeys) == 0 {
		m.log.WarnContext(ctx, "no journeys available for activation")
		return nil, nil
	}

	candidates := make([]activationCandidate, 0, len(journeys))
	for _, j := range journeys {
		candidates = append(candidates, activationCandidate{
			JourneyID:            j.ID.String(),
			JourneyName:          j.Name,
			Description:          j.Description,
			ActivationConditions: j.ActivationConditions,
		})
	}

	prompt, err := buildActivationPrompt(utterance, hints, candidates)
	if err != nil {
		return nil, err
	}

	resp, err := m.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: activationSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: prompt}},
		Temperature:  0,
		JSONResponse: true,
	})
	if err != nil {
		m.log.ErrorContext(ctx, "journey activation call failed",
			"session_id", sessionID, "error", err)
		return nil, nil
	}

	var result activationResult
	if err := json.Unmarshal([]byte(resp.Content), &result); err != nil {
		m.log.ErrorContext(ctx, "journey activation response undecodable",
			"session_id", sessionID, "error", err)
		return nil, nil
	}

	m.log.InfoContext(ctx, "journey activation result",
		"session_id", sessionID,
		"matched", result.Matched,
		"journey", result.JourneyName,
		"confidence", result.Confidence,
		"reasoning", result.Reasoning)

	m.cache.SetJSON(ctx, cache.L2, key, result)

	return m.resolveActivation(ctx, &result)
}

// resolveActivation applies the trust checks to a classifier verdict and
// loads the journey it names.
func (m *Matcher) resolveActivation(ctx context.Context, result *activationResult) (*Journey, error) {
	if !result.Matched || result.JourneyID == "" {
		return nil, nil
	}
	if result.Confidence < activationFloor {
		m.log.InfoContext(ctx, "journey activation below confidence floor",
			"journey", result.JourneyName, "confidence", result.Confidence)
		return nil, nil
	}
	id, err := uuid.Parse(result.JourneyID)
	if err != nil {
		m.log.WarnContext(ctx, "journey activation returned invalid id",
			"journey_id", result.JourneyID)
		return nil, nil
	}
	j, err := m.store.GetJourney(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("journey: resolve activation: %w", err)
	}
	if j == nil {
		m.log.WarnContext(ctx, "journey activation returned unknown id", "journey_id", id)
	}
	return j, nil
}

const activationSystemPrompt = `You are a journey activation classifier for an insurance call center.
Your task is to determine which conversation journey (if any) matches the user's message.

Analyze the user's message and compare it against the activation conditions of each journey.
Return the journey that best matches, or null if no journey matches.

Consider:
- User intent (what they want to do)
- Keywords and phrases
- Context if provided`

func buildActivationPrompt(utterance string, hints map[string]any, candidates []activationCandidate) (string, error) {
	hintsJSON, err := json.MarshalIndent(emptyVariables(hints), "", "  ")
	if err != nil {
		return "", fmt.Errorf("journey: marshal hints: %w", err)
	}
	candidatesJSON, err := json.MarshalIndent(candidates, "", "  ")
	if err != nil {
		return "", fmt.Errorf("journey: marshal candidates: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "User message: %q\n\n", utterance)
	fmt.Fprintf(&b, "Context: %s\n\n", hintsJSON)
	fmt.Fprintf(&b, "Available journeys:\n%s\n\n", candidatesJSON)
	b.WriteString(`Which journey should be activated? Return your answer in this exact JSON format:
{
  "matched": true/false,
  "journey_id": "uuid-of-matched-journey" or null,
  "journey_name": "name-of-journey" or null,
  "confidence": 0.0-1.0,
  "reasoning": "brief explanation"
}`)
	return b.String(), nil
}

// transitionResult is the JSON contract of the transition evaluator.
type transitionResult struct {
	ShouldTransition bool   `json:"should_transition"`
	ToState          string `json:"to_state"`
	Reasoning        string `json:"reasoning"`
}

// transitionCandidate is one outgoing edge as presented to the evaluator.
type transitionCandidate struct {
	ToState   string `json:"to_state"`
	Condition string `json:"condition"`
	Priority  int    `json:"priority"`
}

// CanTransition evaluates whether the utterance satisfies any transition out
// of the current state. It returns the target state name, or "" when no
// transition should fire. The returned state must be a declared target of
// the current state; anything else from the model is discarded. Model
// failures return "".
func (m *Matcher) CanTransition(ctx context.Context, j *Journey, currentState, utterance string, variables map[string]any) string {
	transitions := j.TransitionsFrom(currentState)
	if len(transitions) == 0 {
		m.log.DebugContext(ctx, "no transitions available",
			"journey", j.Name, "current_state", currentState)
		return ""
	}

	// Highest priority first; ties keep declaration order.
	sort.SliceStable(transitions, func(a, b int) bool {
		return transitions[a].Priority > transitions[b].Priority
	})

	candidates := make([]transitionCandidate, 0, len(transitions))
	targets := make(map[string]bool, len(transitions))
	for _, t := range transitions {
		candidates = append(candidates, transitionCandidate{
			ToState:   t.ToState,
			Condition: t.Condition,
			Priority:  t.Priority,
		})
		targets[t.ToState] = true
	}

	prompt, err := buildTransitionPrompt(currentState, utterance, variables, candidates)
	if err != nil {
		m.log.ErrorContext(ctx, "transition prompt build failed",
			"journey", j.Name, "error", err)
		return ""
	}

	resp, err := m.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: transitionSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: prompt}},
		Temperature:  0,
		JSONResponse: true,
	})
	if err != nil {
		m.log.ErrorContext(ctx, "transition evaluation call failed",
			"journey", j.Name, "current_state", currentState, "error", err)
		return ""
	}

	var result transitionResult
	if err := json.Unmarshal([]byte(resp.Content), &result); err != nil {
		m.log.ErrorContext(ctx, "transition evaluation response undecodable",
			"journey", j.Name, "error", err)
		return ""
	}

	m.log.DebugContext(ctx, "transition evaluation result",
		"journey", j.Name,
		"current_state", currentState,
		"should_transition", result.ShouldTransition,
		"to_state", result.ToState,
		"reasoning", result.Reasoning)

	if !result.ShouldTransition || result.ToState == "" {
		return ""
	}
	if !targets[result.ToState] {
		m.log.WarnContext(ctx, "transition evaluator returned undeclared target",
			"journey", j.Name, "current_state", currentState, "to_state", result.ToState)
		return ""
	}
	return result.ToState
}

const transitionSystemPrompt = `You are a state transition evaluator for conversation flows.
Determine if any transition condition is met based on the user's message and context variables.

If multiple transitions match, choose the one with highest priority.
Return null if no transition condition is met.`

func buildTransitionPrompt(currentState, utterance string, variables map[string]any, candidates []transitionCandidate) (string, error) {
	variablesJSON, err := json.MarshalIndent(emptyVariables(variables), "", "  ")
	if err != nil {
		return "", fmt.Errorf("journey: marshal variables: %w", err)
	}
	candidatesJSON, err := json.MarshalIndent(candidates, "", "  ")
	if err != nil {
		return "", fmt.Errorf("journey: marshal transitions: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Current state: %s\n", currentState)
	fmt.Fprintf(&b, "User message: %q\n", utterance)
	fmt.Fprintf(&b, "Context variables: %s\n\n", variablesJSON)
	fmt.Fprintf(&b, "Available transitions:\n%s\n\n", candidatesJSON)
	b.WriteString(`Which transition (if any) should be taken? Return in this JSON format:
{
  "should_transition": true/false,
  "to_state": "target-state-name" or null,
  "reasoning": "brief explanation"
}`)
	return b.String(), nil
}
