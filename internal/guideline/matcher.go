package guideline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/calldeck/calldeck/pkg/provider/llm"
)

// matchFloor is the minimum evaluator confidence for a guideline to count as
// matched.
const matchFloor = 0.6

// fallbackLimit caps how many scope guidelines are sent to the evaluator when
// keyword retrieval comes up empty.
const fallbackLimit = 20

var wordPattern = regexp.MustCompile(`[A-Za-z0-9]+`)

// stopwords are excluded from keyword extraction. Matching is done on the
// lowercased token.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"been": true, "being": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true,
	"should": true, "could": true, "may": true, "might": true, "can": true,
	"i": true, "you": true, "he": true, "she": true, "it": true, "we": true,
	"they": true, "my": true, "your": true, "his": true, "her": true,
	"its": true, "our": true, "their": true, "this": true, "that": true,
	"these": true, "those": true,
}

// ExtractKeywords tokenizes an utterance for stage-1 retrieval: lowercase
// alphanumeric words of at least three characters, stopwords removed,
// first-occurrence order preserved.
func ExtractKeywords(utterance string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, word := range wordPattern.FindAllString(utterance, -1) {
		word = strings.ToLower(word)
		if len(word) < 3 || stopwords[word] || seen[word] {
			continue
		}
		seen[word] = true
		out = append(out, word)
	}
	return out
}

// Matcher selects the guidelines that apply to an utterance at a given
// conversation position. Retrieval is two-staged: the keyword index narrows
// the scope set to candidates, then one batched model call judges relevance.
// Model output is untrusted: returned ids are checked against the candidate
// set before use.
type Matcher struct {
	store    Store
	provider llm.Provider
	log      *slog.Logger
}

// NewMatcher constructs a Matcher. logger may be nil.
func NewMatcher(store Store, provider llm.Provider, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{store: store, provider: provider, log: logger}
}

// MatchGuidelines returns the guidelines that apply to the utterance at the
// given position, ordered by priority score descending (ties by name).
// variables are the session's context variables; the evaluator sees them so
// conditions that depend on conversation state (e.g. identity already
// verified) can be judged.
//
// Stage 1 intersects the keyword candidates with the scope set; when the
// intersection is empty the highest-priority scope guidelines are evaluated
// instead, capped at 20. Stage 2 is a single batched model call at
// temperature 0. Matches below confidence 0.6 and ids the model invented are
// discarded. Model failures return an empty result: generation proceeds
// without guideline injection rather than blocking the call.
func (m *Matcher) MatchGuidelines(ctx context.Context, utterance string, journeyID *uuid.UUID, stateName string, variables map[string]any) ([]Match, error) {
	if strings.TrimSpace(utterance) == "" {
		return nil, nil
	}

	scoped, err := m.store.GuidelinesByScope(ctx, journeyID, stateName)
	if err != nil {
		return nil, fmt.Errorf("guideline: match: %w", err)
	}
	if len(scoped) == 0 {
		return nil, nil
	}

	keywords := ExtractKeywords(utterance)
	candidateIDs := m.store.CandidatesByKeywords(keywords)

	var candidates []*Guideline
	for _, g := range scoped {
		if _, ok := candidateIDs[g.ID]; ok {
			candidates = append(candidates, g)
		}
	}
	if len(candidates) == 0 {
		// No keyword overlap; fall back to the top of the scope set so
		// sparse keyword declarations never silence the catalog.
		if len(scoped) > fallbackLimit {
			scoped = scoped[:fallbackLimit]
		}
		candidates = scoped
	}

	m.log.DebugContext(ctx, "guideline candidates selected",
		"scoped", len(scoped), "keywords", len(keywords), "candidates", len(candidates))

	matches := m.evaluate(ctx, utterance, variables, candidates)

	sort.SliceStable(matches, func(a, b int) bool {
		sa := matches[a].Guideline.PriorityScore(journeyID, stateName)
		sb := matches[b].Guideline.PriorityScore(journeyID, stateName)
		if sa != sb {
			return sa > sb
		}
		return matches[a].Guideline.Name < matches[b].Guideline.Name
	})
	return matches, nil
}

// evaluationResult is the JSON contract of the batched relevance evaluator.
type evaluationResult struct {
	Matches []struct {
		GuidelineID string  `json:"guideline_id"`
		Applies     bool    `json:"applies"`
		Confidence  float64 `json:"confidence"`
		Reasoning   string  `json:"reasoning"`
	} `json:"matches"`
}

// evaluationCandidate is one guideline as presented to the evaluator.
type evaluationCandidate struct {
	GuidelineID string `json:"guideline_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Condition   string `json:"condition"`
	Action      string `json:"action"`
	Scope       string `json:"scope"`
}

// evaluate runs the single batched relevance call and applies the trust
// checks to its verdicts.
func (m *Matcher) evaluate(ctx context.Context, utterance string, variables map[string]any, candidates []*Guideline) []Match {
	byID := make(map[string]*Guideline, len(candidates))
	shown := make([]evaluationCandidate, 0, len(candidates))
	for _, g := range candidates {
		byID[g.ID.String()] = g
		shown = append(shown, evaluationCandidate{
			GuidelineID: g.ID.String(),
			Name:        g.Name,
			Description: g.Description,
			Condition:   g.Condition,
			Action:      g.Action,
			Scope:       string(g.Scope),
		})
	}

	prompt, err := buildEvaluationPrompt(utterance, variables, shown)
	if err != nil {
		m.log.ErrorContext(ctx, "guideline evaluation prompt build failed", "error", err)
		return nil
	}

	resp, err := m.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: evaluationSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: prompt}},
		Temperature:  0,
		JSONResponse: true,
	})
	if err != nil {
		m.log.ErrorContext(ctx, "guideline evaluation call failed", "error", err)
		return nil
	}

	var result evaluationResult
	if err := json.Unmarshal([]byte(resp.Content), &result); err != nil {
		m.log.ErrorContext(ctx, "guideline evaluation response undecodable", "error", err)
		return nil
	}

	var matches []Match
	for _, verdict := range result.Matches {
		if !verdict.Applies || verdict.Confidence < matchFloor {
			continue
		}
		g, ok := byID[verdict.GuidelineID]
		if !ok {
			m.log.WarnContext(ctx, "guideline evaluator returned unknown id",
				"guideline_id", verdict.GuidelineID)
			continue
		}
		matches = append(matches, Match{
			Guideline:  g,
			Confidence: verdict.Confidence,
			Reasoning:  verdict.Reasoning,
		})
	}

	m.log.InfoContext(ctx, "guideline evaluation result",
		"candidates", len(candidates), "matched", len(matches))
	return matches
}

const evaluationSystemPrompt = `You are a guideline evaluation system for an AI call center.
Determine which guidelines apply to the user's message.

For each guideline, evaluate whether its condition is met by the user's message
and the conversation's context variables.
Be precise: a guideline applies only when its condition clearly matches.`

func buildEvaluationPrompt(utterance string, variables map[string]any, candidates []evaluationCandidate) (string, error) {
	if variables == nil {
		variables = map[string]any{}
	}
	variablesJSON, err := json.MarshalIndent(variables, "", "  ")
	if err != nil {
		return "", fmt.Errorf("guideline: marshal variables: %w", err)
	}
	candidatesJSON, err := json.MarshalIndent(candidates, "", "  ")
	if err != nil {
		return "", fmt.Errorf("guideline: marshal candidates: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "User message: %q\n\n", utterance)
	fmt.Fprintf(&b, "Context variables:\n%s\n\n", variablesJSON)
	fmt.Fprintf(&b, "Guidelines to evaluate:\n%s\n\n", candidatesJSON)
	b.WriteString(`For each guideline, determine whether it applies. Return in this exact JSON format:
{
  "matches": [
    {
      "guideline_id": "uuid",
      "applies": true/false,
      "confidence": 0.0-1.0,
      "reasoning": "brief explanation"
    }
  ]
}`)
	return b.String(), nil
}
