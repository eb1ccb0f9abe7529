package guideline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/calldeck/calldeck/pkg/provider/llm"
	llmmock "github.com/calldeck/calldeck/pkg/provider/llm/mock"
)

// fakeStore is an in-memory Store used by matcher tests.
type fakeStore struct {
	guidelines []*Guideline
	scopeErr   error
}

var _ Store = (*fakeStore)(nil)

func newFakeStore(guidelines ...*Guideline) *fakeStore {
	return &fakeStore{guidelines: guidelines}
}

func (f *fakeStore) LoadAll(ctx context.Context) error { return nil }

func (f *fakeStore) GetGuideline(ctx context.Context, id uuid.UUID) (*Guideline, error) {
	for _, g := range f.guidelines {
		if g.ID == id && g.Enabled {
			return g, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetAllGuidelines(ctx context.Context) ([]*Guideline, error) {
	var out []*Guideline
	for _, g := range f.guidelines {
		if g.Enabled {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeStore) GuidelinesByScope(ctx context.Context, journeyID *uuid.UUID, stateName string) ([]*Guideline, error) {
	if f.scopeErr != nil {
		return nil, f.scopeErr
	}
	var out []*Guideline
	for _, g := range f.guidelines {
		if g.Enabled && g.MatchesScope(journeyID, stateName) {
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority > out[b].Priority
		}
		return out[a].Name < out[b].Name
	})
	return out, nil
}

func (f *fakeStore) GuidelinesByIDs(ctx context.Context, ids []uuid.UUID) ([]*Guideline, error) {
	var out []*Guideline
	for _, id := range ids {
		if g, _ := f.GetGuideline(ctx, id); g != nil {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeStore) CandidatesByKeywords(keywords []string) map[uuid.UUID]struct{} {
	out := make(map[uuid.UUID]struct{})
	for _, g := range f.guidelines {
		if !g.Enabled {
			continue
		}
		for _, kw := range g.Keywords {
			for _, want := range keywords {
				if strings.ToLower(kw) == want {
					out[g.ID] = struct{}{}
				}
			}
		}
	}
	return out
}

func (f *fakeStore) UpsertGuideline(ctx context.Context, g *Guideline) error {
	f.guidelines = append(f.guidelines, g)
	return nil
}

func newTestMatcher(store Store, provider llm.Provider) *Matcher {
	return NewMatcher(store, provider, slog.New(slog.DiscardHandler))
}

// matchesJSON builds an evaluator response marking every given guideline as
// applying with the given confidence.
func matchesJSON(confidence float64, guidelines ...*Guideline) string {
	var b strings.Builder
	b.WriteString(`{"matches":[`)
	for i, g := range guidelines {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"guideline_id": %q, "applies": true, "confidence": %g, "reasoning": "condition met"}`,
			g.ID, confidence)
	}
	b.WriteString(`]}`)
	return b.String()
}

func TestExtractKeywords(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		utterance string
		want      []string
	}{
		{
			name:      "stopwords and short words removed",
			utterance: "I want to check the status of my claim",
			want:      []string{"want", "check", "status", "claim"},
		},
		{
			name:      "lowercased and deduplicated",
			utterance: "Claim CLAIM claim denied",
			want:      []string{"claim", "denied"},
		},
		{
			name:      "punctuation split",
			utterance: "policy-number: POL123, please!",
			want:      []string{"policy", "number", "pol123", "please"},
		},
		{
			name:      "only stopwords",
			utterance: "it is my",
			want:      nil,
		},
		{
			name:      "empty",
			utterance: "",
			want:      nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ExtractKeywords(tt.utterance); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractKeywords(%q) = %v, want %v", tt.utterance, got, tt.want)
			}
		})
	}
}

func TestMatchGuidelinesKeywordPrefilter(t *testing.T) {
	t.Parallel()

	legal := globalGuideline()       // keywords: legal, lawyer, sue
	disclosure := journeyGuideline() // keywords: claim, status

	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: matchesJSON(0.9, disclosure)},
	}
	m := newTestMatcher(newFakeStore(legal, disclosure), provider)

	matches, err := m.MatchGuidelines(context.Background(),
		"I want to check the status of my claim", &claimJourneyID, "verify_identity", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Guideline.Name != "verify_before_disclosure" {
		t.Fatalf("matches = %+v", matches)
	}

	// Only the keyword-overlapping candidate may reach the evaluator.
	if len(provider.CompleteCalls) != 1 {
		t.Fatalf("model calls = %d, want 1", len(provider.CompleteCalls))
	}
	prompt := provider.CompleteCalls[0].Req.Messages[0].Content
	if !strings.Contains(prompt, "verify_before_disclosure") {
		t.Errorf("candidate missing from prompt:\n%s", prompt)
	}
	if strings.Contains(prompt, "no_legal_advice") {
		t.Errorf("non-candidate leaked into prompt:\n%s", prompt)
	}
}

func TestMatchGuidelinesFallbackWithoutKeywordOverlap(t *testing.T) {
	t.Parallel()

	legal := globalGuideline()
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: matchesJSON(0.8, legal)},
	}
	m := newTestMatcher(newFakeStore(legal), provider)

	// No utterance keyword intersects the catalog; the scope set is
	// evaluated anyway.
	matches, err := m.MatchGuidelines(context.Background(), "hello there friend", nil, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Guideline.Name != "no_legal_advice" {
		t.Errorf("matches = %+v", matches)
	}
	if len(provider.CompleteCalls) != 1 {
		t.Errorf("model calls = %d, want 1", len(provider.CompleteCalls))
	}
}

func TestMatchGuidelinesFallbackCapped(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	for i := 0; i < 30; i++ {
		g := globalGuideline()
		g.ID = uuid.New()
		g.Name = fmt.Sprintf("rule_%02d", i)
		g.Keywords = nil
		g.Priority = i
		store.guidelines = append(store.guidelines, g)
	}
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{"matches":[]}`},
	}
	m := newTestMatcher(store, provider)

	if _, err := m.MatchGuidelines(context.Background(), "hello", nil, "", nil); err != nil {
		t.Fatal(err)
	}
	prompt := provider.CompleteCalls[0].Req.Messages[0].Content
	shown := strings.Count(prompt, `"guideline_id"`)
	if shown != fallbackLimit {
		t.Errorf("fallback evaluated %d candidates, want %d", shown, fallbackLimit)
	}
	// Highest priority first: rule_29 is in, rule_00 is out.
	if !strings.Contains(prompt, "rule_29") || strings.Contains(prompt, "rule_00") {
		t.Errorf("fallback did not keep the top of the scope set:\n%s", prompt)
	}
}

func TestMatchGuidelinesEmptyUtterance(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{}
	m := newTestMatcher(newFakeStore(globalGuideline()), provider)

	matches, err := m.MatchGuidelines(context.Background(), "   ", nil, "", nil)
	if err != nil || matches != nil {
		t.Fatalf("MatchGuidelines = (%v, %v), want (nil, nil)", matches, err)
	}
	if len(provider.CompleteCalls) != 0 {
		t.Error("model called for an empty utterance")
	}
}

func TestMatchGuidelinesEmptyCatalog(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{}
	m := newTestMatcher(newFakeStore(), provider)

	matches, err := m.MatchGuidelines(context.Background(), "check my claim", nil, "", nil)
	if err != nil || matches != nil {
		t.Fatalf("MatchGuidelines = (%v, %v), want (nil, nil)", matches, err)
	}
	if len(provider.CompleteCalls) != 0 {
		t.Error("model called with nothing to evaluate")
	}
}

func TestMatchGuidelinesVerdictFiltering(t *testing.T) {
	t.Parallel()

	g := globalGuideline()

	tests := []struct {
		name     string
		response string
		err      error
		want     int
	}{
		{
			name:     "confident match kept",
			response: matchesJSON(0.9, g),
			want:     1,
		},
		{
			name:     "exactly at floor kept",
			response: matchesJSON(0.6, g),
			want:     1,
		},
		{
			name:     "below floor discarded",
			response: matchesJSON(0.4, g),
			want:     0,
		},
		{
			name: "applies false discarded",
			response: fmt.Sprintf(`{"matches":[{"guideline_id": %q, "applies": false, "confidence": 0.9}]}`,
				g.ID),
			want: 0,
		},
		{
			name: "invented id discarded",
			response: fmt.Sprintf(`{"matches":[{"guideline_id": %q, "applies": true, "confidence": 0.9}]}`,
				uuid.New()),
			want: 0,
		},
		{
			name:     "undecodable response degrades",
			response: "sorry, prose instead",
			want:     0,
		},
		{
			name: "model error degrades",
			err:  errors.New("upstream timeout"),
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			provider := &llmmock.Provider{
				CompleteResponse: &llm.CompletionResponse{Content: tt.response},
				CompleteErr:      tt.err,
			}
			m := newTestMatcher(newFakeStore(g), provider)

			matches, err := m.MatchGuidelines(context.Background(),
				"I will sue you, get me a lawyer", nil, "", nil)
			if err != nil {
				t.Fatalf("MatchGuidelines error: %v", err)
			}
			if len(matches) != tt.want {
				t.Errorf("matches = %+v, want %d", matches, tt.want)
			}
		})
	}
}

func TestMatchGuidelinesOrderedByPriorityScore(t *testing.T) {
	t.Parallel()

	global := globalGuideline()  // GLOBAL, priority 10 -> 1010
	scoped := journeyGuideline() // JOURNEY, priority 5 -> 2005
	state := stateGuideline()    // STATE, priority 1 -> 3001
	global.Keywords = []string{"claim"}
	state.Keywords = []string{"claim"}

	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: matchesJSON(0.9, global, scoped, state)},
	}
	m := newTestMatcher(newFakeStore(global, scoped, state), provider)

	matches, err := m.MatchGuidelines(context.Background(),
		"my claim status", &claimJourneyID, "provide_status", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 3 {
		t.Fatalf("matches = %d, want 3", len(matches))
	}
	got := []string{matches[0].Guideline.Name, matches[1].Guideline.Name, matches[2].Guideline.Name}
	want := []string{"explain_denial_reasons", "verify_before_disclosure", "no_legal_advice"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestMatchGuidelinesStoreErrorPropagates(t *testing.T) {
	t.Parallel()

	store := newFakeStore(globalGuideline())
	store.scopeErr = errors.New("connection refused")
	m := newTestMatcher(store, &llmmock.Provider{})

	_, err := m.MatchGuidelines(context.Background(), "check my claim", nil, "", nil)
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("MatchGuidelines = %v, want store error", err)
	}
}

func TestMatchGuidelinesEvaluatorSeesVariablesAndScope(t *testing.T) {
	t.Parallel()

	g := journeyGuideline() // keywords: claim, status
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: matchesJSON(0.9, g)},
	}
	m := newTestMatcher(newFakeStore(g), provider)

	variables := map[string]any{
		"identity_verified": true,
		"policy_number":     "POL-2025-0042",
	}
	if _, err := m.MatchGuidelines(context.Background(),
		"what is my claim status", &claimJourneyID, "provide_status", variables); err != nil {
		t.Fatal(err)
	}

	prompt := provider.CompleteCalls[0].Req.Messages[0].Content
	for _, want := range []string{
		"Context variables:",
		`"identity_verified": true`,
		`"policy_number": "POL-2025-0042"`,
		`"scope": "JOURNEY"`,
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("evaluator prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestMatchGuidelinesNilVariablesRenderEmptyObject(t *testing.T) {
	t.Parallel()

	g := journeyGuideline()
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{"matches":[]}`},
	}
	m := newTestMatcher(newFakeStore(g), provider)

	if _, err := m.MatchGuidelines(context.Background(),
		"what is my claim status", &claimJourneyID, "provide_status", nil); err != nil {
		t.Fatal(err)
	}
	prompt := provider.CompleteCalls[0].Req.Messages[0].Content
	if !strings.Contains(prompt, "Context variables:\n{}") {
		t.Errorf("nil variables not rendered as an empty object:\n%s", prompt)
	}
}
