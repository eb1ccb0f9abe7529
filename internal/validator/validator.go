// Package validator checks generated replies against the active guidelines
// before they reach the caller, attempts an automatic correction when a
// violation is found, and writes every verdict to an audit table.
//
// Validation is advisory by design: a model or database failure never blocks
// the reply. On validator failure the reply passes with confidence 0; on
// audit failure the error is logged and dropped.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/calldeck/calldeck/internal/guideline"
	"github.com/calldeck/calldeck/internal/observe"
	"github.com/calldeck/calldeck/pkg/provider/llm"
)

// Schema is the SQL DDL for the validation_audit table. Execute it via
// [Validator.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS validation_audit (
    id                UUID PRIMARY KEY,
    session_id        TEXT NOT NULL,
    journey_id        UUID,
    guideline_ids     UUID[] NOT NULL DEFAULT '{}',
    is_valid          BOOLEAN NOT NULL,
    violations        JSONB NOT NULL DEFAULT '[]',
    suggested_fixes   JSONB NOT NULL DEFAULT '[]',
    confidence        DOUBLE PRECISION NOT NULL,
    latency_ms        INTEGER NOT NULL,
    original_response TEXT NOT NULL,
    fixed_response    TEXT,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_validation_audit_session ON validation_audit(session_id, created_at DESC);
`

// DB is the database interface used by the audit writer. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Violation is one guideline the reply broke.
type Violation struct {
	GuidelineID          string `json:"guideline_id"`
	GuidelineName        string `json:"guideline_name"`
	ViolationDescription string `json:"violation_description"`
	Severity             string `json:"severity"`
}

// Result is the outcome of validating one reply.
type Result struct {
	// IsValid reports whether the reply complies with every guideline.
	IsValid bool

	// Violations lists the guidelines broken, empty when valid.
	Violations []Violation

	// Confidence is the validator's score in [0,1]. 0 marks a degraded
	// verdict where the validator itself failed.
	Confidence float64

	// SuggestedFixes are the validator's correction hints.
	SuggestedFixes []string

	// FixedResponse is the auto-corrected reply, empty when no fix was
	// produced. Callers should prefer it over the original when set.
	FixedResponse string
}

// Validator checks replies against guidelines through a structured model
// call and audits every verdict.
type Validator struct {
	db       DB
	provider llm.Provider
	metrics  *observe.Metrics
	log      *slog.Logger
}

// New constructs a Validator. metrics and logger may be nil.
func New(db DB, provider llm.Provider, metrics *observe.Metrics, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{db: db, provider: provider, metrics: metrics, log: logger}
}

// Migrate executes the [Schema] DDL against the database.
func (v *Validator) Migrate(ctx context.Context) error {
	if _, err := v.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("validator: migrate: %w", err)
	}
	return nil
}

// verdict is the JSON contract of the validation call.
type verdict struct {
	IsValid        bool        `json:"is_valid"`
	Violations     []Violation `json:"violations"`
	Confidence     float64     `json:"confidence"`
	SuggestedFixes []string    `json:"suggested_fixes"`
}

// rule is one guideline as presented to the validator model.
type rule struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Condition string `json:"condition"`
	Action    string `json:"action"`
	Priority  int    `json:"priority"`
}

// ValidateResponse checks reply against the given guidelines. With no
// guidelines the reply passes immediately and nothing is audited. When the
// verdict is invalid and carries fix suggestions, one correction call is
// attempted and its output returned in FixedResponse. The verdict, fix
// included, is written to the audit table; audit failures are logged and
// dropped.
func (v *Validator) ValidateResponse(ctx context.Context, reply string, guidelines []*guideline.Guideline, sessionID string, journeyID *uuid.UUID, turnContext map[string]any) *Result {
	start := time.Now()

	if len(guidelines) == 0 {
		v.log.DebugContext(ctx, "no guidelines to validate against", "session_id", sessionID)
		return &Result{IsValid: true, Confidence: 1.0}
	}

	rules := make([]rule, 0, len(guidelines))
	ids := make([]uuid.UUID, 0, len(guidelines))
	for _, g := range guidelines {
		rules = append(rules, rule{
			ID:        g.ID.String(),
			Name:      g.Name,
			Condition: g.Condition,
			Action:    g.Action,
			Priority:  g.Priority,
		})
		ids = append(ids, g.ID)
	}

	prompt, err := buildValidationPrompt(reply, turnContext, rules)
	if err != nil {
		v.log.ErrorContext(ctx, "validation prompt build failed",
			"session_id", sessionID, "error", err)
		return &Result{IsValid: true, Confidence: 0}
	}

	resp, err := v.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: validationSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: prompt}},
		Temperature:  0,
		JSONResponse: true,
	})
	if err != nil {
		v.log.ErrorContext(ctx, "response validation call failed",
			"session_id", sessionID, "error", err)
		return &Result{IsValid: true, Confidence: 0}
	}

	var vd verdict
	if err := json.Unmarshal([]byte(resp.Content), &vd); err != nil {
		v.log.ErrorContext(ctx, "response validation verdict undecodable",
			"session_id", sessionID, "error", err)
		return &Result{IsValid: true, Confidence: 0}
	}

	result := &Result{
		IsValid:        vd.IsValid,
		Violations:     vd.Violations,
		Confidence:     vd.Confidence,
		SuggestedFixes: vd.SuggestedFixes,
	}

	if !result.IsValid && len(result.SuggestedFixes) > 0 {
		result.FixedResponse = v.attemptAutoFix(ctx, reply, result.Violations, result.SuggestedFixes)
	}

	elapsed := time.Since(start)
	if v.metrics != nil {
		v.metrics.RecordValidation(ctx, len(result.Violations), elapsed.Seconds())
		if !result.IsValid && len(result.SuggestedFixes) > 0 {
			status := "failed"
			if result.FixedResponse != "" {
				status = "applied"
			}
			v.metrics.RecordAutoFix(ctx, status)
		}
	}

	v.log.InfoContext(ctx, "response validation complete",
		"session_id", sessionID,
		"is_valid", result.IsValid,
		"violations", len(result.Violations),
		"confidence", result.Confidence,
		"auto_fixed", result.FixedResponse != "",
		"latency_ms", elapsed.Milliseconds())

	v.audit(ctx, sessionID, journeyID, ids, reply, result, elapsed)
	return result
}

const validationSystemPrompt = `You are a response validation system for an AI call center.

Your task is to check if the AI's response violates any active guidelines.

Guidelines represent business rules that MUST be followed.
Evaluate each guideline carefully and identify any violations.`

func buildValidationPrompt(reply string, turnContext map[string]any, rules []rule) (string, error) {
	if turnContext == nil {
		turnContext = map[string]any{}
	}
	contextJSON, err := json.MarshalIndent(turnContext, "", "  ")
	if err != nil {
		return "", fmt.Errorf("validator: marshal context: %w", err)
	}
	rulesJSON, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return "", fmt.Errorf("validator: marshal rules: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "AI Response to validate:\n%q\n\n", reply)
	fmt.Fprintf(&b, "Context: %s\n\n", contextJSON)
	fmt.Fprintf(&b, "Active guidelines:\n%s\n\n", rulesJSON)
	b.WriteString(`Validate the response and return in this JSON format:
{
  "is_valid": true/false,
  "violations": [
    {
      "guideline_id": "uuid",
      "guideline_name": "name",
      "violation_description": "what rule was broken",
      "severity": "critical|high|medium|low"
    }
  ],
  "confidence": 0.0-1.0,
  "suggested_fixes": ["fix suggestion 1", "fix suggestion 2"]
}`)
	return b.String(), nil
}

const fixSystemPrompt = `You are a response correction system. Fix the given response to comply with business rules.`

// attemptAutoFix asks the model for a corrected reply at temperature 0.3.
// Returns "" when the correction call fails.
func (v *Validator) attemptAutoFix(ctx context.Context, original string, violations []Violation, fixes []string) string {
	violationsJSON, err := json.MarshalIndent(violations, "", "  ")
	if err != nil {
		v.log.ErrorContext(ctx, "auto-fix prompt build failed", "error", err)
		return ""
	}
	fixesJSON, err := json.MarshalIndent(fixes, "", "  ")
	if err != nil {
		v.log.ErrorContext(ctx, "auto-fix prompt build failed", "error", err)
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Original AI response:\n%q\n\n", original)
	fmt.Fprintf(&b, "Violations detected:\n%s\n\n", violationsJSON)
	fmt.Fprintf(&b, "Suggested fixes:\n%s\n\n", fixesJSON)
	b.WriteString("Please provide a corrected version of the response that addresses all violations while maintaining the original intent and tone.\n\n")
	b.WriteString("Return ONLY the fixed response text, no explanations or meta-commentary.")

	resp, err := v.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: fixSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: b.String()}},
		Temperature:  0.3,
	})
	if err != nil {
		v.log.ErrorContext(ctx, "auto-fix call failed", "error", err)
		return ""
	}

	fixed := strings.TrimSpace(resp.Content)
	v.log.InfoContext(ctx, "auto-fix attempted",
		"original_length", len(original), "fixed_length", len(fixed))
	return fixed
}

// audit writes the verdict to validation_audit. Failures are logged, never
// propagated.
func (v *Validator) audit(ctx context.Context, sessionID string, journeyID *uuid.UUID, guidelineIDs []uuid.UUID, original string, result *Result, elapsed time.Duration) {
	violationsJSON, err := json.Marshal(emptyViolations(result.Violations))
	if err != nil {
		v.log.ErrorContext(ctx, "audit marshal failed", "error", err)
		return
	}
	fixesJSON, err := json.Marshal(emptyFixes(result.SuggestedFixes))
	if err != nil {
		v.log.ErrorContext(ctx, "audit marshal failed", "error", err)
		return
	}

	var fixed *string
	if result.FixedResponse != "" {
		fixed = &result.FixedResponse
	}

	const query = `
		INSERT INTO validation_audit
			(id, session_id, journey_id, guideline_ids, is_valid,
			 violations, suggested_fixes, confidence, latency_ms,
			 original_response, fixed_response)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	if _, err := v.db.Exec(ctx, query,
		uuid.New(), sessionID, journeyID, guidelineIDs, result.IsValid,
		violationsJSON, fixesJSON, result.Confidence, elapsed.Milliseconds(),
		original, fixed,
	); err != nil {
		v.log.ErrorContext(ctx, "audit write failed",
			"session_id", sessionID, "error", err)
	}
}

// emptyViolations returns s if non-nil, otherwise an empty non-nil slice so
// the JSONB column receives "[]" instead of "null".
func emptyViolations(s []Violation) []Violation {
	if s == nil {
		return []Violation{}
	}
	return s
}

func emptyFixes(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
