package guideline

import (
	"context"

	"github.com/google/uuid"
)

// Store persists guideline definitions and serves scope-filtered reads.
//
// Lookups return (nil, nil) when no row matches. Definition reads go through
// the L1 cache; the keyword index is held in memory and rebuilt by LoadAll.
type Store interface {
	// LoadAll warms the definition cache and rebuilds the keyword inverted
	// index from every enabled guideline.
	LoadAll(ctx context.Context) error

	// GetGuideline returns one enabled guideline by id.
	GetGuideline(ctx context.Context, id uuid.UUID) (*Guideline, error)

	// GetAllGuidelines returns every enabled guideline ordered by name.
	GetAllGuidelines(ctx context.Context) ([]*Guideline, error)

	// GuidelinesByScope returns the guidelines applicable at the given
	// position: all GLOBAL ones, plus JOURNEY and STATE ones matching the
	// active journey and state. journeyID nil restricts the result to
	// GLOBAL. Ordered by priority descending, then name.
	GuidelinesByScope(ctx context.Context, journeyID *uuid.UUID, stateName string) ([]*Guideline, error)

	// GuidelinesByIDs returns the enabled guidelines with the given ids.
	// Unknown ids are skipped.
	GuidelinesByIDs(ctx context.Context, ids []uuid.UUID) ([]*Guideline, error)

	// CandidatesByKeywords returns the ids of guidelines whose keyword set
	// intersects the given (already lowercased) keywords. Served from the
	// in-memory index, no I/O.
	CandidatesByKeywords(keywords []string) map[uuid.UUID]struct{}

	// UpsertGuideline inserts or updates a guideline keyed by its id and
	// refreshes the cache and keyword index.
	UpsertGuideline(ctx context.Context, g *Guideline) error
}
