package journey

import (
	"context"

	"github.com/google/uuid"
)

// Store persists journey definitions and per-session contexts.
//
// Definition reads are cache-through: a warm process answers GetJourney from
// the L1 cache without touching Postgres. Context writes are synchronous to
// Postgres; caches are updated only after the durable write succeeds.
// Lookups return (nil, nil) when the row does not exist.
type Store interface {
	// LoadAll preloads every enabled journey definition into the L1 cache.
	// Called once at startup.
	LoadAll(ctx context.Context) error

	// GetJourney returns an enabled journey by id.
	GetJourney(ctx context.Context, id uuid.UUID) (*Journey, error)

	// GetJourneyByName returns an enabled journey by its unique name.
	GetJourneyByName(ctx context.Context, name string) (*Journey, error)

	// GetAllJourneys returns every enabled journey, ordered by name.
	GetAllJourneys(ctx context.Context) ([]*Journey, error)

	// UpsertJourney inserts or replaces a definition, keyed by name.
	// Used by the seed path.
	UpsertJourney(ctx context.Context, j *Journey) error

	// CreateContext binds a journey to a session at its initial state and
	// records the activation event.
	CreateContext(ctx context.Context, sessionID string, j *Journey, initialVariables map[string]any) (*Context, error)

	// UpdateContext persists the context's mutable fields.
	UpdateContext(ctx context.Context, c *Context) error

	// GetActiveContext returns the most recently activated, not-yet-completed
	// context for the session, or nil.
	GetActiveContext(ctx context.Context, sessionID string) (*Context, error)
}
