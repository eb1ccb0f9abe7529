package guideline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/calldeck/calldeck/internal/cache"
)

// Schema is the SQL DDL for the guidelines table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS guidelines (
    id          UUID PRIMARY KEY,
    scope       TEXT NOT NULL CHECK (scope IN ('GLOBAL', 'JOURNEY', 'STATE')),
    journey_id  UUID REFERENCES journeys(id),
    state_name  TEXT NOT NULL DEFAULT '',
    name        TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    condition   TEXT NOT NULL,
    action      TEXT NOT NULL,
    keywords    TEXT[] NOT NULL DEFAULT '{}',
    tools       TEXT[] NOT NULL DEFAULT '{}',
    priority    INTEGER NOT NULL DEFAULT 0,
    enabled     BOOLEAN NOT NULL DEFAULT true,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_guidelines_scope ON guidelines(scope, journey_id, state_name);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by PostgreSQL with an L1 definition cache
// and an in-memory keyword inverted index. The index maps each lowercased
// keyword to the set of guideline ids declaring it; it is rebuilt by LoadAll
// and amended by UpsertGuideline, so steady-state retrieval never touches the
// database for stage-1 candidate selection.
type PostgresStore struct {
	db    DB
	cache *cache.Facade
	log   *slog.Logger

	mu    sync.RWMutex
	index map[string]map[uuid.UUID]struct{}
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] over the given database
// connection or pool and cache facade. logger may be nil. The caller is
// responsible for calling [PostgresStore.Migrate] to ensure the schema
// exists before issuing queries.
func NewPostgresStore(db DB, c *cache.Facade, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:    db,
		cache: c,
		log:   logger,
		index: make(map[string]map[uuid.UUID]struct{}),
	}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("guideline: migrate: %w", err)
	}
	return nil
}

const guidelineColumns = `id, scope, journey_id, state_name, name, description,
	       condition, action, keywords, tools, priority, enabled, created_at, updated_at`

// defKey is the L1 cache key for a guideline definition.
func defKey(id uuid.UUID) string { return "guideline:def:" + id.String() }

// LoadAll implements Store. It reads every enabled guideline, warms L1, and
// rebuilds the keyword index from scratch.
func (s *PostgresStore) LoadAll(ctx context.Context) error {
	guidelines, err := s.GetAllGuidelines(ctx)
	if err != nil {
		return fmt.Errorf("guideline: load all: %w", err)
	}

	index := make(map[string]map[uuid.UUID]struct{})
	for _, g := range guidelines {
		s.cache.SetJSON(ctx, cache.L1, defKey(g.ID), g)
		indexKeywords(index, g)
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()

	s.log.InfoContext(ctx, "guideline definitions loaded",
		"count", len(guidelines), "keywords", len(index))
	return nil
}

// GetGuideline implements Store. L1 first, then Postgres with an L1 refill.
func (s *PostgresStore) GetGuideline(ctx context.Context, id uuid.UUID) (*Guideline, error) {
	var cached Guideline
	if s.cache.GetJSON(ctx, cache.L1, defKey(id), &cached) {
		return &cached, nil
	}

	const query = `
		SELECT ` + guidelineColumns + `
		FROM guidelines
		WHERE id = $1 AND enabled = true`

	g, err := scanGuideline(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("guideline: get %s: %w", id, err)
	}

	s.cache.SetJSON(ctx, cache.L1, defKey(g.ID), g)
	return g, nil
}

// GetAllGuidelines implements Store.
func (s *PostgresStore) GetAllGuidelines(ctx context.Context) ([]*Guideline, error) {
	const query = `
		SELECT ` + guidelineColumns + `
		FROM guidelines
		WHERE enabled = true
		ORDER BY name`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("guideline: get all: %w", err)
	}
	defer rows.Close()
	return collectGuidelines(rows, "get all")
}

// GuidelinesByScope implements Store. The OR clause folds the three scopes
// into one query; when no journey is active only GLOBAL rows can match.
func (s *PostgresStore) GuidelinesByScope(ctx context.Context, journeyID *uuid.UUID, stateName string) ([]*Guideline, error) {
	if journeyID == nil {
		const query = `
			SELECT ` + guidelineColumns + `
			FROM guidelines
			WHERE enabled = true AND scope = 'GLOBAL'
			ORDER BY priority DESC, name`

		rows, err := s.db.Query(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("guideline: by scope: %w", err)
		}
		defer rows.Close()
		return collectGuidelines(rows, "by scope")
	}

	const query = `
		SELECT ` + guidelineColumns + `
		FROM guidelines
		WHERE enabled = true AND (
			scope = 'GLOBAL'
			OR (scope = 'JOURNEY' AND journey_id = $1)
			OR (scope = 'STATE' AND journey_id = $1 AND state_name = $2)
		)
		ORDER BY priority DESC, name`

	rows, err := s.db.Query(ctx, query, *journeyID, stateName)
	if err != nil {
		return nil, fmt.Errorf("guideline: by scope: %w", err)
	}
	defer rows.Close()
	return collectGuidelines(rows, "by scope")
}

// GuidelinesByIDs implements Store. Cached definitions are served from L1;
// the remainder is fetched in one query.
func (s *PostgresStore) GuidelinesByIDs(ctx context.Context, ids []uuid.UUID) ([]*Guideline, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var out []*Guideline
	var missing []uuid.UUID
	for _, id := range ids {
		var cached Guideline
		if s.cache.GetJSON(ctx, cache.L1, defKey(id), &cached) {
			out = append(out, &cached)
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	const query = `
		SELECT ` + guidelineColumns + `
		FROM guidelines
		WHERE id = ANY($1) AND enabled = true`

	rows, err := s.db.Query(ctx, query, missing)
	if err != nil {
		return nil, fmt.Errorf("guideline: by ids: %w", err)
	}
	defer rows.Close()

	fetched, err := collectGuidelines(rows, "by ids")
	if err != nil {
		return nil, err
	}
	for _, g := range fetched {
		s.cache.SetJSON(ctx, cache.L1, defKey(g.ID), g)
	}
	return append(out, fetched...), nil
}

// CandidatesByKeywords implements Store. Keywords are expected lowercased.
func (s *PostgresStore) CandidatesByKeywords(keywords []string) map[uuid.UUID]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make(map[uuid.UUID]struct{})
	for _, kw := range keywords {
		for id := range s.index[kw] {
			candidates[id] = struct{}{}
		}
	}
	return candidates
}

// UpsertGuideline implements Store. The conflict key is the id so seed files
// can update rows in place.
func (s *PostgresStore) UpsertGuideline(ctx context.Context, g *Guideline) error {
	if err := g.Validate(); err != nil {
		return err
	}

	const query = `
		INSERT INTO guidelines (
			id, scope, journey_id, state_name, name, description,
			condition, action, keywords, tools, priority, enabled
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			scope = EXCLUDED.scope,
			journey_id = EXCLUDED.journey_id,
			state_name = EXCLUDED.state_name,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			condition = EXCLUDED.condition,
			action = EXCLUDED.action,
			keywords = EXCLUDED.keywords,
			tools = EXCLUDED.tools,
			priority = EXCLUDED.priority,
			enabled = EXCLUDED.enabled,
			updated_at = now()
		RETURNING created_at, updated_at`

	err := s.db.QueryRow(ctx, query,
		g.ID, g.Scope, g.JourneyID, g.StateName, g.Name, g.Description,
		g.Condition, g.Action, emptyStrings(g.Keywords), emptyStrings(g.Tools),
		g.Priority, g.Enabled,
	).Scan(&g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("guideline: upsert %q: %w", g.Name, err)
	}

	s.cache.SetJSON(ctx, cache.L1, defKey(g.ID), g)

	s.mu.Lock()
	for _, ids := range s.index {
		delete(ids, g.ID)
	}
	if g.Enabled {
		indexKeywords(s.index, g)
	}
	s.mu.Unlock()
	return nil
}

// indexKeywords adds g's keywords to the inverted index.
func indexKeywords(index map[string]map[uuid.UUID]struct{}, g *Guideline) {
	for _, kw := range g.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		ids, ok := index[kw]
		if !ok {
			ids = make(map[uuid.UUID]struct{})
			index[kw] = ids
		}
		ids[g.ID] = struct{}{}
	}
}

// scanGuideline reads one guidelines row.
func scanGuideline(row pgx.Row) (*Guideline, error) {
	var g Guideline
	if err := row.Scan(
		&g.ID, &g.Scope, &g.JourneyID, &g.StateName, &g.Name, &g.Description,
		&g.Condition, &g.Action, &g.Keywords, &g.Tools, &g.Priority, &g.Enabled,
		&g.CreatedAt, &g.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &g, nil
}

func collectGuidelines(rows pgx.Rows, op string) ([]*Guideline, error) {
	var out []*Guideline
	for rows.Next() {
		g, err := scanGuideline(rows)
		if err != nil {
			return nil, fmt.Errorf("guideline: %s scan: %w", op, err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("guideline: %s: %w", op, err)
	}
	return out, nil
}

// emptyStrings returns s if non-nil, otherwise an empty non-nil slice so the
// TEXT[] column receives '{}' instead of NULL.
func emptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
