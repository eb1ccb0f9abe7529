package journey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/calldeck/calldeck/internal/cache"
)

// Schema is the SQL DDL for the journeys and journey_contexts tables.
// Execute it via [PostgresStore.Migrate] or apply it manually during
// deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS journeys (
    id                    UUID PRIMARY KEY,
    name                  TEXT NOT NULL UNIQUE,
    description           TEXT NOT NULL DEFAULT '',
    activation_conditions TEXT NOT NULL,
    initial_state         TEXT NOT NULL,
    states                JSONB NOT NULL DEFAULT '{}',
    transitions           JSONB NOT NULL DEFAULT '[]',
    enabled               BOOLEAN NOT NULL DEFAULT true,
    created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS journey_contexts (
    id            UUID PRIMARY KEY,
    session_id    TEXT NOT NULL,
    journey_id    UUID NOT NULL REFERENCES journeys(id),
    current_state TEXT NOT NULL,
    variables     JSONB NOT NULL DEFAULT '{}',
    state_history JSONB NOT NULL DEFAULT '[]',
    activated_at  TIMESTAMPTZ NOT NULL,
    completed_at  TIMESTAMPTZ,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_journey_contexts_session ON journey_contexts(session_id, activated_at DESC);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by PostgreSQL with an L1 definition
// cache. States, transitions, variables and state history are stored as
// JSONB.
type PostgresStore struct {
	db    DB
	cache *cache.Facade
	log   *slog.Logger
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
	return &PostgresStore{db: db, cache: c, log: logger}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("journey: migrate: %w", err)
	}
	return nil
}

const journeyColumns = `id, name, description, activation_conditions,
	       initial_state, states, transitions, enabled, created_at, updated_at`

// defKey is the L1 cache key for a journey definition.
func defKey(id uuid.UUID) string { return "journey:def:" + id.String() }

// nameKey is the L1 cache key for the name→id mapping.
func nameKey(name string) string { return "journey:name:" + name }

// LoadAll implements Store. It reads every enabled journey and writes the
// definition plus the name→id mapping into L1.
func (s *PostgresStore) LoadAll(ctx context.Context) error {
	journeys, err := s.GetAllJourneys(ctx)
	if err != nil {
		return fmt.Errorf("journey: load all: %w", err)
	}
	for _, j := range journeys {
		s.cache.SetJSON(ctx, cache.L1, defKey(j.ID), j)
		s.cache.SetJSON(ctx, cache.L1, nameKey(j.Name), j.ID.String())
	}
	s.log.InfoContext(ctx, "journey definitions loaded", "count", len(journeys))
	return nil
}

// GetJourney implements Store. L1 first, then Postgres with an L1 refill.
func (s *PostgresStore) GetJourney(ctx context.Context, id uuid.UUID) (*Journey, error) {
	var cached Journey
	if s.cache.GetJSON(ctx, cache.L1, defKey(id), &cached) {
		return &cached, nil
	}

	const query = `
		SELECT ` + journeyColumns + `
		FROM journeys
		WHERE id = $1 AND enabled = true`

	j, err := s.scanJourney(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("journey: get %s: %w", id, err)
	}

	s.cache.SetJSON(ctx, cache.L1, defKey(j.ID), j)
	s.cache.SetJSON(ctx, cache.L1, nameKey(j.Name), j.ID.String())
	return j, nil
}

// GetJourneyByName implements Store.
func (s *PostgresStore) GetJourneyByName(ctx context.Context, name string) (*Journey, error) {
	var cachedID string
	if s.cache.GetJSON(ctx, cache.L1, nameKey(name), &cachedID) {
		if id, err := uuid.Parse(cachedID); err == nil {
			return s.GetJourney(ctx, id)
		}
	}

	var id uuid.UUID
	err := s.db.QueryRow(ctx,
		`SELECT id FROM journeys WHERE name = $1 AND enabled = true`, name,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("journey: get by name %q: %w", name, err)
	}
	return s.GetJourney(ctx, id)
}

// GetAllJourneys implements Store.
func (s *PostgresStore) GetAllJourneys(ctx context.Context) ([]*Journey, error) {
	const query = `
		SELECT ` + journeyColumns + `
		FROM journeys
		WHERE enabled = true
		ORDER BY name`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("journey: get all: %w", err)
	}
	defer rows.Close()

	var journeys []*Journey
	for rows.Next() {
		j, err := s.scanJourney(rows)
		if err != nil {
			return nil, fmt.Errorf("journey: get all scan: %w", err)
		}
		journeys = append(journeys, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journey: get all: %w", err)
	}
	return journeys, nil
}

// UpsertJourney implements Store. The conflict key is the unique name, so a
// reseeded definition keeps its id and any contexts that reference it.
func (s *PostgresStore) UpsertJourney(ctx context.Context, j *Journey) error {
	if err := j.Validate(); err != nil {
		return err
	}

	statesJSON, err := json.Marshal(j.States)
	if err != nil {
		return fmt.Errorf("journey: marshal states: %w", err)
	}
	transitionsJSON, err := json.Marshal(emptyTransitions(j.Transitions))
	if err != nil {
		return fmt.Errorf("journey: marshal transitions: %w", err)
	}

	const query = `
		INSERT INTO journeys (
			id, name, description, activation_conditions,
			initial_state, states, transitions, enabled
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			activation_conditions = EXCLUDED.activation_conditions,
			initial_state = EXCLUDED.initial_state,
			states = EXCLUDED.states,
			transitions = EXCLUDED.transitions,
			enabled = EXCLUDED.enabled,
			updated_at = now()
		RETURNING id, created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		j.ID, j.Name, j.Description, j.ActivationConditions,
		j.InitialState, statesJSON, transitionsJSON, j.Enabled,
	).Scan(&j.ID, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("journey: upsert %q: %w", j.Name, err)
	}

	s.cache.SetJSON(ctx, cache.L1, defKey(j.ID), j)
	s.cache.SetJSON(ctx, cache.L1, nameKey(j.Name), j.ID.String())
	return nil
}

// CreateContext implements Store.
func (s *PostgresStore) CreateContext(ctx context.Context, sessionID string, j *Journey, initialVariables map[string]any) (*Context, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("journey: create context: session id must not be empty")
	}

	now := time.Now().UTC()
	c := &Context{
		ID:           uuid.New(),
		SessionID:    sessionID,
		JourneyID:    j.ID,
		JourneyName:  j.Name,
		CurrentState: j.InitialState,
		Variables:    initialVariables,
		ActivatedAt:  now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if c.Variables == nil {
		c.Variables = make(map[string]any)
	}
	c.AddToHistory(HistoryEvent{
		Event:        EventActivated,
		JourneyName:  j.Name,
		InitialState: j.InitialState,
	})

	variablesJSON, historyJSON, err := marshalContextFields(c)
	if err != nil {
		return nil, err
	}

	const query = `
		INSERT INTO journey_contexts
			(id, session_id, journey_id, current_state, variables,
			 state_history, activated_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	if _, err := s.db.Exec(ctx, query,
		c.ID, c.SessionID, c.JourneyID, c.CurrentState, variablesJSON,
		historyJSON, c.ActivatedAt, c.CreatedAt, c.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("journey: create context: %w", err)
	}

	s.log.InfoContext(ctx, "journey context created",
		"context_id", c.ID, "session_id", sessionID, "journey", j.Name)
	return c, nil
}

// UpdateContext implements Store. It bumps updated_at before persisting.
func (s *PostgresStore) UpdateContext(ctx context.Context, c *Context) error {
	c.UpdatedAt = time.Now().UTC()

	variablesJSON, historyJSON, err := marshalContextFields(c)
	if err != nil {
		return err
	}

	const query = `
		UPDATE journey_contexts
		SET current_state = $1,
		    variables = $2,
		    state_history = $3,
		    completed_at = $4,
		    updated_at = $5
		WHERE id = $6`

	tag, err := s.db.Exec(ctx, query,
		c.CurrentState, variablesJSON, historyJSON, c.CompletedAt, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("journey: update context %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("journey: update context %s: not found", c.ID)
	}
	return nil
}

// GetActiveContext implements Store.
func (s *PostgresStore) GetActiveContext(ctx context.Context, sessionID string) (*Context, error) {
	const query = `
		SELECT id, session_id, journey_id, current_state, variables,
		       state_history, activated_at, completed_at, created_at, updated_at
		FROM journey_contexts
		WHERE session_id = $1 AND completed_at IS NULL
		ORDER BY activated_at DESC
		LIMIT 1`

	var c Context
	var variablesJSON, historyJSON []byte
	err := s.db.QueryRow(ctx, query, sessionID).Scan(
		&c.ID, &c.SessionID, &c.JourneyID, &c.CurrentState, &variablesJSON,
		&historyJSON, &c.ActivatedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("journey: get active context for %q: %w", sessionID, err)
	}

	if err := json.Unmarshal(variablesJSON, &c.Variables); err != nil {
		return nil, fmt.Errorf("journey: unmarshal variables: %w", err)
	}
	if err := json.Unmarshal(historyJSON, &c.StateHistory); err != nil {
		return nil, fmt.Errorf("journey: unmarshal state_history: %w", err)
	}

	// Hydrate the cached journey name for logging and guidance.
	c.JourneyName = "unknown"
	if j, err := s.GetJourney(ctx, c.JourneyID); err == nil && j != nil {
		c.JourneyName = j.Name
	}
	return &c, nil
}

// scanJourney reads one journeys row. The JSONB columns are decoded into the
// typed fields.
func (s *PostgresStore) scanJourney(row pgx.Row) (*Journey, error) {
	var j Journey
	var statesJSON, transitionsJSON []byte
	if err := row.Scan(
		&j.ID, &j.Name, &j.Description, &j.ActivationConditions,
		&j.InitialState, &statesJSON, &transitionsJSON, &j.Enabled,
		&j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(statesJSON, &j.States); err != nil {
		return nil, fmt.Errorf("journey: unmarshal states: %w", err)
	}
	if err := json.Unmarshal(transitionsJSON, &j.Transitions); err != nil {
		return nil, fmt.Errorf("journey: unmarshal transitions: %w", err)
	}
	return &j, nil
}

// marshalContextFields serialises the JSONB columns of a context.
func marshalContextFields(c *Context) (variables, history []byte, err error) {
	variables, err = json.Marshal(emptyVariables(c.Variables))
	if err != nil {
		return nil, nil, fmt.Errorf("journey: marshal variables: %w", err)
	}
	history, err = json.Marshal(emptyHistory(c.StateHistory))
	if err != nil {
		return nil, nil, fmt.Errorf("journey: marshal state_history: %w", err)
	}
	return variables, history, nil
}

// emptyTransitions returns s if non-nil, otherwise an empty non-nil slice.
// This ensures JSON marshalling produces "[]" instead of "null".
func emptyTransitions(s []Transition) []Transition {
	if s == nil {
		return []Transition{}
	}
	return s
}

func emptyVariables(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func emptyHistory(s []HistoryEvent) []HistoryEvent {
	if s == nil {
		return []HistoryEvent{}
	}
	return s
}
