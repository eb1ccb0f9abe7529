package journey

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/calldeck/calldeck/internal/cache"
	cachemock "github.com/calldeck/calldeck/internal/cache/mock"
)

// ---------------------------------------------------------------------------
// Test helpers — mock DB types
// ---------------------------------------------------------------------------

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	scans  []func(dest ...any) error
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.scans) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	return r.scans[r.idx-1](dest...)
}

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

// scanJourneyRow returns a scanFunc that populates a full journeys row from
// the given definition.
func scanJourneyRow(j *Journey) func(dest ...any) error {
	return func(dest ...any) error {
		statesJSON, _ := json.Marshal(j.States)
		transitionsJSON, _ := json.Marshal(j.Transitions)
		values := []any{j.ID, j.Name, j.Description, j.ActivationConditions,
			j.InitialState, statesJSON, transitionsJSON, j.Enabled, j.CreatedAt, j.UpdatedAt}
		if len(dest) != len(values) {
			return fmt.Errorf("scan: expected %d destinations, got %d", len(values), len(dest))
		}
		for i, v := range values {
			switch d := dest[i].(type) {
			case *uuid.UUID:
				*d = v.(uuid.UUID)
			case *string:
				*d = v.(string)
			case *[]byte:
				*d = v.([]byte)
			case *bool:
				*d = v.(bool)
			case *time.Time:
				*d = v.(time.Time)
			default:
				return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
			}
		}
		return nil
	}
}

func newTestStore(db DB) (*PostgresStore, *cachemock.KV) {
	kv := &cachemock.KV{}
	facade := cache.New(kv, slog.New(slog.DiscardHandler))
	return NewPostgresStore(db, facade, slog.New(slog.DiscardHandler)), kv
}

// ---------------------------------------------------------------------------
// Definition reads
// ---------------------------------------------------------------------------

func TestPostgresStoreGetJourneyCacheHit(t *testing.T) {
	t.Parallel()

	j := validJourney()
	dbHit := false
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			dbHit = true
			return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
		},
	}
	store, kv := newTestStore(db)
	facade := cache.New(kv, slog.New(slog.DiscardHandler))
	facade.SetJSON(context.Background(), cache.L1, "journey:def:"+j.ID.String(), j)

	got, err := store.GetJourney(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Name != j.Name {
		t.Fatalf("GetJourney = %+v, want cached %q", got, j.Name)
	}
	if dbHit {
		t.Error("cache hit still queried the database")
	}
}

func TestPostgresStoreGetJourneyMissRefillsCache(t *testing.T) {
	t.Parallel()

	j := validJourney()
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return &mockRow{scanFunc: scanJourneyRow(j)}
		},
	}
	store, kv := newTestStore(db)

	got, err := store.GetJourney(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.InitialState != "verify_identity" {
		t.Fatalf("GetJourney = %+v", got)
	}

	found := false
	for _, k := range kv.Keys() {
		if k == "l1:journey:def:"+j.ID.String() {
			found = true
		}
	}
	if !found {
		t.Errorf("L1 not refilled after miss; keys = %v", kv.Keys())
	}
}

func TestPostgresStoreGetJourneyNotFound(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(&mockDB{})
	got, err := store.GetJourney(context.Background(), uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("GetJourney for unknown id = %+v, want nil", got)
	}
}

func TestPostgresStoreGetAllJourneys(t *testing.T) {
	t.Parallel()

	j1, j2 := validJourney(), validJourney()
	j2.Name = "submit_claim"
	db := &mockDB{
		queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			return &mockRows{scans: []func(dest ...any) error{
				scanJourneyRow(j1), scanJourneyRow(j2),
			}}, nil
		},
	}
	store, _ := newTestStore(db)

	got, err := store.GetAllJourneys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Name != "claim_inquiry" || got[1].Name != "submit_claim" {
		t.Errorf("GetAllJourneys = %+v", got)
	}
}

func TestPostgresStoreUpsertJourneyRejectsInvalid(t *testing.T) {
	t.Parallel()

	dbHit := false
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			dbHit = true
			return &mockRow{scanFunc: func(dest ...any) error { return nil }}
		},
	}
	store, _ := newTestStore(db)

	j := validJourney()
	j.InitialState = "nowhere"
	if err := store.UpsertJourney(context.Background(), j); err == nil {
		t.Fatal("UpsertJourney accepted an invalid definition")
	}
	if dbHit {
		t.Error("invalid definition reached the database")
	}
}

// ---------------------------------------------------------------------------
// Context lifecycle
// ---------------------------------------------------------------------------

func TestPostgresStoreCreateContext(t *testing.T) {
	t.Parallel()

	j := validJourney()
	var gotArgs []any
	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			if strings.Contains(sql, "INSERT INTO journey_contexts") {
				gotArgs = args
			}
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	store, _ := newTestStore(db)

	c, err := store.CreateContext(context.Background(), "sess-1", j, map[string]any{"phone": "+1-555-0101"})
	if err != nil {
		t.Fatal(err)
	}
	if c.CurrentState != j.InitialState {
		t.Errorf("CurrentState = %q, want %q", c.CurrentState, j.InitialState)
	}
	if c.JourneyName != j.Name || c.SessionID != "sess-1" {
		t.Errorf("context identity wrong: %+v", c)
	}
	if len(c.StateHistory) != 1 || c.StateHistory[0].Event != EventActivated {
		t.Errorf("StateHistory = %+v, want one journey_activated event", c.StateHistory)
	}
	if gotArgs == nil {
		t.Fatal("no INSERT issued")
	}

	historyJSON, ok := gotArgs[5].([]byte)
	if !ok {
		t.Fatalf("state_history arg type = %T", gotArgs[5])
	}
	var events []HistoryEvent
	if err := json.Unmarshal(historyJSON, &events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].JourneyName != j.Name || events[0].InitialState != j.InitialState {
		t.Errorf("persisted history = %+v", events)
	}
}

func TestPostgresStoreCreateContextEmptySession(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(&mockDB{})
	if _, err := store.CreateContext(context.Background(), "", validJourney(), nil); err == nil {
		t.Fatal("CreateContext accepted an empty session id")
	}
}

func TestPostgresStoreUpdateContextBumpsUpdatedAt(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}
	store, _ := newTestStore(db)

	c := &Context{ID: uuid.New(), SessionID: "sess-1", CurrentState: "verify_identity"}
	before := c.UpdatedAt
	if err := store.UpdateContext(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	if !c.UpdatedAt.After(before) {
		t.Error("UpdateContext did not bump UpdatedAt")
	}
}

func TestPostgresStoreUpdateContextNotFound(t *testing.T) {
	t.Parallel()

	db := &mockDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}
	store, _ := newTestStore(db)

	c := &Context{ID: uuid.New(), SessionID: "sess-1", CurrentState: "verify_identity"}
	err := store.UpdateContext(context.Background(), c)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("UpdateContext = %v, want not-found error", err)
	}
}

func TestPostgresStoreGetActiveContextNone(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(&mockDB{})
	c, err := store.GetActiveContext(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Errorf("GetActiveContext = %+v, want nil", c)
	}
}

func TestPostgresStoreGetActiveContext(t *testing.T) {
	t.Parallel()

	j := validJourney()
	ctxID := uuid.New()
	now := time.Now().UTC()

	db := &mockDB{
		queryRowFunc: func(qctx context.Context, sql string, args ...any) pgx.Row {
			if !strings.Contains(sql, "journey_contexts") {
				return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
			}
			return &mockRow{scanFunc: func(dest ...any) error {
				*(dest[0].(*uuid.UUID)) = ctxID
				*(dest[1].(*string)) = "sess-1"
				*(dest[2].(*uuid.UUID)) = j.ID
				*(dest[3].(*string)) = "verify_identity"
				*(dest[4].(*[]byte)) = []byte(`{"identity_verified":true}`)
				*(dest[5].(*[]byte)) = []byte(`[]`)
				*(dest[6].(*time.Time)) = now
				*(dest[7].(**time.Time)) = nil
				*(dest[8].(*time.Time)) = now
				*(dest[9].(*time.Time)) = now
				return nil
			}}
		},
	}
	store, kv := newTestStore(db)
	// Seed the definition cache so the journey name hydrates without a
	// second journeys query.
	facade := cache.New(kv, slog.New(slog.DiscardHandler))
	facade.SetJSON(context.Background(), cache.L1, "journey:def:"+j.ID.String(), j)

	c, err := store.GetActiveContext(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatal("GetActiveContext = nil, want context")
	}
	if c.ID != ctxID || c.JourneyName != j.Name || !c.IsActive() {
		t.Errorf("context = %+v", c)
	}
	if c.GetVariable("identity_verified") != true {
		t.Errorf("variables not decoded: %+v", c.Variables)
	}
}
