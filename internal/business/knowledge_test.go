package business

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func newKnowledgeService(db DB) *KnowledgeService {
	return NewKnowledgeService(db, slog.New(slog.DiscardHandler))
}

// scanArticleRow returns a scanFunc that populates one search result row.
func scanArticleRow(a Article) func(dest ...any) error {
	return func(dest ...any) error {
		values := []any{a.ID, a.Title, a.Content, a.Category, a.Tags, a.Relevance}
		if len(dest) != len(values) {
			return fmt.Errorf("scan: expected %d destinations, got %d", len(values), len(dest))
		}
		for i, v := range values {
			switch d := dest[i].(type) {
			case *uuid.UUID:
				*d = v.(uuid.UUID)
			case *string:
				*d = v.(string)
			case *[]string:
				*d = v.([]string)
			case *float64:
				*d = v.(float64)
			default:
				return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
			}
		}
		return nil
	}
}

func TestSearchKnowledgeBase(t *testing.T) {
	t.Parallel()

	article := Article{
		ID:        uuid.New(),
		Title:     "Dental coverage limits",
		Content:   "Standard health policies cover two cleanings per year.",
		Category:  "health",
		Tags:      []string{"dental", "coverage"},
		Relevance: 0.61,
	}
	var gotSQL string
	var gotArgs []any
	db := &mockDB{
		queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			gotSQL, gotArgs = sql, args
			return &mockRows{scans: []func(dest ...any) error{scanArticleRow(article)}}, nil
		},
	}

	got, err := newKnowledgeService(db).SearchKnowledgeBase(context.Background(), "dental coverage", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Relevance != 0.61 {
		t.Fatalf("SearchKnowledgeBase = %+v", got)
	}
	for _, clause := range []string{"plainto_tsquery('english', $1)", "ts_rank", "ORDER BY relevance DESC"} {
		if !strings.Contains(gotSQL, clause) {
			t.Errorf("query missing %q:\n%s", clause, gotSQL)
		}
	}
	if strings.Contains(gotSQL, "category") {
		t.Errorf("category filter present without a category:\n%s", gotSQL)
	}
	if len(gotArgs) != 2 || gotArgs[1] != defaultSearchLimit {
		t.Errorf("query args = %v, want default limit %d", gotArgs, defaultSearchLimit)
	}
}

func TestSearchKnowledgeBaseCategoryFilter(t *testing.T) {
	t.Parallel()

	var gotSQL string
	var gotArgs []any
	db := &mockDB{
		queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			gotSQL, gotArgs = sql, args
			return &mockRows{}, nil
		},
	}

	if _, err := newKnowledgeService(db).SearchKnowledgeBase(context.Background(), "windshield repair", "auto", 100); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(gotSQL, "category = $2") {
		t.Errorf("category filter missing:\n%s", gotSQL)
	}
	if len(gotArgs) != 3 || gotArgs[1] != "auto" || gotArgs[2] != maxSearchLimit {
		t.Errorf("query args = %v, want category auto and clamped limit %d", gotArgs, maxSearchLimit)
	}
}

func TestSearchKnowledgeBaseRejectsShortQuery(t *testing.T) {
	t.Parallel()

	dbHit := false
	db := &mockDB{
		queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			dbHit = true
			return &mockRows{}, nil
		},
	}

	if _, err := newKnowledgeService(db).SearchKnowledgeBase(context.Background(), "ab", "", 5); err == nil {
		t.Fatal("two-character query accepted")
	}
	if dbHit {
		t.Error("short query reached the database")
	}
}
