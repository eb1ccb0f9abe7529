package business

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Article is one knowledge-base entry with its search relevance.
type Article struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Category  string    `json:"category"`
	Tags      []string  `json:"tags"`
	Relevance float64   `json:"relevance"`
}

// Search pagination bounds.
const (
	defaultSearchLimit = 5
	maxSearchLimit     = 20
)

// KnowledgeService searches the knowledge base with Postgres full-text
// search: plainto_tsquery for parsing, ts_rank for relevance.
type KnowledgeService struct {
	db  DB
	log *slog.Logger
}

// NewKnowledgeService constructs a KnowledgeService. logger may be nil.
func NewKnowledgeService(db DB, logger *slog.Logger) *KnowledgeService {
	if logger == nil {
		logger = slog.Default()
	}
	return &KnowledgeService{db: db, log: logger}
}

// SearchKnowledgeBase returns articles matching the query ordered by
// relevance, optionally filtered by category. limit is clamped to [1, 20];
// zero means the default of 5.
func (s *KnowledgeService) SearchKnowledgeBase(ctx context.Context, query, category string, limit int) ([]Article, error) {
	if len(query) < 3 {
		return nil, fmt.Errorf("business: search query must be at least 3 characters")
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	var rows pgx.Rows
	var err error
	if category != "" {
		rows, err = s.db.Query(ctx, `
			SELECT id, title, content, category, tags,
			       ts_rank(search_vector, plainto_tsquery('english', $1)) AS relevance
			FROM knowledge_base
			WHERE search_vector @@ plainto_tsquery('english', $1)
			  AND category = $2
			ORDER BY relevance DESC
			LIMIT $3`,
			query, category, limit)
	} else {
		rows, err = s.db.Query(ctx, `
			SELECT id, title, content, category, tags,
			       ts_rank(search_vector, plainto_tsquery('english', $1)) AS relevance
			FROM knowledge_base
			WHERE search_vector @@ plainto_tsquery('english', $1)
			ORDER BY relevance DESC
			LIMIT $2`,
			query, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("business: knowledge search: %w", err)
	}
	defer rows.Close()

	var out []Article
	for rows.Next() {
		var a Article
		if err := rows.Scan(&a.ID, &a.Title, &a.Content, &a.Category, &a.Tags, &a.Relevance); err != nil {
			return nil, fmt.Errorf("business: knowledge search scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("business: knowledge search: %w", err)
	}

	s.log.InfoContext(ctx, "knowledge base search",
		"query", query, "category", category, "results", len(out))
	return out, nil
}
