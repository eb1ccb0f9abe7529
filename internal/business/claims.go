package business

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Claim types and statuses accepted by the claims tables.
var (
	validClaimTypes    = []string{"auto", "health", "property"}
	validClaimStatuses = []string{"submitted", "reviewing", "approved", "denied"}
)

// Document is a reference to a file attached to a claim.
type Document struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type"`
}

// HistoryEntry records one status change on a claim.
type HistoryEntry struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note"`
	By        string    `json:"by"`
}

// Claim is a full insurance claim record.
type Claim struct {
	ClaimID     uuid.UUID      `json:"claim_id"`
	CustomerID  uuid.UUID      `json:"customer_id"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	Amount      float64        `json:"amount"`
	Description string         `json:"description"`
	Documents   []Document     `json:"documents"`
	History     []HistoryEntry `json:"history"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ClaimSummary is the pagination-friendly subset returned by listings.
type ClaimSummary struct {
	ClaimID     uuid.UUID `json:"claim_id"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Amount      float64   `json:"amount"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// List pagination bounds.
const (
	defaultClaimLimit = 10
	maxClaimLimit     = 50
)

// ClaimsService manages insurance claims.
type ClaimsService struct {
	db  DB
	log *slog.Logger
}

// NewClaimsService constructs a ClaimsService. logger may be nil.
func NewClaimsService(db DB, logger *slog.Logger) *ClaimsService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaimsService{db: db, log: logger}
}

// GetClaimStatus returns one claim, or (nil, nil) when no claim has that id.
func (s *ClaimsService) GetClaimStatus(ctx context.Context, claimID uuid.UUID) (*Claim, error) {
	const query = `
		SELECT id, customer_id, type, status, amount, description,
		       documents, history, created_at, updated_at
		FROM claims
		WHERE id = $1`

	var c Claim
	var documentsJSON, historyJSON []byte
	err := s.db.QueryRow(ctx, query, claimID).Scan(
		&c.ClaimID, &c.CustomerID, &c.Type, &c.Status, &c.Amount,
		&c.Description, &documentsJSON, &historyJSON, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("business: get claim %s: %w", claimID, err)
	}
	if err := json.Unmarshal(documentsJSON, &c.Documents); err != nil {
		return nil, fmt.Errorf("business: unmarshal documents: %w", err)
	}
	if err := json.Unmarshal(historyJSON, &c.History); err != nil {
		return nil, fmt.Errorf("business: unmarshal history: %w", err)
	}
	return &c, nil
}

// ListCustomerClaims returns the customer's claims, newest first. limit is
// clamped to [1, 50]; zero means the default of 10.
func (s *ClaimsService) ListCustomerClaims(ctx context.Context, customerID uuid.UUID, limit, offset int) ([]ClaimSummary, error) {
	if limit <= 0 {
		limit = defaultClaimLimit
	}
	if limit > maxClaimLimit {
		limit = maxClaimLimit
	}
	if offset < 0 {
		offset = 0
	}

	const query = `
		SELECT id, type, status, amount, description, created_at, updated_at
		FROM claims
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.db.Query(ctx, query, customerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("business: list claims for %s: %w", customerID, err)
	}
	defer rows.Close()

	var out []ClaimSummary
	for rows.Next() {
		var c ClaimSummary
		if err := rows.Scan(&c.ClaimID, &c.Type, &c.Status, &c.Amount,
			&c.Description, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("business: list claims scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("business: list claims: %w", err)
	}
	return out, nil
}

// SubmitClaim creates a new claim in status "submitted" with an initial
// history entry.
func (s *ClaimsService) SubmitClaim(ctx context.Context, customerID uuid.UUID, claimType string, amount float64, description string, documents []Document) (*Claim, error) {
	if !contains(validClaimTypes, claimType) {
		return nil, fmt.Errorf("business: invalid claim type %q, must be one of %v", claimType, validClaimTypes)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("business: claim amount must be positive, got %v", amount)
	}

	now := time.Now().UTC()
	c := &Claim{
		ClaimID:     uuid.New(),
		CustomerID:  customerID,
		Type:        claimType,
		Status:      "submitted",
		Amount:      amount,
		Description: description,
		Documents:   documents,
		History: []HistoryEntry{{
			Status:    "submitted",
			Timestamp: now,
			Note:      "Claim submitted via AI call center",
			By:        "ai_agent",
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if c.Documents == nil {
		c.Documents = []Document{}
	}

	documentsJSON, err := json.Marshal(c.Documents)
	if err != nil {
		return nil, fmt.Errorf("business: marshal documents: %w", err)
	}
	historyJSON, err := json.Marshal(c.History)
	if err != nil {
		return nil, fmt.Errorf("business: marshal history: %w", err)
	}

	const query = `
		INSERT INTO claims
			(id, customer_id, type, status, amount, description,
			 documents, history, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	if _, err := s.db.Exec(ctx, query,
		c.ClaimID, c.CustomerID, c.Type, c.Status, c.Amount, c.Description,
		documentsJSON, historyJSON, c.CreatedAt, c.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("business: submit claim: %w", err)
	}

	s.log.InfoContext(ctx, "claim submitted",
		"claim_id", c.ClaimID, "customer_id", customerID,
		"type", claimType, "amount", amount)
	return c, nil
}

// UpdateClaimStatus changes a claim's status and appends a history entry. It
// reports whether the claim existed.
func (s *ClaimsService) UpdateClaimStatus(ctx context.Context, claimID uuid.UUID, newStatus, note string) (bool, error) {
	if !contains(validClaimStatuses, newStatus) {
		return false, fmt.Errorf("business: invalid status %q, must be one of %v", newStatus, validClaimStatuses)
	}

	var historyJSON []byte
	err := s.db.QueryRow(ctx, `SELECT history FROM claims WHERE id = $1`, claimID).Scan(&historyJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("business: update claim %s: %w", claimID, err)
	}

	var history []HistoryEntry
	if err := json.Unmarshal(historyJSON, &history); err != nil {
		return false, fmt.Errorf("business: unmarshal history: %w", err)
	}
	if note == "" {
		note = "Status updated to " + newStatus
	}
	history = append(history, HistoryEntry{
		Status:    newStatus,
		Timestamp: time.Now().UTC(),
		Note:      note,
		By:        "system",
	})

	updatedJSON, err := json.Marshal(history)
	if err != nil {
		return false, fmt.Errorf("business: marshal history: %w", err)
	}
	if _, err := s.db.Exec(ctx, `
		UPDATE claims
		SET status = $1, history = $2, updated_at = now()
		WHERE id = $3`,
		newStatus, updatedJSON, claimID,
	); err != nil {
		return false, fmt.Errorf("business: update claim %s: %w", claimID, err)
	}

	s.log.InfoContext(ctx, "claim status updated", "claim_id", claimID, "status", newStatus)
	return true, nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
