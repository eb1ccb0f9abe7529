package business

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Customer is a policyholder record.
type Customer struct {
	CustomerID      uuid.UUID  `json:"customer_id"`
	Name            string     `json:"name"`
	Email           string     `json:"email"`
	Phone           string     `json:"phone"`
	Address         string     `json:"address"`
	PolicyNumber    string     `json:"policy_number"`
	PolicyType      string     `json:"policy_type"`
	PolicyStatus    string     `json:"policy_status"`
	PolicyStartDate *time.Time `json:"policy_start_date"`
	PolicyEndDate   *time.Time `json:"policy_end_date"`
	CreatedAt       time.Time  `json:"created_at"`
}

// CustomerService manages customer lookups and identity verification.
type CustomerService struct {
	db  DB
	log *slog.Logger
}

// NewCustomerService constructs a CustomerService. logger may be nil.
func NewCustomerService(db DB, logger *slog.Logger) *CustomerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CustomerService{db: db, log: logger}
}

const customerColumns = `id, name, email, phone, address, policy_number,
	       policy_type, policy_status, policy_start_date, policy_end_date, created_at`

// GetCustomerInfo looks a customer up by id or by phone. Exactly one of the
// two must be provided; id wins when both are. Returns (nil, nil) when no
// customer matches.
func (s *CustomerService) GetCustomerInfo(ctx context.Context, customerID *uuid.UUID, phone string) (*Customer, error) {
	if customerID == nil && phone == "" {
		return nil, fmt.Errorf("business: either customer_id or phone must be provided")
	}

	var row pgx.Row
	if customerID != nil {
		row = s.db.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, *customerID)
	} else {
		row = s.db.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers WHERE phone = $1`, phone)
	}

	var c Customer
	err := row.Scan(
		&c.CustomerID, &c.Name, &c.Email, &c.Phone, &c.Address,
		&c.PolicyNumber, &c.PolicyType, &c.PolicyStatus,
		&c.PolicyStartDate, &c.PolicyEndDate, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("business: get customer: %w", err)
	}
	return &c, nil
}

// GetCustomerByPhone looks a customer up by phone number.
func (s *CustomerService) GetCustomerByPhone(ctx context.Context, phone string) (*Customer, error) {
	return s.GetCustomerInfo(ctx, nil, phone)
}

// VerifyCustomerIdentity reports whether the phone and policy number belong
// to the same customer. Callers reach this through the tool executor, which
// rate-limits attempts per phone number.
func (s *CustomerService) VerifyCustomerIdentity(ctx context.Context, phone, policyNumber string) (bool, error) {
	var id uuid.UUID
	err := s.db.QueryRow(ctx,
		`SELECT id FROM customers WHERE phone = $1 AND policy_number = $2`,
		phone, policyNumber,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.log.InfoContext(ctx, "customer identity verification", "phone", phone, "verified", false)
			return false, nil
		}
		return false, fmt.Errorf("business: verify identity: %w", err)
	}

	s.log.InfoContext(ctx, "customer identity verification", "phone", phone, "verified", true)
	return true, nil
}
