package business

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func newCustomerService(db DB) *CustomerService {
	return NewCustomerService(db, slog.New(slog.DiscardHandler))
}

func testCustomer() *Customer {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)
	return &Customer{
		CustomerID:      uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7"),
		Name:            "Maria Santos",
		Email:           "maria@example.com",
		Phone:           "+15551234567",
		Address:         "12 Main St",
		PolicyNumber:    "POL-2025-0042",
		PolicyType:      "auto",
		PolicyStatus:    "active",
		PolicyStartDate: &start,
		PolicyEndDate:   &end,
		CreatedAt:       start,
	}
}

// scanCustomerRow returns a scanFunc that populates a full customers row.
func scanCustomerRow(c *Customer) func(dest ...any) error {
	return func(dest ...any) error {
		values := []any{c.CustomerID, c.Name, c.Email, c.Phone, c.Address,
			c.PolicyNumber, c.PolicyType, c.PolicyStatus,
			c.PolicyStartDate, c.PolicyEndDate, c.CreatedAt}
		if len(dest) != len(values) {
			return fmt.Errorf("scan: expected %d destinations, got %d", len(values), len(dest))
		}
		for i, v := range values {
			switch d := dest[i].(type) {
			case *uuid.UUID:
				*d = v.(uuid.UUID)
			case *string:
				*d = v.(string)
			case **time.Time:
				*d = v.(*time.Time)
			case *time.Time:
				*d = v.(time.Time)
			default:
				return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
			}
		}
		return nil
	}
}

func TestGetCustomerInfoByID(t *testing.T) {
	t.Parallel()

	want := testCustomer()
	var gotSQL string
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			gotSQL = sql
			if args[0] != want.CustomerID {
				t.Errorf("query arg = %v, want %v", args[0], want.CustomerID)
			}
			return &mockRow{scanFunc: scanCustomerRow(want)}
		},
	}

	got, err := newCustomerService(db).GetCustomerInfo(context.Background(), &want.CustomerID, "")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.PolicyNumber != "POL-2025-0042" {
		t.Fatalf("GetCustomerInfo = %+v", got)
	}
	if !strings.Contains(gotSQL, "WHERE id = $1") {
		t.Errorf("lookup not by id:\n%s", gotSQL)
	}
}

func TestGetCustomerInfoIDWinsOverPhone(t *testing.T) {
	t.Parallel()

	want := testCustomer()
	var gotSQL string
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			gotSQL = sql
			return &mockRow{scanFunc: scanCustomerRow(want)}
		},
	}

	if _, err := newCustomerService(db).GetCustomerInfo(context.Background(), &want.CustomerID, "+15550000000"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(gotSQL, "WHERE id = $1") {
		t.Errorf("id did not take precedence over phone:\n%s", gotSQL)
	}
}

func TestGetCustomerInfoByPhone(t *testing.T) {
	t.Parallel()

	want := testCustomer()
	var gotSQL string
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			gotSQL = sql
			if args[0] != want.Phone {
				t.Errorf("query arg = %v, want %v", args[0], want.Phone)
			}
			return &mockRow{scanFunc: scanCustomerRow(want)}
		},
	}

	got, err := newCustomerService(db).GetCustomerByPhone(context.Background(), want.Phone)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Name != "Maria Santos" {
		t.Fatalf("GetCustomerByPhone = %+v", got)
	}
	if !strings.Contains(gotSQL, "WHERE phone = $1") {
		t.Errorf("lookup not by phone:\n%s", gotSQL)
	}
}

func TestGetCustomerInfoRequiresIdentifier(t *testing.T) {
	t.Parallel()

	if _, err := newCustomerService(&mockDB{}).GetCustomerInfo(context.Background(), nil, ""); err == nil {
		t.Fatal("lookup without id or phone accepted")
	}
}

func TestGetCustomerInfoNotFound(t *testing.T) {
	t.Parallel()

	got, err := newCustomerService(&mockDB{}).GetCustomerByPhone(context.Background(), "+15559999999")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("unknown phone = %+v, want nil", got)
	}
}

func TestVerifyCustomerIdentity(t *testing.T) {
	t.Parallel()

	match := testCustomer()
	db := &mockDB{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			if args[0] == match.Phone && args[1] == match.PolicyNumber {
				return &mockRow{scanFunc: func(dest ...any) error {
					*(dest[0].(*uuid.UUID)) = match.CustomerID
					return nil
				}}
			}
			return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
		},
	}
	svc := newCustomerService(db)

	ok, err := svc.VerifyCustomerIdentity(context.Background(), match.Phone, match.PolicyNumber)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("matching phone and policy number not verified")
	}

	ok, err = svc.VerifyCustomerIdentity(context.Background(), match.Phone, "POL-WRONG")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("mismatched policy number verified")
	}
}
