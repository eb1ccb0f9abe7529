// Package business implements the insurance domain services the tools call
// into: claims, customers, and the knowledge base. Each service is a thin
// typed layer over Postgres; the conversation engines never touch these
// tables directly.
package business

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the business tables. Execute it via [Migrate] or
// apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS customers (
    id                UUID PRIMARY KEY,
    name              TEXT NOT NULL,
    email             TEXT NOT NULL DEFAULT '',
    phone             TEXT NOT NULL,
    address           TEXT NOT NULL DEFAULT '',
    policy_number     TEXT NOT NULL,
    policy_type       TEXT NOT NULL,
    policy_status     TEXT NOT NULL DEFAULT 'active',
    policy_start_date DATE,
    policy_end_date   DATE,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_customers_phone ON customers(phone);

CREATE TABLE IF NOT EXISTS claims (
    id          UUID PRIMARY KEY,
    customer_id UUID NOT NULL REFERENCES customers(id),
    type        TEXT NOT NULL CHECK (type IN ('auto', 'health', 'property')),
    status      TEXT NOT NULL CHECK (status IN ('submitted', 'reviewing', 'approved', 'denied')),
    amount      NUMERIC(12,2) NOT NULL,
    description TEXT NOT NULL,
    documents   JSONB NOT NULL DEFAULT '[]',
    history     JSONB NOT NULL DEFAULT '[]',
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_claims_customer ON claims(customer_id, created_at DESC);

CREATE TABLE IF NOT EXISTS knowledge_base (
    id            UUID PRIMARY KEY,
    title         TEXT NOT NULL,
    content       TEXT NOT NULL,
    category      TEXT NOT NULL CHECK (category IN ('auto', 'health', 'property', 'general')),
    tags          TEXT[] NOT NULL DEFAULT '{}',
    search_vector TSVECTOR GENERATED ALWAYS AS (to_tsvector('english', title || ' ' || content)) STORED
);
CREATE INDEX IF NOT EXISTS idx_knowledge_base_search ON knowledge_base USING GIN (search_vector);
`

// DB is the database interface used by the services. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate executes the [Schema] DDL against the database.
func Migrate(ctx context.Context, db DB) error {
	_, err := db.Exec(ctx, Schema)
	return err
}
