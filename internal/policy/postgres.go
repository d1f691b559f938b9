package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/model"
)

// PostgresStore persists policy versions in PostgreSQL. Rows are
// insert-only; activation flips a single boolean inside a transaction.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore opens a connection pool against the given DSN and
// verifies connectivity.
func NewPostgresStore(dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{db: db, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Health checks database connectivity.
func (s *PostgresStore) Health() error {
	return s.db.Ping()
}

// Active implements Store.
func (s *PostgresStore) Active(ctx context.Context, tenantID string) (*Policy, error) {
	query := `
		SELECT document
		FROM tenant_policies
		WHERE tenant_id = $1 AND active = true
	`

	var doc []byte
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenant %q: %w", tenantID, model.ErrPolicyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active policy: %w: %v", model.ErrTransientStore, err)
	}
	return decodePolicy(doc)
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, tenantID string, version int) (*Policy, error) {
	query := `
		SELECT document
		FROM tenant_policies
		WHERE tenant_id = $1 AND version = $2
	`

	var doc []byte
	err := s.db.QueryRowContext(ctx, query, tenantID, version).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenant %q policy v%d: %w", tenantID, version, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query policy: %w: %v", model.ErrTransientStore, err)
	}
	return decodePolicy(doc)
}

// Versions implements Store.
func (s *PostgresStore) Versions(ctx context.Context, tenantID string) ([]*Policy, error) {
	query := `
		SELECT document
		FROM tenant_policies
		WHERE tenant_id = $1
		ORDER BY version ASC
	`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query policy versions: %w: %v", model.ErrTransientStore, err)
	}
	defer rows.Close()

	var out []*Policy
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan policy row: %w", err)
		}
		p, err := decodePolicy(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policy rows: %w", err)
	}
	return out, nil
}

// Publish implements Store. Version assignment, deactivation of the
// previous active version, and the insert happen in one transaction.
func (s *PostgresStore) Publish(ctx context.Context, p *Policy) (*Policy, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w: %v", model.ErrTransientStore, err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM tenant_policies WHERE tenant_id = $1`,
		p.TenantID).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate policy version: %w", err)
	}

	cp := *p
	cp.Version = next
	cp.Active = true
	if cp.PublishedAt.IsZero() {
		cp.PublishedAt = time.Now().UTC()
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}

	doc, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tenant_policies SET active = false WHERE tenant_id = $1 AND active = true`,
		cp.TenantID); err != nil {
		return nil, fmt.Errorf("failed to deactivate previous policy: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tenant_policies (tenant_id, version, active, published_at, published_by, document)
		VALUES ($1, $2, true, $3, $4, $5)`,
		cp.TenantID, cp.Version, cp.PublishedAt, cp.PublishedBy, doc); err != nil {
		return nil, fmt.Errorf("failed to insert policy version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit policy publish: %w: %v", model.ErrTransientStore, err)
	}

	s.logger.Info("Published policy version", "tenant_id", cp.TenantID, "version", cp.Version)
	out := cp
	return &out, nil
}

func decodePolicy(doc []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("failed to decode stored policy: %w", err)
	}
	return &p, nil
}
