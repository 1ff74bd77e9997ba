package guards

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresGuardStore implements GuardStore backed by PostgreSQL
type PostgresGuardStore struct {
	db *sql.DB
}

// NewPostgresGuardStore creates a new PostgreSQL-backed GuardStore
func NewPostgresGuardStore(db *sql.DB) *PostgresGuardStore {
	return &PostgresGuardStore{db: db}
}

const guardColumns = `id, lender_id, name, expression, active, created_at, updated_at`

// Add inserts a new guard
func (s *PostgresGuardStore) Add(ctx context.Context, g *Guard) error {
	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guards (id, lender_id, name, expression, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, g.ID, g.LenderID, g.Name, g.Expression, g.Active, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: lender %s already has a guard named %s", ErrInvalidGuard, g.LenderID, g.Name)
		}
		return fmt.Errorf("failed to insert guard: %w", err)
	}
	return nil
}

// Get retrieves a guard by ID
func (s *PostgresGuardStore) Get(ctx context.Context, id string) (*Guard, error) {
	var g Guard
	err := s.db.QueryRowContext(ctx, `SELECT `+guardColumns+` FROM guards WHERE id = $1`, id).
		Scan(&g.ID, &g.LenderID, &g.Name, &g.Expression, &g.Active, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("guard %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get guard: %w", err)
	}
	return &g, nil
}

// List returns all guards of a lender
func (s *PostgresGuardStore) List(ctx context.Context, lenderID string) ([]*Guard, error) {
	return s.query(ctx, `SELECT `+guardColumns+` FROM guards WHERE lender_id = $1 ORDER BY created_at ASC, id ASC`, lenderID)
}

// ListActive returns the active guards of a lender
func (s *PostgresGuardStore) ListActive(ctx context.Context, lenderID string) ([]*Guard, error) {
	return s.query(ctx, `SELECT `+guardColumns+` FROM guards WHERE lender_id = $1 AND active = true ORDER BY created_at ASC, id ASC`, lenderID)
}

func (s *PostgresGuardStore) query(ctx context.Context, query string, args ...any) ([]*Guard, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list guards: %w", err)
	}
	defer rows.Close()

	var out []*Guard
	for rows.Next() {
		var g Guard
		if err := rows.Scan(&g.ID, &g.LenderID, &g.Name, &g.Expression, &g.Active, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan guard: %w", err)
		}
		out = append(out, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating guards: %w", err)
	}
	return out, nil
}

// Update modifies an existing guard
func (s *PostgresGuardStore) Update(ctx context.Context, g *Guard) error {
	g.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE guards
		SET name = $1, expression = $2, active = $3, updated_at = $4
		WHERE id = $5
	`, g.Name, g.Expression, g.Active, g.UpdatedAt, g.ID)
	if err != nil {
		return fmt.Errorf("failed to update guard: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("guard %s: %w", g.ID, ErrNotFound)
	}
	return nil
}

// Delete removes a guard
func (s *PostgresGuardStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM guards WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete guard: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("guard %s: %w", id, ErrNotFound)
	}
	return nil
}
