package lending

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/loancast/fundingpolicy/policy"
)

// PostgresStore implements Store backed by PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed Store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const loanColumns = `id, cast_hash, borrower_fid, borrower_kind, borrower_score, amount_usdc_6, duration_days, status, created_at, funded_at, due_at, repaid_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*Loan, error) {
	var (
		loan     Loan
		castHash sql.NullString
		score    sql.NullInt64
		fundedAt sql.NullTime
		dueAt    sql.NullTime
		repaidAt sql.NullTime
	)
	err := row.Scan(&loan.ID, &castHash, &loan.BorrowerFID, &loan.BorrowerKind, &score,
		&loan.AmountUSDC6, &loan.DurationDays, &loan.Status, &loan.CreatedAt,
		&fundedAt, &dueAt, &repaidAt)
	if err != nil {
		return nil, err
	}
	loan.CastHash = castHash.String
	if score.Valid {
		v := int(score.Int64)
		loan.BorrowerScore = &v
	}
	loan.FundedAt = nullTime(fundedAt)
	loan.DueAt = nullTime(dueAt)
	loan.RepaidAt = nullTime(repaidAt)
	return &loan, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// CreateLoan inserts a new loan
func (s *PostgresStore) CreateLoan(ctx context.Context, loan *Loan) error {
	if loan.CreatedAt.IsZero() {
		loan.CreatedAt = time.Now().UTC()
	}
	if loan.Status == "" {
		loan.Status = StatusSeeking
	}

	var score sql.NullInt64
	if loan.BorrowerScore != nil {
		score = sql.NullInt64{Int64: int64(*loan.BorrowerScore), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loans (id, cast_hash, borrower_fid, borrower_kind, borrower_score, amount_usdc_6, duration_days, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, loan.ID, sql.NullString{String: loan.CastHash, Valid: loan.CastHash != ""}, loan.BorrowerFID,
		string(loan.BorrowerKind), score, int64(loan.AmountUSDC6), loan.DurationDays,
		string(loan.Status), loan.CreatedAt)
	if err != nil {
		return wrapUnique(fmt.Sprintf("loan %s", loan.ID), err)
	}
	return nil
}

// GetLoan retrieves a loan by ID
func (s *PostgresStore) GetLoan(ctx context.Context, id string) (*Loan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1`, id)
	loan, err := scanLoan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("loan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// ListLoansByStatus returns loans in any of the given statuses, oldest first
func (s *PostgresStore) ListLoansByStatus(ctx context.Context, statuses ...LoanStatus) ([]*Loan, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE status = ANY($1) ORDER BY created_at ASC`,
		pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	var loans []*Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating loans: %w", err)
	}
	return loans, nil
}

// UpdateLoanStatus changes status only if it still equals from
func (s *PostgresStore) UpdateLoanStatus(ctx context.Context, id string, from, to LoanStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE loans
		SET status = $1, repaid_at = CASE WHEN $1 = 'repaid' THEN NOW() ELSE repaid_at END
		WHERE id = $2 AND status = $3
	`, string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update loan status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.statusMismatch(ctx, id, from)
	}
	return nil
}

// statusMismatch tells a missing loan apart from a status race
func (s *PostgresStore) statusMismatch(ctx context.Context, id string, from LoanStatus) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM loans WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check loan existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("loan %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("loan %s is no longer %s: %w", id, from, ErrConflict)
}

// MarkFunded moves the loan to funded and inserts the funding in one transaction
func (s *PostgresStore) MarkFunded(ctx context.Context, f *Funding, dueAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE loans
		SET status = 'funded', funded_at = $1, due_at = $2
		WHERE id = $3 AND status = 'seeking'
	`, f.FundedAt, dueAt, f.LoanID)
	if err != nil {
		return fmt.Errorf("failed to mark loan funded: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		_ = tx.Rollback()
		return s.statusMismatch(ctx, f.LoanID, StatusSeeking)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fundings (id, loan_id, lender_id, borrower_fid, amount_usdc_6, status, funded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, f.ID, f.LoanID, f.LenderID, f.BorrowerFID, int64(f.AmountUSDC6), string(f.Status), f.FundedAt)
	if err != nil {
		return wrapUnique(fmt.Sprintf("funding %s", f.ID), err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit funding: %w", err)
	}
	return nil
}

// CreateLender inserts a new lender with its strategy as JSONB
func (s *PostgresStore) CreateLender(ctx context.Context, lender *Lender) error {
	strategyJSON, err := json.Marshal(lender.Strategy)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy: %w", err)
	}

	now := time.Now().UTC()
	lender.CreatedAt = now
	lender.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lenders (id, fid, kind, strategy, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, lender.ID, lender.FID, string(lender.Kind), strategyJSON, lender.CreatedAt, lender.UpdatedAt)
	if err != nil {
		return wrapUnique(fmt.Sprintf("lender %s", lender.ID), err)
	}
	return nil
}

// GetLender retrieves a lender by ID
func (s *PostgresStore) GetLender(ctx context.Context, id string) (*Lender, error) {
	var (
		lender       Lender
		strategyJSON []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, fid, kind, strategy, created_at, updated_at
		FROM lenders
		WHERE id = $1
	`, id).Scan(&lender.ID, &lender.FID, &lender.Kind, &strategyJSON, &lender.CreatedAt, &lender.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lender %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lender: %w", err)
	}

	if err := json.Unmarshal(strategyJSON, &lender.Strategy); err != nil {
		return nil, fmt.Errorf("invalid strategy for lender %s: %w", id, err)
	}
	return &lender, nil
}

// UpdateLenderStrategy replaces the lender's strategy
func (s *PostgresStore) UpdateLenderStrategy(ctx context.Context, id string, strategy policy.Strategy) error {
	strategyJSON, err := json.Marshal(strategy)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE lenders
		SET strategy = $1, updated_at = NOW()
		WHERE id = $2
	`, strategyJSON, id)
	if err != nil {
		return fmt.Errorf("failed to update strategy: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("lender %s: %w", id, ErrNotFound)
	}
	return nil
}

// FundingsSince returns the fundings relevant to one lender/borrower pair
func (s *PostgresStore) FundingsSince(ctx context.Context, since time.Time, lenderID, borrowerFID string) ([]*Funding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, loan_id, lender_id, borrower_fid, amount_usdc_6, status, funded_at
		FROM fundings
		WHERE funded_at >= $1 AND (lender_id = $2 OR borrower_fid = $3)
		ORDER BY funded_at ASC
	`, since, lenderID, borrowerFID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fundings: %w", err)
	}
	defer rows.Close()

	var fundings []*Funding
	for rows.Next() {
		var f Funding
		if err := rows.Scan(&f.ID, &f.LoanID, &f.LenderID, &f.BorrowerFID,
			&f.AmountUSDC6, &f.Status, &f.FundedAt); err != nil {
			return nil, fmt.Errorf("failed to scan funding: %w", err)
		}
		fundings = append(fundings, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fundings: %w", err)
	}
	return fundings, nil
}

// wrapUnique maps unique violations to ErrConflict
func wrapUnique(what string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%s: %w", what, ErrConflict)
	}
	return fmt.Errorf("failed to insert %s: %w", what, err)
}
