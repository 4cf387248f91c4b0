// Package postgres backs the ledger with PostgreSQL for deployments that
// keep their records off DynamoDB.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"costgate/ledger"
)

// Store implements ledger.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres with the given DSN.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &Store{db: db}, nil
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the ledger tables when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS budgets (
			id                        TEXT PRIMARY KEY,
			entity_name               TEXT NOT NULL,
			budget_name               TEXT NOT NULL,
			budget_limit              NUMERIC NOT NULL DEFAULT 0,
			actual_spend              NUMERIC NOT NULL DEFAULT 0,
			forecasted_spend          NUMERIC NOT NULL DEFAULT 0,
			accrued_forecasted_spend  NUMERIC NOT NULL DEFAULT 0,
			accrued_blocked_spend     NUMERIC NOT NULL DEFAULT 0,
			accrued_approved_spend    NUMERIC NOT NULL DEFAULT 0,
			forecast_processed        BOOLEAN NOT NULL DEFAULT FALSE,
			forecast_processed_at     TIMESTAMPTZ,
			notify_topic_arn          TEXT NOT NULL DEFAULT '',
			approver_email            TEXT NOT NULL DEFAULT '',
			updated_at                TIMESTAMPTZ,
			version                   BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS requests (
			id               TEXT PRIMARY KEY,
			entity           TEXT NOT NULL,
			entity_id        TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL,
			resource_status  TEXT NOT NULL,
			pricing          JSONB NOT NULL,
			requestor_email  TEXT NOT NULL DEFAULT '',
			product_name     TEXT NOT NULL DEFAULT '',
			payload          JSONB,
			approval_url     TEXT NOT NULL DEFAULT '',
			rejection_url    TEXT NOT NULL DEFAULT '',
			wait_url         TEXT NOT NULL DEFAULT '',
			created_at       TIMESTAMPTZ NOT NULL,
			approved_at      TIMESTAMPTZ,
			rejected_at      TIMESTAMPTZ,
			terminated_at    TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_status ON requests (status, created_at)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) PutBudget(ctx context.Context, b *ledger.Budget) error {
	query := `
		INSERT INTO budgets (
			id, entity_name, budget_name, budget_limit, actual_spend, forecasted_spend,
			accrued_forecasted_spend, accrued_blocked_spend, accrued_approved_spend,
			forecast_processed, forecast_processed_at, notify_topic_arn, approver_email,
			updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			entity_name = EXCLUDED.entity_name,
			budget_name = EXCLUDED.budget_name,
			budget_limit = EXCLUDED.budget_limit,
			actual_spend = EXCLUDED.actual_spend,
			forecasted_spend = EXCLUDED.forecasted_spend,
			accrued_forecasted_spend = EXCLUDED.accrued_forecasted_spend,
			accrued_blocked_spend = EXCLUDED.accrued_blocked_spend,
			accrued_approved_spend = EXCLUDED.accrued_approved_spend,
			forecast_processed = EXCLUDED.forecast_processed,
			forecast_processed_at = EXCLUDED.forecast_processed_at,
			notify_topic_arn = EXCLUDED.notify_topic_arn,
			approver_email = EXCLUDED.approver_email,
			updated_at = EXCLUDED.updated_at,
			version = EXCLUDED.version
	`
	_, err := s.db.ExecContext(ctx, query,
		b.ID, b.EntityName, b.BudgetName,
		b.BudgetLimit.String(), b.ActualSpend.String(), b.ForecastedSpend.String(),
		b.AccruedForecastedSpend.String(), b.AccruedBlockedSpend.String(), b.AccruedApprovedSpend.String(),
		b.ForecastProcessed, b.ForecastProcessedAt, b.NotifyTopicARN, b.ApproverEmail,
		nullTime(b.UpdatedAt), b.Version,
	)
	if err != nil {
		return fmt.Errorf("put budget %s: %w", b.ID, err)
	}
	return nil
}

const budgetColumns = `
	id, entity_name, budget_name, budget_limit, actual_spend, forecasted_spend,
	accrued_forecasted_spend, accrued_blocked_spend, accrued_approved_spend,
	forecast_processed, forecast_processed_at, notify_topic_arn, approver_email,
	updated_at, version
`

func (s *Store) GetBudget(ctx context.Context, entityID string) (*ledger.Budget, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+budgetColumns+` FROM budgets WHERE id = $1`, entityID)
	b, err := scanBudget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	return b, err
}

func (s *Store) ListBudgets(ctx context.Context) ([]*ledger.Budget, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+budgetColumns+` FROM budgets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) UpdateBudgetAccruals(ctx context.Context, entityID string, upd ledger.AccrualUpdate, expectedVersion int64) error {
	query := `
		UPDATE budgets
		SET accrued_forecasted_spend = $1,
		    accrued_blocked_spend = $2,
		    accrued_approved_spend = $3,
		    forecast_processed = CASE WHEN $4 THEN TRUE ELSE forecast_processed END,
		    forecast_processed_at = CASE WHEN $4 THEN $5 ELSE forecast_processed_at END,
		    version = version + 1
		WHERE id = $6 AND version = $7
	`
	res, err := s.db.ExecContext(ctx, query,
		upd.Forecasted.String(), upd.Blocked.String(), upd.Approved.String(),
		upd.MarkForecastProcessed, nullTime(upd.ProcessedAt),
		entityID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update accruals for %s: %w", entityID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update accruals for %s: %w", entityID, err)
	}
	if n == 0 {
		if _, err := s.GetBudget(ctx, entityID); errors.Is(err, ledger.ErrNotFound) {
			return ledger.ErrNotFound
		}
		return ledger.ErrVersionConflict
	}
	return nil
}

func (s *Store) RebaseBudget(ctx context.Context, entityID string, upd ledger.RebaseUpdate) error {
	query := `
		UPDATE budgets
		SET budget_limit = $1,
		    actual_spend = $2,
		    forecasted_spend = $3,
		    updated_at = $4,
		    forecast_processed = FALSE,
		    forecast_processed_at = NULL
		WHERE id = $5
	`
	res, err := s.db.ExecContext(ctx, query,
		upd.BudgetLimit.String(), upd.ActualSpend.String(), upd.ForecastedSpend.String(),
		upd.UpdatedAt, entityID,
	)
	if err != nil {
		return fmt.Errorf("rebase budget %s: %w", entityID, err)
	}
	return requireRow(res, entityID)
}

func (s *Store) ResetApprovedSpend(ctx context.Context, entityID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE budgets SET accrued_approved_spend = 0 WHERE id = $1`, entityID)
	if err != nil {
		return fmt.Errorf("reset approved spend for %s: %w", entityID, err)
	}
	return requireRow(res, entityID)
}

func (s *Store) PutRequest(ctx context.Context, r *ledger.Request) error {
	pricing, err := json.Marshal(r.Pricing)
	if err != nil {
		return fmt.Errorf("marshal pricing for %s: %w", r.ID, err)
	}
	var payload []byte
	if r.Payload != nil {
		if payload, err = json.Marshal(r.Payload); err != nil {
			return fmt.Errorf("marshal payload for %s: %w", r.ID, err)
		}
	}
	query := `
		INSERT INTO requests (
			id, entity, entity_id, status, resource_status, pricing,
			requestor_email, product_name, payload,
			approval_url, rejection_url, wait_url,
			created_at, approved_at, rejected_at, terminated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			entity = EXCLUDED.entity,
			entity_id = EXCLUDED.entity_id,
			status = EXCLUDED.status,
			resource_status = EXCLUDED.resource_status,
			pricing = EXCLUDED.pricing,
			requestor_email = EXCLUDED.requestor_email,
			product_name = EXCLUDED.product_name,
			payload = EXCLUDED.payload,
			approval_url = EXCLUDED.approval_url,
			rejection_url = EXCLUDED.rejection_url,
			wait_url = EXCLUDED.wait_url
	`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.Entity, r.EntityID, string(r.Status), string(r.ResourceStatus), pricing,
		r.RequestorEmail, r.ProductName, nullBytes(payload),
		r.ApprovalURL, r.RejectionURL, r.WaitURL,
		r.CreatedAt, r.ApprovedAt, r.RejectedAt, r.TerminatedAt,
	)
	if err != nil {
		return fmt.Errorf("put request %s: %w", r.ID, err)
	}
	return nil
}

const requestColumns = `
	id, entity, entity_id, status, resource_status, pricing,
	requestor_email, product_name, payload,
	approval_url, rejection_url, wait_url,
	created_at, approved_at, rejected_at, terminated_at
`

func (s *Store) GetRequest(ctx context.Context, id string) (*ledger.Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	return r, err
}

func (s *Store) ListRequestsByStatus(ctx context.Context, status ledger.RequestStatus) ([]*ledger.Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE status = $1 ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list %s requests: %w", status, err)
	}
	defer rows.Close()

	var out []*ledger.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRequest(ctx context.Context, id string, upd ledger.RequestUpdate) error {
	var sets []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if upd.Status != nil {
		sets = append(sets, "status = "+arg(string(*upd.Status)))
	}
	if upd.EntityID != nil {
		sets = append(sets, "entity_id = "+arg(*upd.EntityID))
	}
	if upd.ResourceStatus != nil {
		sets = append(sets, "resource_status = "+arg(string(*upd.ResourceStatus)))
	}
	if upd.ApprovedAt != nil {
		sets = append(sets, "approved_at = "+arg(*upd.ApprovedAt))
	}
	if upd.RejectedAt != nil {
		sets = append(sets, "rejected_at = "+arg(*upd.RejectedAt))
	}
	if upd.TerminatedAt != nil {
		sets = append(sets, "terminated_at = "+arg(*upd.TerminatedAt))
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE requests SET " + strings.Join(sets, ", ") + " WHERE id = " + arg(id)
	if len(upd.ExpectStatus) > 0 {
		statuses := make([]string, len(upd.ExpectStatus))
		for i, st := range upd.ExpectStatus {
			statuses[i] = string(st)
		}
		query += " AND status = ANY(" + arg(pq.Array(statuses)) + ")"
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update request %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update request %s: %w", id, err)
	}
	if n == 0 {
		if _, err := s.GetRequest(ctx, id); errors.Is(err, ledger.ErrNotFound) {
			return ledger.ErrNotFound
		}
		return ledger.ErrPreconditionFailed
	}
	return nil
}

func requireRow(res sql.Result, entityID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("budget %s: %w", entityID, err)
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBudget(row scanner) (*ledger.Budget, error) {
	var b ledger.Budget
	var limit, actual, forecasted, accForecasted, accBlocked, accApproved string
	var processedAt, updatedAt sql.NullTime
	err := row.Scan(
		&b.ID, &b.EntityName, &b.BudgetName, &limit, &actual, &forecasted,
		&accForecasted, &accBlocked, &accApproved,
		&b.ForecastProcessed, &processedAt, &b.NotifyTopicARN, &b.ApproverEmail,
		&updatedAt, &b.Version,
	)
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&b.BudgetLimit, limit},
		{&b.ActualSpend, actual},
		{&b.ForecastedSpend, forecasted},
		{&b.AccruedForecastedSpend, accForecasted},
		{&b.AccruedBlockedSpend, accBlocked},
		{&b.AccruedApprovedSpend, accApproved},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("budget %s: parse amount %q: %w", b.ID, f.src, err)
		}
	}
	if processedAt.Valid {
		b.ForecastProcessedAt = &processedAt.Time
	}
	if updatedAt.Valid {
		b.UpdatedAt = updatedAt.Time
	}
	return &b, nil
}

func scanRequest(row scanner) (*ledger.Request, error) {
	var r ledger.Request
	var status, resourceStatus string
	var pricing []byte
	var payload []byte
	var approvedAt, rejectedAt, terminatedAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.Entity, &r.EntityID, &status, &resourceStatus, &pricing,
		&r.RequestorEmail, &r.ProductName, &payload,
		&r.ApprovalURL, &r.RejectionURL, &r.WaitURL,
		&r.CreatedAt, &approvedAt, &rejectedAt, &terminatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = ledger.RequestStatus(status)
	r.ResourceStatus = ledger.ResourceStatus(resourceStatus)
	if err := json.Unmarshal(pricing, &r.Pricing); err != nil {
		return nil, fmt.Errorf("request %s: parse pricing: %w", r.ID, err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			return nil, fmt.Errorf("request %s: parse payload: %w", r.ID, err)
		}
	}
	if approvedAt.Valid {
		r.ApprovedAt = &approvedAt.Time
	}
	if rejectedAt.Valid {
		r.RejectedAt = &rejectedAt.Time
	}
	if terminatedAt.Valid {
		r.TerminatedAt = &terminatedAt.Time
	}
	return &r, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ ledger.Store = (*Store)(nil)
