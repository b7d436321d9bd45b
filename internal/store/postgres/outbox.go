package postgres

import (
	"context"
	"time"

	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

const outboxColumns = `id, tenant_id, file_id, kind, status, attempts, max_attempts,
	COALESCE(last_error, ''), COALESCE(job_handle, ''), next_attempt_at, created_at, updated_at`

func scanOutbox(row pgx.Row) (*domain.OutboxEntry, error) {
	var (
		e            domain.OutboxEntry
		kind, status string
	)
	if err := row.Scan(&e.ID, &e.TenantID, &e.FileID, &kind, &status, &e.Attempts, &e.MaxAttempts,
		&e.LastError, &e.JobHandle, &e.NextAttemptAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Kind = domain.DispatchKind(kind)
	e.Status = domain.OutboxStatus(status)
	return &e, nil
}

func (q *queries) InsertOutbox(ctx context.Context, e *domain.OutboxEntry) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO dispatch_outbox (id, tenant_id, file_id, kind, status, attempts, max_attempts,
			last_error, job_handle, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11, $11)
	`, e.ID, e.TenantID, e.FileID, string(e.Kind), string(e.Status), e.Attempts, e.MaxAttempts,
		e.LastError, e.JobHandle, e.NextAttemptAt, e.CreatedAt)
	return translate("InsertOutbox", err)
}

func (q *queries) UpdateOutbox(ctx context.Context, e *domain.OutboxEntry) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE dispatch_outbox SET
			status = $2,
			attempts = $3,
			last_error = NULLIF($4, ''),
			job_handle = NULLIF($5, ''),
			next_attempt_at = $6,
			updated_at = now()
		WHERE id = $1
	`, e.ID, string(e.Status), e.Attempts, e.LastError, e.JobHandle, e.NextAttemptAt)
	if err != nil {
		return translate("UpdateOutbox", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFoundf("outbox entry %s not found", e.ID)
	}
	return nil
}

func (q *queries) GetOutbox(ctx context.Context, id string) (*domain.OutboxEntry, error) {
	e, err := scanOutbox(q.db.QueryRow(ctx, `SELECT `+outboxColumns+` FROM dispatch_outbox WHERE id = $1`, id))
	if err != nil {
		return nil, translate("GetOutbox", err)
	}
	return e, nil
}

func (q *queries) ListDueOutbox(ctx context.Context, now time.Time, limit int) ([]*domain.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.Query(ctx, `
		SELECT `+outboxColumns+`
		FROM dispatch_outbox
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, translate("ListDueOutbox", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.OutboxEntry, error) {
		return scanOutbox(row)
	})
	if err != nil {
		return nil, translate("ListDueOutbox: scan", err)
	}
	return entries, nil
}

func (q *queries) RecordDelivery(ctx context.Context, d *domain.CallbackDelivery) error {
	id := d.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO callback_deliveries (id, tenant_id, file_id, kind, checksum, outcome, detail, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), COALESCE($8, now()))
	`, id, d.TenantID, d.FileID, string(d.Kind), d.Checksum, string(d.Outcome), d.Detail, nullTime(d.ReceivedAt))
	return translate("RecordDelivery", err)
}

func (q *queries) ListDeliveries(ctx context.Context, fileID string) ([]*domain.CallbackDelivery, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, tenant_id, file_id, kind, checksum, outcome, COALESCE(detail, ''), received_at
		FROM callback_deliveries
		WHERE file_id = $1
		ORDER BY received_at, id
	`, fileID)
	if err != nil {
		return nil, translate("ListDeliveries", err)
	}
	deliveries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.CallbackDelivery, error) {
		var (
			d             domain.CallbackDelivery
			kind, outcome string
		)
		err := row.Scan(&d.ID, &d.TenantID, &d.FileID, &kind, &d.Checksum, &outcome, &d.Detail, &d.ReceivedAt)
		d.Kind = domain.CallbackKind(kind)
		d.Outcome = domain.CallbackOutcome(outcome)
		return &d, err
	})
	if err != nil {
		return nil, translate("ListDeliveries: scan", err)
	}
	return deliveries, nil
}

func (q *queries) ReplaceMetrics(ctx context.Context, m *domain.SubmissionMetrics) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO submission_metrics (submission_id, tenant_id, period_start, period_end,
			total_deposits, total_withdrawals, deposit_count, withdrawal_count, min_balance, max_balance,
			estimated_monthly_revenue, negative_balance_days, nsf_count, account_count, statement_count,
			transaction_count, categorized_count, categorization_coverage, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (submission_id) DO UPDATE SET
			period_start = EXCLUDED.period_start,
			period_end = EXCLUDED.period_end,
			total_deposits = EXCLUDED.total_deposits,
			total_withdrawals = EXCLUDED.total_withdrawals,
			deposit_count = EXCLUDED.deposit_count,
			withdrawal_count = EXCLUDED.withdrawal_count,
			min_balance = EXCLUDED.min_balance,
			max_balance = EXCLUDED.max_balance,
			estimated_monthly_revenue = EXCLUDED.estimated_monthly_revenue,
			negative_balance_days = EXCLUDED.negative_balance_days,
			nsf_count = EXCLUDED.nsf_count,
			account_count = EXCLUDED.account_count,
			statement_count = EXCLUDED.statement_count,
			transaction_count = EXCLUDED.transaction_count,
			categorized_count = EXCLUDED.categorized_count,
			categorization_coverage = EXCLUDED.categorization_coverage,
			computed_at = EXCLUDED.computed_at
	`, m.SubmissionID, m.TenantID, m.PeriodStart, m.PeriodEnd,
		m.TotalDeposits, m.TotalWithdrawals, m.DepositCount, m.WithdrawalCount, m.MinBalance, m.MaxBalance,
		m.EstimatedMonthlyRevenue, m.NegativeBalanceDays, m.NSFCount, m.AccountCount, m.StatementCount,
		m.TransactionCount, m.CategorizedCount, m.CategorizationCoverage, m.ComputedAt)
	return translate("ReplaceMetrics", err)
}

func (q *queries) GetMetrics(ctx context.Context, submissionID string) (*domain.SubmissionMetrics, error) {
	var m domain.SubmissionMetrics
	err := q.db.QueryRow(ctx, `
		SELECT submission_id, tenant_id, period_start, period_end,
			total_deposits, total_withdrawals, deposit_count, withdrawal_count, min_balance, max_balance,
			estimated_monthly_revenue, negative_balance_days, nsf_count, account_count, statement_count,
			transaction_count, categorized_count, categorization_coverage, computed_at
		FROM submission_metrics
		WHERE submission_id = $1
	`, submissionID).Scan(&m.SubmissionID, &m.TenantID, &m.PeriodStart, &m.PeriodEnd,
		&m.TotalDeposits, &m.TotalWithdrawals, &m.DepositCount, &m.WithdrawalCount, &m.MinBalance, &m.MaxBalance,
		&m.EstimatedMonthlyRevenue, &m.NegativeBalanceDays, &m.NSFCount, &m.AccountCount, &m.StatementCount,
		&m.TransactionCount, &m.CategorizedCount, &m.CategorizationCoverage, &m.ComputedAt)
	if err != nil {
		return nil, translate("GetMetrics", err)
	}
	return &m, nil
}
