package postgres

import (
	"context"

	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const accountColumns = `id, submission_id, tenant_id, account_number, COALESCE(masked_number, ''),
	COALESCE(bank_name, ''), COALESCE(holder_name, ''), latest_balance, last_transaction_date, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	if err := row.Scan(&a.ID, &a.SubmissionID, &a.TenantID, &a.AccountNumber, &a.MaskedNumber,
		&a.BankName, &a.HolderName, &a.LatestBalance, &a.LastTransactionDate, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertAccount mirrors domain.MergeAccount in SQL so concurrent Files of one
// Submission converge on the same row.
func (q *queries) UpsertAccount(ctx context.Context, acc *domain.Account) (*domain.Account, error) {
	id := acc.ID
	if id == "" {
		id = uuid.NewString()
	}

	a, err := scanAccount(q.db.QueryRow(ctx, `
		INSERT INTO accounts (id, submission_id, tenant_id, account_number, masked_number, bank_name, holder_name,
			latest_balance, last_transaction_date)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9)
		ON CONFLICT (submission_id, account_number) DO UPDATE SET
			latest_balance = CASE
				WHEN EXCLUDED.last_transaction_date IS NULL THEN
					CASE WHEN accounts.last_transaction_date IS NULL AND EXCLUDED.latest_balance IS NOT NULL
						THEN EXCLUDED.latest_balance ELSE accounts.latest_balance END
				WHEN accounts.last_transaction_date IS NULL
					OR EXCLUDED.last_transaction_date >= accounts.last_transaction_date
					THEN COALESCE(EXCLUDED.latest_balance, accounts.latest_balance)
				ELSE accounts.latest_balance
			END,
			last_transaction_date = GREATEST(accounts.last_transaction_date, EXCLUDED.last_transaction_date),
			masked_number = COALESCE(accounts.masked_number, EXCLUDED.masked_number),
			bank_name = COALESCE(accounts.bank_name, EXCLUDED.bank_name),
			holder_name = COALESCE(accounts.holder_name, EXCLUDED.holder_name),
			updated_at = now()
		RETURNING `+accountColumns,
		id, acc.SubmissionID, acc.TenantID, acc.AccountNumber, acc.MaskedNumber, acc.BankName, acc.HolderName,
		acc.LatestBalance, acc.LastTransactionDate))
	if err != nil {
		return nil, translate("UpsertAccount", err)
	}
	return a, nil
}

const statementColumns = `id, file_id, submission_id, tenant_id, account_id, period_start, period_end,
	opening_balance, closing_balance, total_credits, total_debits, credit_count, debit_count,
	is_reconciled, reconciliation_difference, payload_checksum, created_at`

func scanStatement(row pgx.Row) (*domain.Statement, error) {
	var s domain.Statement
	if err := row.Scan(&s.ID, &s.FileID, &s.SubmissionID, &s.TenantID, &s.AccountID, &s.PeriodStart, &s.PeriodEnd,
		&s.OpeningBalance, &s.ClosingBalance, &s.TotalCredits, &s.TotalDebits, &s.CreditCount, &s.DebitCount,
		&s.IsReconciled, &s.ReconciliationDifference, &s.PayloadChecksum, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (q *queries) InsertStatement(ctx context.Context, st *domain.Statement) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO statements (`+statementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, st.ID, st.FileID, st.SubmissionID, st.TenantID, st.AccountID, st.PeriodStart, st.PeriodEnd,
		st.OpeningBalance, st.ClosingBalance, st.TotalCredits, st.TotalDebits, st.CreditCount, st.DebitCount,
		st.IsReconciled, st.ReconciliationDifference, st.PayloadChecksum, st.CreatedAt)
	return translate("InsertStatement", err)
}

func (q *queries) InsertTransactions(ctx context.Context, txns []*domain.Transaction) error {
	if len(txns) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(txns))
	for _, t := range txns {
		rows = append(rows, []any{
			t.ID, t.StatementID, t.SubmissionID, t.TenantID, t.Sequence, t.Date, t.Description,
			t.Amount, t.RunningBalance, nullIfEmpty(t.Category), nullIfEmpty(t.Merchant), t.IsRecurring,
		})
	}
	err := execBatch(ctx, q.db, `
		INSERT INTO transactions (id, statement_id, submission_id, tenant_id, sequence, txn_date, description,
			amount, running_balance, category, merchant, is_recurring)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rows)
	return translate("InsertTransactions", err)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (q *queries) GetStatementByFile(ctx context.Context, fileID string) (*domain.Statement, error) {
	st, err := scanStatement(q.db.QueryRow(ctx, `
		SELECT `+statementColumns+` FROM statements WHERE file_id = $1
	`, fileID))
	if err != nil {
		return nil, translate("GetStatementByFile", err)
	}
	return st, nil
}

func (q *queries) ListAccounts(ctx context.Context, submissionID string) ([]*domain.Account, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE submission_id = $1
		ORDER BY account_number
	`, submissionID)
	if err != nil {
		return nil, translate("ListAccounts", err)
	}
	defer rows.Close()

	var out []*domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, translate("ListAccounts: scan", err)
		}
		out = append(out, a)
	}
	return out, translate("ListAccounts: rows", rows.Err())
}

func (q *queries) ListStatements(ctx context.Context, submissionID string) ([]*domain.Statement, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+statementColumns+`
		FROM statements
		WHERE submission_id = $1
		ORDER BY period_start, id
	`, submissionID)
	if err != nil {
		return nil, translate("ListStatements", err)
	}
	defer rows.Close()

	var out []*domain.Statement
	for rows.Next() {
		s, err := scanStatement(rows)
		if err != nil {
			return nil, translate("ListStatements: scan", err)
		}
		out = append(out, s)
	}
	return out, translate("ListStatements: rows", rows.Err())
}

func (q *queries) ListTransactions(ctx context.Context, submissionID string) ([]*domain.Transaction, error) {
	rows, err := q.db.Query(ctx, `
		SELECT t.id, t.statement_id, t.submission_id, t.tenant_id, t.sequence, t.txn_date, t.description,
			t.amount, t.running_balance, COALESCE(t.category, ''), COALESCE(t.merchant, ''), t.is_recurring
		FROM transactions t
		JOIN statements s ON s.id = t.statement_id
		WHERE t.submission_id = $1
		ORDER BY s.period_start, s.id, t.sequence
	`, submissionID)
	if err != nil {
		return nil, translate("ListTransactions", err)
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(&t.ID, &t.StatementID, &t.SubmissionID, &t.TenantID, &t.Sequence, &t.Date, &t.Description,
			&t.Amount, &t.RunningBalance, &t.Category, &t.Merchant, &t.IsRecurring); err != nil {
			return nil, translate("ListTransactions: scan", err)
		}
		out = append(out, &t)
	}
	return out, translate("ListTransactions: rows", rows.Err())
}

const applicationColumns = `id, file_id, submission_id, tenant_id, company_id, legal_name,
	COALESCE(dba, ''), COALESCE(identifier, ''), COALESCE(entity_type, ''), COALESCE(industry, ''),
	business_start_date, COALESCE(business_address, ''), COALESCE(business_phone, ''), COALESCE(website, ''),
	requested_amount, COALESCE(use_of_funds, ''), annual_revenue, monthly_revenue,
	owner1_name, owner1_title, owner1_ownership_pct, owner1_email, owner1_phone, owner1_home_address,
	owner2_name, owner2_title, owner2_ownership_pct, owner2_email, owner2_phone, owner2_home_address,
	confidence, payload_checksum, created_at`

// ownerColumns is the nullable column form of an Owner.
type ownerColumns struct {
	Name, Title, Email, Phone, HomeAddress *string
	Pct                                    decimal.NullDecimal
}

func ownerArgs(o *domain.Owner) ownerColumns {
	if o == nil {
		return ownerColumns{}
	}
	return ownerColumns{
		Name:        &o.Name,
		Title:       &o.Title,
		Email:       &o.Email,
		Phone:       &o.Phone,
		HomeAddress: &o.HomeAddress,
		Pct:         decimal.NewNullDecimal(o.OwnershipPercentage),
	}
}

func (c ownerColumns) owner() *domain.Owner {
	if c.Name == nil {
		return nil
	}
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	return &domain.Owner{
		Name:                *c.Name,
		Title:               deref(c.Title),
		OwnershipPercentage: c.Pct.Decimal,
		Email:               deref(c.Email),
		Phone:               deref(c.Phone),
		HomeAddress:         deref(c.HomeAddress),
	}
}

func scanApplication(row pgx.Row) (*domain.Application, error) {
	var (
		a      domain.Application
		o1, o2 ownerColumns
	)
	if err := row.Scan(&a.ID, &a.FileID, &a.SubmissionID, &a.TenantID, &a.CompanyID, &a.LegalName,
		&a.DBA, &a.Identifier, &a.EntityType, &a.Industry,
		&a.BusinessStartDate, &a.BusinessAddress, &a.BusinessPhone, &a.Website,
		&a.RequestedAmount, &a.UseOfFunds, &a.AnnualRevenue, &a.MonthlyRevenue,
		&o1.Name, &o1.Title, &o1.Pct, &o1.Email, &o1.Phone, &o1.HomeAddress,
		&o2.Name, &o2.Title, &o2.Pct, &o2.Email, &o2.Phone, &o2.HomeAddress,
		&a.Confidence, &a.PayloadChecksum, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Owner1 = o1.owner()
	a.Owner2 = o2.owner()
	return &a, nil
}

func (q *queries) InsertApplication(ctx context.Context, app *domain.Application) error {
	o1, o2 := ownerArgs(app.Owner1), ownerArgs(app.Owner2)
	_, err := q.db.Exec(ctx, `
		INSERT INTO applications (`+plainApplicationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''),
			$11, NULLIF($12, ''), NULLIF($13, ''), NULLIF($14, ''), $15, NULLIF($16, ''), $17, $18,
			$19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33)
	`, app.ID, app.FileID, app.SubmissionID, app.TenantID, app.CompanyID, app.LegalName,
		app.DBA, app.Identifier, app.EntityType, app.Industry,
		app.BusinessStartDate, app.BusinessAddress, app.BusinessPhone, app.Website,
		app.RequestedAmount, app.UseOfFunds, app.AnnualRevenue, app.MonthlyRevenue,
		o1.Name, o1.Title, o1.Pct, o1.Email, o1.Phone, o1.HomeAddress,
		o2.Name, o2.Title, o2.Pct, o2.Email, o2.Phone, o2.HomeAddress,
		app.Confidence, app.PayloadChecksum, app.CreatedAt)
	return translate("InsertApplication", err)
}

const plainApplicationColumns = `id, file_id, submission_id, tenant_id, company_id, legal_name,
	dba, identifier, entity_type, industry,
	business_start_date, business_address, business_phone, website,
	requested_amount, use_of_funds, annual_revenue, monthly_revenue,
	owner1_name, owner1_title, owner1_ownership_pct, owner1_email, owner1_phone, owner1_home_address,
	owner2_name, owner2_title, owner2_ownership_pct, owner2_email, owner2_phone, owner2_home_address,
	confidence, payload_checksum, created_at`

func (q *queries) GetApplicationByFile(ctx context.Context, fileID string) (*domain.Application, error) {
	a, err := scanApplication(q.db.QueryRow(ctx, `
		SELECT `+applicationColumns+` FROM applications WHERE file_id = $1
	`, fileID))
	if err != nil {
		return nil, translate("GetApplicationByFile", err)
	}
	return a, nil
}

func (q *queries) ListApplications(ctx context.Context, submissionID string) ([]*domain.Application, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+applicationColumns+`
		FROM applications
		WHERE submission_id = $1
		ORDER BY created_at, id
	`, submissionID)
	if err != nil {
		return nil, translate("ListApplications", err)
	}
	defer rows.Close()

	var out []*domain.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, translate("ListApplications: scan", err)
		}
		out = append(out, a)
	}
	return out, translate("ListApplications: rows", rows.Err())
}

func (q *queries) DeleteFileExtraction(ctx context.Context, fileID string) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM statements WHERE file_id = $1`, fileID); err != nil {
		return translate("DeleteFileExtraction: statements", err)
	}
	if _, err := q.db.Exec(ctx, `DELETE FROM applications WHERE file_id = $1`, fileID); err != nil {
		return translate("DeleteFileExtraction: applications", err)
	}
	return nil
}
