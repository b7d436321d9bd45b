package callback

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/entity"
	"github.com/dvloznov/finance-intake/internal/lifecycle"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// normalizeAccountNumber drops whitespace so "12 3456" and "123456" name
// the same Account.
func normalizeAccountNumber(n string) string {
	return strings.Join(strings.Fields(n), "")
}

// writeStatement upserts the Account, inserts the Statement with its
// reconciliation result, and inserts the Transactions in source order. It
// reports true when the same payload was already applied.
func (p *Processor) writeStatement(ctx context.Context, tx *lifecycle.Tx, f *domain.File, sp *StatementPayload, sum string) (bool, error) {
	id := extractionID(f.ID, sum)
	dup, err := checkWritable(f, func() (string, error) {
		st, err := tx.GetStatementByFile(ctx, f.ID)
		if err != nil {
			return "", err
		}
		return st.ID, nil
	}, id)
	if err != nil || dup {
		return dup, err
	}

	now := p.now().UTC()
	amounts := make([]decimal.Decimal, len(sp.Transactions))
	var lastDate time.Time
	for i, t := range sp.Transactions {
		amounts[i] = t.Amount.Decimal
		if d := t.Date.In(time.UTC); d.After(lastDate) {
			lastDate = d
		}
	}
	if len(sp.Transactions) == 0 {
		lastDate = sp.PeriodEnd.In(time.UTC)
	}

	number := normalizeAccountNumber(sp.Account.AccountNumber)
	acc, err := tx.UpsertAccount(ctx, &domain.Account{
		ID:                  uuid.New().String(),
		SubmissionID:        f.SubmissionID,
		TenantID:            f.TenantID,
		AccountNumber:       number,
		MaskedNumber:        domain.MaskAccountNumber(number),
		BankName:            strings.TrimSpace(sp.Account.BankName),
		HolderName:          strings.TrimSpace(sp.Account.HolderName),
		LatestBalance:       sp.ClosingBalance,
		LastTransactionDate: &lastDate,
		CreatedAt:           now,
		UpdatedAt:           now,
	})
	if err != nil {
		return false, fmt.Errorf("writeStatement: upsert account: %w", err)
	}

	diff, reconciled := domain.Reconcile(sp.OpeningBalance.Decimal, sp.ClosingBalance.Decimal, amounts, p.opts.Epsilon)
	credits, debits, creditCount, debitCount := domain.Totals(amounts)

	st := &domain.Statement{
		ID:                       id,
		FileID:                   f.ID,
		SubmissionID:             f.SubmissionID,
		TenantID:                 f.TenantID,
		AccountID:                acc.ID,
		PeriodStart:              sp.PeriodStart.In(time.UTC),
		PeriodEnd:                sp.PeriodEnd.In(time.UTC),
		OpeningBalance:           sp.OpeningBalance.Decimal,
		ClosingBalance:           sp.ClosingBalance.Decimal,
		TotalCredits:             credits,
		TotalDebits:              debits,
		CreditCount:              creditCount,
		DebitCount:               debitCount,
		IsReconciled:             reconciled,
		ReconciliationDifference: diff,
		PayloadChecksum:          sum,
		CreatedAt:                now,
	}
	if err := tx.InsertStatement(ctx, st); err != nil {
		return false, fmt.Errorf("writeStatement: insert statement: %w", err)
	}

	txns := make([]*domain.Transaction, len(sp.Transactions))
	for i, t := range sp.Transactions {
		txns[i] = &domain.Transaction{
			ID:             uuid.New().String(),
			StatementID:    st.ID,
			SubmissionID:   f.SubmissionID,
			TenantID:       f.TenantID,
			Sequence:       i + 1,
			Date:           t.Date.In(time.UTC),
			Description:    strings.TrimSpace(t.Description),
			Amount:         t.Amount.Decimal,
			RunningBalance: t.RunningBalance,
			Category:       strings.TrimSpace(t.Category),
			Merchant:       strings.TrimSpace(t.Merchant),
			IsRecurring:    t.IsRecurring,
		}
	}
	if err := tx.InsertTransactions(ctx, txns); err != nil {
		return false, fmt.Errorf("writeStatement: insert transactions: %w", err)
	}
	return false, nil
}

// writeApplication resolves the company, inserts the Application and links
// the Submission to the company.
func (p *Processor) writeApplication(ctx context.Context, tx *lifecycle.Tx, f *domain.File, ap *ApplicationPayload, sum string) (bool, error) {
	id := extractionID(f.ID, sum)
	dup, err := checkWritable(f, func() (string, error) {
		app, err := tx.GetApplicationByFile(ctx, f.ID)
		if err != nil {
			return "", err
		}
		return app.ID, nil
	}, id)
	if err != nil || dup {
		return dup, err
	}

	c := ap.Company
	match, err := p.resolver.Resolve(ctx, tx, f.TenantID, entity.Identity{
		LegalName:  c.LegalName,
		Identifier: c.Identifier,
	})
	if err != nil {
		return false, fmt.Errorf("writeApplication: resolve company: %w", err)
	}

	app := &domain.Application{
		ID:              id,
		FileID:          f.ID,
		SubmissionID:    f.SubmissionID,
		TenantID:        f.TenantID,
		CompanyID:       match.CompanyID,
		LegalName:       strings.TrimSpace(c.LegalName),
		DBA:             strings.TrimSpace(c.DBA),
		Identifier:      entity.NormalizeIdentifier(c.Identifier),
		EntityType:      strings.TrimSpace(c.EntityType),
		Industry:        strings.TrimSpace(c.Industry),
		BusinessAddress: strings.TrimSpace(c.BusinessAddress),
		BusinessPhone:   strings.TrimSpace(c.BusinessPhone),
		Website:         strings.TrimSpace(c.Website),
		RequestedAmount: ap.Financials.RequestedAmount,
		UseOfFunds:      strings.TrimSpace(ap.Financials.UseOfFunds),
		AnnualRevenue:   ap.Financials.AnnualRevenue,
		MonthlyRevenue:  ap.Financials.MonthlyRevenue,
		Owner1:          ap.Owner1.toDomain(),
		Owner2:          ap.Owner2.toDomain(),
		Confidence:      ap.Confidence,
		PayloadChecksum: sum,
		CreatedAt:       p.now().UTC(),
	}
	if c.BusinessStartDate != nil {
		d := c.BusinessStartDate.In(time.UTC)
		app.BusinessStartDate = &d
	}
	if err := tx.InsertApplication(ctx, app); err != nil {
		return false, fmt.Errorf("writeApplication: insert application: %w", err)
	}
	if err := tx.SetSubmissionCompany(ctx, f.SubmissionID, match.CompanyID); err != nil {
		return false, fmt.Errorf("writeApplication: link submission: %w", err)
	}
	return false, nil
}
