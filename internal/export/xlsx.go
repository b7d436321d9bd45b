// Package export renders a Submission's extracted data as an XLSX workbook.
package export

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/store"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// ContentType is the MIME type of the workbook.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Sheet names, in workbook order.
const (
	SheetSummary      = "Summary"
	SheetFiles        = "Files"
	SheetAccounts     = "Accounts"
	SheetStatements   = "Statements"
	SheetTransactions = "Transactions"
	SheetApplications = "Applications"
)

const dateLayout = "2006-01-02"

// Repository is the slice of the store the export reads.
type Repository interface {
	GetSubmission(ctx context.Context, tenantID, id string) (*domain.Submission, error)
	ListFiles(ctx context.Context, submissionID string) ([]*domain.File, error)
	GetMetrics(ctx context.Context, submissionID string) (*domain.SubmissionMetrics, error)
	ListAccounts(ctx context.Context, submissionID string) ([]*domain.Account, error)
	ListStatements(ctx context.Context, submissionID string) ([]*domain.Statement, error)
	ListTransactions(ctx context.Context, submissionID string) ([]*domain.Transaction, error)
	ListApplications(ctx context.Context, submissionID string) ([]*domain.Application, error)
}

var _ Repository = (store.Repository)(nil)

type workbook struct {
	f      *excelize.File
	header int
	money  int
}

// WriteSubmission writes the workbook for one of the tenant's Submissions.
func WriteSubmission(ctx context.Context, repo Repository, tenantID, submissionID string, w io.Writer) error {
	sub, err := repo.GetSubmission(ctx, tenantID, submissionID)
	if err != nil {
		return fmt.Errorf("WriteSubmission: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	wb := &workbook{f: f}
	if wb.header, err = f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err != nil {
		return fmt.Errorf("WriteSubmission: header style: %w", err)
	}
	// Built-in format 4 is "#,##0.00".
	if wb.money, err = f.NewStyle(&excelize.Style{NumFmt: 4}); err != nil {
		return fmt.Errorf("WriteSubmission: money style: %w", err)
	}

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return fmt.Errorf("WriteSubmission: %w", err)
	}
	for _, name := range []string{SheetFiles, SheetAccounts, SheetStatements, SheetTransactions, SheetApplications} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("WriteSubmission: new sheet %s: %w", name, err)
		}
	}

	steps := []func(context.Context, Repository, *domain.Submission) error{
		wb.summary,
		wb.files,
		wb.accounts,
		wb.statements,
		wb.transactions,
		wb.applications,
	}
	for _, step := range steps {
		if err := step(ctx, repo, sub); err != nil {
			return fmt.Errorf("WriteSubmission: %w", err)
		}
	}

	f.SetActiveSheet(0)
	if err := f.Write(w); err != nil {
		return fmt.Errorf("WriteSubmission: writing workbook: %w", err)
	}
	return nil
}

func money(d decimal.Decimal) float64 {
	return d.InexactFloat64()
}

func nullMoney(d decimal.NullDecimal) interface{} {
	if !d.Valid {
		return nil
	}
	return d.Decimal.InexactFloat64()
}

func date(t interface{ Format(string) string }) string {
	return t.Format(dateLayout)
}

// table writes a header row and data rows with a stream writer. Columns
// listed in moneyCols get the money format.
func (wb *workbook) table(sheet string, headings []string, rows [][]interface{}, moneyCols ...int) error {
	sw, err := wb.f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("%s: %w", sheet, err)
	}

	head := make([]interface{}, len(headings))
	for i, h := range headings {
		head[i] = excelize.Cell{StyleID: wb.header, Value: h}
	}
	if err := sw.SetRow("A1", head); err != nil {
		return fmt.Errorf("%s: header: %w", sheet, err)
	}

	isMoney := make(map[int]bool, len(moneyCols))
	for _, c := range moneyCols {
		isMoney[c] = true
	}
	for i, row := range rows {
		for c, v := range row {
			if isMoney[c] && v != nil {
				row[c] = excelize.Cell{StyleID: wb.money, Value: v}
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("%s: %w", sheet, err)
		}
		if err := sw.SetRow(cell, row); err != nil {
			return fmt.Errorf("%s: row %d: %w", sheet, i+1, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("%s: flush: %w", sheet, err)
	}
	return nil
}

func (wb *workbook) summary(ctx context.Context, repo Repository, sub *domain.Submission) error {
	rows := [][]interface{}{
		{"Submission", sub.ID},
		{"Status", string(sub.Status)},
		{"Files", fmt.Sprintf("%d of %d processed", sub.FilesProcessed, sub.FilesTotal)},
		{"Created", sub.CreatedAt.UTC().Format("2006-01-02 15:04:05")},
	}

	m, err := repo.GetMetrics(ctx, sub.ID)
	switch {
	case apperrors.IsNotFound(err):
	case err != nil:
		return fmt.Errorf("summary: %w", err)
	default:
		period := ""
		if m.PeriodStart != nil && m.PeriodEnd != nil {
			period = date(*m.PeriodStart) + " to " + date(*m.PeriodEnd)
		}
		rows = append(rows,
			[]interface{}{"Period", period},
			[]interface{}{"Total deposits", money(m.TotalDeposits)},
			[]interface{}{"Total withdrawals", money(m.TotalWithdrawals)},
			[]interface{}{"Deposit count", m.DepositCount},
			[]interface{}{"Withdrawal count", m.WithdrawalCount},
			[]interface{}{"Minimum balance", nullMoney(m.MinBalance)},
			[]interface{}{"Maximum balance", nullMoney(m.MaxBalance)},
			[]interface{}{"Estimated monthly revenue", money(m.EstimatedMonthlyRevenue)},
			[]interface{}{"Negative balance days", m.NegativeBalanceDays},
			[]interface{}{"NSF count", m.NSFCount},
			[]interface{}{"Accounts", m.AccountCount},
			[]interface{}{"Statements", m.StatementCount},
			[]interface{}{"Transactions", m.TransactionCount},
			[]interface{}{"Categorization coverage", m.CategorizationCoverage.InexactFloat64()},
		)
	}

	f := wb.f
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(SheetSummary, cell, &row); err != nil {
			return fmt.Errorf("summary: %w", err)
		}
	}
	if err := f.SetCellStyle(SheetSummary, "A1", fmt.Sprintf("A%d", len(rows)), wb.header); err != nil {
		return fmt.Errorf("summary: %w", err)
	}
	return f.SetColWidth(SheetSummary, "A", "B", 28)
}

func (wb *workbook) files(ctx context.Context, repo Repository, sub *domain.Submission) error {
	files, err := repo.ListFiles(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("files: %w", err)
	}
	rows := make([][]interface{}, 0, len(files))
	for _, f := range files {
		var confidence interface{}
		if f.Confidence != nil {
			confidence = *f.Confidence
		}
		rows = append(rows, []interface{}{
			f.ID, f.Name, string(f.DocumentType), confidence, string(f.Status), f.ErrorText,
		})
	}
	return wb.table(SheetFiles, []string{"File ID", "Name", "Document type", "Confidence", "Status", "Error"}, rows)
}

func (wb *workbook) accounts(ctx context.Context, repo Repository, sub *domain.Submission) error {
	accounts, err := repo.ListAccounts(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("accounts: %w", err)
	}
	rows := make([][]interface{}, 0, len(accounts))
	for _, a := range accounts {
		last := ""
		if a.LastTransactionDate != nil {
			last = date(*a.LastTransactionDate)
		}
		rows = append(rows, []interface{}{
			a.MaskedNumber, a.BankName, a.HolderName, nullMoney(a.LatestBalance), last,
		})
	}
	return wb.table(SheetAccounts, []string{"Account", "Bank", "Holder", "Latest balance", "Last transaction"}, rows, 3)
}

func (wb *workbook) statements(ctx context.Context, repo Repository, sub *domain.Submission) error {
	statements, err := repo.ListStatements(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("statements: %w", err)
	}
	rows := make([][]interface{}, 0, len(statements))
	for _, s := range statements {
		rows = append(rows, []interface{}{
			s.FileID, date(s.PeriodStart), date(s.PeriodEnd),
			money(s.OpeningBalance), money(s.ClosingBalance),
			money(s.TotalCredits), money(s.TotalDebits),
			s.IsReconciled, money(s.ReconciliationDifference),
		})
	}
	headings := []string{"File ID", "Period start", "Period end", "Opening", "Closing", "Credits", "Debits", "Reconciled", "Difference"}
	return wb.table(SheetStatements, headings, rows, 3, 4, 5, 6, 8)
}

func (wb *workbook) transactions(ctx context.Context, repo Repository, sub *domain.Submission) error {
	txns, err := repo.ListTransactions(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("transactions: %w", err)
	}
	rows := make([][]interface{}, 0, len(txns))
	for _, t := range txns {
		rows = append(rows, []interface{}{
			date(t.Date), t.Description, money(t.Amount), nullMoney(t.RunningBalance),
			t.Category, t.Merchant, t.IsRecurring,
		})
	}
	headings := []string{"Date", "Description", "Amount", "Running balance", "Category", "Merchant", "Recurring"}
	return wb.table(SheetTransactions, headings, rows, 2, 3)
}

func owners(a *domain.Application) string {
	var names []string
	for _, o := range []*domain.Owner{a.Owner1, a.Owner2} {
		if o != nil && o.Name != "" {
			names = append(names, o.Name)
		}
	}
	return strings.Join(names, ", ")
}

func (wb *workbook) applications(ctx context.Context, repo Repository, sub *domain.Submission) error {
	apps, err := repo.ListApplications(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("applications: %w", err)
	}
	rows := make([][]interface{}, 0, len(apps))
	for _, a := range apps {
		rows = append(rows, []interface{}{
			a.LegalName, a.DBA, a.Identifier, a.Industry,
			nullMoney(a.RequestedAmount), a.UseOfFunds, nullMoney(a.AnnualRevenue), owners(a),
		})
	}
	headings := []string{"Legal name", "DBA", "Identifier", "Industry", "Requested amount", "Use of funds", "Annual revenue", "Owners"}
	return wb.table(SheetApplications, headings, rows, 4, 6)
}
