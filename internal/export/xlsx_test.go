package export

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

var t0 = time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.NewWithClock(func() time.Time { return t0 })

	require.NoError(t, s.CreateSubmission(ctx,
		&domain.Submission{ID: "sub-1", TenantID: "tenant-1", Status: domain.SubmissionProcessed, FilesTotal: 1, FilesProcessed: 1, CreatedAt: t0, UpdatedAt: t0},
		[]*domain.File{{ID: "f-1", SubmissionID: "sub-1", TenantID: "tenant-1", Name: "march.pdf", Status: domain.FileProcessed, DocumentType: domain.DocumentBankStatement, CreatedAt: t0, UpdatedAt: t0}},
	))

	last := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	acc, err := s.UpsertAccount(ctx, &domain.Account{
		ID: "acc-1", SubmissionID: "sub-1", TenantID: "tenant-1",
		AccountNumber: "12345678", MaskedNumber: "****5678", BankName: "First Bank",
		LatestBalance: decimal.NewNullDecimal(decimal.RequireFromString("130")), LastTransactionDate: &last,
	})
	require.NoError(t, err)

	require.NoError(t, s.InsertStatement(ctx, &domain.Statement{
		ID: "st-1", FileID: "f-1", SubmissionID: "sub-1", TenantID: "tenant-1", AccountID: acc.ID,
		PeriodStart: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), PeriodEnd: time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
		OpeningBalance: decimal.NewFromInt(100), ClosingBalance: decimal.NewFromInt(130),
		TotalCredits: decimal.NewFromInt(50), TotalDebits: decimal.NewFromInt(20), IsReconciled: true,
	}))
	require.NoError(t, s.InsertTransactions(ctx, []*domain.Transaction{
		{ID: "tx-1", StatementID: "st-1", SubmissionID: "sub-1", TenantID: "tenant-1", Sequence: 1, Date: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), Description: "Customer payment", Amount: decimal.NewFromInt(50)},
		{ID: "tx-2", StatementID: "st-1", SubmissionID: "sub-1", TenantID: "tenant-1", Sequence: 2, Date: time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC), Description: "Rent", Amount: decimal.RequireFromString("-20.5"), Category: "rent"},
	}))
	return s
}

func TestWriteSubmission(t *testing.T) {
	ctx := context.Background()
	s := seed(t)

	var buf bytes.Buffer
	require.NoError(t, WriteSubmission(ctx, s, "tenant-1", "sub-1", &buf))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetSummary, SheetFiles, SheetAccounts, SheetStatements, SheetTransactions, SheetApplications}, f.GetSheetList())

	summary, err := f.GetRows(SheetSummary)
	require.NoError(t, err)
	assert.Equal(t, []string{"Submission", "sub-1"}, summary[0])
	assert.Equal(t, []string{"Status", "processed"}, summary[1])

	txns, err := f.GetRows(SheetTransactions, excelize.Options{RawCellValue: true})
	require.NoError(t, err)
	require.Len(t, txns, 3)
	assert.Equal(t, "Date", txns[0][0])
	assert.Equal(t, []string{"2024-03-05", "Customer payment", "50"}, txns[1][:3])
	assert.Equal(t, "-20.5", txns[2][2])
	assert.Equal(t, "rent", txns[2][4])

	accounts, err := f.GetRows(SheetAccounts, excelize.Options{RawCellValue: true})
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "****5678", accounts[1][0])
	assert.Equal(t, "2024-03-20", accounts[1][4])

	files, err := f.GetRows(SheetFiles)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "march.pdf", files[1][1])

	apps, err := f.GetRows(SheetApplications)
	require.NoError(t, err)
	assert.Len(t, apps, 1, "header only")
}

func TestWriteSubmission_OtherTenant(t *testing.T) {
	s := seed(t)
	var buf bytes.Buffer
	err := WriteSubmission(context.Background(), s, "tenant-2", "sub-1", &buf)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Zero(t, buf.Len())
}
