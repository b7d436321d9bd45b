package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSubmission(t *testing.T, s *Store) (*domain.Submission, *domain.File) {
	t.Helper()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sub := &domain.Submission{
		ID:              "sub-1",
		TenantID:        "tenant-1",
		IngestionMethod: domain.IngestionAPI,
		Status:          domain.SubmissionPending,
		FilesTotal:      1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	f := &domain.File{
		ID:           "file-1",
		SubmissionID: sub.ID,
		TenantID:     sub.TenantID,
		Name:         "statement.pdf",
		Status:       domain.FileUploaded,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, s.CreateSubmission(context.Background(), sub, []*domain.File{f}))
	return sub, f
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := New()
	_, f := seedSubmission(t, s)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Repository) error {
		_, err := tx.TransitionFile(ctx, f.ID, []domain.FileStatus{domain.FileUploaded}, domain.FileClassifying, store.FilePatch{})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetFile(ctx, "", f.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FileUploaded, got.Status)
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	s := New()
	_, f := seedSubmission(t, s)
	ctx := context.Background()

	handle := "job-42"
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Repository) error {
		_, err := tx.TransitionFile(ctx, f.ID, []domain.FileStatus{domain.FileUploaded}, domain.FileClassifying,
			store.FilePatch{JobHandle: &handle})
		return err
	})
	require.NoError(t, err)

	got, err := s.GetFile(ctx, "", f.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.FileClassifying, got.Status)
	assert.Equal(t, "job-42", got.JobHandle)
}

func TestTransitionFile_StatusMismatchIsConflict(t *testing.T) {
	s := New()
	_, f := seedSubmission(t, s)

	_, err := s.TransitionFile(context.Background(), f.ID, []domain.FileStatus{domain.FileProcessing}, domain.FileProcessed, store.FilePatch{})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestGetFile_TenantScoped(t *testing.T) {
	s := New()
	_, f := seedSubmission(t, s)

	_, err := s.GetFile(context.Background(), "tenant-2", f.ID)
	assert.True(t, apperrors.IsNotFound(err))

	_, err = s.GetFile(context.Background(), "tenant-1", f.ID)
	assert.NoError(t, err)
}

func TestUpsertAccount_LaterDateWins(t *testing.T) {
	s := New()
	ctx := context.Background()
	march := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)

	first, err := s.UpsertAccount(ctx, &domain.Account{
		SubmissionID:        "sub-1",
		AccountNumber:       "12345678",
		LatestBalance:       decimal.NewNullDecimal(decimal.RequireFromString("900.00")),
		LastTransactionDate: &march,
	})
	require.NoError(t, err)

	second, err := s.UpsertAccount(ctx, &domain.Account{
		SubmissionID:        "sub-1",
		AccountNumber:       "12345678",
		BankName:            "First Bank",
		LatestBalance:       decimal.NewNullDecimal(decimal.RequireFromString("100.00")),
		LastTransactionDate: &feb,
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.LatestBalance.Decimal.Equal(decimal.RequireFromString("900.00")))
	assert.Equal(t, march, *second.LastTransactionDate)
	assert.Equal(t, "First Bank", second.BankName)

	accounts, err := s.ListAccounts(ctx, "sub-1")
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestInsertStatement_SecondForFileIsConflict(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.InsertStatement(ctx, &domain.Statement{ID: "st-1", FileID: "file-1", SubmissionID: "sub-1"}))
	err := s.InsertStatement(ctx, &domain.Statement{ID: "st-2", FileID: "file-1", SubmissionID: "sub-1"})
	assert.True(t, apperrors.IsConflict(err))
}

func TestCompanies_UniquenessAndLookup(t *testing.T) {
	s := New()
	ctx := context.Background()

	acme := &domain.Company{ID: "co-1", TenantID: "tenant-1", LegalName: "Acme LLC", NormalizedName: "acme llc"}
	require.NoError(t, s.CreateCompany(ctx, acme, &domain.Alias{
		ID: "al-1", CompanyID: "co-1", TenantID: "tenant-1", Alias: "Acme LLC", NormalizedAlias: "acme llc",
	}))

	err := s.CreateCompany(ctx, &domain.Company{ID: "co-2", TenantID: "tenant-1", LegalName: "ACME, LLC", NormalizedName: "acme llc"}, nil)
	assert.True(t, apperrors.IsConflict(err))

	// Same name in another tenant is a different company.
	require.NoError(t, s.CreateCompany(ctx, &domain.Company{ID: "co-3", TenantID: "tenant-2", LegalName: "Acme LLC", NormalizedName: "acme llc"}, nil))

	require.NoError(t, s.SetCompanyIdentifier(ctx, "co-1", "123456789"))
	got, err := s.FindCompanyByIdentifier(ctx, "tenant-1", "123456789")
	require.NoError(t, err)
	assert.Equal(t, "co-1", got.ID)
	require.Len(t, got.Aliases, 1)

	_, err = s.FindCompanyByIdentifier(ctx, "tenant-2", "123456789")
	assert.True(t, apperrors.IsNotFound(err))

	byAlias, err := s.FindCompanyByAlias(ctx, "tenant-1", "acme llc")
	require.NoError(t, err)
	assert.Equal(t, "co-1", byAlias.ID)
}

func TestDeleteFileExtraction_RemovesTransactions(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.InsertStatement(ctx, &domain.Statement{ID: "st-1", FileID: "file-1", SubmissionID: "sub-1"}))
	require.NoError(t, s.InsertTransactions(ctx, []*domain.Transaction{
		{ID: "t-1", StatementID: "st-1", SubmissionID: "sub-1", Sequence: 1, Amount: decimal.NewFromInt(5)},
	}))

	require.NoError(t, s.DeleteFileExtraction(ctx, "file-1"))

	txns, err := s.ListTransactions(ctx, "sub-1")
	require.NoError(t, err)
	assert.Empty(t, txns)
	_, err = s.GetStatementByFile(ctx, "file-1")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestListDueOutbox(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.InsertOutbox(ctx, &domain.OutboxEntry{ID: "o-1", Status: domain.OutboxPending, NextAttemptAt: now.Add(-time.Minute)}))
	require.NoError(t, s.InsertOutbox(ctx, &domain.OutboxEntry{ID: "o-2", Status: domain.OutboxPending, NextAttemptAt: now.Add(time.Minute)}))
	require.NoError(t, s.InsertOutbox(ctx, &domain.OutboxEntry{ID: "o-3", Status: domain.OutboxSent, NextAttemptAt: now.Add(-time.Hour)}))

	due, err := s.ListDueOutbox(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "o-1", due[0].ID)
}
