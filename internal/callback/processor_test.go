package callback

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dvloznov/finance-intake/internal/aggregate"
	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/dispatch"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/entity"
	"github.com/dvloznov/finance-intake/internal/jobs"
	"github.com/dvloznov/finance-intake/internal/lifecycle"
	"github.com/dvloznov/finance-intake/internal/store"
	"github.com/dvloznov/finance-intake/internal/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC)

type nopPublisher struct {
	mu   sync.Mutex
	jobs []*jobs.DispatchJob
}

func (p *nopPublisher) PublishDispatch(ctx context.Context, job *jobs.DispatchJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *nopPublisher) Close() error { return nil }

type fixture struct {
	p       *Processor
	d       *dispatch.Dispatcher
	store   *memory.Store
	machine *lifecycle.Machine
}

// seed creates a Submission of tenant-1 holding files.
func seed(t *testing.T, s *memory.Store, subID string, files ...*domain.File) {
	t.Helper()
	sub := &domain.Submission{
		ID: subID, TenantID: "tenant-1", Status: domain.SubmissionPending,
		FilesTotal: len(files), CreatedAt: t0, UpdatedAt: t0,
	}
	for _, f := range files {
		f.SubmissionID = subID
		f.TenantID = "tenant-1"
		f.MimeType = "application/pdf"
		f.CreatedAt = t0
		f.UpdatedAt = t0
	}
	require.NoError(t, s.CreateSubmission(context.Background(), sub, files))
}

func newFixture(t *testing.T, resolver entity.Resolver) *fixture {
	t.Helper()
	return newFixtureWith(t, resolver, nil)
}

// newFixtureWith is newFixture with the lifecycle machine running on
// wrap(store) instead of the memory store itself.
func newFixtureWith(t *testing.T, resolver entity.Resolver, wrap func(*memory.Store) store.Store) *fixture {
	t.Helper()
	s := memory.NewWithClock(func() time.Time { return t0 })
	var st store.Store = s
	if wrap != nil {
		st = wrap(s)
	}
	m := lifecycle.New(st, aggregate.New())
	d := dispatch.New(m, &nopPublisher{}, nil, nil, dispatch.Options{})
	if resolver == nil {
		resolver = entity.NewChainResolver()
	}
	p := New(m, resolver, d, Options{
		Retry: apperrors.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	p.now = func() time.Time { return t0 }
	return &fixture{p: p, d: d, store: s, machine: m}
}

func statementEnvelope(fileID, subID string, payload string) *Envelope {
	return &Envelope{
		FileID:       fileID,
		SubmissionID: subID,
		TenantID:     "tenant-1",
		DocumentType: domain.DocumentBankStatement,
		Status:       StatusCompleted,
		JobID:        "job-" + fileID,
		Payload:      json.RawMessage(payload),
	}
}

const scenarioA = `{
	"account": {"account_number": "12 345678", "bank_name": "First Bank", "holder_name": "Acme LLC"},
	"period_start": "2024-03-01",
	"period_end": "2024-03-31",
	"opening_balance": "100.00",
	"closing_balance": "150.00",
	"transactions": [
		{"date": "2024-03-05", "description": "Customer payment", "amount": 50.00, "running_balance": 150.00, "category": "revenue"}
	]
}`

const scenarioB = `{
	"account": {"account_number": "12345678"},
	"period_start": "2024-03-01",
	"period_end": "2024-03-31",
	"opening_balance": 100.00,
	"closing_balance": 200.00,
	"transactions": [
		{"date": "2024-03-05", "description": "Customer payment", "amount": "50.00"}
	]
}`

func (fx *fixture) file(t *testing.T, id string) *domain.File {
	t.Helper()
	f, err := fx.store.GetFile(context.Background(), "", id)
	require.NoError(t, err)
	return f
}

func (fx *fixture) submission(t *testing.T, id string) *domain.Submission {
	t.Helper()
	sub, err := fx.store.GetSubmission(context.Background(), "", id)
	require.NoError(t, err)
	return sub
}

func TestScenarioA_ReconciledStatement(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	seed(t, fx.store, "sub-1", &domain.File{ID: "f-1", Status: domain.FileClassified, DocumentType: domain.DocumentBankStatement})

	acc, err := fx.d.Enqueue(ctx, "tenant-1", "f-1")
	require.NoError(t, err)
	assert.Equal(t, "accepted", acc.Status)
	assert.Equal(t, domain.FileProcessing, fx.file(t, "f-1").Status)

	res := fx.p.HandleExtraction(ctx, statementEnvelope("f-1", "sub-1", scenarioA))
	assert.Equal(t, domain.OutcomeApplied, res.Outcome, res.Detail)
	assert.Equal(t, domain.FileProcessed, res.FileStatus)

	st, err := fx.store.GetStatementByFile(ctx, "f-1")
	require.NoError(t, err)
	assert.True(t, st.IsReconciled)
	assert.True(t, st.ReconciliationDifference.IsZero())
	assert.True(t, st.TotalCredits.Equal(decimal.RequireFromString("50")))
	assert.Equal(t, 1, st.CreditCount)

	txns, err := fx.store.ListTransactions(ctx, "sub-1")
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, 1, txns[0].Sequence)
	assert.Equal(t, "revenue", txns[0].Category)

	accounts, err := fx.store.ListAccounts(ctx, "sub-1")
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "12345678", accounts[0].AccountNumber)
	assert.Equal(t, "****5678", accounts[0].MaskedNumber)

	f := fx.file(t, "f-1")
	assert.Equal(t, domain.FileProcessed, f.Status)
	assert.Equal(t, "job-f-1", f.JobHandle)
	assert.NotNil(t, f.ProcessingCompletedAt)

	sub := fx.submission(t, "sub-1")
	assert.Equal(t, domain.SubmissionProcessed, sub.Status)
	assert.Equal(t, 1, sub.FilesProcessed)

	metrics, err := fx.store.GetMetrics(ctx, "sub-1")
	require.NoError(t, err)
	assert.True(t, metrics.TotalDeposits.Equal(decimal.RequireFromString("50")))
	assert.Equal(t, 1, metrics.StatementCount)
}

func TestScenarioB_UnreconciledStatementStillProcessed(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	seed(t, fx.store, "sub-1", &domain.File{ID: "f-1", Status: domain.FileProcessing, DocumentType: domain.DocumentBankStatement})

	res := fx.p.HandleExtraction(ctx, statementEnvelope("f-1", "sub-1", scenarioB))
	require.Equal(t, domain.OutcomeApplied, res.Outcome, res.Detail)

	st, err := fx.store.GetStatementByFile(ctx, "f-1")
	require.NoError(t, err)
	assert.False(t, st.IsReconciled)
	assert.True(t, st.ReconciliationDifference.Equal(decimal.RequireFromString("-50.00")), st.ReconciliationDifference.String())
	assert.Equal(t, domain.FileProcessed, fx.file(t, "f-1").Status)
}

func TestRedelivery_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	seed(t, fx.store, "sub-1", &domain.File{ID: "f-1", Status: domain.FileProcessing, DocumentType: domain.DocumentBankStatement})

	first := fx.p.HandleExtraction(ctx, statementEnvelope("f-1", "sub-1", scenarioA))
	require.Equal(t, domain.OutcomeApplied, first.Outcome, first.Detail)

	// Same values, different formatting.
	reformatted := `{"transactions":[{"amount":"50","date":"2024-03-05","description":"Customer payment","running_balance":"150","category":"revenue"}],
		"closing_balance":150,"opening_balance":100,"period_end":"2024-03-31","period_start":"2024-03-01",
		"account":{"holder_name":"Acme LLC","bank_name":"First Bank","account_number":"12 345678"}}`
	second := fx.p.HandleExtraction(ctx, statementEnvelope("f-1", "sub-1", reformatted))
	assert.Equal(t, domain.OutcomeDuplicate, second.Outcome, second.Detail)
	assert.Equal(t, domain.FileProcessed, second.FileStatus)

	txns, err := fx.store.ListTransactions(ctx, "sub-1")
	require.NoError(t, err)
	assert.Len(t, txns, 1)

	third := fx.p.HandleExtraction(ctx, statementEnvelope("f-1", "sub-1", scenarioB))
	assert.Equal(t, domain.OutcomeConflict, third.Outcome)

	st, err := fx.store.GetStatementByFile(ctx, "f-1")
	require.NoError(t, err)
	assert.True(t, st.IsReconciled, "conflicting redelivery must not overwrite")
	assert.Equal(t, domain.FileProcessed, fx.file(t, "f-1").Status)

	deliveries, err := fx.store.ListDeliveries(ctx, "f-1")
	require.NoError(t, err)
	require.Len(t, deliveries, 3)
	assert.Equal(t, domain.OutcomeApplied, deliveries[0].Outcome)
	assert.Equal(t, domain.OutcomeDuplicate, deliveries[1].Outcome)
	assert.Equal(t, domain.OutcomeConflict, deliveries[2].Outcome)
	assert.Equal(t, deliveries[0].Checksum, deliveries[1].Checksum)
	assert.NotEqual(t, deliveries[0].Checksum, deliveries[2].Checksum)
}

func TestScenarioC_MixedOutcomeIsPartiallyFailed(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	seed(t, fx.store, "sub-1",
		&domain.File{ID: "f-1", Status: domain.FileProcessing, DocumentType: domain.DocumentBankStatement},
		&domain.File{ID: "f-2", Status: domain.FileProcessing, DocumentType: domain.DocumentBankStatement},
	)

	res := fx.p.HandleExtraction(ctx, statementEnvelope("f-1", "sub-1", scenarioA))
	require.Equal(t, domain.OutcomeApplied, res.Outcome, res.Detail)

	sub := fx.submission(t, "sub-1")
	assert.Equal(t, domain.SubmissionProcessing, sub.Status)
	assert.Equal(t, 1, sub.FilesProcessed)

	failure := &Envelope{
		FileID: "f-2", SubmissionID: "sub-1", TenantID: "tenant-1",
		DocumentType: domain.DocumentBankStatement, Status: StatusFailed, Error: "ocr timeout",
	}
	res = fx.p.HandleExtraction(ctx, failure)
	assert.Equal(t, domain.OutcomeApplied, res.Outcome)
	assert.Equal(t, domain.FileFailed, res.FileStatus)

	f := fx.file(t, "f-2")
	assert.Equal(t, "extraction failed: ocr timeout", f.ErrorText)

	sub = fx.submission(t, "sub-1")
	assert.Equal(t, domain.SubmissionPartiallyFailed, sub.Status)
	assert.Equal(t, 2, sub.FilesProcessed)
	assert.Equal(t, sub.FilesTotal, sub.FilesProcessed)

	res = fx.p.HandleExtraction(ctx, failure)
	assert.Equal(t, domain.OutcomeDuplicate, res.Outcome)
}

func applicationEnvelope(fileID, subID, legalName string, extra string) *Envelope {
	payload := `{"company": {"legal_name": "` + legalName + `", "industry": "retail"}, "financials": {"requested_amount": "25000"}, "confidence": 0.9` + extra + `}`
	return &Envelope{
		FileID: fileID, SubmissionID: subID, TenantID: "tenant-1",
		DocumentType: domain.DocumentApplication, Payload: json.RawMessage(payload),
	}
}

func TestScenarioD_NameVariantsResolveToOneCompany(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	seed(t, fx.store, "sub-1", &domain.File{ID: "f-1", Status: domain.FileProcessing, DocumentType: domain.DocumentApplication})
	seed(t, fx.store, "sub-2", &domain.File{ID: "f-2", Status: domain.FileProcessing, DocumentType: domain.DocumentApplication})

	res := fx.p.HandleExtraction(ctx, applicationEnvelope("f-1", "sub-1", "Acme LLC", ""))
	require.Equal(t, domain.OutcomeApplied, res.Outcome, res.Detail)
	res = fx.p.HandleExtraction(ctx, applicationEnvelope("f-2", "sub-2", "ACME llc.", ""))
	require.Equal(t, domain.OutcomeApplied, res.Outcome, res.Detail)

	a1, err := fx.store.GetApplicationByFile(ctx, "f-1")
	require.NoError(t, err)
	a2, err := fx.store.GetApplicationByFile(ctx, "f-2")
	require.NoError(t, err)
	require.NotEmpty(t, a1.CompanyID)
	assert.Equal(t, a1.CompanyID, a2.CompanyID)
	assert.Equal(t, "ACME llc.", a2.LegalName)
	assert.True(t, a1.RequestedAmount.Valid)

	companies, err := fx.store.ListCompanies(ctx, "tenant-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, companies, 1)

	assert.Equal(t, a1.CompanyID, fx.submission(t, "sub-1").CompanyID)
	assert.Equal(t, a1.CompanyID, fx.submission(t, "sub-2").CompanyID)
}

func TestApplication_Owners(t *testing.T) {
	ctx := context.Background()
	owner := `{"name": "Jane Roe", "title": "CEO", "ownership_percentage": 60, "email": "jane@example.com", "phone": "555-0100", "home_address": "1 Main St"}`

	t.Run("complete second owner", func(t *testing.T) {
		fx := newFixture(t, nil)
		seed(t, fx.store, "sub-1", &domain.File{ID: "f-1", Status: domain.FileProcessing, DocumentType: domain.DocumentApplication})

		res := fx.p.HandleExtraction(ctx, applicationEnvelope("f-1", "sub-1", "Acme LLC", `, "owner_1": `+owner+`, "owner_2": `+owner))
		require.Equal(t, domain.OutcomeApplied, res.Outcome, res.Detail)

		app, err := fx.store.GetApplicationByFile(ctx, "f-1")
		require.NoError(t, err)
		require.NotNil(t, app.Owner2)
		assert.Equal(t, "Jane Roe", app.Owner2.Name)
	})

	t.Run("all-null second owner", func(t *testing.T) {
		fx := newFixture(t, nil)
		seed(t, fx.store, "sub-1", &domain.File{ID: "f-1", Status: domain.FileProcessing, DocumentType: domain.DocumentApplication})

		nullOwner := `{"name": null, "title": null, "ownership_percentage": null, "email": null, "phone": null, "home_address": null}`
		res := fx.p.HandleExtraction(ctx, applicationEnvelope("f-1", "sub-1", "Acme LLC", `, "owner_1": `+owner+`, "owner_2": `+nullOwner))
		require.Equal(t, domain.OutcomeApplied, res.Outcome, res.Detail)

		app, err := fx.store.GetApplicationByFile(ctx, "f-1")
		require.NoError(t, err)
		assert.NotNil(t, app.Owner1)
		assert.Nil(t, app.Owner2)
	})

	t.Run("partial second owner is rejected and fails the file", func(t *testing.T) {
		fx := newFixture(t, nil)
		seed(t, fx.store, "sub-1", &domain.File{ID: "f-1", Status: domain.FileProcessing, DocumentType: domain.DocumentApplication})

		res := fx.p.HandleExtraction(ctx, applicationEnvelope("f-1", "sub-1", "Acme LLC", `, "owner_2": {"name": "John Roe", "email": "john@example.com"}`))
		assert.Equal(t, domain.OutcomeRejected, res.Outcome)
		assert.Contains(t, res.Detail, "owner_2 is partially populated")
		assert.Equal(t, domain.FileFailed, res.FileStatus)

		_, err := fx.store.GetApplicationByFile(ctx, "f-1")
		assert.True(t, apperrors.IsNotFound(err))
		assert.Contains(t, fx.file(t, "f-1").ErrorText, "invalid extraction payload")
	})
}

func TestExtraction_RejectsMalformedAndUnknown(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	seed(t, fx.store, "sub-1",
		&domain.File{ID: "f-1", Status: domain.FileProcessing, DocumentType: domain.DocumentBankStatement},
		&domain.File{ID: "f-2", Status: domain.FileProcessing, DocumentType: domain.DocumentBankStatement},
	)

	res := fx.p.HandleExtraction(ctx, statementEnvelope("f-1", "sub-1", `{"account": {"account_number": "1"}, "transactions": "nope"}`))
	assert.Equal(t, domain.OutcomeRejected, res.Outcome)
	assert.Equal(t, domain.FileFailed, fx.file(t, "f-1").Status)

	env := statementEnvelope("f-2", "sub-1", scenarioA)
	env.TenantID = "tenant-2"
	res = fx.p.HandleExtraction(ctx, env)
	assert.Equal(t, domain.OutcomeRejected, res.Outcome)
	assert.Equal(t, domain.FileProcessing, fx.file(t, "f-2").Status)

	env = statementEnvelope("f-2", "sub-other", scenarioA)
	res = fx.p.HandleExtraction(ctx, env)
	assert.Equal(t, domain.OutcomeRejected, res.Outcome)

	env = statementEnvelope("f-2", "sub-1", scenarioA)
	env.DocumentType = domain.DocumentApplication
	res = fx.p.HandleExtraction(ctx, env)
	assert.Equal(t, domain.OutcomeConflict, res.Outcome)
	assert.Equal(t, domain.FileProcessing, fx.file(t, "f-2").Status)

	res = fx.p.HandleExtraction(ctx, &Envelope{TenantID: "tenant-1", DocumentType: domain.DocumentBankStatement})
	assert.Equal(t, domain.OutcomeRejected, res.Outcome)
}

func TestExtraction_StateRules(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	seed(t, fx.store, "sub-1",
		&domain.File{ID: "f-1", Status: domain.FileClassified, DocumentType: domain.DocumentBankStatement},
		&domain.File{ID: "f-2", Status: domain.FileUploaded},
		&domain.File{ID: "f-3", Status: domain.FileFailed, DocumentType: domain.DocumentBankStatement},
	)

	// The callback raced ahead of the dispatcher's own status write.
	res := fx.p.HandleExtraction(ctx, statementEnvelope("f-1", "sub-1", scenarioA))
	assert.Equal(t, domain.OutcomeApplied, res.Outcome, res.Detail)
	f := fx.file(t, "f-1")
	assert.Equal(t, domain.FileProcessed, f.Status)
	assert.NotNil(t, f.ProcessingStartedAt)

	res = fx.p.HandleExtraction(ctx, statementEnvelope("f-2", "sub-1", scenarioA))
	assert.Equal(t, domain.OutcomeConflict, res.Outcome)
	assert.Equal(t, domain.FileUploaded, fx.file(t, "f-2").Status)

	res = fx.p.HandleExtraction(ctx, statementEnvelope("f-3", "sub-1", scenarioA))
	assert.Equal(t, domain.OutcomeConflict, res.Outcome)
	assert.Equal(t, domain.FileFailed, fx.file(t, "f-3").Status)
}

// flakyResolver fails with a transient error a set number of times.
type flakyResolver struct {
	failures int
	calls    int
	next     entity.Resolver
}

func (r *flakyResolver) Resolve(ctx context.Context, companies store.CompanyRepository, tenantID string, id entity.Identity) (entity.Match, error) {
	r.calls++
	if r.calls <= r.failures {
		return entity.Match{}, apperrors.Transient("resolve", errors.New("connection reset"))
	}
	return r.next.Resolve(ctx, companies, tenantID, id)
}

func TestExtraction_TransientWriteFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("recovers within budget", func(t *testing.T) {
		r := &flakyResolver{failures: 2, next: entity.NewChainResolver()}
		fx := newFixture(t, r)
		seed(t, fx.store, "sub-1", &domain.File{ID: "f-1", Status: domain.FileProcessing, DocumentType: domain.DocumentApplication})

		res := fx.p.HandleExtraction(ctx, applicationEnvelope("f-1", "sub-1", "Acme LLC", ""))
		assert.Equal(t, domain.OutcomeApplied, res.Outcome, res.Detail)
		assert.Equal(t, 3, r.calls)
	})

	t.Run("falls back to failed", func(t *testing.T) {
		r := &flakyResolver{failures: 10, next: entity.NewChainResolver()}
		fx := newFixture(t, r)
		seed(t, fx.store, "sub-1", &domain.File{ID: "f-1", Status: domain.FileProcessing, DocumentType: domain.DocumentApplication})

		res := fx.p.HandleExtraction(ctx, applicationEnvelope("f-1", "sub-1", "Acme LLC", ""))
		assert.Equal(t, domain.OutcomeFailed, res.Outcome)
		assert.Equal(t, domain.FileFailed, res.FileStatus)
		assert.Equal(t, 3, r.calls)

		f := fx.file(t, "f-1")
		assert.Contains(t, f.ErrorText, "extraction write failed")
		_, err := fx.store.GetApplicationByFile(ctx, "f-1")
		assert.True(t, apperrors.IsNotFound(err), "no half-written rows")
		assert.Equal(t, domain.SubmissionFailed, fx.submission(t, "sub-1").Status)
	})
}

// failingTransactions is a store whose transactions reject every
// InsertTransactions call.
type failingTransactions struct {
	*memory.Store
	err error
}

func (s *failingTransactions) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Repository) error) error {
	return s.Store.WithTx(ctx, func(ctx context.Context, tx store.Repository) error {
		return fn(ctx, &failingTransactionsRepo{Repository: tx, err: s.err})
	})
}

type failingTransactionsRepo struct {
	store.Repository
	err error
}

func (r *failingTransactionsRepo) InsertTransactions(ctx context.Context, txns []*domain.Transaction) error {
	return r.err
}

func TestExtraction_StatementWriteRollsBack(t *testing.T) {
	ctx := context.Background()
	fx := newFixtureWith(t, nil, func(s *memory.Store) store.Store {
		return &failingTransactions{Store: s, err: errors.New("disk full")}
	})
	seed(t, fx.store, "sub-1", &domain.File{ID: "f-1", Status: domain.FileProcessing, DocumentType: domain.DocumentBankStatement})

	res := fx.p.HandleExtraction(ctx, statementEnvelope("f-1", "sub-1", scenarioA))
	assert.Equal(t, domain.OutcomeFailed, res.Outcome)
	assert.Equal(t, domain.FileFailed, res.FileStatus)

	accounts, err := fx.store.ListAccounts(ctx, "sub-1")
	require.NoError(t, err)
	assert.Empty(t, accounts, "account upsert rolled back with the statement")
	_, err = fx.store.GetStatementByFile(ctx, "f-1")
	assert.True(t, apperrors.IsNotFound(err))
	txns, err := fx.store.ListTransactions(ctx, "sub-1")
	require.NoError(t, err)
	assert.Empty(t, txns)

	f := fx.file(t, "f-1")
	assert.Equal(t, domain.FileFailed, f.Status)
	assert.Contains(t, f.ErrorText, "extraction write failed")
	assert.Equal(t, domain.SubmissionFailed, fx.submission(t, "sub-1").Status)
}

func TestExtraction_InvalidEnvelopeFailsAwaitingFile(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	seed(t, fx.store, "sub-1",
		&domain.File{ID: "f-1", Status: domain.FileProcessing, DocumentType: domain.DocumentBankStatement},
		&domain.File{ID: "f-2", Status: domain.FileClassified, DocumentType: domain.DocumentBankStatement},
		&domain.File{ID: "f-3", Status: domain.FileUploaded},
	)

	env := statementEnvelope("f-1", "sub-1", scenarioA)
	env.DocumentType = "invoice"
	res := fx.p.HandleExtraction(ctx, env)
	assert.Equal(t, domain.OutcomeRejected, res.Outcome)
	assert.Equal(t, domain.FileFailed, res.FileStatus)
	f := fx.file(t, "f-1")
	assert.Equal(t, domain.FileFailed, f.Status)
	assert.Contains(t, f.ErrorText, "invalid extraction payload")

	env = statementEnvelope("f-2", "sub-1", scenarioA)
	env.Status = "done"
	res = fx.p.HandleExtraction(ctx, env)
	assert.Equal(t, domain.OutcomeRejected, res.Outcome)
	assert.Equal(t, domain.FileFailed, fx.file(t, "f-2").Status)

	// Files with no extraction in flight are left alone.
	env = statementEnvelope("f-3", "sub-1", scenarioA)
	env.DocumentType = "invoice"
	res = fx.p.HandleExtraction(ctx, env)
	assert.Equal(t, domain.OutcomeRejected, res.Outcome)
	assert.Equal(t, domain.FileUploaded, fx.file(t, "f-3").Status)

	sub := fx.submission(t, "sub-1")
	assert.Equal(t, domain.SubmissionProcessing, sub.Status)
	assert.Equal(t, 2, sub.FilesProcessed, "terminal files counted")
}

func TestExtraction_InvalidEnvelopeForeignFileUntouched(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	seed(t, fx.store, "sub-1", &domain.File{ID: "f-1", Status: domain.FileProcessing, DocumentType: domain.DocumentBankStatement})

	env := statementEnvelope("f-1", "sub-1", scenarioA)
	env.TenantID = "tenant-2"
	env.DocumentType = "invoice"
	res := fx.p.HandleExtraction(ctx, env)
	assert.Equal(t, domain.OutcomeRejected, res.Outcome)
	assert.Equal(t, domain.FileProcessing, fx.file(t, "f-1").Status)

	env = statementEnvelope("f-1", "sub-other", scenarioA)
	env.DocumentType = "invoice"
	res = fx.p.HandleExtraction(ctx, env)
	assert.Equal(t, domain.OutcomeRejected, res.Outcome)
	assert.Equal(t, domain.FileProcessing, fx.file(t, "f-1").Status)
}

func TestExtraction_UnknownPayloadFieldIsMalformed(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	seed(t, fx.store, "sub-1", &domain.File{ID: "f-1", Status: domain.FileProcessing, DocumentType: domain.DocumentBankStatement})

	payload := `{
		"account": {"account_number": "12345678"},
		"period_start": "2024-03-01", "period_end": "2024-03-31",
		"opening_balance": 100, "closing_balance": 150,
		"transactions": [{"date": "2024-03-05", "description": "Customer payment", "amount": 50}],
		"bogus": true
	}`
	res := fx.p.HandleExtraction(ctx, statementEnvelope("f-1", "sub-1", payload))
	assert.Equal(t, domain.OutcomeRejected, res.Outcome)
	assert.Contains(t, res.Detail, "bogus")
	assert.Equal(t, domain.FileFailed, fx.file(t, "f-1").Status)
}

func TestAccountsMergeAcrossStatements(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	seed(t, fx.store, "sub-1",
		&domain.File{ID: "f-1", Status: domain.FileProcessing, DocumentType: domain.DocumentBankStatement},
		&domain.File{ID: "f-2", Status: domain.FileProcessing, DocumentType: domain.DocumentBankStatement},
	)

	april := `{
		"account": {"account_number": "12345678", "bank_name": "First Bank"},
		"period_start": "2024-04-01", "period_end": "2024-04-30",
		"opening_balance": 150, "closing_balance": 120,
		"transactions": [{"date": "2024-04-10", "description": "Rent", "amount": -30}]
	}`
	require.Equal(t, domain.OutcomeApplied, fx.p.HandleExtraction(ctx, statementEnvelope("f-2", "sub-1", april)).Outcome)
	require.Equal(t, domain.OutcomeApplied, fx.p.HandleExtraction(ctx, statementEnvelope("f-1", "sub-1", scenarioA)).Outcome)

	accounts, err := fx.store.ListAccounts(ctx, "sub-1")
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.True(t, accounts[0].LatestBalance.Decimal.Equal(decimal.NewFromInt(120)), "later statement's balance wins")
	require.NotNil(t, accounts[0].LastTransactionDate)
	assert.Equal(t, time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC), *accounts[0].LastTransactionDate)
	assert.Equal(t, "Acme LLC", accounts[0].HolderName)
}

type fakeClassifications struct {
	got []dispatch.ClassificationResult
	err error
}

func (f *fakeClassifications) ApplyClassification(ctx context.Context, res dispatch.ClassificationResult) (*domain.File, error) {
	f.got = append(f.got, res)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.File{ID: res.FileID, Status: domain.FileClassified, DocumentType: res.DocumentType}, nil
}

func TestHandleClassification(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	fake := &fakeClassifications{}
	fx.p.classifications = fake

	res := fx.p.HandleClassification(ctx, &ClassificationEnvelope{
		FileID: "f-1", TenantID: "tenant-1", DocumentType: domain.DocumentBankStatement, Confidence: 0.8,
	})
	assert.Equal(t, domain.OutcomeApplied, res.Outcome)
	assert.Equal(t, domain.FileClassified, res.FileStatus)
	require.Len(t, fake.got, 1)
	assert.False(t, fake.got[0].Failed)

	res = fx.p.HandleClassification(ctx, &ClassificationEnvelope{FileID: "f-1", TenantID: "tenant-1", Confidence: 0.8})
	assert.Equal(t, domain.OutcomeRejected, res.Outcome, "label is required unless the classifier failed")

	res = fx.p.HandleClassification(ctx, &ClassificationEnvelope{FileID: "f-1", TenantID: "tenant-1", Status: StatusFailed, Error: "unreadable"})
	assert.Equal(t, domain.OutcomeApplied, res.Outcome)
	assert.True(t, fake.got[1].Failed)

	fake.err = apperrors.Conflictf("file f-1 is processed, not awaiting classification")
	res = fx.p.HandleClassification(ctx, &ClassificationEnvelope{FileID: "f-1", TenantID: "tenant-1", DocumentType: domain.DocumentOther, Confidence: 0.5})
	assert.Equal(t, domain.OutcomeConflict, res.Outcome)

	deliveries, err := fx.store.ListDeliveries(ctx, "f-1")
	require.NoError(t, err)
	assert.Len(t, deliveries, 4)
	for _, d := range deliveries {
		assert.Equal(t, domain.CallbackClassification, d.Kind)
	}
}

func TestHandleClassification_EndToEnd(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	seed(t, fx.store, "sub-1", &domain.File{ID: "f-1", Status: domain.FileClassifying})

	res := fx.p.HandleClassification(ctx, &ClassificationEnvelope{
		FileID: "f-1", TenantID: "tenant-1", DocumentType: domain.DocumentBankStatement, Confidence: 0.95,
	})
	assert.Equal(t, domain.OutcomeApplied, res.Outcome, res.Detail)
	assert.Equal(t, domain.FileClassified, fx.file(t, "f-1").Status)
}
