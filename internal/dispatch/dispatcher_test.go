package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dvloznov/finance-intake/internal/aggregate"
	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/jobs"
	"github.com/dvloznov/finance-intake/internal/lifecycle"
	"github.com/dvloznov/finance-intake/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu   sync.Mutex
	jobs []*jobs.DispatchJob
	err  error
}

func (p *fakePublisher) PublishDispatch(ctx context.Context, job *jobs.DispatchJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) published() []*jobs.DispatchJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*jobs.DispatchJob(nil), p.jobs...)
}

// fakeService returns queued errors first, then ack.
type fakeService struct {
	mu    sync.Mutex
	errs  []error
	ack   Ack
	calls []Request
}

func (s *fakeService) next(req Request) (Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return Ack{}, err
		}
	}
	return s.ack, nil
}

func (s *fakeService) Classify(ctx context.Context, req Request) (Ack, error) { return s.next(req) }
func (s *fakeService) Extract(ctx context.Context, req Request) (Ack, error)  { return s.next(req) }

type fixture struct {
	d          *Dispatcher
	store      *memory.Store
	pub        *fakePublisher
	classifier *fakeService
	extractor  *fakeService
	clock      *time.Time
}

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, opts Options, files ...*domain.File) *fixture {
	t.Helper()
	clock := t0
	now := func() time.Time { return clock }

	s := memory.NewWithClock(now)
	sub := &domain.Submission{
		ID: "sub-1", TenantID: "tenant-1", Status: domain.SubmissionPending,
		FilesTotal: len(files), CreatedAt: t0, UpdatedAt: t0,
	}
	for _, f := range files {
		f.SubmissionID = "sub-1"
		f.TenantID = "tenant-1"
		f.StoragePath = "tenants/tenant-1/submissions/sub-1/files/" + f.ID + "/doc.pdf"
		f.MimeType = "application/pdf"
		f.CreatedAt = t0
		f.UpdatedAt = t0
	}
	require.NoError(t, s.CreateSubmission(context.Background(), sub, files))

	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = apperrors.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second}
	}
	pub := &fakePublisher{}
	cls := &fakeService{}
	ext := &fakeService{ack: Ack{JobHandle: "job-77"}}
	d := New(lifecycle.New(s, aggregate.New()), pub, cls, ext, opts)
	d.now = now
	return &fixture{d: d, store: s, pub: pub, classifier: cls, extractor: ext, clock: &clock}
}

func (fx *fixture) advance(d time.Duration) {
	*fx.clock = fx.clock.Add(d)
}

func (fx *fixture) file(t *testing.T, id string) *domain.File {
	t.Helper()
	f, err := fx.store.GetFile(context.Background(), "", id)
	require.NoError(t, err)
	return f
}

func TestEnqueue_UploadedStartsClassification(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Options{}, &domain.File{ID: "f-1", Status: domain.FileUploaded})

	acc, err := fx.d.Enqueue(ctx, "tenant-1", "f-1")
	require.NoError(t, err)
	assert.Equal(t, "accepted", acc.Status)
	assert.Equal(t, domain.DispatchClassify, acc.Kind)
	assert.Equal(t, domain.FileClassifying, fx.file(t, "f-1").Status)

	entry, err := fx.store.GetOutbox(ctx, acc.OutboxID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxPending, entry.Status)
	assert.Equal(t, 3, entry.MaxAttempts)

	published := fx.pub.published()
	require.Len(t, published, 1)
	assert.Equal(t, acc.OutboxID, published[0].OutboxID)
}

func TestEnqueue_ClassifiedStartsExtraction(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Options{}, &domain.File{ID: "f-1", Status: domain.FileClassified, DocumentType: domain.DocumentBankStatement})

	acc, err := fx.d.Enqueue(ctx, "tenant-1", "f-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchExtract, acc.Kind)

	f := fx.file(t, "f-1")
	assert.Equal(t, domain.FileProcessing, f.Status)
	assert.NotNil(t, f.ProcessingStartedAt)
}

func TestEnqueue_Errors(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Options{},
		&domain.File{ID: "f-1", Status: domain.FileUploaded},
		&domain.File{ID: "f-2", Status: domain.FileProcessed},
		&domain.File{ID: "f-3", Status: domain.FileClassified, DocumentType: domain.DocumentOther},
	)

	_, err := fx.d.Enqueue(ctx, "tenant-1", " ")
	assert.True(t, apperrors.IsValidation(err))

	_, err = fx.d.Enqueue(ctx, "", "f-1")
	assert.True(t, apperrors.IsAuthorization(err))

	_, err = fx.d.Enqueue(ctx, "tenant-2", "f-1")
	assert.True(t, apperrors.IsNotFound(err), "cross-tenant must look like not found")

	_, err = fx.d.Enqueue(ctx, "tenant-1", "missing")
	assert.True(t, apperrors.IsNotFound(err))

	_, err = fx.d.Enqueue(ctx, "tenant-1", "f-2")
	assert.True(t, apperrors.IsConflict(err))

	_, err = fx.d.Enqueue(ctx, "tenant-1", "f-3")
	assert.True(t, apperrors.IsConflict(err))

	assert.Equal(t, domain.FileUploaded, fx.file(t, "f-1").Status)
	assert.Empty(t, fx.pub.published())
}

func TestEnqueue_PublishFailureLeavesEntryForRelay(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Options{RelayLease: time.Minute}, &domain.File{ID: "f-1", Status: domain.FileUploaded})
	fx.pub.err = errors.New("queue closed")

	acc, err := fx.d.Enqueue(ctx, "tenant-1", "f-1")
	require.NoError(t, err)

	fx.pub.err = nil
	n, err := fx.d.Relay(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "entry is leased right after enqueue")

	fx.advance(2 * time.Minute)
	n, err = fx.d.Relay(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, fx.pub.published(), 1)
	assert.Equal(t, acc.OutboxID, fx.pub.published()[0].OutboxID)

	n, err = fx.d.Relay(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "republished entry is leased again")
}

func TestHandleJob_ExtractSuccessRecordsHandle(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Options{CallbackBaseURL: "https://intake.example.com/", Bucket: "docs"},
		&domain.File{ID: "f-1", Status: domain.FileClassified, DocumentType: domain.DocumentApplication})

	acc, err := fx.d.Enqueue(ctx, "tenant-1", "f-1")
	require.NoError(t, err)
	require.NoError(t, fx.d.HandleJob(ctx, fx.pub.published()[0]))

	entry, err := fx.store.GetOutbox(ctx, acc.OutboxID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxSent, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, "job-77", entry.JobHandle)
	assert.Equal(t, "job-77", fx.file(t, "f-1").JobHandle)

	require.Len(t, fx.extractor.calls, 1)
	req := fx.extractor.calls[0]
	assert.Equal(t, domain.DocumentApplication, req.DocumentType)
	assert.Equal(t, "https://intake.example.com/webhooks/extraction", req.CallbackURL)
	assert.Equal(t, "gs://docs/tenants/tenant-1/submissions/sub-1/files/f-1/doc.pdf", req.SourceURI)

	// A redelivered job for a settled entry does nothing.
	require.NoError(t, fx.d.HandleJob(ctx, fx.pub.published()[0]))
	assert.Len(t, fx.extractor.calls, 1)
}

func TestHandleJob_TransientFailuresExhaustBudget(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Options{}, &domain.File{ID: "f-1", Status: domain.FileUploaded})
	unreachable := apperrors.Transient("post: reach service", errors.New("connection refused"))
	fx.classifier.errs = []error{unreachable, unreachable, unreachable}

	acc, err := fx.d.Enqueue(ctx, "tenant-1", "f-1")
	require.NoError(t, err)
	job := fx.pub.published()[0]

	require.NoError(t, fx.d.HandleJob(ctx, job))
	entry, err := fx.store.GetOutbox(ctx, acc.OutboxID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxPending, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, t0.Add(time.Second), entry.NextAttemptAt)
	assert.Equal(t, domain.FileClassifying, fx.file(t, "f-1").Status)

	require.NoError(t, fx.d.HandleJob(ctx, job))
	entry, err = fx.store.GetOutbox(ctx, acc.OutboxID)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*time.Second), entry.NextAttemptAt)

	require.NoError(t, fx.d.HandleJob(ctx, job))
	entry, err = fx.store.GetOutbox(ctx, acc.OutboxID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxDead, entry.Status)
	assert.Equal(t, 3, entry.Attempts)

	f := fx.file(t, "f-1")
	assert.Equal(t, domain.FileFailed, f.Status)
	assert.Contains(t, f.ErrorText, "unreachable after 3 attempts")

	sub, err := fx.store.GetSubmission(ctx, "", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionFailed, sub.Status)
	assert.Equal(t, 1, sub.FilesProcessed)
}

func TestHandleJob_RejectionFailsImmediately(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Options{}, &domain.File{ID: "f-1", Status: domain.FileClassified, DocumentType: domain.DocumentBankStatement})
	fx.extractor.errs = []error{apperrors.Validationf("service rejected job with 422: unsupported pdf")}

	acc, err := fx.d.Enqueue(ctx, "tenant-1", "f-1")
	require.NoError(t, err)
	require.NoError(t, fx.d.HandleJob(ctx, fx.pub.published()[0]))

	entry, err := fx.store.GetOutbox(ctx, acc.OutboxID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxDead, entry.Status)
	assert.Equal(t, 1, entry.Attempts)

	f := fx.file(t, "f-1")
	assert.Equal(t, domain.FileFailed, f.Status)
	assert.Contains(t, f.ErrorText, "rejected")
}

func TestHandleJob_AbandonsWhenFileMovedOn(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Options{}, &domain.File{ID: "f-1", Status: domain.FileUploaded})

	acc, err := fx.d.Enqueue(ctx, "tenant-1", "f-1")
	require.NoError(t, err)
	_, err = fx.d.machine.Fail(ctx, "f-1", lifecycle.TimeoutReason)
	require.NoError(t, err)

	require.NoError(t, fx.d.HandleJob(ctx, fx.pub.published()[0]))
	assert.Empty(t, fx.classifier.calls)

	entry, err := fx.store.GetOutbox(ctx, acc.OutboxID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxFailed, entry.Status)
	assert.Equal(t, "file is failed", entry.LastError)
}

func TestHandleJob_SynchronousClassifierAutoExtracts(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Options{AutoExtract: true}, &domain.File{ID: "f-1", Status: domain.FileUploaded})
	fx.classifier.ack = Ack{Classification: &Classification{DocumentType: domain.DocumentBankStatement, Confidence: 0.93}}

	_, err := fx.d.Enqueue(ctx, "tenant-1", "f-1")
	require.NoError(t, err)
	require.NoError(t, fx.d.HandleJob(ctx, fx.pub.published()[0]))

	f := fx.file(t, "f-1")
	assert.Equal(t, domain.FileProcessing, f.Status)
	assert.Equal(t, domain.DocumentBankStatement, f.DocumentType)
	require.NotNil(t, f.Confidence)
	assert.InDelta(t, 0.93, *f.Confidence, 1e-9)

	published := fx.pub.published()
	require.Len(t, published, 2)
	assert.Equal(t, domain.DispatchExtract, published[1].Kind)
}

func TestApplyClassification(t *testing.T) {
	ctx := context.Background()

	t.Run("without auto extract stops at classified", func(t *testing.T) {
		fx := newFixture(t, Options{}, &domain.File{ID: "f-1", Status: domain.FileClassifying})
		f, err := fx.d.ApplyClassification(ctx, ClassificationResult{
			TenantID: "tenant-1", FileID: "f-1", DocumentType: domain.DocumentApplication, Confidence: 0.8,
		})
		require.NoError(t, err)
		assert.Equal(t, domain.FileClassified, f.Status)
		assert.Empty(t, fx.pub.published())
	})

	t.Run("repeat is a no-op", func(t *testing.T) {
		fx := newFixture(t, Options{AutoExtract: true}, &domain.File{ID: "f-1", Status: domain.FileClassifying})
		res := ClassificationResult{TenantID: "tenant-1", FileID: "f-1", DocumentType: domain.DocumentBankStatement, Confidence: 0.9}
		_, err := fx.d.ApplyClassification(ctx, res)
		require.NoError(t, err)
		f, err := fx.d.ApplyClassification(ctx, res)
		require.NoError(t, err)
		assert.Equal(t, domain.FileProcessing, f.Status)
		assert.Len(t, fx.pub.published(), 1)
	})

	t.Run("different label after classification conflicts", func(t *testing.T) {
		fx := newFixture(t, Options{}, &domain.File{ID: "f-1", Status: domain.FileClassifying})
		_, err := fx.d.ApplyClassification(ctx, ClassificationResult{TenantID: "tenant-1", FileID: "f-1", DocumentType: domain.DocumentBankStatement, Confidence: 0.9})
		require.NoError(t, err)
		_, err = fx.d.ApplyClassification(ctx, ClassificationResult{TenantID: "tenant-1", FileID: "f-1", DocumentType: domain.DocumentApplication, Confidence: 0.9})
		assert.True(t, apperrors.IsConflict(err))
	})

	t.Run("other has no extraction service", func(t *testing.T) {
		fx := newFixture(t, Options{AutoExtract: true}, &domain.File{ID: "f-1", Status: domain.FileClassifying})
		f, err := fx.d.ApplyClassification(ctx, ClassificationResult{TenantID: "tenant-1", FileID: "f-1", DocumentType: domain.DocumentOther, Confidence: 0.99})
		require.NoError(t, err)
		assert.Equal(t, domain.FileFailed, f.Status)
		assert.Equal(t, domain.DocumentOther, f.DocumentType)
		assert.Contains(t, f.ErrorText, "no extraction service")
	})

	t.Run("low confidence fails for review", func(t *testing.T) {
		fx := newFixture(t, Options{AutoExtract: true, MinConfidence: 0.6}, &domain.File{ID: "f-1", Status: domain.FileClassifying})
		f, err := fx.d.ApplyClassification(ctx, ClassificationResult{TenantID: "tenant-1", FileID: "f-1", DocumentType: domain.DocumentBankStatement, Confidence: 0.4})
		require.NoError(t, err)
		assert.Equal(t, domain.FileFailed, f.Status)
		assert.Contains(t, f.ErrorText, "below 0.60")
	})

	t.Run("classifier failure", func(t *testing.T) {
		fx := newFixture(t, Options{}, &domain.File{ID: "f-1", Status: domain.FileClassifying})
		f, err := fx.d.ApplyClassification(ctx, ClassificationResult{TenantID: "tenant-1", FileID: "f-1", Failed: true, Error: "encrypted pdf"})
		require.NoError(t, err)
		assert.Equal(t, domain.FileFailed, f.Status)
		assert.Equal(t, "classification failed: encrypted pdf", f.ErrorText)
	})

	t.Run("invalid input", func(t *testing.T) {
		fx := newFixture(t, Options{}, &domain.File{ID: "f-1", Status: domain.FileClassifying})
		_, err := fx.d.ApplyClassification(ctx, ClassificationResult{TenantID: "tenant-1", FileID: "f-1", DocumentType: "invoice", Confidence: 0.5})
		assert.True(t, apperrors.IsValidation(err))
		_, err = fx.d.ApplyClassification(ctx, ClassificationResult{TenantID: "tenant-1", FileID: "f-1", DocumentType: domain.DocumentOther, Confidence: 1.5})
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("uploaded file conflicts", func(t *testing.T) {
		fx := newFixture(t, Options{}, &domain.File{ID: "f-1", Status: domain.FileUploaded})
		_, err := fx.d.ApplyClassification(ctx, ClassificationResult{TenantID: "tenant-1", FileID: "f-1", DocumentType: domain.DocumentOther, Confidence: 0.5})
		assert.True(t, apperrors.IsConflict(err))
	})
}

func TestBulkEnqueue(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Options{},
		&domain.File{ID: "f-1", Status: domain.FileUploaded},
		&domain.File{ID: "f-2", Status: domain.FileClassified, DocumentType: domain.DocumentBankStatement},
		&domain.File{ID: "f-3", Status: domain.FileProcessed},
	)

	res, err := fx.d.BulkEnqueue(ctx, "tenant-1", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Files, 3)
	assert.Equal(t, domain.DispatchClassify, res.Files[0].Kind)
	assert.Equal(t, domain.DispatchExtract, res.Files[1].Kind)
	assert.Empty(t, res.Files[2].Kind)

	assert.Equal(t, domain.FileClassifying, fx.file(t, "f-1").Status)
	assert.Equal(t, domain.FileProcessing, fx.file(t, "f-2").Status)
	assert.Len(t, fx.pub.published(), 2)

	_, err = fx.d.BulkEnqueue(ctx, "tenant-2", "sub-1")
	assert.True(t, apperrors.IsNotFound(err))
}
