package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/store"
)

// Store is an in-memory implementation of store.Store. It is safe for
// concurrent use. Transactions are serialized: fn runs against a private copy
// that replaces the committed data only when fn succeeds. fn must use the
// Repository it is given and never call back into the Store.
type Store struct {
	mu   sync.Mutex
	data *state
}

// New creates an empty store.
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock creates an empty store whose timestamps come from now.
func NewWithClock(now func() time.Time) *Store {
	return &Store{data: newState(now)}
}

// WithTx implements store.Store.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	draft := s.data.clone()
	if err := fn(ctx, draft); err != nil {
		return err
	}
	s.data = draft
	return nil
}

// Close implements store.Store.
func (s *Store) Close() {}

func (s *Store) GetTenantByKeyHash(ctx context.Context, keyHash string) (*domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetTenantByKeyHash(ctx, keyHash)
}

func (s *Store) CreateTenant(ctx context.Context, t *domain.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.CreateTenant(ctx, t)
}

func (s *Store) CreateSubmission(ctx context.Context, sub *domain.Submission, files []*domain.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.CreateSubmission(ctx, sub, files)
}

func (s *Store) GetSubmission(ctx context.Context, tenantID, id string) (*domain.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetSubmission(ctx, tenantID, id)
}

func (s *Store) LockSubmission(ctx context.Context, id string) (*domain.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.LockSubmission(ctx, id)
}

func (s *Store) ListSubmissions(ctx context.Context, tenantID string, filter store.SubmissionFilter) ([]*domain.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListSubmissions(ctx, tenantID, filter)
}

func (s *Store) UpdateSubmissionRollup(ctx context.Context, id string, status domain.SubmissionStatus, filesProcessed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.UpdateSubmissionRollup(ctx, id, status, filesProcessed)
}

func (s *Store) SetSubmissionCompany(ctx context.Context, id, companyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.SetSubmissionCompany(ctx, id, companyID)
}

func (s *Store) GetFile(ctx context.Context, tenantID, id string) (*domain.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetFile(ctx, tenantID, id)
}

func (s *Store) LockFile(ctx context.Context, id string) (*domain.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.LockFile(ctx, id)
}

func (s *Store) ListFiles(ctx context.Context, submissionID string) ([]*domain.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListFiles(ctx, submissionID)
}

func (s *Store) TransitionFile(ctx context.Context, id string, from []domain.FileStatus, to domain.FileStatus, patch store.FilePatch) (*domain.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.TransitionFile(ctx, id, from, to, patch)
}

func (s *Store) SetFileJobHandle(ctx context.Context, id, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.SetFileJobHandle(ctx, id, handle)
}

func (s *Store) ResetFile(ctx context.Context, id string, to domain.FileStatus) (*domain.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ResetFile(ctx, id, to)
}

func (s *Store) ListStaleFiles(ctx context.Context, statuses []domain.FileStatus, cutoff time.Time, limit int) ([]*domain.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListStaleFiles(ctx, statuses, cutoff, limit)
}

func (s *Store) UpsertAccount(ctx context.Context, acc *domain.Account) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.UpsertAccount(ctx, acc)
}

func (s *Store) InsertStatement(ctx context.Context, st *domain.Statement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.InsertStatement(ctx, st)
}

func (s *Store) InsertTransactions(ctx context.Context, txns []*domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.InsertTransactions(ctx, txns)
}

func (s *Store) GetStatementByFile(ctx context.Context, fileID string) (*domain.Statement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetStatementByFile(ctx, fileID)
}

func (s *Store) ListAccounts(ctx context.Context, submissionID string) ([]*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListAccounts(ctx, submissionID)
}

func (s *Store) ListStatements(ctx context.Context, submissionID string) ([]*domain.Statement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListStatements(ctx, submissionID)
}

func (s *Store) ListTransactions(ctx context.Context, submissionID string) ([]*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListTransactions(ctx, submissionID)
}

func (s *Store) InsertApplication(ctx context.Context, app *domain.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.InsertApplication(ctx, app)
}

func (s *Store) GetApplicationByFile(ctx context.Context, fileID string) (*domain.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetApplicationByFile(ctx, fileID)
}

func (s *Store) ListApplications(ctx context.Context, submissionID string) ([]*domain.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListApplications(ctx, submissionID)
}

func (s *Store) FindCompanyByIdentifier(ctx context.Context, tenantID, identifier string) (*domain.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.FindCompanyByIdentifier(ctx, tenantID, identifier)
}

func (s *Store) FindCompanyByNormalizedName(ctx context.Context, tenantID, normalized string) (*domain.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.FindCompanyByNormalizedName(ctx, tenantID, normalized)
}

func (s *Store) FindCompanyByAlias(ctx context.Context, tenantID, normalizedAlias string) (*domain.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.FindCompanyByAlias(ctx, tenantID, normalizedAlias)
}

func (s *Store) CreateCompany(ctx context.Context, c *domain.Company, first *domain.Alias) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.CreateCompany(ctx, c, first)
}

func (s *Store) SetCompanyIdentifier(ctx context.Context, companyID, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.SetCompanyIdentifier(ctx, companyID, identifier)
}

func (s *Store) AddAlias(ctx context.Context, a *domain.Alias) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.AddAlias(ctx, a)
}

func (s *Store) GetCompany(ctx context.Context, tenantID, id string) (*domain.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetCompany(ctx, tenantID, id)
}

func (s *Store) ListCompanies(ctx context.Context, tenantID string, limit, offset int) ([]*domain.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListCompanies(ctx, tenantID, limit, offset)
}

func (s *Store) ReplaceMetrics(ctx context.Context, m *domain.SubmissionMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ReplaceMetrics(ctx, m)
}

func (s *Store) GetMetrics(ctx context.Context, submissionID string) (*domain.SubmissionMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetMetrics(ctx, submissionID)
}

func (s *Store) DeleteFileExtraction(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.DeleteFileExtraction(ctx, fileID)
}

func (s *Store) InsertOutbox(ctx context.Context, e *domain.OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.InsertOutbox(ctx, e)
}

func (s *Store) UpdateOutbox(ctx context.Context, e *domain.OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.UpdateOutbox(ctx, e)
}

func (s *Store) GetOutbox(ctx context.Context, id string) (*domain.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetOutbox(ctx, id)
}

func (s *Store) ListDueOutbox(ctx context.Context, now time.Time, limit int) ([]*domain.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListDueOutbox(ctx, now, limit)
}

func (s *Store) RecordDelivery(ctx context.Context, d *domain.CallbackDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.RecordDelivery(ctx, d)
}

func (s *Store) ListDeliveries(ctx context.Context, fileID string) ([]*domain.CallbackDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListDeliveries(ctx, fileID)
}

var _ store.Store = (*Store)(nil)
