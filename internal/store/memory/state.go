package memory

import (
	"context"
	"sort"
	"time"

	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/store"
	"github.com/google/uuid"
)

// state is one consistent snapshot of every table. Transactions work on a
// clone and replace the committed snapshot on success.
type state struct {
	now func() time.Time

	tenants      map[string]*domain.Tenant
	tenantByHash map[string]string

	submissions map[string]*domain.Submission
	files       map[string]*domain.File
	subFiles    map[string][]string

	accounts     map[string]*domain.Account
	accountByKey map[string]string
	statements   map[string]*domain.Statement
	stmtByFile   map[string]string
	transactions map[string][]*domain.Transaction

	applications map[string]*domain.Application
	appByFile    map[string]string

	companies map[string]*domain.Company
	aliases   map[string]*domain.Alias

	metrics    map[string]*domain.SubmissionMetrics
	outbox     map[string]*domain.OutboxEntry
	deliveries []*domain.CallbackDelivery
}

func newState(now func() time.Time) *state {
	return &state{
		now:          now,
		tenants:      map[string]*domain.Tenant{},
		tenantByHash: map[string]string{},
		submissions:  map[string]*domain.Submission{},
		files:        map[string]*domain.File{},
		subFiles:     map[string][]string{},
		accounts:     map[string]*domain.Account{},
		accountByKey: map[string]string{},
		statements:   map[string]*domain.Statement{},
		stmtByFile:   map[string]string{},
		transactions: map[string][]*domain.Transaction{},
		applications: map[string]*domain.Application{},
		appByFile:    map[string]string{},
		companies:    map[string]*domain.Company{},
		aliases:      map[string]*domain.Alias{},
		metrics:      map[string]*domain.SubmissionMetrics{},
		outbox:       map[string]*domain.OutboxEntry{},
	}
}

func cloneMap[V any](m map[string]*V) map[string]*V {
	out := make(map[string]*V, len(m))
	for k, v := range m {
		c := *v
		out[k] = &c
	}
	return out
}

func cloneIndex(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *state) clone() *state {
	c := &state{
		now:          s.now,
		tenants:      cloneMap(s.tenants),
		tenantByHash: cloneIndex(s.tenantByHash),
		submissions:  cloneMap(s.submissions),
		files:        cloneMap(s.files),
		subFiles:     make(map[string][]string, len(s.subFiles)),
		accounts:     cloneMap(s.accounts),
		accountByKey: cloneIndex(s.accountByKey),
		statements:   cloneMap(s.statements),
		stmtByFile:   cloneIndex(s.stmtByFile),
		transactions: make(map[string][]*domain.Transaction, len(s.transactions)),
		applications: cloneMap(s.applications),
		appByFile:    cloneIndex(s.appByFile),
		companies:    cloneMap(s.companies),
		aliases:      cloneMap(s.aliases),
		metrics:      cloneMap(s.metrics),
		outbox:       cloneMap(s.outbox),
		deliveries:   append([]*domain.CallbackDelivery(nil), s.deliveries...),
	}
	for k, v := range s.subFiles {
		c.subFiles[k] = append([]string(nil), v...)
	}
	for k, v := range s.transactions {
		c.transactions[k] = append([]*domain.Transaction(nil), v...)
	}
	return c
}

// Tenants

func (s *state) GetTenantByKeyHash(ctx context.Context, keyHash string) (*domain.Tenant, error) {
	id, ok := s.tenantByHash[keyHash]
	if !ok {
		return nil, apperrors.NotFoundf("tenant not found")
	}
	t := *s.tenants[id]
	return &t, nil
}

func (s *state) CreateTenant(ctx context.Context, t *domain.Tenant) error {
	if _, ok := s.tenants[t.ID]; ok {
		return apperrors.Conflictf("tenant %s already exists", t.ID)
	}
	if _, ok := s.tenantByHash[t.APIKeyHash]; ok {
		return apperrors.Conflictf("api key already registered")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	c := *t
	s.tenants[t.ID] = &c
	s.tenantByHash[t.APIKeyHash] = t.ID
	return nil
}

// Submissions

func (s *state) CreateSubmission(ctx context.Context, sub *domain.Submission, files []*domain.File) error {
	if _, ok := s.submissions[sub.ID]; ok {
		return apperrors.Conflictf("submission %s already exists", sub.ID)
	}
	c := *sub
	s.submissions[sub.ID] = &c
	for _, f := range files {
		if _, ok := s.files[f.ID]; ok {
			return apperrors.Conflictf("file %s already exists", f.ID)
		}
		fc := *f
		s.files[f.ID] = &fc
		s.subFiles[sub.ID] = append(s.subFiles[sub.ID], f.ID)
	}
	return nil
}

func (s *state) GetSubmission(ctx context.Context, tenantID, id string) (*domain.Submission, error) {
	sub, ok := s.submissions[id]
	if !ok || (tenantID != "" && sub.TenantID != tenantID) {
		return nil, apperrors.NotFoundf("submission %s not found", id)
	}
	c := *sub
	return &c, nil
}

func (s *state) LockSubmission(ctx context.Context, id string) (*domain.Submission, error) {
	return s.GetSubmission(ctx, "", id)
}

func (s *state) ListSubmissions(ctx context.Context, tenantID string, filter store.SubmissionFilter) ([]*domain.Submission, error) {
	var out []*domain.Submission
	for _, sub := range s.submissions {
		if sub.TenantID != tenantID {
			continue
		}
		if filter.Status != "" && sub.Status != filter.Status {
			continue
		}
		c := *sub
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (s *state) UpdateSubmissionRollup(ctx context.Context, id string, status domain.SubmissionStatus, filesProcessed int) error {
	sub, ok := s.submissions[id]
	if !ok {
		return apperrors.NotFoundf("submission %s not found", id)
	}
	sub.Status = status
	sub.FilesProcessed = filesProcessed
	sub.UpdatedAt = s.now()
	return nil
}

func (s *state) SetSubmissionCompany(ctx context.Context, id, companyID string) error {
	sub, ok := s.submissions[id]
	if !ok {
		return apperrors.NotFoundf("submission %s not found", id)
	}
	if sub.CompanyID == "" {
		sub.CompanyID = companyID
		sub.UpdatedAt = s.now()
	}
	return nil
}

// Files

func (s *state) GetFile(ctx context.Context, tenantID, id string) (*domain.File, error) {
	f, ok := s.files[id]
	if !ok || (tenantID != "" && f.TenantID != tenantID) {
		return nil, apperrors.NotFoundf("file %s not found", id)
	}
	c := *f
	return &c, nil
}

func (s *state) LockFile(ctx context.Context, id string) (*domain.File, error) {
	return s.GetFile(ctx, "", id)
}

func (s *state) ListFiles(ctx context.Context, submissionID string) ([]*domain.File, error) {
	ids := s.subFiles[submissionID]
	out := make([]*domain.File, 0, len(ids))
	for _, id := range ids {
		c := *s.files[id]
		out = append(out, &c)
	}
	return out, nil
}

func (s *state) TransitionFile(ctx context.Context, id string, from []domain.FileStatus, to domain.FileStatus, patch store.FilePatch) (*domain.File, error) {
	f, ok := s.files[id]
	if !ok {
		return nil, apperrors.NotFoundf("file %s not found", id)
	}
	allowed := false
	for _, st := range from {
		if f.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, apperrors.Conflictf("file %s is %s, expected one of %v", id, f.Status, from)
	}

	f.Status = to
	applyPatch(f, patch)
	f.UpdatedAt = s.now()
	c := *f
	return &c, nil
}

func applyPatch(f *domain.File, p store.FilePatch) {
	if p.DocumentType != nil {
		f.DocumentType = *p.DocumentType
	}
	if p.Confidence != nil {
		v := *p.Confidence
		f.Confidence = &v
	}
	if p.JobHandle != nil {
		f.JobHandle = *p.JobHandle
	}
	if p.ErrorText != nil {
		f.ErrorText = *p.ErrorText
	}
	if p.ProcessingStartedAt != nil {
		t := *p.ProcessingStartedAt
		f.ProcessingStartedAt = &t
	}
	if p.ProcessingCompletedAt != nil {
		t := *p.ProcessingCompletedAt
		f.ProcessingCompletedAt = &t
	}
}

func (s *state) SetFileJobHandle(ctx context.Context, id, handle string) error {
	f, ok := s.files[id]
	if !ok {
		return apperrors.NotFoundf("file %s not found", id)
	}
	if f.JobHandle == "" {
		f.JobHandle = handle
		f.UpdatedAt = s.now()
	}
	return nil
}

func (s *state) ResetFile(ctx context.Context, id string, to domain.FileStatus) (*domain.File, error) {
	f, ok := s.files[id]
	if !ok {
		return nil, apperrors.NotFoundf("file %s not found", id)
	}
	f.Status = to
	f.JobHandle = ""
	f.ErrorText = ""
	f.ProcessingStartedAt = nil
	f.ProcessingCompletedAt = nil
	if to == domain.FileUploaded {
		f.DocumentType = ""
		f.Confidence = nil
	}
	f.UpdatedAt = s.now()
	c := *f
	return &c, nil
}

func (s *state) ListStaleFiles(ctx context.Context, statuses []domain.FileStatus, cutoff time.Time, limit int) ([]*domain.File, error) {
	want := make(map[domain.FileStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*domain.File
	for _, f := range s.files {
		if want[f.Status] && f.UpdatedAt.Before(cutoff) {
			c := *f
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return paginate(out, limit, 0), nil
}

// Statements

func accountKey(submissionID, number string) string {
	return submissionID + "|" + number
}

func (s *state) UpsertAccount(ctx context.Context, acc *domain.Account) (*domain.Account, error) {
	key := accountKey(acc.SubmissionID, acc.AccountNumber)
	if id, ok := s.accountByKey[key]; ok {
		existing := s.accounts[id]
		merged := domain.MergeAccount(*existing, *acc)
		merged.UpdatedAt = s.now()
		*existing = merged
		c := merged
		return &c, nil
	}

	c := *acc
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = s.now()
	c.UpdatedAt = c.CreatedAt
	s.accounts[c.ID] = &c
	s.accountByKey[key] = c.ID
	out := c
	return &out, nil
}

func (s *state) InsertStatement(ctx context.Context, st *domain.Statement) error {
	if _, ok := s.stmtByFile[st.FileID]; ok {
		return apperrors.Conflictf("statement for file %s already exists", st.FileID)
	}
	if _, ok := s.statements[st.ID]; ok {
		return apperrors.Conflictf("statement %s already exists", st.ID)
	}
	c := *st
	s.statements[st.ID] = &c
	s.stmtByFile[st.FileID] = st.ID
	return nil
}

func (s *state) InsertTransactions(ctx context.Context, txns []*domain.Transaction) error {
	for _, t := range txns {
		if _, ok := s.statements[t.StatementID]; !ok {
			return apperrors.NotFoundf("statement %s not found", t.StatementID)
		}
		for _, existing := range s.transactions[t.StatementID] {
			if existing.Sequence == t.Sequence {
				return apperrors.Conflictf("transaction sequence %d already used in statement %s", t.Sequence, t.StatementID)
			}
		}
		c := *t
		s.transactions[t.StatementID] = append(s.transactions[t.StatementID], &c)
	}
	return nil
}

func (s *state) GetStatementByFile(ctx context.Context, fileID string) (*domain.Statement, error) {
	id, ok := s.stmtByFile[fileID]
	if !ok {
		return nil, apperrors.NotFoundf("statement for file %s not found", fileID)
	}
	c := *s.statements[id]
	return &c, nil
}

func (s *state) ListAccounts(ctx context.Context, submissionID string) ([]*domain.Account, error) {
	var out []*domain.Account
	for _, a := range s.accounts {
		if a.SubmissionID == submissionID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountNumber < out[j].AccountNumber })
	return out, nil
}

func (s *state) ListStatements(ctx context.Context, submissionID string) ([]*domain.Statement, error) {
	var out []*domain.Statement
	for _, st := range s.statements {
		if st.SubmissionID == submissionID {
			c := *st
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PeriodStart.Equal(out[j].PeriodStart) {
			return out[i].ID < out[j].ID
		}
		return out[i].PeriodStart.Before(out[j].PeriodStart)
	})
	return out, nil
}

func (s *state) ListTransactions(ctx context.Context, submissionID string) ([]*domain.Transaction, error) {
	statements, _ := s.ListStatements(ctx, submissionID)
	var out []*domain.Transaction
	for _, st := range statements {
		txns := append([]*domain.Transaction(nil), s.transactions[st.ID]...)
		sort.Slice(txns, func(i, j int) bool { return txns[i].Sequence < txns[j].Sequence })
		for _, t := range txns {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

// Applications

func (s *state) InsertApplication(ctx context.Context, app *domain.Application) error {
	if _, ok := s.appByFile[app.FileID]; ok {
		return apperrors.Conflictf("application for file %s already exists", app.FileID)
	}
	c := *app
	s.applications[app.ID] = &c
	s.appByFile[app.FileID] = app.ID
	return nil
}

func (s *state) GetApplicationByFile(ctx context.Context, fileID string) (*domain.Application, error) {
	id, ok := s.appByFile[fileID]
	if !ok {
		return nil, apperrors.NotFoundf("application for file %s not found", fileID)
	}
	c := *s.applications[id]
	return &c, nil
}

func (s *state) ListApplications(ctx context.Context, submissionID string) ([]*domain.Application, error) {
	var out []*domain.Application
	for _, a := range s.applications {
		if a.SubmissionID == submissionID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Companies

func (s *state) withAliases(c *domain.Company) *domain.Company {
	out := *c
	out.Aliases = nil
	for _, a := range s.aliases {
		if a.CompanyID == c.ID {
			out.Aliases = append(out.Aliases, *a)
		}
	}
	sort.Slice(out.Aliases, func(i, j int) bool { return out.Aliases[i].CreatedAt.Before(out.Aliases[j].CreatedAt) })
	return &out
}

func (s *state) findCompany(match func(c *domain.Company) bool) (*domain.Company, error) {
	for _, c := range s.companies {
		if match(c) {
			return s.withAliases(c), nil
		}
	}
	return nil, apperrors.NotFoundf("company not found")
}

func (s *state) FindCompanyByIdentifier(ctx context.Context, tenantID, identifier string) (*domain.Company, error) {
	return s.findCompany(func(c *domain.Company) bool {
		return c.TenantID == tenantID && c.Identifier != "" && c.Identifier == identifier
	})
}

func (s *state) FindCompanyByNormalizedName(ctx context.Context, tenantID, normalized string) (*domain.Company, error) {
	return s.findCompany(func(c *domain.Company) bool {
		return c.TenantID == tenantID && c.NormalizedName == normalized
	})
}

func (s *state) FindCompanyByAlias(ctx context.Context, tenantID, normalizedAlias string) (*domain.Company, error) {
	for _, a := range s.aliases {
		if a.TenantID == tenantID && a.NormalizedAlias == normalizedAlias {
			if c, ok := s.companies[a.CompanyID]; ok {
				return s.withAliases(c), nil
			}
		}
	}
	return nil, apperrors.NotFoundf("company not found")
}

func (s *state) CreateCompany(ctx context.Context, c *domain.Company, first *domain.Alias) error {
	for _, existing := range s.companies {
		if existing.TenantID != c.TenantID {
			continue
		}
		if existing.NormalizedName == c.NormalizedName {
			return apperrors.Conflictf("company with name %q already exists", c.LegalName)
		}
		if c.Identifier != "" && existing.Identifier == c.Identifier {
			return apperrors.Conflictf("company with identifier already exists")
		}
	}
	cc := *c
	cc.Aliases = nil
	s.companies[c.ID] = &cc
	if first != nil {
		return s.AddAlias(ctx, first)
	}
	return nil
}

func (s *state) SetCompanyIdentifier(ctx context.Context, companyID, identifier string) error {
	c, ok := s.companies[companyID]
	if !ok {
		return apperrors.NotFoundf("company %s not found", companyID)
	}
	if c.Identifier != "" {
		return nil
	}
	for _, other := range s.companies {
		if other.TenantID == c.TenantID && other.Identifier == identifier {
			return apperrors.Conflictf("identifier already assigned to company %s", other.ID)
		}
	}
	c.Identifier = identifier
	c.UpdatedAt = s.now()
	return nil
}

func (s *state) AddAlias(ctx context.Context, a *domain.Alias) error {
	for _, existing := range s.aliases {
		if existing.TenantID == a.TenantID && existing.NormalizedAlias == a.NormalizedAlias {
			return apperrors.Conflictf("alias %q already registered", a.Alias)
		}
	}
	if _, ok := s.companies[a.CompanyID]; !ok {
		return apperrors.NotFoundf("company %s not found", a.CompanyID)
	}
	c := *a
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.aliases[a.ID] = &c
	return nil
}

func (s *state) GetCompany(ctx context.Context, tenantID, id string) (*domain.Company, error) {
	c, ok := s.companies[id]
	if !ok || c.TenantID != tenantID {
		return nil, apperrors.NotFoundf("company %s not found", id)
	}
	return s.withAliases(c), nil
}

func (s *state) ListCompanies(ctx context.Context, tenantID string, limit, offset int) ([]*domain.Company, error) {
	var out []*domain.Company
	for _, c := range s.companies {
		if c.TenantID == tenantID {
			out = append(out, s.withAliases(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NormalizedName < out[j].NormalizedName })
	return paginate(out, limit, offset), nil
}

// Metrics

func (s *state) ReplaceMetrics(ctx context.Context, m *domain.SubmissionMetrics) error {
	c := *m
	s.metrics[m.SubmissionID] = &c
	return nil
}

func (s *state) GetMetrics(ctx context.Context, submissionID string) (*domain.SubmissionMetrics, error) {
	m, ok := s.metrics[submissionID]
	if !ok {
		return nil, apperrors.NotFoundf("metrics for submission %s not found", submissionID)
	}
	c := *m
	return &c, nil
}

// Extraction cleanup

func (s *state) DeleteFileExtraction(ctx context.Context, fileID string) error {
	if id, ok := s.stmtByFile[fileID]; ok {
		delete(s.transactions, id)
		delete(s.statements, id)
		delete(s.stmtByFile, fileID)
	}
	if id, ok := s.appByFile[fileID]; ok {
		delete(s.applications, id)
		delete(s.appByFile, fileID)
	}
	return nil
}

// Outbox

func (s *state) InsertOutbox(ctx context.Context, e *domain.OutboxEntry) error {
	if _, ok := s.outbox[e.ID]; ok {
		return apperrors.Conflictf("outbox entry %s already exists", e.ID)
	}
	c := *e
	s.outbox[e.ID] = &c
	return nil
}

func (s *state) UpdateOutbox(ctx context.Context, e *domain.OutboxEntry) error {
	if _, ok := s.outbox[e.ID]; !ok {
		return apperrors.NotFoundf("outbox entry %s not found", e.ID)
	}
	c := *e
	c.UpdatedAt = s.now()
	s.outbox[e.ID] = &c
	return nil
}

func (s *state) GetOutbox(ctx context.Context, id string) (*domain.OutboxEntry, error) {
	e, ok := s.outbox[id]
	if !ok {
		return nil, apperrors.NotFoundf("outbox entry %s not found", id)
	}
	c := *e
	return &c, nil
}

func (s *state) ListDueOutbox(ctx context.Context, now time.Time, limit int) ([]*domain.OutboxEntry, error) {
	var out []*domain.OutboxEntry
	for _, e := range s.outbox {
		if e.Status == domain.OutboxPending && !e.NextAttemptAt.After(now) {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	return paginate(out, limit, 0), nil
}

// Deliveries

func (s *state) RecordDelivery(ctx context.Context, d *domain.CallbackDelivery) error {
	c := *d
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ReceivedAt.IsZero() {
		c.ReceivedAt = s.now()
	}
	s.deliveries = append(s.deliveries, &c)
	return nil
}

func (s *state) ListDeliveries(ctx context.Context, fileID string) ([]*domain.CallbackDelivery, error) {
	var out []*domain.CallbackDelivery
	for _, d := range s.deliveries {
		if d.FileID == fileID {
			c := *d
			out = append(out, &c)
		}
	}
	return out, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

var _ store.Repository = (*state)(nil)
