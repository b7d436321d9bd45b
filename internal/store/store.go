// Package store defines the persistence boundary of the intake pipeline.
// Implementations translate driver errors into apperrors kinds: missing rows
// become NotFound, unique violations become Conflict, and connectivity or
// serialization failures become Transient.
package store

import (
	"context"
	"time"

	"github.com/dvloznov/finance-intake/internal/domain"
)

// TenantRepository resolves API credentials to tenants.
type TenantRepository interface {
	// GetTenantByKeyHash returns the tenant owning the hashed API key.
	GetTenantByKeyHash(ctx context.Context, keyHash string) (*domain.Tenant, error)

	// CreateTenant inserts a tenant.
	CreateTenant(ctx context.Context, t *domain.Tenant) error
}

// SubmissionFilter narrows ListSubmissions.
type SubmissionFilter struct {
	Status domain.SubmissionStatus
	Limit  int
	Offset int
}

// SubmissionRepository persists Submissions and their Files.
type SubmissionRepository interface {
	// CreateSubmission inserts the Submission and all of its Files as one unit.
	CreateSubmission(ctx context.Context, sub *domain.Submission, files []*domain.File) error

	// GetSubmission returns a Submission. An empty tenantID skips the tenant check.
	GetSubmission(ctx context.Context, tenantID, id string) (*domain.Submission, error)

	// LockSubmission returns a Submission and holds a row lock until the
	// surrounding transaction ends, so concurrent rollups of the same
	// Submission run one after another. Outside a transaction it behaves like
	// GetSubmission without the tenant check.
	LockSubmission(ctx context.Context, id string) (*domain.Submission, error)

	// ListSubmissions returns the tenant's Submissions, newest first.
	ListSubmissions(ctx context.Context, tenantID string, filter SubmissionFilter) ([]*domain.Submission, error)

	// UpdateSubmissionRollup writes the derived status and processed counter.
	UpdateSubmissionRollup(ctx context.Context, id string, status domain.SubmissionStatus, filesProcessed int) error

	// SetSubmissionCompany links the Submission to a Company when it has none yet.
	SetSubmissionCompany(ctx context.Context, id, companyID string) error
}

// FilePatch carries the optional columns written alongside a status change.
// Nil fields are left untouched.
type FilePatch struct {
	DocumentType          *domain.DocumentType
	Confidence            *float64
	JobHandle             *string
	ErrorText             *string
	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
}

// FileRepository persists Files.
type FileRepository interface {
	// GetFile returns a File. An empty tenantID skips the tenant check.
	GetFile(ctx context.Context, tenantID, id string) (*domain.File, error)

	// LockFile returns a File and holds a row lock until the surrounding
	// transaction ends. Outside a transaction it behaves like GetFile.
	LockFile(ctx context.Context, id string) (*domain.File, error)

	// ListFiles returns the Files of a Submission in creation order.
	ListFiles(ctx context.Context, submissionID string) ([]*domain.File, error)

	// TransitionFile moves a File to status `to` only if its current status is
	// one of `from`, applying patch in the same write. A status mismatch is a
	// ConflictError.
	TransitionFile(ctx context.Context, id string, from []domain.FileStatus, to domain.FileStatus, patch FilePatch) (*domain.File, error)

	// SetFileJobHandle records the extraction job handle if none is set.
	SetFileJobHandle(ctx context.Context, id, handle string) error

	// ResetFile forces a File back to status `to`, clearing job handle, error
	// text and processing timestamps. Used only by administrative reprocess.
	ResetFile(ctx context.Context, id string, to domain.FileStatus) (*domain.File, error)

	// ListStaleFiles returns Files in one of statuses last updated before cutoff.
	ListStaleFiles(ctx context.Context, statuses []domain.FileStatus, cutoff time.Time, limit int) ([]*domain.File, error)
}

// StatementRepository persists extracted bank statement data.
type StatementRepository interface {
	// UpsertAccount inserts the Account or merges it into the existing one for
	// (submission, account number) using domain.MergeAccount semantics.
	UpsertAccount(ctx context.Context, acc *domain.Account) (*domain.Account, error)

	// InsertStatement inserts a Statement. A second Statement for the same
	// File is a ConflictError.
	InsertStatement(ctx context.Context, st *domain.Statement) error

	// InsertTransactions bulk-inserts Transactions.
	InsertTransactions(ctx context.Context, txns []*domain.Transaction) error

	// GetStatementByFile returns the Statement extracted from a File.
	GetStatementByFile(ctx context.Context, fileID string) (*domain.Statement, error)

	// ListAccounts returns the Accounts of a Submission.
	ListAccounts(ctx context.Context, submissionID string) ([]*domain.Account, error)

	// ListStatements returns the Statements of a Submission ordered by period.
	ListStatements(ctx context.Context, submissionID string) ([]*domain.Statement, error)

	// ListTransactions returns the Transactions of a Submission ordered by
	// statement period then sequence.
	ListTransactions(ctx context.Context, submissionID string) ([]*domain.Transaction, error)
}

// ApplicationRepository persists extracted loan applications.
type ApplicationRepository interface {
	// InsertApplication inserts an Application. A second Application for the
	// same File is a ConflictError.
	InsertApplication(ctx context.Context, app *domain.Application) error

	// GetApplicationByFile returns the Application extracted from a File.
	GetApplicationByFile(ctx context.Context, fileID string) (*domain.Application, error)

	// ListApplications returns the Applications of a Submission.
	ListApplications(ctx context.Context, submissionID string) ([]*domain.Application, error)
}

// CompanyRepository persists business entities and their aliases.
type CompanyRepository interface {
	FindCompanyByIdentifier(ctx context.Context, tenantID, identifier string) (*domain.Company, error)
	FindCompanyByNormalizedName(ctx context.Context, tenantID, normalized string) (*domain.Company, error)
	FindCompanyByAlias(ctx context.Context, tenantID, normalizedAlias string) (*domain.Company, error)

	// CreateCompany inserts a Company together with its first alias.
	CreateCompany(ctx context.Context, c *domain.Company, first *domain.Alias) error

	// SetCompanyIdentifier sets the identifier of a Company that has none.
	SetCompanyIdentifier(ctx context.Context, companyID, identifier string) error

	// AddAlias registers an alias. A duplicate normalized alias within the
	// tenant is a ConflictError.
	AddAlias(ctx context.Context, a *domain.Alias) error

	GetCompany(ctx context.Context, tenantID, id string) (*domain.Company, error)
	ListCompanies(ctx context.Context, tenantID string, limit, offset int) ([]*domain.Company, error)
}

// MetricsRepository persists SubmissionMetrics rollups.
type MetricsRepository interface {
	// ReplaceMetrics overwrites the rollup row for m.SubmissionID.
	ReplaceMetrics(ctx context.Context, m *domain.SubmissionMetrics) error

	GetMetrics(ctx context.Context, submissionID string) (*domain.SubmissionMetrics, error)
}

// ExtractionRepository removes extracted rows for administrative reprocessing.
type ExtractionRepository interface {
	// DeleteFileExtraction removes the Statement, Transactions and Application
	// written for a File.
	DeleteFileExtraction(ctx context.Context, fileID string) error
}

// OutboxRepository persists dispatch attempts.
type OutboxRepository interface {
	InsertOutbox(ctx context.Context, e *domain.OutboxEntry) error
	UpdateOutbox(ctx context.Context, e *domain.OutboxEntry) error
	GetOutbox(ctx context.Context, id string) (*domain.OutboxEntry, error)

	// ListDueOutbox returns pending entries whose next attempt is at or before now.
	ListDueOutbox(ctx context.Context, now time.Time, limit int) ([]*domain.OutboxEntry, error)
}

// DeliveryRepository records callback deliveries.
type DeliveryRepository interface {
	RecordDelivery(ctx context.Context, d *domain.CallbackDelivery) error
	ListDeliveries(ctx context.Context, fileID string) ([]*domain.CallbackDelivery, error)
}

// Repository is the full set of operations available inside and outside a
// transaction.
type Repository interface {
	TenantRepository
	SubmissionRepository
	FileRepository
	StatementRepository
	ApplicationRepository
	CompanyRepository
	MetricsRepository
	ExtractionRepository
	OutboxRepository
	DeliveryRepository
}

// Store is a Repository that can open transactions.
type Store interface {
	Repository

	// WithTx runs fn inside one transaction. fn's error rolls everything back
	// and is returned unchanged.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error

	// Close releases the underlying connections.
	Close()
}
