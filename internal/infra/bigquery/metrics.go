// Package bigquery streams submission rollups into a BigQuery table for
// analytics. Rows are appended, never updated: every recomputation produces
// a new row and readers pick the latest computed_at per submission.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/lifecycle"
	"github.com/dvloznov/finance-intake/internal/logger"
	"github.com/shopspring/decimal"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

type MetricsRow struct {
	SubmissionID string `bigquery:"submission_id"` // REQUIRED
	TenantID     string `bigquery:"tenant_id"`     // REQUIRED

	Status         string `bigquery:"status"` // REQUIRED
	FilesTotal     int64  `bigquery:"files_total"`
	FilesProcessed int64  `bigquery:"files_processed"`

	PeriodStart bigquery.NullDate `bigquery:"period_start"` // NULLABLE
	PeriodEnd   bigquery.NullDate `bigquery:"period_end"`   // NULLABLE

	TotalDeposits    *big.Rat `bigquery:"total_deposits"`    // NUMERIC
	TotalWithdrawals *big.Rat `bigquery:"total_withdrawals"` // NUMERIC
	DepositCount     int64    `bigquery:"deposit_count"`
	WithdrawalCount  int64    `bigquery:"withdrawal_count"`

	MinBalance *big.Rat `bigquery:"min_balance"` // NULLABLE NUMERIC
	MaxBalance *big.Rat `bigquery:"max_balance"` // NULLABLE NUMERIC

	EstimatedMonthlyRevenue *big.Rat `bigquery:"estimated_monthly_revenue"`
	NegativeBalanceDays     int64    `bigquery:"negative_balance_days"`
	NSFCount                int64    `bigquery:"nsf_count"`

	AccountCount           int64    `bigquery:"account_count"`
	StatementCount         int64    `bigquery:"statement_count"`
	TransactionCount       int64    `bigquery:"transaction_count"`
	CategorizationCoverage *big.Rat `bigquery:"categorization_coverage"`

	ComputedAt time.Time `bigquery:"computed_at"` // REQUIRED, partition column
}

func rat(d decimal.Decimal) *big.Rat {
	return d.Rat()
}

func nullRat(d decimal.NullDecimal) *big.Rat {
	if !d.Valid {
		return nil
	}
	return d.Decimal.Rat()
}

func nullDate(t *time.Time) bigquery.NullDate {
	if t == nil {
		return bigquery.NullDate{}
	}
	return bigquery.NullDate{Date: civil.DateOf(*t), Valid: true}
}

// NewMetricsRow flattens a rollup into one analytics row.
func NewMetricsRow(status domain.SubmissionStatus, filesTotal, filesProcessed int, m *domain.SubmissionMetrics) *MetricsRow {
	return &MetricsRow{
		SubmissionID:            m.SubmissionID,
		TenantID:                m.TenantID,
		Status:                  string(status),
		FilesTotal:              int64(filesTotal),
		FilesProcessed:          int64(filesProcessed),
		PeriodStart:             nullDate(m.PeriodStart),
		PeriodEnd:               nullDate(m.PeriodEnd),
		TotalDeposits:           rat(m.TotalDeposits),
		TotalWithdrawals:        rat(m.TotalWithdrawals),
		DepositCount:            int64(m.DepositCount),
		WithdrawalCount:         int64(m.WithdrawalCount),
		MinBalance:              nullRat(m.MinBalance),
		MaxBalance:              nullRat(m.MaxBalance),
		EstimatedMonthlyRevenue: rat(m.EstimatedMonthlyRevenue),
		NegativeBalanceDays:     int64(m.NegativeBalanceDays),
		NSFCount:                int64(m.NSFCount),
		AccountCount:            int64(m.AccountCount),
		StatementCount:          int64(m.StatementCount),
		TransactionCount:        int64(m.TransactionCount),
		CategorizationCoverage:  rat(m.CategorizationCoverage),
		ComputedAt:              m.ComputedAt.UTC(),
	}
}

// insertID lets BigQuery drop retried inserts of the same recomputation.
func (r *MetricsRow) insertID() string {
	return fmt.Sprintf("%s:%d", r.SubmissionID, r.ComputedAt.UnixNano())
}

// putter is the subset of *bigquery.Inserter the sink uses.
type putter interface {
	Put(ctx context.Context, src interface{}) error
}

// MetricsSink appends a row for every rollup a terminal File transition
// produces. It is a lifecycle.Listener.
type MetricsSink struct {
	client   *bigquery.Client
	table    *bigquery.Table
	inserter putter
}

// NewMetricsSink creates a sink writing to projectID.dataset.table.
func NewMetricsSink(ctx context.Context, projectID, dataset, table string, opts ...option.ClientOption) (*MetricsSink, error) {
	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewMetricsSink: creating client: %w", err)
	}
	t := client.DatasetInProject(projectID, dataset).Table(table)
	return &MetricsSink{
		client:   client,
		table:    t,
		inserter: t.Inserter(),
	}, nil
}

// EnsureTable creates the table, partitioned by computed_at, when it does
// not exist yet.
func (s *MetricsSink) EnsureTable(ctx context.Context) error {
	_, err := s.table.Metadata(ctx)
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusNotFound {
		return fmt.Errorf("EnsureTable: reading metadata: %w", err)
	}

	schema, err := bigquery.InferSchema(MetricsRow{})
	if err != nil {
		return fmt.Errorf("EnsureTable: inferring schema: %w", err)
	}
	meta := &bigquery.TableMetadata{
		Schema: schema,
		TimePartitioning: &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: "computed_at",
		},
		Clustering: &bigquery.Clustering{Fields: []string{"tenant_id", "submission_id"}},
	}
	if err := s.table.Create(ctx, meta); err != nil {
		return fmt.Errorf("EnsureTable: creating table: %w", err)
	}
	return nil
}

// Insert appends one row.
func (s *MetricsSink) Insert(ctx context.Context, row *MetricsRow) error {
	saver := &bigquery.StructSaver{Struct: row, InsertID: row.insertID()}
	if err := s.inserter.Put(ctx, saver); err != nil {
		return fmt.Errorf("Insert: inserting metrics row: %w", err)
	}
	return nil
}

// OnTransition implements lifecycle.Listener.
func (s *MetricsSink) OnTransition(ctx context.Context, ev lifecycle.Event) error {
	if ev.Rollup == nil || ev.Rollup.Metrics == nil {
		return nil
	}
	r := ev.Rollup
	row := NewMetricsRow(r.Status, r.FilesTotal, r.FilesProcessed, r.Metrics)
	if err := s.Insert(ctx, row); err != nil {
		return err
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Str("submission_id", row.SubmissionID).
		Str("status", row.Status).
		Msg("Streamed submission metrics to BigQuery")
	return nil
}

// Close closes the BigQuery client connection.
func (s *MetricsSink) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

var _ lifecycle.Listener = (*MetricsSink)(nil)
