package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SubmissionMetrics is the rollup rebuilt from a Submission's Transactions.
type SubmissionMetrics struct {
	SubmissionID string `json:"submission_id"`
	TenantID     string `json:"tenant_id"`

	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`

	TotalDeposits    decimal.Decimal `json:"total_deposits"`
	TotalWithdrawals decimal.Decimal `json:"total_withdrawals"`
	DepositCount     int             `json:"deposit_count"`
	WithdrawalCount  int             `json:"withdrawal_count"`

	MinBalance decimal.NullDecimal `json:"min_balance"`
	MaxBalance decimal.NullDecimal `json:"max_balance"`

	EstimatedMonthlyRevenue decimal.Decimal `json:"estimated_monthly_revenue"`

	NegativeBalanceDays int `json:"negative_balance_days"`
	NSFCount            int `json:"nsf_count"`

	AccountCount     int `json:"account_count"`
	StatementCount   int `json:"statement_count"`
	TransactionCount int `json:"transaction_count"`
	CategorizedCount int `json:"categorized_count"`

	// CategorizationCoverage is CategorizedCount / TransactionCount in [0, 1].
	CategorizationCoverage decimal.Decimal `json:"categorization_coverage"`

	ComputedAt time.Time `json:"computed_at"`
}
