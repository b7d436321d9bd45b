package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultReconciliationEpsilon is the currency rounding tolerance used when
// deciding whether a Statement reconciles.
var DefaultReconciliationEpsilon = decimal.RequireFromString("0.01")

// Account is a bank account inferred from statement extraction. Accounts are
// scoped to a Submission and unique per (submission, account number).
type Account struct {
	ID                  string              `json:"account_id"`
	SubmissionID        string              `json:"submission_id"`
	TenantID            string              `json:"tenant_id"`
	AccountNumber       string              `json:"account_number"`
	MaskedNumber        string              `json:"masked_number,omitempty"`
	BankName            string              `json:"bank_name,omitempty"`
	HolderName          string              `json:"holder_name,omitempty"`
	LatestBalance       decimal.NullDecimal `json:"latest_balance"`
	LastTransactionDate *time.Time          `json:"last_transaction_date,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// MergeAccount folds an incoming observation into an existing Account.
// The later last_transaction_date wins, and the latest balance follows the
// observation that carries that date. Descriptive fields are only filled when
// missing.
func MergeAccount(existing, incoming Account) Account {
	merged := existing

	switch {
	case incoming.LastTransactionDate == nil:
		if existing.LastTransactionDate == nil && incoming.LatestBalance.Valid {
			merged.LatestBalance = incoming.LatestBalance
		}
	case existing.LastTransactionDate == nil || !incoming.LastTransactionDate.Before(*existing.LastTransactionDate):
		d := *incoming.LastTransactionDate
		merged.LastTransactionDate = &d
		if incoming.LatestBalance.Valid {
			merged.LatestBalance = incoming.LatestBalance
		}
	}

	if merged.MaskedNumber == "" {
		merged.MaskedNumber = incoming.MaskedNumber
	}
	if merged.BankName == "" {
		merged.BankName = incoming.BankName
	}
	if merged.HolderName == "" {
		merged.HolderName = incoming.HolderName
	}
	return merged
}

// MaskAccountNumber keeps the last four characters of an account number.
func MaskAccountNumber(number string) string {
	r := []rune(number)
	if len(r) <= 4 {
		return number
	}
	masked := make([]rune, len(r))
	for i := range r {
		if i < len(r)-4 {
			masked[i] = '*'
		} else {
			masked[i] = r[i]
		}
	}
	return string(masked)
}

// Statement is one statement period extracted from one File.
type Statement struct {
	ID                       string          `json:"statement_id"`
	FileID                   string          `json:"file_id"`
	SubmissionID             string          `json:"submission_id"`
	TenantID                 string          `json:"tenant_id"`
	AccountID                string          `json:"account_id"`
	PeriodStart              time.Time       `json:"period_start"`
	PeriodEnd                time.Time       `json:"period_end"`
	OpeningBalance           decimal.Decimal `json:"opening_balance"`
	ClosingBalance           decimal.Decimal `json:"closing_balance"`
	TotalCredits             decimal.Decimal `json:"total_credits"`
	TotalDebits              decimal.Decimal `json:"total_debits"`
	CreditCount              int             `json:"credit_count"`
	DebitCount               int             `json:"debit_count"`
	IsReconciled             bool            `json:"is_reconciled"`
	ReconciliationDifference decimal.Decimal `json:"reconciliation_difference"`
	PayloadChecksum          string          `json:"payload_checksum"`
	CreatedAt                time.Time       `json:"created_at"`
}

// Transaction is one statement line item. Sequence preserves source order and
// is dense from 1 within a Statement.
type Transaction struct {
	ID             string              `json:"transaction_id"`
	StatementID    string              `json:"statement_id"`
	SubmissionID   string              `json:"submission_id"`
	TenantID       string              `json:"tenant_id"`
	Sequence       int                 `json:"sequence"`
	Date           time.Time           `json:"date"`
	Description    string              `json:"description"`
	Amount         decimal.Decimal     `json:"amount"`
	RunningBalance decimal.NullDecimal `json:"running_balance"`
	Category       string              `json:"category,omitempty"`
	Merchant       string              `json:"merchant,omitempty"`
	IsRecurring    bool                `json:"is_recurring"`
}

// Reconcile computes opening + sum(amounts) - closing and whether its
// magnitude is below epsilon.
func Reconcile(opening, closing decimal.Decimal, amounts []decimal.Decimal, epsilon decimal.Decimal) (decimal.Decimal, bool) {
	diff := opening
	for _, a := range amounts {
		diff = diff.Add(a)
	}
	diff = diff.Sub(closing)
	return diff, diff.Abs().LessThan(epsilon)
}

// Totals splits signed amounts into credit and debit sums and counts.
// Debits are returned as a positive magnitude.
func Totals(amounts []decimal.Decimal) (credits, debits decimal.Decimal, creditCount, debitCount int) {
	for _, a := range amounts {
		switch a.Sign() {
		case 1:
			credits = credits.Add(a)
			creditCount++
		case -1:
			debits = debits.Add(a.Neg())
			debitCount++
		}
	}
	return credits, debits, creditCount, debitCount
}
