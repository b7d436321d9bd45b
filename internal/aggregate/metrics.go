package aggregate

import (
	"regexp"
	"time"

	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/shopspring/decimal"
)

var nsfPattern = regexp.MustCompile(`(?i)\b(nsf|insufficient funds?|returned item|overdraft fee|od fee)\b`)

// IsNSF reports whether a transaction description records an
// insufficient-funds event.
func IsNSF(description string) bool {
	return nsfPattern.MatchString(description)
}

// BuildMetrics rebuilds the rollup for a Submission from its Statements and
// their Transactions. Transactions must be ordered by statement then sequence.
func BuildMetrics(sub *domain.Submission, statements []*domain.Statement, txns []*domain.Transaction, now time.Time) *domain.SubmissionMetrics {
	m := &domain.SubmissionMetrics{
		SubmissionID: sub.ID,
		TenantID:     sub.TenantID,
		ComputedAt:   now.UTC(),
	}

	byStatement := make(map[string][]*domain.Transaction, len(statements))
	for _, t := range txns {
		byStatement[t.StatementID] = append(byStatement[t.StatementID], t)
	}

	accounts := map[string]bool{}
	negativeDays := map[string]bool{}

	for _, st := range statements {
		m.StatementCount++
		accounts[st.AccountID] = true

		if m.PeriodStart == nil || st.PeriodStart.Before(*m.PeriodStart) {
			d := st.PeriodStart
			m.PeriodStart = &d
		}
		if m.PeriodEnd == nil || st.PeriodEnd.After(*m.PeriodEnd) {
			d := st.PeriodEnd
			m.PeriodEnd = &d
		}

		observeBalance(m, st.OpeningBalance)
		observeBalance(m, st.ClosingBalance)

		// End-of-day balance per date; later lines on the same date overwrite.
		endOfDay := map[string]decimal.Decimal{}
		balance := st.OpeningBalance
		for _, t := range byStatement[st.ID] {
			m.TransactionCount++
			if t.Category != "" {
				m.CategorizedCount++
			}
			if IsNSF(t.Description) {
				m.NSFCount++
			}
			switch t.Amount.Sign() {
			case 1:
				m.TotalDeposits = m.TotalDeposits.Add(t.Amount)
				m.DepositCount++
			case -1:
				m.TotalWithdrawals = m.TotalWithdrawals.Add(t.Amount.Neg())
				m.WithdrawalCount++
			}

			balance = balance.Add(t.Amount)
			if t.RunningBalance.Valid {
				balance = t.RunningBalance.Decimal
			}
			observeBalance(m, balance)
			endOfDay[t.Date.Format(time.DateOnly)] = balance
		}
		for day, b := range endOfDay {
			if b.IsNegative() {
				negativeDays[day] = true
			}
		}
	}

	m.AccountCount = len(accounts)
	m.NegativeBalanceDays = len(negativeDays)

	if m.TransactionCount > 0 {
		m.CategorizationCoverage = decimal.NewFromInt(int64(m.CategorizedCount)).
			Div(decimal.NewFromInt(int64(m.TransactionCount))).Round(4)
	}
	if m.PeriodStart != nil {
		months := monthsSpanned(*m.PeriodStart, *m.PeriodEnd)
		m.EstimatedMonthlyRevenue = m.TotalDeposits.Div(decimal.NewFromInt(int64(months))).Round(2)
	}
	return m
}

func observeBalance(m *domain.SubmissionMetrics, b decimal.Decimal) {
	if !m.MinBalance.Valid || b.LessThan(m.MinBalance.Decimal) {
		m.MinBalance = decimal.NewNullDecimal(b)
	}
	if !m.MaxBalance.Valid || b.GreaterThan(m.MaxBalance.Decimal) {
		m.MaxBalance = decimal.NewNullDecimal(b)
	}
}

// monthsSpanned counts calendar months touched by [start, end], at least 1.
func monthsSpanned(start, end time.Time) int {
	n := (end.Year()*12 + int(end.Month())) - (start.Year()*12 + int(start.Month())) + 1
	if n < 1 {
		return 1
	}
	return n
}
