package callback

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/validate"
	"github.com/shopspring/decimal"
)

// Callback status values reported by external services.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Envelope is the body POSTed by an extraction service. Payload is decoded
// according to DocumentType.
type Envelope struct {
	FileID       string              `json:"file_id" validate:"required,max=64"`
	SubmissionID string              `json:"submission_id" validate:"max=64"`
	TenantID     string              `json:"tenant_id" validate:"required,max=64"`
	DocumentType domain.DocumentType `json:"document_type" validate:"required,oneof=bank_statement application"`
	Status       string              `json:"status,omitempty" validate:"omitempty,oneof=completed failed"`
	Error        string              `json:"error,omitempty" validate:"max=2000"`
	JobID        string              `json:"job_id,omitempty" validate:"max=255"`
	Payload      json.RawMessage     `json:"extraction_payload"`
}

// Failed reports whether the service reported an extraction failure.
func (e *Envelope) Failed() bool {
	return e.Status == StatusFailed
}

// ClassificationEnvelope is the body POSTed by an asynchronous classifier.
type ClassificationEnvelope struct {
	FileID       string              `json:"file_id" validate:"required,max=64"`
	TenantID     string              `json:"tenant_id" validate:"required,max=64"`
	DocumentType domain.DocumentType `json:"document_type" validate:"omitempty,oneof=bank_statement application other"`
	Confidence   float64             `json:"confidence" validate:"gte=0,lte=1"`
	Status       string              `json:"status,omitempty" validate:"omitempty,oneof=completed failed"`
	Error        string              `json:"error,omitempty" validate:"max=2000"`
}

// StatementPayload is the extraction result for a bank statement.
type StatementPayload struct {
	Account        AccountPayload       `json:"account"`
	PeriodStart    civil.Date           `json:"period_start"`
	PeriodEnd      civil.Date           `json:"period_end"`
	OpeningBalance decimal.NullDecimal  `json:"opening_balance"`
	ClosingBalance decimal.NullDecimal  `json:"closing_balance"`
	Transactions   []TransactionPayload `json:"transactions" validate:"max=20000,dive"`
}

type AccountPayload struct {
	AccountNumber string `json:"account_number" validate:"required,max=64"`
	BankName      string `json:"bank_name" validate:"max=255"`
	HolderName    string `json:"holder_name" validate:"max=255"`
}

type TransactionPayload struct {
	Date           civil.Date          `json:"date"`
	Description    string              `json:"description" validate:"max=2000"`
	Amount         decimal.NullDecimal `json:"amount"`
	RunningBalance decimal.NullDecimal `json:"running_balance"`
	Category       string              `json:"category,omitempty" validate:"max=128"`
	Merchant       string              `json:"merchant,omitempty" validate:"max=255"`
	IsRecurring    bool                `json:"is_recurring"`
}

// check enforces the rules struct tags cannot express.
func (p *StatementPayload) check() error {
	var problems []string
	if !p.PeriodStart.IsValid() {
		problems = append(problems, "period_start is required")
	}
	if !p.PeriodEnd.IsValid() {
		problems = append(problems, "period_end is required")
	}
	if p.PeriodStart.IsValid() && p.PeriodEnd.IsValid() && p.PeriodEnd.Before(p.PeriodStart) {
		problems = append(problems, "period_end is before period_start")
	}
	if !p.OpeningBalance.Valid {
		problems = append(problems, "opening_balance is required")
	}
	if !p.ClosingBalance.Valid {
		problems = append(problems, "closing_balance is required")
	}
	for i, t := range p.Transactions {
		if !t.Date.IsValid() {
			problems = append(problems, fmt.Sprintf("transactions[%d].date is required", i))
		}
		if !t.Amount.Valid {
			problems = append(problems, fmt.Sprintf("transactions[%d].amount is required", i))
		}
	}
	if len(problems) > 0 {
		return apperrors.Validationf("invalid statement payload: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ApplicationPayload is the extraction result for a loan application.
type ApplicationPayload struct {
	Company    CompanyPayload    `json:"company"`
	Financials FinancialsPayload `json:"financials"`
	Owner1     *OwnerPayload     `json:"owner_1"`
	Owner2     *OwnerPayload     `json:"owner_2"`
	Confidence float64           `json:"confidence" validate:"gte=0,lte=1"`
}

type CompanyPayload struct {
	LegalName         string      `json:"legal_name" validate:"required,max=255"`
	DBA               string      `json:"dba" validate:"max=255"`
	Identifier        string      `json:"identifier" validate:"max=64"`
	EntityType        string      `json:"entity_type" validate:"max=64"`
	Industry          string      `json:"industry" validate:"max=128"`
	BusinessStartDate *civil.Date `json:"business_start_date"`
	BusinessAddress   string      `json:"business_address" validate:"max=512"`
	BusinessPhone     string      `json:"business_phone" validate:"max=64"`
	Website           string      `json:"website" validate:"max=255"`
}

type FinancialsPayload struct {
	RequestedAmount decimal.NullDecimal `json:"requested_amount"`
	UseOfFunds      string              `json:"use_of_funds" validate:"max=1000"`
	AnnualRevenue   decimal.NullDecimal `json:"annual_revenue"`
	MonthlyRevenue  decimal.NullDecimal `json:"monthly_revenue"`
}

// OwnerPayload fields are pointers so that an absent field can be told apart
// from an empty one.
type OwnerPayload struct {
	Name                *string             `json:"name" validate:"omitempty,max=255"`
	Title               *string             `json:"title" validate:"omitempty,max=128"`
	OwnershipPercentage decimal.NullDecimal `json:"ownership_percentage"`
	Email               *string             `json:"email" validate:"omitempty,max=255"`
	Phone               *string             `json:"phone" validate:"omitempty,max=64"`
	HomeAddress         *string             `json:"home_address" validate:"omitempty,max=512"`
}

func present(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}

// missing lists absent fields; all six absent means no owner.
func (o *OwnerPayload) missing() []string {
	if o == nil {
		return []string{"name", "title", "ownership_percentage", "email", "phone", "home_address"}
	}
	var out []string
	if !present(o.Name) {
		out = append(out, "name")
	}
	if !present(o.Title) {
		out = append(out, "title")
	}
	if !o.OwnershipPercentage.Valid {
		out = append(out, "ownership_percentage")
	}
	if !present(o.Email) {
		out = append(out, "email")
	}
	if !present(o.Phone) {
		out = append(out, "phone")
	}
	if !present(o.HomeAddress) {
		out = append(out, "home_address")
	}
	return out
}

const ownerFieldCount = 6

func (p *ApplicationPayload) check() error {
	if m := p.Owner2.missing(); len(m) > 0 && len(m) < ownerFieldCount {
		return apperrors.Validationf("owner_2 is partially populated; missing %s", strings.Join(m, ", "))
	}
	if p.Owner1 != nil && len(p.Owner1.missing()) < ownerFieldCount && !present(p.Owner1.Name) {
		return apperrors.Validationf("owner_1.name is required when owner_1 is given")
	}
	for _, o := range []*OwnerPayload{p.Owner1, p.Owner2} {
		if o == nil || !o.OwnershipPercentage.Valid {
			continue
		}
		pct := o.OwnershipPercentage.Decimal
		if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
			return apperrors.Validationf("ownership_percentage %s is outside [0, 100]", pct)
		}
	}
	if d := p.Company.BusinessStartDate; d != nil && !d.IsValid() {
		return apperrors.Validationf("company.business_start_date is not a valid date")
	}
	return nil
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func (o *OwnerPayload) toDomain() *domain.Owner {
	if len(o.missing()) == ownerFieldCount {
		return nil
	}
	return &domain.Owner{
		Name:                strOrEmpty(o.Name),
		Title:               strOrEmpty(o.Title),
		OwnershipPercentage: o.OwnershipPercentage.Decimal,
		Email:               strOrEmpty(o.Email),
		Phone:               strOrEmpty(o.Phone),
		HomeAddress:         strOrEmpty(o.HomeAddress),
	}
}

// decodeStatement parses and validates a statement payload.
func decodeStatement(raw json.RawMessage) (*StatementPayload, error) {
	var p StatementPayload
	if err := decodeStrict(raw, &p); err != nil {
		return nil, err
	}
	if err := validate.Struct(&p); err != nil {
		return nil, err
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	return &p, nil
}

// decodeApplication parses and validates an application payload.
func decodeApplication(raw json.RawMessage) (*ApplicationPayload, error) {
	var p ApplicationPayload
	if err := decodeStrict(raw, &p); err != nil {
		return nil, err
	}
	if err := validate.Struct(&p); err != nil {
		return nil, err
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	return &p, nil
}

// decodeStrict decodes a single JSON value into v. Unknown fields and
// trailing data are malformed.
func decodeStrict(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return apperrors.Validationf("extraction_payload is required")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Validationf("extraction_payload is malformed: %v", err)
	}
	if dec.More() {
		return apperrors.Validationf("extraction_payload is malformed: trailing data")
	}
	return nil
}

// checksum hashes the canonical JSON encoding of a decoded value, so
// redeliveries that differ only in formatting hash equally.
func checksum(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(fmt.Sprintf("%#v", v))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// rawChecksum hashes bytes that could not be decoded.
func rawChecksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
