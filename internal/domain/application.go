package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Owner is one principal listed on a loan application.
type Owner struct {
	Name                string          `json:"name"`
	Title               string          `json:"title"`
	OwnershipPercentage decimal.Decimal `json:"ownership_percentage"`
	Email               string          `json:"email"`
	Phone               string          `json:"phone"`
	HomeAddress         string          `json:"home_address"`
}

// Application holds the fields extracted from one loan application File.
// Owner2 is either nil or fully populated.
type Application struct {
	ID           string `json:"application_id"`
	FileID       string `json:"file_id"`
	SubmissionID string `json:"submission_id"`
	TenantID     string `json:"tenant_id"`
	CompanyID    string `json:"company_id"`

	LegalName         string     `json:"legal_name"`
	DBA               string     `json:"dba,omitempty"`
	Identifier        string     `json:"identifier,omitempty"`
	EntityType        string     `json:"entity_type,omitempty"`
	Industry          string     `json:"industry,omitempty"`
	BusinessStartDate *time.Time `json:"business_start_date,omitempty"`
	BusinessAddress   string     `json:"business_address,omitempty"`
	BusinessPhone     string     `json:"business_phone,omitempty"`
	Website           string     `json:"website,omitempty"`

	RequestedAmount decimal.NullDecimal `json:"requested_amount"`
	UseOfFunds      string              `json:"use_of_funds,omitempty"`
	AnnualRevenue   decimal.NullDecimal `json:"annual_revenue"`
	MonthlyRevenue  decimal.NullDecimal `json:"monthly_revenue"`

	Owner1 *Owner `json:"owner_1,omitempty"`
	Owner2 *Owner `json:"owner_2,omitempty"`

	Confidence      float64   `json:"confidence"`
	PayloadChecksum string    `json:"payload_checksum"`
	CreatedAt       time.Time `json:"created_at"`
}
