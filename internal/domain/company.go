package domain

import "time"

// Company is the canonical business entity an Application resolves to.
// NormalizedName is unique per tenant, as is Identifier when set.
type Company struct {
	ID             string    `json:"company_id"`
	TenantID       string    `json:"tenant_id"`
	LegalName      string    `json:"legal_name"`
	NormalizedName string    `json:"normalized_name"`
	Identifier     string    `json:"identifier,omitempty"`
	Aliases        []Alias   `json:"aliases,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Alias is an alternative name registered for a Company.
type Alias struct {
	ID              string    `json:"alias_id"`
	CompanyID       string    `json:"company_id"`
	TenantID        string    `json:"tenant_id"`
	Alias           string    `json:"alias"`
	NormalizedAlias string    `json:"normalized_alias"`
	CreatedAt       time.Time `json:"created_at"`
}
