package domain

import "time"

// Tenant is an organization whose callers share Submissions and Companies.
type Tenant struct {
	ID         string    `json:"tenant_id"`
	Name       string    `json:"name"`
	APIKeyHash string    `json:"-"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}
