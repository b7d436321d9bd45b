// Package entity resolves extracted company identities to canonical
// Business Entities.
package entity

import (
	"context"
	"strings"
	"time"

	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/dvloznov/finance-intake/internal/logger"
	"github.com/dvloznov/finance-intake/internal/store"
	"github.com/google/uuid"
)

// Identity is the company identity extracted from a document.
type Identity struct {
	LegalName  string
	Identifier string
}

// Step names the rule that produced a Match.
type Step string

const (
	StepIdentifier Step = "identifier"
	StepName       Step = "normalized_name"
	StepAlias      Step = "alias"
	StepCreated    Step = "created"
)

// Match is the outcome of a resolution.
type Match struct {
	CompanyID string
	Step      Step
	// IdentifierSet is true when the matched entity received the extracted
	// identifier because it had none.
	IdentifierSet bool
}

// Created reports whether a new entity was created.
func (m Match) Created() bool {
	return m.Step == StepCreated
}

// Resolver finds or creates the Business Entity for an Identity. Callers pass
// the repository so resolution can join the caller's transaction.
type Resolver interface {
	Resolve(ctx context.Context, companies store.CompanyRepository, tenantID string, id Identity) (Match, error)
}

// ChainResolver applies identifier, normalized name and alias matching in
// that order and creates a new entity when none match. It never merges or
// deletes entities.
type ChainResolver struct {
	now func() time.Time
}

// NewChainResolver creates a ChainResolver.
func NewChainResolver() *ChainResolver {
	return &ChainResolver{now: time.Now}
}

var _ Resolver = (*ChainResolver)(nil)

func (r *ChainResolver) Resolve(ctx context.Context, companies store.CompanyRepository, tenantID string, id Identity) (Match, error) {
	log := logger.FromContext(ctx)

	legalName := strings.TrimSpace(id.LegalName)
	normalized := Normalize(legalName)
	if normalized == "" {
		return Match{}, apperrors.Validationf("legal name is required for entity resolution")
	}
	identifier := NormalizeIdentifier(id.Identifier)

	if identifier != "" {
		c, err := companies.FindCompanyByIdentifier(ctx, tenantID, identifier)
		switch {
		case err == nil:
			return Match{CompanyID: c.ID, Step: StepIdentifier}, nil
		case !apperrors.IsNotFound(err):
			return Match{}, err
		}
	}

	c, err := companies.FindCompanyByNormalizedName(ctx, tenantID, normalized)
	if err == nil {
		return r.matched(ctx, companies, c, StepName, identifier)
	}
	if !apperrors.IsNotFound(err) {
		return Match{}, err
	}

	c, err = companies.FindCompanyByAlias(ctx, tenantID, normalized)
	if err == nil {
		return r.matched(ctx, companies, c, StepAlias, identifier)
	}
	if !apperrors.IsNotFound(err) {
		return Match{}, err
	}

	now := r.now().UTC()
	company := &domain.Company{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		LegalName:      legalName,
		NormalizedName: normalized,
		Identifier:     identifier,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	alias := &domain.Alias{
		ID:              uuid.NewString(),
		CompanyID:       company.ID,
		TenantID:        tenantID,
		Alias:           legalName,
		NormalizedAlias: normalized,
		CreatedAt:       now,
	}
	if err := companies.CreateCompany(ctx, company, alias); err != nil {
		if apperrors.IsConflict(err) {
			// Another resolution created the same entity first; a retry finds it.
			return Match{}, apperrors.Transient("entity: concurrent create", err)
		}
		return Match{}, err
	}

	log.Info().
		Str("company_id", company.ID).
		Str("normalized_name", normalized).
		Msg("Created business entity")
	return Match{CompanyID: company.ID, Step: StepCreated}, nil
}

// matched backfills the identifier on an entity found by name or alias. The
// identifier lookup already missed, so no other entity in the tenant holds it.
func (r *ChainResolver) matched(ctx context.Context, companies store.CompanyRepository, c *domain.Company, step Step, identifier string) (Match, error) {
	m := Match{CompanyID: c.ID, Step: step}
	if identifier == "" || c.Identifier != "" {
		return m, nil
	}
	if err := companies.SetCompanyIdentifier(ctx, c.ID, identifier); err != nil {
		if apperrors.IsConflict(err) {
			return Match{}, apperrors.Transient("entity: concurrent identifier assignment", err)
		}
		return Match{}, err
	}
	m.IdentifierSet = true
	return m, nil
}

// NewAlias builds an alias for a curated name, rejecting names that
// normalize to nothing.
func NewAlias(tenantID, companyID, name string, now time.Time) (*domain.Alias, error) {
	name = strings.TrimSpace(name)
	normalized := Normalize(name)
	if normalized == "" {
		return nil, apperrors.Validationf("alias must contain letters or digits")
	}
	return &domain.Alias{
		ID:              uuid.NewString(),
		CompanyID:       companyID,
		TenantID:        tenantID,
		Alias:           name,
		NormalizedAlias: normalized,
		CreatedAt:       now.UTC(),
	}, nil
}
