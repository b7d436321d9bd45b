package postgres

import (
	"context"

	"github.com/dvloznov/finance-intake/internal/domain"
	"github.com/jackc/pgx/v5"
)

const companyColumns = `c.id, c.tenant_id, c.legal_name, c.normalized_name, COALESCE(c.identifier, ''), c.created_at, c.updated_at`

func (q *queries) findCompany(ctx context.Context, op, where string, args ...any) (*domain.Company, error) {
	var c domain.Company
	err := q.db.QueryRow(ctx, `SELECT `+companyColumns+` FROM companies c `+where+` LIMIT 1`, args...).
		Scan(&c.ID, &c.TenantID, &c.LegalName, &c.NormalizedName, &c.Identifier, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, translate(op, err)
	}
	if err := q.loadAliases(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (q *queries) loadAliases(ctx context.Context, c *domain.Company) error {
	rows, err := q.db.Query(ctx, `
		SELECT id, company_id, tenant_id, alias, normalized_alias, created_at
		FROM company_aliases
		WHERE company_id = $1
		ORDER BY created_at, id
	`, c.ID)
	if err != nil {
		return translate("loadAliases", err)
	}
	aliases, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Alias, error) {
		var a domain.Alias
		err := row.Scan(&a.ID, &a.CompanyID, &a.TenantID, &a.Alias, &a.NormalizedAlias, &a.CreatedAt)
		return a, err
	})
	if err != nil {
		return translate("loadAliases: scan", err)
	}
	c.Aliases = aliases
	return nil
}

func (q *queries) FindCompanyByIdentifier(ctx context.Context, tenantID, identifier string) (*domain.Company, error) {
	return q.findCompany(ctx, "FindCompanyByIdentifier", `WHERE c.tenant_id = $1 AND c.identifier = $2`, tenantID, identifier)
}

func (q *queries) FindCompanyByNormalizedName(ctx context.Context, tenantID, normalized string) (*domain.Company, error) {
	return q.findCompany(ctx, "FindCompanyByNormalizedName", `WHERE c.tenant_id = $1 AND c.normalized_name = $2`, tenantID, normalized)
}

func (q *queries) FindCompanyByAlias(ctx context.Context, tenantID, normalizedAlias string) (*domain.Company, error) {
	return q.findCompany(ctx, "FindCompanyByAlias", `
		JOIN company_aliases a ON a.company_id = c.id
		WHERE a.tenant_id = $1 AND a.normalized_alias = $2`, tenantID, normalizedAlias)
}

func (q *queries) CreateCompany(ctx context.Context, c *domain.Company, first *domain.Alias) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO companies (id, tenant_id, legal_name, normalized_name, identifier, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $6)
	`, c.ID, c.TenantID, c.LegalName, c.NormalizedName, c.Identifier, c.CreatedAt)
	if err != nil {
		return translate("CreateCompany", err)
	}
	if first != nil {
		return q.AddAlias(ctx, first)
	}
	return nil
}

func (q *queries) SetCompanyIdentifier(ctx context.Context, companyID, identifier string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE companies
		SET identifier = $2, updated_at = now()
		WHERE id = $1 AND identifier IS NULL
	`, companyID, identifier)
	return translate("SetCompanyIdentifier", err)
}

func (q *queries) AddAlias(ctx context.Context, a *domain.Alias) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO company_aliases (id, company_id, tenant_id, alias, normalized_alias, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
	`, a.ID, a.CompanyID, a.TenantID, a.Alias, a.NormalizedAlias, nullTime(a.CreatedAt))
	return translate("AddAlias", err)
}

func (q *queries) GetCompany(ctx context.Context, tenantID, id string) (*domain.Company, error) {
	return q.findCompany(ctx, "GetCompany", `WHERE c.tenant_id = $1 AND c.id = $2`, tenantID, id)
}

func (q *queries) ListCompanies(ctx context.Context, tenantID string, limit, offset int) ([]*domain.Company, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.Query(ctx, `
		SELECT `+companyColumns+`
		FROM companies c
		WHERE c.tenant_id = $1
		ORDER BY c.normalized_name
		LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, translate("ListCompanies", err)
	}
	companies, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Company, error) {
		var c domain.Company
		err := row.Scan(&c.ID, &c.TenantID, &c.LegalName, &c.NormalizedName, &c.Identifier, &c.CreatedAt, &c.UpdatedAt)
		return &c, err
	})
	if err != nil {
		return nil, translate("ListCompanies: scan", err)
	}
	for _, c := range companies {
		if err := q.loadAliases(ctx, c); err != nil {
			return nil, err
		}
	}
	return companies, nil
}
