package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	apperr "github.com/skylight-sec/skylight/internal/errors"
	"github.com/skylight-sec/skylight/internal/models"
)

// CreateOrganization inserts a new tenant.
func (s *Store) CreateOrganization(ctx context.Context, org models.Organization) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, tier, settings, created_at) VALUES (?, ?, ?, ?, ?)`,
		org.ID, org.Name, org.Tier, marshalJSON(org.Settings, "{}"), org.CreatedAt.Unix())
	return err
}

// GetOrganization fetches a tenant by id.
func (s *Store) GetOrganization(ctx context.Context, id string) (models.Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, tier, settings, created_at FROM organizations WHERE id = ?`, id)

	var org models.Organization
	var settings string
	var createdAt int64
	if err := row.Scan(&org.ID, &org.Name, &org.Tier, &settings, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Organization{}, apperr.Newf(apperr.KindNotFound, "store.organizations.get", "organization %s not found", id)
		}
		return models.Organization{}, err
	}
	if err := json.Unmarshal([]byte(settings), &org.Settings); err != nil {
		return models.Organization{}, err
	}
	org.CreatedAt = time.Unix(createdAt, 0).UTC()
	return org, nil
}

// UpdateOrganizationSettings replaces the tenant's settings payload.
func (s *Store) UpdateOrganizationSettings(ctx context.Context, id string, settings models.OrganizationSettings) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET settings = ? WHERE id = ?`,
		marshalJSON(settings, "{}"), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.Newf(apperr.KindNotFound, "store.organizations.update", "organization %s not found", id)
	}
	return nil
}

// ListOrganizations returns all tenants, used by the discovery scheduler.
func (s *Store) ListOrganizations(ctx context.Context) ([]models.Organization, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, tier, settings, created_at FROM organizations ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []models.Organization
	for rows.Next() {
		var org models.Organization
		var settings string
		var createdAt int64
		if err := rows.Scan(&org.ID, &org.Name, &org.Tier, &settings, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(settings), &org.Settings); err != nil {
			return nil, err
		}
		org.CreatedAt = time.Unix(createdAt, 0).UTC()
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}
