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

const automationColumns = `id, organization_id, connection_id, discovery_run_id, external_id,
	type, name, platform, permissions, platform_metadata, vendor_name, vendor_group,
	vendor_overridden, owner_user_id, is_active, first_discovered_at, last_seen_at`

func scanAutomation(scan func(dest ...any) error) (models.DiscoveredAutomation, error) {
	var a models.DiscoveredAutomation
	var typ, name, platform, permissions string
	var metadata, vendorName, vendorGroup sql.NullString
	var overridden, active int
	var first, last int64
	if err := scan(&a.ID, &a.OrganizationID, &a.ConnectionID, &a.DiscoveryRunID, &a.ExternalID,
		&typ, &name, &platform, &permissions, &metadata, &vendorName, &vendorGroup,
		&overridden, &a.OwnerUserID, &active, &first, &last); err != nil {
		return models.DiscoveredAutomation{}, err
	}
	a.Type = models.AutomationType(typ)
	a.Name = name
	a.Platform = models.Platform(platform)
	if err := json.Unmarshal([]byte(permissions), &a.Permissions); err != nil {
		return models.DiscoveredAutomation{}, err
	}
	if metadata.Valid {
		a.PlatformMetadata = json.RawMessage(metadata.String)
	}
	if vendorName.Valid {
		a.VendorName = &vendorName.String
	}
	if vendorGroup.Valid {
		a.VendorGroup = &vendorGroup.String
	}
	a.VendorOverridden = overridden != 0
	a.IsActive = active != 0
	a.FirstDiscoveredAt = time.Unix(first, 0).UTC()
	a.LastSeenAt = time.Unix(last, 0).UTC()
	return a, nil
}

// UpsertAutomation inserts a new automation or refreshes an existing row
// keyed by (connection_id, external_id). On update the original id and
// first_discovered_at are preserved, mutable fields are replaced, and an
// operator vendor override is never clobbered. Returns the stored row and
// whether it was newly inserted.
func (s *Store) UpsertAutomation(ctx context.Context, a models.DiscoveredAutomation) (models.DiscoveredAutomation, bool, error) {
	var stored models.DiscoveredAutomation
	var inserted bool

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+automationColumns+` FROM automations WHERE connection_id = ? AND external_id = ?`,
			a.ConnectionID, a.ExternalID)
		existing, err := scanAutomation(row.Scan)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, `
				INSERT INTO automations (`+automationColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				a.ID, a.OrganizationID, a.ConnectionID, a.DiscoveryRunID, a.ExternalID,
				string(a.Type), a.Name, string(a.Platform), marshalJSON(a.Permissions, "[]"),
				nullableJSON(a.PlatformMetadata), nullableStr(a.VendorName), nullableStr(a.VendorGroup),
				0, a.OwnerUserID, boolInt(a.IsActive), a.FirstDiscoveredAt.Unix(), a.LastSeenAt.Unix())
			if err != nil {
				return err
			}
			stored, inserted = a, true
			return nil
		case err != nil:
			return err
		}

		vendorName, vendorGroup := nullableStr(a.VendorName), nullableStr(a.VendorGroup)
		if existing.VendorOverridden {
			vendorName, vendorGroup = nullableStr(existing.VendorName), nullableStr(existing.VendorGroup)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE automations SET
				discovery_run_id = ?, type = ?, name = ?, permissions = ?, platform_metadata = ?,
				vendor_name = ?, vendor_group = ?, owner_user_id = ?, is_active = 1, last_seen_at = ?
			WHERE id = ?`,
			a.DiscoveryRunID, string(a.Type), a.Name, marshalJSON(a.Permissions, "[]"),
			nullableJSON(a.PlatformMetadata), vendorName, vendorGroup, a.OwnerUserID,
			a.LastSeenAt.Unix(), existing.ID)
		if err != nil {
			return err
		}

		stored = existing
		stored.DiscoveryRunID = a.DiscoveryRunID
		stored.Type = a.Type
		stored.Name = a.Name
		stored.Permissions = a.Permissions
		stored.PlatformMetadata = a.PlatformMetadata
		if !existing.VendorOverridden {
			stored.VendorName = a.VendorName
			stored.VendorGroup = a.VendorGroup
		}
		stored.OwnerUserID = a.OwnerUserID
		stored.IsActive = true
		stored.LastSeenAt = a.LastSeenAt
		return nil
	})
	return stored, inserted, err
}

// GetAutomationByExternal fetches the deduplication target for a sighting,
// if one exists. The engine reads it before upserting to snapshot the prior
// permission set.
func (s *Store) GetAutomationByExternal(ctx context.Context, connectionID, externalID string) (models.DiscoveredAutomation, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+automationColumns+` FROM automations WHERE connection_id = ? AND external_id = ?`,
		connectionID, externalID)
	a, err := scanAutomation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DiscoveredAutomation{}, false, nil
	}
	if err != nil {
		return models.DiscoveredAutomation{}, false, err
	}
	return a, true, nil
}

// GetAutomation fetches one automation scoped to the organization.
func (s *Store) GetAutomation(ctx context.Context, orgID, id string) (models.DiscoveredAutomation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+automationColumns+` FROM automations WHERE id = ? AND organization_id = ?`,
		id, orgID)
	a, err := scanAutomation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DiscoveredAutomation{}, apperr.Newf(apperr.KindNotFound, "store.automations.get", "automation %s not found", id)
	}
	return a, err
}

// AutomationFilter narrows ListAutomations.
type AutomationFilter struct {
	Platform        models.Platform
	ConnectionID    string
	IncludeInactive bool
	Cursor          string // last automation id of previous page
	Limit           int
}

// ListAutomations returns a tenant's automations ordered by id for stable
// cursor pagination. Soft-expired rows are excluded unless requested.
func (s *Store) ListAutomations(ctx context.Context, orgID string, f AutomationFilter) ([]models.DiscoveredAutomation, error) {
	q := `SELECT ` + automationColumns + ` FROM automations WHERE organization_id = ?`
	args := []any{orgID}
	if !f.IncludeInactive {
		q += ` AND is_active = 1`
	}
	if f.Platform != "" {
		q += ` AND platform = ?`
		args = append(args, string(f.Platform))
	}
	if f.ConnectionID != "" {
		q += ` AND connection_id = ?`
		args = append(args, f.ConnectionID)
	}
	if f.Cursor != "" {
		q += ` AND id > ?`
		args = append(args, f.Cursor)
	}
	q += ` ORDER BY id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DiscoveredAutomation
	for rows.Next() {
		a, err := scanAutomation(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ExpireUnseenAutomations soft-expires automations on a connection that were
// not observed in the given run and whose last sighting predates the grace
// cutoff. Rows are never deleted. Returns the affected ids.
func (s *Store) ExpireUnseenAutomations(ctx context.Context, connectionID, runID string, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM automations
		 WHERE connection_id = ? AND discovery_run_id != ? AND is_active = 1 AND last_seen_at < ?`,
		connectionID, runID, cutoff.Unix())
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `UPDATE automations SET is_active = 0 WHERE id = ?`, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// OverrideVendor sets an operator-supplied vendor name; the override wins
// over extraction on subsequent runs. An empty name clears the override.
func (s *Store) OverrideVendor(ctx context.Context, orgID, id string, vendorName, vendorGroup *string, overridden bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE automations SET vendor_name = ?, vendor_group = ?, vendor_overridden = ?
		 WHERE id = ? AND organization_id = ?`,
		nullableStr(vendorName), nullableStr(vendorGroup), boolInt(overridden), id, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.KindNotFound, "store.automations.override", "automation %s not found", id)
	}
	return nil
}

func nullableStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
