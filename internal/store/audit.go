package store

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/skylight-sec/skylight/internal/models"
)

// Audit appends an immutable audit entry. Failures are logged, never
// propagated: audit writes must not fail the operation being audited.
func (s *Store) Audit(ctx context.Context, orgID, eventType, severity, actor, resource string, details any) {
	entry := models.AuditEntry{
		ID:             ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		OrganizationID: orgID,
		EventType:      eventType,
		Severity:       severity,
		Actor:          actor,
		Resource:       resource,
		Timestamp:      time.Now().UTC(),
	}
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			entry.Details = data
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, organization_id, event_type, severity, actor, resource, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.OrganizationID, entry.EventType, entry.Severity,
		entry.Actor, entry.Resource, nullableJSON(entry.Details), entry.Timestamp.Unix())
	if err != nil {
		log.Error().Err(err).Str("eventType", eventType).Msg("Failed to write audit entry")
	}
}

// ListAuditEntries returns a tenant's audit trail, newest first.
func (s *Store) ListAuditEntries(ctx context.Context, orgID string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, event_type, severity, actor, resource, details, timestamp
		FROM audit_log WHERE organization_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT ?`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var details *string
		var ts int64
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.EventType, &e.Severity,
			&e.Actor, &e.Resource, &details, &ts); err != nil {
			return nil, err
		}
		if details != nil {
			e.Details = json.RawMessage(*details)
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneAudit enforces the tenant's audit retention policy.
func (s *Store) PruneAudit(ctx context.Context, orgID string, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE organization_id = ? AND timestamp < ?`, orgID, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
