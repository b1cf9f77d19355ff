package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/skylight-sec/skylight/internal/models"
)

// CreateFeedback stores an analyst verdict.
func (s *Store) CreateFeedback(ctx context.Context, fb models.AutomationFeedback) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback
			(id, organization_id, automation_id, user_id, feedback_type, pattern_type,
			 detection_snapshot, correction, features, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fb.ID, fb.OrganizationID, fb.AutomationID, fb.UserID, string(fb.Type), string(fb.PatternType),
		nullableJSON(fb.DetectionSnapshot), fb.Correction, nullableJSON(fb.Features),
		fb.Status, fb.CreatedAt.Unix())
	return err
}

// ListFeedback returns a tenant's feedback, newest first.
func (s *Store) ListFeedback(ctx context.Context, orgID string, limit int) ([]models.AutomationFeedback, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, automation_id, user_id, feedback_type, pattern_type,
		       detection_snapshot, correction, features, status, created_at
		FROM feedback WHERE organization_id = ?
		ORDER BY created_at DESC LIMIT ?`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AutomationFeedback
	for rows.Next() {
		var fb models.AutomationFeedback
		var typ, patternType string
		var snapshot, features sql.NullString
		var createdAt int64
		if err := rows.Scan(&fb.ID, &fb.OrganizationID, &fb.AutomationID, &fb.UserID,
			&typ, &patternType, &snapshot, &fb.Correction, &features, &fb.Status, &createdAt); err != nil {
			return nil, err
		}
		fb.Type = models.FeedbackType(typ)
		fb.PatternType = models.PatternType(patternType)
		if snapshot.Valid {
			fb.DetectionSnapshot = json.RawMessage(snapshot.String)
		}
		if features.Valid {
			fb.Features = json.RawMessage(features.String)
		}
		fb.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, fb)
	}
	return out, rows.Err()
}

// SaveThresholds persists per-organization detector thresholds.
func (s *Store) SaveThresholds(ctx context.Context, orgID string, payload any) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO detector_thresholds (organization_id, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(organization_id) DO UPDATE SET
			payload = excluded.payload, updated_at = excluded.updated_at`,
		orgID, marshalJSON(payload, "{}"), time.Now().Unix())
	return err
}

// LoadThresholds reads per-organization detector thresholds into dst.
// Returns false if the tenant has no saved thresholds yet.
func (s *Store) LoadThresholds(ctx context.Context, orgID string, dst any) (bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM detector_thresholds WHERE organization_id = ?`, orgID).Scan(&payload)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal([]byte(payload), dst)
}

// SaveBaseline persists a tenant's behavioral baseline snapshot.
func (s *Store) SaveBaseline(ctx context.Context, orgID string, payload any, sampleSize int, confidence float64, status string, lastUpdated, nextDue time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO baselines (organization_id, payload, sample_size, confidence, status, last_updated, next_update_due)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(organization_id) DO UPDATE SET
			payload = excluded.payload,
			sample_size = excluded.sample_size,
			confidence = excluded.confidence,
			status = excluded.status,
			last_updated = excluded.last_updated,
			next_update_due = excluded.next_update_due`,
		orgID, marshalJSON(payload, "{}"), sampleSize, confidence, status,
		lastUpdated.Unix(), nextDue.Unix())
	return err
}

// LoadBaseline reads a tenant's baseline snapshot into dst. Returns false if
// no baseline has been learned yet.
func (s *Store) LoadBaseline(ctx context.Context, orgID string, dst any) (bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM baselines WHERE organization_id = ?`, orgID).Scan(&payload)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal([]byte(payload), dst)
}
