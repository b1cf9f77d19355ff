package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/skylight-sec/skylight/internal/models"
)

// AppendPatterns appends detection patterns in order. Patterns are
// append-only and never updated in place.
func (s *Store) AppendPatterns(ctx context.Context, patterns []models.DetectionPattern) error {
	if len(patterns) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range patterns {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO detection_patterns
					(id, organization_id, automation_id, run_id, pattern_type, confidence, severity, evidence, detected_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				p.ID, p.OrganizationID, p.AutomationID, p.RunID, string(p.Type),
				p.Confidence, string(p.Severity), nullableJSON(p.Evidence), p.DetectedAt.UnixNano())
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func scanPattern(scan func(dest ...any) error) (models.DetectionPattern, error) {
	var p models.DetectionPattern
	var typ, severity string
	var evidence sql.NullString
	var detectedAt int64
	if err := scan(&p.ID, &p.OrganizationID, &p.AutomationID, &p.RunID, &typ,
		&p.Confidence, &severity, &evidence, &detectedAt); err != nil {
		return models.DetectionPattern{}, err
	}
	p.Type = models.PatternType(typ)
	p.Severity = models.Severity(severity)
	if evidence.Valid {
		p.Evidence = json.RawMessage(evidence.String)
	}
	p.DetectedAt = time.Unix(0, detectedAt).UTC()
	return p, nil
}

const patternColumns = `id, organization_id, automation_id, run_id, pattern_type, confidence, severity, evidence, detected_at`

// ListPatternsForAutomation returns recent patterns for one automation,
// newest first.
func (s *Store) ListPatternsForAutomation(ctx context.Context, orgID, automationID string, limit int) ([]models.DetectionPattern, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+patternColumns+` FROM detection_patterns
		 WHERE automation_id = ? AND organization_id = ?
		 ORDER BY detected_at DESC LIMIT ?`, automationID, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DetectionPattern
	for rows.Next() {
		p, err := scanPattern(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListPatternsForRun returns the patterns a run appended, in append order.
func (s *Store) ListPatternsForRun(ctx context.Context, runID string) ([]models.DetectionPattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+patternColumns+` FROM detection_patterns WHERE run_id = ? ORDER BY detected_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DetectionPattern
	for rows.Next() {
		p, err := scanPattern(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AppendRiskAssessment appends a risk row; the newest per automation is the
// current risk.
func (s *Store) AppendRiskAssessment(ctx context.Context, r models.RiskAssessment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (id, organization_id, automation_id, level, score, sub_scores, assessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OrganizationID, r.AutomationID, string(r.Level), r.Score,
		marshalJSON(r.SubScores, "{}"), r.AssessedAt.UnixNano())
	return err
}

// CurrentRisk returns the newest risk assessment for an automation.
func (s *Store) CurrentRisk(ctx context.Context, orgID, automationID string) (models.RiskAssessment, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, automation_id, level, score, sub_scores, assessed_at
		FROM risk_assessments
		WHERE automation_id = ? AND organization_id = ?
		ORDER BY assessed_at DESC LIMIT 1`, automationID, orgID)

	var r models.RiskAssessment
	var level, subScores string
	var assessedAt int64
	err := row.Scan(&r.ID, &r.OrganizationID, &r.AutomationID, &level, &r.Score, &subScores, &assessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RiskAssessment{}, false, nil
	}
	if err != nil {
		return models.RiskAssessment{}, false, err
	}
	r.Level = models.Severity(level)
	if err := json.Unmarshal([]byte(subScores), &r.SubScores); err != nil {
		return models.RiskAssessment{}, false, err
	}
	r.AssessedAt = time.Unix(0, assessedAt).UTC()
	return r, true, nil
}

// CurrentRisks returns the newest risk per automation for a whole tenant in
// one query, keyed by automation id.
func (s *Store) CurrentRisks(ctx context.Context, orgID string) (map[string]models.RiskAssessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.organization_id, r.automation_id, r.level, r.score, r.sub_scores, r.assessed_at
		FROM risk_assessments r
		JOIN (
			SELECT automation_id, MAX(assessed_at) AS latest
			FROM risk_assessments WHERE organization_id = ?
			GROUP BY automation_id
		) newest ON newest.automation_id = r.automation_id AND newest.latest = r.assessed_at
		WHERE r.organization_id = ?`, orgID, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]models.RiskAssessment)
	for rows.Next() {
		var r models.RiskAssessment
		var level, subScores string
		var assessedAt int64
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.AutomationID, &level, &r.Score, &subScores, &assessedAt); err != nil {
			return nil, err
		}
		r.Level = models.Severity(level)
		if err := json.Unmarshal([]byte(subScores), &r.SubScores); err != nil {
			return nil, err
		}
		r.AssessedAt = time.Unix(0, assessedAt).UTC()
		out[r.AutomationID] = r
	}
	return out, rows.Err()
}
