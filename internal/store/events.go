package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/skylight-sec/skylight/internal/models"
)

// AppendActivityEvents stores normalized platform events for detector
// windows. Events are append-only; retention is enforced by PruneEvents.
func (s *Store) AppendActivityEvents(ctx context.Context, orgID string, events []models.ActivityEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO activity_events
				(organization_id, automation_id, actor_id, operation, target_class, bytes_read, records, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range events {
			if _, err := stmt.ExecContext(ctx, orgID, e.AutomationID, e.ActorID,
				e.Operation, e.TargetClass, e.BytesRead, e.Records, e.Timestamp.UnixNano()); err != nil {
				return err
			}
		}
		return nil
	})
}

// EventsForAutomation returns events for one automation since the cutoff,
// oldest first, preserving the adapter's emission order for equal stamps.
func (s *Store) EventsForAutomation(ctx context.Context, orgID, automationID string, since time.Time) ([]models.ActivityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT automation_id, actor_id, operation, target_class, bytes_read, records, ts
		FROM activity_events
		WHERE automation_id = ? AND organization_id = ? AND ts >= ?
		ORDER BY ts, id`, automationID, orgID, since.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]models.ActivityEvent, error) {
	var out []models.ActivityEvent
	for rows.Next() {
		var e models.ActivityEvent
		var ts int64
		if err := rows.Scan(&e.AutomationID, &e.ActorID, &e.Operation, &e.TargetClass,
			&e.BytesRead, &e.Records, &ts); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneEvents deletes events older than the retention cutoff.
func (s *Store) PruneEvents(ctx context.Context, orgID string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM activity_events WHERE organization_id = ? AND ts < ?`,
		orgID, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
