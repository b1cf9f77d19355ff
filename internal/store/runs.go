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

// CreateRun inserts a new discovery run.
func (s *Store) CreateRun(ctx context.Context, run models.DiscoveryRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO discovery_runs (id, organization_id, connection_id, status, progress, warnings, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.OrganizationID, run.ConnectionID, string(run.Status),
		run.Progress, marshalJSON(run.Warnings, "[]"), run.StartedAt.Unix(), unixOrNil(run.CompletedAt))
	return err
}

func scanRun(scan func(dest ...any) error) (models.DiscoveryRun, error) {
	var run models.DiscoveryRun
	var status, warnings string
	var startedAt int64
	var completedAt sql.NullInt64
	if err := scan(&run.ID, &run.OrganizationID, &run.ConnectionID, &status,
		&run.Progress, &warnings, &startedAt, &completedAt); err != nil {
		return models.DiscoveryRun{}, err
	}
	run.Status = models.RunStatus(status)
	if err := json.Unmarshal([]byte(warnings), &run.Warnings); err != nil {
		return models.DiscoveryRun{}, err
	}
	run.StartedAt = time.Unix(startedAt, 0).UTC()
	run.CompletedAt = timePtr(completedAt)
	return run, nil
}

const runColumns = `id, organization_id, connection_id, status, progress, warnings, started_at, completed_at`

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (models.DiscoveryRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM discovery_runs WHERE id = ?`, id)
	run, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DiscoveryRun{}, apperr.Newf(apperr.KindNotFound, "store.runs.get", "run %s not found", id)
	}
	return run, err
}

// ActiveRunForConnection returns the queued or running run for a connection,
// if one exists.
func (s *Store) ActiveRunForConnection(ctx context.Context, connectionID string) (models.DiscoveryRun, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM discovery_runs
		 WHERE connection_id = ? AND status IN ('queued', 'running')
		 ORDER BY started_at DESC LIMIT 1`, connectionID)
	run, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DiscoveryRun{}, false, nil
	}
	if err != nil {
		return models.DiscoveryRun{}, false, err
	}
	return run, true, nil
}

// CountActiveRunsForOrg counts queued/running runs in a tenant, enforcing
// the per-org concurrency cap.
func (s *Store) CountActiveRunsForOrg(ctx context.Context, orgID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM discovery_runs WHERE organization_id = ? AND status IN ('queued', 'running')`,
		orgID).Scan(&n)
	return n, err
}

// UpdateRunProgress bumps the progress counter of a non-terminal run.
func (s *Store) UpdateRunProgress(ctx context.Context, id string, progress int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE discovery_runs SET progress = ?
		 WHERE id = ? AND status NOT IN ('succeeded', 'partial', 'failed')`,
		progress, id)
	return err
}

// TransitionRun moves a run between states. Terminal runs are immutable:
// the update is guarded so a terminal row can never change again.
func (s *Store) TransitionRun(ctx context.Context, id string, status models.RunStatus, progress int, warnings []string, completedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE discovery_runs SET status = ?, progress = ?, warnings = ?, completed_at = ?
		 WHERE id = ? AND status NOT IN ('succeeded', 'partial', 'failed')`,
		string(status), progress, marshalJSON(warnings, "[]"), unixOrNil(completedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.KindConflict, "store.runs.transition", "run %s is terminal or missing", id)
	}
	return nil
}
