package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"launchpath/internal/domain"
)

func (r Repo) insertStageStatus(ctx context.Context, tx *sql.Tx, projectID string, m domain.StageStatusMap) error {
	data, err := json.Marshal(m.Normalize())
	if err != nil {
		return err
	}
	_, err = r.exec(tx).ExecContext(ctx, `INSERT INTO stage_status(project_id,statuses_json,version,updated_at) VALUES (?,?,1,?)`,
		projectID, string(data), now())
	return err
}

// ReadStageStatus returns the normalized stage map and its row version.
func (r Repo) ReadStageStatus(ctx context.Context, projectID string) (domain.StageStatusMap, int64, error) {
	var (
		raw     string
		version int64
	)
	err := r.DB.QueryRowContext(ctx, `SELECT statuses_json,version FROM stage_status WHERE project_id=?`, projectID).Scan(&raw, &version)
	if err == sql.ErrNoRows {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	var m domain.StageStatusMap
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, 0, fmt.Errorf("decode stage status for %s: %w", projectID, err)
	}
	return m.Normalize(), version, nil
}

// WriteStageStatus replaces the stage map only if the stored version still
// equals expectedVersion. It returns the new version.
func (r Repo) WriteStageStatus(ctx context.Context, projectID string, m domain.StageStatusMap, expectedVersion int64) (int64, error) {
	data, err := json.Marshal(m.Normalize())
	if err != nil {
		return 0, err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE stage_status SET statuses_json=?, version=version+1, updated_at=? WHERE project_id=? AND version=?`,
		string(data), now(), projectID, expectedVersion)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return expectedVersion + 1, nil
	}
	var exists int
	err = r.DB.QueryRowContext(ctx, `SELECT 1 FROM stage_status WHERE project_id=?`, projectID).Scan(&exists)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return 0, ErrVersionConflict
}
