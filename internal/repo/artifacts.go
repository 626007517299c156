package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"launchpath/internal/domain"
)

const artifactColumns = `project_id,feature,stage,payload_json,completeness,warnings_json,COALESCE(model,''),tokens,created_at,updated_at`

func scanArtifact(row rowScanner) (domain.Artifact, error) {
	var (
		a        domain.Artifact
		payload  string
		warnings sql.NullString
	)
	err := row.Scan(&a.ProjectID, &a.Feature, &a.Stage, &payload, &a.Completeness, &warnings, &a.Model, &a.Tokens, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Payload = json.RawMessage(payload)
	if warnings.Valid && warnings.String != "" {
		if err := json.Unmarshal([]byte(warnings.String), &a.Warnings); err != nil {
			return a, err
		}
	}
	return a, nil
}

// WriteArtifact upserts the artifact keyed by (project, feature). created_at
// survives regeneration.
func (r Repo) WriteArtifact(ctx context.Context, a domain.Artifact) error {
	var warnings any
	if len(a.Warnings) > 0 {
		data, err := json.Marshal(a.Warnings)
		if err != nil {
			return err
		}
		warnings = string(data)
	}
	if a.Completeness == "" {
		a.Completeness = domain.Complete
	}
	payload := string(a.Payload)
	if payload == "" {
		payload = "null"
	}
	ts := a.UpdatedAt
	if ts == "" {
		ts = now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO artifacts(project_id,feature,stage,payload_json,completeness,warnings_json,model,tokens,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(project_id,feature) DO UPDATE SET stage=excluded.stage, payload_json=excluded.payload_json, completeness=excluded.completeness,
warnings_json=excluded.warnings_json, model=excluded.model, tokens=excluded.tokens, updated_at=excluded.updated_at`,
		a.ProjectID, a.Feature, string(a.Stage), payload, string(a.Completeness), warnings, nullable(a.Model), a.Tokens, ts, ts)
	return err
}

func (r Repo) ReadArtifact(ctx context.Context, projectID, feature string) (domain.Artifact, error) {
	return scanArtifact(r.DB.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE project_id=? AND feature=?`, projectID, feature))
}

// ListArtifacts returns a project's artifacts, optionally limited to stages.
func (r Repo) ListArtifacts(ctx context.Context, projectID string, stages ...domain.Stage) ([]domain.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE project_id=?`
	args := []any{projectID}
	if len(stages) > 0 {
		query += ` AND stage IN (?` + repeatPlaceholder(len(stages)-1) + `)`
		for _, s := range stages {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY stage, feature`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ",?"
	}
	return out
}
