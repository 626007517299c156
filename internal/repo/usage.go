package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"launchpath/internal/domain"
)

// AppendUsage adds one entry to the usage ledger. Entries are never updated.
func (r Repo) AppendUsage(ctx context.Context, e domain.UsageEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TS == "" {
		e.TS = now()
	}
	if e.Outcome == "" {
		e.Outcome = domain.UsageOK
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO usage_ledger(id,ts,tokens,feature,caller_id,project_id,model,outcome) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.TS, e.Tokens, e.Feature, e.CallerID, nullable(e.ProjectID), nullable(e.Model), e.Outcome)
	return err
}

// SumUsageSince totals tokens recorded at or after since.
func (r Repo) SumUsageSince(ctx context.Context, since time.Time) (int64, error) {
	var total int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(tokens),0) FROM usage_ledger WHERE ts>=?`,
		since.UTC().Format(time.RFC3339)).Scan(&total)
	return total, err
}

// UsageByFeatureSince groups token totals per feature.
func (r Repo) UsageByFeatureSince(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT feature, SUM(tokens) FROM usage_ledger WHERE ts>=? GROUP BY feature`,
		since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int64{}
	for rows.Next() {
		var (
			feature string
			total   int64
		)
		if err := rows.Scan(&feature, &total); err != nil {
			return nil, err
		}
		res[feature] = total
	}
	return res, rows.Err()
}
