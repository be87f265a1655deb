package ctl

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tfgate/pkg/db"
	"tfgate/services/runs"
)

// RunRow is a run as listed by tfgatectl.
type RunRow struct {
	RunID     string    `db:"run_id" json:"run_id" yaml:"run_id"`
	JobID     *int64    `db:"job_id" json:"job_id,omitempty" yaml:"job_id,omitempty"`
	Status    string    `db:"status" json:"status" yaml:"status"`
	HasPlan   bool      `db:"has_plan" json:"has_plan" yaml:"has_plan"`
	Outputs   int       `db:"outputs" json:"outputs" yaml:"outputs"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at" yaml:"updated_at"`
}

// TransitionRow is one audited status change.
type TransitionRow struct {
	FromStatus string    `db:"from_status" json:"from" yaml:"from"`
	ToStatus   string    `db:"to_status" json:"to" yaml:"to"`
	Detail     string    `db:"detail" json:"detail,omitempty" yaml:"detail,omitempty"`
	At         time.Time `db:"at" json:"at" yaml:"at"`
}

// RunDetail is a run together with its audit trail.
type RunDetail struct {
	RunRow      `yaml:",inline"`
	Transitions []TransitionRow `json:"transitions" yaml:"transitions"`
}

const runColumns = `
	r.run_id, r.job_id, r.status,
	r.plan_text IS NOT NULL AS has_plan,
	(SELECT count(*) FROM infra_outputs o WHERE o.run_id = r.run_id) AS outputs,
	r.updated_at`

// ListRuns returns the most recently updated runs, optionally filtered by
// status.
func ListRuns(ctx context.Context, pool *pgxpool.Pool, status string, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []RunRow
	if status == "" {
		err := db.Select(ctx, pool, &rows,
			`SELECT`+runColumns+` FROM runs r ORDER BY r.updated_at DESC LIMIT $1`, limit)
		return rows, err
	}
	st, err := runs.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	err = db.Select(ctx, pool, &rows,
		`SELECT`+runColumns+` FROM runs r WHERE r.status = $1 ORDER BY r.updated_at DESC LIMIT $2`, string(st), limit)
	return rows, err
}

// ShowRun returns one run with its transitions in order.
func ShowRun(ctx context.Context, pool *pgxpool.Pool, runID string) (RunDetail, error) {
	var detail RunDetail
	err := db.Get(ctx, pool, &detail.RunRow, `SELECT`+runColumns+` FROM runs r WHERE r.run_id = $1`, runID)
	if err != nil {
		if db.IsNotFound(err) {
			return RunDetail{}, fmt.Errorf("run %s: %w", runID, runs.ErrNotFound)
		}
		return RunDetail{}, err
	}
	if err := db.Select(ctx, pool, &detail.Transitions,
		`SELECT from_status, to_status, COALESCE(detail, '') AS detail, at FROM run_transitions WHERE run_id = $1 ORDER BY id`, runID); err != nil {
		return RunDetail{}, err
	}
	if detail.Transitions == nil {
		detail.Transitions = []TransitionRow{}
	}
	return detail, nil
}
