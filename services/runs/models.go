package runs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type runModel struct {
	RunID         string         `gorm:"column:run_id;primaryKey"`
	JobID         *int64         `gorm:"column:job_id;uniqueIndex"`
	Status        string         `gorm:"column:status;not null"`
	PlanText      *string        `gorm:"column:plan_text"`
	LogExcerpt    string         `gorm:"column:log_excerpt"`
	LogArchiveKey string         `gorm:"column:log_archive_key"`
	LaunchVars    datatypes.JSON `gorm:"column:launch_vars"`
	GateClaim     string         `gorm:"column:gate_claim;not null;default:''"`
	GateClaimedAt *time.Time     `gorm:"column:gate_claimed_at"`
	CreatedAt     time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (runModel) TableName() string { return "runs" }

type transitionModel struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	RunID      string    `gorm:"column:run_id;not null;index"`
	FromStatus string    `gorm:"column:from_status;not null"`
	ToStatus   string    `gorm:"column:to_status;not null"`
	Detail     string    `gorm:"column:detail"`
	At         time.Time `gorm:"column:at;autoCreateTime"`
}

func (transitionModel) TableName() string { return "run_transitions" }

type outputModel struct {
	ID        uuid.UUID      `gorm:"column:id;primaryKey"`
	RunID     string         `gorm:"column:run_id;not null;uniqueIndex:idx_infra_outputs_run_key"`
	Key       string         `gorm:"column:key;not null;uniqueIndex:idx_infra_outputs_run_key"`
	Value     datatypes.JSON `gorm:"column:value"`
	UpdatedAt time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (outputModel) TableName() string { return "infra_outputs" }

// Run is the client-visible view of a provisioning run.
type Run struct {
	RunID         string          `json:"run_id"`
	JobID         int64           `json:"job_id,omitempty"`
	Status        Status          `json:"status"`
	PlanText      string          `json:"plan_text,omitempty"`
	HasPlan       bool            `json:"-"`
	LogExcerpt    string          `json:"log_excerpt,omitempty"`
	LogArchiveKey string          `json:"-"`
	LaunchVars    json.RawMessage `json:"launch_vars,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Transition is one audited status change.
type Transition struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Output is one reported infrastructure output of a run.
type Output struct {
	RunID     string          `json:"run_id"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (m runModel) toRun() Run {
	r := Run{
		RunID:         m.RunID,
		Status:        Status(m.Status),
		LogExcerpt:    m.LogExcerpt,
		LogArchiveKey: m.LogArchiveKey,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
	if m.JobID != nil {
		r.JobID = *m.JobID
	}
	if m.PlanText != nil {
		r.PlanText = *m.PlanText
		r.HasPlan = true
	}
	if len(m.LaunchVars) > 0 {
		r.LaunchVars = json.RawMessage(m.LaunchVars)
	}
	return r
}

func (m transitionModel) toTransition() Transition {
	return Transition{
		From:   Status(m.FromStatus),
		To:     Status(m.ToStatus),
		Detail: m.Detail,
		At:     m.At,
	}
}

func (m outputModel) toOutput() Output {
	return Output{
		RunID:     m.RunID,
		Key:       m.Key,
		Value:     json.RawMessage(m.Value),
		UpdatedAt: m.UpdatedAt,
	}
}
