package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists runs, their transition history and reported outputs.
type Store struct {
	orm *gorm.DB
}

// NewStore wraps orm.
func NewStore(orm *gorm.DB) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Store{orm: orm}, nil
}

// AutoMigrate creates the run tables with gorm's migrator. Postgres
// deployments use the versioned migrations in pkg/db instead.
func AutoMigrate(orm *gorm.DB) error {
	return orm.AutoMigrate(&runModel{}, &transitionModel{}, &outputModel{})
}

// Changes holds the optional columns written together with a transition.
type Changes struct {
	PlanText      *string
	LogExcerpt    *string
	LogArchiveKey *string
	Detail        string
}

// Get returns the run with runID.
func (s *Store) Get(ctx context.Context, runID string) (Run, error) {
	m, err := s.find(s.orm.WithContext(ctx), runID)
	if err != nil {
		return Run{}, err
	}
	return m.toRun(), nil
}

func (s *Store) find(tx *gorm.DB, runID string) (runModel, error) {
	var m runModel
	err := tx.Where("run_id = ?", runID).Take(&m).Error
	switch {
	case err == nil:
		return m, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return runModel{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	default:
		return runModel{}, persistErr("load run", err)
	}
}

// GetOrCreate returns the run for runID, creating it as pending when jobID
// is known. Concurrent callers racing on the same run id end up with the
// same row. A run without a job id is bound to jobID on first sight.
func (s *Store) GetOrCreate(ctx context.Context, runID string, jobID int64) (Run, bool, error) {
	if strings.TrimSpace(runID) == "" {
		return Run{}, false, fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}
	if jobID < 0 {
		return Run{}, false, fmt.Errorf("%w: invalid job id %d", ErrInvalidInput, jobID)
	}

	db := s.orm.WithContext(ctx)
	created := false
	if jobID > 0 {
		m := runModel{RunID: runID, JobID: &jobID, Status: string(StatusPending)}
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
		if res.Error != nil {
			return Run{}, false, persistErr("create run", res.Error)
		}
		created = res.RowsAffected == 1
	}

	m, err := s.find(db, runID)
	if err != nil {
		if errors.Is(err, ErrNotFound) && jobID > 0 {
			return Run{}, false, fmt.Errorf("%w: job %d already belongs to another run", ErrInvalidInput, jobID)
		}
		return Run{}, false, err
	}

	switch {
	case jobID == 0 || (m.JobID != nil && *m.JobID == jobID):
	case m.JobID == nil:
		if err := s.checkJobFree(db, runID, jobID); err != nil {
			return Run{}, false, err
		}
		res := db.Model(&runModel{}).
			Where("run_id = ? AND job_id IS NULL", runID).
			Update("job_id", jobID)
		if res.Error != nil {
			// A concurrent bind of the same job to another run trips the
			// unique index.
			if err := s.checkJobFree(db, runID, jobID); err != nil {
				return Run{}, false, err
			}
			return Run{}, false, persistErr("bind job", res.Error)
		}
		if m, err = s.find(db, runID); err != nil {
			return Run{}, false, err
		}
		if m.JobID == nil || *m.JobID != jobID {
			return Run{}, false, fmt.Errorf("%w: run %s is bound to another job", ErrInvalidInput, runID)
		}
	default:
		return Run{}, false, fmt.Errorf("%w: run %s is bound to job %d", ErrInvalidInput, runID, *m.JobID)
	}

	return m.toRun(), created, nil
}

// checkJobFree fails with ErrInvalidInput when jobID belongs to a run other
// than runID.
func (s *Store) checkJobFree(db *gorm.DB, runID string, jobID int64) error {
	var owner runModel
	err := db.Select("run_id").Where("job_id = ?", jobID).Take(&owner).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil
	case err != nil:
		return persistErr("look up job owner", err)
	case owner.RunID != runID:
		return fmt.Errorf("%w: job %d already belongs to run %s", ErrInvalidInput, jobID, owner.RunID)
	default:
		return nil
	}
}

// CreateLaunched records a run for a freshly launched workflow job.
func (s *Store) CreateLaunched(ctx context.Context, runID string, jobID int64, vars map[string]any) (Run, error) {
	raw, err := json.Marshal(vars)
	if err != nil {
		return Run{}, fmt.Errorf("encode launch vars: %w", err)
	}

	m := runModel{
		RunID:      runID,
		JobID:      &jobID,
		Status:     string(StatusPending),
		LaunchVars: datatypes.JSON(raw),
	}
	res := s.orm.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
	if res.Error != nil {
		return Run{}, persistErr("create run", res.Error)
	}
	if res.RowsAffected == 0 {
		return Run{}, fmt.Errorf("run %s: %w", runID, ErrAlreadyExists)
	}
	return s.Get(ctx, runID)
}

// Transition moves runID to status to. The update only applies while the
// row is still in one of the predecessors of to, so of several concurrent
// writers exactly one succeeds; the others get ErrInvalidTransition.
func (s *Store) Transition(ctx context.Context, runID string, to Status, ch Changes) (Run, error) {
	allowed, ok := predecessors[to]
	if !ok {
		return Run{}, fmt.Errorf("%w: no transition leads to %s", ErrInvalidTransition, to)
	}

	var out runModel
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.find(tx, runID)
		if err != nil {
			return err
		}
		from := Status(current.Status)
		if !CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}

		updates := map[string]any{"status": string(to), "gate_claim": "", "gate_claimed_at": nil}
		if ch.PlanText != nil {
			updates["plan_text"] = *ch.PlanText
		}
		if ch.LogExcerpt != nil {
			updates["log_excerpt"] = *ch.LogExcerpt
		}
		if ch.LogArchiveKey != nil {
			updates["log_archive_key"] = *ch.LogArchiveKey
		}

		res := tx.Model(&runModel{}).
			Where("run_id = ? AND status IN ?", runID, statusStrings(allowed)).
			Updates(updates)
		if res.Error != nil {
			return persistErr("update status", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, runID)
		}

		audit := transitionModel{
			RunID:      runID,
			FromStatus: string(from),
			ToStatus:   string(to),
			Detail:     ch.Detail,
		}
		if err := tx.Create(&audit).Error; err != nil {
			return persistErr("record transition", err)
		}

		out, err = s.find(tx, runID)
		return err
	})
	if err != nil {
		return Run{}, err
	}
	return out.toRun(), nil
}

// ClaimGate reserves runID for a single engine gate call that will move it
// to status to. The claim is a conditional update, so across every process
// sharing the database at most one caller holds it. Claims older than ttl
// are considered abandoned and can be taken over. The claim is released by
// Transition or ReleaseGate.
func (s *Store) ClaimGate(ctx context.Context, runID string, to Status, ttl time.Duration) (Run, error) {
	allowed, ok := predecessors[to]
	if !ok {
		return Run{}, fmt.Errorf("%w: no transition leads to %s", ErrInvalidTransition, to)
	}

	now := time.Now().UTC()
	db := s.orm.WithContext(ctx)
	res := db.Model(&runModel{}).
		Where("run_id = ? AND status IN ?", runID, statusStrings(allowed)).
		Where("(gate_claim = '' OR gate_claimed_at IS NULL OR gate_claimed_at < ?)", now.Add(-ttl)).
		Updates(map[string]any{"gate_claim": string(to), "gate_claimed_at": now})
	if res.Error != nil {
		return Run{}, persistErr("claim gate", res.Error)
	}

	m, err := s.find(db, runID)
	if err != nil {
		return Run{}, err
	}
	if res.RowsAffected == 0 {
		from := Status(m.Status)
		if !CanTransition(from, to) {
			return Run{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		return Run{}, fmt.Errorf("%w: a %s gate call for run %s is already in progress", ErrInvalidTransition, m.GateClaim, runID)
	}
	return m.toRun(), nil
}

// ReleaseGate drops the gate claim on runID after a failed gate call.
func (s *Store) ReleaseGate(ctx context.Context, runID string) error {
	err := s.orm.WithContext(ctx).Model(&runModel{}).
		Where("run_id = ?", runID).
		Updates(map[string]any{"gate_claim": "", "gate_claimed_at": nil}).Error
	if err != nil {
		return persistErr("release gate", err)
	}
	return nil
}

// ReplacePlan overwrites the plan of a ready run.
func (s *Store) ReplacePlan(ctx context.Context, runID, plan string) (Run, error) {
	res := s.orm.WithContext(ctx).Model(&runModel{}).
		Where("run_id = ? AND status = ?", runID, string(StatusReady)).
		Update("plan_text", plan)
	if res.Error != nil {
		return Run{}, persistErr("replace plan", res.Error)
	}
	if res.RowsAffected == 0 {
		current, err := s.Get(ctx, runID)
		if err != nil {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("%w: plan of a %s run cannot be replaced", ErrInvalidTransition, current.Status)
	}
	return s.Get(ctx, runID)
}

// History returns the audited transitions of runID, oldest first.
func (s *Store) History(ctx context.Context, runID string) ([]Transition, error) {
	var rows []transitionModel
	if err := s.orm.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, persistErr("list transitions", err)
	}
	out := make([]Transition, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toTransition())
	}
	return out, nil
}

// UpsertOutputs stores outputs for an existing run, replacing values of
// keys already present. A destroyed run refuses outputs with
// ErrInvalidTransition.
func (s *Store) UpsertOutputs(ctx context.Context, runID string, outputs map[string]json.RawMessage) ([]Output, error) {
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: no outputs given", ErrInvalidInput)
	}

	keys := make([]string, 0, len(outputs))
	for k, v := range outputs {
		if strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("%w: output key is required", ErrInvalidInput)
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: output %s is not valid JSON", ErrInvalidInput, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run, err := s.find(tx, runID)
		if err != nil {
			return err
		}
		if Status(run.Status) == StatusDestroyed {
			return fmt.Errorf("%w: run %s is destroyed and takes no outputs", ErrInvalidTransition, runID)
		}
		for _, k := range keys {
			row := outputModel{
				ID:    uuid.New(),
				RunID: runID,
				Key:   k,
				Value: datatypes.JSON(outputs[k]),
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "run_id"}, {Name: "key"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			}).Create(&row).Error; err != nil {
				return persistErr("upsert output", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var rows []outputModel
	if err := s.orm.WithContext(ctx).
		Where("run_id = ?", runID).
		Where(clause.IN{Column: clause.Column{Name: "key"}, Values: anySlice(keys)}).
		Order(byKey).
		Find(&rows).Error; err != nil {
		return nil, persistErr("reload outputs", err)
	}
	return toOutputs(rows), nil
}

// ListOutputs returns the outputs of runID ordered by key.
func (s *Store) ListOutputs(ctx context.Context, runID string) ([]Output, error) {
	if _, err := s.Get(ctx, runID); err != nil {
		return nil, err
	}
	var rows []outputModel
	if err := s.orm.WithContext(ctx).
		Where("run_id = ?", runID).
		Order(byKey).
		Find(&rows).Error; err != nil {
		return nil, persistErr("list outputs", err)
	}
	return toOutputs(rows), nil
}

// GetOutput returns one output.
func (s *Store) GetOutput(ctx context.Context, runID, key string) (Output, error) {
	var row outputModel
	err := s.orm.WithContext(ctx).
		Where(map[string]any{"run_id": runID, "key": key}).
		Take(&row).Error
	switch {
	case err == nil:
		return row.toOutput(), nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return Output{}, fmt.Errorf("output %s of run %s: %w", key, runID, ErrNotFound)
	default:
		return Output{}, persistErr("load output", err)
	}
}

// DeleteOutput removes one output.
func (s *Store) DeleteOutput(ctx context.Context, runID, key string) error {
	res := s.orm.WithContext(ctx).
		Where(map[string]any{"run_id": runID, "key": key}).
		Delete(&outputModel{})
	if res.Error != nil {
		return persistErr("delete output", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("output %s of run %s: %w", key, runID, ErrNotFound)
	}
	return nil
}

// DeleteOutputs removes every output of runID and returns how many were removed.
func (s *Store) DeleteOutputs(ctx context.Context, runID string) (int64, error) {
	res := s.orm.WithContext(ctx).Where("run_id = ?", runID).Delete(&outputModel{})
	if res.Error != nil {
		return 0, persistErr("delete outputs", res.Error)
	}
	return res.RowsAffected, nil
}

var byKey = clause.OrderByColumn{Column: clause.Column{Name: "key"}}

func anySlice(keys []string) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}

func toOutputs(rows []outputModel) []Output {
	out := make([]Output, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toOutput())
	}
	return out
}
