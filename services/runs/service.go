package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"tfgate/pkg/awx"
	"tfgate/pkg/gates"
	"tfgate/pkg/telemetry"
	"tfgate/pkg/tfplan"
)

const (
	DefaultPollTimeout  = 20 * time.Second
	DefaultExcerptLimit = 4096
	DefaultGateClaimTTL = 5 * time.Minute
)

// LogResolver finds the job whose console log carries the plan.
type LogResolver interface {
	ResolveLogSource(ctx context.Context, workflowJobID int64) (awx.Resolution, error)
}

// Engine is the workflow engine surface the service drives.
type Engine interface {
	Stdout(ctx context.Context, jobID int64) (string, error)
	Approve(ctx context.Context, nodeID int64) (awx.Response, error)
	LaunchWorkflow(ctx context.Context, templateID int64, extraVars map[string]any) (int64, error)
}

// Archiver keeps full logs of failed jobs out of the database.
type Archiver interface {
	Store(ctx context.Context, runID string, jobID int64, raw string) (string, error)
	URL(ctx context.Context, key string) (string, error)
}

// Options configures a Service. Resolver, Engine and Gates are required.
type Options struct {
	Resolver  LogResolver
	Engine    Engine
	Gates     *gates.Calculator
	Extractor *tfplan.Extractor
	Notifier  Notifier
	Archive   Archiver
	Metrics   *telemetry.Metrics
	Logger    zerolog.Logger

	PollTimeout  time.Duration
	ExcerptLimit int
	// GateClaimTTL is how long a gate claim blocks other callers when its
	// holder never finished.
	GateClaimTTL       time.Duration
	WorkflowTemplateID int64
	// Quirks lists, per gate kind, engine status codes that still mean the
	// gate was passed.
	Quirks map[gates.Kind][]int
}

// Service reconciles runs against the workflow engine.
type Service struct {
	store *Store
	opts  Options
	log   zerolog.Logger

	flight singleflight.Group
}

// NewService validates opts and fills defaults.
func NewService(store *Store, opts Options) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.Gates == nil {
		return nil, errors.New("gate calculator is required")
	}
	if opts.Extractor == nil {
		opts.Extractor = tfplan.NewExtractor(tfplan.DefaultLookback)
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.ExcerptLimit <= 0 {
		opts.ExcerptLimit = DefaultExcerptLimit
	}
	if opts.GateClaimTTL <= 0 {
		opts.GateClaimTTL = DefaultGateClaimTTL
	}

	return &Service{
		store: store,
		opts:  opts,
		log:   opts.Logger.With().Str("component", "runs").Logger(),
	}, nil
}

// Store exposes the underlying store for read-only callers.
func (s *Service) Store() *Store { return s.store }

// Poll advances runID by one reconciliation step. A run seen for the first
// time is created from jobID. Runs that are no longer pending are returned
// as stored unless reextract is set on a ready run. Engine fetch failures
// leave the run pending and are not returned as errors.
func (s *Service) Poll(ctx context.Context, runID string, jobID int64, reextract bool) (Run, error) {
	key := runID
	if reextract {
		key += "|reextract"
	}

	// Callers of the same run share one pipeline; it must not die with the
	// first caller's request.
	v, err, shared := s.flight.Do(key, func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PollTimeout)
		defer cancel()
		return s.poll(pctx, runID, jobID, reextract)
	})
	if shared {
		s.opts.Metrics.Poll("shared")
	}
	if err != nil {
		return Run{}, err
	}
	return v.(Run), nil
}

func (s *Service) poll(ctx context.Context, runID string, jobID int64, reextract bool) (Run, error) {
	run, created, err := s.store.GetOrCreate(ctx, runID, jobID)
	if err != nil {
		return Run{}, err
	}
	log := s.log.With().Str("run_id", runID).Int64("job_id", run.JobID).Logger()
	if created {
		log.Info().Msg("tracking new run")
		s.notify(ctx, runEvent(run))
	}

	if run.Status.Resolved() && !(reextract && run.Status == StatusReady) {
		s.opts.Metrics.Poll("resolved")
		return run, nil
	}
	if run.JobID == 0 {
		s.opts.Metrics.Poll("pending")
		return run, nil
	}

	src, err := s.opts.Resolver.ResolveLogSource(ctx, run.JobID)
	if err != nil {
		log.Warn().Err(err).Msg("resolve log source")
		s.opts.Metrics.Poll("fetch_error")
		return run, nil
	}
	if src.Match == awx.MatchKeyword {
		log.Warn().Int64("log_job_id", src.JobID).Str("job_name", src.Name).Msg("plan job found by name keyword, not template id")
	}
	raw, err := s.opts.Engine.Stdout(ctx, src.JobID)
	if err != nil {
		log.Warn().Err(err).Int64("log_job_id", src.JobID).Msg("fetch job log")
		s.opts.Metrics.Poll("fetch_error")
		return run, nil
	}

	result := s.opts.Extractor.Extract(raw)
	switch {
	case result.Found:
		s.opts.Metrics.Extraction(result.Heuristic)
		log.Debug().
			Str("heuristic", result.Heuristic).
			Str("match", string(src.Match)).
			Int64("log_job_id", src.JobID).
			Msg("plan extracted")
		return s.recordPlan(ctx, run, result.Plan, fmt.Sprintf("extracted by %s from job %d", result.Heuristic, src.JobID))

	case awx.IsTerminalFailure(src.Status):
		return s.recordFailure(ctx, run, src, raw)

	default:
		s.opts.Metrics.Poll("pending")
		return run, nil
	}
}

func (s *Service) recordPlan(ctx context.Context, run Run, plan, detail string) (Run, error) {
	var (
		updated Run
		err     error
	)
	if run.Status == StatusReady {
		updated, err = s.store.ReplacePlan(ctx, run.RunID, plan)
	} else {
		updated, err = s.store.Transition(ctx, run.RunID, StatusReady, Changes{PlanText: &plan, Detail: detail})
	}
	if err != nil {
		return s.settle(ctx, run.RunID, err)
	}

	s.opts.Metrics.Poll("ready")
	if run.Status != StatusReady {
		s.opts.Metrics.Transition(string(StatusReady))
	}
	s.notify(ctx, runEvent(updated))
	return updated, nil
}

func (s *Service) recordFailure(ctx context.Context, run Run, src awx.Resolution, raw string) (Run, error) {
	excerpt := tail(raw, s.opts.ExcerptLimit)
	ch := Changes{
		LogExcerpt: &excerpt,
		Detail:     fmt.Sprintf("job %d finished with status %s", src.JobID, src.Status),
	}
	if s.opts.Archive != nil && raw != "" {
		key, err := s.opts.Archive.Store(ctx, run.RunID, src.JobID, raw)
		if err != nil {
			s.log.Warn().Err(err).Str("run_id", run.RunID).Msg("archive job log")
		} else {
			ch.LogArchiveKey = &key
		}
	}

	updated, err := s.store.Transition(ctx, run.RunID, StatusFailed, ch)
	if err != nil {
		return s.settle(ctx, run.RunID, err)
	}

	s.log.Info().Str("run_id", run.RunID).Int64("log_job_id", src.JobID).Str("job_status", src.Status).Msg("run failed")
	s.opts.Metrics.Poll("failed")
	s.opts.Metrics.Transition(string(StatusFailed))
	s.notify(ctx, runEvent(updated))
	return updated, nil
}

// settle resolves a lost transition race by returning the winner's state.
func (s *Service) settle(ctx context.Context, runID string, err error) (Run, error) {
	if !errors.Is(err, ErrInvalidTransition) {
		return Run{}, err
	}
	return s.store.Get(ctx, runID)
}

// Approve passes the plan-apply gate of a ready run. Concurrent approvals
// of one run reach the engine once; the others fail with
// ErrInvalidTransition.
func (s *Service) Approve(ctx context.Context, runID string) (Run, error) {
	run, err := s.store.ClaimGate(ctx, runID, StatusApproved, s.opts.GateClaimTTL)
	if err != nil {
		return Run{}, err
	}

	gateID, err := s.passGate(ctx, run, gates.PlanApply)
	if err != nil {
		s.releaseGate(ctx, runID)
		return Run{}, err
	}

	updated, err := s.store.Transition(ctx, runID, StatusApproved, Changes{Detail: fmt.Sprintf("gate %d approved", gateID)})
	if err != nil {
		return Run{}, err
	}
	s.opts.Metrics.Transition(string(StatusApproved))
	s.notify(ctx, runEvent(updated))
	return updated, nil
}

// Destroy removes the run's outputs and passes its destroy gate. Outputs are
// gone even when the engine then refuses the gate. Like Approve, only one
// caller per run reaches the engine.
func (s *Service) Destroy(ctx context.Context, runID string) (Run, error) {
	run, err := s.store.ClaimGate(ctx, runID, StatusDestroyed, s.opts.GateClaimTTL)
	if err != nil {
		return Run{}, err
	}

	removed, err := s.store.DeleteOutputs(ctx, runID)
	if err != nil {
		s.releaseGate(ctx, runID)
		return Run{}, err
	}
	if removed > 0 {
		s.log.Info().Str("run_id", runID).Int64("outputs", removed).Msg("outputs removed before destroy")
	}

	gateID, err := s.passGate(ctx, run, gates.Destroy)
	if err != nil {
		s.releaseGate(ctx, runID)
		return Run{}, err
	}

	updated, err := s.store.Transition(ctx, runID, StatusDestroyed, Changes{Detail: fmt.Sprintf("gate %d approved", gateID)})
	if err != nil {
		return Run{}, err
	}
	s.opts.Metrics.Transition(string(StatusDestroyed))
	s.notify(ctx, runEvent(updated))
	return updated, nil
}

// releaseGate frees the claim taken for a gate call that did not pass, even
// when the caller has gone away.
func (s *Service) releaseGate(ctx context.Context, runID string) {
	if err := s.store.ReleaseGate(context.WithoutCancel(ctx), runID); err != nil {
		s.log.Error().Err(err).Str("run_id", runID).Msg("release gate claim")
	}
}

// passGate calls the engine once for the gate of kind and classifies the reply.
func (s *Service) passGate(ctx context.Context, run Run, kind gates.Kind) (int64, error) {
	gateID, err := s.opts.Gates.GateID(run.JobID, kind)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}

	log := s.log.With().Str("run_id", run.RunID).Str("gate", string(kind)).Int64("gate_id", gateID).Logger()
	resp, err := s.opts.Engine.Approve(ctx, gateID)
	if err != nil {
		s.opts.Metrics.Approval(string(kind), "error")
		return 0, fmt.Errorf("approve gate %d: %w", gateID, err)
	}

	switch {
	case resp.OK():
		s.opts.Metrics.Approval(string(kind), "approved")
		log.Info().Int("status_code", resp.StatusCode).Msg("gate approved")
		return gateID, nil
	case s.isQuirk(kind, resp.StatusCode):
		s.opts.Metrics.Approval(string(kind), "quirk")
		log.Warn().Int("status_code", resp.StatusCode).Str("body", resp.Body).Msg("engine answered with a tolerated status, treating gate as approved")
		return gateID, nil
	default:
		s.opts.Metrics.Approval(string(kind), "rejected")
		log.Warn().Int("status_code", resp.StatusCode).Msg("gate rejected")
		return 0, &ApprovalRejectedError{GateID: gateID, StatusCode: resp.StatusCode, Body: resp.Body}
	}
}

func (s *Service) isQuirk(kind gates.Kind, code int) bool {
	for _, c := range s.opts.Quirks[kind] {
		if c == code {
			return true
		}
	}
	return false
}

// PlanCallback records a plan pushed by the workflow itself. A pending run
// becomes ready; a ready run has its plan replaced.
func (s *Service) PlanCallback(ctx context.Context, runID string, jobID int64, plan string) (Run, error) {
	if strings.TrimSpace(plan) == "" {
		return Run{}, fmt.Errorf("%w: plan text is required", ErrInvalidInput)
	}
	run, created, err := s.store.GetOrCreate(ctx, runID, jobID)
	if err != nil {
		return Run{}, err
	}
	if created {
		s.notify(ctx, runEvent(run))
	}

	var updated Run
	switch run.Status {
	case StatusPending:
		updated, err = s.store.Transition(ctx, runID, StatusReady, Changes{PlanText: &plan, Detail: "plan pushed by callback"})
		if err == nil {
			s.opts.Metrics.Transition(string(StatusReady))
		}
	case StatusReady:
		updated, err = s.store.ReplacePlan(ctx, runID, plan)
	default:
		return Run{}, fmt.Errorf("%w: cannot accept a plan for a %s run", ErrInvalidTransition, run.Status)
	}
	if err != nil {
		return Run{}, err
	}
	s.opts.Metrics.Extraction("callback")
	s.notify(ctx, runEvent(updated))
	return updated, nil
}

// Launch starts the provisioning workflow for req and records the new run.
// The engine is called once; a refused launch is returned as *awx.StatusError.
func (s *Service) Launch(ctx context.Context, req LaunchRequest) (Run, error) {
	if s.opts.WorkflowTemplateID <= 0 {
		return Run{}, errors.New("workflow template id is not configured")
	}
	if err := req.Validate(); err != nil {
		return Run{}, err
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	} else if _, err := s.store.Get(ctx, runID); err == nil {
		return Run{}, fmt.Errorf("run %s: %w", runID, ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return Run{}, err
	}

	vars := req.ExtraVars()
	jobID, err := s.opts.Engine.LaunchWorkflow(ctx, s.opts.WorkflowTemplateID, vars)
	if err != nil {
		return Run{}, fmt.Errorf("launch workflow: %w", err)
	}

	run, err := s.store.CreateLaunched(ctx, runID, jobID, vars)
	if err != nil {
		return Run{}, err
	}
	s.log.Info().Str("run_id", runID).Int64("job_id", jobID).Msg("workflow launched")
	s.notify(ctx, runEvent(run))
	return run, nil
}

// ReportOutputs stores outputs for runID and announces each of them.
func (s *Service) ReportOutputs(ctx context.Context, runID string, outputs map[string]json.RawMessage) ([]Output, error) {
	stored, err := s.store.UpsertOutputs(ctx, runID, outputs)
	if err != nil {
		return nil, err
	}
	for _, o := range stored {
		s.notify(ctx, outputEvent(o))
	}
	return stored, nil
}

// DeleteOutput removes one output and announces the removal.
func (s *Service) DeleteOutput(ctx context.Context, runID, key string) error {
	if err := s.store.DeleteOutput(ctx, runID, key); err != nil {
		return err
	}
	evt := outputEvent(Output{RunID: runID, Key: key})
	evt.Deleted = true
	s.notify(ctx, evt)
	return nil
}

// LogURL returns a download link for the archived log of a failed run, or
// an empty string when none was archived.
func (s *Service) LogURL(ctx context.Context, run Run) (string, error) {
	if s.opts.Archive == nil || run.LogArchiveKey == "" {
		return "", nil
	}
	return s.opts.Archive.URL(ctx, run.LogArchiveKey)
}

func (s *Service) notify(ctx context.Context, evt Event) {
	if err := s.opts.Notifier.Notify(ctx, evt); err != nil {
		s.opts.Metrics.NotifyFailure()
		s.log.Warn().Err(err).Str("run_id", evt.RunID).Str("type", evt.Type).Msg("notify")
	}
}

// tail returns at most limit bytes from the end of raw, starting on a rune
// boundary.
func tail(raw string, limit int) string {
	if len(raw) <= limit {
		return raw
	}
	cut := len(raw) - limit
	for cut < len(raw) && !utf8.RuneStart(raw[cut]) {
		cut++
	}
	return raw[cut:]
}
