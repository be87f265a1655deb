// Package ingest applies outputs and plans that workflow jobs report over
// the message bus.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"tfgate/pkg/bus"
	"tfgate/services/runs"
)

// Recorder is the part of runs.Service the ingestor drives.
type Recorder interface {
	ReportOutputs(ctx context.Context, runID string, outputs map[string]json.RawMessage) ([]runs.Output, error)
	PlanCallback(ctx context.Context, runID string, jobID int64, plan string) (runs.Run, error)
}

// Subscriber is the subset of *bus.Bus used for consuming.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

type outputsEvent struct {
	RunID   string                     `json:"run_id"`
	Outputs map[string]json.RawMessage `json:"outputs"`
}

type planEvent struct {
	RunID    string `json:"run_id"`
	JobID    int64  `json:"job_id"`
	PlanText string `json:"plan_text"`
}

// Ingestor consumes reported outputs and plans with durable consumers.
type Ingestor struct {
	rec     Recorder
	sub     Subscriber
	durable string
	log     zerolog.Logger

	subsMu sync.Mutex
	subs   []io.Closer
}

// New constructs an Ingestor. Consumer names are derived from durable.
func New(rec Recorder, sub Subscriber, durable string, log zerolog.Logger) (*Ingestor, error) {
	if rec == nil {
		return nil, errors.New("recorder is required")
	}
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	if strings.TrimSpace(durable) == "" {
		return nil, errors.New("durable name is required")
	}
	return &Ingestor{
		rec:     rec,
		sub:     sub,
		durable: durable,
		log:     log.With().Str("component", "ingest").Logger(),
	}, nil
}

// Start registers the subscriptions and processes events until ctx is cancelled.
func (i *Ingestor) Start(ctx context.Context) error {
	if i == nil {
		return errors.New("nil ingestor")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	specs := []struct {
		subject string
		durable string
		handler func(context.Context, []byte) error
	}{
		{bus.SubjectOutputsReported, i.durable + "-outputs", i.handleOutputs},
		{bus.SubjectPlansReported, i.durable + "-plans", i.handlePlan},
	}

	for _, spec := range specs {
		closer, err := i.sub.Subscribe(ctx, spec.subject, spec.durable, spec.handler)
		if err != nil {
			_ = i.Close()
			return fmt.Errorf("subscribe %s: %w", spec.subject, err)
		}
		i.subsMu.Lock()
		i.subs = append(i.subs, closer)
		i.subsMu.Unlock()
	}

	return nil
}

// Close tears down active subscriptions.
func (i *Ingestor) Close() error {
	if i == nil {
		return nil
	}

	i.subsMu.Lock()
	defer i.subsMu.Unlock()

	var firstErr error
	for _, sub := range i.subs {
		if sub == nil {
			continue
		}
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	i.subs = nil
	return firstErr
}

func (i *Ingestor) handleOutputs(ctx context.Context, data []byte) error {
	var evt outputsEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return fmt.Errorf("%w: decode outputs event: %v", bus.ErrPermanent, err)
	}
	if strings.TrimSpace(evt.RunID) == "" {
		return fmt.Errorf("%w: run_id missing from outputs event", bus.ErrPermanent)
	}

	stored, err := i.rec.ReportOutputs(ctx, evt.RunID, evt.Outputs)
	if err != nil {
		return i.classify(evt.RunID, "outputs", err)
	}
	i.log.Info().Str("run_id", evt.RunID).Int("outputs", len(stored)).Msg("outputs ingested")
	return nil
}

func (i *Ingestor) handlePlan(ctx context.Context, data []byte) error {
	var evt planEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return fmt.Errorf("%w: decode plan event: %v", bus.ErrPermanent, err)
	}
	if strings.TrimSpace(evt.RunID) == "" || evt.JobID <= 0 {
		return fmt.Errorf("%w: run_id and job_id are required in plan events", bus.ErrPermanent)
	}

	run, err := i.rec.PlanCallback(ctx, evt.RunID, evt.JobID, evt.PlanText)
	switch {
	case errors.Is(err, runs.ErrInvalidTransition):
		// The run moved past ready before the report arrived.
		i.log.Info().Str("run_id", evt.RunID).Err(err).Msg("late plan report ignored")
		return nil
	case err != nil:
		return i.classify(evt.RunID, "plan", err)
	}
	i.log.Info().Str("run_id", run.RunID).Str("status", string(run.Status)).Msg("plan ingested")
	return nil
}

// classify decides whether a failed event is worth redelivering.
func (i *Ingestor) classify(runID, kind string, err error) error {
	if errors.Is(err, runs.ErrNotFound) || errors.Is(err, runs.ErrInvalidInput) || errors.Is(err, runs.ErrInvalidTransition) {
		i.log.Warn().Str("run_id", runID).Str("kind", kind).Err(err).Msg("dropping event")
		return fmt.Errorf("%w: %v", bus.ErrPermanent, err)
	}
	i.log.Error().Str("run_id", runID).Str("kind", kind).Err(err).Msg("event will be redelivered")
	return err
}
