package runs

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"tfgate/pkg/bus"
)

// Event kinds carried by Event.Type.
const (
	EventRun    = "run"
	EventOutput = "output"
)

// Event describes a change to a run or one of its outputs.
type Event struct {
	Type        string          `json:"type"`
	RunID       string          `json:"run_id"`
	JobID       int64           `json:"job_id,omitempty"`
	Status      Status          `json:"status,omitempty"`
	PlanText    string          `json:"plan_text,omitempty"`
	OutputKey   string          `json:"output_key,omitempty"`
	OutputValue json.RawMessage `json:"output_value,omitempty"`
	Deleted     bool            `json:"deleted,omitempty"`
	At          time.Time       `json:"at"`
}

func runEvent(r Run) Event {
	return Event{
		Type:     EventRun,
		RunID:    r.RunID,
		JobID:    r.JobID,
		Status:   r.Status,
		PlanText: r.PlanText,
		At:       time.Now().UTC(),
	}
}

func outputEvent(o Output) Event {
	return Event{
		Type:        EventOutput,
		RunID:       o.RunID,
		OutputKey:   o.Key,
		OutputValue: o.Value,
		At:          time.Now().UTC(),
	}
}

// Notifier is told about state changes. Delivery is best effort: the caller
// logs a returned error and carries on.
type Notifier interface {
	Notify(ctx context.Context, evt Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, evt Event) error

func (f NotifierFunc) Notify(ctx context.Context, evt Event) error { return f(ctx, evt) }

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }

// MultiNotifier fans an event out to every notifier, collecting errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, evt Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publisher is the subset of *bus.Bus used by BusNotifier.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any, opts ...nats.PubOpt) error
}

// BusNotifier publishes events on the run update subject.
type BusNotifier struct {
	pub Publisher
}

// NewBusNotifier returns a notifier publishing through pub.
func NewBusNotifier(pub Publisher) (*BusNotifier, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	return &BusNotifier{pub: pub}, nil
}

func (n *BusNotifier) Notify(ctx context.Context, evt Event) error {
	var opts []nats.PubOpt
	if evt.Type == EventRun {
		// Identical run states share an id so the stream's duplicate window
		// drops republished copies.
		sum := sha256.Sum256([]byte(evt.PlanText))
		opts = append(opts, nats.MsgId(fmt.Sprintf("%s.%s.%x", evt.RunID, evt.Status, sum[:8])))
	}
	return n.pub.Publish(ctx, bus.SubjectRunUpdated, evt, opts...)
}
