// Package ctl implements the operator commands of tfgatectl.
package ctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hashicorp/terraform-exec/tfexec"
	"github.com/nats-io/nats.go"

	"tfgate/pkg/bus"
	"tfgate/services/runs"
)

// OutputSink receives the outputs collected for a run.
type OutputSink interface {
	SyncOutputs(ctx context.Context, runID string, outputs map[string]json.RawMessage) (int, error)
}

// ReadTerraformOutputs runs `terraform output -json` in dir.
func ReadTerraformOutputs(ctx context.Context, dir, execPath string, includeSensitive bool) (map[string]json.RawMessage, error) {
	tf, err := tfexec.NewTerraform(dir, execPath)
	if err != nil {
		return nil, fmt.Errorf("terraform: %w", err)
	}
	meta, err := tf.Output(ctx)
	if err != nil {
		return nil, fmt.Errorf("terraform output: %w", err)
	}
	return convertOutputs(meta, includeSensitive), nil
}

// convertOutputs keeps each output's value. Sensitive outputs are dropped
// unless includeSensitive is set.
func convertOutputs(meta map[string]tfexec.OutputMeta, includeSensitive bool) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(meta))
	for key, m := range meta {
		if m.Sensitive && !includeSensitive {
			continue
		}
		if len(m.Value) == 0 {
			out[key] = json.RawMessage("null")
			continue
		}
		out[key] = m.Value
	}
	return out
}

// Publisher is the subset of *bus.Bus used by BusSink.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any, opts ...nats.PubOpt) error
}

// BusSink reports outputs over the bus for tfgate-ingest to apply.
type BusSink struct {
	Pub Publisher
}

type outputsReport struct {
	RunID   string                     `json:"run_id"`
	Outputs map[string]json.RawMessage `json:"outputs"`
}

func (s BusSink) SyncOutputs(ctx context.Context, runID string, outputs map[string]json.RawMessage) (int, error) {
	if s.Pub == nil {
		return 0, errors.New("publisher is required")
	}
	if err := s.Pub.Publish(ctx, bus.SubjectOutputsReported, outputsReport{RunID: runID, Outputs: outputs}); err != nil {
		return 0, err
	}
	return len(outputs), nil
}

// StoreSink writes outputs straight to the database.
type StoreSink struct {
	Store *runs.Store
}

func (s StoreSink) SyncOutputs(ctx context.Context, runID string, outputs map[string]json.RawMessage) (int, error) {
	if s.Store == nil {
		return 0, errors.New("store is required")
	}
	saved, err := s.Store.UpsertOutputs(ctx, runID, outputs)
	if err != nil {
		return 0, err
	}
	return len(saved), nil
}
