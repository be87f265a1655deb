package awx

import (
	"context"
	"fmt"
	"strings"
)

// Job type and status values reported by the engine.
const (
	TypeJob         = "job"
	TypeWorkflowJob = "workflow_job"

	StatusSuccessful = "successful"
	StatusFailed     = "failed"
	StatusErrored    = "error"
	StatusCanceled   = "canceled"
)

// Job is the subset of unified job metadata the resolver needs.
type Job struct {
	ID     int64
	Type   string
	Status string
	Name   string
}

// IsWorkflow reports whether the job is a workflow job with descendant nodes.
func (j Job) IsWorkflow() bool {
	return strings.EqualFold(j.Type, TypeWorkflowJob)
}

// IsTerminalFailure reports whether status means the job ended without success.
func IsTerminalFailure(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case StatusFailed, StatusErrored, StatusCanceled:
		return true
	default:
		return false
	}
}

// Job looks up metadata for any unified job id, leaf or workflow.
func (c *Client) Job(ctx context.Context, id int64) (Job, error) {
	path := fmt.Sprintf("unified_jobs/?id=%d", id)
	resp, err := c.get(ctx, path)
	if err != nil {
		return Job{}, err
	}

	results, _ := resp.Fields["results"].([]any)
	if len(results) == 0 {
		// Freshly launched jobs can take a moment to show up in the listing.
		return Job{}, &TransientError{Op: "GET " + path, Err: fmt.Errorf("job %d not visible yet", id)}
	}

	fields := asMap(results[0])
	job := Job{
		ID:     id,
		Type:   asString(fields["type"]),
		Status: asString(fields["status"]),
		Name:   asString(fields["name"]),
	}
	if v, ok := asInt64(fields["id"]); ok {
		job.ID = v
	}
	return job, nil
}

// Stdout returns the plain-text console log of a job. An empty or truncated
// log is a valid answer for a job that is still queued or running. Logs
// longer than Config.MaxBodyBytes are returned as their tail.
func (c *Client) Stdout(ctx context.Context, id int64) (string, error) {
	resp, err := c.get(ctx, fmt.Sprintf("jobs/%d/stdout/?format=txt", id))
	if err != nil {
		return "", err
	}
	return resp.Body, nil
}
