package awx

import (
	"context"
	"errors"
	"strings"
)

// DefaultStageKeywords are matched against child job names when no node was
// spawned from the plan-stage template.
var DefaultStageKeywords = []string{"stage", "terraform"}

// JobSource is the part of the engine API the resolver reads from.
type JobSource interface {
	Job(ctx context.Context, id int64) (Job, error)
	WorkflowNodes(ctx context.Context, workflowJobID int64) ([]WorkflowNode, error)
}

// Match names the rule that selected a log source.
type Match string

const (
	MatchLeaf     Match = "leaf"
	MatchTemplate Match = "template"
	MatchKeyword  Match = "keyword"
	MatchNone     Match = "none"
)

// Resolution is the job whose log should carry the plan, with the status the
// engine last reported for it.
type Resolution struct {
	JobID  int64
	Status string
	Name   string
	Match  Match
}

// Resolver maps a top-level workflow job to the descendant job that prints the plan.
type Resolver struct {
	source         JobSource
	planTemplateID int64
	keywords       []string
}

// NewResolver builds a Resolver. A zero planTemplateID disables the template
// rule; nil keywords fall back to DefaultStageKeywords.
func NewResolver(source JobSource, planTemplateID int64, keywords []string) (*Resolver, error) {
	if source == nil {
		return nil, errors.New("job source is required")
	}
	if keywords == nil {
		keywords = DefaultStageKeywords
	}
	normalized := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			normalized = append(normalized, kw)
		}
	}
	return &Resolver{source: source, planTemplateID: planTemplateID, keywords: normalized}, nil
}

// ResolveLogSource picks the job whose stdout to fetch for workflowJobID. When
// no descendant qualifies it returns the workflow job itself, so callers see
// "not yet extracted" rather than an error.
func (r *Resolver) ResolveLogSource(ctx context.Context, workflowJobID int64) (Resolution, error) {
	job, err := r.source.Job(ctx, workflowJobID)
	if err != nil {
		return Resolution{}, err
	}
	if !job.IsWorkflow() {
		return Resolution{JobID: job.ID, Status: job.Status, Name: job.Name, Match: MatchLeaf}, nil
	}

	nodes, err := r.source.WorkflowNodes(ctx, workflowJobID)
	if err != nil {
		return Resolution{}, err
	}

	if node, ok := r.byTemplate(nodes); ok {
		return Resolution{JobID: node.ChildJobID, Status: node.ChildJobStatus, Name: node.ChildJobName, Match: MatchTemplate}, nil
	}

	// Fallback: name matching is brittle and only used when no node came from
	// the configured plan-stage template.
	if node, ok := r.byKeyword(nodes); ok {
		return Resolution{JobID: node.ChildJobID, Status: node.ChildJobStatus, Name: node.ChildJobName, Match: MatchKeyword}, nil
	}

	return Resolution{JobID: workflowJobID, Status: job.Status, Name: job.Name, Match: MatchNone}, nil
}

func (r *Resolver) byTemplate(nodes []WorkflowNode) (WorkflowNode, bool) {
	if r.planTemplateID == 0 {
		return WorkflowNode{}, false
	}
	for _, node := range nodes {
		if node.TemplateID == r.planTemplateID && node.ChildJobID != 0 {
			return node, true
		}
	}
	return WorkflowNode{}, false
}

func (r *Resolver) byKeyword(nodes []WorkflowNode) (WorkflowNode, bool) {
	for _, node := range nodes {
		if node.ChildJobID == 0 {
			continue
		}
		name := strings.ToLower(node.ChildJobName)
		for _, kw := range r.keywords {
			if strings.Contains(name, kw) {
				return node, true
			}
		}
	}
	return WorkflowNode{}, false
}
