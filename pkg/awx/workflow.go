package awx

import (
	"context"
	"fmt"
)

const maxNodePages = 20

// WorkflowNode references one stage of a workflow job and the child job it spawned.
type WorkflowNode struct {
	ID             int64
	TemplateID     int64
	ChildJobID     int64
	ChildJobName   string
	ChildJobStatus string
}

// WorkflowNodes lists the nodes of a workflow job, following pagination.
func (c *Client) WorkflowNodes(ctx context.Context, workflowJobID int64) ([]WorkflowNode, error) {
	path := fmt.Sprintf("workflow_jobs/%d/workflow_nodes/", workflowJobID)

	var nodes []WorkflowNode
	for page := 0; path != "" && page < maxNodePages; page++ {
		resp, err := c.get(ctx, path)
		if err != nil {
			return nil, err
		}

		results, _ := resp.Fields["results"].([]any)
		for _, raw := range results {
			nodes = append(nodes, nodeFromFields(asMap(raw)))
		}
		path = asString(resp.Fields["next"])
	}
	return nodes, nil
}

func nodeFromFields(fields map[string]any) WorkflowNode {
	var node WorkflowNode
	if fields == nil {
		return node
	}
	node.ID, _ = asInt64(fields["id"])
	node.TemplateID, _ = asInt64(fields["unified_job_template"])
	node.ChildJobID, _ = asInt64(fields["job"])

	summary := asMap(asMap(fields["summary_fields"])["job"])
	if summary != nil {
		if node.ChildJobID == 0 {
			node.ChildJobID, _ = asInt64(summary["id"])
		}
		node.ChildJobName = asString(summary["name"])
		node.ChildJobStatus = asString(summary["status"])
	}
	return node
}
