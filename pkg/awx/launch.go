package awx

import (
	"context"
	"fmt"
	"net/http"
)

// LaunchWorkflow starts a workflow job template with the provided extra vars
// and returns the id of the created workflow job.
func (c *Client) LaunchWorkflow(ctx context.Context, templateID int64, extraVars map[string]any) (int64, error) {
	path := fmt.Sprintf("workflow_job_templates/%d/launch/", templateID)
	resp, err := c.do(ctx, http.MethodPost, path, map[string]any{"extra_vars": extraVars})
	if err != nil {
		return 0, err
	}
	if !resp.OK() {
		return 0, &StatusError{Op: "POST " + path, StatusCode: resp.StatusCode, Body: resp.Body}
	}

	for _, key := range []string{"workflow_job", "id"} {
		if id, ok := asInt64(resp.Fields[key]); ok && id > 0 {
			return id, nil
		}
	}
	return 0, fmt.Errorf("awx: launch of template %d returned no job id", templateID)
}
