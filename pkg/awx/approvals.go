package awx

import (
	"context"
	"fmt"
	"net/http"
)

// Approve triggers the approval of a workflow approval node. The response is
// returned whatever its status: deciding what counts as approved is up to the
// caller. Only transport failures are returned as errors. The call is never
// retried here.
func (c *Client) Approve(ctx context.Context, nodeID int64) (Response, error) {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("workflow_approvals/%d/approve/", nodeID), nil)
}
