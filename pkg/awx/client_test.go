package awx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, h http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL + "/api/v2", Username: "bob", Password: "secret"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c, srv
}

func TestNewClientValidatesBaseURL(t *testing.T) {
	for _, base := range []string{"", "   ", "not-absolute"} {
		if _, err := NewClient(Config{BaseURL: base}); err == nil {
			t.Fatalf("NewClient(%q) expected error", base)
		}
	}
}

func TestStdout(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/jobs/894/stdout/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("format"); got != "txt" {
			t.Errorf("format = %q, want txt", got)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "bob" || pass != "secret" {
			t.Errorf("basic auth = %q/%q/%v", user, pass, ok)
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("PLAY [all]\nok: [localhost]\n"))
	}))

	got, err := c.Stdout(context.Background(), 894)
	if err != nil {
		t.Fatalf("Stdout() error = %v", err)
	}
	if got != "PLAY [all]\nok: [localhost]\n" {
		t.Fatalf("Stdout() = %q", got)
	}
}

func TestStdoutNonSuccessIsTransient(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusBadGateway, http.StatusUnauthorized} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(code)
			}))
			_, err := c.Stdout(context.Background(), 1)
			if !IsTransient(err) {
				t.Fatalf("Stdout() error = %v, want transient", err)
			}
		})
	}
}

func TestStdoutTransportErrorIsTransient(t *testing.T) {
	c, srv := newTestClient(t, http.NotFoundHandler())
	srv.Close()

	_, err := c.Stdout(context.Background(), 1)
	if !IsTransient(err) {
		t.Fatalf("Stdout() error = %v, want transient", err)
	}
}

func TestJob(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "894" {
			_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"count": 1,
			"results": []any{map[string]any{
				"id": 894, "type": "workflow_job", "status": "running", "name": "cloud01-build",
			}},
		})
	}))

	job, err := c.Job(context.Background(), 894)
	if err != nil {
		t.Fatalf("Job() error = %v", err)
	}
	if !job.IsWorkflow() || job.Status != "running" || job.Name != "cloud01-build" || job.ID != 894 {
		t.Fatalf("Job() = %+v", job)
	}

	if _, err := c.Job(context.Background(), 5); !IsTransient(err) {
		t.Fatalf("Job(unknown) error = %v, want transient", err)
	}
}

func TestWorkflowNodesFollowsPagination(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "2" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"next": nil,
				"results": []any{map[string]any{
					"id": 3, "unified_job_template": 42, "job": nil,
					"summary_fields": map[string]any{"job": map[string]any{"id": 897, "name": "Terraform Plan", "status": "running"}},
				}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"next": "/api/v2/workflow_jobs/894/workflow_nodes/?page=2",
			"results": []any{map[string]any{
				"id": 1, "unified_job_template": 7, "job": 895,
				"summary_fields": map[string]any{"job": map[string]any{"id": 895, "name": "Prepare", "status": "successful"}},
			}},
		})
	}))
	nodes, err := c.WorkflowNodes(context.Background(), 894)
	if err != nil {
		t.Fatalf("WorkflowNodes() error = %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("len(nodes) = %d, want 2", len(nodes))
	}
	want := WorkflowNode{ID: 3, TemplateID: 42, ChildJobID: 897, ChildJobName: "Terraform Plan", ChildJobStatus: "running"}
	if nodes[1] != want {
		t.Fatalf("nodes[1] = %+v, want %+v", nodes[1], want)
	}
}

func TestLaunchWorkflow(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v2/workflow_job_templates/10/launch/" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			ExtraVars map[string]any `json:"extra_vars"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.ExtraVars["region"] != "eu-west-2" {
			t.Errorf("extra_vars = %v", body.ExtraVars)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"workflow_job": 894, "id": 894})
	}))

	id, err := c.LaunchWorkflow(context.Background(), 10, map[string]any{"region": "eu-west-2"})
	if err != nil {
		t.Fatalf("LaunchWorkflow() error = %v", err)
	}
	if id != 894 {
		t.Fatalf("LaunchWorkflow() = %d, want 894", id)
	}
}

func TestLaunchWorkflowRejected(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"variables_needed_to_start":["region"]}`))
	}))

	_, err := c.LaunchWorkflow(context.Background(), 10, nil)
	var statusErr *StatusError
	if err == nil || !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("LaunchWorkflow() error = %v, want status 400", err)
	}
}

func TestApproveReturnsResponseForAnyStatus(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v2/workflow_approvals/897/approve/" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"detail":"not allowed"}`))
	}))

	resp, err := c.Approve(context.Background(), 897)
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if resp.OK() || resp.StatusCode != http.StatusForbidden || resp.Fields["detail"] != "not allowed" {
		t.Fatalf("Approve() = %+v", resp)
	}
}

func TestBearerTokenPreferredOverBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL, Token: "tok", Username: "bob"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if _, err := c.Approve(context.Background(), 1); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
}

func TestStdoutKeepsTailOfLongLog(t *testing.T) {
	head := strings.Repeat("x", 100)
	end := "Plan: 1 to add\n===END_TERRAFORM_PLAN===\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(head + end))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL + "/api/v2", MaxBodyBytes: int64(len(end) + 4)})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	got, err := c.Stdout(context.Background(), 894)
	if err != nil {
		t.Fatalf("Stdout() error = %v", err)
	}
	if got != "xxxx"+end {
		t.Fatalf("Stdout() = %q, want the log tail", got)
	}
}

func TestReadTail(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		limit     int64
		want      string
		truncated bool
	}{
		{name: "short", body: "abc", limit: 8, want: "abc"},
		{name: "exact", body: "abcdefgh", limit: 8, want: "abcdefgh"},
		{name: "long", body: "0123456789abcdef", limit: 4, want: "cdef", truncated: true},
		{name: "much longer", body: strings.Repeat("-", 100000) + "tail", limit: 6, want: "--tail", truncated: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, truncated, err := readTail(strings.NewReader(tt.body), tt.limit)
			if err != nil {
				t.Fatalf("readTail() error = %v", err)
			}
			if string(got) != tt.want || truncated != tt.truncated {
				t.Fatalf("readTail() = %q, %v; want %q, %v", got, truncated, tt.want, tt.truncated)
			}
		})
	}
}

func TestIsTerminalFailure(t *testing.T) {
	tests := map[string]bool{
		StatusFailed:     true,
		StatusErrored:    true,
		StatusCanceled:   true,
		" Failed ":       true,
		StatusSuccessful: false,
		"running":        false,
		"":               false,
	}
	for status, want := range tests {
		if got := IsTerminalFailure(status); got != want {
			t.Errorf("IsTerminalFailure(%q) = %v, want %v", status, got, want)
		}
	}
}
