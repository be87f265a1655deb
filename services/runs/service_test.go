package runs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tfgate/pkg/awx"
	"tfgate/pkg/gates"
)

const markedLog = `TASK [terraform plan] *****
===BEGIN_TERRAFORM_PLAN===
  + resource "aws_vpc" "core" {
      + cidr_block = "10.0.0.0/16"
    }
Plan: 1 to add, 0 to change, 0 to destroy.
===END_TERRAFORM_PLAN===
PLAY RECAP`

func readyRun(t *testing.T, h *harness) Run {
	t.Helper()
	h.engine.set(func(f *fakeEngine) { f.stdout = markedLog })
	run, err := h.svc.Poll(context.Background(), "r1", 894, false)
	require.NoError(t, err)
	require.Equal(t, StatusReady, run.Status)
	return run
}

func TestPollExtractsPlanAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	run := readyRun(t, h)
	assert.Equal(t, int64(894), run.JobID)
	assert.True(t, strings.HasPrefix(run.PlanText, `+ resource "aws_vpc" "core"`))
	assert.True(t, strings.HasSuffix(run.PlanText, "0 to destroy."))

	h.engine.set(func(f *fakeEngine) { f.stdout = "something else entirely" })
	for i := 0; i < 3; i++ {
		again, err := h.svc.Poll(ctx, "r1", 894, false)
		require.NoError(t, err)
		assert.Equal(t, run.PlanText, again.PlanText)
		assert.Equal(t, StatusReady, again.Status)
	}
	assert.Equal(t, 1, h.engine.stdoutCalls)

	assert.Equal(t, []Status{StatusPending, StatusReady}, h.notifier.statuses())
}

func TestPollPendingWhileLogIsIncomplete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.engine.set(func(f *fakeEngine) { f.stdout = "===BEGIN_TERRAFORM_PLAN===\n  + resource" })

	run, err := h.svc.Poll(ctx, "r1", 894, false)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, run.Status)

	h.engine.set(func(f *fakeEngine) { f.stdout = markedLog })
	run, err = h.svc.Poll(ctx, "r1", 0, false)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, run.Status)
}

func TestPollUnknownRunWithoutJobID(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Poll(context.Background(), "nope", 0, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPollFetchErrorsStayPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.engine.set(func(f *fakeEngine) {
		f.stdoutErr = &awx.TransientError{Op: "GET stdout", Err: errors.New("connection refused")}
	})

	run, err := h.svc.Poll(ctx, "r1", 894, false)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, run.Status)

	h.engine.set(func(f *fakeEngine) {
		f.stdoutErr = nil
		f.resolveErr = &awx.TransientError{Op: "GET unified_jobs", Err: errors.New("502")}
	})
	run, err = h.svc.Poll(ctx, "r1", 894, false)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, run.Status)
}

func TestPollTerminalFailureRecordsExcerpt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	raw := strings.Repeat("noise line\n", 50) + "Error: UnauthorizedOperation"
	h.engine.set(func(f *fakeEngine) {
		f.stdout = raw
		f.resolution = awx.Resolution{Status: awx.StatusFailed, Match: awx.MatchTemplate, JobID: 901}
	})

	run, err := h.svc.Poll(ctx, "r1", 894, false)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Len(t, run.LogExcerpt, 64)
	assert.True(t, strings.HasSuffix(run.LogExcerpt, "Error: UnauthorizedOperation"))
	assert.Equal(t, raw, h.archive.stored[run.LogArchiveKey])

	url, err := h.svc.LogURL(ctx, run)
	require.NoError(t, err)
	assert.Contains(t, url, run.LogArchiveKey)

	again, err := h.svc.Poll(ctx, "r1", 894, false)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, again.Status)
	assert.Equal(t, 1, h.engine.stdoutCalls)
}

func TestPollReextractReplacesPlan(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	readyRun(t, h)

	h.engine.set(func(f *fakeEngine) {
		f.stdout = "===BEGIN_TERRAFORM_PLAN===\nsecond plan\n===END_TERRAFORM_PLAN==="
	})
	run, err := h.svc.Poll(ctx, "r1", 894, true)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, run.Status)
	assert.Equal(t, "second plan", run.PlanText)
}

func TestConcurrentFirstPollsCreateOneRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.engine.set(func(f *fakeEngine) { f.stdout = markedLog })

	var wg sync.WaitGroup
	results := make([]Run, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.svc.Poll(ctx, "r1", 894, false)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, StatusReady, results[i].Status)
	}

	var count int64
	require.NoError(t, h.store.orm.Model(&runModel{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	history, err := h.store.History(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestApproveCallsPlanGateOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	readyRun(t, h)

	run, err := h.svc.Approve(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, run.Status)
	assert.Equal(t, []int64{897}, h.engine.approvals)

	_, err = h.svc.Approve(ctx, "r1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, []int64{897}, h.engine.approvals)

	_, err = h.svc.Approve(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentApprovalsReachEngineOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	readyRun(t, h)
	h.engine.set(func(f *fakeEngine) { f.approveDelay = 50 * time.Millisecond })

	const callers = 4
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		approved  int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Approve(ctx, "r1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				approved++
			case errors.Is(err, ErrInvalidTransition):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, approved)
	assert.Equal(t, callers-1, conflicts)
	assert.Equal(t, []int64{897}, h.engine.approvals)

	run, err := h.store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, run.Status)
}

func TestConcurrentDestroysReachEngineOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	readyRun(t, h)
	h.engine.set(func(f *fakeEngine) { f.approveDelay = 50 * time.Millisecond })

	const callers = 4
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		destroyed int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Destroy(ctx, "r1")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				destroyed++
				return
			}
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, destroyed)
	assert.Equal(t, []int64{899}, h.engine.approvals)
}

func TestApproveAgainAfterEngineRejection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	readyRun(t, h)
	h.engine.set(func(f *fakeEngine) { f.approveStatus = 500 })

	_, err := h.svc.Approve(ctx, "r1")
	var rejected *ApprovalRejectedError
	require.ErrorAs(t, err, &rejected)

	h.engine.set(func(f *fakeEngine) { f.approveStatus = 204 })
	run, err := h.svc.Approve(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, run.Status)
	assert.Equal(t, []int64{897, 897}, h.engine.approvals)
}

func TestReportOutputsAfterDestroyRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	readyRun(t, h)
	_, err := h.svc.Destroy(ctx, "r1")
	require.NoError(t, err)

	_, err = h.svc.ReportOutputs(ctx, "r1", map[string]json.RawMessage{"vpc_id": json.RawMessage(`"vpc-1"`)})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	outputs, err := h.store.ListOutputs(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, outputs)
}

func TestApprovePendingRunRejectedWithoutEngineCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.svc.Poll(ctx, "r1", 894, false)
	require.NoError(t, err)

	_, err = h.svc.Approve(ctx, "r1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Empty(t, h.engine.approvals)
}

func TestApproveRejectedByEngine(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	readyRun(t, h)
	h.engine.set(func(f *fakeEngine) {
		f.approveStatus = 409
		f.approveBody = `{"detail":"already approved"}`
	})

	_, err := h.svc.Approve(ctx, "r1")
	var rejected *ApprovalRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 409, rejected.StatusCode)
	assert.Equal(t, int64(897), rejected.GateID)

	run, err := h.store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, run.Status)
}

func TestApproveTransportErrorKeepsState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	readyRun(t, h)
	h.engine.set(func(f *fakeEngine) {
		f.approveErr = &awx.TransientError{Op: "POST approve", Err: errors.New("timeout")}
	})

	_, err := h.svc.Approve(ctx, "r1")
	assert.True(t, awx.IsTransient(err))

	run, err := h.store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, run.Status)
}

func TestDestroyDeletesOutputsEvenWhenEngineFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	readyRun(t, h)
	_, err := h.svc.Approve(ctx, "r1")
	require.NoError(t, err)

	_, err = h.svc.ReportOutputs(ctx, "r1", map[string]json.RawMessage{"vpc_id": json.RawMessage(`"vpc-1"`)})
	require.NoError(t, err)

	h.engine.set(func(f *fakeEngine) { f.approveStatus = 500 })
	_, err = h.svc.Destroy(ctx, "r1")
	var rejected *ApprovalRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, int64(899), rejected.GateID)

	outputs, err := h.store.ListOutputs(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, outputs)

	run, err := h.store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, run.Status)

	h.engine.set(func(f *fakeEngine) { f.approveStatus = 202 })
	run, err = h.svc.Destroy(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusDestroyed, run.Status)
	assert.Equal(t, []int64{897, 899, 899}, h.engine.approvals)
}

func TestDestroyToleratesQuirkStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	readyRun(t, h)
	h.engine.set(func(f *fakeEngine) { f.approveStatus = 409 })

	run, err := h.svc.Destroy(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusDestroyed, run.Status)
	assert.Equal(t, []int64{899}, h.engine.approvals)

	_, err = h.svc.Destroy(ctx, "r1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDestroyQuirkIsPerGateKind(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) {
		o.Quirks = map[gates.Kind][]int{gates.PlanApply: {409}}
	})
	readyRun(t, h)
	h.engine.set(func(f *fakeEngine) { f.approveStatus = 409 })

	_, err := h.svc.Destroy(ctx, "r1")
	var rejected *ApprovalRejectedError
	require.ErrorAs(t, err, &rejected)
}

func TestPlanCallback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.PlanCallback(ctx, "r1", 894, "   ")
	require.ErrorIs(t, err, ErrInvalidInput)

	run, err := h.svc.PlanCallback(ctx, "r1", 894, "pushed plan")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, run.Status)
	assert.Equal(t, "pushed plan", run.PlanText)

	run, err = h.svc.PlanCallback(ctx, "r1", 894, "replacement")
	require.NoError(t, err)
	assert.Equal(t, "replacement", run.PlanText)

	_, err = h.svc.Approve(ctx, "r1")
	require.NoError(t, err)

	_, err = h.svc.PlanCallback(ctx, "r1", 894, "too late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestLaunch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.engine.set(func(f *fakeEngine) { f.launchID = 894 })

	_, err := h.svc.Launch(ctx, LaunchRequest{Region: "eu-west-1"})
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Empty(t, h.engine.launches)

	req := LaunchRequest{
		RunID:       "r1",
		Region:      "eu-west-1",
		CorePriCIDR: "10.0.0.0/16",
		EdgePriCIDR: "10.1.0.0/16",
	}
	run, err := h.svc.Launch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "r1", run.RunID)
	assert.Equal(t, int64(894), run.JobID)
	assert.Equal(t, StatusPending, run.Status)
	require.Len(t, h.engine.launches, 1)

	jobVars := h.engine.launches[0]["job_vars"].([]any)
	require.Len(t, jobVars, 1)
	assert.Equal(t, "eu-west-1", jobVars[0].(map[string]any)["region"])

	_, err = h.svc.Launch(ctx, req)
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Len(t, h.engine.launches, 1)
}

func TestLaunchGeneratesRunIDAndSurfacesRejection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.engine.set(func(f *fakeEngine) { f.launchID = 1001 })

	req := LaunchRequest{Region: "eu-west-1", CorePriCIDR: "10.0.0.0/16", EdgePriCIDR: "10.1.0.0/16"}
	run, err := h.svc.Launch(ctx, req)
	require.NoError(t, err)
	assert.Len(t, run.RunID, 36)

	h.engine.set(func(f *fakeEngine) {
		f.launchErr = &awx.StatusError{Op: "POST launch", StatusCode: 400, Body: "bad vars"}
	})
	_, err = h.svc.Launch(ctx, req)
	var statusErr *awx.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 400, statusErr.StatusCode)
}

func TestReportAndDeleteOutputsNotify(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.svc.Poll(ctx, "r1", 894, false)
	require.NoError(t, err)

	_, err = h.svc.ReportOutputs(ctx, "r1", map[string]json.RawMessage{"vpc_id": json.RawMessage(`"vpc-1"`)})
	require.NoError(t, err)
	require.NoError(t, h.svc.DeleteOutput(ctx, "r1", "vpc_id"))

	var outputEvents []Event
	for _, e := range h.notifier.events {
		if e.Type == EventOutput {
			outputEvents = append(outputEvents, e)
		}
	}
	require.Len(t, outputEvents, 2)
	assert.Equal(t, "vpc_id", outputEvents[0].OutputKey)
	assert.JSONEq(t, `"vpc-1"`, string(outputEvents[0].OutputValue))
	assert.True(t, outputEvents[1].Deleted)
}

func TestNotifierFailureDoesNotFailPoll(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Notifier = NotifierFunc(func(context.Context, Event) error { return errors.New("bus down") })
	})
	h.engine.set(func(f *fakeEngine) { f.stdout = markedLog })

	run, err := h.svc.Poll(context.Background(), "r1", 894, false)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, run.Status)
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	store := newTestStore(t)
	_, err := NewService(nil, Options{})
	assert.Error(t, err)
	_, err = NewService(store, Options{})
	assert.Error(t, err)
	_, err = NewService(store, Options{Resolver: &fakeEngine{}, Engine: &fakeEngine{}})
	assert.Error(t, err)
}
