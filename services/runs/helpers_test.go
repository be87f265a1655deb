package runs

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tfgate/pkg/awx"
	"tfgate/pkg/gates"
	"tfgate/pkg/tfplan"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "runs.db") + "?_busy_timeout=5000"
	orm, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := orm.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, AutoMigrate(orm))

	store, err := NewStore(orm)
	require.NoError(t, err)
	return store
}

type fakeEngine struct {
	mu sync.Mutex

	resolution awx.Resolution
	resolveErr error
	stdout     string
	stdoutErr  error

	approveStatus int
	approveBody   string
	approveErr    error
	approveDelay  time.Duration

	launchID  int64
	launchErr error

	resolveCalls int
	stdoutCalls  int
	approvals    []int64
	launches     []map[string]any
}

func (f *fakeEngine) ResolveLogSource(_ context.Context, id int64) (awx.Resolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls++
	if f.resolveErr != nil {
		return awx.Resolution{}, f.resolveErr
	}
	res := f.resolution
	if res.JobID == 0 {
		res.JobID = id
	}
	return res, nil
}

func (f *fakeEngine) Stdout(context.Context, int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stdoutCalls++
	return f.stdout, f.stdoutErr
}

func (f *fakeEngine) Approve(_ context.Context, nodeID int64) (awx.Response, error) {
	f.mu.Lock()
	delay := f.approveDelay
	f.mu.Unlock()
	time.Sleep(delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals = append(f.approvals, nodeID)
	if f.approveErr != nil {
		return awx.Response{}, f.approveErr
	}
	code := f.approveStatus
	if code == 0 {
		code = 204
	}
	return awx.Response{StatusCode: code, Body: f.approveBody}, nil
}

func (f *fakeEngine) LaunchWorkflow(_ context.Context, _ int64, vars map[string]any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches = append(f.launches, vars)
	return f.launchID, f.launchErr
}

func (f *fakeEngine) set(fn func(*fakeEngine)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingNotifier) Notify(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingNotifier) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, e := range r.events {
		if e.Type == EventRun {
			out = append(out, e.Status)
		}
	}
	return out
}

type fakeArchive struct {
	stored map[string]string
}

func (a *fakeArchive) Store(_ context.Context, runID string, jobID int64, raw string) (string, error) {
	if a.stored == nil {
		a.stored = map[string]string{}
	}
	key := "runs/" + runID + "/log.zst"
	a.stored[key] = raw
	return key, nil
}

func (a *fakeArchive) URL(_ context.Context, key string) (string, error) {
	return "https://objects.example.com/" + key, nil
}

func newTestGates(t *testing.T) *gates.Calculator {
	t.Helper()
	calc, err := gates.NewCalculator(map[gates.Kind]int64{gates.PlanApply: 3, gates.Destroy: 5})
	require.NoError(t, err)
	return calc
}

type harness struct {
	store    *Store
	svc      *Service
	engine   *fakeEngine
	notifier *recordingNotifier
	archive  *fakeArchive
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()

	h := &harness{
		store:    newTestStore(t),
		engine:   &fakeEngine{resolution: awx.Resolution{Status: "running", Match: awx.MatchLeaf}},
		notifier: &recordingNotifier{},
		archive:  &fakeArchive{},
	}
	opts := Options{
		Resolver:           h.engine,
		Engine:             h.engine,
		Gates:              newTestGates(t),
		Extractor:          tfplan.NewExtractor(tfplan.DefaultLookback),
		Notifier:           h.notifier,
		Archive:            h.archive,
		Logger:             zerolog.Nop(),
		ExcerptLimit:       64,
		WorkflowTemplateID: 42,
		Quirks:             map[gates.Kind][]int{gates.Destroy: {409}},
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	svc, err := NewService(h.store, opts)
	require.NoError(t, err)
	h.svc = svc
	return h
}
