package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castscribe/internal/backend"
	"github.com/castscribe/internal/pipeline"
	"github.com/castscribe/internal/queue"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type staticResolver struct {
	cands []backend.Candidate
	err   error
}

func (r staticResolver) Resolve(context.Context, string) ([]backend.Candidate, error) {
	return r.cands, r.err
}

var whisperCPU = staticResolver{cands: []backend.Candidate{{Kind: backend.KindWhisper, Device: backend.DeviceCPU}}}

// fakeExecutor runs a per-title behaviour; titles without one complete at once.
type fakeExecutor struct {
	mu        sync.Mutex
	seen      []string
	behaviour map[string]func(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

func (f *fakeExecutor) on(title string, fn func(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)) {
	if f.behaviour == nil {
		f.behaviour = map[string]func(context.Context, pipeline.Request) (*pipeline.Result, error){}
	}
	f.behaviour[title] = fn
}

func (f *fakeExecutor) Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	f.mu.Lock()
	f.seen = append(f.seen, req.Job.DisplayName)
	fn := f.behaviour[req.Job.DisplayName]
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &pipeline.Result{ArtifactPath: "/out/" + req.Job.DisplayName + ".md", ProcessingTime: time.Second}, nil
}

func (f *fakeExecutor) titles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

// untilCancelled polls the token like the pipeline does between chunks.
func untilCancelled(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
	for !req.Token.Cancelled() {
		req.Reporter.Report(pipeline.Progress{Stage: pipeline.StageTranscribing, ChunkIndex: 1, TotalChunks: 4})
		time.Sleep(tick)
	}
	return nil, pipeline.ErrCancelled
}

// untilReleased blocks until release is closed.
func untilReleased(release <-chan struct{}) func(context.Context, pipeline.Request) (*pipeline.Result, error) {
	return func(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
		<-release
		return &pipeline.Result{ArtifactPath: "/out/" + req.Job.DisplayName + ".md"}, nil
	}
}

type recorder struct {
	mu   sync.Mutex
	runs []RunSummary
}

func (r *recorder) RecordRun(_ context.Context, run RunSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *recorder) last(t *testing.T) RunSummary {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.runs)
	return r.runs[len(r.runs)-1]
}

type notification struct{ kind, title, body string }

type notifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *notifier) add(kind, title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{kind, title, body})
	return nil
}

func (n *notifier) NotifySuccess(_ context.Context, title, body string) error {
	return n.add("success", title, body)
}

func (n *notifier) NotifyError(_ context.Context, title, body string) error {
	return n.add("failure", title, body)
}

func (n *notifier) NotifyInfo(_ context.Context, title, body string) error {
	return n.add("info", title, body)
}

func (n *notifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.sent {
		out = append(out, s.kind)
	}
	return out
}

type fixture struct {
	store *queue.Store
	exec  *fakeExecutor
	rec   *recorder
	note  *notifier
	ctrl  *Controller
	ids   map[string]string
}

func newFixture(t *testing.T, titles ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := queue.NewStore(ctx, nil)
	require.NoError(t, err)

	f := &fixture{
		store: store,
		exec:  &fakeExecutor{},
		rec:   &recorder{},
		note:  &notifier{},
		ids:   map[string]string{},
	}
	for _, title := range titles {
		job, created, err := store.Enqueue(ctx, queue.EnqueueRequest{SourceRef: "/audio/" + title + ".mp3", DisplayName: title})
		require.NoError(t, err)
		require.True(t, created)
		f.ids[title] = job.ID
	}
	f.ctrl = New(Config{MaxRetries: 2, HeartbeatInterval: 10 * time.Millisecond}, store, f.exec, whisperCPU,
		WithRecorder(f.rec), WithNotifier(f.note))
	t.Cleanup(func() {
		f.ctrl.Abort()
		_ = f.ctrl.Wait(context.Background())
	})
	return f
}

func (f *fixture) status(t *testing.T, title string) queue.Status {
	t.Helper()
	job, err := f.store.Get(f.ids[title])
	require.NoError(t, err)
	return job.Status
}

func (f *fixture) start(t *testing.T, limit int) {
	t.Helper()
	res, err := f.ctrl.Start(context.Background(), limit, "")
	require.NoError(t, err)
	require.Equal(t, StartStarted, res)
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.ctrl.Wait(ctx))
}

func (f *fixture) waitCurrent(t *testing.T, title string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.ctrl.Status().CurrentJobID == f.ids[title]
	}, waitFor, tick)
}

func TestStart_LimitProcessesInQueueOrder(t *testing.T) {
	f := newFixture(t, "A", "B", "C")

	f.start(t, 2)
	f.wait(t)

	assert.Equal(t, []string{"A", "B"}, f.exec.titles())
	assert.Equal(t, queue.StatusCompleted, f.status(t, "A"))
	assert.Equal(t, queue.StatusCompleted, f.status(t, "B"))
	assert.Equal(t, queue.StatusPending, f.status(t, "C"))

	st := f.ctrl.Status()
	assert.False(t, st.IsRunning)
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Equal(t, 2, st.ProcessedCount)
	assert.Empty(t, st.CurrentJobID)

	job, err := f.store.Get(f.ids["A"])
	require.NoError(t, err)
	assert.Equal(t, "/out/A.md", job.ResultPath)
	assert.Equal(t, 1, job.Attempts)

	run := f.rec.last(t)
	assert.Equal(t, StopLimit, run.StopReason)
	assert.Equal(t, 2, run.ProcessedCount)
	assert.Equal(t, "auto", run.Backend)
	assert.Equal(t, []string{"success", "success", "info"}, f.note.kinds())

	summary := f.store.Status()
	assert.InDelta(t, 1, summary.AvgProcessingSeconds, 1e-9)
}

func TestStart_DrainsWithoutLimit(t *testing.T) {
	f := newFixture(t, "A", "B")
	f.start(t, 0)
	f.wait(t)

	assert.Equal(t, []string{"A", "B"}, f.exec.titles())
	assert.Equal(t, StopDrained, f.rec.last(t).StopReason)
}

func TestStart_AlreadyRunningAndNoPending(t *testing.T) {
	f := newFixture(t, "A")
	release := make(chan struct{})
	f.exec.on("A", untilReleased(release))

	f.start(t, 0)
	f.waitCurrent(t, "A")

	res, err := f.ctrl.Start(context.Background(), 0, "")
	require.NoError(t, err)
	assert.Equal(t, StartAlreadyRunning, res)
	assert.True(t, f.ctrl.Status().IsRunning)

	close(release)
	f.wait(t)

	res, err = f.ctrl.Start(context.Background(), 0, "")
	require.NoError(t, err)
	assert.Equal(t, StartNoPending, res)
	assert.False(t, f.ctrl.Status().IsRunning)
}

func TestStart_NoViableBackendTouchesNothing(t *testing.T) {
	f := newFixture(t, "A")
	f.ctrl.backends = staticResolver{err: backend.ErrNoViableBackend}

	_, err := f.ctrl.Start(context.Background(), 0, "")
	require.ErrorIs(t, err, backend.ErrNoViableBackend)
	assert.Equal(t, queue.StatusPending, f.status(t, "A"))
	assert.Empty(t, f.exec.titles())

	f.ctrl.backends = whisperCPU
	f.start(t, 0)
	f.wait(t)
	assert.Equal(t, queue.StatusCompleted, f.status(t, "A"))
}

func TestCancelJob_CurrentJobMovesOn(t *testing.T) {
	f := newFixture(t, "A", "B")
	f.exec.on("A", untilCancelled)

	f.start(t, 0)
	f.waitCurrent(t, "A")

	res, err := f.ctrl.CancelJob(context.Background(), f.ids["A"])
	require.NoError(t, err)
	assert.Equal(t, CancelCancelled, res)
	f.wait(t)

	assert.Equal(t, queue.StatusCancelled, f.status(t, "A"))
	assert.Equal(t, queue.StatusCompleted, f.status(t, "B"))
	st := f.ctrl.Status()
	assert.Equal(t, 1, st.CancelledCount)
	assert.Equal(t, 1, st.ProcessedCount)
}

func TestCancelJob_PendingAndUnknown(t *testing.T) {
	f := newFixture(t, "A", "B")
	release := make(chan struct{})
	f.exec.on("A", untilReleased(release))

	f.start(t, 0)
	f.waitCurrent(t, "A")

	res, err := f.ctrl.CancelJob(context.Background(), f.ids["B"])
	require.NoError(t, err)
	assert.Equal(t, CancelCancelled, res)
	assert.Equal(t, queue.StatusCancelled, f.status(t, "B"))

	res, err = f.ctrl.CancelJob(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, CancelNotFound, res)

	close(release)
	f.wait(t)
	assert.Equal(t, []string{"A"}, f.exec.titles())

	_, err = f.ctrl.CancelJob(context.Background(), f.ids["A"])
	assert.ErrorIs(t, err, queue.ErrInvalidTransition)
}

func TestCancelledJobsDoNotCountTowardLimit(t *testing.T) {
	f := newFixture(t, "A", "B", "C")
	f.exec.on("A", func(context.Context, pipeline.Request) (*pipeline.Result, error) {
		return nil, pipeline.ErrCancelled
	})

	f.start(t, 1)
	f.wait(t)

	assert.Equal(t, queue.StatusCancelled, f.status(t, "A"))
	assert.Equal(t, queue.StatusCompleted, f.status(t, "B"))
	assert.Equal(t, queue.StatusPending, f.status(t, "C"))
}

func TestStop_FinishesCurrentJob(t *testing.T) {
	f := newFixture(t, "A", "B")
	release := make(chan struct{})
	f.exec.on("A", untilReleased(release))

	f.start(t, 0)
	f.waitCurrent(t, "A")

	assert.True(t, f.ctrl.Stop())
	assert.Equal(t, PhaseStopping, f.ctrl.Status().Phase)

	close(release)
	f.wait(t)

	assert.Equal(t, queue.StatusCompleted, f.status(t, "A"))
	assert.Equal(t, queue.StatusPending, f.status(t, "B"))
	assert.Equal(t, StopStopped, f.rec.last(t).StopReason)
	assert.False(t, f.ctrl.Stop())
}

func TestAbort_CancelsCurrentJob(t *testing.T) {
	f := newFixture(t, "A", "B")
	f.exec.on("A", untilCancelled)

	f.start(t, 0)
	f.waitCurrent(t, "A")

	assert.True(t, f.ctrl.Abort())
	f.wait(t)

	assert.Equal(t, queue.StatusCancelled, f.status(t, "A"))
	assert.Equal(t, queue.StatusPending, f.status(t, "B"))
	assert.Equal(t, StopAborted, f.rec.last(t).StopReason)
	assert.Equal(t, PhaseIdle, f.ctrl.Status().Phase)
}

func TestFailure_ReviewThenFailed(t *testing.T) {
	f := newFixture(t, "A")
	f.exec.on("A", func(context.Context, pipeline.Request) (*pipeline.Result, error) {
		return nil, &pipeline.StageError{Stage: pipeline.StageTranscribing, Err: errors.New("model crashed")}
	})

	f.start(t, 0)
	f.wait(t)

	job, err := f.store.Get(f.ids["A"])
	require.NoError(t, err)
	assert.Equal(t, queue.StatusReview, job.Status)
	assert.Equal(t, "transcribing failed: model crashed", job.ErrorMessage)
	assert.Equal(t, 1, f.ctrl.Status().ErrorCount)
	assert.Contains(t, f.note.kinds(), "failure")

	n, err := f.store.RetryFailed(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	f.start(t, 0)
	f.wait(t)

	job, err = f.store.Get(f.ids["A"])
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)
}

func TestProgressIsPublishedAndHeartbeats(t *testing.T) {
	f := newFixture(t, "A")
	release := make(chan struct{})
	f.exec.on("A", func(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
		req.Reporter.Report(pipeline.Progress{
			Stage:           pipeline.StageTranscribing,
			ChunkIndex:      2,
			TotalChunks:     3,
			Backend:         backend.KindNemo,
			DeviceRequested: backend.DeviceCUDA,
			DeviceActual:    backend.DeviceCPU,
		})
		<-release
		return &pipeline.Result{}, nil
	})

	f.start(t, 0)
	require.Eventually(t, func() bool {
		return f.ctrl.Status().CurrentStage == pipeline.StageTranscribing
	}, waitFor, tick)

	st := f.ctrl.Status()
	assert.Equal(t, f.ids["A"], st.CurrentJobID)
	assert.Equal(t, "A", st.CurrentDisplayName)
	assert.Equal(t, 2, st.CurrentChunkIndex)
	assert.Equal(t, 3, st.TotalChunks)
	assert.Equal(t, backend.DeviceCUDA, st.DeviceRequested)
	assert.Equal(t, backend.DeviceCPU, st.DeviceActual)
	assert.NotNil(t, st.CurrentJobStartedAt)

	first, err := f.store.Get(f.ids["A"])
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		job, err := f.store.Get(f.ids["A"])
		return err == nil && job.LastHeartbeatAt.After(first.LastHeartbeatAt)
	}, waitFor, tick)

	close(release)
	f.wait(t)
}

func TestStaleProcessingJobBlocksTheLoop(t *testing.T) {
	f := newFixture(t, "stale", "A")
	_, err := f.store.Transition(context.Background(), f.ids["stale"], []queue.Status{queue.StatusPending}, queue.StatusProcessing)
	require.NoError(t, err)

	f.start(t, 0)
	f.wait(t)

	assert.Empty(t, f.exec.titles())
	assert.Equal(t, queue.StatusPending, f.status(t, "A"))
	assert.Equal(t, StopBlocked, f.rec.last(t).StopReason)
}

func TestShutdown_InterruptsAndRequeues(t *testing.T) {
	f := newFixture(t, "A")
	f.exec.on("A", func(ctx context.Context, _ pipeline.Request) (*pipeline.Result, error) {
		<-ctx.Done()
		return nil, &pipeline.StageError{Stage: pipeline.StageTranscribing, Err: ctx.Err()}
	})

	f.start(t, 0)
	f.waitCurrent(t, "A")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, f.ctrl.Shutdown(ctx))

	job, err := f.store.Get(f.ids["A"])
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Empty(t, job.ErrorMessage)
	assert.Equal(t, StopShutdown, f.rec.last(t).StopReason)
}
