// Package runner owns the single scheduling loop that pulls pending jobs off
// the queue and drives each one through the pipeline.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/castscribe/internal/backend"
	"github.com/castscribe/internal/pipeline"
	"github.com/castscribe/internal/queue"
	"github.com/castscribe/pkg/logger"
)

// JobStore is the part of *queue.Store the loop needs.
type JobStore interface {
	NextPending() (*queue.Job, bool)
	CountPending() int
	Transition(ctx context.Context, id string, from []queue.Status, to queue.Status, opts ...queue.TransitionOption) (*queue.Job, error)
	Heartbeat(ctx context.Context, id string) error
	RecordProcessingTime(ctx context.Context, id string, d time.Duration) error
}

// Executor runs one job. *pipeline.Executor implements it.
type Executor interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Resolver orders backend candidates. *backend.Selector implements it.
type Resolver interface {
	Resolve(ctx context.Context, override string) ([]backend.Candidate, error)
}

// Notifier delivers best-effort job notifications.
type Notifier interface {
	NotifySuccess(ctx context.Context, title, body string) error
	NotifyError(ctx context.Context, title, body string) error
	NotifyInfo(ctx context.Context, title, body string) error
}

// RunRecorder keeps the history of run sessions.
type RunRecorder interface {
	RecordRun(ctx context.Context, run RunSummary) error
}

type Config struct {
	// MaxRetries: a failing job goes to review while attempts < MaxRetries, else failed.
	MaxRetries        int
	HeartbeatInterval time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

func WithNotifier(n Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

func WithRecorder(r RunRecorder) Option {
	return func(c *Controller) { c.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

type currentJob struct {
	id    string
	token *pipeline.CancelToken
}

// Controller runs at most one scheduling loop at a time.
type Controller struct {
	cfg      Config
	store    JobStore
	exec     Executor
	backends Resolver
	notifier Notifier
	recorder RunRecorder
	now      func() time.Time

	claim    atomic.Bool
	state    atomic.Pointer[RunState]
	current  atomic.Pointer[currentJob]
	stopReq  atomic.Bool
	abortReq atomic.Bool

	// base is cancelled only when a shutdown cannot wait for the current job.
	base       context.Context
	cancelBase context.CancelFunc

	mu   sync.Mutex
	done chan struct{}
}

func New(cfg Config, store JobStore, exec Executor, backends Resolver, opts ...Option) *Controller {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:        cfg,
		store:      store,
		exec:       exec,
		backends:   backends,
		now:        func() time.Time { return time.Now().UTC() },
		base:       base,
		cancelBase: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.state.Store(&RunState{Phase: PhaseIdle})
	return c
}

// Status returns a snapshot. It never blocks on the loop.
func (c *Controller) Status() RunState {
	st := *c.state.Load()
	if st.IsRunning {
		switch {
		case c.abortReq.Load():
			st.Phase = PhaseCancelling
		case c.stopReq.Load():
			st.Phase = PhaseStopping
		}
	}
	return st
}

// Start claims the loop and processes up to limit jobs (limit <= 0 means
// all). Backend resolution happens before any job is touched.
func (c *Controller) Start(ctx context.Context, limit int, override string) (StartResult, error) {
	if !c.claim.CompareAndSwap(false, true) {
		return StartAlreadyRunning, nil
	}

	cands, err := c.backends.Resolve(ctx, override)
	if err != nil {
		c.claim.Store(false)
		return "", err
	}
	if c.store.CountPending() == 0 {
		c.claim.Store(false)
		return StartNoPending, nil
	}

	c.stopReq.Store(false)
	c.abortReq.Store(false)

	started := c.now()
	st := &RunState{
		IsRunning:    true,
		Phase:        PhaseRunning,
		RunID:        uuid.NewString(),
		Limit:        max(limit, 0),
		RunStartedAt: &started,
	}
	if len(cands) > 0 {
		st.Backend = cands[0].Kind
	}
	c.publish(st)

	done := make(chan struct{})
	c.mu.Lock()
	c.done = done
	c.mu.Unlock()

	logger.Infof("▶️ Run %s started (limit=%d, candidates=%v)", st.RunID, st.Limit, cands)
	go c.loop(st, override, cands, done)
	return StartStarted, nil
}

// Stop lets the current job finish, then ends the loop.
func (c *Controller) Stop() bool {
	if !c.claim.Load() {
		return false
	}
	c.stopReq.Store(true)
	logger.Infof("⏸️ Stop requested, finishing current job")
	return true
}

// Abort ends the loop and cancels the in-flight job at its next chunk boundary.
func (c *Controller) Abort() bool {
	if !c.claim.Load() {
		return false
	}
	c.abortReq.Store(true)
	if cur := c.current.Load(); cur != nil {
		cur.token.Cancel()
	}
	logger.Infof("⏹️ Abort requested")
	return true
}

// CancelJob cancels a pending job immediately, or flags the processing job so
// the loop moves it to cancelled at its next boundary.
func (c *Controller) CancelJob(ctx context.Context, id string) (CancelResult, error) {
	_, err := c.store.Transition(ctx, id, []queue.Status{queue.StatusPending}, queue.StatusCancelled)
	switch {
	case err == nil:
		logger.Infof("🚫 Cancelled pending job %s", id)
		return CancelCancelled, nil
	case errors.Is(err, queue.ErrNotFound):
		return CancelNotFound, nil
	case errors.Is(err, queue.ErrInvalidTransition):
		if cur := c.current.Load(); cur != nil && cur.id == id {
			cur.token.Cancel()
			logger.Infof("🚫 Cancel requested for running job %s", id)
			return CancelCancelled, nil
		}
		return "", err
	default:
		return "", err
	}
}

// Wait blocks until the current loop, if any, has exited.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops gracefully and, if ctx expires first, interrupts the current
// job. An interrupted job goes back to pending.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.Stop()
	if err := c.Wait(ctx); err == nil {
		return nil
	}
	logger.Warnf("⚠️ Shutdown timed out, interrupting current job")
	c.cancelBase()
	return c.Wait(context.Background())
}

func (c *Controller) publish(st *RunState) {
	cp := *st
	c.state.Store(&cp)
}

func (c *Controller) loop(st *RunState, override string, cands []backend.Candidate, done chan struct{}) {
	defer close(done)
	defer c.claim.Store(false)

	ctx := c.base
	reason := StopDrained
	for {
		if ctx.Err() != nil {
			reason = StopShutdown
			break
		}
		if c.abortReq.Load() {
			reason = StopAborted
			break
		}
		if c.stopReq.Load() {
			reason = StopStopped
			break
		}
		if st.Limit > 0 && st.ProcessedCount+st.ErrorCount >= st.Limit {
			reason = StopLimit
			break
		}

		job, ok := c.store.NextPending()
		if !ok {
			break
		}
		if err := c.runJob(ctx, st, job, cands); err != nil {
			logger.Warnf("⚠️ %v", err)
			if errors.Is(err, queue.ErrProcessingBusy) {
				reason = StopBlocked
				break
			}
		}
	}

	finished := c.now()
	summary := RunSummary{
		ID:             st.RunID,
		StartedAt:      *st.RunStartedAt,
		FinishedAt:     finished,
		Limit:          st.Limit,
		Backend:        override,
		ProcessedCount: st.ProcessedCount,
		ErrorCount:     st.ErrorCount,
		CancelledCount: st.CancelledCount,
		StopReason:     reason,
	}
	if summary.Backend == "" {
		summary.Backend = "auto"
	}

	st.IsRunning = false
	st.Phase = PhaseIdle
	st.clearCurrent()
	c.publish(st)

	bg := context.WithoutCancel(ctx)
	if c.recorder != nil {
		if err := c.recorder.RecordRun(bg, summary); err != nil {
			logger.Warnf("⚠️ Failed to record run %s: %v", summary.ID, err)
		}
	}

	logger.Infof("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	logger.Infof("🏁 Run finished (%s): %d completed, %d failed, %d cancelled",
		reason, st.ProcessedCount, st.ErrorCount, st.CancelledCount)
	logger.Infof("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	if st.ProcessedCount+st.ErrorCount > 0 {
		c.notifyInfo(bg, summary)
	}
}

// runJob claims and executes one job. The returned error means the job could
// not be claimed; job failures are recorded on the job instead.
func (c *Controller) runJob(ctx context.Context, st *RunState, job *queue.Job, cands []backend.Candidate) error {
	token := pipeline.NewCancelToken()
	c.current.Store(&currentJob{id: job.ID, token: token})
	defer c.current.Store(nil)
	if c.abortReq.Load() {
		token.Cancel()
	}

	bg := context.WithoutCancel(ctx)
	claimed, err := c.store.Transition(bg, job.ID, []queue.Status{queue.StatusPending}, queue.StatusProcessing)
	if err != nil {
		return fmt.Errorf("claim %s: %w", job.ID, err)
	}

	st.CurrentJobID = claimed.ID
	st.CurrentDisplayName = claimed.DisplayName
	st.CurrentStage = ""
	jobStarted := claimed.StartedAt
	st.CurrentJobStartedAt = &jobStarted
	c.publish(st)
	logger.Infof("🔄 Processing %s (attempt %d)", claimed.DisplayName, claimed.Attempts)

	stopHeartbeat := c.heartbeat(bg, claimed.ID)
	reporter := pipeline.ReporterFunc(func(p pipeline.Progress) {
		st.CurrentStage = p.Stage
		st.CurrentChunkIndex = p.ChunkIndex
		st.TotalChunks = p.TotalChunks
		if p.Backend != "" {
			st.Backend = p.Backend
		}
		st.DeviceRequested = p.DeviceRequested
		st.DeviceActual = p.DeviceActual
		c.publish(st)
		if err := c.store.Heartbeat(bg, claimed.ID); err != nil {
			logger.Debugf("heartbeat %s: %v", claimed.ID, err)
		}
	})

	res, runErr := c.exec.Run(ctx, pipeline.Request{
		Job:        claimed,
		Candidates: cands,
		Token:      token,
		Reporter:   reporter,
	})
	stopHeartbeat()

	c.finishJob(bg, st, claimed, res, runErr, ctx.Err() != nil)
	st.clearCurrent()
	c.publish(st)
	return nil
}

func (c *Controller) finishJob(ctx context.Context, st *RunState, job *queue.Job, res *pipeline.Result, runErr error, interrupted bool) {
	processing := []queue.Status{queue.StatusProcessing}
	var err error
	switch {
	case runErr == nil:
		_, err = c.store.Transition(ctx, job.ID, processing, queue.StatusCompleted, queue.WithResult(res.ArtifactPath))
		if recErr := c.store.RecordProcessingTime(ctx, job.ID, res.ProcessingTime); recErr != nil {
			logger.Warnf("⚠️ Failed to record processing time: %v", recErr)
		}
		st.ProcessedCount++
		c.notifySuccess(ctx, job, res)

	case errors.Is(runErr, pipeline.ErrCancelled):
		_, err = c.store.Transition(ctx, job.ID, processing, queue.StatusCancelled)
		st.CancelledCount++
		logger.Infof("🚫 Job cancelled: %s", job.DisplayName)

	case interrupted:
		_, err = c.store.Transition(ctx, job.ID, processing, queue.StatusPending)
		logger.Warnf("⚠️ Job interrupted by shutdown, re-queued: %s", job.DisplayName)

	default:
		to := queue.StatusFailed
		if job.Attempts < c.cfg.MaxRetries {
			to = queue.StatusReview
		}
		_, err = c.store.Transition(ctx, job.ID, processing, to, queue.WithError(runErr.Error()))
		st.ErrorCount++
		logger.Errorf("❌ %s → %s: %v", job.DisplayName, to, runErr)
		c.notifyError(ctx, job, runErr)
	}
	if err != nil {
		logger.Errorf("❌ Failed to record outcome of %s: %v", job.ID, err)
	}
}

// heartbeat refreshes the job on a ticker until the returned func is called.
func (c *Controller) heartbeat(ctx context.Context, id string) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.store.Heartbeat(ctx, id); err != nil {
					logger.Debugf("heartbeat %s: %v", id, err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}
