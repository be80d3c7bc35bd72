package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/castscribe/pkg/logger"
)

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a job is not in any of the expected statuses.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrProcessingBusy is returned when a second job would enter processing.
	ErrProcessingBusy = errors.New("another job is already processing")
	// ErrEmptySource is returned when enqueueing without a source reference.
	ErrEmptySource = errors.New("source_ref is required")
)

const maxProcessingSamples = 100

// Persister stores queue state so it survives restarts.
type Persister interface {
	LoadJobs(ctx context.Context) ([]*Job, error)
	// UpsertJobs writes all jobs atomically.
	UpsertJobs(ctx context.Context, jobs []*Job) error
	LoadProcessingTimes(ctx context.Context, limit int) ([]float64, error)
	RecordProcessingTime(ctx context.Context, jobID string, seconds float64) error
}

// Store owns every job record. Callers only ever see copies.
type Store struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	persister Persister

	processingTimes []float64
	defaultJobTime  time.Duration

	now   func() time.Time
	newID func() string

	syncGroup singleflight.Group
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// WithDefaultJobTime sets the per-job estimate used before any job has finished.
func WithDefaultJobTime(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.defaultJobTime = d
		}
	}
}

// NewStore creates a store and hydrates it from p. A nil persister keeps state in memory only.
// Jobs left in processing by a previous process stay there until ResetStuck is called.
func NewStore(ctx context.Context, p Persister, opts ...Option) (*Store, error) {
	s := &Store{
		jobs:           make(map[string]*Job),
		persister:      p,
		defaultJobTime: 6 * time.Minute,
		now:            func() time.Time { return time.Now().UTC() },
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.hydrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) hydrate(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	loaded, err := s.persister.LoadJobs(ctx)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	times, err := s.persister.LoadProcessingTimes(ctx, maxProcessingSamples)
	if err != nil {
		return fmt.Errorf("load processing times: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, raw := range loaded {
		if raw == nil || raw.ID == "" {
			continue
		}
		s.jobs[raw.ID] = cloneJob(raw)
	}
	s.processingTimes = times

	// Stored positions may have gaps after a crash.
	m := s.begin()
	m.renumber()
	if err := m.commit(ctx); err != nil {
		return fmt.Errorf("normalize positions: %w", err)
	}

	logger.Infof("📂 Loaded %d jobs from store", len(s.jobs))
	return nil
}

// Enqueue adds a pending job at the back of the line. When the same audio
// (by hash or source ref) is already tracked and not cancelled, the existing job
// is returned with created=false.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, bool, error) {
	req.SourceRef = strings.TrimSpace(req.SourceRef)
	if req.SourceRef == "" {
		return nil, false, ErrEmptySource
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.findDuplicateLocked(req); existing != nil {
		logger.Debugf("📥 Already queued: %s (job %s, %s)", req.SourceRef, existing.ID, existing.Status)
		return cloneJob(existing), false, nil
	}

	now := s.now()
	job := &Job{
		ID:             s.newID(),
		SourceRef:      req.SourceRef,
		AudioHash:      req.AudioHash,
		DisplayName:    req.DisplayName,
		CollectionName: req.CollectionName,
		FeedURL:        req.FeedURL,
		Status:         StatusPending,
		AddedAt:        now,
		UpdatedAt:      now,
	}

	m := s.begin()
	job.QueuePosition = m.maxPendingPosition() + 1
	m.put(job)
	m.renumber()
	if err := m.commit(ctx); err != nil {
		return nil, false, err
	}

	logger.Infof("📥 Job queued: %s (%s) at position %d", job.ID, job.DisplayName, job.QueuePosition)
	return cloneJob(s.jobs[job.ID]), true, nil
}

func (s *Store) findDuplicateLocked(req EnqueueRequest) *Job {
	for _, job := range s.jobs {
		if job.Status == StatusCancelled {
			continue
		}
		if req.AudioHash != "" && job.AudioHash == req.AudioHash {
			return job
		}
		if job.SourceRef == req.SourceRef {
			return job
		}
	}
	return nil
}

// Get returns a copy of the job.
func (s *Store) Get(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

// List returns copies ordered processing first, then pending by position, then
// everything else by AddedAt. An empty filter returns all jobs.
func (s *Store) List(filter ...Status) []*Job {
	want := make(map[Status]bool, len(filter))
	for _, st := range filter {
		want[st] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ret := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if len(want) > 0 && !want[job.Status] {
			continue
		}
		ret = append(ret, cloneJob(job))
	}
	sortJobs(ret)
	return ret
}

func statusRank(st Status) int {
	switch st {
	case StatusProcessing:
		return 0
	case StatusPending:
		return 1
	default:
		return 2
	}
}

func sortJobs(jobs []*Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		if ra, rb := statusRank(a.Status), statusRank(b.Status); ra != rb {
			return ra < rb
		}
		if a.Status == StatusPending && a.QueuePosition != b.QueuePosition {
			return a.QueuePosition < b.QueuePosition
		}
		if !a.AddedAt.Equal(b.AddedAt) {
			return a.AddedAt.Before(b.AddedAt)
		}
		return a.ID < b.ID
	})
}

// NextPending returns the head of the pending line.
func (s *Store) NextPending() (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var head *Job
	for _, job := range s.jobs {
		if job.Status != StatusPending {
			continue
		}
		if head == nil || job.QueuePosition < head.QueuePosition {
			head = job
		}
	}
	if head == nil {
		return nil, false
	}
	return cloneJob(head), true
}

// CountPending returns the number of pending jobs.
func (s *Store) CountPending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, job := range s.jobs {
		if job.Status == StatusPending {
			n++
		}
	}
	return n
}

// TransitionOption adjusts the job as part of a transition.
type TransitionOption func(*Job)

// WithError records a failure reason.
func WithError(msg string) TransitionOption {
	return func(j *Job) { j.ErrorMessage = msg }
}

// WithResult records the artifact produced by a completed job.
func WithResult(path string) TransitionOption {
	return func(j *Job) { j.ResultPath = path }
}

// Transition moves a job to `to` if its current status is one of `from`.
// The check and the update happen under one lock, so concurrent callers cannot
// both win.
func (s *Store) Transition(ctx context.Context, id string, from []Status, to Status, opts ...TransitionOption) (*Job, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !containsStatus(from, current.Status) {
		return nil, fmt.Errorf("%w: job %s is %s, want one of %v", ErrInvalidTransition, id, current.Status, from)
	}
	if to == StatusProcessing {
		for otherID, other := range s.jobs {
			if otherID != id && other.Status == StatusProcessing {
				return nil, fmt.Errorf("%w: %s", ErrProcessingBusy, otherID)
			}
		}
	}

	m := s.begin()
	job := m.edit(id)
	m.moveTo(job, to)
	for _, opt := range opts {
		opt(job)
	}
	m.renumber()
	if err := m.commit(ctx); err != nil {
		return nil, err
	}

	logger.Debugf("🔀 Job %s: %s → %s", id, current.Status, to)
	return cloneJob(s.jobs[id]), nil
}

func containsStatus(set []Status, st Status) bool {
	for _, s := range set {
		if s == st {
			return true
		}
	}
	return false
}

// Heartbeat refreshes the liveness timestamp of a processing job.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if current.Status != StatusProcessing {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, current.Status)
	}

	m := s.begin()
	job := m.edit(id)
	job.LastHeartbeatAt = s.now()
	job.UpdatedAt = job.LastHeartbeatAt
	return m.commit(ctx)
}

// ResetStuck returns processing jobs whose heartbeat is older than timeout to
// the back of the pending line. Fresh jobs are never touched.
func (s *Store) ResetStuck(ctx context.Context, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-timeout)
	var stuck []*Job
	for _, job := range s.jobs {
		if job.Status != StatusProcessing {
			continue
		}
		if lastSeen(job).Before(cutoff) {
			stuck = append(stuck, job)
		}
	}
	if len(stuck) == 0 {
		return 0, nil
	}
	sort.Slice(stuck, func(i, j int) bool {
		return lastSeen(stuck[i]).Before(lastSeen(stuck[j]))
	})

	m := s.begin()
	for _, old := range stuck {
		job := m.edit(old.ID)
		m.moveTo(job, StatusPending)
		logger.Warnf("🧹 Reset stuck job %s (%s), last heartbeat %s", job.ID, job.DisplayName, lastSeen(old).Format(time.RFC3339))
	}
	m.renumber()
	if err := m.commit(ctx); err != nil {
		return 0, err
	}
	return len(stuck), nil
}

func lastSeen(job *Job) time.Time {
	switch {
	case !job.LastHeartbeatAt.IsZero():
		return job.LastHeartbeatAt
	case !job.StartedAt.IsZero():
		return job.StartedAt
	default:
		return job.UpdatedAt
	}
}

// RetryFailed moves every failed or review job to the back of the pending line,
// oldest first. Attempts are preserved.
func (s *Store) RetryFailed(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var retry []*Job
	for _, job := range s.jobs {
		if job.Status == StatusFailed || job.Status == StatusReview {
			retry = append(retry, job)
		}
	}
	if len(retry) == 0 {
		return 0, nil
	}
	sortJobs(retry)

	m := s.begin()
	for _, old := range retry {
		m.moveTo(m.edit(old.ID), StatusPending)
	}
	m.renumber()
	if err := m.commit(ctx); err != nil {
		return 0, err
	}

	logger.Infof("🔁 Re-queued %d failed/review jobs", len(retry))
	return len(retry), nil
}

// RecordProcessingTime feeds the ETA estimate.
func (s *Store) RecordProcessingTime(ctx context.Context, id string, d time.Duration) error {
	seconds := d.Seconds()
	if seconds <= 0 {
		return nil
	}

	s.mu.Lock()
	s.processingTimes = append(s.processingTimes, seconds)
	if len(s.processingTimes) > maxProcessingSamples {
		s.processingTimes = s.processingTimes[len(s.processingTimes)-maxProcessingSamples:]
	}
	s.mu.Unlock()

	if s.persister == nil {
		return nil
	}
	return s.persister.RecordProcessingTime(ctx, id, seconds)
}

// Status summarizes the queue for pollers.
func (s *Store) Status() Summary {
	jobs := s.List()

	s.mu.RLock()
	avg := s.defaultJobTime.Seconds()
	if n := len(s.processingTimes); n > 0 {
		var sum float64
		for _, t := range s.processingTimes {
			sum += t
		}
		avg = sum / float64(n)
	}
	s.mu.RUnlock()

	counts := make(map[Status]int, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}
	for _, job := range jobs {
		counts[job.Status]++
	}

	return Summary{
		Total:                     len(jobs),
		ByStatus:                  counts,
		EstimatedRemainingSeconds: avg * float64(counts[StatusPending]),
		AvgProcessingSeconds:      avg,
		Jobs:                      jobs,
	}
}

// mutation stages copies of changed jobs so nothing becomes visible until
// the persister accepted them. Callers must hold s.mu.
type mutation struct {
	s       *Store
	changed map[string]*Job
}

func (s *Store) begin() *mutation {
	return &mutation{s: s, changed: make(map[string]*Job)}
}

func (m *mutation) view(fn func(*Job)) {
	for id, job := range m.s.jobs {
		if c, ok := m.changed[id]; ok {
			job = c
		}
		fn(job)
	}
	for id, job := range m.changed {
		if _, ok := m.s.jobs[id]; !ok {
			fn(job)
		}
	}
}

func (m *mutation) put(job *Job) {
	m.changed[job.ID] = job
}

func (m *mutation) edit(id string) *Job {
	if c, ok := m.changed[id]; ok {
		return c
	}
	c := cloneJob(m.s.jobs[id])
	m.changed[id] = c
	return c
}

func (m *mutation) maxPendingPosition() int {
	maxPos := 0
	m.view(func(j *Job) {
		if j.Status == StatusPending && j.QueuePosition > maxPos {
			maxPos = j.QueuePosition
		}
	})
	return maxPos
}

// moveTo applies the bookkeeping attached to entering a status.
func (m *mutation) moveTo(job *Job, to Status) {
	now := m.s.now()
	if to == StatusPending && job.Status != StatusPending {
		job.QueuePosition = m.maxPendingPosition() + 1
		job.ErrorMessage = ""
		job.CompletedAt = time.Time{}
	}
	switch to {
	case StatusProcessing:
		job.Attempts++
		job.StartedAt = now
		job.LastHeartbeatAt = now
		job.CompletedAt = time.Time{}
		job.ErrorMessage = ""
	case StatusCompleted:
		job.ErrorMessage = ""
		job.CompletedAt = now
	case StatusFailed, StatusReview, StatusCancelled:
		job.CompletedAt = now
	}
	job.Status = to
	job.UpdatedAt = now
}

// renumber assigns dense 1..n positions to pending jobs, keeping their order.
func (m *mutation) renumber() {
	var pending []*Job
	m.view(func(j *Job) {
		if j.Status == StatusPending {
			pending = append(pending, j)
		} else if j.QueuePosition != 0 {
			m.edit(j.ID).QueuePosition = 0
		}
	})
	sort.SliceStable(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if a.QueuePosition != b.QueuePosition {
			return a.QueuePosition < b.QueuePosition
		}
		if !a.AddedAt.Equal(b.AddedAt) {
			return a.AddedAt.Before(b.AddedAt)
		}
		return a.ID < b.ID
	})
	for i, j := range pending {
		if j.QueuePosition != i+1 {
			m.edit(j.ID).QueuePosition = i + 1
		}
	}
}

func (m *mutation) commit(ctx context.Context) error {
	if len(m.changed) == 0 {
		return nil
	}
	batch := make([]*Job, 0, len(m.changed))
	for _, job := range m.changed {
		batch = append(batch, cloneJob(job))
	}
	if m.s.persister != nil {
		if err := m.s.persister.UpsertJobs(ctx, batch); err != nil {
			return fmt.Errorf("persist jobs: %w", err)
		}
	}
	for id, job := range m.changed {
		m.s.jobs[id] = job
	}
	return nil
}
