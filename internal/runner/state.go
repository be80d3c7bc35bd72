package runner

import (
	"time"

	"github.com/castscribe/internal/backend"
	"github.com/castscribe/internal/pipeline"
)

// Phase of the run loop.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRunning    Phase = "running"
	PhaseStopping   Phase = "stopping"
	PhaseCancelling Phase = "cancelling"
)

// RunState is the published view of the run loop. Only the loop goroutine
// builds new values; everyone else reads immutable copies.
type RunState struct {
	IsRunning bool   `json:"is_running"`
	Phase     Phase  `json:"phase"`
	RunID     string `json:"run_id,omitempty"`
	Limit     int    `json:"limit"`

	CurrentJobID       string         `json:"current_job_id,omitempty"`
	CurrentDisplayName string         `json:"current_display_name,omitempty"`
	CurrentStage       pipeline.Stage `json:"current_stage,omitempty"`
	CurrentChunkIndex  int            `json:"current_chunk_index"`
	TotalChunks        int            `json:"total_chunks"`

	Backend         backend.Kind   `json:"backend,omitempty"`
	DeviceRequested backend.Device `json:"device_requested,omitempty"`
	DeviceActual    backend.Device `json:"device_actual,omitempty"`

	ProcessedCount int `json:"processed_count"`
	ErrorCount     int `json:"error_count"`
	CancelledCount int `json:"cancelled_count"`

	RunStartedAt        *time.Time `json:"run_started_at,omitempty"`
	CurrentJobStartedAt *time.Time `json:"current_job_started_at,omitempty"`
}

// clearCurrent resets the per-job fields and keeps session counters.
func (s *RunState) clearCurrent() {
	s.CurrentJobID = ""
	s.CurrentDisplayName = ""
	s.CurrentStage = ""
	s.CurrentChunkIndex = 0
	s.TotalChunks = 0
	s.DeviceRequested = ""
	s.DeviceActual = ""
	s.CurrentJobStartedAt = nil
}

// StartResult is the outcome of Start.
type StartResult string

const (
	StartStarted        StartResult = "started"
	StartAlreadyRunning StartResult = "already_running"
	StartNoPending      StartResult = "no_pending"
)

// CancelResult is the outcome of CancelJob.
type CancelResult string

const (
	CancelCancelled CancelResult = "cancelled"
	CancelNotFound  CancelResult = "not_found"
)

// Why a run loop exited.
const (
	StopDrained  = "drained"
	StopLimit    = "limit_reached"
	StopStopped  = "stopped"
	StopAborted  = "aborted"
	StopBlocked  = "blocked"
	StopShutdown = "shutdown"
)

// RunSummary is one finished run session as stored in the history.
type RunSummary struct {
	ID             string    `json:"id"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Limit          int       `json:"limit"`
	Backend        string    `json:"backend"`
	ProcessedCount int       `json:"processed_count"`
	ErrorCount     int       `json:"error_count"`
	CancelledCount int       `json:"cancelled_count"`
	StopReason     string    `json:"stop_reason"`
}
