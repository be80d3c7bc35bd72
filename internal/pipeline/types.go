package pipeline

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/castscribe/internal/backend"
)

// Stage is one step of the fixed job pipeline.
type Stage string

const (
	StageChunking     Stage = "chunking"
	StageTranscribing Stage = "transcribing"
	StageDiarizing    Stage = "diarizing"
	StageAligning     Stage = "aligning"
	StageEnhancing    Stage = "enhancing"
	StageSaving       Stage = "saving"
)

// Stages in execution order.
var Stages = []Stage{StageChunking, StageTranscribing, StageDiarizing, StageAligning, StageEnhancing, StageSaving}

// ErrCancelled is returned when the cancel token was observed at a boundary.
var ErrCancelled = errors.New("job cancelled")

// StageError records which stage failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// CancelToken is a cooperative cancellation flag checked between chunks and stages.
// A nil token is never cancelled.
type CancelToken struct {
	cancelled atomic.Bool
}

func NewCancelToken() *CancelToken { return &CancelToken{} }

func (t *CancelToken) Cancel() {
	if t != nil {
		t.cancelled.Store(true)
	}
}

func (t *CancelToken) Cancelled() bool {
	return t != nil && t.cancelled.Load()
}

// Progress is a live update from the executor.
type Progress struct {
	Stage           Stage
	ChunkIndex      int // 1-based while inside a per-chunk stage, 0 otherwise
	TotalChunks     int
	Backend         backend.Kind
	DeviceRequested backend.Device
	DeviceActual    backend.Device
}

// Reporter receives progress. Calls happen on the executing goroutine.
type Reporter interface {
	Report(Progress)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Progress)

func (f ReporterFunc) Report(p Progress) { f(p) }

type nopReporter struct{}

func (nopReporter) Report(Progress) {}

// Fallback records a chunk that moved off the requested device.
type Fallback struct {
	Stage  Stage          `json:"stage"`
	Chunk  int            `json:"chunk"`
	From   backend.Device `json:"from"`
	To     backend.Device `json:"to"`
	Reason string         `json:"reason"`
}
