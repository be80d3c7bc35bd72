// Package pipeline runs one job through chunking, transcription, diarization,
// alignment, optional LLM enhancement and saving.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/castscribe/internal/aligner"
	"github.com/castscribe/internal/backend"
	"github.com/castscribe/internal/chunker"
	"github.com/castscribe/internal/fileops"
	"github.com/castscribe/internal/formatter"
	"github.com/castscribe/internal/ingest"
	"github.com/castscribe/internal/queue"
	"github.com/castscribe/pkg/logger"
)

// Backends resolves and loads engines. *backend.Selector implements it.
type Backends interface {
	Resolve(ctx context.Context, override string) ([]backend.Candidate, error)
	LoadFirst(ctx context.Context, candidates []backend.Candidate) (backend.Backend, backend.Candidate, error)
	New(kind backend.Kind) (backend.Backend, error)
}

// Splitter cuts audio into chunks.
type Splitter interface {
	Split(ctx context.Context, source string) (*chunker.Set, error)
}

// Enhancer is the LLM post-processing stage.
type Enhancer interface {
	Enhance(ctx context.Context, transcript string) (*formatter.Enhancement, error)
}

// Renderer turns a document into the artifact bytes.
type Renderer interface {
	Render(doc formatter.Document) ([]byte, error)
}

type Config struct {
	OutputDir string
	Aligner   aligner.Config
	Enhance   bool
}

type Deps struct {
	Backends Backends
	Splitter Splitter
	Enhancer Enhancer
	Renderer Renderer
	Ingestor ingest.Ingestor
}

// Executor runs jobs one at a time. It holds no per-job state between runs.
type Executor struct {
	cfg  Config
	deps Deps
}

func New(cfg Config, deps Deps) *Executor {
	if deps.Ingestor == nil {
		deps.Ingestor = ingest.Noop{}
	}
	if deps.Renderer == nil {
		deps.Renderer = formatter.New()
	}
	return &Executor{cfg: cfg, deps: deps}
}

// Request is one job execution.
type Request struct {
	Job *queue.Job
	// Candidates resolved by the caller; resolved from config when empty.
	Candidates []backend.Candidate
	Token      *CancelToken
	Reporter   Reporter
}

// Result describes a finished job.
type Result struct {
	Segments       []aligner.Segment       `json:"-"`
	Duration       float64                 `json:"duration_seconds"`
	Speakers       []string                `json:"speakers"`
	Language       string                  `json:"language"`
	ArtifactPath   string                  `json:"artifact_path"`
	Location       string                  `json:"location"`
	Backend        backend.Kind            `json:"backend"`
	Device         backend.Device          `json:"device"`
	ProcessingTime time.Duration           `json:"processing_time"`
	StageDurations map[Stage]time.Duration `json:"stage_durations"`
	Fallbacks      []Fallback              `json:"fallbacks,omitempty"`
}

type run struct {
	e        *Executor
	req      Request
	reporter Reporter
	res      *Result
	progress Progress

	cpu    backend.Backend
	cpuErr error
}

// Run executes every stage for req.Job. Stage failures come back as *StageError;
// an observed cancel returns ErrCancelled. Chunk files are removed on return.
func (e *Executor) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Job == nil {
		return nil, errors.New("nil job")
	}
	r := &run{
		e:        e,
		req:      req,
		reporter: req.Reporter,
		res:      &Result{StageDurations: map[Stage]time.Duration{}},
	}
	if r.reporter == nil {
		r.reporter = nopReporter{}
	}
	return r.execute(ctx)
}

func (r *run) enter(stage Stage) *stageClock {
	r.progress.Stage = stage
	r.progress.ChunkIndex = 0
	r.progress.DeviceActual = r.progress.DeviceRequested
	r.reporter.Report(r.progress)
	return clockStage(stage, r.res.StageDurations)
}

func (r *run) chunk(idx int, actual backend.Device) {
	r.progress.ChunkIndex = idx + 1
	r.progress.DeviceActual = actual
	r.reporter.Report(r.progress)
}

func (r *run) checkpoint() error {
	if r.req.Token.Cancelled() {
		return ErrCancelled
	}
	return nil
}

func (r *run) fail(stage Stage, err error) error {
	if errors.Is(err, ErrCancelled) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	job := r.req.Job
	total := time.Now()

	logger.Infof("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	logger.Infof("🎙️ Starting job: %s", job.DisplayName)
	logger.Infof("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	if err := r.checkpoint(); err != nil {
		return nil, err
	}

	// Step 1: chunking
	t := r.enter(StageChunking)
	set, err := r.e.deps.Splitter.Split(ctx, job.SourceRef)
	if err != nil {
		return nil, r.fail(StageChunking, err)
	}
	defer func() {
		if err := set.Cleanup(); err != nil {
			logger.Warnf("⚠️ Failed to remove chunk dir: %v", err)
		}
	}()
	r.res.Duration = set.Duration
	r.progress.TotalChunks = len(set.Chunks)
	t.stop()
	if err := r.checkpoint(); err != nil {
		return nil, err
	}

	// Step 2: load the engine, then transcribe chunk by chunk
	t = r.enter(StageTranscribing)
	b, cand, err := r.load(ctx)
	if err != nil {
		return nil, r.fail(StageTranscribing, err)
	}
	defer b.Close()
	defer r.closeCPU()
	r.res.Backend, r.res.Device = cand.Kind, cand.Device
	r.progress.Backend, r.progress.DeviceRequested = cand.Kind, cand.Device
	r.progress.DeviceActual = cand.Device
	r.reporter.Report(r.progress)

	words, err := r.transcribe(ctx, b, set.Chunks)
	if err != nil {
		return nil, r.fail(StageTranscribing, err)
	}
	t.stop()
	if err := r.checkpoint(); err != nil {
		return nil, err
	}

	// Step 3: diarization
	t = r.enter(StageDiarizing)
	spans, err := r.diarize(ctx, b, set.Chunks)
	if err != nil {
		return nil, r.fail(StageDiarizing, err)
	}
	t.stop()
	if err := r.checkpoint(); err != nil {
		return nil, err
	}

	// Step 4: alignment
	t = r.enter(StageAligning)
	r.res.Segments = aligner.Align(words, spans, r.e.cfg.Aligner)
	r.res.Speakers = aligner.Speakers(r.res.Segments)
	t.stop()
	if err := r.checkpoint(); err != nil {
		return nil, err
	}

	// Step 5: enhancement
	var enh *formatter.Enhancement
	if r.e.cfg.Enhance && r.e.deps.Enhancer != nil {
		t = r.enter(StageEnhancing)
		enh, err = r.e.deps.Enhancer.Enhance(ctx, formatter.TranscriptText(r.res.Segments))
		if err != nil {
			return nil, r.fail(StageEnhancing, err)
		}
		t.stop()
		if err := r.checkpoint(); err != nil {
			return nil, err
		}
	} else {
		logger.Infof("✨ Step 5: Enhancement disabled (skipped)")
	}

	// Step 6: render, write and hand off
	t = r.enter(StageSaving)
	if err := r.save(ctx, enh); err != nil {
		return nil, r.fail(StageSaving, err)
	}
	t.stop()

	r.res.ProcessingTime = time.Since(total)
	logger.Infof("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	logger.Infof("✅ Job completed: %s", job.DisplayName)
	logger.Infof("⏱️  Total time: %s", FormatDuration(r.res.ProcessingTime))
	logger.Infof("   Transcription: %s | Diarization: %s | Speakers: %d",
		FormatDuration(r.res.StageDurations[StageTranscribing]),
		FormatDuration(r.res.StageDurations[StageDiarizing]),
		len(r.res.Speakers))
	logger.Infof("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	return r.res, nil
}

func (r *run) load(ctx context.Context) (backend.Backend, backend.Candidate, error) {
	cands := r.req.Candidates
	if len(cands) == 0 {
		var err error
		if cands, err = r.e.deps.Backends.Resolve(ctx, ""); err != nil {
			return nil, backend.Candidate{}, err
		}
	}
	return r.e.deps.Backends.LoadFirst(ctx, cands)
}

func (r *run) transcribe(ctx context.Context, b backend.Backend, chunks []backend.Chunk) ([]aligner.Word, error) {
	var words []aligner.Word
	for i, ch := range chunks {
		if err := r.checkpoint(); err != nil {
			return nil, err
		}
		requested := r.progress.DeviceRequested
		r.chunk(i, requested)

		tr, err := b.TranscribeChunk(ctx, ch, requested)
		if err != nil && requested.Accelerator() && ctx.Err() == nil {
			logger.Warnf("⚠️ Chunk %d failed on %s, retrying on cpu: %v", i+1, requested, err)
			cause := err
			var cpu backend.Backend
			if cpu, err = r.cpuBackend(ctx, cause); err == nil {
				r.chunk(i, backend.DeviceCPU)
				tr, err = cpu.TranscribeChunk(ctx, ch, backend.DeviceCPU)
				r.fallback(StageTranscribing, i, requested, cause, err)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i+1, err)
		}

		words = append(words, aligner.OffsetWords(tr.Words, ch.Offset)...)
		if r.res.Language == "" {
			r.res.Language = tr.Language
		}
	}
	return words, nil
}

func (r *run) diarize(ctx context.Context, b backend.Backend, chunks []backend.Chunk) ([]aligner.Span, error) {
	if !b.SupportsDiarization() {
		logger.Infof("🗣️ Step 3: Diarization unavailable for %s, labelling single speaker", b.Kind())
		return nil, nil
	}
	var spans []aligner.Span
	for i, ch := range chunks {
		if err := r.checkpoint(); err != nil {
			return nil, err
		}
		requested := r.progress.DeviceRequested
		r.chunk(i, requested)

		got, err := b.DiarizeChunk(ctx, ch, requested)
		if err != nil && requested.Accelerator() && ctx.Err() == nil {
			logger.Warnf("⚠️ Diarization of chunk %d failed on %s, retrying on cpu: %v", i+1, requested, err)
			cause := err
			r.chunk(i, backend.DeviceCPU)
			got, err = b.DiarizeChunk(ctx, ch, backend.DeviceCPU)
			r.fallback(StageDiarizing, i, requested, cause, err)
		}
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i+1, err)
		}
		spans = append(spans, aligner.OffsetSpans(got, ch.Offset)...)
	}
	return spans, nil
}

// fallback records a successful cpu retry.
func (r *run) fallback(stage Stage, idx int, from backend.Device, cause, retryErr error) {
	if retryErr != nil {
		return
	}
	r.res.Fallbacks = append(r.res.Fallbacks, Fallback{
		Stage:  stage,
		Chunk:  idx + 1,
		From:   from,
		To:     backend.DeviceCPU,
		Reason: cause.Error(),
	})
}

// cpuBackend lazily loads the CPU engine for per-chunk fallback, once per job.
func (r *run) cpuBackend(ctx context.Context, cause error) (backend.Backend, error) {
	if r.cpu == nil && r.cpuErr == nil {
		b, err := r.e.deps.Backends.New(backend.KindWhisper)
		if err == nil {
			if err = b.Load(ctx, backend.DeviceCPU); err != nil {
				_ = b.Close()
			}
		}
		if err != nil {
			r.cpuErr = err
		} else {
			r.cpu = b
		}
	}
	if r.cpuErr != nil {
		return nil, fmt.Errorf("%w (cpu fallback unavailable: %v)", cause, r.cpuErr)
	}
	return r.cpu, nil
}

func (r *run) closeCPU() {
	if r.cpu != nil {
		_ = r.cpu.Close()
	}
}

func (r *run) save(ctx context.Context, enh *formatter.Enhancement) error {
	job := r.req.Job
	r.res.Language = formatter.NormalizeLanguage(r.res.Language, formatter.PlainText(r.res.Segments))
	doc := formatter.Document{
		JobID: job.ID,
		Episode: formatter.Episode{
			Title:   job.DisplayName,
			Show:    job.CollectionName,
			FeedURL: job.FeedURL,
			Source:  job.SourceRef,
		},
		Segments:    r.res.Segments,
		Duration:    r.res.Duration,
		Language:    r.res.Language,
		Enhancement: enh,
	}
	data, err := r.e.deps.Renderer.Render(doc)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}

	path := filepath.Join(r.e.cfg.OutputDir, formatter.Filename(doc))
	if err := fileops.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	r.res.ArtifactPath = path

	loc, err := r.e.deps.Ingestor.Ingest(ctx, ingest.Artifact{
		Path:       path,
		JobID:      job.ID,
		Title:      job.DisplayName,
		SourceRef:  job.SourceRef,
		Collection: job.CollectionName,
	})
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	r.res.Location = loc
	logger.Infof("💾 Saved transcript: %s", filepath.Base(path))
	return nil
}
