// Package chunker splits an episode into fixed-length mono 16 kHz wav chunks
// with ffmpeg so every engine sees bounded memory per call.
package chunker

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/castscribe/internal/backend"
	"github.com/castscribe/internal/executor"
	"github.com/castscribe/pkg/logger"
)

// DefaultChunkDuration matches the worker's memory budget.
const DefaultChunkDuration = 10 * time.Minute

// chunks shorter than this are folded into the previous one
const minTailSeconds = 1.0

type Config struct {
	FFmpeg        string
	FFprobe       string
	ChunkDuration time.Duration
	TmpDir        string
}

type Chunker struct {
	cfg    Config
	runner executor.Runner
}

func New(cfg Config, runner executor.Runner) *Chunker {
	if cfg.FFmpeg == "" {
		cfg.FFmpeg = "ffmpeg"
	}
	if cfg.FFprobe == "" {
		cfg.FFprobe = "ffprobe"
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = DefaultChunkDuration
	}
	return &Chunker{cfg: cfg, runner: runner}
}

// Set is the result of one split. Cleanup removes the chunk files.
type Set struct {
	Dir      string
	Duration float64
	Chunks   []backend.Chunk
}

func (s *Set) Cleanup() error {
	if s == nil || s.Dir == "" {
		return nil
	}
	err := os.RemoveAll(s.Dir)
	s.Dir = ""
	return err
}

// Duration asks ffprobe for the container duration in seconds.
func (c *Chunker) Duration(ctx context.Context, source string) (float64, error) {
	res, err := c.runner.Run(ctx, c.cfg.FFprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		source,
	)
	if err != nil {
		return 0, fmt.Errorf("probe duration: %w", err)
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(res.Stdout), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", strings.TrimSpace(res.Stdout), err)
	}
	if d <= 0 || math.IsNaN(d) {
		return 0, fmt.Errorf("audio has no duration")
	}
	return d, nil
}

// Plan lays out chunk boundaries for total seconds. A tail shorter than a
// second is absorbed by the previous chunk.
func Plan(total float64, size time.Duration) []backend.Chunk {
	step := size.Seconds()
	if total <= 0 || step <= 0 {
		return nil
	}
	var out []backend.Chunk
	for offset := 0.0; offset < total; offset += step {
		dur := math.Min(step, total-offset)
		if n := len(out); n > 0 && dur < minTailSeconds {
			out[n-1].Duration += dur
			break
		}
		out = append(out, backend.Chunk{Index: len(out), Offset: offset, Duration: dur})
	}
	return out
}

// Split cuts source into chunks inside a fresh temp directory.
func (c *Chunker) Split(ctx context.Context, source string) (*Set, error) {
	total, err := c.Duration(ctx, source)
	if err != nil {
		return nil, err
	}

	if c.cfg.TmpDir != "" {
		if err := os.MkdirAll(c.cfg.TmpDir, 0o755); err != nil {
			return nil, fmt.Errorf("create tmp dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(c.cfg.TmpDir, "castscribe-chunks-*")
	if err != nil {
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}
	set := &Set{Dir: dir, Duration: total, Chunks: Plan(total, c.cfg.ChunkDuration)}

	logger.Infof("✂️ Splitting %.1fs audio into %d chunk(s) of %s", total, len(set.Chunks), c.cfg.ChunkDuration)

	for i := range set.Chunks {
		ch := &set.Chunks[i]
		ch.Path = filepath.Join(dir, fmt.Sprintf("chunk_%03d.wav", ch.Index))
		if _, err := c.runner.Run(ctx, c.cfg.FFmpeg, extractArgs(source, ch)...); err != nil {
			_ = set.Cleanup()
			return nil, fmt.Errorf("extract chunk %d: %w", ch.Index, err)
		}
	}
	return set, nil
}

func extractArgs(source string, ch *backend.Chunk) []string {
	return []string{
		"-hide_banner", "-nostdin", "-y",
		"-v", "error",
		"-ss", formatSeconds(ch.Offset),
		"-t", formatSeconds(ch.Duration),
		"-i", source,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		ch.Path,
	}
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
