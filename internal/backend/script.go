package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/castscribe/internal/aligner"
	"github.com/castscribe/internal/executor"
	"github.com/castscribe/pkg/logger"
)

// ScriptConfig configures the python worker.
type ScriptConfig struct {
	Python       string
	WorkerScript string
	WhisperModel string
	Language     string // ISO code or "auto"
	Diarization  bool
}

// ScriptBackend runs a local engine through the python worker, one process per call.
type ScriptBackend struct {
	kind        Kind
	cfg         ScriptConfig
	runner      executor.Runner
	diarization bool
}

// NewScriptBackend builds a worker-driven backend. Diarization is on when
// enabled in cfg and the engine has a diarizer installed.
func NewScriptBackend(kind Kind, cfg ScriptConfig, runner executor.Runner, caps Capabilities) (*ScriptBackend, error) {
	if kind.Class() == ClassRemote {
		return nil, fmt.Errorf("%s is not a local engine", kind)
	}
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	diar := cfg.Diarization && (kind == KindNemo || caps.HasModule(DiarizationModule))
	return &ScriptBackend{kind: kind, cfg: cfg, runner: runner, diarization: diar}, nil
}

func (b *ScriptBackend) Kind() Kind { return b.kind }

func (b *ScriptBackend) SupportsDiarization() bool { return b.diarization }

// Load asks the worker to import and initialise the model on device.
func (b *ScriptBackend) Load(ctx context.Context, device Device) error {
	args := b.args("check", device)
	logger.Debugf("  Command: %s %s", b.cfg.Python, strings.Join(args, " "))
	if _, err := b.runner.Run(ctx, b.cfg.Python, args...); err != nil {
		return fmt.Errorf("load %s on %s: %w", b.kind, device, err)
	}
	return nil
}

func (b *ScriptBackend) TranscribeChunk(ctx context.Context, chunk Chunk, device Device) (Transcript, error) {
	args := append(b.args("transcribe", device), "--input", chunk.Path)
	if b.cfg.WhisperModel != "" && (b.kind == KindWhisper || b.kind == KindMLXWhisper) {
		args = append(args, "--model", b.cfg.WhisperModel)
	}
	if lang := b.cfg.Language; lang != "" && lang != "auto" {
		args = append(args, "--language", lang)
	}

	logger.Infof("🎤 Transcribing chunk %d (%s on %s)", chunk.Index+1, b.kind, device)
	res, err := b.runner.Run(ctx, b.cfg.Python, args...)
	if err != nil {
		return Transcript{}, fmt.Errorf("transcribe chunk %d: %w", chunk.Index, err)
	}
	return parseTranscript(res.Stdout)
}

func (b *ScriptBackend) DiarizeChunk(ctx context.Context, chunk Chunk, device Device) ([]aligner.Span, error) {
	if !b.diarization {
		return nil, nil
	}
	rttmPath := strings.TrimSuffix(chunk.Path, filepath.Ext(chunk.Path)) + ".rttm"
	args := append(b.args("diarize", device), "--input", chunk.Path, "--output", rttmPath)

	logger.Infof("🗣️ Diarizing chunk %d (%s on %s)", chunk.Index+1, b.kind, device)
	if _, err := b.runner.Run(ctx, b.cfg.Python, args...); err != nil {
		return nil, fmt.Errorf("diarize chunk %d: %w", chunk.Index, err)
	}
	defer os.Remove(rttmPath)

	f, err := os.Open(rttmPath)
	if err != nil {
		return nil, fmt.Errorf("RTTM file not created: %w", err)
	}
	defer f.Close()
	return aligner.ParseRTTM(f)
}

// Close is a no-op: the model lives only as long as each worker process.
func (b *ScriptBackend) Close() error { return nil }

func (b *ScriptBackend) args(cmd string, device Device) []string {
	return []string{b.cfg.WorkerScript, cmd, "--backend", string(b.kind), "--device", string(device)}
}

// parseTranscript reads the last JSON object the worker printed on stdout.
// Anything before it is progress output.
func parseTranscript(stdout string) (Transcript, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace([]byte(lines[i]))
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var t Transcript
		if err := json.Unmarshal(line, &t); err != nil {
			return Transcript{}, fmt.Errorf("decode worker output: %w", err)
		}
		if t.Text == "" {
			t.Text = joinText(t.Words)
		}
		return t, nil
	}
	return Transcript{}, fmt.Errorf("worker printed no transcript")
}

func joinText(words []aligner.Word) string {
	parts := make([]string, 0, len(words))
	for _, w := range words {
		if s := strings.TrimSpace(w.Text); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}
