package backend

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castscribe/internal/executor"
)

type recordingRunner struct {
	mu    sync.Mutex
	calls []string
	run   func(name string, args ...string) (executor.Result, error)
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) (executor.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, name+" "+strings.Join(args, " "))
	r.mu.Unlock()
	return r.run(name, args...)
}

func (r *recordingRunner) count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func installed(mods ...string) func(name string, args ...string) (executor.Result, error) {
	have := modules(mods...)
	return func(name string, args ...string) (executor.Result, error) {
		switch name {
		case "nvidia-smi":
			return executor.Result{Stdout: "GPU 0: NVIDIA A10G (UUID: GPU-1234)\n"}, nil
		case "python3":
			if len(args) == 2 && have[strings.TrimPrefix(args[1], "import ")] {
				return executor.Result{}, nil
			}
			return executor.Result{ExitCode: 1}, errors.New("ModuleNotFoundError")
		}
		return executor.Result{}, errors.New("unexpected command")
	}
}

func TestProber_LinuxWithCUDA(t *testing.T) {
	t.Parallel()

	runner := &recordingRunner{run: installed("nemo.collections.asr", "faster_whisper")}
	p := NewProber(runner, ProbeConfig{})
	p.goos, p.goarch = "linux", "amd64"

	caps := p.Probe(context.Background())
	assert.Equal(t, DeviceCUDA, caps.Accelerator)
	assert.Equal(t, "NVIDIA A10G", caps.GPUName)
	assert.True(t, caps.HasModule("nemo.collections.asr"))
	assert.False(t, caps.HasModule("parakeet_mlx"))
	assert.False(t, caps.HasModule(DiarizationModule))

	dev, ok := caps.Available(KindNemo)
	assert.True(t, ok)
	assert.Equal(t, DeviceCUDA, dev)

	calls := len(runner.calls)
	p.Probe(context.Background())
	assert.Len(t, runner.calls, calls, "second probe is served from cache")

	p.Refresh(context.Background())
	assert.Equal(t, 2, runner.count("nvidia-smi"))
}

func TestProber_AppleSiliconSkipsNvidia(t *testing.T) {
	t.Parallel()

	runner := &recordingRunner{run: installed("parakeet_mlx", DiarizationModule)}
	p := NewProber(runner, ProbeConfig{Python: "python3"})
	p.goos, p.goarch = "darwin", "arm64"

	caps := p.Probe(context.Background())
	assert.Equal(t, DeviceMPS, caps.Accelerator)
	assert.Zero(t, runner.count("nvidia-smi"))
	assert.True(t, caps.HasModule(DiarizationModule))

	cands, err := Candidates("auto", caps)
	require.NoError(t, err)
	assert.Equal(t, []Candidate{{KindParakeetMLX, DeviceMPS}}, cands)
}

func TestProber_NoGPU(t *testing.T) {
	t.Parallel()

	runner := &recordingRunner{run: func(name string, args ...string) (executor.Result, error) {
		if name == "nvidia-smi" {
			return executor.Result{ExitCode: -1}, errors.New("executable file not found")
		}
		return installed("faster_whisper")(name, args...)
	}}
	p := NewProber(runner, ProbeConfig{})
	p.goos, p.goarch = "linux", "amd64"

	caps := p.Probe(context.Background())
	assert.Empty(t, caps.Accelerator)
	_, ok := caps.Available(KindNemo)
	assert.False(t, ok)
}

func TestFirstGPU(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Tesla T4", firstGPU("GPU 0: Tesla T4 (UUID: GPU-abc)\nGPU 1: Tesla T4 (UUID: GPU-def)"))
	assert.Empty(t, firstGPU("No devices were found"))
}

// ctxRunner fails every command once its context is done, like exec.CommandContext.
type ctxRunner struct {
	inner *recordingRunner
}

func (r ctxRunner) Run(ctx context.Context, name string, args ...string) (executor.Result, error) {
	if err := ctx.Err(); err != nil {
		return executor.Result{ExitCode: -1}, err
	}
	return r.inner.Run(ctx, name, args...)
}

func TestProber_CancelledDetectionIsNotCached(t *testing.T) {
	t.Parallel()

	inner := &recordingRunner{run: installed("faster_whisper")}
	p := NewProber(ctxRunner{inner: inner}, ProbeConfig{})
	p.goos, p.goarch = "linux", "amd64"

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	caps := p.Probe(cancelled)
	assert.False(t, caps.HasModule("faster_whisper"))

	caps = p.Probe(context.Background())
	require.True(t, caps.HasModule("faster_whisper"), "detection runs again after a cancelled attempt")

	caps = p.Refresh(cancelled)
	assert.True(t, caps.HasModule("faster_whisper"), "cancelled refresh returns the previous result")

	cands, err := Candidates("auto", p.Probe(context.Background()))
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, KindWhisper, cands[0].Kind)
}
