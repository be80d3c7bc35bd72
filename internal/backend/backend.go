// Package backend negotiates which ASR engine and device transcribe a job.
//
// Engines form a closed set. Accelerator engines run on cuda or mps, the CPU
// engine runs anywhere python and faster-whisper are installed, and the remote
// engine calls a hosted API. Local engines are driven through a python worker
// script with three subcommands:
//
//	check      --backend <kind> --device <device>                 exit 0 when the model loads
//	transcribe --backend <kind> --device <device> --input <wav>   JSON words on stdout
//	diarize    --backend <kind> --device <device> --input <wav> --output <rttm>
package backend

import (
	"context"
	"errors"
	"strings"

	"github.com/castscribe/internal/aligner"
)

// ErrNoViableBackend means no engine can run on this machine.
var ErrNoViableBackend = errors.New("no viable transcription backend")

// ErrUnknownBackend is returned for a preference that names no engine.
var ErrUnknownBackend = errors.New("unknown backend")

// Kind identifies an ASR engine.
type Kind string

const (
	KindNemo        Kind = "nemo"
	KindParakeetMLX Kind = "parakeet-mlx"
	KindMLXWhisper  Kind = "mlx-whisper"
	KindWhisper     Kind = "whisper"
	KindOpenAI      Kind = "openai"
)

// AllKinds in auto-selection preference order.
var AllKinds = []Kind{KindNemo, KindParakeetMLX, KindMLXWhisper, KindWhisper, KindOpenAI}

// ParseKind accepts canonical names and the common aliases. "" and "auto"
// return an empty Kind and true.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return "", true
	case "nemo", "nemo-container", "nemo_container":
		return KindNemo, true
	case "parakeet-mlx", "parakeet_mlx", "parakeet", "mac":
		return KindParakeetMLX, true
	case "mlx-whisper", "mlx_whisper", "mlx":
		return KindMLXWhisper, true
	case "whisper", "faster-whisper", "faster_whisper":
		return KindWhisper, true
	case "openai":
		return KindOpenAI, true
	}
	return "", false
}

// Class groups engines by the hardware they need.
type Class string

const (
	ClassAccelerator Class = "accelerator"
	ClassCPU         Class = "cpu"
	ClassRemote      Class = "remote"
)

func (k Kind) Class() Class {
	switch k {
	case KindNemo, KindParakeetMLX, KindMLXWhisper:
		return ClassAccelerator
	case KindOpenAI:
		return ClassRemote
	default:
		return ClassCPU
	}
}

// Modules lists the python modules the worker imports for this engine.
func (k Kind) Modules() []string {
	switch k {
	case KindNemo:
		return []string{"nemo.collections.asr"}
	case KindParakeetMLX:
		return []string{"parakeet_mlx"}
	case KindMLXWhisper:
		return []string{"mlx_whisper"}
	case KindWhisper:
		return []string{"faster_whisper"}
	}
	return nil
}

// DiarizationModule is needed by every local engine except nemo, which ships its own diarizer.
const DiarizationModule = "pyannote.audio"

// Device is where inference runs.
type Device string

const (
	DeviceCUDA   Device = "cuda"
	DeviceMPS    Device = "mps"
	DeviceCPU    Device = "cpu"
	DeviceRemote Device = "remote"
)

// Accelerator reports whether a failure on d may be retried on cpu.
func (d Device) Accelerator() bool {
	return d == DeviceCUDA || d == DeviceMPS
}

// Chunk is a slice of the job's audio. Offset and Duration are seconds.
type Chunk struct {
	Index    int
	Path     string
	Offset   float64
	Duration float64
}

// Transcript is one chunk's ASR output with chunk-relative timestamps.
type Transcript struct {
	Words    []aligner.Word `json:"words"`
	Language string         `json:"language,omitempty"`
	Text     string         `json:"text,omitempty"`
}

// Backend is a loaded-on-demand ASR engine. Only one is loaded at a time.
type Backend interface {
	Kind() Kind
	Load(ctx context.Context, device Device) error
	TranscribeChunk(ctx context.Context, chunk Chunk, device Device) (Transcript, error)
	DiarizeChunk(ctx context.Context, chunk Chunk, device Device) ([]aligner.Span, error)
	SupportsDiarization() bool
	Close() error
}
