package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castscribe/internal/aligner"
)

func modules(names ...string) map[string]bool {
	m := map[string]bool{}
	for _, n := range names {
		m[n] = true
	}
	return m
}

func TestCandidates(t *testing.T) {
	t.Parallel()

	cuda := Capabilities{Accelerator: DeviceCUDA, Modules: modules("nemo.collections.asr", "faster_whisper")}
	mps := Capabilities{Accelerator: DeviceMPS, Modules: modules("parakeet_mlx", "mlx_whisper", "faster_whisper"), Remote: true}
	cpu := Capabilities{Modules: modules("faster_whisper")}

	tests := []struct {
		name string
		pref string
		caps Capabilities
		want []Candidate
		err  error
	}{
		{
			name: "auto on cuda prefers nemo then cpu whisper",
			pref: "auto",
			caps: cuda,
			want: []Candidate{{KindNemo, DeviceCUDA}, {KindWhisper, DeviceCPU}},
		},
		{
			name: "auto on apple silicon tries both mlx engines",
			pref: "",
			caps: mps,
			want: []Candidate{{KindParakeetMLX, DeviceMPS}, {KindMLXWhisper, DeviceMPS}, {KindWhisper, DeviceCPU}},
		},
		{
			name: "explicit and available yields exactly one",
			pref: "parakeet",
			caps: mps,
			want: []Candidate{{KindParakeetMLX, DeviceMPS}},
		},
		{
			name: "explicit but unavailable falls back to auto",
			pref: "nemo",
			caps: mps,
			want: []Candidate{{KindParakeetMLX, DeviceMPS}, {KindMLXWhisper, DeviceMPS}, {KindWhisper, DeviceCPU}},
		},
		{
			name: "remote only when asked for",
			pref: "openai",
			caps: mps,
			want: []Candidate{{KindOpenAI, DeviceRemote}},
		},
		{
			name: "cpu only",
			pref: "auto",
			caps: cpu,
			want: []Candidate{{KindWhisper, DeviceCPU}},
		},
		{
			name: "accelerator without its engine installed",
			pref: "auto",
			caps: Capabilities{Accelerator: DeviceCUDA, Modules: modules("faster_whisper")},
			want: []Candidate{{KindWhisper, DeviceCPU}},
		},
		{
			name: "nothing installed",
			pref: "auto",
			caps: Capabilities{Accelerator: DeviceCUDA, Remote: true},
			err:  ErrNoViableBackend,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Candidates(tt.pref, tt.caps)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCandidates_UnknownPreference(t *testing.T) {
	t.Parallel()

	_, err := Candidates("kaldi", Capabilities{Modules: modules("faster_whisper")})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoViableBackend))
}

type fakeBackend struct {
	kind    Kind
	loadErr error
	loads   int
	closed  bool
}

func (f *fakeBackend) Kind() Kind { return f.kind }
func (f *fakeBackend) Load(context.Context, Device) error {
	f.loads++
	return f.loadErr
}
func (f *fakeBackend) TranscribeChunk(context.Context, Chunk, Device) (Transcript, error) {
	return Transcript{}, nil
}
func (f *fakeBackend) DiarizeChunk(context.Context, Chunk, Device) ([]aligner.Span, error) {
	return nil, nil
}
func (f *fakeBackend) SupportsDiarization() bool { return false }
func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

func TestSelector_LoadFirstFallsThroughOnce(t *testing.T) {
	t.Parallel()

	built := map[Kind]*fakeBackend{}
	factory := func(k Kind) (Backend, error) {
		fb := &fakeBackend{kind: k}
		if k == KindParakeetMLX {
			fb.loadErr = errors.New("metal out of memory")
		}
		built[k] = fb
		return fb, nil
	}
	sel := NewSelector(StaticProber(Capabilities{
		Accelerator: DeviceMPS,
		Modules:     modules("parakeet_mlx", "mlx_whisper", "faster_whisper"),
	}), factory, "auto")

	cands, err := sel.Resolve(context.Background(), "")
	require.NoError(t, err)

	b, chosen, err := sel.LoadFirst(context.Background(), cands)
	require.NoError(t, err)
	assert.Equal(t, KindMLXWhisper, b.Kind())
	assert.Equal(t, Candidate{KindMLXWhisper, DeviceMPS}, chosen)

	assert.Equal(t, 1, built[KindParakeetMLX].loads)
	assert.True(t, built[KindParakeetMLX].closed)
	assert.NotContains(t, built, KindWhisper)
}

func TestSelector_LoadFirstExhausted(t *testing.T) {
	t.Parallel()

	factory := func(k Kind) (Backend, error) {
		return &fakeBackend{kind: k, loadErr: errors.New("no model")}, nil
	}
	sel := NewSelector(StaticProber(Capabilities{Modules: modules("faster_whisper")}), factory, "whisper")

	cands, err := sel.Resolve(context.Background(), "")
	require.NoError(t, err)
	_, _, err = sel.LoadFirst(context.Background(), cands)
	require.ErrorIs(t, err, ErrNoViableBackend)
	assert.Contains(t, err.Error(), "no model")
}

func TestSelector_OverrideWins(t *testing.T) {
	t.Parallel()

	sel := NewSelector(StaticProber(Capabilities{
		Modules: modules("faster_whisper"),
		Remote:  true,
	}), nil, "whisper")

	cands, err := sel.Resolve(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, []Candidate{{KindOpenAI, DeviceRemote}}, cands)
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Kind{
		"auto": "", "NeMo": KindNemo, "mlx": KindMLXWhisper, "faster-whisper": KindWhisper, "mac": KindParakeetMLX,
	} {
		got, ok := ParseKind(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseKind("vosk")
	assert.False(t, ok)
}
