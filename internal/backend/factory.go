package backend

import (
	"context"

	"github.com/castscribe/internal/config"
	"github.com/castscribe/internal/executor"
)

// NewFactory builds backends from the transcribe config.
func NewFactory(cfg config.TranscribeConfig, runner executor.Runner, prober *Prober) Factory {
	return func(kind Kind) (Backend, error) {
		if kind == KindOpenAI {
			return NewOpenAIBackend(OpenAIConfig{
				APIKey:   cfg.OpenAIKey,
				BaseURL:  cfg.OpenAIBaseURL,
				Model:    cfg.OpenAIModel,
				Language: cfg.Language,
			}), nil
		}
		b, err := NewScriptBackend(kind, ScriptConfig{
			Python:       cfg.Python,
			WorkerScript: cfg.WorkerScript,
			WhisperModel: cfg.WhisperModel,
			Language:     cfg.Language,
			Diarization:  cfg.Diarization,
		}, runner, prober.Probe(context.Background()))
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}
