package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/castscribe/internal/aligner"
	"github.com/castscribe/pkg/logger"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIConfig configures the hosted transcription API.
type OpenAIConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
}

// OpenAIBackend transcribes through the OpenAI audio API. It never diarizes.
type OpenAIBackend struct {
	cfg    OpenAIConfig
	client *resty.Client
}

func NewOpenAIBackend(cfg OpenAIConfig) *OpenAIBackend {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(10 * time.Minute).
		SetRetryCount(2).
		SetRetryWaitTime(2 * time.Second).
		SetAuthToken(cfg.APIKey)
	return &OpenAIBackend{cfg: cfg, client: client}
}

func (b *OpenAIBackend) Kind() Kind { return KindOpenAI }

func (b *OpenAIBackend) SupportsDiarization() bool { return false }

func (b *OpenAIBackend) Load(_ context.Context, _ Device) error {
	if b.cfg.APIKey == "" {
		return fmt.Errorf("openai api key not configured")
	}
	return nil
}

type openAIWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type openAIResponse struct {
	Language string       `json:"language"`
	Text     string       `json:"text"`
	Words    []openAIWord `json:"words"`
}

type openAIError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (b *OpenAIBackend) TranscribeChunk(ctx context.Context, chunk Chunk, _ Device) (Transcript, error) {
	form := map[string]string{
		"model":                     b.cfg.Model,
		"response_format":           "verbose_json",
		"timestamp_granularities[]": "word",
	}
	if lang := b.cfg.Language; lang != "" && lang != "auto" {
		form["language"] = lang
	}

	logger.Infof("🎤 Transcribing chunk %d (OpenAI API)", chunk.Index+1)

	var out openAIResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetFile("file", chunk.Path).
		SetFormData(form).
		SetResult(&out).
		Post("/audio/transcriptions")
	if err != nil {
		return Transcript{}, fmt.Errorf("api request: %w", err)
	}
	if resp.IsError() {
		var apiErr openAIError
		if jsonErr := json.Unmarshal(resp.Body(), &apiErr); jsonErr != nil || apiErr.Error.Message == "" {
			return Transcript{}, fmt.Errorf("openai api error (%d): %s", resp.StatusCode(), resp.String())
		}
		return Transcript{}, fmt.Errorf("openai api error (%d): %s", resp.StatusCode(), apiErr.Error.Message)
	}

	words := make([]aligner.Word, 0, len(out.Words))
	for _, w := range out.Words {
		words = append(words, aligner.Word{Text: w.Word, Start: w.Start, End: w.End})
	}
	return Transcript{Words: words, Language: out.Language, Text: strings.TrimSpace(out.Text)}, nil
}

func (b *OpenAIBackend) DiarizeChunk(context.Context, Chunk, Device) ([]aligner.Span, error) {
	return nil, nil
}

func (b *OpenAIBackend) Close() error { return nil }
