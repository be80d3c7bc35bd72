// Package ingest hands finished transcript artifacts to the downstream note store.
package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/castscribe/internal/config"
	"github.com/castscribe/internal/fileops"
	"github.com/castscribe/pkg/logger"
)

// Artifact is a rendered transcript on disk.
type Artifact struct {
	Path       string
	JobID      string
	Title      string
	SourceRef  string
	Collection string
}

// Ingestor delivers an artifact. It returns where the artifact ended up.
type Ingestor interface {
	Ingest(ctx context.Context, a Artifact) (string, error)
}

// New picks the ingestor for the configured mode.
func New(cfg config.IngestConfig) (Ingestor, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", "none":
		return Noop{}, nil
	case "dir":
		return &DirIngestor{dir: cfg.Dir}, nil
	case "http":
		return NewHTTPIngestor(cfg.URL, cfg.Token), nil
	}
	return nil, fmt.Errorf("unsupported ingest mode %q", cfg.Mode)
}

// Noop leaves the artifact in the output directory.
type Noop struct{}

func (Noop) Ingest(_ context.Context, a Artifact) (string, error) {
	return a.Path, nil
}

// DirIngestor copies artifacts into a watched directory, one subdirectory per collection.
type DirIngestor struct {
	dir string
}

func (d *DirIngestor) Ingest(_ context.Context, a Artifact) (string, error) {
	dst := filepath.Join(d.dir, fileops.SafeFilename(a.Collection), filepath.Base(a.Path))
	if a.Collection == "" {
		dst = filepath.Join(d.dir, filepath.Base(a.Path))
	}
	if err := fileops.Copy(a.Path, dst); err != nil {
		return "", fmt.Errorf("copy to ingest dir: %w", err)
	}
	logger.Infof("📤 Dropped transcript into %s", dst)
	return dst, nil
}

// HTTPIngestor uploads artifacts as multipart form posts.
type HTTPIngestor struct {
	url    string
	client *resty.Client
}

func NewHTTPIngestor(url, token string) *HTTPIngestor {
	client := resty.New().
		SetTimeout(60 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second)
	if token != "" {
		client.SetAuthToken(token)
	}
	return &HTTPIngestor{url: url, client: client}
}

type ingestResponse struct {
	ID       string `json:"id"`
	Location string `json:"location"`
}

func (h *HTTPIngestor) Ingest(ctx context.Context, a Artifact) (string, error) {
	var out ingestResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetFile("file", a.Path).
		SetFormData(map[string]string{
			"job_id":     a.JobID,
			"title":      a.Title,
			"source":     a.SourceRef,
			"collection": a.Collection,
		}).
		SetResult(&out).
		Post(h.url)
	if err != nil {
		return "", fmt.Errorf("ingest request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("ingest error (%d): %s", resp.StatusCode(), resp.String())
	}

	logger.Infof("📤 Uploaded transcript %s", filepath.Base(a.Path))
	switch {
	case out.Location != "":
		return out.Location, nil
	case out.ID != "":
		return out.ID, nil
	}
	return a.Path, nil
}
