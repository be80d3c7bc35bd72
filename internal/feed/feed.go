// Package feed reads podcast RSS/Atom feeds, downloads episode audio and
// queues it for transcription.
package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mmcdole/gofeed"

	"github.com/castscribe/internal/fileops"
	"github.com/castscribe/internal/queue"
	"github.com/castscribe/pkg/logger"
)

// DefaultLimit is how many episodes an import takes when no limit is given.
const DefaultLimit = 5

// ErrNoEpisodes means the feed parsed but carried no audio enclosures.
var ErrNoEpisodes = errors.New("no episodes with audio found in feed")

// Episode is one feed item with downloadable audio.
type Episode struct {
	Title       string `json:"title"`
	AudioURL    string `json:"audio_url"`
	Published   string `json:"published,omitempty"`
	Duration    string `json:"duration,omitempty"`
	Description string `json:"description,omitempty"`
	GUID        string `json:"guid"`
}

// Podcast is a parsed feed.
type Podcast struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Episodes    []Episode `json:"episodes"`
}

type Config struct {
	// Dir receives one sub-directory per show.
	Dir     string
	Timeout time.Duration
}

// Client fetches feeds and episode audio.
type Client struct {
	http   *resty.Client
	parser *gofeed.Parser
	dir    string
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	return &Client{
		http: resty.New().
			SetTimeout(cfg.Timeout).
			SetRetryCount(2).
			SetRetryWaitTime(2*time.Second).
			SetHeader("User-Agent", "castscribe"),
		parser: gofeed.NewParser(),
		dir:    cfg.Dir,
	}
}

// Fetch parses the feed at feedURL and returns up to limit episodes that carry audio.
func (c *Client) Fetch(ctx context.Context, feedURL string, limit int) (*Podcast, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	logger.Infof("📡 Fetching feed: %s", feedURL)

	resp, err := c.http.R().SetContext(ctx).Get(feedURL)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch feed (%d): %s", resp.StatusCode(), resp.Status())
	}

	parsed, err := c.parser.Parse(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	pod := &Podcast{Title: strings.TrimSpace(parsed.Title), Description: parsed.Description}
	if pod.Title == "" {
		pod.Title = "Unknown Podcast"
	}
	for _, item := range parsed.Items {
		if len(pod.Episodes) >= limit {
			break
		}
		audio := audioURL(item)
		if audio == "" {
			continue
		}
		ep := Episode{
			Title:       strings.TrimSpace(item.Title),
			AudioURL:    audio,
			Published:   item.Published,
			Description: item.Description,
			GUID:        item.GUID,
		}
		if ep.Title == "" {
			ep.Title = "Untitled Episode"
		}
		if ep.GUID == "" {
			ep.GUID = audio
		}
		if item.ITunesExt != nil {
			ep.Duration = item.ITunesExt.Duration
		}
		pod.Episodes = append(pod.Episodes, ep)
	}
	if len(pod.Episodes) == 0 {
		return nil, ErrNoEpisodes
	}
	return pod, nil
}

// audioURL picks the first audio enclosure, falling back to an enclosure
// whose path looks like an audio file.
func audioURL(item *gofeed.Item) string {
	for _, enc := range item.Enclosures {
		if strings.HasPrefix(enc.Type, "audio/") && enc.URL != "" {
			return enc.URL
		}
	}
	for _, enc := range item.Enclosures {
		if u, err := url.Parse(enc.URL); err == nil && enc.URL != "" && fileops.IsAudioFile(u.Path) {
			return enc.URL
		}
	}
	return ""
}

// ShowDir is where a show's episodes are stored.
func (c *Client) ShowDir(show string) string {
	return filepath.Join(c.dir, fileops.SafeFilename(show))
}

// Download saves the episode audio into dir and returns its path. An existing
// file with the same name is reused.
func (c *Client) Download(ctx context.Context, ep Episode, dir string) (string, error) {
	if err := fileops.EnsureDir(dir); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, fileops.SafeFilename(ep.Title)+audioExt(ep.AudioURL))
	if fileops.Exists(dst) {
		logger.Debugf("📦 Already downloaded: %s", filepath.Base(dst))
		return dst, nil
	}

	logger.Infof("⬇️  Downloading: %s", ep.Title)
	resp, err := c.http.R().SetContext(ctx).SetDoNotParseResponse(true).Get(ep.AudioURL)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", ep.Title, err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return "", fmt.Errorf("download %s (%d): %s", ep.Title, resp.StatusCode(), resp.Status())
	}

	// Hidden temp name keeps partial downloads out of storage sync.
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("download %s: %w", ep.Title, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("store %s: %w", filepath.Base(dst), err)
	}
	return dst, nil
}

func audioExt(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); fileops.IsAudioFile("x" + ext) {
			return ext
		}
	}
	return ".mp3"
}

// Enqueuer is the part of the queue store an import needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Job, bool, error)
}

// ImportResult summarises one feed import.
type ImportResult struct {
	FeedTitle string   `json:"feed_title"`
	JobIDs    []string `json:"job_ids"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

// Importer downloads feed episodes and queues them.
type Importer struct {
	client *Client
	store  Enqueuer
}

func NewImporter(client *Client, store Enqueuer) *Importer {
	return &Importer{client: client, store: store}
}

// Import queues up to limit episodes of feedURL. A failed download is recorded
// and skipped; a queue write failure aborts the import.
func (i *Importer) Import(ctx context.Context, feedURL string, limit int) (*ImportResult, error) {
	pod, err := i.client.Fetch(ctx, feedURL, limit)
	if err != nil {
		return nil, err
	}

	res := &ImportResult{FeedTitle: pod.Title, JobIDs: []string{}}
	dir := i.client.ShowDir(pod.Title)
	logger.Infof("📡 Importing %s: %d episode(s)", pod.Title, len(pod.Episodes))

	for _, ep := range pod.Episodes {
		audio, err := i.client.Download(ctx, ep, dir)
		if err != nil {
			logger.Warnf("⚠️ %v", err)
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		hash, err := fileops.HashFile(audio)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		job, created, err := i.store.Enqueue(ctx, queue.EnqueueRequest{
			SourceRef:      audio,
			DisplayName:    ep.Title,
			CollectionName: pod.Title,
			FeedURL:        feedURL,
			AudioHash:      hash,
		})
		if err != nil {
			return nil, err
		}
		if !created {
			res.Skipped++
			continue
		}
		res.JobIDs = append(res.JobIDs, job.ID)
	}

	logger.Infof("📡 Imported %s: %d queued, %d already known, %d failed",
		pod.Title, len(res.JobIDs), res.Skipped, len(res.Errors))
	return res, nil
}
