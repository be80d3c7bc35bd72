package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/castscribe/internal/backend"
	"github.com/castscribe/internal/feed"
	"github.com/castscribe/internal/fileops"
	"github.com/castscribe/internal/queue"
	"github.com/castscribe/internal/runner"
	"github.com/castscribe/internal/version"
	"github.com/castscribe/pkg/logger"
)

// RunHistory lists finished run sessions.
type RunHistory interface {
	ListRuns(ctx context.Context, limit int) ([]runner.RunSummary, error)
}

// FeedImporter queues episodes from a podcast feed.
type FeedImporter interface {
	Import(ctx context.Context, feedURL string, limit int) (*feed.ImportResult, error)
}

// Config carries the settings the handlers need at request time.
type Config struct {
	APIToken         string
	AudioDirs        []string
	HeartbeatTimeout time.Duration
	Backend          string
}

// Handler handles HTTP requests.
type Handler struct {
	store    *queue.Store
	runner   *runner.Controller
	backends *backend.Selector
	history  RunHistory
	feeds    FeedImporter
	cfg      Config
}

// Option customises a Handler.
type Option func(*Handler)

// WithFeedImporter enables POST /queue/import-feed.
func WithFeedImporter(f FeedImporter) Option {
	return func(h *Handler) { h.feeds = f }
}

// New creates a new Handler. history may be nil.
func New(store *queue.Store, ctrl *runner.Controller, backends *backend.Selector, history RunHistory, cfg Config, opts ...Option) *Handler {
	h := &Handler{
		store:    store,
		runner:   ctrl,
		backends: backends,
		history:  history,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.GET("/health", h.Health)
		api.GET("/version", h.Version)
	}

	authed := api.Group("", h.requireToken())
	{
		// Queue
		authed.GET("/queue", h.GetQueue)
		authed.POST("/queue", h.Enqueue)
		authed.GET("/queue/:id", h.GetJob)
		authed.POST("/queue/retry", h.RetryFailed)
		authed.POST("/queue/sync", h.Sync)
		authed.POST("/queue/reset-stuck", h.ResetStuck)
		authed.POST("/queue/import-dir", h.ImportDir)
		authed.POST("/queue/import-feed", h.ImportFeed)

		// Run loop
		authed.POST("/run/start", h.StartRun)
		authed.GET("/run/status", h.RunStatus)
		authed.POST("/run/stop", h.StopRun)
		authed.POST("/run/abort", h.AbortRun)
		authed.POST("/run/cancel/:id", h.CancelJob)
		authed.GET("/run/history", h.RunHistory)

		authed.GET("/backends", h.Backends)
	}
}

// requireToken accepts ?token= or "Authorization: Bearer". No token configured means open access.
func (h *Handler) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		want := h.cfg.APIToken
		if want == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			got = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// Health returns service health status.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Version returns build information.
func (h *Handler) Version(c *gin.Context) {
	c.JSON(http.StatusOK, version.Get())
}

// GetQueue returns counts, ETA and every job.
func (h *Handler) GetQueue(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.Status())
}

// Enqueue adds one episode.
func (h *Handler) Enqueue(c *gin.Context) {
	var req queue.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.SourceRef) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": queue.ErrEmptySource.Error()})
		return
	}

	ref := strings.TrimSpace(req.SourceRef)
	if req.DisplayName == "" {
		req.DisplayName = fileops.DisplayName(ref)
	}
	if !fileops.IsRemote(ref) && fileops.Exists(ref) {
		hash, err := fileops.HashFile(ref)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req.AudioHash = hash
	}

	job, created, err := h.store.Enqueue(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"job": job, "created": created})
}

// GetJob returns a specific job by ID.
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.store.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

// RetryFailed re-queues every failed and review job.
func (h *Handler) RetryFailed(c *gin.Context) {
	n, err := h.store.RetryFailed(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried_count": n})
}

// Sync reconciles the audio directories with the queue.
func (h *Handler) Sync(c *gin.Context) {
	stats, err := h.store.SyncWithStorage(c.Request.Context(), h.cfg.AudioDirs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ResetStuck returns stale processing jobs to the pending line.
func (h *Handler) ResetStuck(c *gin.Context) {
	timeout := h.cfg.HeartbeatTimeout
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timeout"})
			return
		}
		timeout = d
	}

	n, err := h.store.ResetStuck(c.Request.Context(), timeout)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset_count": n})
}

// ImportFeedRequest downloads and enqueues the newest episodes of a feed.
type ImportFeedRequest struct {
	FeedURL string `json:"feed_url" binding:"required"`
	Limit   int    `json:"limit"`
}

// ImportFeed enqueues episodes from a podcast RSS feed.
func (h *Handler) ImportFeed(c *gin.Context) {
	if h.feeds == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "feed import is not configured"})
		return
	}
	var req ImportFeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !fileops.IsRemote(req.FeedURL) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "feed_url must be an http(s) URL"})
		return
	}
	if req.Limit <= 0 {
		req.Limit = feed.DefaultLimit
	}

	res, err := h.feeds.Import(c.Request.Context(), req.FeedURL, req.Limit)
	switch {
	case errors.Is(err, feed.ErrNoEpisodes):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	response := gin.H{
		"feed_title":  res.FeedTitle,
		"added_count": len(res.JobIDs),
		"job_ids":     res.JobIDs,
		"skipped":     res.Skipped,
	}
	if len(res.Errors) > 0 {
		response["errors"] = res.Errors
	}
	c.JSON(http.StatusOK, response)
}

// ImportDirRequest enqueues every audio file below Dir.
type ImportDirRequest struct {
	Dir            string `json:"dir" binding:"required"`
	CollectionName string `json:"collection_name"`
	FeedURL        string `json:"feed_url"`
}

// ImportDir enqueues every audio file in a directory.
func (h *Handler) ImportDir(c *gin.Context) {
	var req ImportDirRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	files, err := fileops.FindAudioFiles(req.Dir)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobIDs := make([]string, 0, len(files))
	var skipped int
	var errs []string
	for _, path := range files {
		hash, err := fileops.HashFile(path)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		job, created, err := h.store.Enqueue(c.Request.Context(), queue.EnqueueRequest{
			SourceRef:      path,
			DisplayName:    fileops.DisplayName(path),
			CollectionName: req.CollectionName,
			FeedURL:        req.FeedURL,
			AudioHash:      hash,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !created {
			skipped++
			continue
		}
		jobIDs = append(jobIDs, job.ID)
	}

	logger.Infof("📂 Imported %s: %d queued, %d already known", req.Dir, len(jobIDs), skipped)
	response := gin.H{
		"queued":  len(jobIDs),
		"skipped": skipped,
		"jobs":    jobIDs,
	}
	if len(errs) > 0 {
		response["errors"] = errs
	}
	c.JSON(http.StatusOK, response)
}

// StartRunRequest is the body of POST /run/start. Both fields are optional.
type StartRunRequest struct {
	Limit   int    `json:"limit"`
	Backend string `json:"backend"`
}

// StartRun starts the scheduling loop.
func (h *Handler) StartRun(c *gin.Context) {
	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.runner.Start(c.Request.Context(), req.Limit, req.Backend)
	switch {
	case errors.Is(err, backend.ErrUnknownBackend):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, backend.ErrNoViableBackend):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": res})
}

// RunStatus returns the run loop snapshot.
func (h *Handler) RunStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.runner.Status())
}

// StopRun asks the loop to end after the current job.
func (h *Handler) StopRun(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stopping": h.runner.Stop()})
}

// AbortRun ends the loop and cancels the current job.
func (h *Handler) AbortRun(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"aborting": h.runner.Abort()})
}

// CancelJob cancels one job, pending or in flight.
func (h *Handler) CancelJob(c *gin.Context) {
	res, err := h.runner.CancelJob(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, queue.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": res})
}

// RunHistory lists recent run sessions.
func (h *Handler) RunHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusOK, gin.H{"runs": []runner.RunSummary{}})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	runs, err := h.history.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// Backends reports the probe result and the candidate order for the configured preference.
func (h *Handler) Backends(c *gin.Context) {
	if c.Query("refresh") == "true" {
		h.backends.Refresh(c.Request.Context())
	}
	caps := h.backends.Capabilities(c.Request.Context())
	response := gin.H{
		"capabilities": caps,
		"preference":   h.cfg.Backend,
		"kinds":        backend.AllKinds,
	}
	cands, err := backend.Candidates(h.cfg.Backend, caps)
	if err != nil {
		response["error"] = err.Error()
	} else {
		response["candidates"] = cands
	}
	c.JSON(http.StatusOK, response)
}
