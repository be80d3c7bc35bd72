package queue

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAudio(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSync_AddsOrphansAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeAudio(t, dir, "show/ep1.mp3", "one")
	writeAudio(t, dir, "show/ep2.mp3", "two")
	writeAudio(t, dir, "show/readme.txt", "not audio")

	s := newTestStore(t, nil, newFakeClock())
	ctx := context.Background()

	stats, err := s.SyncWithStorage(ctx, []string{dir, filepath.Join(dir, "does-not-exist")})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 2, stats.Added)

	jobs := s.List(StatusPending)
	require.Len(t, jobs, 2)
	assert.Equal(t, "show", jobs[0].CollectionName)
	assert.NotEmpty(t, jobs[0].AudioHash)

	stats, err = s.SyncWithStorage(ctx, []string{dir})
	require.NoError(t, err)
	assert.Zero(t, stats.Added)
	assert.Equal(t, 2, stats.AlreadyQueued)
	assert.Len(t, s.List(), 2)
}

func TestSync_SkipsCopiesOfKnownAudio(t *testing.T) {
	dir := t.TempDir()
	writeAudio(t, dir, "a.mp3", "same-bytes")
	writeAudio(t, dir, "copy/a-copy.mp3", "same-bytes")

	s := newTestStore(t, nil, newFakeClock())
	stats, err := s.SyncWithStorage(context.Background(), []string{dir})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Added)
	assert.Equal(t, 1, stats.AlreadyQueued)
}

func TestSync_DoesNotResurrectCancelled(t *testing.T) {
	dir := t.TempDir()
	path := writeAudio(t, dir, "ep.mp3", "audio")

	s := newTestStore(t, nil, newFakeClock())
	ctx := context.Background()
	job := enqueue(t, s, path)
	_, err := s.Transition(ctx, job.ID, []Status{StatusPending}, StatusCancelled)
	require.NoError(t, err)

	stats, err := s.SyncWithStorage(ctx, []string{dir})
	require.NoError(t, err)
	assert.Zero(t, stats.Added)
	assert.Empty(t, s.List(StatusPending))
}

func TestSync_FlagsMissingSources(t *testing.T) {
	dir := t.TempDir()
	gonePending := writeAudio(t, dir, "gone-pending.mp3", "1")
	goneProcessing := writeAudio(t, dir, "gone-processing.mp3", "2")
	kept := writeAudio(t, dir, "kept.mp3", "3")

	s := newTestStore(t, nil, newFakeClock())
	ctx := context.Background()

	processing := enqueue(t, s, goneProcessing)
	pending := enqueue(t, s, gonePending)
	keptJob := enqueue(t, s, kept)
	remote := enqueue(t, s, "https://example.com/feed/ep.mp3")

	_, err := s.Transition(ctx, processing.ID, []Status{StatusPending}, StatusProcessing)
	require.NoError(t, err)

	require.NoError(t, os.Remove(gonePending))
	require.NoError(t, os.Remove(goneProcessing))

	stats, err := s.SyncWithStorage(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Missing)
	assert.Equal(t, 1, stats.Flagged)

	got, err := s.Get(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.True(t, got.SourceMissing)
	assert.Equal(t, missingSourceMessage, got.ErrorMessage)

	got, err = s.Get(processing.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status, "the running job is never disturbed")
	assert.False(t, got.SourceMissing)

	got, err = s.Get(remote.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	pendingJobs := s.List(StatusPending)
	require.Len(t, pendingJobs, 2)
	assert.Equal(t, keptJob.ID, pendingJobs[0].ID)
	assert.Equal(t, 1, pendingJobs[0].QueuePosition)
	assertDensePending(t, s)

	stats, err = s.SyncWithStorage(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Missing)
	assert.Zero(t, stats.Flagged)

	writeAudio(t, dir, "gone-pending.mp3", "1")
	stats, err = s.SyncWithStorage(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Restored)

	got, err = s.Get(pending.ID)
	require.NoError(t, err)
	assert.False(t, got.SourceMissing)
	assert.Empty(t, got.ErrorMessage)
}

func TestSync_OutlivesCancelledCaller(t *testing.T) {
	dir := t.TempDir()
	writeAudio(t, dir, "ep1.mp3", "one")

	s := newTestStore(t, nil, newFakeClock())
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	_, _ = s.SyncWithStorage(cancelled, []string{dir})
	require.Eventually(t, func() bool { return len(s.List()) == 1 }, 2*time.Second, 5*time.Millisecond,
		"the sync keeps running after its caller is gone")

	// A later caller either joins the detached sync or finds its result.
	stats, err := s.SyncWithStorage(context.Background(), []string{dir})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Added+stats.AlreadyQueued)
	assert.Len(t, s.List(StatusPending), 1)
}
