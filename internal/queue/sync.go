package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/castscribe/internal/fileops"
	"github.com/castscribe/pkg/logger"
)

const missingSourceMessage = "source file missing"

// SyncStats reports what a storage reconciliation changed.
type SyncStats struct {
	Scanned       int `json:"scanned"`
	Added         int `json:"added"`
	AlreadyQueued int `json:"already_queued"`
	Missing       int `json:"missing"`  // jobs whose local source is currently gone
	Flagged       int `json:"flagged"`  // newly flagged by this call
	Restored      int `json:"restored"` // previously missing sources that came back
	Errors        int `json:"errors"`
}

// SyncWithStorage reconciles audio directories against the queue. Orphaned audio
// files are enqueued; jobs whose local source vanished are flagged, and pending
// ones move to failed so the run loop skips them. Processing jobs and remote
// sources are never touched. Concurrent calls share one execution, which runs
// to completion even if the caller that started it goes away.
func (s *Store) SyncWithStorage(ctx context.Context, dirs []string) (SyncStats, error) {
	detached := context.WithoutCancel(ctx)
	ch := s.syncGroup.DoChan("sync", func() (any, error) {
		return s.syncWithStorage(detached, dirs)
	})
	select {
	case <-ctx.Done():
		return SyncStats{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			logger.Debugf("🔄 Sync request joined an in-flight sync")
		}
		if res.Err != nil {
			return SyncStats{}, res.Err
		}
		return res.Val.(SyncStats), nil
	}
}

func (s *Store) syncWithStorage(ctx context.Context, dirs []string) (SyncStats, error) {
	var stats SyncStats

	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		files, err := fileops.FindAudioFiles(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				logger.Warnf("⚠️ Audio dir %s does not exist, skipping", dir)
				continue
			}
			return stats, fmt.Errorf("scan %s: %w", dir, err)
		}
		for _, path := range files {
			stats.Scanned++
			if s.knownAudio(path, "") {
				stats.AlreadyQueued++
				continue
			}
			hash, err := fileops.HashFile(path)
			if err != nil {
				logger.Warnf("⚠️ Skipping unreadable file %s: %v", path, err)
				stats.Errors++
				continue
			}
			if s.knownAudio(path, hash) {
				stats.AlreadyQueued++
				continue
			}
			_, created, err := s.Enqueue(ctx, EnqueueRequest{
				SourceRef:      path,
				DisplayName:    fileops.DisplayName(path),
				CollectionName: filepath.Base(filepath.Dir(path)),
				AudioHash:      hash,
			})
			if err != nil {
				return stats, err
			}
			if created {
				stats.Added++
			} else {
				stats.AlreadyQueued++
			}
		}
	}

	if err := s.reconcileMissing(ctx, &stats); err != nil {
		return stats, err
	}

	logger.Infof("🔄 Sync: scanned=%d added=%d queued=%d missing=%d (new %d) restored=%d",
		stats.Scanned, stats.Added, stats.AlreadyQueued, stats.Missing, stats.Flagged, stats.Restored)
	return stats, nil
}

// knownAudio matches any job, cancelled ones included, so sync never
// resurrects an episode the operator cancelled.
func (s *Store) knownAudio(path, hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.jobs {
		if job.SourceRef == path || (hash != "" && job.AudioHash == hash) {
			return true
		}
	}
	return false
}

// reconcileMissing checks local sources of jobs that still need them.
// Completed and cancelled jobs are left alone: deleting audio after
// transcription is normal.
func (s *Store) reconcileMissing(ctx context.Context, stats *SyncStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.begin()
	for id, job := range s.jobs {
		if job.Status == StatusProcessing || job.Status.Terminal() || fileops.IsRemote(job.SourceRef) {
			continue
		}
		exists := fileops.Exists(job.SourceRef)
		switch {
		case !exists:
			stats.Missing++
			if job.SourceMissing {
				continue
			}
			stats.Flagged++
			edited := m.edit(id)
			if edited.Status == StatusPending {
				m.moveTo(edited, StatusFailed)
			}
			edited.SourceMissing = true
			edited.ErrorMessage = missingSourceMessage
			logger.Warnf("⚠️ Source missing for job %s: %s", id, job.SourceRef)
		case job.SourceMissing:
			stats.Restored++
			edited := m.edit(id)
			edited.SourceMissing = false
			if edited.ErrorMessage == missingSourceMessage {
				edited.ErrorMessage = ""
			}
			edited.UpdatedAt = s.now()
		}
	}
	m.renumber()
	return m.commit(ctx)
}
