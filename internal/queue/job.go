package queue

import (
	"time"
)

// Status represents the current state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusReview     Status = "review"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{
	StatusProcessing,
	StatusPending,
	StatusReview,
	StatusFailed,
	StatusCompleted,
	StatusCancelled,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusReview, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Job is one queued unit of audio-to-transcript work.
type Job struct {
	ID             string `json:"id"`
	SourceRef      string `json:"source_ref"`
	AudioHash      string `json:"audio_hash,omitempty"`
	DisplayName    string `json:"display_name"`
	CollectionName string `json:"collection_name,omitempty"`
	FeedURL        string `json:"feed_url,omitempty"`

	Status        Status `json:"status"`
	QueuePosition int    `json:"queue_position"` // 1-based among pending jobs, 0 otherwise
	Attempts      int    `json:"attempts"`
	ErrorMessage  string `json:"error_message,omitempty"`
	SourceMissing bool   `json:"source_missing,omitempty"`
	ResultPath    string `json:"result_path,omitempty"`

	AddedAt         time.Time `json:"added_at"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	CompletedAt     time.Time `json:"completed_at,omitempty"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// EnqueueRequest describes a new job.
type EnqueueRequest struct {
	SourceRef      string `json:"source_ref"`
	DisplayName    string `json:"display_name"`
	CollectionName string `json:"collection_name"`
	FeedURL        string `json:"feed_url"`
	// AudioHash deduplicates local files that were re-added under another path.
	AudioHash string `json:"-"`
}

// Summary is the queue overview served to pollers.
type Summary struct {
	Total                     int            `json:"total"`
	ByStatus                  map[Status]int `json:"by_status"`
	EstimatedRemainingSeconds float64        `json:"estimated_remaining_seconds"`
	AvgProcessingSeconds      float64        `json:"avg_processing_seconds"`
	Jobs                      []*Job         `json:"jobs"`
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	tmp := *job
	return &tmp
}
