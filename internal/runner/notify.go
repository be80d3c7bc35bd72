package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/castscribe/internal/pipeline"
	"github.com/castscribe/internal/queue"
	"github.com/castscribe/pkg/logger"
)

func (c *Controller) notifySuccess(ctx context.Context, job *queue.Job, res *pipeline.Result) {
	if c.notifier == nil {
		return
	}

	title := "🎙️ Transcript Ready"
	body := fmt.Sprintf("**%s**\n\nSpeakers: %d\nTranscription: %s\nTotal: %s",
		job.DisplayName,
		len(res.Speakers),
		pipeline.FormatDuration(res.StageDurations[pipeline.StageTranscribing]),
		pipeline.FormatDuration(res.ProcessingTime),
	)
	if len(res.Fallbacks) > 0 {
		body += fmt.Sprintf("\nCPU fallbacks: %d", len(res.Fallbacks))
	}

	if err := c.notifier.NotifySuccess(ctx, title, body); err != nil {
		logger.Warnf("⚠️ Failed to send notification: %v", err)
	}
}

func (c *Controller) notifyError(ctx context.Context, job *queue.Job, err error) {
	if c.notifier == nil {
		return
	}

	title := "❌ Transcription Failed"
	body := fmt.Sprintf("**%s**\nAttempt: %d\nError: %v", job.DisplayName, job.Attempts, err)

	if notifyErr := c.notifier.NotifyError(ctx, title, body); notifyErr != nil {
		logger.Warnf("⚠️ Failed to send error notification: %v", notifyErr)
	}
}

func (c *Controller) notifyInfo(ctx context.Context, run RunSummary) {
	if c.notifier == nil {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Completed: %d\nFailed: %d\nCancelled: %d\n", run.ProcessedCount, run.ErrorCount, run.CancelledCount)
	fmt.Fprintf(&b, "Duration: %s\nReason: %s", pipeline.FormatDuration(run.FinishedAt.Sub(run.StartedAt)), run.StopReason)

	if err := c.notifier.NotifyInfo(ctx, "🏁 Run Finished", b.String()); err != nil {
		logger.Warnf("⚠️ Failed to send notification: %v", err)
	}
}
