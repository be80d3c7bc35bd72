package pipeline

import (
	"fmt"
	"time"

	"github.com/castscribe/pkg/logger"
)

// stageClock measures one stage and writes the elapsed time into the job's
// per-stage durations when stopped.
type stageClock struct {
	stage Stage
	into  map[Stage]time.Duration
	start time.Time
}

func clockStage(stage Stage, into map[Stage]time.Duration) *stageClock {
	return &stageClock{stage: stage, into: into, start: time.Now()}
}

func (c *stageClock) stop() {
	elapsed := time.Since(c.start)
	c.into[c.stage] = elapsed
	logger.Infof("   ⏱️  %s took %s", c.stage, FormatDuration(elapsed))
}

// FormatDuration renders d as 850ms, 12.4s, 7m03s or 1h12m.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
