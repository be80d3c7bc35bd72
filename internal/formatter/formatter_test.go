package formatter

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/castscribe/internal/aligner"
)

func fixedFormatter() *Formatter {
	f := New()
	f.newID = func() string { return "11111111-2222-3333-4444-555555555555" }
	f.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

func splitFrontMatter(t *testing.T, out []byte) (map[string]any, string) {
	t.Helper()
	s := string(out)
	require.True(t, strings.HasPrefix(s, "---\n"))
	rest := strings.TrimPrefix(s, "---\n")
	head, body, ok := strings.Cut(rest, "---\n")
	require.True(t, ok)
	var fm map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(head), &fm))
	return fm, body
}

var segments = []aligner.Segment{
	{Start: 0, End: 12.4, Speaker: "SPEAKER_00", Text: "Welcome back to the show, today we talk about tempo runs."},
	{Start: 12.4, End: 30, Speaker: "SPEAKER_01", Text: "Thanks for having me, it is great to be here again."},
}

func TestRender_Full(t *testing.T) {
	t.Parallel()

	out, err := fixedFormatter().Render(Document{
		JobID: "abcdef12-0000",
		Episode: Episode{
			Title:   "Tempo Runs Explained",
			Show:    "Running Hour",
			FeedURL: "https://example.com/feed.xml",
			Source:  "/data/podcasts/ep1.mp3",
		},
		Segments: segments,
		Duration: 1830.7,
		Language: "en",
		Enhancement: &Enhancement{
			Summary:              "Two coaches discuss tempo runs.",
			KeyPoints:            []string{"Run at threshold", "Keep it steady"},
			Keywords:             []string{"tempo runs", "threshold", "coaching", "pacing", "marathon", "recovery"},
			Chapters:             []Chapter{{Name: "Intro", StartTime: 0, Description: "Hosts say hi"}, {StartTime: 95.4}},
			UncertainCorrections: []Correction{{Text: "fartlek"}},
		},
	})
	require.NoError(t, err)

	fm, body := splitFrontMatter(t, out)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", fm["uuid"])
	assert.Equal(t, "Tempo Runs Explained", fm["title"])
	assert.Equal(t, "audio", fm["source_type"])
	assert.Equal(t, "/data/podcasts/ep1.mp3", fm["source"])
	assert.Equal(t, "inbox", fm["status"])
	assert.NotEmpty(t, fm["created"])
	assert.Equal(t, 1830, fm["duration_seconds"])
	assert.Equal(t, "en", fm["language"])
	assert.Equal(t, 2, fm["speakers"])
	assert.Len(t, fm["tags"], 6)
	assert.Equal(t, map[string]any{
		"show":     "Running Hour",
		"episode":  "Tempo Runs Explained",
		"feed_url": "https://example.com/feed.xml",
	}, fm["podcast"])

	var typed frontMatter
	head, _, _ := strings.Cut(strings.TrimPrefix(string(out), "---\n"), "---\n")
	require.NoError(t, yaml.Unmarshal([]byte(head), &typed))
	assert.Equal(t, "2026-03-01T12:00:00Z", typed.Created)

	assert.Contains(t, body, "# Keywords: tempo runs, threshold, coaching, pacing, marathon\n")
	assert.Contains(t, body, "## Summary\n\nTwo coaches discuss tempo runs.")
	assert.Contains(t, body, "- Run at threshold\n")
	assert.Contains(t, body, "- **Intro** ([0s]): Hosts say hi\n")
	assert.Contains(t, body, "- **Section** ([95s]): \n")
	assert.Contains(t, body, "## Needs Review")
	assert.Contains(t, body, "- \"fartlek\"\n")
	assert.Contains(t, body, "[12.4s] SPEAKER_01: Thanks for having me")
}

func TestRender_Minimal(t *testing.T) {
	t.Parallel()

	out, err := fixedFormatter().Render(Document{
		Episode:  Episode{Show: "Running Hour", Source: "https://cdn.example.com/ep.mp3"},
		Segments: segments[:1],
		Duration: 12.4,
	})
	require.NoError(t, err)

	fm, body := splitFrontMatter(t, out)
	assert.Equal(t, "Podcast - Running Hour", fm["title"])
	assert.NotContains(t, fm, "tags")
	assert.NotContains(t, body, "## Summary")
	assert.NotContains(t, body, "## Chapters")
	assert.Contains(t, body, "## Transcript\n\n[0.0s] SPEAKER_00: Welcome back")
}

func TestRender_PrefersCleanedTranscript(t *testing.T) {
	t.Parallel()

	out, err := fixedFormatter().Render(Document{
		Segments:    segments,
		Enhancement: &Enhancement{CleanedTranscript: "[0.0s] SPEAKER_00: Welcome back."},
	})
	require.NoError(t, err)
	assert.Contains(t, string(out), "## Transcript\n\n[0.0s] SPEAKER_00: Welcome back.\n")
	assert.NotContains(t, string(out), "Thanks for having me")
}

func TestNormalizeLanguage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "en", NormalizeLanguage("en", ""))
	assert.Equal(t, "pt", NormalizeLanguage("pt-BR", ""))
	assert.Equal(t, "de", NormalizeLanguage("deu", ""))

	english := "This is a fairly long English sentence about training for a marathon and recovering well afterwards."
	assert.Equal(t, "en", NormalizeLanguage("english", english))
	assert.Equal(t, "en", NormalizeLanguage("auto", english))
	assert.Equal(t, "und", NormalizeLanguage("", ""))
}

func TestFilename(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Ep_12_Tempo_Runs_abcdef12.md", Filename(Document{
		JobID:   "abcdef12-3456",
		Episode: Episode{Title: "Ep 12: Tempo Runs!"},
	}))
	assert.Equal(t, "podcast.md", Filename(Document{}))
	assert.Equal(t, "podcast_abc.md", Filename(Document{JobID: "abc", Episode: Episode{Title: "???"}}))
}
