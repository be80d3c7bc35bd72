// Package formatter renders a finished transcript as markdown with YAML front matter.
package formatter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/castscribe/internal/aligner"
)

// Chapter is one detected section of an episode.
type Chapter struct {
	Name        string  `json:"name"`
	StartTime   float64 `json:"start_time"`
	Description string  `json:"description"`
}

// Correction is an LLM edit made with low confidence.
type Correction struct {
	Text string `json:"text"`
}

// Enhancement is the optional LLM output attached to a transcript.
type Enhancement struct {
	CleanedTranscript    string       `json:"cleaned_transcript,omitempty"`
	Summary              string       `json:"summary,omitempty"`
	KeyPoints            []string     `json:"key_points,omitempty"`
	Keywords             []string     `json:"keywords,omitempty"`
	Chapters             []Chapter    `json:"chapters,omitempty"`
	UncertainCorrections []Correction `json:"uncertain_corrections,omitempty"`
}

// Episode is the descriptive metadata of the source audio.
type Episode struct {
	Title   string
	Show    string
	FeedURL string
	Source  string
}

// Document is everything the renderer needs.
type Document struct {
	JobID       string
	Episode     Episode
	Segments    []aligner.Segment
	Duration    float64
	Language    string
	Enhancement *Enhancement
}

const maxTags = 10

type podcastMeta struct {
	Show    string `yaml:"show,omitempty"`
	Episode string `yaml:"episode,omitempty"`
	FeedURL string `yaml:"feed_url,omitempty"`
}

type frontMatter struct {
	UUID            string       `yaml:"uuid"`
	Title           string       `yaml:"title"`
	SourceType      string       `yaml:"source_type"`
	Source          string       `yaml:"source"`
	Status          string       `yaml:"status"`
	Created         string       `yaml:"created"`
	DurationSeconds int          `yaml:"duration_seconds"`
	Language        string       `yaml:"language"`
	Speakers        int          `yaml:"speakers"`
	Tags            []string     `yaml:"tags,omitempty"`
	Podcast         *podcastMeta `yaml:"podcast,omitempty"`
}

// Formatter renders documents. The zero value is not usable; call New.
type Formatter struct {
	newID func() string
	now   func() time.Time
}

func New() *Formatter {
	return &Formatter{
		newID: func() string { return uuid.NewString() },
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Render produces the markdown artifact.
func (f *Formatter) Render(doc Document) ([]byte, error) {
	enh := doc.Enhancement
	if enh == nil {
		enh = &Enhancement{}
	}
	speakers := aligner.Speakers(doc.Segments)
	lang := NormalizeLanguage(doc.Language, PlainText(doc.Segments))

	fm := frontMatter{
		UUID:            f.newID(),
		Title:           title(doc.Episode),
		SourceType:      "audio",
		Source:          doc.Episode.Source,
		Status:          "inbox",
		Created:         f.now().Format(time.RFC3339),
		DurationSeconds: int(doc.Duration),
		Language:        lang,
		Speakers:        len(speakers),
	}
	if len(enh.Keywords) > 0 {
		fm.Tags = enh.Keywords[:min(len(enh.Keywords), maxTags)]
	}
	if doc.Episode.Show != "" || doc.Episode.Title != "" || doc.Episode.FeedURL != "" {
		fm.Podcast = &podcastMeta{Show: doc.Episode.Show, Episode: doc.Episode.Title, FeedURL: doc.Episode.FeedURL}
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(fm); err != nil {
		return nil, fmt.Errorf("encode front matter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode front matter: %w", err)
	}
	buf.WriteString("---\n\n")

	fmt.Fprintf(&buf, "# Language: %s\n", lang)
	fmt.Fprintf(&buf, "# Speakers: %d\n", len(speakers))
	fmt.Fprintf(&buf, "# Duration: %ds\n", int(doc.Duration))
	if len(enh.Keywords) > 0 {
		fmt.Fprintf(&buf, "# Keywords: %s\n", strings.Join(enh.Keywords[:min(len(enh.Keywords), 5)], ", "))
	}

	if s := strings.TrimSpace(enh.Summary); s != "" {
		fmt.Fprintf(&buf, "\n## Summary\n\n%s\n", s)
	}
	if len(enh.KeyPoints) > 0 {
		buf.WriteString("\n## Key Points\n\n")
		for _, p := range enh.KeyPoints {
			fmt.Fprintf(&buf, "- %s\n", p)
		}
	}
	if len(enh.Chapters) > 0 {
		buf.WriteString("\n## Chapters\n\n")
		for _, c := range enh.Chapters {
			name := c.Name
			if name == "" {
				name = "Section"
			}
			fmt.Fprintf(&buf, "- **%s** ([%.0fs]): %s\n", name, c.StartTime, c.Description)
		}
	}
	if len(enh.UncertainCorrections) > 0 {
		buf.WriteString("\n## Needs Review\n\n")
		buf.WriteString("The following corrections were made with low confidence and should be verified:\n\n")
		for _, c := range enh.UncertainCorrections {
			fmt.Fprintf(&buf, "- %q\n", c.Text)
		}
	}

	transcript := strings.TrimSpace(enh.CleanedTranscript)
	if transcript == "" {
		transcript = TranscriptText(doc.Segments)
	}
	fmt.Fprintf(&buf, "\n## Transcript\n\n%s\n", transcript)
	return buf.Bytes(), nil
}

func title(ep Episode) string {
	switch {
	case ep.Title != "":
		return ep.Title
	case ep.Show != "":
		return "Podcast - " + ep.Show
	default:
		return "Podcast"
	}
}

// TranscriptText renders one "[12.3s] SPEAKER_00: text" line per segment.
func TranscriptText(segs []aligner.Segment) string {
	lines := make([]string, 0, len(segs))
	for _, s := range segs {
		speaker := ""
		if s.Speaker != "" {
			speaker = s.Speaker + ": "
		}
		lines = append(lines, fmt.Sprintf("[%.1fs] %s%s", s.Start, speaker, s.Text))
	}
	return strings.Join(lines, "\n")
}

// PlainText joins segment text without timestamps or labels.
func PlainText(segs []aligner.Segment) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		parts = append(parts, s.Text)
	}
	return strings.Join(parts, " ")
}

var unsafeChars = regexp.MustCompile(`[^\w\s-]`)

// Filename returns "<safe_title>_<job prefix>.md".
func Filename(doc Document) string {
	t := doc.Episode.Title
	if t == "" {
		t = "podcast"
	}
	safe := unsafeChars.ReplaceAllString(t, "")
	if r := []rune(safe); len(r) > 50 {
		safe = string(r[:50])
	}
	safe = strings.ReplaceAll(strings.TrimSpace(safe), " ", "_")
	if safe == "" {
		safe = "podcast"
	}
	id := doc.JobID
	if len(id) > 8 {
		id = id[:8]
	}
	if id == "" {
		return safe + ".md"
	}
	return safe + "_" + id + ".md"
}
