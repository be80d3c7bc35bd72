package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/castscribe/internal/formatter"
	"github.com/castscribe/pkg/logger"
)

const (
	cleanupChunkChars = 3000
	keywordChars      = 6000
	sampleChars       = 4000
	// a cleanup reply shorter than this share of its input is discarded
	minCleanupRatio = 0.5
)

const cleanupPrompt = `You are cleaning up an automated podcast transcript.

Fix these issues while preserving timestamps [X.Xs] and speaker labels (SPEAKER_00:):
1. Domain terms misheard by speech recognition, e.g. "exercise physiology", "VO2 max", "lactate threshold"
2. Filler words: um, uh, you know, I mean (unless meaningful)
3. Obvious transcription errors from context
4. Do NOT change meaning or add content

When you are less than 80%% sure of a correction, wrap the corrected words as [[corrected text??]].
Return ONLY the cleaned transcript.

Transcript chunk:
%s`

const keywordPrompt = `Extract 5-10 keywords from this podcast transcript.
Return ONLY a JSON array of strings, nothing else.

Example: ["marathon training", "tempo runs", "injury prevention"]

Transcript:
%s`

const sectionPrompt = `Identify chapters/sections in this podcast transcript.
Common sections: introduction, main topic discussion, sponsor reads, Q&A, conclusion/outro.

Return ONLY a JSON array of objects with "name", "start_time", and "description" fields.
Times should be in seconds (numbers, not strings).

Example: [{"name": "Introduction", "start_time": 0.0, "description": "Hosts introduce the topic"}]

Transcript:
%s`

const summaryPrompt = `Summarize this podcast transcript in 3-5 sentences of plain prose.
Return ONLY the summary.

Transcript:
%s`

const keyPointsPrompt = `List the 3-7 most important takeaways from this podcast transcript.
Return ONLY a JSON array of strings, nothing else.

Transcript:
%s`

var uncertainMarker = regexp.MustCompile(`\[\[(.+?)\?\?\]\]`)

var placeholderPrefixes = []string{
	"i'd be happy to",
	"i would be happy to",
	"please provide",
	"here is the cleaned",
	"here's the cleaned",
	"sure,",
}

// Enhance cleans the transcript and extracts summary, key points, keywords
// and chapters. Transport failures abort; unparseable model output only
// drops the affected field.
func (c *Client) Enhance(ctx context.Context, transcript string) (*formatter.Enhancement, error) {
	enh := &formatter.Enhancement{CleanedTranscript: transcript}
	if strings.TrimSpace(transcript) == "" {
		return enh, nil
	}

	cleaned, err := c.cleanup(ctx, transcript)
	if err != nil {
		return nil, err
	}
	enh.CleanedTranscript, enh.UncertainCorrections = ExtractUncertainCorrections(cleaned)

	if enh.Keywords, err = c.jsonList(ctx, keywordPrompt, truncate(enh.CleanedTranscript, keywordChars)); err != nil {
		return nil, err
	}
	if enh.KeyPoints, err = c.jsonList(ctx, keyPointsPrompt, sample(enh.CleanedTranscript)); err != nil {
		return nil, err
	}
	if enh.Chapters, err = c.chapters(ctx, sample(enh.CleanedTranscript)); err != nil {
		return nil, err
	}
	summary, err := c.Generate(ctx, fmt.Sprintf(summaryPrompt, sample(enh.CleanedTranscript)))
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	enh.Summary = strings.TrimSpace(summary)

	logger.Infof("✨ Enhanced transcript: %d keywords, %d chapters, %d key points, %d to review",
		len(enh.Keywords), len(enh.Chapters), len(enh.KeyPoints), len(enh.UncertainCorrections))
	return enh, nil
}

func (c *Client) cleanup(ctx context.Context, transcript string) (string, error) {
	chunks := splitLines(transcript, cleanupChunkChars)
	out := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		resp, err := c.Generate(ctx, fmt.Sprintf(cleanupPrompt, chunk))
		if err != nil {
			return "", fmt.Errorf("cleanup chunk %d: %w", i+1, err)
		}
		resp = strings.TrimSpace(resp)
		if !validCleanup(chunk, resp) {
			logger.Warnf("⚠️ Cleanup reply for chunk %d/%d rejected, keeping original", i+1, len(chunks))
			out = append(out, chunk)
			continue
		}
		out = append(out, resp)
	}
	return strings.Join(out, "\n"), nil
}

func validCleanup(original, resp string) bool {
	if float64(len(resp)) < float64(len(strings.TrimSpace(original)))*minCleanupRatio {
		return false
	}
	lower := strings.ToLower(resp)
	for _, p := range placeholderPrefixes {
		if strings.HasPrefix(lower, p) {
			return false
		}
	}
	return true
}

// splitLines packs whole lines into chunks of at most max characters.
func splitLines(text string, max int) []string {
	var chunks []string
	var cur []string
	size := 0
	for _, line := range strings.Split(text, "\n") {
		if size+len(line) > max && len(cur) > 0 {
			chunks = append(chunks, strings.Join(cur, "\n"))
			cur, size = nil, 0
		}
		cur = append(cur, line)
		size += len(line) + 1
	}
	if len(cur) > 0 {
		chunks = append(chunks, strings.Join(cur, "\n"))
	}
	return chunks
}

// ExtractUncertainCorrections strips [[text??]] markers and returns the marked texts.
func ExtractUncertainCorrections(text string) (string, []formatter.Correction) {
	var items []formatter.Correction
	cleaned := uncertainMarker.ReplaceAllStringFunc(text, func(m string) string {
		inner := uncertainMarker.FindStringSubmatch(m)[1]
		items = append(items, formatter.Correction{Text: inner})
		return inner
	})
	return cleaned, items
}

func (c *Client) jsonList(ctx context.Context, prompt, text string) ([]string, error) {
	resp, err := c.Generate(ctx, fmt.Sprintf(prompt, text))
	if err != nil {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal([]byte(jsonArray(resp)), &out); err != nil {
		logger.Warnf("⚠️ Could not parse list from model output: %v", err)
		return nil, nil
	}
	return out, nil
}

func (c *Client) chapters(ctx context.Context, text string) ([]formatter.Chapter, error) {
	resp, err := c.Generate(ctx, fmt.Sprintf(sectionPrompt, text))
	if err != nil {
		return nil, err
	}
	var out []formatter.Chapter
	if err := json.Unmarshal([]byte(jsonArray(resp)), &out); err != nil {
		logger.Warnf("⚠️ Could not parse chapters from model output: %v", err)
		return nil, nil
	}
	return out, nil
}

// jsonArray trims chatter around the first [...] block in s.
func jsonArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:runeFloor(s, n)]
}

// sample keeps the head and tail of long transcripts.
func sample(s string) string {
	if len(s) <= 2*sampleChars+2000 {
		return s
	}
	head := s[:runeFloor(s, sampleChars)]
	tail := s[runeFloor(s, len(s)-sampleChars):]
	return head + "\n\n[...middle section...]\n\n" + tail
}

// runeFloor moves i back to the start of the rune it falls inside.
func runeFloor(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}
