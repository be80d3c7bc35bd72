// Package aligner turns word-level transcription timestamps and diarization
// speaker spans into speaker-labeled transcript segments.
//
// The pipeline is: label every word with the span that contains its midpoint,
// coalesce consecutive words of one speaker, then repeatedly absorb
// micro-segments into their longer neighbour and fold minor speakers into the
// nearest dominant one until nothing changes. Running Merge on its own output
// returns the same segments.
package aligner

import (
	"math"
	"sort"
	"strings"
)

// SingleSpeaker labels every segment when no diarization output exists.
const SingleSpeaker = "SPEAKER_00"

// Word is one transcribed token with absolute timestamps in seconds.
type Word struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Span is one diarization turn.
type Span struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// Segment is a run of words attributed to one speaker.
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
	Text    string  `json:"text"`
	Words   []Word  `json:"words,omitempty"`
}

// Duration in seconds.
func (s Segment) Duration() float64 { return s.End - s.Start }

// Config holds the merge thresholds.
type Config struct {
	// MicroSegmentFloor: segments shorter than this many seconds are absorbed.
	MicroSegmentFloor float64
	// A speaker with fewer segments than MinSpeakerSegments, or less than
	// MinSpeakerShare of total speaking time, is minor.
	MinSpeakerSegments int
	MinSpeakerShare    float64
	// MaxMergeGap bounds how far (seconds) a minor speaker may be from the
	// dominant speaker it is folded into. Zero means unbounded.
	MaxMergeGap float64
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		MicroSegmentFloor:  1.5,
		MinSpeakerSegments: 3,
		MinSpeakerShare:    0.05,
		MaxMergeGap:        30,
	}
}

// Align runs the full pipeline. With no spans every word goes to SingleSpeaker.
func Align(words []Word, spans []Span, cfg Config) []Segment {
	words = normalizeWords(words)
	if len(words) == 0 {
		return nil
	}

	labels := AssignSpeakers(words, spans)
	return Merge(Group(words, labels), cfg)
}

// normalizeWords sorts by start, drops empty tokens and clamps overlaps so
// segments built from the result never overlap.
func normalizeWords(in []Word) []Word {
	out := make([]Word, 0, len(in))
	for _, w := range in {
		w.Text = strings.TrimSpace(w.Text)
		if w.Text == "" {
			continue
		}
		out = append(out, w)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })

	prevEnd := math.Inf(-1)
	for i := range out {
		if out[i].Start < prevEnd {
			out[i].Start = prevEnd
		}
		if out[i].End < out[i].Start {
			out[i].End = out[i].Start
		}
		prevEnd = out[i].End
	}
	return out
}

// AssignSpeakers returns one label per word. A span containing the word's
// midpoint wins; among several the one overlapping the word most wins; with
// none, the span nearest the midpoint wins.
func AssignSpeakers(words []Word, spans []Span) []string {
	labels := make([]string, len(words))
	if len(spans) == 0 {
		for i := range labels {
			labels[i] = SingleSpeaker
		}
		return labels
	}

	sorted := append([]Span(nil), spans...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	for i, w := range words {
		mid := (w.Start + w.End) / 2

		best := -1
		bestOverlap := -1.0
		for j, sp := range sorted {
			if mid < sp.Start || mid > sp.End {
				continue
			}
			if ov := overlap(w.Start, w.End, sp.Start, sp.End); ov > bestOverlap {
				best, bestOverlap = j, ov
			}
		}

		if best < 0 {
			bestDist := math.Inf(1)
			for j, sp := range sorted {
				if d := distance(mid, sp); d < bestDist {
					best, bestDist = j, d
				}
			}
		}
		labels[i] = sorted[best].Speaker
	}
	return labels
}

func overlap(aStart, aEnd, bStart, bEnd float64) float64 {
	return math.Max(0, math.Min(aEnd, bEnd)-math.Max(aStart, bStart))
}

func distance(t float64, sp Span) float64 {
	switch {
	case t < sp.Start:
		return sp.Start - t
	case t > sp.End:
		return t - sp.End
	default:
		return 0
	}
}

// Group coalesces consecutive words with the same label into segments.
func Group(words []Word, labels []string) []Segment {
	var segs []Segment
	for i, w := range words {
		if n := len(segs); n > 0 && segs[n-1].Speaker == labels[i] {
			segs[n-1].Words = append(segs[n-1].Words, w)
			segs[n-1].End = w.End
			continue
		}
		segs = append(segs, Segment{
			Start:   w.Start,
			End:     w.End,
			Speaker: labels[i],
			Words:   []Word{w},
		})
	}
	for i := range segs {
		segs[i].Text = joinWords(segs[i].Words)
	}
	return segs
}

func joinWords(words []Word) string {
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = w.Text
	}
	return strings.Join(parts, " ")
}

// Merge applies micro-segment and minor-speaker merging until a fixed point.
func Merge(segs []Segment, cfg Config) []Segment {
	out := cloneSegments(segs)
	for {
		var microChanged, minorChanged bool
		out, microChanged = MergeMicroSegments(out, cfg.MicroSegmentFloor)
		out, minorChanged = MergeMinorSpeakers(out, cfg)
		if !microChanged && !minorChanged {
			return out
		}
	}
}

// MergeMicroSegments absorbs every segment shorter than floor into the
// adjacent segment with the larger duration, shortest first. The absorbing
// neighbour keeps its speaker. A lone segment is never merged.
func MergeMicroSegments(segs []Segment, floor float64) ([]Segment, bool) {
	out, changed := coalesce(segs)
	for len(out) > 1 {
		idx := -1
		for i, s := range out {
			if s.Duration() < floor && (idx < 0 || s.Duration() < out[idx].Duration()) {
				idx = i
			}
		}
		if idx < 0 {
			break
		}

		target := idx - 1
		switch {
		case idx == 0:
			target = 1
		case idx < len(out)-1 && out[idx+1].Duration() > out[idx-1].Duration():
			target = idx + 1
		}

		lo, hi := idx, target
		if lo > hi {
			lo, hi = hi, lo
		}
		merged := Segment{
			Start:   out[lo].Start,
			End:     math.Max(out[lo].End, out[hi].End),
			Speaker: out[target].Speaker,
			Words:   append(append([]Word(nil), out[lo].Words...), out[hi].Words...),
		}
		merged.Text = joinWords(merged.Words)

		next := make([]Segment, 0, len(out)-1)
		next = append(next, out[:lo]...)
		next = append(next, merged)
		next = append(next, out[hi+1:]...)
		out, _ = coalesce(next)
		changed = true
	}
	return out, changed
}

type speakerStats struct {
	count    int
	duration float64
}

// MergeMinorSpeakers relabels minor speakers to the dominant speaker closest
// to their segments, then coalesces. Needs at least one minor and one
// dominant speaker.
func MergeMinorSpeakers(segs []Segment, cfg Config) ([]Segment, bool) {
	if len(segs) == 0 {
		return segs, false
	}

	stats := map[string]*speakerStats{}
	var total float64
	for _, s := range segs {
		st, ok := stats[s.Speaker]
		if !ok {
			st = &speakerStats{}
			stats[s.Speaker] = st
		}
		st.count++
		st.duration += s.Duration()
		total += s.Duration()
	}
	if len(stats) < 2 || total <= 0 {
		return segs, false
	}

	minor := map[string]bool{}
	for sp, st := range stats {
		if st.count < cfg.MinSpeakerSegments || st.duration/total < cfg.MinSpeakerShare {
			minor[sp] = true
		}
	}
	if len(minor) == 0 || len(minor) == len(stats) {
		return segs, false
	}

	names := make([]string, 0, len(minor))
	for sp := range minor {
		names = append(names, sp)
	}
	sort.Strings(names)

	remap := map[string]string{}
	for _, sp := range names {
		target, gap, ok := nearestDominant(segs, sp, minor, stats)
		if !ok || (cfg.MaxMergeGap > 0 && gap > cfg.MaxMergeGap) {
			continue
		}
		remap[sp] = target
	}
	if len(remap) == 0 {
		return segs, false
	}

	out := cloneSegments(segs)
	for i := range out {
		if to, ok := remap[out[i].Speaker]; ok {
			out[i].Speaker = to
		}
	}
	out, _ = coalesce(out)
	return out, true
}

// nearestDominant scans outward from each segment of speaker sp to the first
// dominant segment on either side and returns the dominant speaker with the
// smallest gap. Ties go to the speaker with more speaking time.
func nearestDominant(segs []Segment, sp string, minor map[string]bool, stats map[string]*speakerStats) (string, float64, bool) {
	gaps := map[string]float64{}
	consider := func(cand string, gap float64) {
		if g, ok := gaps[cand]; !ok || gap < g {
			gaps[cand] = gap
		}
	}

	for i, s := range segs {
		if s.Speaker != sp {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			if !minor[segs[j].Speaker] {
				consider(segs[j].Speaker, math.Max(0, s.Start-segs[j].End))
				break
			}
		}
		for j := i + 1; j < len(segs); j++ {
			if !minor[segs[j].Speaker] {
				consider(segs[j].Speaker, math.Max(0, segs[j].Start-s.End))
				break
			}
		}
	}

	best, bestGap, found := "", 0.0, false
	for cand, gap := range gaps {
		switch {
		case !found,
			gap < bestGap,
			gap == bestGap && stats[cand].duration > stats[best].duration,
			gap == bestGap && stats[cand].duration == stats[best].duration && cand < best:
			best, bestGap, found = cand, gap, true
		}
	}
	return best, bestGap, found
}

// coalesce joins adjacent segments that share a speaker.
func coalesce(segs []Segment) ([]Segment, bool) {
	out := make([]Segment, 0, len(segs))
	changed := false
	for _, s := range segs {
		if n := len(out); n > 0 && out[n-1].Speaker == s.Speaker {
			prev := &out[n-1]
			prev.Words = append(append([]Word(nil), prev.Words...), s.Words...)
			prev.End = math.Max(prev.End, s.End)
			prev.Text = joinWords(prev.Words)
			changed = true
			continue
		}
		out = append(out, s)
	}
	return out, changed
}

func cloneSegments(segs []Segment) []Segment {
	out := make([]Segment, len(segs))
	for i, s := range segs {
		s.Words = append([]Word(nil), s.Words...)
		out[i] = s
	}
	return out
}

// Speakers returns distinct labels in order of first appearance.
func Speakers(segs []Segment) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range segs {
		if !seen[s.Speaker] {
			seen[s.Speaker] = true
			out = append(out, s.Speaker)
		}
	}
	return out
}

// OffsetWords shifts chunk-relative timestamps to absolute ones.
func OffsetWords(words []Word, offset float64) []Word {
	out := make([]Word, len(words))
	for i, w := range words {
		out[i] = Word{Text: w.Text, Start: w.Start + offset, End: w.End + offset}
	}
	return out
}

// OffsetSpans shifts chunk-relative diarization spans to absolute ones.
func OffsetSpans(spans []Span, offset float64) []Span {
	out := make([]Span, len(spans))
	for i, s := range spans {
		out[i] = Span{Speaker: s.Speaker, Start: s.Start + offset, End: s.End + offset}
	}
	return out
}
