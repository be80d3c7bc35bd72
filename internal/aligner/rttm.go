package aligner

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// ParseRTTM reads diarization output in RTTM format:
//
//	SPEAKER <file> <chan> <start> <duration> <NA> <NA> <speaker> <NA> <NA>
//
// Non-SPEAKER records and blank lines are skipped. Spans come back sorted by start.
func ParseRTTM(r io.Reader) ([]Span, error) {
	var spans []Span
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "SPEAKER" {
			continue
		}
		if len(fields) < 8 {
			return nil, fmt.Errorf("rttm line %d: expected at least 8 fields, got %d", line, len(fields))
		}
		start, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			return nil, fmt.Errorf("rttm line %d: start: %w", line, err)
		}
		dur, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			return nil, fmt.Errorf("rttm line %d: duration: %w", line, err)
		}
		spans = append(spans, Span{Speaker: fields[7], Start: start, End: start + dur})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	return spans, nil
}
