package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chaz8081/meetscribe/internal/asr"
)

const textTitle = "# meetscribe transcript"

// RenderText renders the .txt layout: a commented metadata header, a blank
// line, then one "[start --> end] text" line per segment in order.
func RenderText(t *asr.Transcript) string {
	var b strings.Builder
	b.WriteString(textTitle + "\n")
	fmt.Fprintf(&b, "# source: %s\n", oneLine(t.Source))
	fmt.Fprintf(&b, "# created: %s\n", t.CreatedAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "# backend: %s\n", t.Backend)
	fmt.Fprintf(&b, "# model: %s\n", t.Model)
	if t.Language != "" {
		fmt.Fprintf(&b, "# language: %s\n", t.Language)
	}
	fmt.Fprintf(&b, "# duration: %s\n", FormatTimestamp(t.Duration))
	b.WriteByte('\n')

	for _, s := range t.Segments {
		fmt.Fprintf(&b, "[%s --> %s] %s\n", FormatTimestamp(s.Start), FormatTimestamp(s.End), oneLine(s.Text))
	}
	return b.String()
}

// oneLine keeps a value on a single line of the text layout.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var segmentLine = regexp.MustCompile(`^\[(\d+:\d{2}:\d{2}\.\d{3}) --> (\d+:\d{2}:\d{2}\.\d{3})\] ?(.*)$`)

// ReadText parses a file written by RenderText. Confidence is not part of
// the text layout, so segments come back with ConfidenceUnknown.
func ReadText(path string) (*asr.Transcript, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseText(data)
}

// ParseText parses the .txt layout.
func ParseText(data []byte) (*asr.Transcript, error) {
	t := &asr.Transcript{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if lineNo == 1 {
			if line != textTitle {
				return nil, fmt.Errorf("transcript: not a meetscribe transcript")
			}
			continue
		}
		if line == "" {
			continue
		}

		if rest, ok := strings.CutPrefix(line, "# "); ok {
			key, value, _ := strings.Cut(rest, ": ")
			if err := setHeader(t, key, value); err != nil {
				return nil, fmt.Errorf("transcript: line %d: %w", lineNo, err)
			}
			continue
		}

		m := segmentLine.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("transcript: line %d: malformed segment %q", lineNo, line)
		}
		start, err := ParseTimestamp(m[1])
		if err != nil {
			return nil, fmt.Errorf("transcript: line %d: %w", lineNo, err)
		}
		end, err := ParseTimestamp(m[2])
		if err != nil {
			return nil, fmt.Errorf("transcript: line %d: %w", lineNo, err)
		}
		t.Segments = append(t.Segments, asr.Segment{
			Start:      start,
			End:        end,
			Text:       m[3],
			Confidence: asr.ConfidenceUnknown,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("transcript: %w", err)
	}
	if lineNo == 0 {
		return nil, fmt.Errorf("transcript: empty file")
	}
	return t, nil
}

func setHeader(t *asr.Transcript, key, value string) error {
	switch key {
	case "source":
		t.Source = value
	case "created":
		ts, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return fmt.Errorf("created: %w", err)
		}
		t.CreatedAt = ts
	case "backend":
		t.Backend = value
	case "model":
		t.Model = value
	case "language":
		t.Language = value
	case "duration":
		d, err := ParseTimestamp(value)
		if err != nil {
			return err
		}
		t.Duration = d
	}
	return nil
}

// FormatTimestamp formats d as HH:MM:SS.mmm.
func FormatTimestamp(d time.Duration) string {
	return formatClock(d, '.')
}

// formatSRTTimestamp formats a duration as HH:MM:SS,mmm (SRT subtitle format).
func formatSRTTimestamp(d time.Duration) string {
	return formatClock(d, ',')
}

func formatClock(d time.Duration, sep byte) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms)
}

// ParseTimestamp parses HH:MM:SS.mmm.
func ParseTimestamp(s string) (time.Duration, error) {
	clock, frac, ok := strings.Cut(s, ".")
	parts := strings.Split(clock, ":")
	if !ok || len(parts) != 3 || len(frac) != 3 {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}
	var fields [4]int
	for i, p := range append(parts, frac) {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid timestamp %q", s)
		}
		fields[i] = n
	}
	if fields[1] > 59 || fields[2] > 59 {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}
	return time.Duration(fields[0])*time.Hour +
		time.Duration(fields[1])*time.Minute +
		time.Duration(fields[2])*time.Second +
		time.Duration(fields[3])*time.Millisecond, nil
}

// RenderSRT writes a SubRip (.srt) subtitle file. Each segment is numbered
// sequentially with start/end timestamps in HH:MM:SS,mmm format.
func RenderSRT(t *asr.Transcript) string {
	var b strings.Builder
	for i, seg := range t.Segments {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", formatSRTTimestamp(seg.Start), formatSRTTimestamp(seg.End))
		fmt.Fprintf(&b, "%s\n", oneLine(seg.Text))
	}
	return b.String()
}

type jsonTranscript struct {
	Source    string        `json:"source"`
	CreatedAt time.Time     `json:"created_at"`
	Backend   string        `json:"backend"`
	Model     string        `json:"model"`
	Language  string        `json:"language,omitempty"`
	Duration  float64       `json:"duration"`
	Segments  []jsonSegment `json:"segments"`
}

type jsonSegment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// RenderJSON renders the JSON sidecar. Times are in seconds; confidence is
// omitted for segments whose backend did not report one.
func RenderJSON(t *asr.Transcript) ([]byte, error) {
	out := jsonTranscript{
		Source:    t.Source,
		CreatedAt: t.CreatedAt.UTC(),
		Backend:   t.Backend,
		Model:     t.Model,
		Language:  t.Language,
		Duration:  t.Duration.Seconds(),
		Segments:  make([]jsonSegment, 0, len(t.Segments)),
	}
	for _, s := range t.Segments {
		js := jsonSegment{Start: s.Start.Seconds(), End: s.End.Seconds(), Text: s.Text}
		if s.HasConfidence() {
			c := s.Confidence
			js.Confidence = &c
		}
		out.Segments = append(out.Segments, js)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
