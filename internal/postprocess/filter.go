// Package postprocess removes known Whisper hallucinations from decoded
// segments and tidies their text before a transcript is written.
package postprocess

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/chaz8081/meetscribe/internal/asr"
)

// Whisper emits these on silence or noise. Patterns are matched
// case-insensitively against the trimmed segment text.
var hallucinationPatterns = []string{
	// subtitle credits
	`субтитр\pL*\s*(от|by|создан\pL*|подготовлен\pL*)?\s*(amara|youtube|google)?`,
	`subtitl\pL*\s*(by|from)?\s*(amara|youtube)?`,
	`(^|\s)титр\pL*`,
	`amara\.org`,

	// video endings
	`продолжение\s+следует`,
	`to\s+be\s+continued`,
	`^\s*конец\s*(фильма|серии|эпизода)?\s*[.!]?\s*$`,
	`^\s*the\s+end\s*[.!]?\s*$`,

	// calls to action
	`подписыва\pL+\s*(на)?\s*(канал)?`,
	`(ставь\pL*|поставь\pL*)\s*(лайк\pL*|палец)`,
	`subscribe\s*(to)?\s*(the)?\s*(channel)?`,
	`like\s*(and)?\s*subscribe`,
	`не\s+забуд\pL+\s+(подписаться|лайк)`,

	// thanks
	`спасибо\s+(за\s+)?(просмотр|внимание|подписку)`,
	`thanks?\s+(for\s+)?(watching|viewing)`,
	`thank\s+you\s+(for\s+)?(watching|viewing)`,

	// music markers
	`^\s*♪+\s*$`,
	`^\s*[\[(](музыка|music)[\])]\s*$`,
	`^\s*музыка\s*$`,

	// artifacts
	`^\s*(\.\.\.|…)\s*$`,
	`www\.\w+\.\w+`,
	`^\s*[.。,،、?!]+\s*$`,
}

var hallucinations = compile(hallucinationPatterns)

func compile(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// RepeatWindow is how many previously kept segments a segment is compared
// against for repetition.
const RepeatWindow = 3

// RepeatThreshold is the similarity at or above which a segment counts as a
// repeat of an earlier one.
const RepeatThreshold = 0.9

// Short interjections ("yes", "okay") are never treated as repeats, and
// fuzzy word matching needs at least minRepeatWords words.
const (
	minRepeatChars = 5
	minRepeatWords = 3
)

// IsHallucination reports whether text is empty or matches a known
// hallucination, including a single word said three or more times.
func IsHallucination(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return true
	}
	for _, re := range hallucinations {
		if re.MatchString(text) {
			return true
		}
	}

	words := strings.Fields(strings.ToLower(text))
	if len(words) < 3 {
		return false
	}
	for _, w := range words[1:] {
		if w != words[0] {
			return false
		}
	}
	return true
}

// IsRepeat reports whether text repeats one of previous closely enough to
// be a decoder loop rather than speech.
func IsRepeat(text string, previous []string) bool {
	cur := strings.ToLower(strings.TrimSpace(text))
	if len([]rune(cur)) < minRepeatChars {
		return false
	}
	for _, p := range previous {
		prev := strings.ToLower(strings.TrimSpace(p))
		if prev == "" {
			continue
		}
		if cur == prev {
			return true
		}
		if strings.Contains(prev, cur) || strings.Contains(cur, prev) {
			shorter, longer := len(cur), len(prev)
			if shorter > longer {
				shorter, longer = longer, shorter
			}
			if float64(shorter)/float64(longer) >= RepeatThreshold {
				return true
			}
		}
		if len(strings.Fields(cur)) >= minRepeatWords && Similarity(prev, cur) >= RepeatThreshold {
			return true
		}
	}
	return false
}

// Filter drops hallucinated and repeated segments and cleans the text of
// the rest. Segment order is preserved; the input slice is not modified.
func Filter(segs []asr.Segment, log zerolog.Logger) []asr.Segment {
	if len(segs) == 0 {
		return segs
	}

	kept := make([]asr.Segment, 0, len(segs))
	var recent []string
	removed := 0

	for _, s := range segs {
		text := strings.TrimSpace(s.Text)
		switch {
		case IsHallucination(text):
			log.Debug().Str("text", text).Msg("dropped hallucination")
			removed++
			continue
		case IsRepeat(text, recent):
			log.Debug().Str("text", text).Msg("dropped repeat")
			removed++
			continue
		}

		s.Text = CleanText(text)
		kept = append(kept, s)

		recent = append(recent, text)
		if len(recent) > RepeatWindow {
			recent = recent[1:]
		}
	}

	if removed > 0 {
		log.Info().Int("removed", removed).Msg("filtered hallucinated segments")
	}
	return kept
}

var (
	spaceRun        = regexp.MustCompile(`\s+`)
	spaceBeforePunc = regexp.MustCompile(`\s+([.,!?;:])`)
)

// CleanText collapses whitespace, removes spaces before punctuation and
// squeezes repeated punctuation marks.
func CleanText(text string) string {
	text = spaceRun.ReplaceAllString(text, " ")
	text = spaceBeforePunc.ReplaceAllString(text, "$1")
	text = squeezePunct(text)
	return strings.TrimSpace(text)
}

// squeezePunct collapses runs of the same . , ! or ? into one. Go's regexp
// has no backreferences, so this is done by hand.
func squeezePunct(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		if r == prev && strings.ContainsRune(".,!?", r) {
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}
