package postprocess

import (
	"strings"
	"unicode"
)

// WERResult holds detailed word error rate results.
type WERResult struct {
	WER           float64 // Word Error Rate (0.0 = perfect, 1.0+ = very bad)
	Substitutions int     // Words replaced with different words
	Insertions    int     // Extra words in hypothesis
	Deletions     int     // Words missing from hypothesis
	RefWords      int     // Total words in reference
}

// ComputeWER calculates the word error rate between reference and hypothesis text.
// Both strings are normalized: lowercased, punctuation stripped, whitespace collapsed.
// WER = (Substitutions + Insertions + Deletions) / ReferenceWordCount.
func ComputeWER(reference, hypothesis string) WERResult {
	return wordDistance(normalizeWords(reference), normalizeWords(hypothesis))
}

// Similarity returns 1 - WER of b against a, floored at 0. Two empty
// strings are identical; one empty string against words scores 0.
func Similarity(a, b string) float64 {
	r := ComputeWER(a, b)
	if r.RefWords == 0 {
		if len(normalizeWords(b)) == 0 {
			return 1
		}
		return 0
	}
	return max(0, 1-r.WER)
}

func wordDistance(refWords, hypWords []string) WERResult {
	n := len(refWords)
	if n == 0 {
		return WERResult{}
	}
	m := len(hypWords)

	// DP table for minimum edit distance.
	d := make([][]int, n+1)
	for i := range d {
		d[i] = make([]int, m+1)
		d[i][0] = i
	}
	for j := 0; j <= m; j++ {
		d[0][j] = j
	}

	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			if refWords[i-1] == hypWords[j-1] {
				d[i][j] = d[i-1][j-1]
				continue
			}
			d[i][j] = 1 + min(d[i-1][j-1], d[i-1][j], d[i][j-1])
		}
	}

	// Backtrace to split the distance into its edit kinds.
	var subs, ins, dels int
	i, j := n, m
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && refWords[i-1] == hypWords[j-1]:
			i--
			j--
		case i > 0 && j > 0 && d[i][j] == d[i-1][j-1]+1:
			subs++
			i--
			j--
		case i > 0 && d[i][j] == d[i-1][j]+1:
			dels++
			i--
		default:
			ins++
			j--
		}
	}

	return WERResult{
		WER:           float64(subs+ins+dels) / float64(n),
		Substitutions: subs,
		Insertions:    ins,
		Deletions:     dels,
		RefWords:      n,
	}
}

// normalizeWords lowercases text, strips punctuation, and splits into words.
func normalizeWords(s string) []string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) {
			return -1
		}
		return r
	}, s)
	return strings.Fields(s)
}
