package detect

import (
	"strconv"
	"strings"
)

// Candidates are the delimiters considered by SniffDelimiter, in tie-break
// order.
var Candidates = []rune{',', '\t', ';', '|'}

// SniffDelimiter picks the candidate whose per-line count (outside quotes)
// is non-zero and most consistent across lines. A delimiter present with the
// same count on every line wins outright; otherwise the delimiter whose
// modal count covers the most lines is used, provided it covers at least
// 80% of them.
func SniffDelimiter(lines []string) (rune, bool) {
	if len(lines) == 0 {
		return 0, false
	}

	var (
		best      rune
		bestShare float64
		bestCount int
	)
	for _, d := range Candidates {
		freq := make(map[int]int)
		for _, line := range lines {
			freq[countOutsideQuotes(line, d)]++
		}
		mode, modeLines := 0, 0
		for count, n := range freq {
			if count > 0 && (n > modeLines || (n == modeLines && count > mode)) {
				mode, modeLines = count, n
			}
		}
		if mode == 0 {
			continue
		}
		share := float64(modeLines) / float64(len(lines))
		if share > bestShare || (share == bestShare && mode > bestCount) {
			best, bestShare, bestCount = d, share, mode
		}
	}
	if bestShare < 0.8 {
		return 0, false
	}
	return best, true
}

func countOutsideQuotes(line string, d rune) int {
	n := 0
	quoted := false
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
		case r == d && !quoted:
			n++
		}
	}
	return n
}

// LooksLikeHeader reports whether a first row reads as column names: no
// numeric-looking cells, and every cell distinct and non-empty.
func LooksLikeHeader(cells []string) bool {
	if len(cells) == 0 {
		return false
	}
	seen := make(map[string]bool, len(cells))
	for _, c := range cells {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] || looksNumeric(c) {
			return false
		}
		seen[c] = true
	}
	return true
}

func looksNumeric(s string) bool {
	s = strings.NewReplacer("$", "", ",", "", "(", "", ")", "", "%", "").Replace(s)
	if s == "" {
		return false
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// ParseDelimiter reads a delimiter option: a single character or one of
// the names tab, comma, semicolon, pipe.
func ParseDelimiter(opt string) (rune, bool) {
	switch strings.ToLower(opt) {
	case "tab", `\t`:
		return '\t', true
	case "comma":
		return ',', true
	case "semicolon":
		return ';', true
	case "pipe":
		return '|', true
	}
	r := []rune(opt)
	if len(r) != 1 {
		return 0, false
	}
	return r[0], true
}
