// Package postprocess implements the named, deterministic text rules a step
// applies to model output before constraints are evaluated and the output
// is handed to the next step.
package postprocess

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Rule transforms text. Rules are pure; an error fails the step.
type Rule func(string) (string, error)

// ErrNoJSON is returned by extract_json when the text holds no JSON value.
var ErrNoJSON = errors.New("no JSON value found in output")

var rules = map[string]Rule{
	"trim_whitespace":       trimWhitespace,
	"collapse_whitespace":   collapseWhitespace,
	"remove_empty_lines":    removeEmptyLines,
	"normalize_punctuation": normalizePunctuation,
	"capitalize_sentences":  capitalizeSentences,
	"strip_markdown":        stripMarkdown,
	"strip_quotes":          stripQuotes,
	"remove_preamble":       removePreamble,
	"extract_json":          extractJSON,
}

// Lookup returns the rule registered under name.
func Lookup(name string) (Rule, bool) {
	r, ok := rules[name]
	return r, ok
}

// Names returns all rule names in sorted order.
func Names() []string {
	names := make([]string, 0, len(rules))
	for n := range rules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate reports the first unknown rule name.
func Validate(names []string) error {
	for _, n := range names {
		if _, ok := rules[n]; !ok {
			return fmt.Errorf("unknown post-processing rule %q", n)
		}
	}
	return nil
}

// Apply runs the named rules over text in order.
func Apply(text string, names []string) (string, error) {
	for _, n := range names {
		r, ok := rules[n]
		if !ok {
			return "", fmt.Errorf("unknown post-processing rule %q", n)
		}
		out, err := r(text)
		if err != nil {
			return "", fmt.Errorf("%s: %w", n, err)
		}
		text = out
	}
	return text, nil
}

func trimWhitespace(s string) (string, error) {
	return strings.TrimSpace(s), nil
}

var (
	horizontalSpace = regexp.MustCompile(`[ \t\p{Zs}]+`)
	blankLines      = regexp.MustCompile(`\n{3,}`)
)

// collapseWhitespace squeezes runs of spaces and keeps at most one blank
// line between paragraphs.
func collapseWhitespace(s string) (string, error) {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = horizontalSpace.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	s = strings.Join(lines, "\n")
	return blankLines.ReplaceAllString(s, "\n\n"), nil
}

func removeEmptyLines(s string) (string, error) {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n"), nil
}

var punctuationReplacer = strings.NewReplacer(
	"“", `"`, "”", `"`, "„", `"`,
	"‘", "'", "’", "'", "‚", "'",
	"…", "...",
	"–", "-", "—", " - ",
	" ", " ",
)

var (
	spaceBeforePunct = regexp.MustCompile(`\s+([,.;:!?])`)
	repeatedPunct    = regexp.MustCompile(`([!?,;])[!?,;]+`)
)

// normalizePunctuation maps typographic punctuation to ASCII and removes
// stray spaces before punctuation marks.
func normalizePunctuation(s string) (string, error) {
	s = punctuationReplacer.Replace(s)
	s = spaceBeforePunct.ReplaceAllString(s, "$1")
	s = repeatedPunct.ReplaceAllString(s, "$1")
	return s, nil
}

// capitalizeSentences upper-cases the first letter of the text and of every
// letter that follows a sentence terminator and whitespace.
func capitalizeSentences(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	capNext := true
	sawSpace := true
	for _, r := range s {
		switch {
		case capNext && sawSpace && unicode.IsLetter(r):
			b.WriteRune(unicode.ToUpper(r))
			capNext = false
			continue
		case r == '.' || r == '!' || r == '?':
			capNext = true
			sawSpace = false
		case unicode.IsSpace(r):
			sawSpace = true
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			capNext = false
		}
		b.WriteRune(r)
	}
	return b.String(), nil
}

var (
	mdFence    = regexp.MustCompile("(?m)^```[a-zA-Z0-9_-]*[ \\t]*$")
	mdHeading  = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdBullet   = regexp.MustCompile(`(?m)^[ \t]*(?:[-*+]|\d+\.)[ \t]+`)
	mdQuote    = regexp.MustCompile(`(?m)^>\s?`)
	mdEmphasis = regexp.MustCompile(`(\*\*|__|\*|~~|` + "`" + `)([^*~` + "`" + `\n]+?)(\*\*|__|\*|~~|` + "`" + `)`)
	mdLink     = regexp.MustCompile(`!?\[([^\]]*)\]\([^)]*\)`)
	mdRule     = regexp.MustCompile(`(?m)^[ \t]*(?:-{3,}|\*{3,}|_{3,})[ \t]*$\n?`)
)

// stripMarkdown removes common Markdown markup and keeps the text.
func stripMarkdown(s string) (string, error) {
	s = mdFence.ReplaceAllString(s, "")
	s = mdRule.ReplaceAllString(s, "")
	s = mdHeading.ReplaceAllString(s, "")
	s = mdBullet.ReplaceAllString(s, "")
	s = mdQuote.ReplaceAllString(s, "")
	s = mdLink.ReplaceAllString(s, "$1")
	for {
		next := mdEmphasis.ReplaceAllString(s, "$2")
		if next == s {
			break
		}
		s = next
	}
	return strings.TrimSpace(s), nil
}

var quotePairs = map[rune]rune{'"': '"', '\'': '\'', '“': '”', '«': '»', '「': '」'}

// stripQuotes removes one pair of quotes wrapping the whole text.
func stripQuotes(s string) (string, error) {
	t := strings.TrimSpace(s)
	first, size := utf8.DecodeRuneInString(t)
	last, lastSize := utf8.DecodeLastRuneInString(t)
	if closing, ok := quotePairs[first]; ok && last == closing && len(t) >= size+lastSize {
		return strings.TrimSpace(t[size : len(t)-lastSize]), nil
	}
	return s, nil
}

var preamble = regexp.MustCompile(`(?i)^\s*(?:sure[,!.]?\s*)?(?:here(?:'s| is| are)|below is)[^\n:]*:\s*\n+`)

// removePreamble drops a leading "Here is the rewritten text:" style line.
func removePreamble(s string) (string, error) {
	return preamble.ReplaceAllString(s, ""), nil
}

// extractJSON returns the first complete JSON object or array in s,
// compacted. Surrounding prose and code fences are discarded.
func extractJSON(s string) (string, error) {
	for i := 0; i < len(s); i++ {
		if s[i] != '{' && s[i] != '[' {
			continue
		}
		end := matchingClose(s, i)
		if end < 0 {
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(s[i:end+1])); err == nil {
			return buf.String(), nil
		}
	}
	return "", ErrNoJSON
}

// matchingClose returns the index of the bracket closing s[start], skipping
// brackets inside JSON strings, or -1.
func matchingClose(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
