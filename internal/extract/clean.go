// Package extract turns uploaded file bytes into cleaned UTF-8 text:
// dispatch by extension to a generic document converter or to the audio
// transcriber, OCR fallback for scanned PDFs and images, and the
// post-cleaning pipeline. The pipeline is pure text-in/text-out code with no
// network dependency, using the same closed-replacement-map encoding-repair
// style as internal/observability/redact.go (replacements applied in a
// fixed order).
package extract

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// doubleEncodingRepairs is the closed repair map: UTF-8 bytes that
// were mistakenly re-decoded as Latin-1, mapped back to the intended
// character. Order matters: "â€" is a prefix of several other keys, so it
// is listed last and the more specific mappings match first.
var doubleEncodingRepairs = []struct{ bad, good string }{
	{"Ã©", "é"},
	{"Ã­", "í"},
	{"Ã¡", "á"},
	{"Ã³", "ó"},
	{"Ãº", "ú"},
	{"Ã±", "ñ"},
	{"â€œ", "\""},
	{"â€™", "'"},
	{"â€”", "–"},
	{"â€¢", "•"},
	{"â€¦", "…"},
	{"â€", "\""},
}

// ocrArtifactRe matches OCR junk tokens:
// [image:*], [graphic], [pic], [photo], [figure *].
var ocrArtifactRe = regexp.MustCompile(`(?i)\[(image:[^\]]*|graphic|pic|photo|figure[^\]]*)\]`)

var threeOrMoreNewlinesRe = regexp.MustCompile(`\n{3,}`)
var doubleBlankLineRe = regexp.MustCompile(`(?m)^\s*\n\s*\n+`)

// punctuationSpaceBefore trims whitespace immediately before these marks.
var punctuationSpaceBeforeRe = regexp.MustCompile(`\s+([,.;:!?])`)

const punctuationMarks = ",.;:!?"

// Clean applies the post-cleaning pipeline in order. It is idempotent:
// Clean(Clean(x)) == Clean(x) for all x, because every step either
// normalizes to a fixed point (NFKC, whitespace collapse) or acts on
// patterns its own output no longer contains (run-collapse, artifact
// removal).
func Clean(text string) string {
	// Encoding repair must precede NFKC: the repair keys contain compat
	// characters (³, º) that NFKC would rewrite out from under the map.
	text = repairDoubleEncoding(text)
	text = norm.NFKC.String(text)
	text = dropControlChars(text)
	text = collapseRuns(text)
	text = collapseNewlines(text)
	text = trimLines(text)
	text = fixPunctuationSpacing(text)
	text = removeOCRArtifacts(text)
	// Artifact removal can leave dangling spaces, doubled blank lines, or
	// newly-adjacent punctuation behind; re-run the later passes so cleaning
	// is a fixed point.
	text = collapseNewlines(text)
	text = trimLines(text)
	text = fixPunctuationSpacing(text)
	return text
}

func dropControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// repairDoubleEncoding replaces the closed mojibake map. It converges after
// one pass because no replacement's output reintroduces another key.
func repairDoubleEncoding(s string) string {
	for _, rep := range doubleEncodingRepairs {
		if strings.Contains(s, rep.bad) {
			s = strings.ReplaceAll(s, rep.bad, rep.good)
		}
	}
	return s
}

// collapseRuns collapses runs of >=3 identical characters (including
// newlines) to exactly 3. Newlines are handled again, more strictly, by
// collapseNewlines afterward.
func collapseRuns(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var prev rune = -1
	run := 0
	for _, r := range s {
		if r == prev {
			run++
		} else {
			prev, run = r, 1
		}
		if run <= 3 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func collapseNewlines(s string) string {
	return threeOrMoreNewlinesRe.ReplaceAllString(s, "\n\n")
}

// trimLines trims trailing/leading whitespace on every line and drops
// doubled blank lines left behind by the trim.
func trimLines(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(strings.TrimLeft(l, " \t"), " \t")
	}
	s = strings.Join(lines, "\n")
	return doubleBlankLineRe.ReplaceAllString(s, "\n\n")
}

// fixPunctuationSpacing drops whitespace before punctuation and inserts
// exactly one space after a mark followed by a non-space character. The
// insertion is a single rune scan, not a regex, so consecutive marks
// ("...", "!!!") all get their space in one pass and a second pass is a
// no-op.
func fixPunctuationSpacing(s string) string {
	s = punctuationSpaceBeforeRe.ReplaceAllString(s, "$1")
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i, r := range runes {
		b.WriteRune(r)
		if strings.ContainsRune(punctuationMarks, r) &&
			i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			b.WriteRune(' ')
		}
	}
	return b.String()
}

func removeOCRArtifacts(s string) string {
	return ocrArtifactRe.ReplaceAllString(s, "")
}

// AlnumWhitespaceRatio returns the fraction of runes in s that are letters,
// digits, or whitespace. Used by the OCR-fallback heuristic: text
// dominated by neither is likely extraction noise from a scanned PDF.
func AlnumWhitespaceRatio(s string) float64 {
	if s == "" {
		return 0
	}
	var good, total int
	for _, r := range s {
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			good++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(good) / float64(total)
}
