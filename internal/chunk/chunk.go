// Package chunk splits extracted document text into retrievable chunks.
package chunk

import (
	"regexp"
	"strings"
)

// Strategy selects how Chunker splits text.
type Strategy string

const (
	StrategyFixed    Strategy = "fixed"
	StrategyMarkdown Strategy = "markdown"
)

// Options configures a Chunk call.
type Options struct {
	Strategy  Strategy
	MaxTokens int // approximate tokens per chunk; 4 chars/token heuristic
	Overlap   int // approximate tokens of overlap between consecutive chunks
}

const defaultMinTokens = 512
const charsPerToken = 4

// Piece is one chunk produced from a document, bound to the inclusive page
// range it spans when the source extractor reported pagination. Every
// chunk satisfies 0 <= page_start <= page_end.
type Piece struct {
	Text      string
	PageStart int
	PageEnd   int
	Index     int
}

// Chunker splits a document's text into Pieces.
type Chunker interface {
	Chunk(text string, pageBreaks []int, opt Options) []Piece
}

// SimpleChunker implements whitespace/heading-boundary-aware chunking.
type SimpleChunker struct{}

func targetLen(opt Options) int {
	tokens := opt.MaxTokens
	if tokens <= 0 {
		tokens = defaultMinTokens
	}
	return tokens * charsPerToken
}

func overlapLen(opt Options) int {
	if opt.Overlap <= 0 {
		return 0
	}
	return opt.Overlap * charsPerToken
}

// Chunk dispatches to the strategy-specific splitter. pageBreaks, if non-nil,
// holds the character offset at which each page of the source document
// begins; it is used to tag each Piece with the page it starts on.
func (SimpleChunker) Chunk(text string, pageBreaks []int, opt Options) []Piece {
	switch opt.Strategy {
	case StrategyMarkdown:
		return markdownChunk(text, pageBreaks, opt)
	default:
		return fixedChunk(text, pageBreaks, opt)
	}
}

func pageForOffset(pageBreaks []int, offset int) int {
	page := 1
	for i, start := range pageBreaks {
		if offset >= start {
			page = i + 1
		} else {
			break
		}
	}
	return page
}

// pageRange returns the inclusive [start,end] page numbers a text span
// covers, given the offsets of its first and last rune.
func pageRange(pageBreaks []int, startOffset, endOffset int) (int, int) {
	start := pageForOffset(pageBreaks, startOffset)
	end := pageForOffset(pageBreaks, endOffset)
	if end < start {
		end = start
	}
	return start, end
}

func fixedChunk(text string, pageBreaks []int, opt Options) []Piece {
	target := targetLen(opt)
	overlap := overlapLen(opt)
	var out []Piece
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return out
	}
	pos := 0
	idx := 0
	for pos < n {
		end := pos + target
		if end > n {
			end = n
		} else {
			// extend to the next whitespace boundary so words aren't split
			for end < n && !isBoundary(runes[end]) {
				end++
			}
		}
		piece := strings.TrimSpace(string(runes[pos:end]))
		if piece != "" {
			pStart, pEnd := pageRange(pageBreaks, pos, end-1)
			out = append(out, Piece{Text: piece, PageStart: pStart, PageEnd: pEnd, Index: idx})
			idx++
		}
		if end >= n {
			break
		}
		next := end - overlap
		if next <= pos {
			next = end
		}
		pos = next
	}
	return out
}

func isBoundary(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t'
}

var headingRe = regexp.MustCompile(`(?m)^#{1,6}\s+\S`)

func markdownChunk(text string, pageBreaks []int, opt Options) []Piece {
	target := targetLen(opt)
	locs := headingRe.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return fixedChunk(text, pageBreaks, opt)
	}
	var sections []string
	var offsets []int
	for i, loc := range locs {
		start := loc[0]
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		sections = append(sections, text[start:end])
		offsets = append(offsets, start)
	}
	var out []Piece
	idx := 0
	for i, sec := range sections {
		trimmed := strings.TrimSpace(sec)
		if trimmed == "" {
			continue
		}
		if len([]rune(trimmed)) <= target {
			pStart, pEnd := pageRange(pageBreaks, offsets[i], offsets[i]+len(sec)-1)
			out = append(out, Piece{Text: trimmed, PageStart: pStart, PageEnd: pEnd, Index: idx})
			idx++
			continue
		}
		pStart, pEnd := pageRange(pageBreaks, offsets[i], offsets[i]+len(sec)-1)
		for _, p := range fixedChunk(trimmed, nil, opt) {
			p.Index = idx
			p.PageStart = pStart
			p.PageEnd = pEnd
			out = append(out, p)
			idx++
		}
	}
	return out
}
