package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gogs/chardet"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"expedienterag/internal/apperr"
)

// minOCRTriggerChars and minAlnumRatio implement the OCR-fallback
// policy: extracted text shorter than this, or whose alphanumeric+whitespace
// ratio falls below this, is treated as a failed primary extraction.
const (
	minOCRTriggerChars = 50
	minAlnumRatio      = 0.7
	defaultOCRMaxPages = 20
)

// chardetConfidenceThreshold is the .txt encoding-detection threshold:
// below this confidence, fall back UTF-8 -> Latin-1 with replacement.
const chardetConfidenceThreshold = 0.7

// PageText is one page's worth of extracted text, used to build page-aware
// Chunker input (page_start/page_end) and the "--- Página k ---" OCR join.
type PageText struct {
	Page int
	Text string
}

// Result is what TextExtractor returns: the fully-cleaned text plus, when
// the source had pages (PDFs), per-page offsets into that text so the
// chunker can tag chunks with page_start/page_end.
type Result struct {
	Text       string
	Pages      []PageText // empty when the source has no page concept
	UsedOCR    bool
	PageBreaks []int // character offsets into Text where each page begins
}

// DocumentConverter is the pluggable external service that performs primary
// (non-OCR) extraction from PDF/DOC/DOCX/RTF/HTML/TXT bytes. It is the
// OCR-capable external conversion service; OCR itself is a distinct
// capability (OCRService) invoked only as a fallback.
type DocumentConverter interface {
	// Convert returns per-page text when the format has pages (PDF), or a
	// single page for flat formats (DOC/RTF/HTML/TXT).
	Convert(ctx context.Context, data []byte, filename string) ([]PageText, error)
}

// OCRService rasterizes pages (or takes a raw image) and returns text.
type OCRService interface {
	// OCRPages rasterizes up to maxPages of the PDF at the given DPI and
	// OCRs each page.
	OCRPages(ctx context.Context, pdfBytes []byte, maxPages int, dpi int) ([]PageText, error)
	// OCRImage OCRs a single raster image (png/jpg/tiff/bmp).
	OCRImage(ctx context.Context, data []byte) (string, error)
}

// AudioDelegate hands audio bytes off to the AudioTranscriber. It is
// satisfied by internal/audio.Transcriber via a thin adapter in the wiring
// layer, keeping this package free of a direct dependency on whisper.cpp.
type AudioDelegate interface {
	TranscribeBytes(ctx context.Context, data []byte, filename string) (string, error)
}

var audioExtensions = map[string]bool{".mp3": true, ".wav": true, ".ogg": true, ".m4a": true}
var imageExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".tiff": true, ".bmp": true}
var genericExtensions = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".rtf": true,
	".txt": true, ".html": true, ".htm": true, ".xhtml": true,
}

// Extractor performs dispatch-by-extension text extraction with OCR
// fallback and delegation to audio transcription.
type Extractor struct {
	Converter DocumentConverter
	OCR       OCRService
	Audio     AudioDelegate
	OCRMaxPages int
	OCRDPI      int
}

// NewExtractor wires the three pluggable collaborators. ocrMaxPages<=0 uses
// the default of 20.
func NewExtractor(converter DocumentConverter, ocr OCRService, audio AudioDelegate, ocrMaxPages, ocrDPI int) *Extractor {
	if ocrMaxPages <= 0 {
		ocrMaxPages = defaultOCRMaxPages
	}
	if ocrDPI <= 0 {
		ocrDPI = 200
	}
	return &Extractor{Converter: converter, OCR: ocr, Audio: audio, OCRMaxPages: ocrMaxPages, OCRDPI: ocrDPI}
}

// Extract dispatches by filename extension and returns cleaned text.
func (e *Extractor) Extract(ctx context.Context, data []byte, filename string) (Result, error) {
	ext := strings.ToLower(filepath.Ext(filename))

	switch {
	case audioExtensions[ext]:
		return e.extractAudio(ctx, data, filename)
	case imageExtensions[ext]:
		return e.extractImage(ctx, data)
	case ext == ".txt":
		return e.extractTXT(ctx, data)
	case genericExtensions[ext]:
		return e.extractGeneric(ctx, data, filename, ext)
	default:
		return Result{}, &apperr.ValidationError{Field: "filename", Reason: fmt.Sprintf("unsupported extension %q", ext)}
	}
}

func (e *Extractor) extractAudio(ctx context.Context, data []byte, filename string) (Result, error) {
	if e.Audio == nil {
		return Result{}, fmt.Errorf("extract: no audio delegate configured")
	}
	text, err := e.Audio.TranscribeBytes(ctx, data, filename)
	if err != nil {
		return Result{}, err
	}
	text = Clean(text)
	if text == "" {
		return Result{}, ErrNoExtractableContent
	}
	return Result{Text: text}, nil
}

func (e *Extractor) extractImage(ctx context.Context, data []byte) (Result, error) {
	if e.OCR == nil {
		return Result{}, fmt.Errorf("extract: no OCR service configured")
	}
	text, err := e.OCR.OCRImage(ctx, data)
	if err != nil {
		return Result{}, wrapUnavailable(err)
	}
	text = Clean(text)
	if text == "" {
		return Result{}, ErrNoExtractableContent
	}
	return Result{Text: text, UsedOCR: true}, nil
}

// extractTXT detects the file's encoding with chardet and decodes it,
// falling back UTF-8 -> Latin-1-with-replacement below the confidence
// threshold.
func (e *Extractor) extractTXT(ctx context.Context, data []byte) (Result, error) {
	text := decodeText(data)
	text = Clean(text)
	if text == "" {
		return Result{}, ErrNoExtractableContent
	}
	return Result{Text: text}, nil
}

// decodeText implements the .txt encoding policy: detect with chardet,
// trust a confident UTF-8 verdict or any input that is already valid UTF-8,
// otherwise fall back to a Latin-1 decode, which accepts any byte sequence.
func decodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	det := chardet.NewTextDetector()
	if best, err := det.DetectBest(data); err == nil && best != nil &&
		best.Confidence >= int(chardetConfidenceThreshold*100) && strings.EqualFold(best.Charset, "UTF-8") {
		return string(data)
	}
	return latin1ToUTF8(data)
}

// latin1ToUTF8 decodes data as ISO-8859-1. Every byte maps to a code point,
// so the decode itself cannot fail; a nil error is still checked to keep the
// transform contract honest.
func latin1ToUTF8(data []byte) string {
	out, err := io.ReadAll(transform.NewReader(bytes.NewReader(data), charmap.ISO8859_1.NewDecoder()))
	if err != nil {
		return string(data)
	}
	return string(out)
}

func (e *Extractor) extractGeneric(ctx context.Context, data []byte, filename, ext string) (Result, error) {
	if e.Converter == nil {
		return Result{}, fmt.Errorf("extract: no document converter configured")
	}
	pages, err := e.Converter.Convert(ctx, data, filename)
	if err != nil {
		return Result{}, wrapUnavailable(err)
	}
	result := buildResult(pages)

	if ext == ".pdf" && e.needsOCR(result.Text) {
		if e.OCR == nil {
			// No OCR collaborator configured: keep whatever primary text we
			// have rather than failing outright.
			return finalizeResult(result)
		}
		ocrPages, err := e.OCR.OCRPages(ctx, data, e.OCRMaxPages, e.OCRDPI)
		if err != nil {
			return Result{}, wrapUnavailable(err)
		}
		result = buildOCRResult(ocrPages)
		result.UsedOCR = true
	}
	return finalizeResult(result)
}

func finalizeResult(r Result) (Result, error) {
	r.Text = Clean(r.Text)
	if r.Text == "" {
		return Result{}, ErrNoExtractableContent
	}
	return r, nil
}

// needsOCR decides when primary extraction was too weak: text shorter than
// 50 chars, or an alphanumeric+whitespace ratio below 0.7, triggers the OCR
// fallback.
func (e *Extractor) needsOCR(text string) bool {
	if len([]rune(text)) < minOCRTriggerChars {
		return true
	}
	return AlnumWhitespaceRatio(text) < minAlnumRatio
}

func buildResult(pages []PageText) Result {
	var b strings.Builder
	breaks := make([]int, 0, len(pages))
	for _, p := range pages {
		breaks = append(breaks, b.Len())
		b.WriteString(p.Text)
		b.WriteString("\n")
	}
	return Result{Text: b.String(), Pages: pages, PageBreaks: breaks}
}

// buildOCRResult joins OCR'd pages with the "--- Página k ---" header
// required by the OCR fallback policy.
func buildOCRResult(pages []PageText) Result {
	var b strings.Builder
	breaks := make([]int, 0, len(pages))
	for _, p := range pages {
		breaks = append(breaks, b.Len())
		fmt.Fprintf(&b, "--- Página %d ---\n", p.Page)
		b.WriteString(p.Text)
		b.WriteString("\n")
	}
	return Result{Text: b.String(), Pages: pages, PageBreaks: breaks}
}

func wrapUnavailable(err error) error {
	if err == nil {
		return nil
	}
	return &apperr.TransientExternalError{Dependency: "extractor", Err: err}
}
