package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expedienterag/internal/apperr"
)

type fakeConverter struct {
	pages []PageText
	err   error
	calls int
}

func (c *fakeConverter) Convert(ctx context.Context, data []byte, filename string) ([]PageText, error) {
	c.calls++
	return c.pages, c.err
}

type fakeOCR struct {
	pages     []PageText
	imageText string
	err       error
	calls     int
}

func (o *fakeOCR) OCRPages(ctx context.Context, pdfBytes []byte, maxPages, dpi int) ([]PageText, error) {
	o.calls++
	return o.pages, o.err
}

func (o *fakeOCR) OCRImage(ctx context.Context, data []byte) (string, error) {
	o.calls++
	return o.imageText, o.err
}

type fakeAudio struct {
	text string
	err  error
}

func (a *fakeAudio) TranscribeBytes(ctx context.Context, data []byte, filename string) (string, error) {
	return a.text, a.err
}

func TestExtract_UnsupportedExtension(t *testing.T) {
	e := NewExtractor(&fakeConverter{}, &fakeOCR{}, &fakeAudio{}, 0, 0)
	_, err := e.Extract(context.Background(), []byte("x"), "malware.exe")
	var verr *apperr.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestExtract_TXT_UTF8PassesThrough(t *testing.T) {
	e := NewExtractor(nil, nil, nil, 0, 0)
	res, err := e.Extract(context.Background(), []byte("texto sencillo en utf-8"), "nota.txt")
	require.NoError(t, err)
	assert.Equal(t, "texto sencillo en utf-8", res.Text)
}

func TestExtract_TXT_Latin1Fallback(t *testing.T) {
	e := NewExtractor(nil, nil, nil, 0, 0)
	// "café" encoded as ISO-8859-1: 0xE9 is not valid UTF-8.
	res, err := e.Extract(context.Background(), []byte{'c', 'a', 'f', 0xE9}, "nota.txt")
	require.NoError(t, err)
	assert.Equal(t, "café", res.Text)
}

func TestExtract_TXT_EmptyAfterCleaning(t *testing.T) {
	e := NewExtractor(nil, nil, nil, 0, 0)
	_, err := e.Extract(context.Background(), []byte("   \n\n  "), "vacio.txt")
	require.ErrorIs(t, err, ErrNoExtractableContent)
}

func TestExtract_PDF_GoodPrimaryTextSkipsOCR(t *testing.T) {
	conv := &fakeConverter{pages: []PageText{
		{Page: 1, Text: strings.Repeat("texto legible de la resolución judicial ", 5)},
	}}
	ocr := &fakeOCR{}
	e := NewExtractor(conv, ocr, nil, 0, 0)

	res, err := e.Extract(context.Background(), []byte("%PDF"), "resolucion.pdf")
	require.NoError(t, err)
	assert.False(t, res.UsedOCR)
	assert.Zero(t, ocr.calls)
	assert.Contains(t, res.Text, "resolución judicial")
}

func TestExtract_PDF_ShortTextTriggersOCRWithPageHeaders(t *testing.T) {
	conv := &fakeConverter{pages: []PageText{{Page: 1, Text: "corto"}}}
	ocr := &fakeOCR{pages: []PageText{
		{Page: 1, Text: "primera página escaneada con suficiente contenido"},
		{Page: 2, Text: "segunda página escaneada"},
	}}
	e := NewExtractor(conv, ocr, nil, 0, 0)

	res, err := e.Extract(context.Background(), []byte("%PDF"), "escaneado.pdf")
	require.NoError(t, err)
	assert.True(t, res.UsedOCR)
	assert.Equal(t, 1, ocr.calls)
	assert.Contains(t, res.Text, "--- Página 1 ---")
	assert.Contains(t, res.Text, "--- Página 2 ---")
}

func TestExtract_PDF_NoisyTextTriggersOCR(t *testing.T) {
	noise := strings.Repeat("@#$%^&*", 20)
	conv := &fakeConverter{pages: []PageText{{Page: 1, Text: noise}}}
	ocr := &fakeOCR{pages: []PageText{{Page: 1, Text: "texto recuperado por ocr"}}}
	e := NewExtractor(conv, ocr, nil, 0, 0)

	res, err := e.Extract(context.Background(), []byte("%PDF"), "ruidoso.pdf")
	require.NoError(t, err)
	assert.True(t, res.UsedOCR)
}

func TestExtract_DOCX_NeverTriggersOCR(t *testing.T) {
	conv := &fakeConverter{pages: []PageText{{Page: 1, Text: "x"}}}
	ocr := &fakeOCR{}
	e := NewExtractor(conv, ocr, nil, 0, 0)

	_, err := e.Extract(context.Background(), []byte("PK"), "breve.docx")
	require.NoError(t, err)
	assert.Zero(t, ocr.calls)
}

func TestExtract_ConverterFailureIsTransient(t *testing.T) {
	conv := &fakeConverter{err: errors.New("connection refused")}
	e := NewExtractor(conv, nil, nil, 0, 0)

	_, err := e.Extract(context.Background(), []byte("%PDF"), "doc.pdf")
	var terr *apperr.TransientExternalError
	require.ErrorAs(t, err, &terr)
}

func TestExtract_AudioDelegates(t *testing.T) {
	audio := &fakeAudio{text: "transcripción de la audiencia"}
	e := NewExtractor(nil, nil, audio, 0, 0)

	res, err := e.Extract(context.Background(), []byte("ID3"), "audiencia.mp3")
	require.NoError(t, err)
	assert.Equal(t, "transcripción de la audiencia", res.Text)
}

func TestExtract_ImageGoesStraightToOCR(t *testing.T) {
	ocr := &fakeOCR{imageText: "texto de la imagen"}
	e := NewExtractor(nil, ocr, nil, 0, 0)

	res, err := e.Extract(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "folio.png")
	require.NoError(t, err)
	assert.True(t, res.UsedOCR)
	assert.Equal(t, "texto de la imagen", res.Text)
}

func TestNeedsOCR(t *testing.T) {
	e := NewExtractor(nil, nil, nil, 0, 0)
	assert.True(t, e.needsOCR("corto"))
	assert.True(t, e.needsOCR(strings.Repeat("@#$%", 30)))
	assert.False(t, e.needsOCR(strings.Repeat("texto normal con contenido util ", 4)))
}
