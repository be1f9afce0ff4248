package extract

import "errors"

// ErrNoExtractableContent is returned when extraction (primary or OCR)
// yields empty text after cleaning.
var ErrNoExtractableContent = errors.New("extract: no extractable content")
