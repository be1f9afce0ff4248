// Package validation provides path-traversal-safe checks for the two
// identifiers used to build the uploads/{expediente}/{filename} layout:
// the expediente business key and the uploaded filename. It has no
// dependencies on other internal packages to avoid import cycles, so both
// the orchestrator and the object store adapters can depend on it directly.
package validation

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrInvalidExpedienteNum indicates the expediente_numero value is malformed
// or attempts path traversal.
var ErrInvalidExpedienteNum = errors.New("invalid expediente_numero")

// ErrInvalidFilename indicates the filename value is malformed or attempts
// path traversal.
var ErrInvalidFilename = errors.New("invalid filename")

// expedienteNumRE is the business-key shape: 2 or 4 digit year segment,
// 6-digit sequence, 4-digit office code, 2-letter case-type suffix.
var expedienteNumRE = regexp.MustCompile(`^(\d{2}|\d{4})-\d{6}-\d{4}-[A-Z]{2}$`)

// ExpedienteNum checks that an expediente business key matches the regex
// and is safe to use as a single filesystem path segment under uploads/.
// Returns the key unchanged on success.
func ExpedienteNum(num string) (string, error) {
	if !expedienteNumRE.MatchString(num) {
		return "", ErrInvalidExpedienteNum
	}
	if err := singlePathSegment(num); err != nil {
		return "", ErrInvalidExpedienteNum
	}
	return num, nil
}

// Filename checks that an uploaded filename is non-empty and safe to use as
// a single filesystem path segment under uploads/{expediente}/:
// no path separators, no "." or ".." segments, not absolute.
func Filename(filename string) (string, error) {
	if filename == "" {
		return "", ErrInvalidFilename
	}
	if err := singlePathSegment(filename); err != nil {
		return "", ErrInvalidFilename
	}
	return filename, nil
}

// singlePathSegment rejects anything that isn't exactly one clean path
// element: no separators, no "." / ".." segments, not absolute.
func singlePathSegment(s string) error {
	if s == "." || s == ".." {
		return errInvalidSegment
	}
	if strings.ContainsAny(s, `/\`) {
		return errInvalidSegment
	}
	clean := filepath.Clean(s)
	if clean != s ||
		strings.HasPrefix(clean, "..") ||
		strings.Contains(clean, string(os.PathSeparator)+"..") ||
		filepath.IsAbs(clean) {
		return errInvalidSegment
	}
	return nil
}

var errInvalidSegment = errors.New("not a single safe path segment")
