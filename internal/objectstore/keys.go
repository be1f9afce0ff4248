package objectstore

import (
	"fmt"
	"path"
	"strings"
)

// uploadsRoot is the fixed top-level prefix every ingested file lives under
// (uploads/{expediente}/{filename}[_N] layout).
const uploadsRoot = "uploads"

// ExpedienteKey builds the object key for a file belonging to expedienteNum,
// following the uploads/{expediente}/{filename} layout. filename is the bare
// name (no directory components); callers construct a versioned filename
// themselves (e.g. report_2.pdf) before calling this when the reingest
// policy requires a distinct copy rather than a skip/overwrite.
func ExpedienteKey(expedienteNum, filename string) string {
	return path.Join(uploadsRoot, expedienteNum, filename)
}

// ParseExpedienteKey recovers the (expediente, filename) pair from a key
// produced by ExpedienteKey. ok is false for any key outside the
// uploads/{expediente}/{filename} layout.
func ParseExpedienteKey(key string) (expedienteNum, filename string, ok bool) {
	parts := strings.Split(strings.TrimPrefix(key, "/"), "/")
	if len(parts) != 3 || parts[0] != uploadsRoot || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// ExpedientePrefix returns the key prefix covering every object uploaded
// under expedienteNum, for use with List/ListOptions.Prefix.
func ExpedientePrefix(expedienteNum string) string {
	return fmt.Sprintf("%s/%s/", uploadsRoot, expedienteNum)
}
