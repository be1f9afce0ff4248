package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpedienteNum_ValidAndInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		want  string
		errIs error
	}{
		{name: "valid 2-digit year", in: "24-000123-0001-PE", want: "24-000123-0001-PE", errIs: nil},
		{name: "valid 4-digit year", in: "2024-000123-0001-PE", want: "2024-000123-0001-PE", errIs: nil},
		{name: "empty", in: "", want: "", errIs: ErrInvalidExpedienteNum},
		{name: "wrong shape", in: "not-an-expediente", want: "", errIs: ErrInvalidExpedienteNum},
		{name: "lowercase suffix", in: "24-000123-0001-pe", want: "", errIs: ErrInvalidExpedienteNum},
		{name: "traversal", in: "../escape", want: "", errIs: ErrInvalidExpedienteNum},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpedienteNum(tt.in)
			assert.Equal(t, tt.want, got)
			assert.ErrorIs(t, err, tt.errIs)
		})
	}
}

func TestFilename_ValidAndInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		want  string
		errIs error
	}{
		{name: "simple", in: "demo.pdf", want: "demo.pdf", errIs: nil},
		{name: "empty", in: "", want: "", errIs: ErrInvalidFilename},
		{name: "dot", in: ".", want: "", errIs: ErrInvalidFilename},
		{name: "dotdot", in: "..", want: "", errIs: ErrInvalidFilename},
		{name: "slash", in: "a/b.pdf", want: "", errIs: ErrInvalidFilename},
		{name: "backslash", in: `a\b.pdf`, want: "", errIs: ErrInvalidFilename},
		{name: "traversal", in: "../escape.pdf", want: "", errIs: ErrInvalidFilename},
		{name: "absolute", in: "/etc/passwd", want: "", errIs: ErrInvalidFilename},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Filename(tt.in)
			assert.Equal(t, tt.want, got)
			assert.ErrorIs(t, err, tt.errIs)
		})
	}
}
