// Package testutil builds fixture payloads shared by service tests.
package testutil

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/jung-kurt/gofpdf"
	"github.com/stretchr/testify/require"
)

// PDF renders a valid PDF with the given number of pages.
func PDF(t *testing.T, pages int) []byte {
	t.Helper()
	if pages < 1 {
		pages = 1
	}
	pdf := gofpdf.New("P", "mm", "A4", "")
	for i := 0; i < pages; i++ {
		pdf.AddPage()
		pdf.SetFont("Arial", "", 12)
		pdf.Cell(40, 10, fmt.Sprintf("fixture page %d", i+1))
	}
	buf := &bytes.Buffer{}
	require.NoError(t, pdf.Output(buf))
	return buf.Bytes()
}

// PNG returns a payload carrying the PNG signature. The body is filler; it
// sniffs as image/png without being a decodable image.
func PNG(extra int) []byte {
	data := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	return append(data, bytes.Repeat([]byte{0x00}, extra)...)
}

// JPEG returns a payload carrying the JPEG signature.
func JPEG(extra int) []byte {
	data := []byte{0xFF, 0xD8, 0xFF, 0xE0}
	return append(data, bytes.Repeat([]byte{0x00}, extra)...)
}
