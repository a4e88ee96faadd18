// Package pipeline turns source documents into validated structured data.
package pipeline

import (
	"bytes"

	"relaygate/internal/domain"
)

var (
	pdfMagic  = []byte("%PDF-")
	pngMagic  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
)

// DetectKind sniffs the document kind from its byte signature and returns the
// kind with the corresponding MIME type. Client-supplied content types are
// ignored; the bytes decide.
func DetectKind(data []byte) (domain.DocumentKind, string) {
	switch {
	case bytes.HasPrefix(data, pdfMagic):
		return domain.DocPDF, "application/pdf"
	case bytes.HasPrefix(data, pngMagic):
		return domain.DocImage, "image/png"
	case bytes.HasPrefix(data, jpegMagic):
		return domain.DocImage, "image/jpeg"
	default:
		return domain.DocUnknown, ""
	}
}
