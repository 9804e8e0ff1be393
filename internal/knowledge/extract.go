package knowledge

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// SupportedExtensions lists the upload file types the ingestion API accepts,
// in display order for error messages.
var SupportedExtensions = []string{".txt", ".md", ".pdf"}

// SupportedExtension reports whether ext (with leading dot, any case) is an
// accepted upload type.
func SupportedExtension(ext string) bool {
	ext = strings.ToLower(ext)
	for _, s := range SupportedExtensions {
		if ext == s {
			return true
		}
	}
	return false
}

// Extract returns the plain text of an uploaded file and the doc type to
// record on its document node. Text and markdown pass through unchanged; PDFs
// are reduced to their embedded text.
func Extract(filename string, data []byte) (content, docType string, err error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".txt", ".md":
		return string(data), "text", nil
	case ".pdf":
		text, err := extractPDF(data)
		if err != nil {
			return "", "", fmt.Errorf("knowledge: extract %s: %w", filename, err)
		}
		return text, "pdf", nil
	default:
		return "", "", fmt.Errorf("knowledge: unsupported file type %q", ext)
	}
}

// extractPDF pulls the text layer out of a PDF. The parser panics on some
// malformed files, so the recover converts those into errors.
func extractPDF(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if _, err := io.Copy(&b, plain); err != nil {
		return "", err
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", fmt.Errorf("no extractable text")
	}
	return b.String(), nil
}
