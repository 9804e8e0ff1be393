package knowledge_test

import (
	"strings"
	"testing"

	"github.com/miskibin/rtx-chat/internal/knowledge"
)

func TestSupportedExtension(t *testing.T) {
	t.Parallel()
	tests := []struct {
		ext  string
		want bool
	}{
		{".txt", true},
		{".md", true},
		{".pdf", true},
		{".PDF", true},
		{".docx", false},
		{".html", false},
		{"", false},
		{"txt", false},
	}
	for _, tt := range tests {
		if got := knowledge.SupportedExtension(tt.ext); got != tt.want {
			t.Errorf("SupportedExtension(%q) = %v, want %v", tt.ext, got, tt.want)
		}
	}
}

func TestExtract_PlainText(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"notes.txt", "notes.md", "NOTES.TXT"} {
		content, docType, err := knowledge.Extract(name, []byte("line one\n\nline two"))
		if err != nil {
			t.Fatalf("Extract(%q): %v", name, err)
		}
		if content != "line one\n\nline two" {
			t.Errorf("Extract(%q) content = %q", name, content)
		}
		if docType != "text" {
			t.Errorf("Extract(%q) docType = %q, want %q", name, docType, "text")
		}
	}
}

func TestExtract_UnsupportedType(t *testing.T) {
	t.Parallel()
	_, _, err := knowledge.Extract("slides.pptx", []byte("x"))
	if err == nil {
		t.Fatal("expected an error for an unsupported extension")
	}
	if !strings.Contains(err.Error(), ".pptx") {
		t.Errorf("error %q should name the extension", err)
	}
}

func TestExtract_BrokenPDF(t *testing.T) {
	t.Parallel()
	_, _, err := knowledge.Extract("doc.pdf", []byte("not a pdf at all"))
	if err == nil {
		t.Fatal("expected an error for a non-PDF payload")
	}
}
