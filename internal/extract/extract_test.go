package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// docxBytes builds a minimal DOCX archive with one paragraph per argument.
func docxBytes(t *testing.T, paragraphs ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("create zip entry: %v", err)
	}

	var doc strings.Builder
	doc.WriteString(`<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, p := range paragraphs {
		doc.WriteString(`<w:p><w:r><w:t>` + p + `</w:t></w:r></w:p>`)
	}
	doc.WriteString(`</w:body></w:document>`)

	if _, err := w.Write([]byte(doc.String())); err != nil {
		t.Fatalf("write document.xml: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

// minimalPDF builds a one-page uncompressed PDF showing the given ASCII text,
// with a byte-accurate xref table.
func minimalPDF(t *testing.T, text string) []byte {
	t.Helper()
	var buf bytes.Buffer
	var offsets []int
	obj := func(s string) {
		offsets = append(offsets, buf.Len())
		buf.WriteString(s)
	}

	buf.WriteString("%PDF-1.4\n")
	obj("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	obj("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")
	obj("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>\nendobj\n")
	stream := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
	obj(fmt.Sprintf("4 0 obj\n<< /Length %d >>\nstream\n%s\nendstream\nendobj\n", len(stream), stream))
	obj("5 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>\nendobj\n")

	xref := buf.Len()
	buf.WriteString(fmt.Sprintf("xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1))
	for _, off := range offsets {
		buf.WriteString(fmt.Sprintf("%010d 00000 n \n", off))
	}
	buf.WriteString(fmt.Sprintf("trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref))
	return buf.Bytes()
}

func TestTextFromPDF(t *testing.T) {
	data := minimalPDF(t, "hello from pdf")

	got, err := TextFromBytes(context.Background(), data, "application/pdf", "doc.pdf")
	if err != nil {
		t.Fatalf("TextFromBytes: %v", err)
	}
	if !strings.Contains(got, "hello from pdf") {
		t.Errorf("text = %q, want it to contain %q", got, "hello from pdf")
	}
}

func TestTextFromDOCX(t *testing.T) {
	data := docxBytes(t, "alpha", "beta")

	got, err := TextFromBytes(context.Background(), data, mimeDOCX, "doc.docx")
	if err != nil {
		t.Fatalf("TextFromBytes: %v", err)
	}
	if got != "alpha\nbeta" {
		t.Errorf("text = %q, want %q", got, "alpha\nbeta")
	}
}

func TestDOCXDetectedInsideZipMime(t *testing.T) {
	data := docxBytes(t, "from zip")

	got, err := TextFromBytes(context.Background(), data, "application/zip", "doc.docx")
	if err != nil {
		t.Fatalf("TextFromBytes: %v", err)
	}
	if got != "from zip" {
		t.Errorf("text = %q, want %q", got, "from zip")
	}
}

func TestPlainTextPassesThrough(t *testing.T) {
	body := "# Notes\n\nremember the thing"

	got, err := TextFromBytes(context.Background(), []byte(body), "", "notes.md")
	if err != nil {
		t.Fatalf("TextFromBytes: %v", err)
	}
	if got != body {
		t.Errorf("text = %q, want %q", got, body)
	}
}

func TestPlainZipIsUnsupported(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("notes.txt")
	if err != nil {
		t.Fatalf("create zip entry: %v", err)
	}
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("write zip entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}

	_, err = TextFromBytes(context.Background(), buf.Bytes(), "application/zip", "notes.zip")
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestEmptyDocumentRejected(t *testing.T) {
	if _, err := TextFromBytes(context.Background(), nil, "text/plain", "empty.txt"); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestGarbagePDFRejected(t *testing.T) {
	if _, err := TextFromBytes(context.Background(), []byte("not a pdf"), "application/pdf", "doc.pdf"); err == nil {
		t.Fatal("expected error for malformed pdf")
	}
}

func TestWhitespaceOnlyDocumentRejected(t *testing.T) {
	_, err := TextFromBytes(context.Background(), []byte("  \n\t "), "text/plain", "blank.txt")
	if err == nil {
		t.Fatal("expected error for whitespace-only document")
	}
	if !strings.Contains(err.Error(), "no extractable text") {
		t.Errorf("err = %v, want no-extractable-text", err)
	}
}
