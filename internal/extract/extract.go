package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

const (
	mimePDF      = "application/pdf"
	mimeDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimePlain    = "text/plain"
	mimeMarkdown = "text/markdown"
)

// ErrUnsupported reports a document type no extractor handles.
var ErrUnsupported = errors.New("unsupported document type")

// TextFromBytes extracts plain text from an in-memory document. PDF and DOCX
// payloads are parsed; text/plain and text/markdown pass through unchanged.
// The file name breaks ties when the declared mime type is missing or too
// generic to dispatch on.
func TextFromBytes(ctx context.Context, data []byte, mimeType, fileName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", errors.New("empty document")
	}

	var text string
	var err error
	switch resolveMime(mimeType, fileName, data) {
	case mimePDF:
		text, err = fromPDF(data)
	case mimeDOCX:
		text, err = fromDOCX(data)
	case mimePlain, mimeMarkdown:
		text = strings.ToValidUTF8(string(data), "")
	default:
		return "", fmt.Errorf("%w: %q (%s)", ErrUnsupported, mimeType, fileName)
	}
	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("no extractable text in %s", fileName)
	}
	return text, nil
}

func resolveMime(mimeType, fileName string, data []byte) string {
	clean := strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0]))
	switch clean {
	case mimePDF, mimeDOCX, mimePlain, mimeMarkdown:
		return clean
	case "application/zip":
		// DOCX uploads often arrive declared as bare zip.
		if isDOCXArchive(data) {
			return mimeDOCX
		}
	}

	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		return mimePDF
	case ".docx":
		return mimeDOCX
	case ".txt":
		return mimePlain
	case ".md", ".markdown":
		return mimeMarkdown
	}
	return clean
}

func fromPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parsing pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return buf.String(), nil
}

func fromDOCX(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parsing docx: %w", err)
	}

	var docFile *zip.File
	for _, f := range zr.File {
		if strings.ReplaceAll(f.Name, "\\", "/") == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return "", errors.New("parsing docx: word/document.xml not found")
	}

	rc, err := docFile.Open()
	if err != nil {
		return "", fmt.Errorf("parsing docx: %w", err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("parsing docx: %w", err)
	}
	return flattenDocXML(raw), nil
}

// flattenDocXML keeps the character data of the document body, inserting a
// newline at paragraph and line-break boundaries.
func flattenDocXML(raw []byte) string {
	decoder := xml.NewDecoder(bytes.NewReader(raw))
	var buf strings.Builder
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return string(raw)
		}
		switch t := tok.(type) {
		case xml.CharData:
			buf.Write(t)
		case xml.EndElement:
			if (t.Name.Local == "p" || t.Name.Local == "br") && buf.Len() > 0 {
				buf.WriteString("\n")
			}
		}
	}
	return buf.String()
}

func isDOCXArchive(data []byte) bool {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return false
	}
	for _, f := range zr.File {
		if strings.ReplaceAll(f.Name, "\\", "/") == "word/document.xml" {
			return true
		}
	}
	return false
}
