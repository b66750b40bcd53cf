package collaborators

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"conveyor/internal/document"
)

// TextParser handles text-like documents directly and pulls the visible text
// out of PDFs well enough for the heuristic extractor. Scanned images need a
// real OCR parser wired in instead.
type TextParser struct{}

// NewTextParser returns the built-in parser.
func NewTextParser() *TextParser { return &TextParser{} }

func (p *TextParser) Parse(ctx context.Context, data []byte, mimeType string) (*document.ExtractedContent, error) {
	switch {
	case strings.HasPrefix(mimeType, "text/"):
		if !utf8.Valid(data) {
			return nil, fmt.Errorf("document is not valid utf-8")
		}
		return &document.ExtractedContent{
			Text:     string(data),
			MimeType: mimeType,
			Pages:    1,
		}, nil
	case mimeType == "application/pdf":
		text, pages := extractPDFText(data)
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("no extractable text in pdf")
		}
		return &document.ExtractedContent{
			Text:     text,
			MimeType: mimeType,
			Pages:    pages,
		}, nil
	default:
		return nil, fmt.Errorf("parser cannot handle %q", mimeType)
	}
}

// extractPDFText pulls string literals out of uncompressed PDF content
// streams. Good enough for machine-generated purchase orders; compressed or
// scanned documents come back empty.
func extractPDFText(data []byte) (string, int) {
	pages := bytes.Count(data, []byte("/Type /Page"))
	if pages == 0 {
		pages = 1
	}

	var builder strings.Builder
	rest := data
	for {
		open := bytes.IndexByte(rest, '(')
		if open < 0 {
			break
		}
		closing := bytes.IndexByte(rest[open:], ')')
		if closing < 0 {
			break
		}
		literal := rest[open+1 : open+closing]
		if utf8.Valid(literal) {
			builder.Write(literal)
			builder.WriteByte('\n')
		}
		rest = rest[open+closing+1:]
	}
	return builder.String(), pages
}
