// Package filectx extracts document text from message file attachments.
// HTML is converted to markdown; plain text passes through. Binary types
// with no text extraction are skipped.
package filectx

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/chatflow/internal/types"
)

const maxExtractChars = 50000

// Extract converts a single attachment to document text. It returns an
// empty string for types it cannot extract.
func Extract(att types.FileAttachment) (string, error) {
	mime := att.MimeType
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}

	var text string
	switch mime {
	case "text/html", "application/xhtml+xml":
		md, err := htmltomarkdown.ConvertString(string(att.Data))
		if err != nil {
			return "", fmt.Errorf("convert %s to markdown: %w", att.Name, err)
		}
		text = md
	case "text/plain", "text/markdown", "text/csv", "application/json":
		text = string(att.Data)
	default:
		slog.Debug("skipping attachment with no text extraction", "name", att.Name, "mime_type", att.MimeType)
		return "", nil
	}

	text = strings.TrimSpace(text)
	if len(text) > maxExtractChars {
		text = truncate(text, maxExtractChars) + "\n\n[Content truncated]"
	}
	return text, nil
}

// truncate cuts s at max bytes, backing up so no UTF-8 sequence is split.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// ExtractAll builds the combined file-context block for a message. Each
// extracted document is delimited with its filename so the model can tell
// sources apart. Attachments that fail extraction are logged and skipped.
func ExtractAll(atts []types.FileAttachment) string {
	var b strings.Builder
	for _, att := range atts {
		text, err := Extract(att)
		if err != nil {
			slog.Warn("file context extraction failed", "name", att.Name, "error", err)
			continue
		}
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "<file name=%q>\n%s\n</file>", att.Name, text)
	}
	return b.String()
}
