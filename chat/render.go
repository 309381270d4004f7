package chat

import (
	"strings"

	"github.com/gomarkdown/markdown"
)

// normalizeAssistantText performs basic cleanup of model output before
// rendering (curly quotes confuse some downstream consumers).
func normalizeAssistantText(text string) string {
	if text == "" {
		return text
	}
	return strings.NewReplacer(
		"“", "\"", // "
		"”", "\"", // "
		"‘", "'", // '
		"’", "'", // '
	).Replace(text)
}

// renderAssistantHTML renders assistant message content to HTML for the view
// model. User messages are plain text and never rendered.
func renderAssistantHTML(content string) string {
	text := normalizeAssistantText(content)
	return strings.TrimSpace(string(markdown.ToHTML([]byte(text), nil, nil)))
}
