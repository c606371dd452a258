package conversation

import (
	"strings"

	"github.com/rivo/uniseg"
)

const (
	titleMaxLength = 20
	titleEllipsis  = "..."
)

// DeriveTitle shortens the first user message to a history-list title.
// Length is counted in grapheme clusters so multi-codepoint characters are
// never split.
func DeriveTitle(text string) string {
	if uniseg.GraphemeClusterCount(text) <= titleMaxLength {
		return text
	}

	var builder strings.Builder
	graphemes := uniseg.NewGraphemes(text)
	for count := 0; count < titleMaxLength && graphemes.Next(); count++ {
		builder.WriteString(graphemes.Str())
	}
	builder.WriteString(titleEllipsis)
	return builder.String()
}
