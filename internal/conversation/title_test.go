package conversation_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wuwenbin0122/chihaya-ai/internal/conversation"
)

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "short text kept", in: "你好", want: "你好"},
		{name: "exactly twenty", in: strings.Repeat("a", 20), want: strings.Repeat("a", 20)},
		{name: "latin truncated", in: strings.Repeat("b", 21), want: strings.Repeat("b", 20) + "..."},
		{name: "cjk truncated by character", in: strings.Repeat("字", 30), want: strings.Repeat("字", 20) + "..."},
		{name: "newlines preserved", in: "line one\nline two", want: "line one\nline two"},
		{
			name: "combined emoji counted once",
			in:   strings.Repeat("👍🏽", 25),
			want: strings.Repeat("👍🏽", 20) + "...",
		},
		{name: "empty", in: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, conversation.DeriveTitle(tt.in))
		})
	}
}
