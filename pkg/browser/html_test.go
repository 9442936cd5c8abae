package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParagraphText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "paragraphs joined by newline",
			input:    `<div><p>First line.</p><p>Second line.</p></div>`,
			expected: "First line.\nSecond line.",
		},
		{
			name:     "inline markup flattened",
			input:    `<p>Some <strong>bold</strong> and <em>italic</em> text</p>`,
			expected: "Some bold and italic text",
		},
		{
			name:     "br becomes newline",
			input:    `<p>one<br>two</p>`,
			expected: "one\ntwo",
		},
		{
			name:     "hidden paragraphs skipped",
			input:    `<p hidden>secret</p><p style="display: none">gone</p><p aria-hidden="true">aria</p><p>kept</p>`,
			expected: "kept",
		},
		{
			name:     "paragraph inside hidden container skipped",
			input:    `<div style="visibility:hidden"><p>invisible</p></div><p>shown</p>`,
			expected: "shown",
		},
		{
			name:     "non paragraph text ignored",
			input:    `<h1>Title</h1><ul><li>item</li></ul><p>body</p>`,
			expected: "body",
		},
		{
			name:     "empty paragraphs dropped",
			input:    `<p>   </p><p>text</p>`,
			expected: "text",
		},
		{
			name:     "scripts ignored",
			input:    `<p>visible<script>alert(1)</script></p>`,
			expected: "visible",
		},
		{
			name:     "no paragraphs",
			input:    `<div>plain</div>`,
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParagraphText(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}
