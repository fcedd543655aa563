package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextAsserter(t *testing.T) {
	tests := []struct {
		name     string
		opts     []TextOption
		actual   string
		expected string
		wantFail bool
	}{
		{
			name:     "identical",
			actual:   "flat  551000\nzerog 551540\n",
			expected: "flat  551000\nzerog 551540\n",
		},
		{
			name:     "surrounding whitespace trimmed by default",
			actual:   "\n\nflat  551000\n",
			expected: "flat  551000",
		},
		{
			name:     "trailing spaces ignored by default",
			actual:   "flat  551000   \nzerog 551540",
			expected: "flat  551000\nzerog 551540",
		},
		{
			name:     "trailing spaces reported when strict",
			opts:     []TextOption{WithIgnoreTrailingWhitespace(false)},
			actual:   "flat  551000   \nzerog 551540",
			expected: "flat  551000\nzerog 551540",
			wantFail: true,
		},
		{
			name:     "empty lines ignored",
			opts:     []TextOption{WithIgnoreEmptyLines(true)},
			actual:   "flat\n\n\nzerog",
			expected: "flat\nzerog",
		},
		{
			name:     "content differs",
			actual:   "flat  551000",
			expected: "flat  551001",
			wantFail: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &recordingT{}
			NewTextAsserter(rt).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)
			if tt.wantFail {
				assert.NotEmpty(t, rt.errors, "assertion MUST fail")
			} else {
				assert.Empty(t, rt.errors)
			}
		})
	}
}

func TestTextAsserter_DiffOutput(t *testing.T) {
	rt := &recordingT{}
	NewTextAsserter(rt).Assert("flat 551000", "flat 551001")

	if assert.Len(t, rt.errors, 1) {
		assert.Contains(t, rt.errors[0], "-flat 551001")
		assert.Contains(t, rt.errors[0], "+flat 551000")
	}

	rt = &recordingT{}
	NewTextAsserter(rt).WithOptions(WithEnableColors(true)).Assert("a b", "a c")
	if assert.Len(t, rt.errors, 1) {
		assert.Contains(t, rt.errors[0], "a·b", "colored diffs MUST show whitespace")
	}
}
