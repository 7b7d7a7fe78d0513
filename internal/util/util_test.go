package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestItemIDStable(t *testing.T) {
	id1 := ItemID("Alpha", "http://x/a.pdf")
	id2 := ItemID("Alpha", "http://x/a.pdf")

	assert.Equal(t, id1, id2)
}

func TestItemIDDistinct(t *testing.T) {
	base := ItemID("Alpha", "http://x/a.pdf")

	assert.NotEqual(t, base, ItemID("Beta", "http://x/a.pdf"))
	assert.NotEqual(t, base, ItemID("Alpha", "http://x/b.pdf"))
	// Field separation: moving a character across the boundary must not
	// collide.
	assert.NotEqual(t, ItemID("ab", "c"), ItemID("a", "bc"))
}

func TestNameToFileName(t *testing.T) {
	testCases := []struct {
		name     string
		ext      string
		expected string
	}{
		{"Plain Title", ".pdf", "Plain Title.pdf"},
		{"  padded  ", ".pdf", "padded.pdf"},
		{"a/b\\c:d", ".pdf", "a_b_c_d.pdf"},
		{"what?", ".epub", "what_.epub"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, NameToFileName(tc.name, tc.ext))
		})
	}
}

func TestURLExt(t *testing.T) {
	testCases := []struct {
		url      string
		expected string
	}{
		{"http://x/a.pdf", ".pdf"},
		{"http://x/a.pdf?dl=1", ".pdf"},
		{"http://x/dir/", ""},
		{"http://x/book.epub", ".epub"},
	}

	for _, tc := range testCases {
		t.Run(tc.url, func(t *testing.T) {
			assert.Equal(t, tc.expected, URLExt(tc.url))
		})
	}
}
