package mdadapter

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))

const source = `# Free Books

### Index

* [Go](#go)
* [Rust](#rust)

### Go

* [An Introduction to Go](http://example.com/intro-go.pdf)
* [Go Patterns](http://example.com/patterns.pdf) - some author
* [Go By Web](http://example.com/go.html)

### Rust

Some prose with an inline link to [The Rust Book](http://example.com/rust-book.pdf).

### Empty Shelf

Nothing with a matching link here.
`

func TestParse(t *testing.T) {
	p := NewParser(&Config{Extension: "pdf"}, testLog)

	categories := p.Parse([]byte(source))
	require.Len(t, categories, 2)

	golang := categories[0]
	assert.Equal(t, "Go", golang.Name)
	require.Len(t, golang.Entries, 2)
	assert.Equal(t, Entry{Name: "An Introduction to Go", URL: "http://example.com/intro-go.pdf"},
		golang.Entries[0])
	assert.Equal(t, "Go Patterns", golang.Entries[1].Name)

	rust := categories[1]
	assert.Equal(t, "Rust", rust.Name)
	require.Len(t, rust.Entries, 1)
	assert.Equal(t, "The Rust Book", rust.Entries[0].Name)
}

func TestParseNoExtensionFilter(t *testing.T) {
	p := NewParser(&Config{}, testLog)

	categories := p.Parse([]byte(source))
	require.Len(t, categories, 2)
	// Without the filter the .html entry survives too.
	assert.Len(t, categories[0].Entries, 3)
}

func TestParseHeadingLevel(t *testing.T) {
	src := `## Top

* [A](http://x/a.pdf)

### Nested

* [B](http://x/b.pdf)
`
	p := NewParser(&Config{HeadingLevel: 2, Extension: "pdf"}, testLog)

	categories := p.Parse([]byte(src))
	require.Len(t, categories, 1)
	assert.Equal(t, "Top", categories[0].Name)
	// Level-3 headings do not open a category at level 2.
	assert.Len(t, categories[0].Entries, 2)
}

func TestParseEmptySource(t *testing.T) {
	p := NewParser(&Config{Extension: "pdf"}, testLog)

	assert.Empty(t, p.Parse([]byte("")))
	assert.Empty(t, p.Parse([]byte("plain text, no links")))
}

func TestParseEntriesBeforeFirstHeading(t *testing.T) {
	src := `* [Orphan](http://x/orphan.pdf)

### Shelf

* [A](http://x/a.pdf)
`
	p := NewParser(&Config{Extension: "pdf"}, testLog)

	categories := p.Parse([]byte(src))
	// The implicit leading category is named after the index and dropped.
	require.Len(t, categories, 1)
	assert.Equal(t, "Shelf", categories[0].Name)
}
