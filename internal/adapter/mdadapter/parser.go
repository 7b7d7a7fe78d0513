package mdadapter

import (
	"log/slog"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const (
	defaultHeadingLevel = 3
	defaultCategoryName = "Index"
)

// Entry is one (name, url) pair extracted from the index before items are
// built from it.
type Entry struct {
	Name string
	URL  string
}

// RawCategory groups the entries found under one heading.
type RawCategory struct {
	Name    string
	Entries []Entry
}

type Config struct {
	// HeadingLevel is the ATX heading depth that opens a new category.
	HeadingLevel int
	// Extension filters entries by their URL, e.g. "pdf". Empty keeps all.
	Extension string
}

func (c *Config) SetDefaults() {
	if c.HeadingLevel == 0 {
		c.HeadingLevel = defaultHeadingLevel
	}
}

// Parser extracts download categories from a markdown book index.
type Parser struct {
	cfg *Config
	md  goldmark.Markdown
	log *slog.Logger
}

func NewParser(cfg *Config, log *slog.Logger) *Parser {
	cfg.SetDefaults()

	return &Parser{
		cfg: cfg,
		md:  goldmark.New(),
		log: log.With(slog.String("item", "MDParser")),
	}
}

// Parse walks the markdown AST. Headings at the configured level start a new
// category; links whose destination matches the extension filter become
// entries. Categories named after the index itself, and categories without a
// single matching entry, are dropped.
func (p *Parser) Parse(source []byte) []RawCategory {
	root := p.md.Parser().Parse(text.NewReader(source))

	var categories []RawCategory
	current := RawCategory{Name: defaultCategoryName}

	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Heading:
			if node.Level != p.cfg.HeadingLevel {
				return ast.WalkContinue, nil
			}

			categories = append(categories, current)
			current = RawCategory{Name: nodeText(node, source)}

			return ast.WalkSkipChildren, nil
		case *ast.Link:
			url := string(node.Destination)
			if !p.matchExtension(url) {
				return ast.WalkSkipChildren, nil
			}

			name := nodeText(node, source)
			if name == "" {
				p.log.Warn("Skip nameless link", slog.String("url", url))

				return ast.WalkSkipChildren, nil
			}

			current.Entries = append(current.Entries, Entry{Name: name, URL: url})

			return ast.WalkSkipChildren, nil
		}

		return ast.WalkContinue, nil
	})
	categories = append(categories, current)

	result := make([]RawCategory, 0, len(categories))
	for _, category := range categories {
		if len(category.Entries) == 0 {
			continue
		}

		if strings.Contains(strings.ToLower(category.Name), "index") {
			continue
		}

		result = append(result, category)
	}

	return result
}

func (p *Parser) matchExtension(url string) bool {
	if p.cfg.Extension == "" {
		return true
	}

	return strings.Contains(strings.ToLower(url), strings.ToLower(p.cfg.Extension))
}

// nodeText collects the plain text of a node's descendants.
func nodeText(n ast.Node, source []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		if t, ok := child.(*ast.Text); ok {
			b.Write(t.Segment.Value(source))
		}

		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(b.String())
}
