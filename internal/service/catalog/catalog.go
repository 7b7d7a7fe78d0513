package catalog

import (
	"fmt"
	"log/slog"

	"github.com/jgivc/bookfetch/internal/adapter/mdadapter"
	"github.com/jgivc/bookfetch/internal/common"
	"github.com/jgivc/bookfetch/internal/entity"
	"github.com/jgivc/bookfetch/internal/util"
	"github.com/spf13/afero"
)

type IndexParser interface {
	Parse(source []byte) []mdadapter.RawCategory
}

type catalogService struct {
	fs     afero.Fs
	parser IndexParser
	log    *slog.Logger
}

func NewCatalogService(fs afero.Fs, parser IndexParser, log *slog.Logger) *catalogService {
	return &catalogService{
		fs:     fs,
		parser: parser,
		log:    log.With(slog.String("item", "CatalogService")),
	}
}

// Load reads the markdown index and builds the category list. Duplicate
// display names within a category get a counter suffix before the item id is
// derived, so every distinct source entry keeps a distinct, stable id.
func (s *catalogService) Load(path string) ([]*entity.Category, error) {
	source, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, fmt.Errorf("cannot read catalog index %s: %w", path, err)
	}

	raw := s.parser.Parse(source)
	if len(raw) < 1 {
		return nil, common.ErrEmptyCatalog
	}

	categories := make([]*entity.Category, 0, len(raw))
	for _, rawCategory := range raw {
		category := &entity.Category{Name: rawCategory.Name}
		seen := make(map[string]int, len(rawCategory.Entries))

		for _, entry := range rawCategory.Entries {
			name := entry.Name
			seen[name]++
			if n := seen[name]; n > 1 {
				name = fmt.Sprintf("%s (%d)", name, n)
			}

			category.Items = append(category.Items, &entity.Item{
				ID:           util.ItemID(name, entry.URL),
				Name:         name,
				URL:          entry.URL,
				CategoryName: category.Name,
			})
		}

		s.log.Info("Found category",
			slog.String("name", category.Name), slog.Int("items", len(category.Items)))
		categories = append(categories, category)
	}

	return categories, nil
}
