package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrPageLimit is logged when a list load hits the page guard.
var ErrPageLimit = errors.New("page limit reached")

const (
	DefaultPageSize = 100
	DefaultMaxPages = 50
)

// PageFunc fetches one page starting at offset.
type PageFunc[T any] func(ctx context.Context, offset, limit int) ([]T, error)

// Pager bounds a paginated list load.
type Pager struct {
	PageSize int
	MaxPages int
	Logger   *slog.Logger
}

func (p Pager) withDefaults() Pager {
	if p.PageSize <= 0 {
		p.PageSize = DefaultPageSize
	}
	if p.MaxPages <= 0 {
		p.MaxPages = DefaultMaxPages
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return p
}

// Collect fetches pages sequentially until one returns fewer than
// PageSize items. If MaxPages full pages were fetched the accumulated
// items are returned and the guard is logged. Items are deduplicated by
// id, first occurrence wins.
func Collect[T any](ctx context.Context, p Pager, fetch PageFunc[T], id func(T) string) ([]T, error) {
	p = p.withDefaults()

	var out []T
	seen := make(map[string]struct{})
	for page := 0; ; page++ {
		if page == p.MaxPages {
			p.Logger.Warn("list truncated", "err", ErrPageLimit, "pages", page, "items", len(out))
			pagesTruncated.Inc()
			return out, nil
		}
		items, err := fetch(ctx, page*p.PageSize, p.PageSize)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		for _, it := range items {
			k := id(it)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, it)
		}
		if len(items) < p.PageSize {
			return out, nil
		}
	}
}
