// Package paginate walks offset-paged provider results.
package paginate

import (
	"context"
	"fmt"

	"github.com/JakeFAU/analytics-ingest/internal/governor"
)

// Executor runs one provider call with retries. *executor.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, op string, call governor.Task) error
}

// PageFunc fetches up to limit rows starting at offset.
type PageFunc[T any] func(ctx context.Context, offset, limit int) ([]T, error)

// Options controls paging.
type Options struct {
	PageSize    int
	StartOffset int
	// MaxPages stops after this many pages; zero means no limit.
	MaxPages int
}

// FetchAll requests pages until one comes back shorter than PageSize and
// returns all rows in page order. A full final page costs one extra empty
// request. The first error aborts the walk and discards partial rows.
func FetchAll[T any](ctx context.Context, exec Executor, opts Options, page PageFunc[T]) ([]T, error) {
	if opts.PageSize <= 0 {
		return nil, fmt.Errorf("paginate: page size must be > 0, got %d", opts.PageSize)
	}
	var all []T
	offset := opts.StartOffset
	for pages := 0; opts.MaxPages == 0 || pages < opts.MaxPages; pages++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var rows []T
		err := exec.Execute(ctx, "page", func(ctx context.Context) error {
			var err error
			rows, err = page(ctx, offset, opts.PageSize)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("fetch page at offset %d: %w", offset, err)
		}
		all = append(all, rows...)
		if len(rows) < opts.PageSize {
			break
		}
		offset += opts.PageSize
	}
	return all, nil
}
