// Package paginate walks vendor pagination protocols. Each vendor
// expresses its cursor differently (a full next URL, an opaque token,
// a numeric offset); the aggregator only sees an opaque cursor string
// and a page-fetching callback.
package paginate

import (
	"context"
	"fmt"

	"github.com/inletio/inlet/pkg/errors"
)

// DefaultMaxPages bounds pagination depth when the caller sets none.
// It exists to stop a buggy vendor cursor from looping forever.
const DefaultMaxPages = 10000

// PageFunc fetches one page. cursor is "" for the first page. It
// returns the page's records, the next cursor ("" when exhausted),
// and any transport or decode error.
type PageFunc func(ctx context.Context, cursor string) (records []map[string]interface{}, next string, err error)

// Options tunes an aggregation run.
type Options struct {
	// MaxPages caps how many pages Aggregate will fetch. Zero means
	// DefaultMaxPages.
	MaxPages int
	// MaxRecords stops early once at least this many records have
	// been collected. Zero means unlimited.
	MaxRecords int
}

// Aggregate drains a paginated endpoint into one record slice. It
// stops on an exhausted cursor, on reaching a record or page cap, or
// on error. Records fetched before an error are returned alongside it
// so callers can salvage partial results.
func Aggregate(ctx context.Context, fetch PageFunc, opts Options) ([]map[string]interface{}, error) {
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	var out []map[string]interface{}
	cursor := ""

	for page := 0; ; page++ {
		if err := ctx.Err(); err != nil {
			return out, errors.Wrap(err, errors.ErrorTypePagination,
				fmt.Sprintf("pagination cancelled after %d pages", page))
		}
		if page >= maxPages {
			return out, errors.New(errors.ErrorTypePagination,
				fmt.Sprintf("pagination exceeded %d pages without exhausting the cursor", maxPages))
		}

		records, next, err := fetch(ctx, cursor)
		if err != nil {
			return out, errors.Wrap(err, errors.ErrorTypePagination,
				fmt.Sprintf("page %d fetch failed", page+1))
		}
		out = append(out, records...)

		if opts.MaxRecords > 0 && len(out) >= opts.MaxRecords {
			return out[:opts.MaxRecords], nil
		}
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}
