// Package collection reads platform collections page by page and keeps an
// instance-owned cache of them with the derived lookups built on top.
package collection

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"bfgsync/internal/model"
)

const DefaultPageSize = 100000

// PageSource returns one page of a collection for the given query.
type PageSource interface {
	CollectionPage(ctx context.Context, table string, query url.Values) (model.CollectionPage, error)
}

// Progress observes a running fetch. total is meta.count of the last page.
type Progress func(table string, fetched int, total int)

type FetcherConfig struct {
	Source   PageSource
	PageSize int
	Progress Progress
	Logger   *slog.Logger
}

type Fetcher struct {
	source   PageSource
	pageSize int
	progress Progress
	logger   *slog.Logger
}

type Query struct {
	// Filters are passed through as query parameters.
	Filters url.Values
	// OrderBy values are sent as repeated order_by parameters, in order.
	OrderBy []string
	// StopOnMissingTable ends the fetch at the first page that does not
	// contain the queried table.
	StopOnMissingTable bool
}

func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("collection: page source is required")
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		source:   cfg.Source,
		pageSize: pageSize,
		progress: cfg.Progress,
		logger:   logger,
	}, nil
}

func (f *Fetcher) PageSize() int {
	return f.pageSize
}

// Fetch requests pages of table until the cursor reaches meta.count,
// merges rows per returned table and deduplicates them by id. Any page
// failure aborts the whole fetch.
func (f *Fetcher) Fetch(ctx context.Context, table string, query Query) (model.Tables, error) {
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, fmt.Errorf("collection: table is required")
	}
	base := url.Values{}
	for key, values := range query.Filters {
		base[key] = append([]string(nil), values...)
	}
	if len(query.OrderBy) > 0 {
		base["order_by"] = append([]string(nil), query.OrderBy...)
	}

	result := model.Tables{}
	for cursor := 0; ; {
		pageQuery := cloneValues(base)
		pageQuery.Set("start", strconv.Itoa(cursor))
		pageQuery.Set("stop", strconv.Itoa(cursor+f.pageSize))

		page, err := f.source.CollectionPage(ctx, table, pageQuery)
		if err != nil {
			return nil, fmt.Errorf("collection: fetch %s at %d: %w", table, cursor, err)
		}
		if _, ok := page.Rows[table]; !ok && query.StopOnMissingTable {
			f.logger.Debug("collection page without table", "table", table, "start", cursor)
			break
		}
		for name, rows := range page.Rows {
			result[name] = append(result[name], rows...)
		}

		cursor += f.pageSize
		f.report(table, cursor, page.Meta.Count)
		if cursor >= page.Meta.Count {
			break
		}
	}

	for name, rows := range result {
		result[name] = Deduplicate(rows)
	}
	f.logger.Debug("collection fetched", "table", table, "rows", len(result[table]))
	return result, nil
}

func (f *Fetcher) report(table string, cursor int, total int) {
	if f.progress == nil {
		return
	}
	fetched := cursor
	if fetched > total {
		fetched = total
	}
	f.progress(table, fetched, total)
}

func cloneValues(values url.Values) url.Values {
	out := make(url.Values, len(values)+2)
	for key, items := range values {
		out[key] = append([]string(nil), items...)
	}
	return out
}

// Deduplicate collapses rows sharing an id. The surviving row keeps the
// position of the first occurrence and the value of the last one. Rows
// without an id are kept as they are.
func Deduplicate(rows []model.Record) []model.Record {
	index := make(map[string]int, len(rows))
	out := make([]model.Record, 0, len(rows))
	for _, row := range rows {
		id, ok := row.ID()
		if !ok {
			out = append(out, row)
			continue
		}
		if position, seen := index[id]; seen {
			out[position] = row
			continue
		}
		index[id] = len(out)
		out = append(out, row)
	}
	return out
}
