// Package source provides the record producers the pipeline ingests from:
// a paginated HTTP API source and a local file source (CSV or JSON).
//
// Sources deliver raw records: cell values are whatever the wire format
// carried (strings for CSV; strings, numbers, booleans, and lists for JSON);
// cleaning and casting happen downstream. Column names are normalized to
// lower_snake_case on the way in so schemas can be written once.
package source

import (
	"context"
	"fmt"
	"strings"

	"ingest/internal/config"
	"ingest/internal/records"
)

// Source produces the ordered raw record set for one configured source.
type Source interface {
	Fetch(ctx context.Context) ([]records.Record, error)
}

// New constructs the Source implementation selected by cfg.Type.
func New(cfg config.Source) (Source, error) {
	switch cfg.Type {
	case "api":
		return NewAPI(cfg.Path, cfg.Pages), nil
	case "file":
		return &File{Path: cfg.Path}, nil
	}
	return nil, fmt.Errorf("unknown source type %q", cfg.Type)
}

// normalizeColumn maps an upstream column name to lower_snake_case.
func normalizeColumn(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return s
}

// normalizeRecord rewrites all keys of a raw record via normalizeColumn.
func normalizeRecord(raw map[string]any) records.Record {
	out := make(records.Record, len(raw))
	for k, v := range raw {
		out[normalizeColumn(k)] = v
	}
	return out
}
