package validate

import (
	"fmt"

	"ingest/internal/records"
)

// RequireKeys rejects any row holding a null value in a primary-key column.
// A row missing several key columns produces one Reject per column but is
// excluded from the valid set exactly once.
func RequireKeys(rows []records.Record, keys []string, sourceName string) ([]records.Record, []Reject) {
	out := make([]records.Record, 0, len(rows))
	var rejects []Reject

	for _, row := range rows {
		ok := true
		for _, col := range keys {
			v, exists := row[col]
			if exists && !records.IsNull(v) {
				continue
			}
			rejects = append(rejects, Reject{
				SourceName: sourceName,
				RawPayload: row.Clone(),
				Reason:     fmt.Sprintf("Missing required primary key: %s", col),
			})
			ok = false
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, rejects
}
