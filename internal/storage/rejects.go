package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"ingest/internal/records"
)

// NewRejectRow serializes a reject payload for the stg_rejects audit table.
// Values JSON cannot represent (NaN, ±Inf) are normalized to null before
// marshaling; timestamps are rendered as RFC3339 strings.
func NewRejectRow(sourceName string, payload records.Record, reason string) RejectRow {
	return RejectRow{
		SourceName: sourceName,
		Payload:    marshalPayload(payload),
		Reason:     reason,
	}
}

func marshalPayload(rec records.Record) []byte {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		switch t := v.(type) {
		case float64:
			if math.IsNaN(t) || math.IsInf(t, 0) {
				out[k] = nil
				continue
			}
			out[k] = t
		case time.Time:
			out[k] = t.Format(time.RFC3339)
		default:
			out[k] = v
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		// A cell held something JSON cannot express at all; keep the audit
		// trail alive with a best-effort rendering.
		b, _ = json.Marshal(map[string]any{"_unserializable": fmt.Sprint(rec)})
	}
	return b
}
