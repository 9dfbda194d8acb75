// Package report accumulates per-source counters for one pipeline run and
// derives the overall run status.
package report

import (
	"fmt"
	"log"
	"time"
)

// Run statuses. A run is failed only when every source failed; any mix of
// success and failure is partial.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// SourceReport holds the counters for one source within a run.
type SourceReport struct {
	Source   string
	Input    int64 // rows fetched from the source
	Valid    int64 // rows that survived clean + validate
	Rejected int64 // rows rejected during validation
	Inserted int64
	Updated  int64
	Duration time.Duration
	Err      error // non-nil when the source failed outright
}

// Failed reports whether the source run failed outright (fetch or load
// error), as opposed to merely rejecting some rows.
func (s SourceReport) Failed() bool {
	return s.Err != nil
}

// String renders the one-line summary logged per source.
func (s SourceReport) String() string {
	if s.Err != nil {
		return fmt.Sprintf("source=%s status=failed err=%q input=%d rejected=%d duration=%s",
			s.Source, s.Err.Error(), s.Input, s.Rejected, s.Duration.Round(time.Millisecond))
	}
	return fmt.Sprintf("source=%s status=ok input=%d valid=%d rejected=%d inserted=%d updated=%d duration=%s",
		s.Source, s.Input, s.Valid, s.Rejected, s.Inserted, s.Updated,
		s.Duration.Round(time.Millisecond))
}

// RunReport aggregates the source reports of one pipeline invocation.
type RunReport struct {
	Sources []SourceReport
	Started time.Time
}

// Add appends one source's report.
func (r *RunReport) Add(s SourceReport) {
	r.Sources = append(r.Sources, s)
}

// Status derives the overall run status: success when every source
// succeeded, failed when every source failed, partial otherwise. An empty
// run counts as success (nothing to do is not an error).
func (r *RunReport) Status() string {
	if len(r.Sources) == 0 {
		return StatusSuccess
	}
	failed := 0
	for _, s := range r.Sources {
		if s.Failed() {
			failed++
		}
	}
	switch failed {
	case 0:
		return StatusSuccess
	case len(r.Sources):
		return StatusFailed
	default:
		return StatusPartial
	}
}

// Totals sums the row counters across all sources.
func (r *RunReport) Totals() (input, valid, rejected, inserted, updated int64) {
	for _, s := range r.Sources {
		input += s.Input
		valid += s.Valid
		rejected += s.Rejected
		inserted += s.Inserted
		updated += s.Updated
	}
	return
}

// Log writes the per-source lines and the run summary to the standard logger.
func (r *RunReport) Log() {
	for _, s := range r.Sources {
		log.Printf("report: %s", s)
	}
	input, valid, rejected, inserted, updated := r.Totals()
	log.Printf("report: run status=%s sources=%d input=%d valid=%d rejected=%d inserted=%d updated=%d elapsed=%s",
		r.Status(), len(r.Sources), input, valid, rejected, inserted, updated,
		time.Since(r.Started).Round(time.Millisecond))
}
