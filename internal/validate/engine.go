// Package validate implements the row validation pipeline: schema-driven
// type casting, required-key enforcement, and rule evaluation. Row-level
// problems never surface as errors; they become Reject records and the batch
// keeps going.
package validate

import (
	"fmt"
	"log"

	"ingest/internal/records"
	"ingest/internal/rules"
)

// Result is the terminal output of one validation run. Valid rows and
// rejects are disjoint: every input row lands in exactly one of them.
type Result struct {
	Valid   []records.Record
	Rejects []Reject
}

// Engine composes the three validation stages for one source. Stage order is
// fixed: cast, required keys, then rules in declaration order. A row rejected
// at stage N is never evaluated by stage N+1.
type Engine struct {
	SourceName string
	Schema     map[string]string
	Keys       []string
	Rules      []rules.Rule
	Caster     Caster

	// Logf is used for per-rule observability (skipped rules, unrecognized
	// rules). Defaults to log.Printf.
	Logf func(format string, args ...any)
}

// NewEngine builds an Engine with the caster wired to the same source name
// and schema.
func NewEngine(sourceName string, schema map[string]string, keys []string, ruleSet []rules.Rule, strictDates bool) *Engine {
	e := &Engine{
		SourceName: sourceName,
		Schema:     schema,
		Keys:       keys,
		Rules:      ruleSet,
		Logf:       log.Printf,
	}
	e.Caster = Caster{
		SourceName:  sourceName,
		Schema:      schema,
		StrictDates: strictDates,
		Observe: func(col string, raw any) {
			e.logf("validate: source=%s column=%s value %q nulled during cast", sourceName, col, records.String(raw))
		},
	}
	return e
}

// Validate runs the full pipeline. Rejects accumulate across stages;
// surviving rows are returned in input order.
func (e *Engine) Validate(rows []records.Record) Result {
	var all []Reject

	rows, rejects := e.Caster.Cast(rows)
	all = append(all, rejects...)

	rows, rejects = RequireKeys(rows, e.Keys, e.SourceName)
	all = append(all, rejects...)

	for _, rule := range e.Rules {
		if e.skipRule(rule) {
			continue
		}
		kept := rows[:0]
		for _, row := range rows {
			if rule.Eval(row) {
				kept = append(kept, row)
				continue
			}
			all = append(all, Reject{
				SourceName: e.SourceName,
				RawPayload: row.Clone(),
				Reason:     fmt.Sprintf("Failed rule: %s", rule.Text),
			})
		}
		rows = kept
	}

	return Result{Valid: rows, Rejects: all}
}

// skipRule decides whether a rule can be evaluated at all. Unrecognized
// rules and rules referencing columns outside the schema are skipped with a
// log line: they must be observable but must never reject rows or abort the
// batch.
func (e *Engine) skipRule(rule rules.Rule) bool {
	if rule.Kind == rules.KindUnrecognized {
		e.logf("validate: source=%s unrecognized rule %q; passing all rows", e.SourceName, rule.Text)
		return true
	}
	if _, ok := e.Schema[rule.Column]; !ok {
		e.logf("validate: source=%s rule %q references unknown column %q; skipping", e.SourceName, rule.Text, rule.Column)
		return true
	}
	return false
}

func (e *Engine) logf(format string, args ...any) {
	if e.Logf != nil {
		e.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}
