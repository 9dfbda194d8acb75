// This file adds a lightweight linter for Config values. It performs static
// checks over a decoded Config and returns a list of issues (errors and
// warnings) that callers can surface in the CLI or in tests. Rule text is
// parsed here too, so unparseable rules are caught at startup rather than
// discovered mid-run.
package config

import (
	"fmt"
	"strings"

	"ingest/internal/rules"
	"ingest/internal/validate"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that blocks execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a finding that is surfaced to users but does
	// not block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding.
//
// Path is a dotted path into the config (e.g. "defaults.driver",
// "sources[1].rules[0]"). Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a
// single error where convenient.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue in the slice is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

var knownDrivers = map[string]struct{}{
	"postgres": {},
	"sqlite":   {},
	"mysql":    {},
	"mssql":    {},
}

var knownTypes = map[string]struct{}{
	validate.TypeInt:      {},
	validate.TypeFloat:    {},
	validate.TypeStr:      {},
	validate.TypeBool:     {},
	validate.TypeDatetime: {},
}

var knownSourceKinds = map[string]struct{}{
	"api":  {},
	"file": {},
}

// Validate performs static validation of a loaded Config. It does not mutate
// the config; callers decide whether warnings are fatal.
func Validate(cfg Config) []Issue {
	var issues []Issue

	if strings.TrimSpace(cfg.Defaults.DBURL) == "" {
		issues = append(issues, Issue{SeverityError, "defaults.db_url",
			"db_url must not be empty (set it in the file or via INGEST_DATABASE_URL)"})
	}
	if _, ok := knownDrivers[cfg.Defaults.Driver]; !ok {
		issues = append(issues, Issue{SeverityError, "defaults.driver",
			fmt.Sprintf("unknown driver %q; expected one of postgres, sqlite, mysql, mssql", cfg.Defaults.Driver)})
	}
	if len(cfg.Sources) == 0 {
		issues = append(issues, Issue{SeverityError, "sources", "at least one source is required"})
	}

	seen := make(map[string]struct{}, len(cfg.Sources))
	for i, src := range cfg.Sources {
		issues = append(issues, validateSource(i, src, cfg.Defaults.StrictRules)...)
		if _, dup := seen[src.Name]; dup && src.Name != "" {
			issues = append(issues, Issue{SeverityError, path(i, "name"),
				fmt.Sprintf("duplicate source name %q", src.Name)})
		}
		seen[src.Name] = struct{}{}
	}
	return issues
}

func validateSource(i int, src Source, strictRules bool) []Issue {
	var issues []Issue

	if strings.TrimSpace(src.Name) == "" {
		issues = append(issues, Issue{SeverityError, path(i, "name"), "name must not be empty"})
	}
	if _, ok := knownSourceKinds[src.Type]; !ok {
		issues = append(issues, Issue{SeverityError, path(i, "type"),
			fmt.Sprintf("unknown source type %q; expected api or file", src.Type)})
	}
	if strings.TrimSpace(src.Path) == "" {
		issues = append(issues, Issue{SeverityError, path(i, "path"), "path must not be empty"})
	}
	if strings.TrimSpace(src.TargetTable) == "" {
		issues = append(issues, Issue{SeverityError, path(i, "target_table"), "target_table must not be empty"})
	}
	if len(src.Schema) == 0 {
		issues = append(issues, Issue{SeverityError, path(i, "schema"), "schema must declare at least one column"})
	}
	for col, typ := range src.Schema {
		if _, ok := knownTypes[typ]; !ok {
			issues = append(issues, Issue{SeverityError, path(i, "schema."+col),
				fmt.Sprintf("unknown type tag %q; expected int, float, str, bool, or datetime", typ)})
		}
	}
	if len(src.PK) == 0 {
		issues = append(issues, Issue{SeverityError, path(i, "pk"), "pk must list at least one column"})
	}
	for _, col := range src.PK {
		if _, ok := src.Schema[col]; !ok {
			issues = append(issues, Issue{SeverityError, path(i, "pk"),
				fmt.Sprintf("primary key column %q is not declared in the schema", col)})
		}
	}

	for j, text := range src.Rules {
		rule := rules.Parse(text)
		rulePath := fmt.Sprintf("%s[%d]", path(i, "rules"), j)
		if rule.Kind == rules.KindUnrecognized {
			sev := SeverityWarning
			msg := fmt.Sprintf("unrecognized rule %q will pass all rows", text)
			if strictRules {
				sev = SeverityError
				msg = fmt.Sprintf("unrecognized rule %q (strict_rules is enabled)", text)
			}
			issues = append(issues, Issue{sev, rulePath, msg})
			continue
		}
		if _, ok := src.Schema[rule.Column]; !ok {
			issues = append(issues, Issue{SeverityWarning, rulePath,
				fmt.Sprintf("rule references column %q which is not in the schema; the rule will be skipped", rule.Column)})
		}
	}
	return issues
}

func path(i int, field string) string {
	return fmt.Sprintf("sources[%d].%s", i, field)
}
