// Package rules implements the small declarative rule language used to
// express per-column validation predicates as configuration text.
//
// Rule text is parsed once, at configuration-load time, into a closed tagged
// variant. Grammars are tried in a fixed order and the first match wins:
//
//  1. <col> NOT NULL
//  2. <col> <op> <numeric>        op ∈ {>=, <=, >, <, ==, !=}
//  3. <col> IN (a, 'b', "c")
//  4. <col> LIKE '%substring%'
//  5. len(<col>) <op> <integer>
//
// Text matching no grammar parses to KindUnrecognized, a rule that passes
// every row. That permissive default mirrors the production behavior of the
// system this replaces; callers that want stricter handling can reject
// unrecognized rules at config-validation time instead.
//
// All patterns are anchored, so evaluation cost is linear in the rule text
// and a rule matching several grammars resolves to the first listed one.
package rules

import (
	"regexp"
	"strconv"
	"strings"

	"ingest/internal/records"
)

// Kind tags the parsed form of a rule.
type Kind string

const (
	KindNotNull      Kind = "not_null"
	KindCompare      Kind = "compare"
	KindIn           Kind = "in"
	KindLike         Kind = "like"
	KindLenCompare   Kind = "len_compare"
	KindUnrecognized Kind = "unrecognized"
)

// Rule is the parsed, evaluatable form of one rule string.
type Rule struct {
	Text   string // original rule text, used verbatim in reject reasons
	Kind   Kind
	Column string

	// Parameters by kind: Op/Number for compare, Op/Length for len_compare,
	// Set/Items for in (Items keeps the original order for messages), and
	// Substr for like.
	Op     string
	Number float64
	Length int
	Set    map[string]struct{}
	Items  []string
	Substr string
}

var (
	reNotNull = regexp.MustCompile(`(?i)^([A-Za-z_][A-Za-z0-9_]*)\s+NOT\s+NULL$`)
	reCompare = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*(>=|<=|==|!=|>|<)\s*(-?\d+(?:\.\d+)?)$`)
	reIn      = regexp.MustCompile(`(?i)^([A-Za-z_][A-Za-z0-9_]*)\s+IN\s+\((.+)\)$`)
	reLike    = regexp.MustCompile(`(?i)^([A-Za-z_][A-Za-z0-9_]*)\s+LIKE\s+'%(.*)%'$`)
	reLen     = regexp.MustCompile(`^len\(([A-Za-z_][A-Za-z0-9_]*)\)\s*(>=|<=|==|!=|>|<)\s*(-?\d+)$`)
)

// Parse converts rule text into its tagged form. It never fails: text that
// matches no grammar yields a KindUnrecognized rule that passes all rows.
func Parse(text string) Rule {
	s := strings.TrimSpace(text)

	if m := reNotNull.FindStringSubmatch(s); m != nil {
		return Rule{Text: text, Kind: KindNotNull, Column: m[1]}
	}
	if m := reCompare.FindStringSubmatch(s); m != nil {
		n, err := strconv.ParseFloat(m[3], 64)
		if err == nil {
			return Rule{Text: text, Kind: KindCompare, Column: m[1], Op: m[2], Number: n}
		}
	}
	if m := reIn.FindStringSubmatch(s); m != nil {
		items := splitList(m[2])
		set := make(map[string]struct{}, len(items))
		for _, it := range items {
			set[it] = struct{}{}
		}
		return Rule{Text: text, Kind: KindIn, Column: m[1], Set: set, Items: items}
	}
	if m := reLike.FindStringSubmatch(s); m != nil {
		return Rule{Text: text, Kind: KindLike, Column: m[1], Substr: m[2]}
	}
	if m := reLen.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[3])
		if err == nil {
			return Rule{Text: text, Kind: KindLenCompare, Column: m[1], Op: m[2], Length: n}
		}
	}
	return Rule{Text: text, Kind: KindUnrecognized}
}

// ParseAll parses every rule string in declaration order.
func ParseAll(texts []string) []Rule {
	out := make([]Rule, 0, len(texts))
	for _, t := range texts {
		out = append(out, Parse(t))
	}
	return out
}

// Eval reports whether the record passes the rule. Unrecognized rules pass
// unconditionally. Evaluation never panics on malformed data; values that
// cannot be interpreted for the rule's kind fail closed.
func (r Rule) Eval(rec records.Record) bool {
	switch r.Kind {
	case KindNotNull:
		v, ok := rec[r.Column]
		return ok && !records.IsNull(v)

	case KindCompare:
		f, ok := records.Float(rec[r.Column])
		if !ok {
			return false
		}
		return compareFloat(f, r.Op, r.Number)

	case KindIn:
		v := unquote(strings.TrimSpace(records.String(rec[r.Column])))
		_, ok := r.Set[v]
		return ok

	case KindLike:
		return strings.Contains(records.String(rec[r.Column]), r.Substr)

	case KindLenCompare:
		n := len(records.String(rec[r.Column]))
		return compareFloat(float64(n), r.Op, float64(r.Length))
	}
	return true
}

func compareFloat(a float64, op string, b float64) bool {
	switch op {
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case "<":
		return a < b
	case "==":
		return a == b
	case "!=":
		return a != b
	}
	return false
}

// splitList breaks the body of an IN (...) list into trimmed, unquoted items.
func splitList(body string) []string {
	parts := strings.Split(body, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = unquote(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// unquote strips one layer of matching single or double quotes.
func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
