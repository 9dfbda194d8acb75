package config

import (
	"strings"
	"testing"
)

func validSource() Source {
	return Source{
		Name:        "books",
		Type:        "api",
		Path:        "https://example.com/search.json?q=go",
		TargetTable: "stg_books",
		PK:          []string{"key"},
		Schema:      map[string]string{"key": "str", "title": "str", "year": "int"},
		Rules:       []string{"title NOT NULL", "year > 1400"},
	}
}

func validConfig() Config {
	return Config{
		Defaults: Defaults{DBURL: "postgres://x@localhost/db", Driver: "postgres"},
		Sources:  []Source{validSource()},
	}
}

// TestValidateClean: a well-formed config produces no issues.
func TestValidateClean(t *testing.T) {
	t.Parallel()

	if issues := Validate(validConfig()); len(issues) != 0 {
		t.Fatalf("issues = %v, want none", issues)
	}
}

// TestValidateErrors exercises each blocking check.
func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(*Config)
		wantPath string
	}{
		{"empty db_url", func(c *Config) { c.Defaults.DBURL = " " }, "defaults.db_url"},
		{"unknown driver", func(c *Config) { c.Defaults.Driver = "oracle" }, "defaults.driver"},
		{"no sources", func(c *Config) { c.Sources = nil }, "sources"},
		{"empty name", func(c *Config) { c.Sources[0].Name = "" }, "sources[0].name"},
		{"unknown type", func(c *Config) { c.Sources[0].Type = "ftp" }, "sources[0].type"},
		{"empty path", func(c *Config) { c.Sources[0].Path = "" }, "sources[0].path"},
		{"empty table", func(c *Config) { c.Sources[0].TargetTable = "" }, "sources[0].target_table"},
		{"empty schema", func(c *Config) { c.Sources[0].Schema = nil }, "sources[0].schema"},
		{"bad type tag", func(c *Config) { c.Sources[0].Schema["title"] = "varchar" }, "sources[0].schema.title"},
		{"empty pk", func(c *Config) { c.Sources[0].PK = nil }, "sources[0].pk"},
		{"pk outside schema", func(c *Config) { c.Sources[0].PK = []string{"ghost"} }, "sources[0].pk"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(&cfg)

			issues := Validate(cfg)
			if !HasErrors(issues) {
				t.Fatalf("issues = %v, want at least one error", issues)
			}
			found := false
			for _, iss := range issues {
				if iss.Severity == SeverityError && iss.Path == tt.wantPath {
					found = true
				}
			}
			if !found {
				t.Fatalf("issues = %v, want error at %s", issues, tt.wantPath)
			}
		})
	}
}

// TestValidateDuplicateSourceNames: two sources sharing a name is an error
// on the second occurrence.
func TestValidateDuplicateSourceNames(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	dup := validSource()
	cfg.Sources = append(cfg.Sources, dup)

	issues := Validate(cfg)
	found := false
	for _, iss := range issues {
		if iss.Severity == SeverityError && iss.Path == "sources[1].name" &&
			strings.Contains(iss.Message, "duplicate") {
			found = true
		}
	}
	if !found {
		t.Fatalf("issues = %v, want duplicate-name error at sources[1].name", issues)
	}
}

// TestValidateRuleFindings: unrecognized rules warn by default and error
// under strict_rules; recognized rules naming unknown columns warn.
func TestValidateRuleFindings(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Sources[0].Rules = append(cfg.Sources[0].Rules, "title SOUNDS LIKE cheese", "ghost NOT NULL")

	issues := Validate(cfg)
	if HasErrors(issues) {
		t.Fatalf("issues = %v, want warnings only in permissive mode", issues)
	}
	if len(issues) != 2 {
		t.Fatalf("issues = %v, want 2 warnings", issues)
	}
	if issues[0].Path != "sources[0].rules[2]" || issues[0].Severity != SeverityWarning {
		t.Fatalf("issues[0] = %v", issues[0])
	}
	if !strings.Contains(issues[1].Message, `"ghost"`) {
		t.Fatalf("issues[1] = %v, should name the unknown column", issues[1])
	}

	cfg.Defaults.StrictRules = true
	issues = Validate(cfg)
	if !HasErrors(issues) {
		t.Fatalf("issues = %v, strict_rules must escalate unrecognized rules", issues)
	}
}

// TestIssueError checks the error rendering used by the CLI.
func TestIssueError(t *testing.T) {
	t.Parallel()

	iss := Issue{SeverityError, "defaults.driver", "unknown driver"}
	if got := iss.Error(); got != "error at defaults.driver: unknown driver" {
		t.Fatalf("Error() = %q", got)
	}
}
