// Package compliance scans a normalized command, and for deploy actions the
// referenced template payload, against an ordered rule table for policy
// violations: IAM privilege escalation, public-bucket exposure, cross-
// account trust edits, and the like. Checks are data-driven regex rules
// (internal/rules) rather than hardcoded Go conditionals, so adding a check
// is a config change, not a deploy.
package compliance

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bgdnvk/bouncer/internal/model"
	"github.com/bgdnvk/bouncer/internal/rules"
)

// Severity ordering lets callers compare findings without string-switching
// at every call site.
var severityRank = map[string]int{
	"LOW":      0,
	"MEDIUM":   1,
	"HIGH":     2,
	"CRITICAL": 3,
}

// Rank returns severity's numeric rank, or -1 for an unrecognized value.
func Rank(severity string) int {
	if r, ok := severityRank[severity]; ok {
		return r
	}
	return -1
}

// Outcome is the result of running Check against a command (and optional
// template payload).
type Outcome struct {
	Findings       []model.ComplianceFinding
	HighestRank    int  // -1 if no findings
	ForceManual    bool // true if any finding is >= HIGH
	ShortCircuit   bool // true if any finding is CRITICAL
	TemplateParseErr bool
}

// Check scans the re-joined normalized command, and (if non-empty) a JSON
// template payload, against every rule in the table. Rules are evaluated in
// table order but all matching rules are collected — the caller decides how
// to react to the aggregate.
func Check(command string, templateJSON string, table []rules.ComplianceRule) Outcome {
	out := Outcome{HighestRank: -1}

	canonicalTemplate := ""
	if templateJSON != "" {
		canon, err := canonicalizeJSON(templateJSON)
		if err != nil {
			out.TemplateParseErr = true
			out.ForceManual = true
		} else {
			canonicalTemplate = canon
		}
	}

	for _, rule := range table {
		re, err := rule.Compiled()
		if err != nil {
			// A rule that fails to compile is a deployment error caught at
			// load time (rules.LoadFiles), not something Check should see;
			// defensive fail-closed anyway since rule tables are data.
			if rule.FailClosed {
				out.recordHit(rule, "rule pattern failed to compile")
			}
			continue
		}

		subject := command
		if rule.JSONPath != "" {
			subject = canonicalTemplate
		}
		if subject == "" {
			continue
		}
		if re.MatchString(subject) {
			out.recordHit(rule, rule.Reason)
		}
	}

	return out
}

func (o *Outcome) recordHit(rule rules.ComplianceRule, reason string) {
	o.Findings = append(o.Findings, model.ComplianceFinding{
		RuleID:   rule.ID,
		Severity: rule.Severity,
		Reason:   reason,
	})
	if r := Rank(rule.Severity); r > o.HighestRank {
		o.HighestRank = r
	}
	if Rank(rule.Severity) >= Rank("HIGH") {
		o.ForceManual = true
	}
	if rule.Severity == "CRITICAL" {
		o.ShortCircuit = true
	}
}

// canonicalizeJSON parses raw JSON and re-serializes it with sorted keys and
// no insignificant whitespace, so a regex rule written against one key
// ordering matches regardless of how the caller formatted their payload.
// encoding/json already sorts map keys in Marshal output; round-tripping
// through map[string]interface{} is what actually canonicalizes ordering
// rather than merely re-encoding.
func canonicalizeJSON(raw string) (string, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "", fmt.Errorf("parse template payload: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("re-serialize template payload: %w", err)
	}
	return string(out), nil
}

// LambdaEnvOverwriteIsEmpty reports whether a `lambda update-function-configuration
// --environment Variables={...}` command's Variables map is empty — spec
// scenario D's CRITICAL distinction from an otherwise-identical DANGEROUS
// command with at least one variable set.
func LambdaEnvOverwriteIsEmpty(command string) bool {
	idx := strings.Index(command, "Variables={")
	if idx == -1 {
		return false
	}
	rest := command[idx+len("Variables={"):]
	end := strings.IndexByte(rest, '}')
	if end == -1 {
		return false
	}
	return strings.TrimSpace(rest[:end]) == ""
}
