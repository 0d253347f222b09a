// Package rules loads the gateway's configurable rule tables — blocked
// prefixes, danger flags, safelist prefixes, compliance checks, and risk
// weights — from YAML files at process start, using gopkg.in/yaml.v3. Tables
// are immutable for the lifetime of the process: a hot-reload path would let
// a single compromised config write widen the blast radius of every request
// admitted afterward, so a restart is the only way to pick up a new
// ruleset.
package rules

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// PrefixSet is a flat list of lowercase "service action" prefixes, matched
// against the first two normalized tokens of a command.
type PrefixSet struct {
	Prefixes []string `yaml:"prefixes"`
}

// Matches reports whether argv, with the leading CLI verb (argv[0], e.g.
// "aws") dropped, has any configured entry as a prefix of the remaining
// "service action ..." tail.
func (p PrefixSet) Matches(argv []string) (string, bool) {
	if len(argv) < 2 {
		return "", false
	}
	joined := strings.Join(argv[1:], " ")
	for _, prefix := range p.Prefixes {
		if strings.HasPrefix(joined, prefix) {
			return prefix, true
		}
	}
	return "", false
}

// FlagSet is a flat list of argument flags (e.g. "--force") consulted by
// the classifier's danger stage.
type FlagSet struct {
	Flags []string `yaml:"flags"`
}

// Contains reports whether any of argv matches a configured flag exactly.
func (f FlagSet) Contains(argv []string) (string, bool) {
	for _, a := range argv {
		for _, flag := range f.Flags {
			if a == flag {
				return flag, true
			}
		}
	}
	return "", false
}

// WriteMask is the set of argument substrings that disqualify an otherwise
// read-only verb from the safelist.
type WriteMask struct {
	Masks []string `yaml:"masks"`
}

// Matches reports whether any argument contains a configured write-mask
// substring.
func (w WriteMask) Matches(argv []string) (string, bool) {
	for _, a := range argv {
		for _, mask := range w.Masks {
			if strings.Contains(a, mask) {
				return mask, true
			}
		}
	}
	return "", false
}

// ComplianceRule is one ordered entry in the compliance rule table .
type ComplianceRule struct {
	ID         string `yaml:"id"`
	Pattern    string `yaml:"pattern"`     // regex over the re-joined command, or a JSON path hint for templates
	JSONPath   string `yaml:"json_path"`   // when set, Pattern applies to the value at this path in a canonicalized template
	Severity   string `yaml:"severity"`    // CRITICAL|HIGH|MEDIUM|LOW
	FailClosed bool   `yaml:"fail_closed"` // if true, a matcher error forces this rule to hit rather than silently skip
	Reason     string `yaml:"reason"`

	compiled *regexp.Regexp
}

// Compiled lazily compiles and caches the rule's regex.
func (r *ComplianceRule) Compiled() (*regexp.Regexp, error) {
	if r.compiled != nil {
		return r.compiled, nil
	}
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return nil, fmt.Errorf("compliance rule %s: compile pattern: %w", r.ID, err)
	}
	r.compiled = re
	return re, nil
}

// RiskRule is one weighted entry in the risk scoring table .
type RiskRule struct {
	ID       string `yaml:"id"`
	Pattern  string `yaml:"pattern"`
	Weight   int    `yaml:"weight"`
	Category string `yaml:"category"`
	Reason   string `yaml:"reason"`

	compiled *regexp.Regexp
}

// Compiled lazily compiles and caches the rule's regex.
func (r *RiskRule) Compiled() (*regexp.Regexp, error) {
	if r.compiled != nil {
		return r.compiled, nil
	}
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return nil, fmt.Errorf("risk rule %s: compile pattern: %w", r.ID, err)
	}
	r.compiled = re
	return re, nil
}

// Tables is the full set of loaded, immutable rule tables a process holds
// for its lifetime.
type Tables struct {
	Blocked    PrefixSet
	Safelist   PrefixSet
	DangerVerbs PrefixSet
	DangerFlags FlagSet
	WriteMask  WriteMask
	Compliance []ComplianceRule
	Risk       []RiskRule
}

// LoadFiles reads the five configured rule files into a Tables. Each missing
// path is treated as an empty table rather than an error, so a deployment
// can omit rule classes it doesn't need — but a malformed file that does
// exist is always an error.
func LoadFiles(blockedPath, safelistPath, dangerPath, compliancePath, riskPath string) (*Tables, error) {
	t := &Tables{}

	if err := loadYAML(blockedPath, &t.Blocked); err != nil {
		return nil, fmt.Errorf("load blocked patterns: %w", err)
	}
	if err := loadYAML(safelistPath, &t.Safelist); err != nil {
		return nil, fmt.Errorf("load safelist patterns: %w", err)
	}

	danger := struct {
		Verbs PrefixSet `yaml:"verbs"`
		Flags FlagSet   `yaml:"flags"`
		WriteMask WriteMask `yaml:"write_mask"`
	}{}
	if err := loadYAML(dangerPath, &danger); err != nil {
		return nil, fmt.Errorf("load danger patterns: %w", err)
	}
	t.DangerVerbs = danger.Verbs
	t.DangerFlags = danger.Flags
	t.WriteMask = danger.WriteMask

	compliance := struct {
		Rules []ComplianceRule `yaml:"rules"`
	}{}
	if err := loadYAML(compliancePath, &compliance); err != nil {
		return nil, fmt.Errorf("load compliance rules: %w", err)
	}
	for i := range compliance.Rules {
		if _, err := compliance.Rules[i].Compiled(); err != nil {
			return nil, err
		}
	}
	t.Compliance = compliance.Rules

	risk := struct {
		Rules []RiskRule `yaml:"rules"`
	}{}
	if err := loadYAML(riskPath, &risk); err != nil {
		return nil, fmt.Errorf("load risk rules: %w", err)
	}
	for i := range risk.Rules {
		if _, err := risk.Rules[i].Compiled(); err != nil {
			return nil, err
		}
	}
	t.Risk = risk.Rules

	return t, nil
}

func loadYAML(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, out)
}

// Defaults returns a minimal, hand-maintained table matching the verb
// families names explicitly, usable when no rule files are configured
// (tests, `bouncer config validate` without a full deployment).
func Defaults() *Tables {
	return &Tables{
		Blocked: PrefixSet{Prefixes: []string{
			"iam create-user", "iam delete-user", "iam attach-user-policy",
			"iam detach-user-policy", "iam attach-role-policy", "iam detach-role-policy",
			"iam put-role-policy", "iam update-assume-role-policy", "iam create-access-key",
			"sts get-federation-token", "secretsmanager get-secret-value",
			"ssm get-parameter", "kms decrypt", "organizations",
		}},
		Safelist: PrefixSet{Prefixes: []string{
			"s3 ls", "s3 describe", "ec2 describe", "ec2 get", "iam list", "iam get",
			"lambda list", "lambda get", "cloudwatch describe", "logs describe",
			"sts get-caller-identity",
		}},
		DangerVerbs: PrefixSet{Prefixes: []string{
			"ec2 terminate-instances", "ec2 stop-instances", "rds delete-db-instance",
			"s3 rb", "cloudformation delete-stack", "dynamodb delete-table",
			"lambda delete-function", "lambda update-function-configuration",
		}},
		DangerFlags: FlagSet{Flags: []string{"--force", "--recursive", "--skip-final-snapshot"}},
		Compliance: []ComplianceRule{
			{ID: "lambda-env-wipe", Pattern: `lambda update-function-configuration.*Variables=\{\}`, Severity: "CRITICAL", Reason: "wipes all function env vars"},
		},
	}
}
