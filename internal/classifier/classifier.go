// Package classifier maps a normalized command to exactly one of BLOCKED,
// DANGEROUS, SAFELIST, or APPROVAL. The function is pure and deterministic:
// same argv and same rule tables always produce the same class. Classes are
// decided by a priority-ordered scan over internal/rules' prefix tables
// rather than a switch over resource names, so new command families are a
// data change.
package classifier

import (
	"strings"

	"github.com/bgdnvk/bouncer/internal/rules"
)

// Class is the classifier's output alphabet.
type Class string

const (
	Blocked   Class = "BLOCKED"
	Dangerous Class = "DANGEROUS"
	Safelist  Class = "SAFELIST"
	Approval  Class = "APPROVAL"
)

// Result is the classifier's full verdict, including the reason code used
// both in the audit log and in a blocked response's suggestion text.
type Result struct {
	Class      Class
	RuleID     string // the matched prefix/flag/verb, for audit
	ReasonCode string
}

var shellMetaTokens = []string{";", "|", "`", "$(", "&&", "||", "../", "file://"}

// Classify applies the fixed priority order of against argv, which must
// already be parsed and normalized before it reaches here: the classifier
// never re-parses or re-normalizes.
func Classify(argv []string, t *rules.Tables) Result {
	if len(argv) == 0 {
		return Result{Class: Approval, ReasonCode: "empty-argv-manual"}
	}

	if rule, ok := t.Blocked.Matches(argv); ok {
		return Result{Class: Blocked, RuleID: rule, ReasonCode: "blocked-prefix:" + rule}
	}
	if tok, ok := containsShellMeta(argv); ok {
		return Result{Class: Blocked, RuleID: tok, ReasonCode: "shell-metacharacter:" + tok}
	}

	if rule, ok := t.DangerVerbs.Matches(argv); ok {
		return Result{Class: Dangerous, RuleID: rule, ReasonCode: "danger-verb:" + rule}
	}
	if flag, ok := t.DangerFlags.Contains(argv); ok {
		return Result{Class: Dangerous, RuleID: flag, ReasonCode: "danger-flag:" + flag}
	}

	if rule, ok := t.Safelist.Matches(argv); ok {
		if mask, hit := t.WriteMask.Matches(argv); hit {
			return Result{Class: Approval, RuleID: mask, ReasonCode: "write-mask:" + mask}
		}
		return Result{Class: Safelist, RuleID: rule, ReasonCode: "safelist-prefix:" + rule}
	}

	return Result{Class: Approval, ReasonCode: "no-match-manual"}
}

// containsShellMeta checks the re-joined argv for the narrow set of
// metacharacters calls out. argv is already split, so a `;` or `|` here can
// only have arrived embedded inside a single argument (e.g. a quoted value)
// — exactly the smuggling attempt this rule exists to catch.
func containsShellMeta(argv []string) (string, bool) {
	for _, a := range argv {
		for _, tok := range shellMetaTokens {
			if strings.Contains(a, tok) {
				return tok, true
			}
		}
	}
	return "", false
}
