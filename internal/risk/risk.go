// Package risk computes a coarse numeric score for an admitted command by
// summing weighted rule hits. The score never gates compliance outcomes or
// auto-approval — it is metadata stored on the admitted record.
package risk

import (
	"fmt"

	"github.com/bgdnvk/bouncer/internal/rules"
)

// FailClosedScore is the score a scorer exception must produce.
const FailClosedScore = 100

// Result is the scorer's output.
type Result struct {
	Score             int
	Hits              []string
	CategoryBreakdown map[string]int
}

// Score sums weighted hits from table against the re-joined normalized
// command, clamped to [0, 100]. It never returns an error: any internal
// failure (e.g. a panic recovered from a pathological rule) is converted
// into FailClosedScore so callers can treat Score as infallible, matching
// "risk scorer error → score 100 → MANUAL".
func Score(command string, table []rules.RiskRule) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{
				Score: FailClosedScore,
				Hits:  []string{fmt.Sprintf("risk scorer panic: %v", r)},
			}
		}
	}()

	breakdown := map[string]int{}
	total := 0
	var hits []string

	for _, rule := range table {
		re, err := rule.Compiled()
		if err != nil {
			return Result{
				Score: FailClosedScore,
				Hits:  []string{fmt.Sprintf("risk rule %s failed to compile: %v", rule.ID, err)},
			}
		}
		if re.MatchString(command) {
			total += rule.Weight
			breakdown[rule.Category] += rule.Weight
			hits = append(hits, rule.Reason)
		}
	}

	if total > 100 {
		total = 100
	}
	if total < 0 {
		total = 0
	}

	return Result{Score: total, Hits: hits, CategoryBreakdown: breakdown}
}
