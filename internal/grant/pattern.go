// Pattern compilation for grant-authorized command patterns. A pattern may
// contain `{placeholder}` (matches one non-space token) and `*` (matches any
// run of non-space characters). The guards here exist solely to keep a
// caller-supplied pattern from turning into a regex engine denial-of-
// service: length, wildcard count, and a banned run of three-or-more
// consecutive `*` are all checked before the string ever reaches
// regexp.Compile.
package grant

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxPatternLength = 256
	maxWildcards     = 10
)

var placeholderRe = regexp.MustCompile(`\{[^{}]+\}`)

// CompiledPattern wraps a compiled grant pattern plus whether it was a
// pattern (vs. an exact string) to begin with.
type CompiledPattern struct {
	Source   string
	IsPattern bool
	re       *regexp.Regexp
}

// Matches reports whether normalized matches the compiled pattern.
func (c *CompiledPattern) Matches(normalized string) bool {
	if !c.IsPattern {
		return c.Source == normalized
	}
	return c.re.MatchString(normalized)
}

// CompilePattern validates and compiles a grant entry. If the pattern
// contains no `{...}` or `*`, it is treated as an exact-match entry and no
// regex is compiled at all.
func CompilePattern(pattern string) (*CompiledPattern, error) {
	if len(pattern) > maxPatternLength {
		return nil, fmt.Errorf("grant pattern exceeds max length %d (got %d)", maxPatternLength, len(pattern))
	}
	if strings.Contains(pattern, "***") {
		return nil, fmt.Errorf("grant pattern contains three or more consecutive '*'")
	}

	withoutPlaceholders := placeholderRe.ReplaceAllString(pattern, "")
	wildcardCount := strings.Count(withoutPlaceholders, "*")
	if wildcardCount > maxWildcards {
		return nil, fmt.Errorf("grant pattern has %d '*' wildcards outside placeholders, max is %d", wildcardCount, maxWildcards)
	}

	if wildcardCount == 0 && !placeholderRe.MatchString(pattern) {
		return &CompiledPattern{Source: pattern, IsPattern: false}, nil
	}

	re, err := compileSafely(pattern)
	if err != nil {
		return nil, fmt.Errorf("grant pattern failed to compile: %w", err)
	}
	return &CompiledPattern{Source: pattern, IsPattern: true, re: re}, nil
}

// compileSafely builds the regex for a pattern string, recovering from any
// panic the regex engine raises. Go's regexp package does not normally panic
// on Compile, but the recover is kept because the pattern text is untrusted
// input assembled into a regex by string substitution, and a future change
// to the translation below must not be able to crash the process on
// attacker-supplied input.
func compileSafely(pattern string) (re *regexp.Regexp, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("regex engine panic: %v", r)
		}
	}()

	var b strings.Builder
	b.WriteString("^")
	i := 0
	for i < len(pattern) {
		switch {
		case pattern[i] == '{':
			end := strings.IndexByte(pattern[i:], '}')
			if end == -1 {
				b.WriteString(regexp.QuoteMeta(pattern[i:]))
				i = len(pattern)
				continue
			}
			b.WriteString(`[^ ]+`)
			i += end + 1
		case pattern[i] == '*':
			b.WriteString(`\S*`)
			i++
		default:
			// Quote the longest literal run up to the next special char.
			j := i
			for j < len(pattern) && pattern[j] != '{' && pattern[j] != '*' {
				j++
			}
			b.WriteString(regexp.QuoteMeta(pattern[i:j]))
			i = j
		}
	}
	b.WriteString("$")

	return regexp.Compile(b.String())
}
