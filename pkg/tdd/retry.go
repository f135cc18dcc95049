package tdd

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// FailureCategory classifies an implementation or test failure for the
// retry policy.
type FailureCategory string

const (
	CategorySyntax      FailureCategory = "syntax"
	CategoryTestFailure FailureCategory = "test_failure"
	CategoryImport      FailureCategory = "import"
	CategoryRuntime     FailureCategory = "runtime"
	CategoryUnknown     FailureCategory = "unknown"
)

// Failure is one failed attempt as seen by the retry policy.
type Failure struct {
	Category     FailureCategory
	Message      string
	FailingTests []string
	Attempt      int
}

// fatalPattern matches failures that no amount of retrying fixes.
var fatalPattern = regexp.MustCompile(`permission denied|disk full|timeout|memory|recursion`)

// Message patterns for categorization and hint extraction.
var (
	importPattern    = regexp.MustCompile(`(?i)no module named ['"]?([\w./-]+)|cannot (?:import|find) (?:module|package) ['"]?([\w./-]+)`)
	syntaxPattern    = regexp.MustCompile(`(?i)syntax error|unexpected (?:token|indent|EOF)|invalid syntax`)
	assertionPattern = regexp.MustCompile(`(?i)assert\w*.*?expected\s+(.+?)\s+(?:but\s+)?(?:got|was|actual:?)\s+(.+)`)
	attributePattern = regexp.MustCompile(`(?i)(?:has no attribute|no (?:field or )?method) ['"]?(\w+)`)
	undefinedPattern = regexp.MustCompile(`(?i)(?:undefined(?::| name| symbol)?|is not defined[:]?)\s*['"]?(\w+)`)
)

// Categorize maps a failure message to its category.
func Categorize(message string) FailureCategory {
	switch {
	case importPattern.MatchString(message):
		return CategoryImport
	case syntaxPattern.MatchString(message):
		return CategorySyntax
	case assertionPattern.MatchString(message) || strings.Contains(strings.ToLower(message), "assertion"):
		return CategoryTestFailure
	case message == "":
		return CategoryUnknown
	default:
		return CategoryRuntime
	}
}

// RetryPolicy decides whether, and after what pause, a failed attempt
// within one phase is retried. Import errors are structural and never
// retried; fatal environment failures likewise. The cycle-wide budget is
// the caller's to enforce.
type RetryPolicy struct {
	MaxPhaseRetries      int
	MaxStagnationRetries int
}

// NewRetryPolicy builds a policy from the configured budgets.
func NewRetryPolicy(maxPhaseRetries, maxStagnationRetries int) *RetryPolicy {
	return &RetryPolicy{MaxPhaseRetries: maxPhaseRetries, MaxStagnationRetries: maxStagnationRetries}
}

// categoryBudget is the per-category attempt cap and backoff.
var categoryBudget = map[FailureCategory]struct {
	attempts int
	backoff  time.Duration
}{
	CategorySyntax:      {attempts: 2, backoff: time.Second},
	CategoryTestFailure: {attempts: 3, backoff: 2 * time.Second},
	CategoryImport:      {attempts: 2, backoff: time.Second},
}

// ShouldRetry reports whether the failure warrants another attempt.
// attempt counts retries within the current phase; history is the ordered
// list of failures so far, newest last, and is used for stagnation
// detection.
func (p *RetryPolicy) ShouldRetry(f Failure, attempt int, history []Failure) bool {
	if attempt >= p.MaxPhaseRetries {
		return false
	}
	if f.Category == CategoryImport {
		return false
	}
	if fatalPattern.MatchString(strings.ToLower(f.Message)) {
		return false
	}
	if budget, ok := categoryBudget[f.Category]; ok && attempt >= budget.attempts {
		return false
	}
	if Stagnant(history) && attempt >= p.MaxStagnationRetries {
		return false
	}
	return true
}

// Backoff returns the pause before the next attempt for a category.
func (p *RetryPolicy) Backoff(category FailureCategory) time.Duration {
	if budget, ok := categoryBudget[category]; ok {
		return budget.backoff
	}
	return time.Second
}

// stagnationWindow and stagnationTokens define stagnation: the last three
// failures sharing at least five message tokens.
const (
	stagnationWindow = 3
	stagnationTokens = 5
)

// Stagnant reports whether the recent failures are going nowhere: same
// complaint, attempt after attempt.
func Stagnant(history []Failure) bool {
	if len(history) < stagnationWindow {
		return false
	}
	recent := history[len(history)-stagnationWindow:]
	common := tokenize(recent[0].Message)
	for _, f := range recent[1:] {
		next := tokenize(f.Message)
		for tok := range common {
			if !next[tok] {
				delete(common, tok)
			}
		}
	}
	return len(common) >= stagnationTokens
}

func tokenize(message string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_')
	}) {
		if len(tok) > 1 {
			out[tok] = true
		}
	}
	return out
}

// maxHints caps the actionable-hint list in a retry prompt.
const maxHints = 5

// Progression summarizes movement between two consecutive test runs.
type Progression struct {
	NewlyPassing       []string
	PersistentFailures []string
}

// Progress diffs the failing-test sets of the previous and current runs.
func Progress(previousFailing, currentFailing []string) Progression {
	current := make(map[string]bool, len(currentFailing))
	for _, name := range currentFailing {
		current[name] = true
	}
	var p Progression
	for _, name := range previousFailing {
		if current[name] {
			p.PersistentFailures = append(p.PersistentFailures, name)
		} else {
			p.NewlyPassing = append(p.NewlyPassing, name)
		}
	}
	return p
}

// BuildRetryPrompt synthesizes the enhanced context for the next attempt:
// the failure category, the primary failure, up to five actionable hints,
// and a progression summary.
func BuildRetryPrompt(f Failure, progression Progression) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Previous attempt %d failed (category: %s).\n", f.Attempt, f.Category)
	fmt.Fprintf(&b, "Primary failure: %s\n", firstLine(f.Message))

	if hints := Hints(f); len(hints) > 0 {
		b.WriteString("Hints:\n")
		for _, hint := range hints {
			fmt.Fprintf(&b, "- %s\n", hint)
		}
	}

	if len(progression.NewlyPassing) > 0 || len(progression.PersistentFailures) > 0 {
		fmt.Fprintf(&b, "Progress: %d tests newly pass; %d fail persistently.\n",
			len(progression.NewlyPassing), len(progression.PersistentFailures))
		for _, name := range progression.PersistentFailures {
			fmt.Fprintf(&b, "- still failing: %s\n", name)
		}
	}
	return b.String()
}

// Hints extracts up to maxHints actionable pointers from a failure.
func Hints(f Failure) []string {
	var hints []string
	add := func(h string) {
		if len(hints) < maxHints {
			hints = append(hints, h)
		}
	}

	if m := importPattern.FindStringSubmatch(f.Message); m != nil {
		name := m[1]
		if name == "" {
			name = m[2]
		}
		add(fmt.Sprintf("missing module %q: add the dependency or fix the import path", name))
	}
	if m := assertionPattern.FindStringSubmatch(f.Message); m != nil {
		add(fmt.Sprintf("assertion mismatch: expected %s, got %s", strings.TrimSpace(m[1]), strings.TrimSpace(m[2])))
	}
	if m := attributePattern.FindStringSubmatch(f.Message); m != nil {
		add(fmt.Sprintf("missing attribute %q: define it or fix the receiver type", m[1]))
	}
	if m := undefinedPattern.FindStringSubmatch(f.Message); m != nil {
		add(fmt.Sprintf("undefined name %q: declare it or fix the reference", m[1]))
	}
	for _, test := range f.FailingTests {
		add("failing test: " + test)
	}
	return hints
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
