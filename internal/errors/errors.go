// Package errors implements the ErrorFormatter (C18): a single,
// consistent layout for every user-visible failure, whatever executor
// (parallel, sequential, watch) produced it.
package errors

import (
	"fmt"
	"sort"
	"strings"
)

// Entry is one failed operation, ready to be rendered inline (as it
// happens, interleaved with successes) and again in the final summary.
type Entry struct {
	Repository string // repository or component identity
	Command    string
	ExitCode   int
	Stderr     string // full captured stderr; only its first line is shown inline
	Hint       string // concrete alternative command, when one applies
}

// firstLine returns the first non-empty line of s, or "" if s is
// entirely blank.
func firstLine(s string) string {
	s = strings.ToValidUTF8(s, "�")
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// FirstLine exposes firstLine for executors that render a short inline
// ✗ line themselves instead of the full Format layout.
func FirstLine(s string) string {
	return firstLine(s)
}

// Format renders one entry in the marker/identity/command/exit-code/
// stderr/hint layout, suitable for writing to stdout inline with
// successes so the two interleave in chronological order.
func Format(e Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✗ %s: %s (exit %d)", e.Repository, e.Command, e.ExitCode)
	if line := firstLine(e.Stderr); line != "" {
		fmt.Fprintf(&b, "\n  %s", line)
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, "\n  hint: %s", e.Hint)
	}
	return b.String()
}

// Summary renders the final block: every entry's full detail, grouped
// by repository, in sorted repository order.
func Summary(entries []Entry) string {
	if len(entries) == 0 {
		return ""
	}

	byRepo := make(map[string][]Entry)
	for _, e := range entries {
		byRepo[e.Repository] = append(byRepo[e.Repository], e)
	}
	repos := make([]string, 0, len(byRepo))
	for repo := range byRepo {
		repos = append(repos, repo)
	}
	sort.Strings(repos)

	var b strings.Builder
	fmt.Fprintf(&b, "Summary: %d failure(s)\n", len(entries))
	for _, repo := range repos {
		fmt.Fprintf(&b, "\n%s:\n", repo)
		for _, e := range byRepo[repo] {
			for _, line := range strings.Split(Format(e), "\n") {
				fmt.Fprintf(&b, "  %s\n", line)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// GrepHint builds the "use grep" alternative the query aggregator and
// other semantic-search-backed commands fall back to per repository.
func GrepHint(repository string) string {
	return "grep -r <pattern> " + repository
}
