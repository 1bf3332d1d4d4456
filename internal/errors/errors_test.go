package errors

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormat_IncludesMarkerIdentityCommandExitCodeAndFirstStderrLine(t *testing.T) {
	out := Format(Entry{
		Repository: "repoA",
		Command:    "semantic-search",
		ExitCode:   1,
		Stderr:     "index unavailable\nfull trace below...",
		Hint:       "grep -r foo repoA",
	})
	assert.True(t, strings.HasPrefix(out, "✗ repoA: semantic-search (exit 1)"))
	assert.Contains(t, out, "index unavailable")
	assert.NotContains(t, out, "full trace below")
	assert.Contains(t, out, "hint: grep -r foo repoA")
}

func TestFormat_OmitsHintSectionWhenAbsent(t *testing.T) {
	out := Format(Entry{Repository: "repoA", Command: "status", ExitCode: 1, Stderr: "boom"})
	assert.NotContains(t, out, "hint:")
}

func TestFormat_SkipsBlankStderrLines(t *testing.T) {
	out := Format(Entry{Repository: "repoA", Command: "status", ExitCode: 2, Stderr: "\n\n  real error  \n"})
	assert.Contains(t, out, "real error")
}

func TestSummary_GroupsByRepositoryInSortedOrder(t *testing.T) {
	out := Summary([]Entry{
		{Repository: "repoB", Command: "watch", ExitCode: 1, Stderr: "b failed"},
		{Repository: "repoA", Command: "query", ExitCode: 1, Stderr: "a failed"},
	})
	assert.True(t, strings.Index(out, "repoA:") < strings.Index(out, "repoB:"))
	assert.Contains(t, out, "2 failure(s)")
}

func TestSummary_EmptyEntriesReturnsEmptyString(t *testing.T) {
	assert.Empty(t, Summary(nil))
}

func TestGrepHint_ContainsRepository(t *testing.T) {
	assert.Contains(t, GrepHint("repoX"), "repoX")
}
