// Package query implements the QueryAggregator (C15): parallel
// per-repository query fan-out with score-ordered, limit-truncated
// result merging.
package query

import (
	"context"
	"sort"

	"github.com/codeindexer/cidx/internal/errors"
	"golang.org/x/sync/errgroup"
)

// Hit is one result row, tagged with the repository it came from and
// its position within that repository's own result list (used as the
// final stable-sort tie-break).
type Hit struct {
	Repository string
	Ordinal    int
	Score      float64
	Payload    any
}

// FailureHint is emitted for a repository whose query failed; it
// carries an actionable alternative per §4.14.
type FailureHint struct {
	Repository string
	Err        error
	Hint       string
}

// RepoQuerier runs one repository's query, returning its hits in
// whatever order it likes (Aggregate establishes the final order).
type RepoQuerier func(ctx context.Context, repo string, limit int) ([]Hit, error)

// Aggregate runs query against every repo concurrently with the same
// limit (each repo contributes its strongest candidates), merges every
// hit, sorts by descending score with a stable (score, repo, ordinal)
// tie-break, and truncates to the first limit results. limit <= 0
// means no truncation. Per-repo failures are reported as FailureHints
// and do not fail the overall query.
func Aggregate(ctx context.Context, repos []string, limit int, query RepoQuerier) ([]Hit, []FailureHint) {
	allHits := make([][]Hit, len(repos))
	errs := make([]error, len(repos))

	var g errgroup.Group
	for i, repo := range repos {
		i, repo := i, repo
		g.Go(func() error {
			hits, err := query(ctx, repo, limit)
			if err != nil {
				errs[i] = err
				return nil
			}
			allHits[i] = hits
			return nil
		})
	}
	_ = g.Wait()

	var merged []Hit
	var failures []FailureHint
	for i, repo := range repos {
		if errs[i] != nil {
			failures = append(failures, FailureHint{
				Repository: repo,
				Err:        errs[i],
				Hint:       errors.GrepHint(repo),
			})
			continue
		}
		merged = append(merged, allHits[i]...)
	}

	sort.SliceStable(merged, func(a, b int) bool {
		if merged[a].Score != merged[b].Score {
			return merged[a].Score > merged[b].Score
		}
		if merged[a].Repository != merged[b].Repository {
			return merged[a].Repository < merged[b].Repository
		}
		return merged[a].Ordinal < merged[b].Ordinal
	})

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, failures
}
