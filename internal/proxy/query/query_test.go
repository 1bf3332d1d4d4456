package query

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate_MergesSortsAndTruncates(t *testing.T) {
	repos := []string{"repoA", "repoB"}
	q := func(ctx context.Context, repo string, limit int) ([]Hit, error) {
		switch repo {
		case "repoA":
			return []Hit{{Repository: repo, Ordinal: 0, Score: 0.9}, {Repository: repo, Ordinal: 1, Score: 0.3}}, nil
		case "repoB":
			return []Hit{{Repository: repo, Ordinal: 0, Score: 0.9}, {Repository: repo, Ordinal: 1, Score: 0.5}}, nil
		}
		return nil, nil
	}

	hits, failures := Aggregate(context.Background(), repos, 3, q)
	require.Empty(t, failures)
	require.Len(t, hits, 3)
	assert.Equal(t, 0.9, hits[0].Score)
	assert.Equal(t, "repoA", hits[0].Repository) // tie-break by repo name
	assert.Equal(t, 0.9, hits[1].Score)
	assert.Equal(t, "repoB", hits[1].Repository)
	assert.Equal(t, 0.5, hits[2].Score)
}

func TestAggregate_ZeroLimitMeansNoTruncation(t *testing.T) {
	q := func(ctx context.Context, repo string, limit int) ([]Hit, error) {
		return []Hit{{Repository: repo, Score: 1}, {Repository: repo, Score: 2}}, nil
	}
	hits, _ := Aggregate(context.Background(), []string{"repoA"}, 0, q)
	assert.Len(t, hits, 2)
}

func TestAggregate_PerRepoFailureYieldsHintNotOverallFailure(t *testing.T) {
	q := func(ctx context.Context, repo string, limit int) ([]Hit, error) {
		if repo == "repoBad" {
			return nil, errors.New("semantic index unavailable")
		}
		return []Hit{{Repository: repo, Score: 1}}, nil
	}

	hits, failures := Aggregate(context.Background(), []string{"repoGood", "repoBad"}, 0, q)
	assert.Len(t, hits, 1)
	require.Len(t, failures, 1)
	assert.Equal(t, "repoBad", failures[0].Repository)
	assert.Contains(t, failures[0].Hint, "repoBad")
}
