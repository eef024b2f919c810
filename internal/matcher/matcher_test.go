package matcher

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindCandidates_ExactPathHigh(t *testing.T) {
	sections := [][]Item{{
		{RatingKey: "1", Path: "/data/movies/a.mp4"},
		{RatingKey: "2", Path: "/data/movies/b.mp4"},
	}}
	res, err := FindCandidates(sections, "/data/movies/a.mp4", nil)
	require.NoError(t, err)
	assert.Equal(t, ConfidenceHigh, res.Confidence)
	require.NotNil(t, res.Match)
	assert.Equal(t, "1", res.Match.RatingKey)
}

func TestFindCandidates_FilenameOnlyCaseSensitive(t *testing.T) {
	sections := [][]Item{{
		{RatingKey: "1", Path: "/other/root/a.mp4"},
	}}
	res, err := FindCandidates(sections, "/different/stash/path/a.mp4", nil)
	require.NoError(t, err)
	assert.Equal(t, ConfidenceHigh, res.Confidence)
}

func TestFindCandidates_CaseInsensitiveFallback(t *testing.T) {
	sections := [][]Item{{
		{RatingKey: "1", Path: "/other/root/A.MP4"},
	}}
	res, err := FindCandidates(sections, "/different/stash/path/a.mp4", nil)
	require.NoError(t, err)
	assert.Equal(t, ConfidenceHigh, res.Confidence)
}

func TestFindCandidates_ZeroMatchesIsNotFound(t *testing.T) {
	sections := [][]Item{{
		{RatingKey: "1", Path: "/other/root/z.mp4"},
	}}
	_, err := FindCandidates(sections, "/different/stash/path/a.mp4", nil)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFindCandidates_ZeroSectionsIsNotFound(t *testing.T) {
	_, err := FindCandidates(nil, "/x/a.mp4", nil)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFindCandidates_MultipleMatchesIsLow(t *testing.T) {
	sections := [][]Item{
		{{RatingKey: "1", SectionName: "Movies", Path: "/movies/dirA/a.mp4"}},
		{{RatingKey: "2", SectionName: "Alt", Path: "/movies/dirB/a.mp4"}},
	}
	res, err := FindCandidates(sections, "/stash/a.mp4", nil)
	require.NoError(t, err)
	assert.Equal(t, ConfidenceLow, res.Confidence)
	assert.Nil(t, res.Match)
	assert.Len(t, res.Candidates, 2)
}

func TestFindCandidates_PrefixRewriteAppliedFirst(t *testing.T) {
	sections := [][]Item{{
		{RatingKey: "1", Path: "/plex/movies/a.mp4"},
	}}
	rules := []PrefixRewrite{{From: "/stash/movies", To: "/plex/movies"}}
	res, err := FindCandidates(sections, "/stash/movies/a.mp4", rules)
	require.NoError(t, err)
	assert.Equal(t, ConfidenceHigh, res.Confidence)
}

func TestRewrite_FirstRuleWins(t *testing.T) {
	rules := []PrefixRewrite{
		{From: "/stash", To: "/first"},
		{From: "/stash", To: "/second"},
	}
	assert.Equal(t, "/first/a.mp4", Rewrite("/stash/a.mp4", rules))
}

func TestApplyStrictPolicy_ConvertsLowToError(t *testing.T) {
	result := Result{Confidence: ConfidenceLow, Candidates: []Item{{}, {}}}
	_, err := ApplyStrictPolicy(result, nil, true)
	assert.True(t, errors.Is(err, ErrAmbiguousStrict))
}

func TestApplyStrictPolicy_LeavesNonStrictAlone(t *testing.T) {
	result := Result{Confidence: ConfidenceLow, Candidates: []Item{{}, {}}}
	res, err := ApplyStrictPolicy(result, nil, false)
	require.NoError(t, err)
	assert.Equal(t, ConfidenceLow, res.Confidence)
}

func TestApplyStrictPolicy_PassesThroughExistingError(t *testing.T) {
	_, err := ApplyStrictPolicy(Result{}, ErrNotFound, true)
	assert.True(t, errors.Is(err, ErrNotFound))
}
