// Package matcher resolves a Stash scene's file path to a Plex library
// item across one or more library sections, with confidence scoring.
// Three ordered strategies are tried per section: exact path, filename
// (case-sensitive), then filename (case-insensitive).
package matcher

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when filePath matches zero items across every
// configured section at every strategy. Callers (the worker) classify
// this directly as errkind.NotFound rather than routing it through the
// general exception classifier.
var ErrNotFound = errors.New("matcher: no Plex item found for path")

// ErrAmbiguousStrict is returned by ApplyStrictPolicy when the result is
// LOW confidence and strictMatching is enabled: the caller should DLQ
// the job rather than guess between candidates.
var ErrAmbiguousStrict = errors.New("matcher: ambiguous match rejected by strict matching policy")

// Confidence is the matcher's small result enum.
type Confidence string

const (
	ConfidenceHigh Confidence = "HIGH"
	ConfidenceLow  Confidence = "LOW"
	ConfidenceFail Confidence = "FAIL"
)

// Item is one media item a library section exposes, keyed by the file
// path its single media part lives at. This is the shape
// internal/plexclient adapts Plex's `/library/sections/<id>/all`
// response into.
type Item struct {
	RatingKey   string
	SectionKey  string
	SectionName string
	Path        string
}

// PrefixRewrite substitutes a Stash-side path prefix for its Plex-side
// equivalent before matching. Rules are applied in list order; the first
// matching rule wins.
type PrefixRewrite struct {
	From string
	To   string
}

// Rewrite applies rules in order, returning the first match's
// substitution, or path unchanged if no rule matches.
func Rewrite(path string, rules []PrefixRewrite) string {
	for _, r := range rules {
		if strings.HasPrefix(path, r.From) {
			return r.To + strings.TrimPrefix(path, r.From)
		}
	}
	return path
}

// Result is what FindCandidates returns.
type Result struct {
	Confidence Confidence
	Match      *Item   // set only when Confidence == ConfidenceHigh
	Candidates []Item  // set (len > 1) only when Confidence == ConfidenceLow
}

// FindCandidates resolves filePath against every item across every
// section, applying configured prefix rewrites first. Zero sections or
// zero matches across all strategies is a NotFound error. A single match
// at any strategy is HIGH confidence. Multiple matches at any strategy
// is LOW confidence with the full candidate list and no single pick.
func FindCandidates(sections [][]Item, filePath string, rules []PrefixRewrite) (Result, error) {
	rewritten := Rewrite(filePath, rules)

	var all []Item
	for _, section := range sections {
		all = append(all, section...)
	}

	if matches := matchExactPath(all, rewritten); len(matches) > 0 {
		return resultFrom(matches)
	}

	filename := filepath.Base(rewritten)

	if matches := matchFilename(all, filename, false); len(matches) > 0 {
		return resultFrom(matches)
	}

	if matches := matchFilename(all, filename, true); len(matches) > 0 {
		return resultFrom(matches)
	}

	return Result{Confidence: ConfidenceFail}, ErrNotFound
}

// ApplyStrictPolicy converts a LOW-confidence result into
// ErrAmbiguousStrict when strict is true, leaving HIGH/FAIL results (and
// LOW results under a non-strict policy) untouched.
func ApplyStrictPolicy(result Result, err error, strict bool) (Result, error) {
	if err != nil {
		return result, err
	}
	if strict && result.Confidence == ConfidenceLow {
		return result, ErrAmbiguousStrict
	}
	return result, nil
}

func resultFrom(matches []Item) (Result, error) {
	if len(matches) == 1 {
		m := matches[0]
		return Result{Confidence: ConfidenceHigh, Match: &m}, nil
	}
	return Result{Confidence: ConfidenceLow, Candidates: matches}, nil
}

func matchExactPath(items []Item, path string) []Item {
	var out []Item
	for _, it := range items {
		if it.Path == path {
			out = append(out, it)
		}
	}
	return out
}

func matchFilename(items []Item, filename string, caseInsensitive bool) []Item {
	var out []Item
	target := filename
	if caseInsensitive {
		target = strings.ToLower(filename)
	}
	for _, it := range items {
		base := filepath.Base(it.Path)
		if caseInsensitive {
			base = strings.ToLower(base)
		}
		if base == target {
			out = append(out, it)
		}
	}
	return out
}
