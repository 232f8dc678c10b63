// Package patterns maintains the cross-operator memory of which URL path
// shapes have previously yielded data. Fragments are year-normalized so a
// hit on /downloads/2024/ transfers to /downloads/2025/ next season.
package patterns

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/tarifwerk/tariff-crawler/internal/store"
	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

// YearPlaceholder marks the abstracted year in patterns and fragments.
const YearPlaceholder = "{year}"

var yearToken = regexp.MustCompile(`(19|20)\d{2}`)

// Learner wraps the pattern store with URL generalization.
type Learner struct {
	store store.PatternStore
}

// NewLearner constructs a Learner on the given store.
func NewLearner(s store.PatternStore) *Learner {
	return &Learner{store: s}
}

// Generalize derives the year-normalized fragment for a successful URL.
// The fragment is the directory portion when a directory segment carries
// the year (/downloads/2024/tarife.pdf -> /downloads/{year}/), else the
// full path when only the filename does (/preise/2024.pdf ->
// /preise/{year}.pdf). ok is false when the path carries no year at all.
func Generalize(rawURL string) (fragment string, year int, ok bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", 0, false
	}
	p := parsed.EscapedPath()
	match := yearToken.FindString(p)
	if match == "" {
		return "", 0, false
	}
	year, _ = strconv.Atoi(match)

	dir, file := splitPath(p)
	if yearToken.MatchString(dir) {
		return yearToken.ReplaceAllString(dir, YearPlaceholder), year, true
	}
	return dir + yearToken.ReplaceAllString(file, YearPlaceholder), year, true
}

// Substitute replaces the year placeholder in a fragment or pattern.
func Substitute(pattern string, year int) string {
	return strings.ReplaceAll(pattern, YearPlaceholder, strconv.Itoa(year))
}

// AbstractYear rewrites the year tokens in a URL's path to the
// placeholder, for storing as a profile pattern. Host and query are left
// alone. ok is false when the path carries no year to abstract.
func AbstractYear(rawURL string) (string, bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL, false
	}
	if !yearToken.MatchString(parsed.EscapedPath() + parsed.RawQuery) {
		return rawURL, false
	}
	prefix := parsed.Scheme + "://" + parsed.Host
	rest := strings.TrimPrefix(rawURL, prefix)
	return prefix + yearToken.ReplaceAllString(rest, YearPlaceholder), true
}

// RecordSuccess reinforces the fragment derived from a URL that yielded
// data. URLs without a year token are not learnable and are skipped.
func (l *Learner) RecordSuccess(ctx context.Context, rawURL string, class tariff.DataClass, operatorSlug string) error {
	fragment, _, ok := Generalize(rawURL)
	if !ok {
		return nil
	}
	for _, c := range class.Expand() {
		if err := l.store.RecordPatternSuccess(ctx, fragment, c, operatorSlug); err != nil {
			return fmt.Errorf("record pattern success: %w", err)
		}
	}
	return nil
}

// RecordFailure penalizes a fragment whose probe came up empty.
func (l *Learner) RecordFailure(ctx context.Context, fragment string, class tariff.DataClass) error {
	for _, c := range class.Expand() {
		if err := l.store.RecordPatternFailure(ctx, fragment, c); err != nil {
			return fmt.Errorf("record pattern failure: %w", err)
		}
	}
	return nil
}

// Top returns the best fragments for a class.
func (l *Learner) Top(ctx context.Context, class tariff.DataClass, n int) ([]tariff.LearnedPathPattern, error) {
	patterns, err := l.store.TopPatterns(ctx, class, n)
	if err != nil {
		return nil, fmt.Errorf("top patterns: %w", err)
	}
	return patterns, nil
}

// splitPath separates a URL path into its directory (trailing slash kept)
// and filename portions.
func splitPath(p string) (dir, file string) {
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return "/", p
	}
	return p[:idx+1], p[idx+1:]
}
