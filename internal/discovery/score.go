package discovery

import (
	"net/url"
	"path"
	"strings"

	"github.com/tarifwerk/tariff-crawler/internal/patterns"
	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

// Keyword lists per data class. Scoring is pure string matching; no URL
// is fetched to compute a score.
var classKeywords = map[tariff.DataClass][]string{
	tariff.ClassTariff: {
		"netzentgelt", "netzentgelte", "preisblatt", "preisblätter", "preisblaetter",
		"entgelt", "netznutzung", "netzzugang", "preise",
	},
	tariff.ClassTimeWindow: {
		"hochlastzeitfenster", "hlzf", "zeitfenster", "schwachlast", "atypisch",
		"lastfenster",
	},
}

var documentExtensions = map[string]float64{
	".pdf":  2.0,
	".xlsx": 2.0,
	".xls":  1.8,
	".csv":  1.5,
	".docx": 1.0,
	".doc":  0.8,
}

// scoreURL rates a URL for one data class and year from its string form
// alone. Negative keywords (careers, privacy, social media) push scores
// below zero so junk never outranks a genuine hit.
func scoreURL(rawURL string, class tariff.DataClass, year int, negatives []string) (float64, bool) {
	l := strings.ToLower(rawURL)

	score := 0.0
	for _, kw := range classKeywords[class] {
		if strings.Contains(l, kw) {
			score += 3.0
		}
	}
	if parsed, err := url.Parse(l); err == nil {
		if w, ok := documentExtensions[path.Ext(parsed.Path)]; ok {
			score += w
		}
	}
	yearMatch := false
	if _, urlYear, ok := patterns.Generalize(rawURL); ok && urlYear == year {
		yearMatch = true
		score += 2.0
	}
	for _, neg := range negatives {
		if neg != "" && strings.Contains(l, strings.ToLower(neg)) {
			score -= 5.0
		}
	}
	return score, yearMatch
}

// keywordDensity rates page text for the bounded crawl: class keyword
// hits per kilobyte of text, capped so one stuffed page cannot dominate.
func keywordDensity(text string, class tariff.DataClass) float64 {
	if len(text) == 0 {
		return 0
	}
	l := strings.ToLower(text)
	hits := 0
	for _, kw := range classKeywords[class] {
		hits += strings.Count(l, kw)
	}
	density := float64(hits) / (float64(len(l)) / 1024.0)
	if density > 5.0 {
		density = 5.0
	}
	return density
}
