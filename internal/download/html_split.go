package download

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"
)

var yearPattern = regexp.MustCompile(`\b(19|20)\d{2}\b`)

// YearHTML is one per-year slice of a tariff page.
type YearHTML struct {
	Year int
	Body []byte
}

// SplitHTML decodes a page with best-effort charset detection, strips it
// to tables plus their nearest preceding year-bearing heading and splits
// the result into one document per year. Operator pages commonly list
// several years' tariffs on a single page.
//
// Tables with no year heading above them land in the zero-year slice; the
// caller attributes those to the job's target year.
func SplitHTML(body []byte, declaredContentType string) ([]YearHTML, error) {
	decoded, err := decodeHTML(body, declaredContentType)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(decoded))
	if err != nil {
		return nil, fmt.Errorf("split html: %w", err)
	}

	type section struct {
		heading string
		tables  []string
	}
	byYear := make(map[int]*section)

	currentYear := 0
	currentHeading := ""
	doc.Find("h1, h2, h3, h4, h5, h6, caption, table").Each(func(_ int, sel *goquery.Selection) {
		if goquery.NodeName(sel) == "table" {
			tableHTML, err := goquery.OuterHtml(sel)
			if err != nil {
				return
			}
			sec := byYear[currentYear]
			if sec == nil {
				sec = &section{heading: currentHeading}
				byYear[currentYear] = sec
			}
			sec.tables = append(sec.tables, tableHTML)
			return
		}
		text := strings.TrimSpace(sel.Text())
		if m := yearPattern.FindString(text); m != "" {
			year, _ := strconv.Atoi(m)
			currentYear = year
			currentHeading = text
		}
	})

	years := make([]int, 0, len(byYear))
	for year, sec := range byYear {
		if len(sec.tables) == 0 {
			delete(byYear, year)
			continue
		}
		years = append(years, year)
	}
	sort.Ints(years)

	out := make([]YearHTML, 0, len(years))
	for _, year := range years {
		sec := byYear[year]
		var b strings.Builder
		b.WriteString("<html><body>")
		if sec.heading != "" {
			b.WriteString("<h2>")
			b.WriteString(sec.heading)
			b.WriteString("</h2>")
		}
		for _, t := range sec.tables {
			b.WriteString(t)
		}
		b.WriteString("</body></html>")
		out = append(out, YearHTML{Year: year, Body: []byte(b.String())})
	}
	return out, nil
}

// decodeHTML converts the raw bytes to UTF-8. The content-type charset is
// tried first, then statistical detection. German operator sites still
// serve ISO-8859-1 often enough that this matters.
func decodeHTML(body []byte, declaredContentType string) ([]byte, error) {
	if enc, _, _ := charset.DetermineEncoding(body, declaredContentType); enc != nil {
		if decoded, err := enc.NewDecoder().Bytes(body); err == nil && len(decoded) > 0 {
			return decoded, nil
		}
	}
	detector := chardet.NewHtmlDetector()
	result, err := detector.DetectBest(body)
	if err != nil {
		return body, nil
	}
	enc, err := htmlindex.Get(strings.ToLower(result.Charset))
	if err != nil {
		return body, nil
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return body, nil
	}
	return decoded, nil
}
