package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

// ParseDecimal parses a German-locale decimal. Comma is the decimal
// separator and a dot may group thousands; plain machine notation is
// accepted too. Currency and unit suffixes are stripped.
func ParseDecimal(s string) (float64, error) {
	cleaned := strings.TrimSpace(s)
	for _, unit := range []string{"€", "EUR", "ct/kWh", "Ct/kWh", "ct", "Ct", "/kW", "/kWh", "/a"} {
		cleaned = strings.ReplaceAll(cleaned, unit, "")
	}
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" || cleaned == "-" || cleaned == "–" || cleaned == "—" {
		return 0, fmt.Errorf("parse decimal: empty value %q", s)
	}
	if strings.ContainsRune(cleaned, ',') {
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.Replace(cleaned, ",", ".", 1)
	}
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return v, nil
}

// Transition labels name the two tiers they sit between, or use the
// directional "Umspannung zur/auf <lower tier>" phrasing. The lower tier
// identifies the transition.
var transitionTargets = []struct {
	lower tariff.VoltageLevel
	level tariff.VoltageLevel
	words []string
}{
	{tariff.VoltageNS, tariff.VoltageMSNS, []string{"niederspannung", "ns"}},
	{tariff.VoltageMS, tariff.VoltageHSMS, []string{"mittelspannung", "ms"}},
	{tariff.VoltageHS, tariff.VoltageHoeSHS, []string{"hochspannung", "hs"}},
}

var pairPattern = regexp.MustCompile(`(?i)\b(hös|hoes|höchst|hs|ms)\s*[/\-]\s*(hs|ms|ns)\b`)

// NormalizeVoltage canonicalizes a voltage-level label. German operator
// documents mix full names, abbreviations and slash pairs freely.
func NormalizeVoltage(label string) (tariff.VoltageLevel, bool) {
	l := strings.ToLower(strings.TrimSpace(label))
	if l == "" {
		return "", false
	}

	if m := pairPattern.FindStringSubmatch(l); m != nil {
		upper, lower := m[1], m[2]
		switch {
		case (upper == "hös" || upper == "hoes" || strings.HasPrefix(upper, "höchst")) && lower == "hs":
			return tariff.VoltageHoeSHS, true
		case upper == "hs" && lower == "ms":
			return tariff.VoltageHSMS, true
		case upper == "ms" && lower == "ns":
			return tariff.VoltageMSNS, true
		}
	}

	if strings.Contains(l, "umspann") {
		for _, t := range transitionTargets {
			for _, w := range t.words {
				if strings.Contains(l, "zur "+w) || strings.Contains(l, "auf "+w) ||
					strings.HasSuffix(l, " "+w) {
					return t.level, true
				}
			}
		}
		// An undirected transition label is ambiguous.
		return "", false
	}

	switch {
	case strings.Contains(l, "höchstspannung") || strings.Contains(l, "hoechstspannung"):
		return tariff.VoltageHoeS, true
	case strings.Contains(l, "hochspannung"):
		return tariff.VoltageHS, true
	case strings.Contains(l, "mittelspannung"):
		return tariff.VoltageMS, true
	case strings.Contains(l, "niederspannung"):
		return tariff.VoltageNS, true
	}

	switch strings.Trim(l, " .:") {
	case "ns":
		return tariff.VoltageNS, true
	case "ms":
		return tariff.VoltageMS, true
	case "hs":
		return tariff.VoltageHS, true
	case "hös", "hoes":
		return tariff.VoltageHoeS, true
	}
	return "", false
}

var timePattern = regexp.MustCompile(`([01]?\d|2[0-4])[:.]([0-5]\d)(?:[:.]([0-5]\d))?`)

// NormalizeWindow parses a peak-load time range into HH:MM:SS form. It
// accepts colon or dot separators, "bis" or dash variants between the two
// times, and the known defect where a plain space stands in for the dash.
func NormalizeWindow(s string) (tariff.TimeWindow, error) {
	matches := timePattern.FindAllStringSubmatch(s, -1)
	if len(matches) < 2 {
		return tariff.TimeWindow{}, fmt.Errorf("parse time window %q: need two times", s)
	}
	return tariff.TimeWindow{
		Start: canonicalTime(matches[0]),
		End:   canonicalTime(matches[1]),
	}, nil
}

// NormalizeWindows extracts every time range found in s, in order.
func NormalizeWindows(s string) []tariff.TimeWindow {
	matches := timePattern.FindAllStringSubmatch(s, -1)
	out := make([]tariff.TimeWindow, 0, len(matches)/2)
	for i := 0; i+1 < len(matches); i += 2 {
		out = append(out, tariff.TimeWindow{
			Start: canonicalTime(matches[i]),
			End:   canonicalTime(matches[i+1]),
		})
	}
	return out
}

func canonicalTime(m []string) string {
	hour, _ := strconv.Atoi(m[1])
	sec := m[3]
	if sec == "" {
		sec = "00"
	}
	return fmt.Sprintf("%02d:%s:%s", hour, m[2], sec)
}

// NormalizeSeason maps German season names onto the storage vocabulary.
func NormalizeSeason(s string) (string, bool) {
	l := strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.Contains(l, "winter"):
		return "winter", true
	case strings.Contains(l, "frühjahr"), strings.Contains(l, "fruehjahr"),
		strings.Contains(l, "frühling"), strings.Contains(l, "fruehling"):
		return "spring", true
	case strings.Contains(l, "sommer"):
		return "summer", true
	case strings.Contains(l, "herbst"):
		return "autumn", true
	}
	return "", false
}
