package extract

import (
	"strings"
	"time"

	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

// parseTariffRows runs the keyword and numeric-pattern pass over cell
// rows. A row counts when its leading label resolves to a voltage level
// and at least four decimals follow: power and energy price below the
// 2,500 h/a boundary, then the pair at or above it. That column order is
// the de-facto standard across operator price sheets.
func parseTariffRows(rows [][]string, operatorID string, year int, prov tariff.Provenance) []tariff.TariffRecord {
	var out []tariff.TariffRecord
	seen := make(map[tariff.VoltageLevel]bool)
	for _, row := range rows {
		label, numbers := splitRow(row)
		level, ok := NormalizeVoltage(label)
		if !ok || seen[level] || len(numbers) < 4 {
			continue
		}
		seen[level] = true
		out = append(out, tariff.TariffRecord{
			OperatorID:   operatorID,
			Year:         year,
			VoltageLevel: level,
			PowerRateLT:  numbers[0],
			EnergyRateLT: numbers[1],
			PowerRateGE:  numbers[2],
			EnergyRateGE: numbers[3],
			Verification: tariff.VerificationUnverified,
			Provenance:   prov,
		})
	}
	return out
}

// parseWindowRows extracts peak-load windows. Season usually comes from a
// header row mapping columns to seasons; a row-local season name wins
// over that, and winter is the fallback since most operators publish
// winter-only windows.
func parseWindowRows(rows [][]string, operatorID string, year int, prov tariff.Provenance) []tariff.TimeWindowRecord {
	colSeasons := headerSeasons(rows)

	var out []tariff.TimeWindowRecord
	type key struct {
		level  tariff.VoltageLevel
		season string
	}
	seen := make(map[key]bool)

	for _, row := range rows {
		label, _ := splitRow(row)
		level, ok := NormalizeVoltage(label)
		if !ok {
			continue
		}
		rowSeason := ""
		for _, cell := range row {
			if s, ok := NormalizeSeason(cell); ok {
				rowSeason = s
				break
			}
		}
		perSeason := make(map[string][]tariff.TimeWindow)
		for col, cell := range row {
			windows := NormalizeWindows(cell)
			if len(windows) == 0 {
				continue
			}
			season := rowSeason
			if season == "" {
				season = colSeasons[col]
			}
			if season == "" {
				season = "winter"
			}
			perSeason[season] = append(perSeason[season], windows...)
		}
		for season, windows := range perSeason {
			k := key{level, season}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, tariff.TimeWindowRecord{
				OperatorID:   operatorID,
				Year:         year,
				VoltageLevel: level,
				Season:       season,
				Windows:      windows,
				Verification: tariff.VerificationUnverified,
				Provenance:   prov,
			})
		}
	}
	return out
}

// headerSeasons finds the first row naming seasons and maps column index
// to season for the data rows below it.
func headerSeasons(rows [][]string) map[int]string {
	for _, row := range rows {
		mapping := make(map[int]string)
		for col, cell := range row {
			if s, ok := NormalizeSeason(cell); ok {
				mapping[col] = s
			}
		}
		if len(mapping) > 0 {
			return mapping
		}
	}
	return nil
}

// splitRow separates a row into its leading textual label and the decimal
// values that follow. Placeholder cells (dashes, empty) are skipped.
func splitRow(row []string) (string, []float64) {
	var labelParts []string
	var numbers []float64
	labelDone := false
	for _, cell := range row {
		if v, err := ParseDecimal(cell); err == nil {
			numbers = append(numbers, v)
			labelDone = true
			continue
		}
		if !labelDone && strings.TrimSpace(cell) != "" {
			labelParts = append(labelParts, cell)
		}
	}
	return strings.Join(labelParts, " "), numbers
}

func deterministicProvenance(fileType tariff.FileType, sourceURL string) tariff.Provenance {
	return tariff.Provenance{
		Method:       "deterministic",
		SourceFormat: fileType,
		SourceURL:    sourceURL,
		ExtractedAt:  time.Now().UTC(),
	}
}
