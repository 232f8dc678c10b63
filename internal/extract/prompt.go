package extract

import (
	"fmt"

	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

// buildPrompt renders the fixed extraction instruction for one file. The
// reply shape itself is enforced by the JSON schema the gateway sends
// alongside it.
func buildPrompt(in Input) string {
	switch in.Class {
	case tariff.ClassTimeWindow:
		return fmt.Sprintf(
			"The document is a German grid operator's Hochlastzeitfenster (peak load time window) "+
				"publication for %q, year %d. Extract every peak-load time window per voltage level "+
				"and season. Voltage levels use the German names (Niederspannung, Mittelspannung, "+
				"Hochspannung, Höchstspannung) or transition tiers such as \"Umspannung MS/NS\". "+
				"Times must be formatted HH:MM:SS. Return ONLY JSON matching the schema.",
			in.Operator.Name, in.Year)
	default:
		return fmt.Sprintf(
			"The document is a German grid operator's Netzentgelte (grid fee) price sheet for %q, "+
				"year %d. Extract one record per voltage level with the power price (Leistungspreis, "+
				"EUR/kW) and energy price (Arbeitspreis, ct/kWh), each split at the 2500 h/a "+
				"utilization boundary: the pair below 2500 h/a and the pair at or above it. "+
				"German decimal commas must be converted to dots. Return ONLY JSON matching the schema.",
			in.Operator.Name, in.Year)
	}
}
