package extract

import (
	"fmt"

	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

// Sanity bounds. Published German grid fees sit comfortably inside these;
// a value outside them is almost certainly a unit mixup or a parse slip.
const (
	maxPowerRate  = 500.0 // EUR/kW per year
	maxEnergyRate = 60.0  // ct/kWh
)

// flagTariffs applies the sanity checks. Out-of-range values and missing
// expected voltage levels mark records auto-flagged for review instead of
// rejecting them.
func flagTariffs(records []tariff.TariffRecord) {
	levels := make(map[tariff.VoltageLevel]bool, len(records))
	for i := range records {
		levels[records[i].VoltageLevel] = true
		if reason := tariffRangeIssue(&records[i]); reason != "" {
			records[i].Verification = tariff.VerificationAutoFlagged
			records[i].Audit.FlagReason = reason
		}
	}
	if len(records) > 0 && (!levels[tariff.VoltageNS] || !levels[tariff.VoltageMS]) {
		for i := range records {
			if records[i].Verification == tariff.VerificationUnverified {
				records[i].Verification = tariff.VerificationAutoFlagged
				records[i].Audit.FlagReason = "expected voltage levels missing (ns and ms)"
			}
		}
	}
}

func tariffRangeIssue(r *tariff.TariffRecord) string {
	for _, v := range []struct {
		name  string
		value float64
		max   float64
	}{
		{"power_rate_lt_2500", r.PowerRateLT, maxPowerRate},
		{"power_rate_ge_2500", r.PowerRateGE, maxPowerRate},
		{"energy_rate_lt_2500", r.EnergyRateLT, maxEnergyRate},
		{"energy_rate_ge_2500", r.EnergyRateGE, maxEnergyRate},
	} {
		if v.value < 0 || v.value > v.max {
			return fmt.Sprintf("%s out of range: %.2f", v.name, v.value)
		}
	}
	return ""
}

// flagWindows sanity-checks time-window records.
func flagWindows(records []tariff.TimeWindowRecord) {
	for i := range records {
		if len(records[i].Windows) == 0 {
			records[i].Verification = tariff.VerificationAutoFlagged
			records[i].Audit.FlagReason = "no time windows parsed"
			continue
		}
		for _, w := range records[i].Windows {
			if w.Start == w.End {
				records[i].Verification = tariff.VerificationAutoFlagged
				records[i].Audit.FlagReason = fmt.Sprintf("degenerate window %s-%s", w.Start, w.End)
				break
			}
		}
	}
}

// plausibleTariff is the classification-time check: non-placeholder
// values inside the sanity bounds.
func plausibleTariff(r *tariff.TariffRecord) bool {
	if r.PowerRateLT == 0 && r.EnergyRateLT == 0 && r.PowerRateGE == 0 && r.EnergyRateGE == 0 {
		return false
	}
	return tariffRangeIssue(r) == ""
}

func plausibleWindows(r *tariff.TimeWindowRecord) bool {
	for _, w := range r.Windows {
		if w.Start != w.End {
			return true
		}
	}
	return false
}
