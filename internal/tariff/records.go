package tariff

import "time"

// FileType is the true type of a downloaded document, resolved from magic
// bytes before headers or URL extensions are trusted.
type FileType string

// Known file types.
const (
	TypePDF     FileType = "pdf"
	TypeXLSX    FileType = "xlsx"
	TypeXLS     FileType = "xls"
	TypeDOCX    FileType = "docx"
	TypeDOC     FileType = "doc"
	TypeHTML    FileType = "html"
	TypeCSV     FileType = "csv"
	TypeZIP     FileType = "zip"
	TypeUnknown FileType = "unknown"
)

// Ext returns the filename extension used by the blob naming convention.
func (t FileType) Ext() string {
	if t == TypeUnknown || t == "" {
		return "bin"
	}
	return string(t)
}

// VoltageLevel is a canonical grid tier. Transition levels sit between two
// adjacent tiers and are keyed by the lower tier they step down to.
type VoltageLevel string

// Canonical voltage vocabulary.
const (
	VoltageNS     VoltageLevel = "ns"      // Niederspannung
	VoltageMS     VoltageLevel = "ms"      // Mittelspannung
	VoltageHS     VoltageLevel = "hs"      // Hochspannung
	VoltageHoeS   VoltageLevel = "hoes"    // Höchstspannung
	VoltageMSNS   VoltageLevel = "ms_ns"   // Umspannung MS -> NS
	VoltageHSMS   VoltageLevel = "hs_ms"   // Umspannung HS -> MS
	VoltageHoeSHS VoltageLevel = "hoes_hs" // Umspannung HöS -> HS
)

// AllVoltageLevels lists the canonical vocabulary in grid order, highest
// tier first.
var AllVoltageLevels = []VoltageLevel{
	VoltageHoeS, VoltageHoeSHS, VoltageHS, VoltageHSMS, VoltageMS, VoltageMSNS, VoltageNS,
}

// VerificationStatus tracks the review state of an extracted record.
type VerificationStatus string

// Verification states. A verified record is never silently overwritten.
const (
	VerificationUnverified  VerificationStatus = "unverified"
	VerificationAutoFlagged VerificationStatus = "auto_flagged"
	VerificationVerified    VerificationStatus = "verified"
)

// Provenance records how a value set was produced.
type Provenance struct {
	Method       string    `json:"method"` // deterministic | model
	Model        string    `json:"model,omitempty"`
	SourceFormat FileType  `json:"source_format"`
	SourceURL    string    `json:"source_url,omitempty"`
	ExtractedAt  time.Time `json:"extracted_at"`
}

// Audit carries who/when fields maintained by the review workflow.
type Audit struct {
	EditedBy   string     `json:"edited_by,omitempty"`
	EditedAt   *time.Time `json:"edited_at,omitempty"`
	VerifiedBy string     `json:"verified_by,omitempty"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	FlagReason string     `json:"flag_reason,omitempty"`
}

// TariffRecord is one normalized Netzentgelte row, keyed by
// (operator, year, voltage level). Rates are split at the 2,500 h/a
// utilization boundary: power prices in EUR/kW, energy prices in ct/kWh.
type TariffRecord struct {
	OperatorID   string             `json:"operator_id"`
	Year         int                `json:"year"`
	VoltageLevel VoltageLevel       `json:"voltage_level"`
	PowerRateLT  float64            `json:"power_rate_lt_2500"`
	EnergyRateLT float64            `json:"energy_rate_lt_2500"`
	PowerRateGE  float64            `json:"power_rate_ge_2500"`
	EnergyRateGE float64            `json:"energy_rate_ge_2500"`
	Verification VerificationStatus `json:"verification"`
	Provenance   Provenance         `json:"provenance"`
	Audit        Audit              `json:"audit"`
}

// TimeWindow is one peak-load range in normalized HH:MM:SS form.
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// TimeWindowRecord is one normalized HLZF row: the peak-load windows for a
// voltage level and season.
type TimeWindowRecord struct {
	OperatorID   string             `json:"operator_id"`
	Year         int                `json:"year"`
	VoltageLevel VoltageLevel       `json:"voltage_level"`
	Season       string             `json:"season"` // winter | spring | summer | autumn
	Windows      []TimeWindow       `json:"windows"`
	Verification VerificationStatus `json:"verification"`
	Provenance   Provenance         `json:"provenance"`
	Audit        Audit              `json:"audit"`
}
