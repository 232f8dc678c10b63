package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

// RecordStore persists extracted tariff and time-window records.
//
// Expected schema:
//
//	CREATE TABLE tariff_records (
//	    operator_id        TEXT NOT NULL,
//	    year               INT NOT NULL,
//	    voltage_level      TEXT NOT NULL,
//	    power_rate_lt_2500  DOUBLE PRECISION NOT NULL,
//	    energy_rate_lt_2500 DOUBLE PRECISION NOT NULL,
//	    power_rate_ge_2500  DOUBLE PRECISION NOT NULL,
//	    energy_rate_ge_2500 DOUBLE PRECISION NOT NULL,
//	    verification       TEXT NOT NULL DEFAULT 'unverified',
//	    provenance         JSONB,
//	    flag_reason        TEXT NOT NULL DEFAULT '',
//	    PRIMARY KEY (operator_id, year, voltage_level)
//	);
//
//	CREATE TABLE time_window_records (
//	    operator_id   TEXT NOT NULL,
//	    year          INT NOT NULL,
//	    voltage_level TEXT NOT NULL,
//	    season        TEXT NOT NULL,
//	    windows       JSONB NOT NULL,
//	    verification  TEXT NOT NULL DEFAULT 'unverified',
//	    provenance    JSONB,
//	    flag_reason   TEXT NOT NULL DEFAULT '',
//	    PRIMARY KEY (operator_id, year, voltage_level, season)
//	);
//
// The WHERE clause on the upserts implements verified-record protection in
// one round trip: a verified row only matches when override is set.
type RecordStore struct {
	db DB
}

// NewRecordStore constructs a RecordStore on the given pool.
func NewRecordStore(db DB) *RecordStore {
	return &RecordStore{db: db}
}

// UpsertTariff writes one tariff row. Returns false when the existing row
// is verified and override is unset.
func (s *RecordStore) UpsertTariff(ctx context.Context, rec *tariff.TariffRecord, override bool) (bool, error) {
	provenanceJSON, err := json.Marshal(rec.Provenance)
	if err != nil {
		return false, fmt.Errorf("marshal provenance: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
INSERT INTO tariff_records (
	operator_id, year, voltage_level,
	power_rate_lt_2500, energy_rate_lt_2500, power_rate_ge_2500, energy_rate_ge_2500,
	verification, provenance, flag_reason
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (operator_id, year, voltage_level) DO UPDATE SET
	power_rate_lt_2500 = EXCLUDED.power_rate_lt_2500,
	energy_rate_lt_2500 = EXCLUDED.energy_rate_lt_2500,
	power_rate_ge_2500 = EXCLUDED.power_rate_ge_2500,
	energy_rate_ge_2500 = EXCLUDED.energy_rate_ge_2500,
	verification = EXCLUDED.verification,
	provenance = EXCLUDED.provenance,
	flag_reason = EXCLUDED.flag_reason
WHERE tariff_records.verification <> 'verified' OR $11`,
		rec.OperatorID, rec.Year, string(rec.VoltageLevel),
		rec.PowerRateLT, rec.EnergyRateLT, rec.PowerRateGE, rec.EnergyRateGE,
		string(rec.Verification), provenanceJSON, rec.Audit.FlagReason, override,
	)
	if err != nil {
		return false, fmt.Errorf("upsert tariff record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpsertTimeWindows writes one time-window row under the same protection
// rule as UpsertTariff.
func (s *RecordStore) UpsertTimeWindows(ctx context.Context, rec *tariff.TimeWindowRecord, override bool) (bool, error) {
	provenanceJSON, err := json.Marshal(rec.Provenance)
	if err != nil {
		return false, fmt.Errorf("marshal provenance: %w", err)
	}
	windowsJSON, err := json.Marshal(rec.Windows)
	if err != nil {
		return false, fmt.Errorf("marshal windows: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
INSERT INTO time_window_records (
	operator_id, year, voltage_level, season, windows, verification, provenance, flag_reason
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (operator_id, year, voltage_level, season) DO UPDATE SET
	windows = EXCLUDED.windows,
	verification = EXCLUDED.verification,
	provenance = EXCLUDED.provenance,
	flag_reason = EXCLUDED.flag_reason
WHERE time_window_records.verification <> 'verified' OR $9`,
		rec.OperatorID, rec.Year, string(rec.VoltageLevel), rec.Season,
		windowsJSON, string(rec.Verification), provenanceJSON,
		rec.Audit.FlagReason, override,
	)
	if err != nil {
		return false, fmt.Errorf("upsert time window record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
