package postgres_test

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/tarifwerk/tariff-crawler/internal/store/postgres"
	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

func newRecordMock(t *testing.T) (pgxmock.PgxPoolIface, *postgres.RecordStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, postgres.NewRecordStore(mock)
}

func sampleTariff() *tariff.TariffRecord {
	return &tariff.TariffRecord{
		OperatorID: "op-1", Year: 2025, VoltageLevel: tariff.VoltageMS,
		PowerRateLT: 91.5, EnergyRateLT: 4.2, PowerRateGE: 140.1, EnergyRateGE: 1.9,
		Verification: tariff.VerificationUnverified,
	}
}

func TestUpsertTariffWritesRow(t *testing.T) {
	mock, s := newRecordMock(t)
	rec := sampleTariff()

	mock.ExpectExec("INSERT INTO tariff_records").
		WithArgs("op-1", 2025, "ms", 91.5, 4.2, 140.1, 1.9,
			"unverified", pgxmock.AnyArg(), "", false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ok, err := s.UpsertTariff(context.Background(), rec, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertTariffVerifiedRowUntouched(t *testing.T) {
	mock, s := newRecordMock(t)
	rec := sampleTariff()

	// The guarded upsert matches zero rows when the stored row is
	// verified and override is unset.
	mock.ExpectExec("INSERT INTO tariff_records").
		WithArgs("op-1", 2025, "ms", 91.5, 4.2, 140.1, 1.9,
			"unverified", pgxmock.AnyArg(), "", false).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ok, err := s.UpsertTariff(context.Background(), rec, false)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertTariffOverrideWrites(t *testing.T) {
	mock, s := newRecordMock(t)
	rec := sampleTariff()

	mock.ExpectExec("INSERT INTO tariff_records").
		WithArgs("op-1", 2025, "ms", 91.5, 4.2, 140.1, 1.9,
			"unverified", pgxmock.AnyArg(), "", true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ok, err := s.UpsertTariff(context.Background(), rec, true)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertTimeWindows(t *testing.T) {
	mock, s := newRecordMock(t)
	rec := &tariff.TimeWindowRecord{
		OperatorID: "op-1", Year: 2025, VoltageLevel: tariff.VoltageHS,
		Season:       "winter",
		Windows:      []tariff.TimeWindow{{Start: "08:00:00", End: "20:00:00"}},
		Verification: tariff.VerificationAutoFlagged,
		Audit:        tariff.Audit{FlagReason: "window count out of range"},
	}

	mock.ExpectExec("INSERT INTO time_window_records").
		WithArgs("op-1", 2025, "hs", "winter", pgxmock.AnyArg(),
			"auto_flagged", pgxmock.AnyArg(), "window count out of range", false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ok, err := s.UpsertTimeWindows(context.Background(), rec, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
