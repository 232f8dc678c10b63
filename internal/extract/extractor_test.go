package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tarifwerk/tariff-crawler/internal/extract/gateway"
	"github.com/tarifwerk/tariff-crawler/internal/tariff"
)

var priceSheetHTML = []byte(`<html><body>
<h2>Netzentgelte 2025</h2>
<table>
<tr><th>Spannungsebene</th><th>LP &lt; 2500 h/a</th><th>AP &lt; 2500 h/a</th><th>LP ≥ 2500 h/a</th><th>AP ≥ 2500 h/a</th></tr>
<tr><td>Höchstspannung</td><td>28,50</td><td>1,05</td><td>52,10</td><td>0,31</td></tr>
<tr><td>Umspannung HöS/HS</td><td>30,12</td><td>1,21</td><td>55,40</td><td>0,44</td></tr>
<tr><td>Hochspannung</td><td>34,20</td><td>1,44</td><td>61,30</td><td>0,58</td></tr>
<tr><td>Umspannung HS/MS</td><td>41,87</td><td>1,76</td><td>74,22</td><td>0,71</td></tr>
<tr><td>Mittelspannung</td><td>49,33</td><td>2,05</td><td>88,90</td><td>0,92</td></tr>
<tr><td>Umspannung MS/NS</td><td>55,60</td><td>2,20</td><td>96,40</td><td>1,10</td></tr>
<tr><td>Niederspannung</td><td>58,21</td><td>2,31</td><td>102,40</td><td>1,22</td></tr>
</table>
</body></html>`)

var windowSheetHTML = []byte(`<html><body>
<h2>Hochlastzeitfenster 2025</h2>
<table>
<tr><th>Spannungsebene</th><th>Winter</th><th>Sommer</th></tr>
<tr><td>Mittelspannung</td><td>06:00 - 22:00</td><td>08:00 - 12:00</td></tr>
<tr><td>Niederspannung</td><td>07:15 - 20:30</td><td></td></tr>
</table>
</body></html>`)

func testInput(body []byte, class tariff.DataClass) Input {
	return Input{
		Body:      body,
		Type:      tariff.TypeHTML,
		SourceURL: "https://netz.example.de/preisblatt.html",
		Operator:  tariff.Operator{ID: "op-1", Name: "Beispiel Netz GmbH"},
		Year:      2025,
		Class:     class,
	}
}

func TestDeterministicTariffExtraction(t *testing.T) {
	e := New(Config{MinTariffRows: 3}, nil, zap.NewNop())
	out, err := e.Extract(context.Background(), testInput(priceSheetHTML, tariff.ClassTariff))
	require.NoError(t, err)
	require.Equal(t, "deterministic", out.Method)
	require.Len(t, out.Tariffs, 7)

	byLevel := make(map[tariff.VoltageLevel]tariff.TariffRecord)
	for _, r := range out.Tariffs {
		byLevel[r.VoltageLevel] = r
	}
	ns := byLevel[tariff.VoltageNS]
	require.InDelta(t, 58.21, ns.PowerRateLT, 1e-9)
	require.InDelta(t, 2.31, ns.EnergyRateLT, 1e-9)
	require.InDelta(t, 102.40, ns.PowerRateGE, 1e-9)
	require.InDelta(t, 1.22, ns.EnergyRateGE, 1e-9)
	require.Equal(t, tariff.VerificationUnverified, ns.Verification)
	require.Equal(t, "deterministic", ns.Provenance.Method)

	require.Contains(t, byLevel, tariff.VoltageMSNS)
	require.Contains(t, byLevel, tariff.VoltageHoeSHS)
}

func TestDeterministicWindowExtraction(t *testing.T) {
	e := New(Config{MinWindowRows: 1}, nil, zap.NewNop())
	out, err := e.Extract(context.Background(), testInput(windowSheetHTML, tariff.ClassTimeWindow))
	require.NoError(t, err)
	require.Equal(t, "deterministic", out.Method)

	type key struct {
		level  tariff.VoltageLevel
		season string
	}
	got := make(map[key][]tariff.TimeWindow)
	for _, r := range out.Windows {
		got[key{r.VoltageLevel, r.Season}] = r.Windows
	}
	require.Equal(t, []tariff.TimeWindow{{Start: "06:00:00", End: "22:00:00"}},
		got[key{tariff.VoltageMS, "winter"}])
	require.Equal(t, []tariff.TimeWindow{{Start: "08:00:00", End: "12:00:00"}},
		got[key{tariff.VoltageMS, "summer"}])
	require.Equal(t, []tariff.TimeWindow{{Start: "07:15:00", End: "20:30:00"}},
		got[key{tariff.VoltageNS, "winter"}])
}

type stubGateway struct {
	reply []byte
	model string
	err   error
	calls int
	last  gateway.Request
}

func (s *stubGateway) Extract(ctx context.Context, req gateway.Request) ([]byte, string, error) {
	s.calls++
	s.last = req
	return s.reply, s.model, s.err
}

func TestModelFallbackWhenBelowThreshold(t *testing.T) {
	gw := &stubGateway{
		reply: []byte(`{"records":[
			{"voltage_level":"Niederspannung","power_rate_lt_2500":58.21,"energy_rate_lt_2500":2.31,"power_rate_ge_2500":102.4,"energy_rate_ge_2500":1.22},
			{"voltage_level":"Mittelspannung","power_rate_lt_2500":49.33,"energy_rate_lt_2500":2.05,"power_rate_ge_2500":88.9,"energy_rate_ge_2500":0.92}
		]}`),
		model: "model-a",
	}
	e := New(Config{MinTariffRows: 3}, gw, zap.NewNop())

	// A near-empty page forces the model tier.
	in := testInput([]byte(`<html><body><p>Preisblatt als PDF verfügbar.</p></body></html>`), tariff.ClassTariff)
	out, err := e.Extract(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, 1, gw.calls)
	require.Equal(t, "model", out.Method)
	require.Equal(t, "model-a", out.Model)
	require.Len(t, out.Tariffs, 2)
	require.Equal(t, tariff.VoltageNS, out.Tariffs[0].VoltageLevel)
	require.Equal(t, "model", out.Tariffs[0].Provenance.Method)
	require.Equal(t, "model-a", out.Tariffs[0].Provenance.Model)
	require.NotEmpty(t, gw.last.Text)
	require.Empty(t, gw.last.DocumentBase64)
}

func TestModelNotCalledWhenDeterministicSuffices(t *testing.T) {
	gw := &stubGateway{}
	e := New(Config{MinTariffRows: 3}, gw, zap.NewNop())
	out, err := e.Extract(context.Background(), testInput(priceSheetHTML, tariff.ClassTariff))
	require.NoError(t, err)
	require.Zero(t, gw.calls)
	require.Equal(t, "deterministic", out.Method)
}

func TestVisualFormatSentAsBase64(t *testing.T) {
	gw := &stubGateway{
		reply: []byte(`{"records":[{"voltage_level":"ns","power_rate_lt_2500":1,"energy_rate_lt_2500":1,"power_rate_ge_2500":1,"energy_rate_ge_2500":1}]}`),
		model: "vision-a",
	}
	e := New(Config{MinTariffRows: 1}, gw, zap.NewNop())

	in := testInput([]byte("not really a pdf"), tariff.ClassTariff)
	in.Type = tariff.TypePDF
	_, err := e.Extract(context.Background(), in)
	require.NoError(t, err)
	require.NotEmpty(t, gw.last.DocumentBase64)
	require.Equal(t, "application/pdf", gw.last.DocumentMIME)
	require.Empty(t, gw.last.Text)
}

func TestModelFailureKeepsDeterministicPartial(t *testing.T) {
	gw := &stubGateway{err: errors.New("all providers failed")}
	e := New(Config{MinTariffRows: 10}, gw, zap.NewNop())

	out, err := e.Extract(context.Background(), testInput(priceSheetHTML, tariff.ClassTariff))
	require.NoError(t, err)
	require.Equal(t, "deterministic", out.Method)
	require.Len(t, out.Tariffs, 7)
}

func TestModelFailureWithNothingDeterministicFails(t *testing.T) {
	gw := &stubGateway{err: errors.New("all providers failed")}
	e := New(Config{MinTariffRows: 3}, gw, zap.NewNop())

	in := testInput([]byte(`<html><body><p>nichts</p></body></html>`), tariff.ClassTariff)
	_, err := e.Extract(context.Background(), in)
	require.Error(t, err)
}

func TestExtractRejectsAmbiguousClass(t *testing.T) {
	e := New(Config{}, nil, zap.NewNop())
	_, err := e.Extract(context.Background(), testInput(priceSheetHTML, tariff.ClassBoth))
	require.Error(t, err)
}

func TestCountPlausible(t *testing.T) {
	e := New(Config{}, nil, zap.NewNop())
	counts := e.CountPlausible(priceSheetHTML, tariff.TypeHTML)
	require.Equal(t, 7, counts[tariff.ClassTariff])
	require.Zero(t, counts[tariff.ClassTimeWindow])

	counts = e.CountPlausible(windowSheetHTML, tariff.TypeHTML)
	require.Equal(t, 3, counts[tariff.ClassTimeWindow])

	require.Nil(t, e.CountPlausible([]byte("binary junk"), tariff.TypeUnknown))
}
