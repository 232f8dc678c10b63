// Package extract turns downloaded tariff documents into normalized
// records. A deterministic parse runs first; only when it comes up short
// does the model gateway get involved.
package extract

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tarifwerk/tariff-crawler/internal/extract/gateway"
	"github.com/tarifwerk/tariff-crawler/internal/tariff"
	"github.com/tarifwerk/tariff-crawler/internal/telemetry"
)

// Input is one file to extract from.
type Input struct {
	Body      []byte
	Type      tariff.FileType
	SourceURL string
	Operator  tariff.Operator
	Year      int
	Class     tariff.DataClass
}

// Output is the extraction result for one file.
type Output struct {
	Tariffs []tariff.TariffRecord
	Windows []tariff.TimeWindowRecord
	Method  string
	Model   string
}

// ModelGateway is the model tier. Satisfied by *gateway.Gateway.
type ModelGateway interface {
	Extract(ctx context.Context, req gateway.Request) ([]byte, string, error)
}

// Config tunes the engine.
type Config struct {
	// MinTariffRows is the deterministic-pass acceptance threshold for
	// tariff records. Below it the model tier runs.
	MinTariffRows int
	// MinWindowRows is the same threshold for time-window records.
	MinWindowRows int
}

// Engine is the two-tier extractor.
type Engine struct {
	cfg     Config
	gateway ModelGateway
	logger  *zap.Logger
}

// New builds an Engine. A nil gateway disables the model tier; the
// deterministic result is then final whatever its size.
func New(cfg Config, gw ModelGateway, logger *zap.Logger) *Engine {
	if cfg.MinTariffRows <= 0 {
		cfg.MinTariffRows = 3
	}
	if cfg.MinWindowRows <= 0 {
		cfg.MinWindowRows = 1
	}
	return &Engine{cfg: cfg, gateway: gw, logger: logger}
}

// Extract runs the deterministic pass and falls back to the model
// gateway when the yield is below the minimum row count for the class.
func (e *Engine) Extract(ctx context.Context, in Input) (*Output, error) {
	if in.Class == tariff.ClassBoth || !in.Class.Valid() {
		return nil, fmt.Errorf("extract: input needs a concrete data class, got %q", in.Class)
	}

	out := e.deterministic(in)
	if e.enough(in.Class, out) {
		e.observe(in.Class, out)
		return out, nil
	}

	if e.gateway == nil {
		if empty(out) {
			return nil, fmt.Errorf("extract: deterministic pass found nothing and no model gateway is configured")
		}
		e.observe(in.Class, out)
		return out, nil
	}

	e.logger.Info("deterministic pass below threshold, trying model gateway",
		zap.String("class", string(in.Class)),
		zap.String("source", in.SourceURL),
		zap.Int("tariff_rows", len(out.Tariffs)),
		zap.Int("window_rows", len(out.Windows)))

	modelOut, err := e.model(ctx, in)
	if err != nil {
		// A partial deterministic result beats nothing.
		if !empty(out) {
			e.logger.Warn("model tier failed, keeping deterministic partial",
				zap.String("source", in.SourceURL), zap.Error(err))
			e.observe(in.Class, out)
			return out, nil
		}
		return nil, err
	}
	e.observe(in.Class, modelOut)
	return modelOut, nil
}

// CountPlausible is the classification hook: it runs only the
// deterministic pass and reports plausible record counts per class.
func (e *Engine) CountPlausible(body []byte, fileType tariff.FileType) map[tariff.DataClass]int {
	rows, err := tableRows(body, fileType)
	if err != nil || len(rows) == 0 {
		return nil
	}
	prov := deterministicProvenance(fileType, "")
	counts := make(map[tariff.DataClass]int)
	for _, r := range parseTariffRows(rows, "", 0, prov) {
		if plausibleTariff(&r) {
			counts[tariff.ClassTariff]++
		}
	}
	for _, r := range parseWindowRows(rows, "", 0, prov) {
		if plausibleWindows(&r) {
			counts[tariff.ClassTimeWindow]++
		}
	}
	return counts
}

func (e *Engine) deterministic(in Input) *Output {
	out := &Output{Method: "deterministic"}
	rows, err := tableRows(in.Body, in.Type)
	if err != nil || len(rows) == 0 {
		return out
	}
	prov := deterministicProvenance(in.Type, in.SourceURL)
	switch in.Class {
	case tariff.ClassTariff:
		out.Tariffs = parseTariffRows(rows, in.Operator.ID, in.Year, prov)
		flagTariffs(out.Tariffs)
	case tariff.ClassTimeWindow:
		out.Windows = parseWindowRows(rows, in.Operator.ID, in.Year, prov)
		flagWindows(out.Windows)
	}
	return out
}

func (e *Engine) model(ctx context.Context, in Input) (*Output, error) {
	req := gateway.Request{Prompt: buildPrompt(in)}
	switch in.Class {
	case tariff.ClassTariff:
		req.Schema = gateway.TariffSchema()
	case tariff.ClassTimeWindow:
		req.Schema = gateway.WindowSchema()
	}

	if textual(in.Type) {
		text, err := plainText(in.Body, in.Type)
		if err != nil {
			return nil, err
		}
		req.Text = text
	} else {
		req.DocumentBase64 = base64.StdEncoding.EncodeToString(in.Body)
		req.DocumentMIME = mimeFor(in.Type)
	}

	reply, model, err := e.gateway.Extract(ctx, req)
	if err != nil {
		return nil, err
	}

	prov := tariff.Provenance{
		Method:       "model",
		Model:        model,
		SourceFormat: in.Type,
		SourceURL:    in.SourceURL,
		ExtractedAt:  time.Now().UTC(),
	}
	out := &Output{Method: "model", Model: model}
	switch in.Class {
	case tariff.ClassTariff:
		out.Tariffs, err = decodeTariffReply(reply, in.Operator.ID, in.Year, prov)
		flagTariffs(out.Tariffs)
	case tariff.ClassTimeWindow:
		out.Windows, err = decodeWindowReply(reply, in.Operator.ID, in.Year, prov)
		flagWindows(out.Windows)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) enough(class tariff.DataClass, out *Output) bool {
	switch class {
	case tariff.ClassTariff:
		return len(out.Tariffs) >= e.cfg.MinTariffRows
	case tariff.ClassTimeWindow:
		return len(out.Windows) >= e.cfg.MinWindowRows
	}
	return false
}

func (e *Engine) observe(class tariff.DataClass, out *Output) {
	telemetry.ObserveExtraction(out.Method, string(class), len(out.Tariffs)+len(out.Windows))
}

func empty(out *Output) bool {
	return len(out.Tariffs) == 0 && len(out.Windows) == 0
}

func textual(t tariff.FileType) bool {
	switch t {
	case tariff.TypeHTML, tariff.TypeCSV, tariff.TypeXLSX:
		return true
	}
	return false
}

// plainText renders a textual format for the model prompt. Spreadsheets
// are flattened to tab-separated lines.
func plainText(body []byte, fileType tariff.FileType) (string, error) {
	switch fileType {
	case tariff.TypeCSV:
		return string(body), nil
	case tariff.TypeHTML, tariff.TypeXLSX:
		rows, err := tableRows(body, fileType)
		if err != nil {
			return "", err
		}
		if len(rows) == 0 && fileType == tariff.TypeHTML {
			return htmlText(body)
		}
		var b strings.Builder
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteString("\n")
		}
		return b.String(), nil
	}
	return "", fmt.Errorf("extract: no text rendering for %s", fileType)
}

func mimeFor(t tariff.FileType) string {
	switch t {
	case tariff.TypePDF:
		return "application/pdf"
	case tariff.TypeDOCX:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case tariff.TypeDOC:
		return "application/msword"
	}
	return "application/octet-stream"
}

type modelTariffRow struct {
	VoltageLevel string  `json:"voltage_level"`
	PowerRateLT  float64 `json:"power_rate_lt_2500"`
	EnergyRateLT float64 `json:"energy_rate_lt_2500"`
	PowerRateGE  float64 `json:"power_rate_ge_2500"`
	EnergyRateGE float64 `json:"energy_rate_ge_2500"`
}

func decodeTariffReply(reply []byte, operatorID string, year int, prov tariff.Provenance) ([]tariff.TariffRecord, error) {
	var payload struct {
		Records []modelTariffRow `json:"records"`
	}
	if err := json.Unmarshal(reply, &payload); err != nil {
		return nil, fmt.Errorf("decode model reply: %w", err)
	}
	out := make([]tariff.TariffRecord, 0, len(payload.Records))
	for _, r := range payload.Records {
		level, ok := NormalizeVoltage(r.VoltageLevel)
		if !ok {
			continue
		}
		out = append(out, tariff.TariffRecord{
			OperatorID:   operatorID,
			Year:         year,
			VoltageLevel: level,
			PowerRateLT:  r.PowerRateLT,
			EnergyRateLT: r.EnergyRateLT,
			PowerRateGE:  r.PowerRateGE,
			EnergyRateGE: r.EnergyRateGE,
			Verification: tariff.VerificationUnverified,
			Provenance:   prov,
		})
	}
	return out, nil
}

type modelWindowRow struct {
	VoltageLevel string `json:"voltage_level"`
	Season       string `json:"season"`
	Windows      []struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"windows"`
}

func decodeWindowReply(reply []byte, operatorID string, year int, prov tariff.Provenance) ([]tariff.TimeWindowRecord, error) {
	var payload struct {
		Records []modelWindowRow `json:"records"`
	}
	if err := json.Unmarshal(reply, &payload); err != nil {
		return nil, fmt.Errorf("decode model reply: %w", err)
	}
	out := make([]tariff.TimeWindowRecord, 0, len(payload.Records))
	for _, r := range payload.Records {
		level, ok := NormalizeVoltage(r.VoltageLevel)
		if !ok {
			continue
		}
		rec := tariff.TimeWindowRecord{
			OperatorID:   operatorID,
			Year:         year,
			VoltageLevel: level,
			Season:       r.Season,
			Verification: tariff.VerificationUnverified,
			Provenance:   prov,
		}
		for _, w := range r.Windows {
			rec.Windows = append(rec.Windows, tariff.TimeWindow{Start: w.Start, End: w.End})
		}
		out = append(out, rec)
	}
	return out, nil
}
