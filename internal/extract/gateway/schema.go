package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// TariffSchema is the reply contract for tariff extraction. Providers
// must return an object with a "records" array in exactly this shape.
func TariffSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []any{"records"},
		"properties": map[string]any{
			"records": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required": []any{
						"voltage_level", "power_rate_lt_2500", "energy_rate_lt_2500",
						"power_rate_ge_2500", "energy_rate_ge_2500",
					},
					"properties": map[string]any{
						"voltage_level":       map[string]any{"type": "string", "minLength": 2},
						"power_rate_lt_2500":  map[string]any{"type": "number", "minimum": 0},
						"energy_rate_lt_2500": map[string]any{"type": "number", "minimum": 0},
						"power_rate_ge_2500":  map[string]any{"type": "number", "minimum": 0},
						"energy_rate_ge_2500": map[string]any{"type": "number", "minimum": 0},
					},
				},
			},
		},
	}
}

// WindowSchema is the reply contract for peak-load window extraction.
func WindowSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []any{"records"},
		"properties": map[string]any{
			"records": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []any{"voltage_level", "season", "windows"},
					"properties": map[string]any{
						"voltage_level": map[string]any{"type": "string", "minLength": 2},
						"season": map[string]any{
							"type": "string",
							"enum": []any{"winter", "spring", "summer", "autumn"},
						},
						"windows": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type":                 "object",
								"additionalProperties": false,
								"required":             []any{"start", "end"},
								"properties": map[string]any{
									"start": map[string]any{"type": "string", "pattern": `^\d{2}:\d{2}:\d{2}$`},
									"end":   map[string]any{"type": "string", "pattern": `^\d{2}:\d{2}:\d{2}$`},
								},
							},
						},
					},
				},
			},
		},
	}
}

// ValidateAgainstSchema validates data against the schema map.
func ValidateAgainstSchema(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal reply: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("reply does not match schema: %w", err)
	}
	return nil
}
