// Package charts implements the createChart and createTable tools. They
// validate and normalize model-authored visualization specs; rendering
// happens client side from the structured output.
package charts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/finsight-ai/finsight/internal/agent"
	"github.com/finsight-ai/finsight/pkg/models"
)

// ChartName is the registry name of the chart tool.
const ChartName = "createChart"

// TableName is the registry name of the table tool.
const TableName = "createTable"

// maxDataPoints bounds a single series.
const maxDataPoints = 500

// maxTableRows bounds a table.
const maxTableRows = 200

var chartTypes = map[string]bool{
	"line": true, "bar": true, "area": true, "pie": true, "scatter": true,
}

// DataPoint is one labeled value in a series.
type DataPoint struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// Series is one named sequence of points.
type Series struct {
	Name string      `json:"name"`
	Data []DataPoint `json:"data"`
}

// ChartSpec is the normalized chart output.
type ChartSpec struct {
	Type   string   `json:"type"`
	Title  string   `json:"title"`
	XLabel string   `json:"x_label,omitempty"`
	YLabel string   `json:"y_label,omitempty"`
	Series []Series `json:"series"`
}

// TableSpec is the normalized table output.
type TableSpec struct {
	Title   string     `json:"title,omitempty"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// ChartSchema describes createChart's input contract.
func ChartSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"type": {
				"type": "string",
				"enum": ["line", "bar", "area", "pie", "scatter"],
				"description": "Chart type."
			},
			"title": {"type": "string"},
			"x_label": {"type": "string"},
			"y_label": {"type": "string"},
			"series": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"properties": {
						"name": {"type": "string"},
						"data": {
							"type": "array",
							"minItems": 1,
							"items": {
								"type": "object",
								"properties": {
									"label": {"type": "string"},
									"value": {"type": "number"}
								},
								"required": ["label", "value"]
							}
						}
					},
					"required": ["name", "data"]
				}
			}
		},
		"required": ["type", "title", "series"],
		"additionalProperties": false
	}`)
}

// TableSchema describes createTable's input contract.
func TableSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"title": {"type": "string"},
			"columns": {
				"type": "array",
				"minItems": 1,
				"items": {"type": "string"}
			},
			"rows": {
				"type": "array",
				"items": {
					"type": "array",
					"items": {"type": "string"}
				}
			}
		},
		"required": ["columns", "rows"],
		"additionalProperties": false
	}`)
}

// Register adds both tools to a registry.
func Register(registry *agent.Registry) error {
	if err := registry.Register(ChartName,
		"Render a chart from labeled numeric series. Use for trends, comparisons, and distributions.",
		ChartSchema(), ExecuteChart); err != nil {
		return err
	}
	return registry.Register(TableName,
		"Render a table from columns and rows of strings. Use for structured comparisons.",
		TableSchema(), ExecuteTable)
}

// ExecuteChart validates a chart spec and echoes the normalized form.
func ExecuteChart(ctx context.Context, tctx agent.ToolContext, input json.RawMessage) (*models.ToolResult, error) {
	var spec ChartSpec
	if err := json.Unmarshal(input, &spec); err != nil {
		return nil, fmt.Errorf("invalid chart spec: %w", err)
	}
	if !chartTypes[spec.Type] {
		return nil, fmt.Errorf("unsupported chart type %q", spec.Type)
	}
	if len(spec.Series) == 0 {
		return nil, fmt.Errorf("chart requires at least one series")
	}
	for _, series := range spec.Series {
		if len(series.Data) == 0 {
			return nil, fmt.Errorf("series %q has no data points", series.Name)
		}
		if len(series.Data) > maxDataPoints {
			return nil, fmt.Errorf("series %q exceeds %d data points", series.Name, maxDataPoints)
		}
	}

	payload, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode chart spec: %w", err)
	}
	return &models.ToolResult{Output: payload}, nil
}

// ExecuteTable validates a table spec and echoes the normalized form.
// Short rows are padded so every row matches the column count.
func ExecuteTable(ctx context.Context, tctx agent.ToolContext, input json.RawMessage) (*models.ToolResult, error) {
	var spec TableSpec
	if err := json.Unmarshal(input, &spec); err != nil {
		return nil, fmt.Errorf("invalid table spec: %w", err)
	}
	if len(spec.Columns) == 0 {
		return nil, fmt.Errorf("table requires at least one column")
	}
	if len(spec.Rows) > maxTableRows {
		return nil, fmt.Errorf("table exceeds %d rows", maxTableRows)
	}

	width := len(spec.Columns)
	for i, row := range spec.Rows {
		if len(row) > width {
			return nil, fmt.Errorf("row %d has %d cells, expected at most %d", i, len(row), width)
		}
		for len(spec.Rows[i]) < width {
			spec.Rows[i] = append(spec.Rows[i], "")
		}
	}

	payload, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode table spec: %w", err)
	}
	return &models.ToolResult{Output: payload}, nil
}
