package charts

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/finsight-ai/finsight/internal/agent"
)

func TestExecuteChart(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{
			name:  "valid line chart",
			input: `{"type":"line","title":"Revenue","series":[{"name":"AAPL","data":[{"label":"Q1","value":90.1},{"label":"Q2","value":94.8}]}]}`,
		},
		{
			name:  "valid pie chart",
			input: `{"type":"pie","title":"Portfolio","series":[{"name":"alloc","data":[{"label":"stocks","value":60},{"label":"bonds","value":40}]}]}`,
		},
		{
			name:    "unknown chart type",
			input:   `{"type":"radar","title":"x","series":[{"name":"s","data":[{"label":"a","value":1}]}]}`,
			wantErr: true,
		},
		{
			name:    "no series",
			input:   `{"type":"bar","title":"x","series":[]}`,
			wantErr: true,
		},
		{
			name:    "empty series data",
			input:   `{"type":"bar","title":"x","series":[{"name":"s","data":[]}]}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			input:   `{"type":`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ExecuteChart(context.Background(), agent.ToolContext{}, json.RawMessage(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ExecuteChart: %v", err)
			}
			var spec ChartSpec
			if err := json.Unmarshal(result.Output, &spec); err != nil {
				t.Fatalf("decode output: %v", err)
			}
			if spec.Title == "" || len(spec.Series) == 0 {
				t.Errorf("normalized spec incomplete: %+v", spec)
			}
		})
	}
}

func TestExecuteTablePadsShortRows(t *testing.T) {
	input := `{"columns":["Ticker","Price","Change"],"rows":[["AAPL","231.40","+1.2%"],["MSFT","415.10"]]}`
	result, err := ExecuteTable(context.Background(), agent.ToolContext{}, json.RawMessage(input))
	if err != nil {
		t.Fatalf("ExecuteTable: %v", err)
	}
	var spec TableSpec
	if err := json.Unmarshal(result.Output, &spec); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	for i, row := range spec.Rows {
		if len(row) != len(spec.Columns) {
			t.Errorf("row %d has %d cells, expected %d", i, len(row), len(spec.Columns))
		}
	}
}

func TestExecuteTableRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "no columns", input: `{"columns":[],"rows":[]}`},
		{name: "oversized row", input: `{"columns":["a"],"rows":[["x","y"]]}`},
		{name: "malformed json", input: `{"columns"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ExecuteTable(context.Background(), agent.ToolContext{}, json.RawMessage(tt.input)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestRegisterAddsBothTools(t *testing.T) {
	registry := agent.NewRegistry()
	if err := Register(registry); err != nil {
		t.Fatalf("Register: %v", err)
	}
	for _, name := range []string{ChartName, TableName} {
		if !registry.Has(name) {
			t.Errorf("tool %q not registered", name)
		}
	}
}
