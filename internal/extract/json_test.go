package extract

import (
	"errors"
	"testing"

	"relaygate/internal/domain"
)

func TestExtract(t *testing.T) {
	e := NewJSONExtractor()

	tests := []struct {
		name    string
		content string
		wantKey string
		wantVal any
	}{
		{
			name:    "bare object",
			content: `{"hemoglobin": 13.5}`,
			wantKey: "hemoglobin",
			wantVal: 13.5,
		},
		{
			name:    "json fence",
			content: "Here is the result:\n```json\n{\"glucose\": 92}\n```\nLet me know if you need anything else.",
			wantKey: "glucose",
			wantVal: float64(92),
		},
		{
			name:    "plain fence",
			content: "```\n{\"status\": \"ok\"}\n```",
			wantKey: "status",
			wantVal: "ok",
		},
		{
			name:    "chatter around braces",
			content: `Sure! The extracted values are {"wbc": 6.1} as requested.`,
			wantKey: "wbc",
			wantVal: 6.1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, err := e.Extract(tt.content)
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if got := obj[tt.wantKey]; got != tt.wantVal {
				t.Errorf("obj[%q] = %v, want %v", tt.wantKey, got, tt.wantVal)
			}
		})
	}
}

func TestExtractFailures(t *testing.T) {
	e := NewJSONExtractor()

	tests := []struct {
		name    string
		content string
	}{
		{"no json at all", "I could not read the document, sorry."},
		{"top-level array", `[1, 2, 3]`},
		{"truncated object", `{"hemoglobin": 13.`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Extract(tt.content)
			if err == nil {
				t.Fatal("expected error")
			}
			var extErr *domain.ExtractionError
			if !errors.As(err, &extErr) {
				t.Fatalf("error type = %T", err)
			}
			if extErr.Step != StepJSONParse {
				t.Errorf("step = %q, want %q", extErr.Step, StepJSONParse)
			}
			if domain.ClassOf(err) != domain.ClassExtraction {
				t.Errorf("class = %v, want extraction", domain.ClassOf(err))
			}
		})
	}
}

func TestExtractAndValidate(t *testing.T) {
	e := NewJSONExtractor()
	schema := map[string]any{
		"type":     "object",
		"required": []any{"hemoglobin"},
		"properties": map[string]any{
			"hemoglobin": map[string]any{"type": "number"},
		},
	}

	t.Run("valid document passes", func(t *testing.T) {
		obj, err := e.ExtractAndValidate(`{"hemoglobin": 13.5}`, schema)
		if err != nil {
			t.Fatalf("ExtractAndValidate: %v", err)
		}
		if obj["hemoglobin"] != 13.5 {
			t.Errorf("hemoglobin = %v", obj["hemoglobin"])
		}
	})

	t.Run("missing required field", func(t *testing.T) {
		_, err := e.ExtractAndValidate(`{"glucose": 92}`, schema)
		var extErr *domain.ExtractionError
		if !errors.As(err, &extErr) {
			t.Fatalf("error = %v", err)
		}
		if extErr.Step != StepSchemaCheck {
			t.Errorf("step = %q, want %q", extErr.Step, StepSchemaCheck)
		}
	})

	t.Run("wrong type", func(t *testing.T) {
		_, err := e.ExtractAndValidate(`{"hemoglobin": "high"}`, schema)
		var extErr *domain.ExtractionError
		if !errors.As(err, &extErr) {
			t.Fatalf("error = %v", err)
		}
		if extErr.Step != StepSchemaCheck {
			t.Errorf("step = %q, want %q", extErr.Step, StepSchemaCheck)
		}
	})

	t.Run("nil schema skips validation", func(t *testing.T) {
		if _, err := e.ExtractAndValidate(`{"anything": true}`, nil); err != nil {
			t.Fatalf("ExtractAndValidate: %v", err)
		}
	})
}

func TestLenientParse(t *testing.T) {
	e := NewJSONExtractor()

	t.Run("numeric strings become numbers", func(t *testing.T) {
		obj, err := e.LenientParse(`{"hemoglobin": "13.5", "wbc": "6100"}`)
		if err != nil {
			t.Fatalf("LenientParse: %v", err)
		}
		if obj["hemoglobin"] != 13.5 {
			t.Errorf("hemoglobin = %v (%T)", obj["hemoglobin"], obj["hemoglobin"])
		}
		if obj["wbc"] != float64(6100) {
			t.Errorf("wbc = %v", obj["wbc"])
		}
	})

	t.Run("comma decimal separator", func(t *testing.T) {
		obj, err := e.LenientParse(`{"hemoglobin": "13,5"}`)
		if err != nil {
			t.Fatalf("LenientParse: %v", err)
		}
		if obj["hemoglobin"] != 13.5 {
			t.Errorf("hemoglobin = %v", obj["hemoglobin"])
		}
	})

	t.Run("null strings and empty values dropped", func(t *testing.T) {
		obj, err := e.LenientParse(`{"a": "null", "b": "", "c": null, "d": "kept"}`)
		if err != nil {
			t.Fatalf("LenientParse: %v", err)
		}
		for _, key := range []string{"a", "b", "c"} {
			if _, ok := obj[key]; ok {
				t.Errorf("key %q should be dropped", key)
			}
		}
		if obj["d"] != "kept" {
			t.Errorf("d = %v", obj["d"])
		}
	})

	t.Run("trailing commas stripped", func(t *testing.T) {
		obj, err := e.LenientParse(`{"values": [1, 2, 3,], "last": true,}`)
		if err != nil {
			t.Fatalf("LenientParse: %v", err)
		}
		if obj["last"] != true {
			t.Errorf("last = %v", obj["last"])
		}
	})

	t.Run("nested objects normalized", func(t *testing.T) {
		obj, err := e.LenientParse(`{"panel": {"glucose": "92"}, "rows": [{"value": "1,2"}]}`)
		if err != nil {
			t.Fatalf("LenientParse: %v", err)
		}
		panel := obj["panel"].(map[string]any)
		if panel["glucose"] != float64(92) {
			t.Errorf("glucose = %v", panel["glucose"])
		}
		row := obj["rows"].([]any)[0].(map[string]any)
		if row["value"] != 1.2 {
			t.Errorf("value = %v", row["value"])
		}
	})

	t.Run("unsalvageable text fails with step", func(t *testing.T) {
		_, err := e.LenientParse("no braces here")
		var extErr *domain.ExtractionError
		if !errors.As(err, &extErr) {
			t.Fatalf("error = %v", err)
		}
		if extErr.Step != StepLenient {
			t.Errorf("step = %q, want %q", extErr.Step, StepLenient)
		}
	})
}

func TestExtractionErrorPreviewBounded(t *testing.T) {
	e := NewJSONExtractor()
	long := "garbage " + string(make([]byte, 4096))

	_, err := e.Extract(long)
	var extErr *domain.ExtractionError
	if !errors.As(err, &extErr) {
		t.Fatalf("error = %v", err)
	}
	if len(extErr.Preview) > 243 {
		t.Errorf("preview length = %d, want bounded", len(extErr.Preview))
	}
}
