// Package extract turns raw model output into validated structured data.
package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"relaygate/internal/domain"
)

// Extraction step names carried on ExtractionError.
const (
	StepJSONParse   = "json_parse"
	StepSchemaCheck = "schema_validation"
	StepLenient     = "lenient_parse"
)

var codeBlockRe = regexp.MustCompile("```(?:json)?\\s*\\n([\\s\\S]*?)\\n```")

// JSONExtractor parses model output into a JSON object and validates it
// against a schema. It is pure: no I/O, no provider calls, so every failure
// mode is unit-testable with plain strings.
type JSONExtractor struct{}

// NewJSONExtractor creates a JSON extractor.
func NewJSONExtractor() *JSONExtractor {
	return &JSONExtractor{}
}

// Extract locates and parses the JSON object in content. Models wrap JSON in
// markdown fences or chat around it; both are stripped before parsing.
func (e *JSONExtractor) Extract(content string) (map[string]any, error) {
	candidate := locateJSON(content)

	var parsed any
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		return nil, domain.NewExtractionError(StepJSONParse, err, content)
	}

	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, domain.NewExtractionError(StepJSONParse,
			fmt.Errorf("top-level value is %T, not an object", parsed), content)
	}
	return obj, nil
}

// ExtractAndValidate parses content and validates the result against schema.
// A nil schema skips validation.
func (e *JSONExtractor) ExtractAndValidate(content string, schema map[string]any) (map[string]any, error) {
	obj, err := e.Extract(content)
	if err != nil {
		return nil, err
	}

	if schema == nil {
		return obj, nil
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	documentLoader := gojsonschema.NewGoLoader(obj)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, domain.NewExtractionError(StepSchemaCheck, err, content)
	}

	if !result.Valid() {
		var errs []string
		for _, verr := range result.Errors() {
			errs = append(errs, verr.String())
		}
		return nil, domain.NewExtractionError(StepSchemaCheck,
			fmt.Errorf("schema violations: %s", strings.Join(errs, "; ")), content)
	}

	return obj, nil
}

// LenientParse is the salvage path after validation retries are exhausted: it
// parses the object without schema enforcement and normalizes the values that
// models most often get wrong, so the caller still gets usable fields flagged
// as unvalidated.
func (e *JSONExtractor) LenientParse(content string) (map[string]any, error) {
	candidate := locateJSON(content)
	candidate = stripTrailingCommas(candidate)

	var obj map[string]any
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
		return nil, domain.NewExtractionError(StepLenient, err, content)
	}

	normalizeValues(obj)
	return obj, nil
}

// locateJSON extracts the JSON payload from markdown fences or mixed text.
// The original content comes back unchanged when no candidate parses, so the
// parse error reports against what the model actually said.
func locateJSON(content string) string {
	if matches := codeBlockRe.FindStringSubmatch(content); len(matches) > 1 {
		extracted := strings.TrimSpace(matches[1])
		var test any
		if err := json.Unmarshal([]byte(extracted), &test); err == nil {
			return extracted
		}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		extracted := content[start : end+1]
		var test any
		if err := json.Unmarshal([]byte(extracted), &test); err == nil {
			return extracted
		}
		// Even an unparseable slice beats fenced prose for the lenient path.
		if strings.TrimSpace(content) != extracted {
			return extracted
		}
	}

	return content
}

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

func stripTrailingCommas(s string) string {
	return trailingCommaRe.ReplaceAllString(s, "$1")
}

var numericStringRe = regexp.MustCompile(`^-?\d+(?:[.,]\d+)?$`)

// normalizeValues repairs the common model mistakes in place: numeric values
// quoted as strings (including comma decimal separators), "null" strings, and
// nested objects with the same issues.
func normalizeValues(obj map[string]any) {
	for key, value := range obj {
		switch v := value.(type) {
		case string:
			trimmed := strings.TrimSpace(v)
			if trimmed == "" || strings.EqualFold(trimmed, "null") {
				delete(obj, key)
				continue
			}
			if numericStringRe.MatchString(trimmed) {
				if f, err := strconv.ParseFloat(strings.ReplaceAll(trimmed, ",", "."), 64); err == nil {
					obj[key] = f
				}
			}
		case map[string]any:
			normalizeValues(v)
		case []any:
			for _, item := range v {
				if m, ok := item.(map[string]any); ok {
					normalizeValues(m)
				}
			}
		case nil:
			delete(obj, key)
		}
	}
}
