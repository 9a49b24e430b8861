package reasoning

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonschema"
)

const planSchemaJSON = `{
  "type": "object",
  "required": ["steps", "tools"],
  "properties": {
    "steps": {"type": "array", "items": {"type": "string"}},
    "tools": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "params": {"type": "object"},
          "rationale": {"type": "string"}
        }
      }
    },
    "expectedGaps": {"type": "array", "items": {"type": "string"}},
    "complexity": {"type": "integer", "minimum": 1, "maximum": 10},
    "estimatedDuration": {"type": "string"}
  }
}`

const analysisSchemaJSON = `{
  "type": "object",
  "required": ["synthesis", "needsMoreInfo", "confidence"],
  "properties": {
    "synthesis": {"type": "string"},
    "gaps": {"type": "array", "items": {"type": "string"}},
    "needsMoreInfo": {"type": "boolean"},
    "refinedQuery": {"type": "string"},
    "confidence": {"type": "integer", "minimum": 0, "maximum": 100},
    "keyFindings": {"type": "array", "items": {"type": "string"}}
  }
}`

const responseSchemaJSON = `{
  "type": "object",
  "required": ["answer", "confidence"],
  "properties": {
    "answer": {"type": "string", "minLength": 1},
    "sources": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["title"],
        "properties": {
          "title": {"type": "string"},
          "url": {"type": "string"},
          "authors": {"type": "array", "items": {"type": "string"}},
          "year": {"type": "string"},
          "relevance": {"type": "integer", "minimum": 0, "maximum": 100},
          "type": {"type": "string"}
        }
      }
    },
    "keyFindings": {"type": "array", "items": {"type": "string"}},
    "recommendations": {"type": "array", "items": {"type": "string"}},
    "confidence": {"type": "integer", "minimum": 0, "maximum": 100}
  }
}`

var (
	planSchema     = mustCompile(planSchemaJSON)
	analysisSchema = mustCompile(analysisSchemaJSON)
	responseSchema = mustCompile(responseSchemaJSON)
)

func mustCompile(src string) *jsonschema.Schema {
	s, err := jsonschema.NewCompiler().Compile([]byte(src))
	if err != nil {
		panic(fmt.Sprintf("reasoning: compile schema: %v", err))
	}
	return s
}

// parseStructured decodes model output into T after validating it against
// schema. Markdown fences and surrounding prose are tolerated.
func parseStructured[T any](raw string, schema *jsonschema.Schema) (T, error) {
	var out T
	body := extractJSONObject(stripCodeFences(raw))
	if body == "" {
		return out, fmt.Errorf("no JSON object in model output")
	}

	var instance any
	if err := json.Unmarshal([]byte(body), &instance); err != nil {
		return out, fmt.Errorf("parse model output: %w", err)
	}
	if result := schema.Validate(instance); !result.IsValid() {
		return out, fmt.Errorf("schema validation: %s", result.Error())
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return out, fmt.Errorf("decode model output: %w", err)
	}
	return out, nil
}

// codeFenceRe matches markdown code fences wrapping JSON.
var codeFenceRe = regexp.MustCompile(`(?si)^` + "```" + `(?:json)?\s*(.*?)\s*` + "```" + `$`)

// stripCodeFences removes markdown code fences if the model wrapped its output.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}

// extractJSONObject returns the outermost {...} span of s.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
