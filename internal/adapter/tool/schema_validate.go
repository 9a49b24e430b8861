package tool

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"discovery-agent/internal/domain"
)

// paramValidator checks call params against a tool's compiled JSON Schema.
type paramValidator struct {
	schema *jsonschema.Schema
}

// compileParamSchema compiles the JSON Schema of a function declaration.
func compileParamSchema(fd domain.FunctionDeclaration) (*paramValidator, error) {
	raw, err := json.Marshal(fd.Parameters)
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %q: %w", fd.Name, err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", fd.Name, err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", fd.Name, err)
	}
	return &paramValidator{schema: compiled}, nil
}

// validate returns the failing fields of params, or nil when they conform.
func (v *paramValidator) validate(params json.RawMessage) []domain.FieldError {
	if len(bytes.TrimSpace(params)) == 0 {
		params = json.RawMessage(`{}`)
	}

	var doc any
	if err := json.Unmarshal(params, &doc); err != nil {
		return []domain.FieldError{{Reason: fmt.Sprintf("invalid JSON: %v", err)}}
	}
	if v == nil || v.schema == nil {
		return nil
	}

	err := v.schema.Validate(doc)
	if err == nil {
		return nil
	}

	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []domain.FieldError{{Reason: err.Error()}}
	}
	fields := leafFieldErrors(ve, nil)
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
	return fields
}

// leafFieldErrors flattens a validation error tree into one entry per failing field.
func leafFieldErrors(ve *jsonschema.ValidationError, out []domain.FieldError) []domain.FieldError {
	if len(ve.Causes) > 0 {
		for _, c := range ve.Causes {
			out = leafFieldErrors(c, out)
		}
		return out
	}

	field := pointerToField(ve.InstanceLocation)
	if missing, ok := strings.CutPrefix(ve.Message, "missing properties: "); ok {
		for _, name := range strings.Split(missing, ",") {
			name = strings.Trim(strings.TrimSpace(name), "'")
			out = append(out, domain.FieldError{Field: joinField(field, name), Reason: "is required"})
		}
		return out
	}
	return append(out, domain.FieldError{Field: field, Reason: ve.Message})
}

// pointerToField turns a JSON pointer such as "/filters/0/year" into "filters[0].year".
func pointerToField(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return ""
	}
	var b strings.Builder
	for i, seg := range strings.Split(ptr, "/") {
		seg = strings.ReplaceAll(strings.ReplaceAll(seg, "~1", "/"), "~0", "~")
		if isIndex(seg) {
			b.WriteString("[" + seg + "]")
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}

func joinField(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
