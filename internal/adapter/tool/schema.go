package tool

import (
	"sort"

	"discovery-agent/internal/domain"
)

// genericParamDescription is used for parameters whose kind is not recognised.
const genericParamDescription = "Parameter value"

// functionDeclaration converts a tool declaration into the generic
// function-calling shape. It never fails.
func functionDeclaration(decl domain.ToolDeclaration) domain.FunctionDeclaration {
	props, required := objectProperties(decl.Schema.Properties)
	return domain.FunctionDeclaration{
		Name:        decl.Name,
		Description: decl.Description,
		Parameters: domain.FunctionParameters{
			Type:       string(domain.KindObject),
			Properties: props,
			Required:   required,
		},
	}
}

func objectProperties(fields map[string]*domain.ParamSchema) (map[string]map[string]any, []string) {
	props := make(map[string]map[string]any, len(fields))
	var required []string
	for name, f := range fields {
		props[name] = paramJSONSchema(f)
		if f != nil && f.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return props, required
}

// paramJSONSchema renders one ParamSchema node as a JSON Schema fragment.
func paramJSONSchema(p *domain.ParamSchema) map[string]any {
	if p == nil {
		return map[string]any{"type": string(domain.KindString), "description": genericParamDescription}
	}

	var out map[string]any
	switch p.Kind {
	case domain.KindString, domain.KindNumber, domain.KindInteger, domain.KindBoolean:
		out = map[string]any{"type": string(p.Kind)}
	case domain.KindArray:
		out = map[string]any{"type": string(domain.KindArray)}
		if p.Items != nil {
			out["items"] = paramJSONSchema(p.Items)
		}
	case domain.KindObject:
		props, required := objectProperties(p.Properties)
		out = map[string]any{"type": string(domain.KindObject), "properties": props}
		if len(required) > 0 {
			out["required"] = required
		}
	default:
		return map[string]any{"type": string(domain.KindString), "description": genericParamDescription}
	}

	if p.Description != "" {
		out["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		out["enum"] = p.Enum
	}
	if p.Minimum != nil {
		out["minimum"] = *p.Minimum
	}
	if p.Maximum != nil {
		out["maximum"] = *p.Maximum
	}
	return out
}
