package tool

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discovery-agent/internal/domain"
)

func TestToFunctionDeclarations(t *testing.T) {
	reg := NewRegistry(nopLogger())
	require.NoError(t, reg.Register(domain.ToolDeclaration{
		Name:        "patents",
		Description: "patent lookup",
		Schema: domain.Object(map[string]*domain.ParamSchema{
			"query":   domain.String("terms", true),
			"office":  domain.String("patent office", false, "US", "EP"),
			"tags":    domain.Array("tags", false, domain.String("tag", false)),
			"filters": {Kind: domain.KindObject, Properties: map[string]*domain.ParamSchema{"year": domain.Integer("year", true)}},
			"weird":   {Kind: "tensor", Description: "ignored"},
		}),
		Handler: echoTool("x").Handler,
	}))
	require.NoError(t, reg.Register(echoTool("arxiv")))

	decls := reg.ToFunctionDeclarations()
	require.Len(t, decls, 2)
	assert.Equal(t, "arxiv", decls[0].Name, "sorted by name")

	fd := decls[1]
	assert.Equal(t, "patents", fd.Name)
	assert.Equal(t, "object", fd.Parameters.Type)
	assert.Equal(t, []string{"query"}, fd.Parameters.Required)

	props := fd.Parameters.Properties
	assert.Equal(t, "string", props["query"]["type"])
	assert.Equal(t, []string{"US", "EP"}, props["office"]["enum"])
	assert.Equal(t, "array", props["tags"]["type"])
	assert.Equal(t, map[string]any{"type": "string", "description": "tag"}, props["tags"]["items"])

	filters := props["filters"]
	assert.Equal(t, "object", filters["type"])
	assert.Equal(t, []string{"year"}, filters["required"])

	assert.Equal(t, map[string]any{"type": "string", "description": genericParamDescription}, props["weird"])
}

func TestFunctionDeclarationIsValidJSONSchema(t *testing.T) {
	fd := functionDeclaration(echoTool("search"))
	raw, err := json.Marshal(fd.Parameters)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type":"object",
		"properties":{
			"query":{"type":"string","description":"search query"},
			"limit":{"type":"integer","description":"max results","minimum":1,"maximum":50}
		},
		"required":["query"]
	}`, string(raw))

	_, err = compileParamSchema(fd)
	require.NoError(t, err)
}

func TestNestedFieldErrors(t *testing.T) {
	reg := NewRegistry(nopLogger())
	require.NoError(t, reg.Register(domain.ToolDeclaration{
		Name: "nested",
		Schema: domain.Object(map[string]*domain.ParamSchema{
			"filters": {Kind: domain.KindObject, Required: true, Properties: map[string]*domain.ParamSchema{
				"year": domain.Integer("year", true),
			}},
		}),
		Handler: echoTool("x").Handler,
	}))

	res := reg.Validate("nested", json.RawMessage(`{"filters":{}}`))
	require.False(t, res.Valid)
	require.Len(t, res.Fields, 1)
	assert.Equal(t, "filters.year", res.Fields[0].Field)
}

func TestPointerToField(t *testing.T) {
	assert.Equal(t, "", pointerToField(""))
	assert.Equal(t, "query", pointerToField("/query"))
	assert.Equal(t, "filters[0].year", pointerToField("/filters/0/year"))
	assert.Equal(t, "a/b", pointerToField("/a~1b"))
}
