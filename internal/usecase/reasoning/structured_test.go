package reasoning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discovery-agent/internal/domain"
)

func TestParseStructured(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"plain", `{"synthesis":"s","needsMoreInfo":false,"confidence":60}`, false},
		{"fenced", "```json\n{\"synthesis\":\"s\",\"needsMoreInfo\":true,\"confidence\":10}\n```", false},
		{"prose around", `Sure! {"synthesis":"s","needsMoreInfo":false,"confidence":0} Hope that helps.`, false},
		{"missing field", `{"synthesis":"s","confidence":60}`, true},
		{"confidence out of range", `{"synthesis":"s","needsMoreInfo":false,"confidence":140}`, true},
		{"wrong type", `{"synthesis":"s","needsMoreInfo":"yes","confidence":60}`, true},
		{"no object", `I could not decide.`, true},
		{"broken json", `{"synthesis": "s",`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseStructured[domain.AgentAnalysis](tt.raw, analysisSchema)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "s", got.Synthesis)
		})
	}
}

func TestParseStructuredPlan(t *testing.T) {
	raw := `{"steps":["a","b"],"tools":[{"name":"search","params":{"query":"x"}}],"complexity":10,"estimatedDuration":"2m"}`
	plan, err := parseStructured[domain.AgentPlan](raw, planSchema)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, plan.Steps)
	assert.Equal(t, "search", plan.Tools[0].Name)
	assert.JSONEq(t, `{"query":"x"}`, string(plan.Tools[0].Params))
	assert.Equal(t, "2m", plan.EstimatedDuration)

	_, err = parseStructured[domain.AgentPlan](`{"steps":[],"tools":[{"rationale":"no name"}]}`, planSchema)
	assert.Error(t, err)
}

func TestParseStructuredResponse(t *testing.T) {
	raw := `{"answer":"33.7%","confidence":88,"sources":[{"title":"SQ limit","relevance":95,"type":"paper"}],"recommendations":["read it"]}`
	resp, err := parseStructured[domain.AgentResponse](raw, responseSchema)
	require.NoError(t, err)
	assert.Equal(t, "33.7%", resp.Answer)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, 95, resp.Sources[0].Relevance)

	_, err = parseStructured[domain.AgentResponse](`{"answer":"","confidence":50}`, responseSchema)
	assert.Error(t, err, "empty answer rejected")
}

func TestStripCodeFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripCodeFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFences("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFences(`  {"a":1}  `))
}
