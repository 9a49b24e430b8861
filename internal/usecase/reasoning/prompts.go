package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"

	"discovery-agent/internal/domain"
)

// maxResultChars bounds how much of each tool result is quoted in a prompt.
const maxResultChars = 4000

func planPrompt(query string, iteration int, prior *domain.AgentAnalysis, tools []domain.FunctionDeclaration) string {
	var b strings.Builder
	b.WriteString("You are a research planning assistant. Plan the tool calls needed to answer the query.\n\n")
	fmt.Fprintf(&b, "Query: %s\n", query)
	if iteration > 0 {
		fmt.Fprintf(&b, "This is refinement pass %d.\n", iteration)
		if prior != nil && len(prior.Gaps) > 0 {
			fmt.Fprintf(&b, "Known gaps to close: %s\n", strings.Join(prior.Gaps, "; "))
		}
	}

	b.WriteString("\nAvailable tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}

	b.WriteString(`
Either call the tools directly, or reply with a JSON object:
{"steps": [string], "tools": [{"name": string, "params": object, "rationale": string}],
 "expectedGaps": [string], "complexity": 1-10, "estimatedDuration": string}
`)
	return b.String()
}

func analyzePrompt(query string, results []domain.ToolResult, expectedGaps []string) string {
	var b strings.Builder
	b.WriteString("You are a research analyst. Synthesize the tool results below.\n\n")
	fmt.Fprintf(&b, "Query: %s\n", query)
	if len(expectedGaps) > 0 {
		fmt.Fprintf(&b, "Expected gaps: %s\n", strings.Join(expectedGaps, "; "))
	}

	b.WriteString("\nTool results:\n")
	for _, r := range results {
		if r.Success {
			fmt.Fprintf(&b, "[%s] %s\n", r.ToolName, quoteData(r.Data))
		} else {
			fmt.Fprintf(&b, "[%s] failed: %s\n", r.ToolName, r.Error)
		}
	}

	b.WriteString(`
Reply with a JSON object only:
{"synthesis": string, "gaps": [string], "needsMoreInfo": boolean,
 "refinedQuery": string, "confidence": 0-100, "keyFindings": [string]}
`)
	return b.String()
}

func respondPrompt(query string, analysis *domain.AgentAnalysis, sources []domain.Source) string {
	var b strings.Builder
	b.WriteString("You are a research assistant. Write the final answer with citations.\n\n")
	fmt.Fprintf(&b, "Query: %s\n", query)
	if analysis != nil {
		fmt.Fprintf(&b, "Analysis: %s\n", analysis.Synthesis)
		if len(analysis.KeyFindings) > 0 {
			fmt.Fprintf(&b, "Key findings: %s\n", strings.Join(analysis.KeyFindings, "; "))
		}
	}

	if len(sources) > 0 {
		b.WriteString("\nSources:\n")
		for i, s := range sources {
			fmt.Fprintf(&b, "%d. %s", i+1, s.Title)
			if s.URL != "" {
				fmt.Fprintf(&b, " <%s>", s.URL)
			}
			b.WriteByte('\n')
		}
	}

	b.WriteString(`
Reply with a JSON object only:
{"answer": string, "sources": [{"title": string, "url": string, "authors": [string],
 "year": string, "relevance": 0-100, "type": string}], "keyFindings": [string],
 "recommendations": [string], "confidence": 0-100}
`)
	return b.String()
}

func quoteData(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	s := string(data)
	if len(s) > maxResultChars {
		s = s[:maxResultChars] + "..."
	}
	return s
}
