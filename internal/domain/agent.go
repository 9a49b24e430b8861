package domain

import (
	"encoding/json"
	"time"
)

// Phase is one stage of the reasoning state machine.
type Phase string

const (
	PhasePlan    Phase = "plan"
	PhaseExecute Phase = "execute"
	PhaseAnalyze Phase = "analyze"
	PhaseIterate Phase = "iterate"
	PhaseRespond Phase = "respond"
	PhaseDone    Phase = "done"
)

// PlannedTool is one tool invocation proposed by the Plan phase.
type PlannedTool struct {
	Name      string          `json:"name"`
	Params    json.RawMessage `json:"params,omitempty"`
	Rationale string          `json:"rationale,omitempty"`
}

// AgentPlan is the artifact of the Plan phase.
type AgentPlan struct {
	Steps             []string      `json:"steps"`
	Tools             []PlannedTool `json:"tools"`
	ExpectedGaps      []string      `json:"expectedGaps,omitempty"`
	Complexity        int           `json:"complexity"`
	EstimatedDuration string        `json:"estimatedDuration,omitempty"`
}

// AgentAnalysis is the artifact of the Analyze phase.
type AgentAnalysis struct {
	Synthesis     string   `json:"synthesis"`
	Gaps          []string `json:"gaps,omitempty"`
	NeedsMoreInfo bool     `json:"needsMoreInfo"`
	RefinedQuery  string   `json:"refinedQuery,omitempty"`
	Confidence    int      `json:"confidence"`
	KeyFindings   []string `json:"keyFindings,omitempty"`
}

// Source is a citable item gathered from tool output.
type Source struct {
	Title     string   `json:"title"`
	URL       string   `json:"url,omitempty"`
	Authors   []string `json:"authors,omitempty"`
	Year      string   `json:"year,omitempty"`
	Relevance int      `json:"relevance"`
	Type      string   `json:"type"`
}

// AgentResponse is the terminal artifact of the Respond phase.
type AgentResponse struct {
	Answer          string   `json:"answer"`
	Sources         []Source `json:"sources,omitempty"`
	KeyFindings     []string `json:"keyFindings,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Confidence      int      `json:"confidence"`
}

// StepLog is one entry of the ordered phase trace.
type StepLog struct {
	Phase       Phase         `json:"phase"`
	Description string        `json:"description"`
	Data        any           `json:"data,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	Duration    time.Duration `json:"duration"`
}

// ResultMetadata summarises a run.
type ResultMetadata struct {
	SessionID     string `json:"sessionId"`
	Iterations    int    `json:"iterations"`
	ToolCallCount int    `json:"toolCallCount"`
	Confidence    int    `json:"confidence"`
	ResumedFrom   string `json:"resumedFrom,omitempty"`
}

// AgentResult is the sole external output of the reasoning engine.
type AgentResult struct {
	Success   bool             `json:"success"`
	Response  string           `json:"response"`
	Sources   []Source         `json:"sources"`
	ToolCalls []ToolCallRecord `json:"toolCalls"`
	Steps     []StepLog        `json:"steps"`
	Duration  time.Duration    `json:"duration"`
	Error     string           `json:"error,omitempty"`
	Metadata  ResultMetadata   `json:"metadata"`
}

// StatusUpdate is a progress record emitted at every phase transition.
type StatusUpdate struct {
	Step      int       `json:"step"`
	Phase     Phase     `json:"phase"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusFunc observes status updates. It must not block for long; it never
// influences control flow.
type StatusFunc func(StatusUpdate)
