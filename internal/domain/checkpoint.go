package domain

import (
	"context"
	"time"
)

// PhaseSnapshot is the engine state captured at a phase boundary.
type PhaseSnapshot struct {
	Query         string           `json:"query"`
	OriginalQuery string           `json:"originalQuery"`
	Plan          *AgentPlan       `json:"plan,omitempty"`
	Analysis      *AgentAnalysis   `json:"analysis,omitempty"`
	Response      *AgentResponse   `json:"response,omitempty"`
	Iteration     int              `json:"iterationCount"`
	Steps         []StepLog        `json:"steps,omitempty"`
	ToolCalls     []ToolCallRecord `json:"toolCalls,omitempty"`
	Sources       []Source         `json:"sources,omitempty"`
}

// Checkpoint is a durable snapshot of in-progress engine state.
type Checkpoint struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"sessionId"`
	Step        int           `json:"step"`
	Phase       Phase         `json:"phase"`
	Context     PhaseSnapshot `json:"context"`
	ToolResults []ToolResult  `json:"toolResults,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	ExpiresAt   time.Time     `json:"ttl"`
}

// Expired reports whether the checkpoint is past its TTL at now.
func (c *Checkpoint) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// ResumeContext is the rehydrated state handed to a resume continuation.
type ResumeContext struct {
	SessionID   string           `json:"sessionId"`
	Step        int              `json:"step"`
	Phase       Phase            `json:"phase"`
	Query       string           `json:"query"`
	OrigQuery   string           `json:"originalQuery"`
	Plan        *AgentPlan       `json:"plan,omitempty"`
	ToolResults []ToolResult     `json:"toolResults,omitempty"`
	Analysis    *AgentAnalysis   `json:"analysis,omitempty"`
	Response    *AgentResponse   `json:"response,omitempty"`
	Iteration   int              `json:"iterationCount"`
	Steps       []StepLog        `json:"steps,omitempty"`
	ToolCalls   []ToolCallRecord `json:"toolCalls,omitempty"`
	Sources     []Source         `json:"sources,omitempty"`
	ResumedFrom string           `json:"resumedFrom"`
	ResumedAt   time.Time        `json:"resumedAt"`
}

// CheckpointStore is the best-effort persistence collaborator.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	// Load returns (nil, nil) when no checkpoint with id exists.
	Load(ctx context.Context, id string) (*Checkpoint, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// SessionCheckpointLister is implemented by stores that can enumerate a
// session's checkpoints, which lets "latest" lookups survive a restart.
type SessionCheckpointLister interface {
	LoadSession(ctx context.Context, sessionID string) ([]Checkpoint, error)
}

// CheckpointPurger is implemented by stores that can drop expired entries
// in bulk.
type CheckpointPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}
