package checkpoint

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"discovery-agent/internal/domain"
	"discovery-agent/internal/infra/tracer"
)

// Continuation resumes work from a rehydrated context. Returning nil marks
// the resume as complete and the checkpoint is deleted.
type Continuation func(ctx context.Context, rc *domain.ResumeContext) error

// Resumer rebuilds engine state from checkpoints.
type Resumer struct {
	manager *Manager
	logger  *slog.Logger
	now     func() time.Time
}

// NewResumer creates a Resumer backed by m.
func NewResumer(m *Manager, logger *slog.Logger) *Resumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resumer{manager: m, logger: logger, now: time.Now}
}

// ResumeFromCheckpoint loads checkpoint id, hands its context to cont and
// deletes the checkpoint when cont succeeds. A missing or expired checkpoint
// fails with domain.ErrCheckpointNotFound.
func (r *Resumer) ResumeFromCheckpoint(ctx context.Context, id string, cont Continuation) error {
	ctx, span := tracer.StartSpan(ctx, "checkpoint.resume",
		trace.WithAttributes(tracer.StringAttr("checkpoint.id", id)),
	)
	defer span.End()

	cp, err := r.manager.GetCheckpoint(ctx, id)
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	return r.resume(ctx, span, cp, cont)
}

// ResumeFromLatest resumes the most advanced live checkpoint of a session.
func (r *Resumer) ResumeFromLatest(ctx context.Context, sessionID string, cont Continuation) error {
	ctx, span := tracer.StartSpan(ctx, "checkpoint.resume",
		trace.WithAttributes(tracer.StringAttr("session.id", sessionID)),
	)
	defer span.End()

	cp, err := r.manager.GetLatestCheckpoint(ctx, sessionID)
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	return r.resume(ctx, span, cp, cont)
}

func (r *Resumer) resume(ctx context.Context, span trace.Span, cp *domain.Checkpoint, cont Continuation) error {
	rc := BuildResumeContext(cp, r.now())
	span.SetAttributes(
		tracer.StringAttr("session.id", cp.SessionID),
		tracer.StringAttr("checkpoint.phase", string(cp.Phase)),
	)

	r.logger.Info("resuming from checkpoint",
		"checkpoint_id", cp.ID,
		"session_id", cp.SessionID,
		"phase", cp.Phase,
		"step", cp.Step,
	)
	r.manager.publish(ctx, domain.EventCheckpointResumed, cp.SessionID, map[string]any{
		"checkpoint_id": cp.ID,
		"phase":         cp.Phase,
		"step":          cp.Step,
	})

	if err := cont(ctx, rc); err != nil {
		tracer.RecordError(span, err)
		r.logger.Warn("resume continuation failed, keeping checkpoint",
			"checkpoint_id", cp.ID, "error", err)
		return err
	}

	r.manager.DeleteCheckpoint(ctx, cp.ID)
	tracer.SetOK(span)
	return nil
}

// BuildResumeContext converts a checkpoint into the continuation input.
func BuildResumeContext(cp *domain.Checkpoint, now time.Time) *domain.ResumeContext {
	snap := cp.Context
	query := snap.Query
	if query == "" {
		query = snap.OriginalQuery
	}
	orig := snap.OriginalQuery
	if orig == "" {
		orig = query
	}
	return &domain.ResumeContext{
		SessionID:   cp.SessionID,
		Step:        cp.Step,
		Phase:       cp.Phase,
		Query:       query,
		OrigQuery:   orig,
		Plan:        snap.Plan,
		ToolResults: cp.ToolResults,
		Analysis:    snap.Analysis,
		Response:    snap.Response,
		Iteration:   snap.Iteration,
		Steps:       snap.Steps,
		ToolCalls:   snap.ToolCalls,
		Sources:     snap.Sources,
		ResumedFrom: cp.ID,
		ResumedAt:   now,
	}
}
