// Package checkpoint snapshots reasoning state at phase boundaries and
// rebuilds it on resume.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"discovery-agent/internal/domain"
	"discovery-agent/internal/infra/tracer"
)

// DefaultTTL is how long a checkpoint stays resumable.
const DefaultTTL = 24 * time.Hour

// Durability reports where a checkpoint ended up.
type Durability string

const (
	// DurabilityMemoryOnly means no store is configured.
	DurabilityMemoryOnly Durability = "memory-only"
	// DurabilityPersisted means the store accepted the checkpoint.
	DurabilityPersisted Durability = "persisted"
	// DurabilityDegraded means the store rejected it; only memory holds it.
	DurabilityDegraded Durability = "degraded"
)

// Manager keeps checkpoints in memory and mirrors them to an optional store.
type Manager struct {
	mu          sync.RWMutex
	checkpoints map[string]*domain.Checkpoint

	store  domain.CheckpointStore
	bus    domain.EventBus
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore mirrors checkpoints to s on a best-effort basis.
func WithStore(s domain.CheckpointStore) Option {
	return func(m *Manager) { m.store = s }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithEventBus publishes checkpoint lifecycle events on bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(m *Manager) { m.bus = bus }
}

// NewManager creates a checkpoint manager.
func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		checkpoints: make(map[string]*domain.Checkpoint),
		ttl:         DefaultTTL,
		logger:      logger,
		now:         time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// TTL returns the configured time-to-live.
func (m *Manager) TTL() time.Duration { return m.ttl }

// CreateCheckpoint records a snapshot. Persistence failures are logged and
// reported through the returned Durability, never raised.
func (m *Manager) CreateCheckpoint(
	ctx context.Context,
	sessionID string,
	step int,
	phase domain.Phase,
	snapshot domain.PhaseSnapshot,
	toolResults []domain.ToolResult,
) (domain.Checkpoint, Durability) {
	ctx, span := tracer.StartSpan(ctx, "checkpoint.create",
		trace.WithAttributes(
			tracer.StringAttr("session.id", sessionID),
			tracer.StringAttr("checkpoint.phase", string(phase)),
			tracer.IntAttr("checkpoint.step", step),
		),
	)
	defer span.End()

	now := m.now()
	cp := domain.Checkpoint{
		ID:          "cp_" + domain.NewID(),
		SessionID:   sessionID,
		Step:        step,
		Phase:       phase,
		Context:     snapshot,
		ToolResults: toolResults,
		Timestamp:   now,
		ExpiresAt:   now.Add(m.ttl),
	}

	// Deep copy through JSON so later mutation of the caller's slices
	// cannot leak into the stored snapshot.
	stored, err := cloneCheckpoint(cp)
	if err != nil {
		m.logger.Warn("checkpoint snapshot not serialisable, storing shallow copy",
			"checkpoint_id", cp.ID, "error", err)
		stored = &cp
	}

	m.mu.Lock()
	m.checkpoints[cp.ID] = stored
	m.mu.Unlock()

	durability := DurabilityMemoryOnly
	if m.store != nil {
		if err := m.store.Save(ctx, *stored); err != nil {
			durability = DurabilityDegraded
			tracer.RecordError(span, err)
			m.logger.Warn("checkpoint persistence failed, continuing in memory",
				"checkpoint_id", cp.ID, "session_id", sessionID, "error", err)
		} else {
			durability = DurabilityPersisted
		}
	}
	span.SetAttributes(tracer.StringAttr("checkpoint.durability", string(durability)))
	tracer.SetOK(span)

	m.logger.Debug("checkpoint created",
		"checkpoint_id", cp.ID,
		"session_id", sessionID,
		"phase", phase,
		"step", step,
		"durability", durability,
	)
	m.publish(ctx, domain.EventCheckpointSaved, sessionID, map[string]any{
		"checkpoint_id": cp.ID,
		"phase":         phase,
		"step":          step,
		"durability":    durability,
	})
	return cp, durability
}

// GetCheckpoint returns a live checkpoint by id, falling back to the store.
// Expired entries are evicted and reported as not found.
func (m *Manager) GetCheckpoint(ctx context.Context, id string) (*domain.Checkpoint, error) {
	now := m.now()

	m.mu.RLock()
	cp, ok := m.checkpoints[id]
	m.mu.RUnlock()

	if ok {
		if cp.Expired(now) {
			m.evict(ctx, id)
			return nil, notFound(id)
		}
		out := *cp
		return &out, nil
	}

	if m.store == nil {
		return nil, notFound(id)
	}
	loaded, err := m.store.Load(ctx, id)
	if err != nil {
		m.logger.Warn("checkpoint store load failed", "checkpoint_id", id, "error", err)
		return nil, fmt.Errorf("load checkpoint %s: %w: %w", id, domain.ErrStoreUnavailable, err)
	}
	if loaded == nil {
		return nil, notFound(id)
	}
	if loaded.Expired(now) {
		m.evict(ctx, id)
		return nil, notFound(id)
	}

	m.mu.Lock()
	m.checkpoints[id] = loaded
	m.mu.Unlock()
	out := *loaded
	return &out, nil
}

// GetLatestCheckpoint returns the live checkpoint with the highest step for
// a session. Stores implementing domain.SessionCheckpointLister are consulted
// too, so the lookup survives a restart.
func (m *Manager) GetLatestCheckpoint(ctx context.Context, sessionID string) (*domain.Checkpoint, error) {
	all := m.ListSessionCheckpoints(ctx, sessionID)
	if len(all) == 0 {
		return nil, domain.NewSubSystemError("checkpoint", "Manager.GetLatestCheckpoint",
			domain.ErrCheckpointNotFound, "session "+sessionID)
	}
	latest := all[len(all)-1]
	return &latest, nil
}

// ListSessionCheckpoints returns the live checkpoints of a session ordered
// by step, then timestamp.
func (m *Manager) ListSessionCheckpoints(ctx context.Context, sessionID string) []domain.Checkpoint {
	now := m.now()
	byID := make(map[string]domain.Checkpoint)
	var expired []string

	m.mu.RLock()
	for id, cp := range m.checkpoints {
		if cp.SessionID != sessionID {
			continue
		}
		if cp.Expired(now) {
			expired = append(expired, id)
			continue
		}
		byID[id] = *cp
	}
	m.mu.RUnlock()

	if lister, ok := m.store.(domain.SessionCheckpointLister); ok {
		stored, err := lister.LoadSession(ctx, sessionID)
		if err != nil {
			m.logger.Warn("checkpoint store session lookup failed", "session_id", sessionID, "error", err)
		}
		for _, cp := range stored {
			if _, seen := byID[cp.ID]; seen {
				continue
			}
			if cp.Expired(now) {
				expired = append(expired, cp.ID)
				continue
			}
			byID[cp.ID] = cp
		}
	}

	for _, id := range expired {
		m.evict(ctx, id)
	}

	out := make([]domain.Checkpoint, 0, len(byID))
	for _, cp := range byID {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Step != out[j].Step {
			return out[i].Step < out[j].Step
		}
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DeleteCheckpoint removes a checkpoint from memory and the store.
func (m *Manager) DeleteCheckpoint(ctx context.Context, id string) bool {
	m.mu.Lock()
	_, inMemory := m.checkpoints[id]
	delete(m.checkpoints, id)
	m.mu.Unlock()

	inStore := false
	if m.store != nil {
		ok, err := m.store.Delete(ctx, id)
		if err != nil {
			m.logger.Warn("checkpoint store delete failed", "checkpoint_id", id, "error", err)
		}
		inStore = ok
	}
	return inMemory || inStore
}

// DeleteSessionCheckpoints removes every checkpoint of a session and returns
// how many were removed.
func (m *Manager) DeleteSessionCheckpoints(ctx context.Context, sessionID string) int {
	ids := make(map[string]struct{})

	m.mu.RLock()
	for id, cp := range m.checkpoints {
		if cp.SessionID == sessionID {
			ids[id] = struct{}{}
		}
	}
	m.mu.RUnlock()

	if lister, ok := m.store.(domain.SessionCheckpointLister); ok {
		stored, err := lister.LoadSession(ctx, sessionID)
		if err != nil {
			m.logger.Warn("checkpoint store session lookup failed", "session_id", sessionID, "error", err)
		}
		for _, cp := range stored {
			ids[cp.ID] = struct{}{}
		}
	}

	n := 0
	for id := range ids {
		if m.DeleteCheckpoint(ctx, id) {
			n++
		}
	}
	if n > 0 {
		m.logger.Debug("session checkpoints deleted", "session_id", sessionID, "count", n)
	}
	return n
}

// CleanupExpired drops expired checkpoints from memory and, when supported,
// from the store. It returns the number removed.
func (m *Manager) CleanupExpired(ctx context.Context) int {
	now := m.now()

	m.mu.Lock()
	var expired []string
	for id, cp := range m.checkpoints {
		if cp.Expired(now) {
			expired = append(expired, id)
			delete(m.checkpoints, id)
		}
	}
	m.mu.Unlock()

	n := len(expired)
	if m.store != nil {
		for _, id := range expired {
			if _, err := m.store.Delete(ctx, id); err != nil {
				m.logger.Warn("checkpoint store delete failed", "checkpoint_id", id, "error", err)
			}
		}
		if p, ok := m.store.(domain.CheckpointPurger); ok {
			purged, err := p.PurgeExpired(ctx, now)
			if err != nil {
				m.logger.Warn("checkpoint store purge failed", "error", err)
			}
			n += purged
		}
	}

	if n > 0 {
		m.logger.Info("expired checkpoints cleaned up", "count", n)
		m.publish(ctx, domain.EventCheckpointPurged, "", map[string]int{"count": n})
	}
	return n
}

// Stats returns the number of checkpoints held in memory.
func (m *Manager) Stats() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.checkpoints)
}

func (m *Manager) evict(ctx context.Context, id string) {
	m.mu.Lock()
	delete(m.checkpoints, id)
	m.mu.Unlock()
	if m.store != nil {
		if _, err := m.store.Delete(ctx, id); err != nil {
			m.logger.Warn("checkpoint store delete failed", "checkpoint_id", id, "error", err)
		}
	}
	m.logger.Debug("expired checkpoint evicted", "checkpoint_id", id)
}

func (m *Manager) publish(ctx context.Context, t domain.EventType, sessionID string, payload any) {
	if m.bus == nil {
		return
	}
	var raw json.RawMessage
	if data, err := json.Marshal(payload); err == nil {
		raw = data
	}
	m.bus.Publish(ctx, domain.Event{
		Type:      t,
		Timestamp: m.now(),
		SessionID: sessionID,
		Payload:   raw,
	})
}

func notFound(id string) error {
	return domain.NewSubSystemError("checkpoint", "Manager.GetCheckpoint", domain.ErrCheckpointNotFound, id)
}

func cloneCheckpoint(cp domain.Checkpoint) (*domain.Checkpoint, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}
	var out domain.Checkpoint
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
