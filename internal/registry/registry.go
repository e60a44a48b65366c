// Package registry is the Command Registry & State Machine (spec §4.3):
// it owns every CommandRecord for a session, enforces the single
// in-flight command invariant (I1), and is the Sink the fan-out bus
// writes the in-flight command's raw bytes into.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/pslog"
	"pkt.systems/rtxshell/schema"
)

// entry pairs a CommandRecord with its private output buffer; the record
// is what callers see, the buffer is internal bookkeeping.
type entry struct {
	record schema.CommandRecord
	buf    *outputBuffer
}

// Registry holds every command ever created for one session, in creation
// order, evicting the oldest once the retention cap is exceeded.
type Registry struct {
	mu         sync.Mutex
	order      []schema.CommandID
	entries    map[schema.CommandID]*entry
	running    schema.CommandID
	maxHistory int
	maxBytes   int64
	headKeep   int
	tailKeep   int
	log        pslog.Logger
}

// New constructs a Registry bounded by the session's retention and buffer
// configuration (schema.Config).
func New(cfg schema.Config, log pslog.Logger) *Registry {
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &Registry{
		entries:    make(map[schema.CommandID]*entry),
		maxHistory: cfg.MaxHistory,
		maxBytes:   cfg.BufferMaxBytes,
		headKeep:   cfg.Truncation.HeadLines,
		tailKeep:   cfg.Truncation.TailLines,
		log:        log,
	}
}

// Create allocates a new pending command record. It does not check for an
// in-flight command; callers (the orchestrator) must honour I1 by calling
// Busy first under the same lock path they use to call Create.
func (r *Registry) Create(sessionID schema.SessionID, conversationID schema.ConversationID, command string, class schema.Class, now time.Time) schema.CommandRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := schema.CommandID(uuid.NewString())
	rec := schema.CommandRecord{
		ID:             id,
		ConversationID: conversationID,
		SessionID:      sessionID,
		Command:        command,
		Class:          class,
		Status:         schema.StatusPending,
		EnqueuedAt:     now,
	}
	r.entries[id] = &entry{
		record: rec,
		buf:    newOutputBuffer(r.maxBytes, r.headKeep, r.tailKeep),
	}
	r.order = append(r.order, id)
	r.evictLocked()
	return rec
}

// Busy reports the currently running command's id, or "" if none is
// in flight (invariant I1).
func (r *Registry) Busy() schema.CommandID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Start transitions a pending command to running and marks it as the
// session's in-flight command.
func (r *Registry) Start(id schema.CommandID, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return schema.Errorf(schema.ErrUnknownCommandID, "unknown command %s", id)
	}
	if e.record.Status != schema.StatusPending {
		return schema.Errorf(schema.ErrInvalidStateTransition, "command %s is %s, not pending", id, e.record.Status)
	}
	if r.running != "" {
		return schema.Errorf(schema.ErrBusy, "command %s already running", r.running)
	}
	e.record.Status = schema.StatusRunning
	e.record.StartedAt = now
	r.running = id
	return nil
}

// Append adds raw bytes to id's output buffer. It implements fanout.Sink
// when bound to the currently running command by the orchestrator.
func (r *Registry) Append(id schema.CommandID, chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.buf.Append(chunk)
	e.record.Buffer = e.buf.Info()
	e.record.LineCount = e.buf.Info().LineCount
}

// Finish transitions the running command to a terminal status. Only one
// of completed/cancelled/timeout/interrupted may ever be reached per I2.
func (r *Registry) Finish(id schema.CommandID, status schema.Status, exitCode *int, now time.Time) error {
	if !status.Terminal() {
		return schema.Errorf(schema.ErrInvalidStateTransition, "status %s is not terminal", status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return schema.Errorf(schema.ErrUnknownCommandID, "unknown command %s", id)
	}
	if e.record.Status != schema.StatusRunning {
		return schema.Errorf(schema.ErrInvalidStateTransition, "command %s is %s, not running", id, e.record.Status)
	}
	e.record.Status = status
	e.record.CompletedAt = now
	e.record.ExitCode = exitCode
	e.record.Buffer = e.buf.Info()
	if r.running == id {
		r.running = ""
	}
	return nil
}

// MarkAwaitingInput flags a running command as blocked on interactive
// input (sudo password, pager) without changing its status, per
// schema.CommandRecord.AwaitingInput.
func (r *Registry) MarkAwaitingInput(id schema.CommandID, awaiting bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.record.AwaitingInput = awaiting
	}
}

// MarkBoundaryForced records that a command's completion was inferred
// from a forced boundary (grace timeout without a clean prompt match)
// rather than a confirmed exit marker, per schema.CommandRecord.BoundaryForced.
func (r *Registry) MarkBoundaryForced(id schema.CommandID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.record.BoundaryForced = true
	}
}

// MarkErrors flags a command record as containing error output at the
// given 1-based line number, surfaced by the output filter.
func (r *Registry) MarkErrors(id schema.CommandID, line int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.record.HasErrors = true
		e.record.ErrorLine = line
	}
}

// Get returns the current record for id.
func (r *Registry) Get(id schema.CommandID) (schema.CommandRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return schema.CommandRecord{}, schema.Errorf(schema.ErrUnknownCommandID, "unknown command %s", id)
	}
	return e.record, nil
}

// Output returns the raw buffered bytes for id.
func (r *Registry) Output(id schema.CommandID) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, schema.Errorf(schema.ErrUnknownCommandID, "unknown command %s", id)
	}
	return e.buf.Bytes(), nil
}

// List returns every retained record, oldest first.
func (r *Registry) List() []schema.CommandRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.CommandRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].record)
	}
	return out
}

// evictLocked drops the oldest retained commands once history exceeds
// maxHistory. Never evicts the currently running command.
func (r *Registry) evictLocked() {
	if r.maxHistory <= 0 {
		return
	}
	for len(r.order) > r.maxHistory {
		oldest := r.order[0]
		if oldest == r.running {
			break
		}
		delete(r.entries, oldest)
		r.order = r.order[1:]
	}
}
