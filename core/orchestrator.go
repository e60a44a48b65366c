// Package core is the Command Orchestrator (spec §4.6): the public,
// agent-facing surface (execute/status/fetch_raw/cancel/list, plus the
// type_input/resize passthroughs the Viewer Gateway needs) that
// composes the Shell Session, Fan-out Bus, Registry, Prompt Detector
// and Output Filter into one session's worth of command dispatch.
// Grounded on the teacher's core/service.go: a mutex-guarded struct
// implementing the package's exported operations, logging via
// logx.With*, one method per public operation.
package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/rtxshell/internal/fanout"
	"pkt.systems/rtxshell/internal/logx"
	"pkt.systems/rtxshell/internal/outputfilter"
	"pkt.systems/rtxshell/internal/promptdetect"
	"pkt.systems/rtxshell/internal/registry"
	"pkt.systems/rtxshell/schema"
	"pkt.systems/rtxshell/shellsession"
)

// ExecuteRequest is the execute() operation's argument set (spec §4.6).
type ExecuteRequest struct {
	Command        string
	Timeout        time.Duration
	Mode           schema.OutputMode
	ConversationID schema.ConversationID
}

// ExecuteResponse is execute()'s result: the id, the record's status at
// the moment execute() returns, and (for a terminal status) the
// filtered payload.
type ExecuteResponse struct {
	ID      schema.CommandID
	Status  schema.Status
	Payload *outputfilter.Result
	Busy    schema.CommandID // set only when Status carries no meaning because the slot was occupied
}

// StatusResponse is status()'s result.
type StatusResponse struct {
	Record  schema.CommandRecord
	Payload *outputfilter.Result
}

// CancelResult is cancel()'s {ok|not_running} result.
type CancelResult string

const (
	CancelOK        CancelResult = "ok"
	CancelNotRunning CancelResult = "not_running"
)

// ListFilter narrows list() (spec §4.6).
type ListFilter struct {
	Status schema.Status
	Limit  int
}

// inFlight tracks the one command currently dispatched to the shell.
type inFlight struct {
	id         schema.CommandID
	salt       string
	deadline   time.Time
	done       chan struct{}
	once       sync.Once
	verifying  bool // a suspicious match sent a verification newline; only mutated from pump
}

func (f *inFlight) finish() {
	f.once.Do(func() { close(f.done) })
}

// Orchestrator implements spec §4.6 for exactly one shell session.
type Orchestrator struct {
	mu        sync.Mutex
	session   *shellsession.Session
	reg       *registry.Registry
	bus       *fanout.Bus
	detector  *promptdetect.Detector
	cfg       schema.Config
	log       pslog.Logger
	sessionID schema.SessionID
	current   *inFlight
	host      string
	user      string

	pumpCancel context.CancelFunc
}

// TerminalStatus is get_terminal_status()'s result (spec §6).
type TerminalStatus struct {
	Connected bool
	Host      string
	User      string
}

// SetTarget records the host/user the shell session is connected to, for
// get_terminal_status() to report. Called once by the process that dials
// the session, since the Orchestrator itself is transport-agnostic.
func (o *Orchestrator) SetTarget(host, user string) {
	o.mu.Lock()
	o.host = host
	o.user = user
	o.mu.Unlock()
}

// TerminalStatus implements get_terminal_status() (spec §6).
func (o *Orchestrator) TerminalStatus() TerminalStatus {
	o.mu.Lock()
	host, user := o.host, o.user
	o.mu.Unlock()
	return TerminalStatus{
		Connected: o.session.State() == shellsession.StateConnected,
		Host:      host,
		User:      user,
	}
}

// New constructs an Orchestrator around an already-open shell session.
func New(sessionID schema.SessionID, session *shellsession.Session, reg *registry.Registry, bus *fanout.Bus, detector *promptdetect.Detector, cfg schema.Config, log pslog.Logger) *Orchestrator {
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &Orchestrator{
		session:   session,
		reg:       reg,
		bus:       bus,
		detector:  detector,
		cfg:       cfg,
		log:       log,
		sessionID: sessionID,
	}
}

// Start launches the producer pump, which owns boundary detection for
// the lifetime of the session; call Stop to tear it down.
func (o *Orchestrator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.pumpCancel = cancel
	o.mu.Unlock()
	go o.pump(ctx)
}

// Stop halts the pump goroutine. It does not close the shell session
// itself; call session.Close() separately.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.pumpCancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// pump is the single producer path and the only task that touches
// boundary detection: every chunk from the shell goes to the fan-out
// bus (which appends it to the in-flight record and relays it to
// viewers), then to the prompt detector, with the boundary check run
// immediately after on the same goroutine so a boundary is never
// observed before all of that chunk's bytes have been appended (spec
// §5 ordering guarantee). A ticker drives the same check when the shell
// falls quiet with no new bytes, so a grace period or hard deadline can
// still elapse.
func (o *Orchestrator) pump(ctx context.Context) {
	ticker := time.NewTicker(40 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case chunk, ok := <-o.session.Output():
			if !ok {
				o.onSessionLost()
				return
			}
			o.bus.Broadcast(chunk)
			o.detector.Feed(chunk)
			o.tick(time.Now())
		case <-ticker.C:
			o.tick(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) tick(now time.Time) {
	o.mu.Lock()
	cur := o.current
	o.mu.Unlock()
	if cur == nil {
		return
	}

	poll := o.detector.Poll(now)
	if poll.AwaitingPassword {
		o.reg.MarkAwaitingInput(cur.id, true)
	} else {
		o.reg.MarkAwaitingInput(cur.id, false)
	}
	switch poll.Pager {
	case promptdetect.PagerContinue:
		_ = o.session.Write([]byte(" "))
	case promptdetect.PagerQuit:
		_ = o.session.Write([]byte("q"))
	}
	if poll.Suspicious {
		if !cur.verifying {
			cur.verifying = true
			_ = o.session.Write([]byte("\n"))
		}
		return
	}
	if poll.Boundary {
		o.completeCurrent(cur, schema.StatusCompleted, now, false)
		return
	}
	if now.After(cur.deadline) {
		o.completeCurrent(cur, schema.StatusTimeout, now, true)
	}
}

// completeCurrent finalizes the in-flight command. forced marks a
// boundary inferred from the deadline rather than a confirmed prompt
// match (schema.CommandRecord.BoundaryForced).
func (o *Orchestrator) completeCurrent(cur *inFlight, status schema.Status, now time.Time, forced bool) {
	o.mu.Lock()
	if o.current != cur {
		o.mu.Unlock()
		return
	}
	o.current = nil
	o.mu.Unlock()

	o.bus.SetSink(nil)
	raw, _ := o.reg.Output(cur.id)
	var exitCode *int
	if status == schema.StatusCompleted {
		visible, code, ok := outputfilter.ExtractExitCode(string(raw), cur.salt)
		if ok {
			exitCode = &code
			_ = visible
		}
	}
	if forced {
		o.reg.MarkBoundaryForced(cur.id)
	}
	if err := o.reg.Finish(cur.id, status, exitCode, now); err != nil {
		o.log.Warn("orchestrator finish failed", "command", cur.id, "err", err)
	}
	cur.finish()
}

// onSessionLost is called once the shell session's output channel
// closes. Every pending/running command transitions to interrupted
// (spec §4.4 Failure modes).
func (o *Orchestrator) onSessionLost() {
	o.mu.Lock()
	cur := o.current
	o.current = nil
	o.mu.Unlock()
	if cur != nil {
		o.completeCurrent(cur, schema.StatusInterrupted, time.Now(), true)
	}
	o.bus.Close()
	o.log.Warn("shell session lost, in-flight command interrupted")
}

// Execute dispatches a command (spec §4.6). It blocks up to the
// resolved synchronous wait window for a terminal status; if the
// window elapses first, it returns with status "running" and the
// command keeps executing in the background against its own, longer
// hard deadline (cfg.MaxTimeout).
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResponse, error) {
	log := logx.WithSession(ctx, o.sessionID)
	if req.Command == "" {
		return ExecuteResponse{}, schema.NewError(schema.ErrServerError, "command is required")
	}

	syncWait := req.Timeout
	if syncWait <= 0 {
		syncWait = o.cfg.DefaultTimeout
	}
	if syncWait > o.cfg.MaxTimeout {
		syncWait = o.cfg.MaxTimeout
	}

	o.mu.Lock()
	if o.current != nil {
		busy := o.current.id
		o.mu.Unlock()
		return ExecuteResponse{Busy: busy}, schema.Errorf(schema.ErrBusy, "command %s already running", busy)
	}

	class := outputfilter.Classify(req.Command)
	rec := o.reg.Create(o.sessionID, req.ConversationID, req.Command, class, time.Now())
	salt, err := randomSalt()
	if err != nil {
		o.mu.Unlock()
		return ExecuteResponse{}, schema.Errorf(schema.ErrServerError, "generate exit marker: %v", err)
	}
	cur := &inFlight{id: rec.ID, salt: salt, deadline: time.Now().Add(o.cfg.MaxTimeout), done: make(chan struct{})}
	o.current = cur
	o.mu.Unlock()

	if err := o.reg.Start(rec.ID, time.Now()); err != nil {
		o.mu.Lock()
		o.current = nil
		o.mu.Unlock()
		return ExecuteResponse{}, err
	}
	o.bus.SetSink(commandSink{id: rec.ID, reg: o.reg})
	if nc := o.detector.ChangingCommandFor(req.Command); nc != nil {
		o.detector.SetSignature(nc)
	}
	o.detector.Reset()

	line := req.Command + outputfilter.ExitMarker(salt)
	if err := o.session.WriteLine(line); err != nil {
		o.completeCurrent(cur, schema.StatusInterrupted, time.Now(), true)
		return ExecuteResponse{ID: rec.ID, Status: schema.StatusInterrupted}, err
	}
	log.Debug("orchestrator command dispatched", "command", rec.ID, "class", class)

	select {
	case <-cur.done:
	case <-time.After(syncWait):
	case <-ctx.Done():
	}

	current, err := o.reg.Get(rec.ID)
	if err != nil {
		return ExecuteResponse{}, err
	}
	resp := ExecuteResponse{ID: rec.ID, Status: current.Status}
	if current.Status.Terminal() {
		payload := o.renderPayload(current, req.Mode)
		resp.Payload = &payload
	}
	return resp, nil
}

// Status implements status() (spec §4.6).
func (o *Orchestrator) Status(id schema.CommandID, mode schema.OutputMode) (StatusResponse, error) {
	rec, err := o.reg.Get(id)
	if err != nil {
		return StatusResponse{}, err
	}
	resp := StatusResponse{Record: rec}
	if rec.Status.Terminal() {
		payload := o.renderPayload(rec, mode)
		resp.Payload = &payload
	}
	return resp, nil
}

// FetchRaw implements fetch_raw() (spec §4.6): the buffer exactly as
// retained, bypassing the output filter entirely.
func (o *Orchestrator) FetchRaw(id schema.CommandID) ([]byte, error) {
	return o.reg.Output(id)
}

// Cancel implements cancel() (spec §4.6).
func (o *Orchestrator) Cancel(id schema.CommandID) (CancelResult, error) {
	o.mu.Lock()
	cur := o.current
	o.mu.Unlock()
	if cur == nil || cur.id != id {
		return CancelNotRunning, nil
	}
	if err := o.session.SendInterrupt(); err != nil {
		return CancelNotRunning, err
	}
	o.completeCurrent(cur, schema.StatusCancelled, time.Now(), true)
	return CancelOK, nil
}

// List implements list() (spec §4.6), most recent first.
func (o *Orchestrator) List(filter ListFilter) []schema.CommandRecord {
	all := o.reg.List()
	out := make([]schema.CommandRecord, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		rec := all[i]
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// TypeInput relays viewer keystrokes straight to the shell without
// attributing them to any command (spec §4.4 type(), §9).
func (o *Orchestrator) TypeInput(data []byte) error {
	return o.session.TypeInput(data)
}

// Resize relays a terminal resize to the shell session.
func (o *Orchestrator) Resize(cols, rows int) error {
	return o.session.Resize(cols, rows)
}

func (o *Orchestrator) renderPayload(rec schema.CommandRecord, mode schema.OutputMode) outputfilter.Result {
	if mode == "" {
		mode = schema.ModeAuto
	}
	raw, err := o.reg.Output(rec.ID)
	if err != nil {
		raw = nil
	}
	exitCode := 0
	if rec.ExitCode != nil {
		exitCode = *rec.ExitCode
	}
	result := outputfilter.Apply(rec.Command, string(raw), exitCode, rec.Class, mode, o.cfg.Thresholds)
	if result.HasErrors {
		o.reg.MarkErrors(rec.ID, result.ErrorLine)
	}
	return result
}

// commandSink adapts the registry's per-id Append into fanout.Sink for
// exactly the currently in-flight command.
type commandSink struct {
	id  schema.CommandID
	reg *registry.Registry
}

func (s commandSink) Append(chunk []byte) {
	s.reg.Append(s.id, chunk)
}

func randomSalt() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
