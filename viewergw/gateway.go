// Package viewergw is the Viewer Gateway (spec §4.7): it accepts viewer
// attachments over a duplex transport, relays their input/resize events
// into the Shell Session, and registers/deregisters each viewer with the
// Fan-out Bus so disconnects always leave the bus clean. Grounded on the
// teacher's httpapi.Hub (per-subscriber channel under a short-held lock,
// idempotent unsubscribe) adapted from its fan-out-only shape to a duplex
// one: a viewer here also writes back into the shell, not just reads.
package viewergw

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"pkt.systems/pslog"
	"pkt.systems/rtxshell/internal/fanout"
	"pkt.systems/rtxshell/internal/logx"
	"pkt.systems/rtxshell/schema"
)

// Conn is the minimal duplex JSON message transport a viewer attaches
// over (spec §6 "Viewer transport"). A WebSocket adapter satisfying this
// is provided in websocket.go; anything else implementing it works too.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// Shell is the subset of the Command Orchestrator the gateway needs to
// relay viewer-originated bytes and resize events into the shell.
type Shell interface {
	TypeInput(data []byte) error
	Resize(cols, rows int) error
}

// Inbound is a client->server viewer message (spec §6).
type Inbound struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// Outbound is a server->client viewer message (spec §6).
type Outbound struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
	Connected bool   `json:"connected,omitempty"`
}

const (
	inTypeInput  = "input"
	inTypeResize = "resize"

	outTypeOutput = "output"
	outTypeStatus = "status"
)

// Gateway owns every attached viewer for one shell session.
type Gateway struct {
	bus   *fanout.Bus
	shell Shell
	log   pslog.Logger

	mu       sync.Mutex
	attached map[schema.ViewerID]struct{}
}

// New constructs a Gateway over the session's fan-out bus and shell.
func New(bus *fanout.Bus, shell Shell, log pslog.Logger) *Gateway {
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &Gateway{
		bus:      bus,
		shell:    shell,
		log:      log,
		attached: make(map[schema.ViewerID]struct{}),
	}
}

// Attach registers id with the Fan-out Bus and runs the viewer's duplex
// relay loops until the connection closes or ctx is cancelled. It always
// returns with the viewer fully deregistered, even on panic-free error
// paths, satisfying the "guaranteed idempotent removal" requirement.
func (g *Gateway) Attach(ctx context.Context, id schema.ViewerID, conn Conn) error {
	log := logx.WithViewer(g.log, id)
	g.markAttached(id)
	defer g.markDetached(id)

	ch := g.bus.Register(id)
	defer g.bus.Unregister(id)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { _ = conn.Close() }) }

	var readErr atomic.Value // error
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		if err := g.readLoop(runCtx, id, conn); err != nil {
			readErr.Store(err)
		}
	}()
	go func() {
		defer wg.Done()
		defer closeConn()
		g.writeLoop(runCtx, conn, ch)
	}()

	_ = conn.WriteJSON(Outbound{Type: outTypeStatus, Connected: true})
	wg.Wait()
	log.Debug("viewer detached")

	if v, ok := readErr.Load().(error); ok {
		if errors.Is(v, io.EOF) {
			return nil
		}
		return v
	}
	return nil
}

// readLoop relays client->server messages into the shell (spec §4.7
// "Relay inbound user bytes"/"Relay terminal resize events").
func (g *Gateway) readLoop(ctx context.Context, id schema.ViewerID, conn Conn) error {
	log := logx.WithViewer(g.log, id)
	for {
		var msg Inbound
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		switch msg.Type {
		case inTypeInput:
			if err := g.shell.TypeInput([]byte(msg.Data)); err != nil {
				log.Warn("viewer input relay failed", "err", err)
			}
		case inTypeResize:
			if err := g.shell.Resize(msg.Cols, msg.Rows); err != nil {
				log.Warn("viewer resize relay failed", "err", err)
			}
		default:
			log.Debug("viewer sent unknown message type", "type", msg.Type)
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// writeLoop relays the bus's fan-out channel to the viewer as output
// frames. Within one viewer, frames stay strictly ordered (spec §6)
// because this is the only goroutine that ever writes to conn.
func (g *Gateway) writeLoop(ctx context.Context, conn Conn, ch <-chan []byte) {
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				_ = conn.WriteJSON(Outbound{Type: outTypeStatus, Connected: false})
				return
			}
			if err := conn.WriteJSON(Outbound{Type: outTypeOutput, Data: string(chunk)}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// AttachedViewers lists viewer ids currently attached, for diagnostics.
func (g *Gateway) AttachedViewers() []schema.ViewerID {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]schema.ViewerID, 0, len(g.attached))
	for id := range g.attached {
		ids = append(ids, id)
	}
	return ids
}

func (g *Gateway) markAttached(id schema.ViewerID) {
	g.mu.Lock()
	g.attached[id] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) markDetached(id schema.ViewerID) {
	g.mu.Lock()
	delete(g.attached, id)
	g.mu.Unlock()
}
