package viewergw

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"pkt.systems/rtxshell/internal/fanout"
	"pkt.systems/rtxshell/schema"
)

// fakeConn is an in-memory Conn: writes go on an outbox channel, reads
// come from an inbox channel, mirroring the teacher's preference for
// channel-backed fakes over a real socket in package tests.
type fakeConn struct {
	mu     sync.Mutex
	inbox  []Inbound
	outbox []Outbound
	closed bool
}

func (f *fakeConn) ReadJSON(v interface{}) error {
	f.mu.Lock()
	if len(f.inbox) == 0 {
		f.mu.Unlock()
		// Block until Close() is called, simulating a connection with
		// nothing more to send, rather than busy-spinning.
		for {
			time.Sleep(time.Millisecond)
			f.mu.Lock()
			if f.closed {
				f.mu.Unlock()
				return io.EOF
			}
			if len(f.inbox) > 0 {
				break
			}
			f.mu.Unlock()
		}
	}
	msg := f.inbox[0]
	f.inbox = f.inbox[1:]
	f.mu.Unlock()
	*(v.(*Inbound)) = msg
	return nil
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("write on closed conn")
	}
	f.outbox = append(f.outbox, v.(Outbound))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) written() []Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Outbound(nil), f.outbox...)
}

func (f *fakeConn) push(msg Inbound) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = append(f.inbox, msg)
}

type fakeShell struct {
	mu      sync.Mutex
	typed   [][]byte
	resizes [][2]int
}

func (f *fakeShell) TypeInput(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typed = append(f.typed, append([]byte(nil), data...))
	return nil
}

func (f *fakeShell) Resize(cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, [2]int{cols, rows})
	return nil
}

func TestAttachRelaysInputAndResize(t *testing.T) {
	bus := fanout.New(8, 4, nil)
	shell := &fakeShell{}
	gw := New(bus, shell, nil)

	conn := &fakeConn{}
	conn.push(Inbound{Type: inTypeInput, Data: "ls\n"})
	conn.push(Inbound{Type: inTypeResize, Cols: 120, Rows: 40})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Attach(ctx, schema.ViewerID("v1"), conn) }()

	deadline := time.After(time.Second)
	for {
		shell.mu.Lock()
		ready := len(shell.typed) == 1 && len(shell.resizes) == 1
		shell.mu.Unlock()
		if ready {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for relay")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done

	if string(shell.typed[0]) != "ls\n" {
		t.Fatalf("unexpected typed input: %q", shell.typed[0])
	}
	if shell.resizes[0] != [2]int{120, 40} {
		t.Fatalf("unexpected resize: %v", shell.resizes[0])
	}
}

func TestAttachBroadcastsOutputInOrder(t *testing.T) {
	bus := fanout.New(8, 4, nil)
	gw := New(bus, &fakeShell{}, nil)
	conn := &fakeConn{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Attach(ctx, schema.ViewerID("v1"), conn) }()

	// Give Attach a moment to register with the bus before broadcasting.
	time.Sleep(20 * time.Millisecond)
	bus.Broadcast([]byte("one"))
	bus.Broadcast([]byte("two"))

	deadline := time.After(time.Second)
	for {
		out := conn.written()
		count := 0
		for _, o := range out {
			if o.Type == outTypeOutput {
				count++
			}
		}
		if count >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for output frames")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done

	var frames []string
	for _, o := range conn.written() {
		if o.Type == outTypeOutput {
			frames = append(frames, o.Data)
		}
	}
	if len(frames) != 2 || frames[0] != "one" || frames[1] != "two" {
		t.Fatalf("expected ordered output frames, got %v", frames)
	}
}

func TestAttachDeregistersOnDetach(t *testing.T) {
	bus := fanout.New(8, 4, nil)
	gw := New(bus, &fakeShell{}, nil)
	conn := &fakeConn{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Attach(ctx, schema.ViewerID("v1"), conn) }()

	deadline := time.After(time.Second)
	for bus.ViewerCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for registration")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	<-done

	if bus.ViewerCount() != 0 {
		t.Fatalf("expected viewer to be deregistered, count=%d", bus.ViewerCount())
	}
	if len(gw.AttachedViewers()) != 0 {
		t.Fatalf("expected gateway to forget detached viewer")
	}
}

func TestAttachSendsInitialConnectedStatus(t *testing.T) {
	bus := fanout.New(8, 4, nil)
	gw := New(bus, &fakeShell{}, nil)
	conn := &fakeConn{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- gw.Attach(ctx, schema.ViewerID("v1"), conn) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(time.Second)
	for {
		out := conn.written()
		if len(out) > 0 {
			if out[0].Type != outTypeStatus || !out[0].Connected {
				t.Fatalf("expected initial connected status frame, got %+v", out[0])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for status frame")
		case <-time.After(time.Millisecond):
		}
	}
}
