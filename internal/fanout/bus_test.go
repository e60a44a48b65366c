package fanout

import (
	"testing"
	"time"

	"pkt.systems/rtxshell/schema"
)

type recordingSink struct {
	chunks [][]byte
}

func (r *recordingSink) Append(chunk []byte) {
	r.chunks = append(r.chunks, append([]byte(nil), chunk...))
}

func TestBroadcastDeliversToSinkAndViewer(t *testing.T) {
	bus := New(8, 4, nil)
	sink := &recordingSink{}
	bus.SetSink(sink)

	ch := bus.Register(schema.ViewerID("v1"))
	bus.Broadcast([]byte("hello"))

	select {
	case got := <-ch:
		if string(got) != "hello" {
			t.Fatalf("unexpected chunk %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for chunk")
	}
	if len(sink.chunks) != 1 || string(sink.chunks[0]) != "hello" {
		t.Fatalf("sink did not receive chunk: %+v", sink.chunks)
	}
}

func TestBroadcastOrderingForSingleViewer(t *testing.T) {
	bus := New(16, 100, nil)
	ch := bus.Register(schema.ViewerID("v1"))
	for i := 0; i < 10; i++ {
		bus.Broadcast([]byte{byte(i)})
	}
	for i := 0; i < 10; i++ {
		select {
		case got := <-ch:
			if len(got) != 1 || got[0] != byte(i) {
				t.Fatalf("out of order: want %d got %v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for chunk %d", i)
		}
	}
}

func TestLaggingViewerIsDisconnected(t *testing.T) {
	bus := New(1, 3, nil)
	viewer := schema.ViewerID("slow")
	ch := bus.Register(viewer)

	// Fill the queue, then overflow it past the lag threshold without
	// ever draining ch.
	for i := 0; i < 10; i++ {
		bus.Broadcast([]byte{byte(i)})
	}

	if bus.ViewerCount() != 0 {
		t.Fatalf("expected lagging viewer to be disconnected, count=%d", bus.ViewerCount())
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected viewer channel to be closed")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	bus := New(4, 4, nil)
	viewer := schema.ViewerID("v1")
	bus.Register(viewer)
	bus.Unregister(viewer)
	bus.Unregister(viewer)
}

func TestNoBackfillForLateViewer(t *testing.T) {
	bus := New(8, 4, nil)
	bus.Broadcast([]byte("before attach"))

	ch := bus.Register(schema.ViewerID("late"))
	select {
	case got := <-ch:
		t.Fatalf("expected no backfill, got %q", got)
	case <-time.After(50 * time.Millisecond):
	}

	bus.Broadcast([]byte("after attach"))
	select {
	case got := <-ch:
		if string(got) != "after attach" {
			t.Fatalf("unexpected chunk %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for chunk")
	}
}

func TestCloseDisconnectsAllViewers(t *testing.T) {
	bus := New(4, 4, nil)
	a := bus.Register(schema.ViewerID("a"))
	b := bus.Register(schema.ViewerID("b"))
	bus.Close()
	if _, ok := <-a; ok {
		t.Fatalf("expected a closed")
	}
	if _, ok := <-b; ok {
		t.Fatalf("expected b closed")
	}
}
