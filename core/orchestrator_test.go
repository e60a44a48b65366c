package core

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/rtxshell/internal/fanout"
	"pkt.systems/rtxshell/internal/promptdetect"
	"pkt.systems/rtxshell/internal/registry"
	"pkt.systems/rtxshell/schema"
	"pkt.systems/rtxshell/shellsession"
)

var saltPattern = regexp.MustCompile(`__RTX__:([0-9a-f]+):`)

// fakeRemote simulates a remote interactive shell over a pair of pipes.
// It always drains whatever the session writes (so the writer never
// blocks); it only answers with a canned response plus the resolved
// exit marker once armed via respond, letting tests model both an
// immediately-completing command and one left hanging.
type fakeRemote struct {
	mu       sync.Mutex
	armed    bool
	exitCode int
	output   string
}

func (f *fakeRemote) respond(exitCode int, output string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = true
	f.exitCode = exitCode
	f.output = output
}

func (f *fakeRemote) run(t *testing.T, toRemote io.Reader, fromRemote io.Writer) {
	reader := bufio.NewReader(toRemote)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			if m := saltPattern.FindStringSubmatch(line); m != nil {
				f.mu.Lock()
				armed, code, output := f.armed, f.exitCode, f.output
				f.mu.Unlock()
				if armed {
					fmt.Fprintf(fromRemote, "%s\n__RTX__:%s:%d__END__\nuser@host:~$ ", output, m[1], code)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeRemote) {
	t.Helper()
	toRemoteR, toRemoteW := io.Pipe()
	fromRemoteR, fromRemoteW := io.Pipe()

	session := shellsession.NewPiped(toRemoteW, fromRemoteR, nil)
	t.Cleanup(func() { _ = session.Close() })

	remote := &fakeRemote{}
	go remote.run(t, toRemoteR, fromRemoteW)

	cfg, err := schema.NormalizeConfig(schema.Config{
		DefaultTimeout: 2 * time.Second,
		MaxTimeout:     2 * time.Second,
		PromptGraceMS:  20 * time.Millisecond,
		MaxHistory:     10,
		BufferMaxBytes: 1 << 20,
	})
	if err != nil {
		t.Fatalf("normalize config: %v", err)
	}
	sig := promptdetect.LearnSignature("user@host:~$ ")
	detector := promptdetect.New(sig, cfg.PromptGraceMS)
	reg := registry.New(cfg, nil)
	bus := fanout.New(cfg.ViewerQueueCapacity, 32, nil)

	orch := New(schema.SessionID("sess-1"), session, reg, bus, detector, cfg, nil)
	orch.Start()
	t.Cleanup(orch.Stop)

	return orch, remote
}

func TestExecuteCompletesSynchronouslyOnBoundary(t *testing.T) {
	orch, remote := newTestOrchestrator(t)
	remote.respond(0, "hello world")

	resp, err := orch.Execute(context.Background(), ExecuteRequest{Command: "echo hello"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Status != schema.StatusCompleted {
		t.Fatalf("expected completed, got %s", resp.Status)
	}
	if resp.Payload == nil {
		t.Fatalf("expected payload on terminal status")
	}
	if !strings.Contains(resp.Payload.Text, "hello world") {
		t.Fatalf("expected payload to contain output, got %q", resp.Payload.Text)
	}
}

func TestExecuteRejectsSecondConcurrentCommand(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	// remote never armed, so the first command stays running.

	go func() {
		_, _ = orch.Execute(context.Background(), ExecuteRequest{Command: "sleep 60", Timeout: 30 * time.Millisecond})
	}()
	time.Sleep(15 * time.Millisecond)

	resp, err := orch.Execute(context.Background(), ExecuteRequest{Command: "whoami"})
	if err == nil {
		t.Fatalf("expected busy error")
	}
	if !schema.Is(err, schema.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if resp.Busy == "" {
		t.Fatalf("expected busy id to be set")
	}
}

func TestCancelInterruptsRunningCommand(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	// remote never armed, so the command stays running until cancelled.

	execDone := make(chan ExecuteResponse, 1)
	go func() {
		resp, _ := orch.Execute(context.Background(), ExecuteRequest{Command: "sleep 60", Timeout: 30 * time.Millisecond})
		execDone <- resp
	}()
	time.Sleep(15 * time.Millisecond)

	records := orch.List(ListFilter{Limit: 1})
	if len(records) != 1 {
		t.Fatalf("expected one in-flight record, got %d", len(records))
	}
	id := records[0].ID

	if result, err := orch.Cancel(id); err != nil || result != CancelOK {
		t.Fatalf("Cancel: result=%v err=%v", result, err)
	}
	<-execDone

	final, err := orch.Status(id, schema.ModeAuto)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if final.Record.Status != schema.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", final.Record.Status)
	}
}

func TestListOrdersMostRecentFirst(t *testing.T) {
	orch, remote := newTestOrchestrator(t)
	remote.respond(0, "first")
	if _, err := orch.Execute(context.Background(), ExecuteRequest{Command: "one"}); err != nil {
		t.Fatalf("Execute 1: %v", err)
	}
	remote.respond(0, "second")
	if _, err := orch.Execute(context.Background(), ExecuteRequest{Command: "two"}); err != nil {
		t.Fatalf("Execute 2: %v", err)
	}

	records := orch.List(ListFilter{})
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Command != "two" {
		t.Fatalf("expected most recent first, got %q", records[0].Command)
	}
}

func TestFetchRawReturnsBufferedBytes(t *testing.T) {
	orch, remote := newTestOrchestrator(t)
	remote.respond(0, "raw payload")

	resp, err := orch.Execute(context.Background(), ExecuteRequest{Command: "cat file"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	raw, err := orch.FetchRaw(resp.ID)
	if err != nil {
		t.Fatalf("FetchRaw: %v", err)
	}
	if !strings.Contains(string(raw), "raw payload") {
		t.Fatalf("expected raw buffer to contain output, got %q", string(raw))
	}
}
