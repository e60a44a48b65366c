package toolapi

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

	"pkt.systems/rtxshell/core"
	"pkt.systems/rtxshell/internal/fanout"
	"pkt.systems/rtxshell/internal/promptdetect"
	"pkt.systems/rtxshell/internal/registry"
	"pkt.systems/rtxshell/schema"
	"pkt.systems/rtxshell/shellsession"
)

var saltPattern = regexp.MustCompile(`__RTX__:([0-9a-f]+):`)

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

func (f *fakeRemote) run(toRemote io.Reader, fromRemote io.Writer) {
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

func newTestAPI(t *testing.T) (*API, *fakeRemote) {
	t.Helper()
	toRemoteR, toRemoteW := io.Pipe()
	fromRemoteR, fromRemoteW := io.Pipe()

	session := shellsession.NewPiped(toRemoteW, fromRemoteR, nil)
	t.Cleanup(func() { _ = session.Close() })

	remote := &fakeRemote{}
	go remote.run(toRemoteR, fromRemoteW)

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

	orch := core.New(schema.SessionID("sess-1"), session, reg, bus, detector, cfg, nil)
	orch.SetTarget("box.example.com", "root")
	orch.Start()
	t.Cleanup(orch.Stop)

	return New(orch), remote
}

func TestExecuteCommandReturnsOutputAndBufferInfo(t *testing.T) {
	api, remote := newTestAPI(t)
	remote.respond(0, "hello world")

	result, err := api.ExecuteCommand(context.Background(), ExecuteCommandArgs{Command: "echo hello"})
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if result.Status != schema.StatusCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}
	if !strings.Contains(result.Output, "hello world") {
		t.Fatalf("expected output to contain payload, got %q", result.Output)
	}
	if result.BufferInfo.LineCount == 0 {
		t.Fatalf("expected non-zero buffer info line count")
	}
}

func TestCheckCommandStatusReportsCompletedAt(t *testing.T) {
	api, remote := newTestAPI(t)
	remote.respond(0, "done")

	exec, err := api.ExecuteCommand(context.Background(), ExecuteCommandArgs{Command: "run"})
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	status, err := api.CheckCommandStatus(exec.CommandID, "")
	if err != nil {
		t.Fatalf("CheckCommandStatus: %v", err)
	}
	if status.Status != schema.StatusCompleted {
		t.Fatalf("expected completed, got %s", status.Status)
	}
	if status.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}
}

func TestGetCommandOutputRawBypassesFilter(t *testing.T) {
	api, remote := newTestAPI(t)
	remote.respond(0, "raw payload")

	exec, err := api.ExecuteCommand(context.Background(), ExecuteCommandArgs{Command: "cat file"})
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	result, err := api.GetCommandOutput(exec.CommandID, true)
	if err != nil {
		t.Fatalf("GetCommandOutput: %v", err)
	}
	if !strings.Contains(result.Output, "raw payload") {
		t.Fatalf("expected raw output, got %q", result.Output)
	}
}

func TestCancelCommandReportsNotRunningWhenIdle(t *testing.T) {
	api, _ := newTestAPI(t)
	result, err := api.CancelCommand(schema.CommandID("nope"))
	if err != nil {
		t.Fatalf("CancelCommand: %v", err)
	}
	if result.Result != core.CancelNotRunning {
		t.Fatalf("expected not_running, got %s", result.Result)
	}
}

func TestListCommandsFiltersByStatus(t *testing.T) {
	api, remote := newTestAPI(t)
	remote.respond(0, "ok")
	if _, err := api.ExecuteCommand(context.Background(), ExecuteCommandArgs{Command: "one"}); err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}

	entries := api.ListCommands(string(schema.StatusCompleted))
	if len(entries) != 1 {
		t.Fatalf("expected one completed entry, got %d", len(entries))
	}
	if entries[0].Status != schema.StatusCompleted {
		t.Fatalf("expected completed status, got %s", entries[0].Status)
	}

	if empty := api.ListCommands(string(schema.StatusRunning)); len(empty) != 0 {
		t.Fatalf("expected no running entries, got %d", len(empty))
	}
}

func TestGetTerminalStatusReportsTarget(t *testing.T) {
	api, _ := newTestAPI(t)
	status := api.GetTerminalStatus()
	if !status.Connected {
		t.Fatalf("expected connected true")
	}
	if status.Host != "box.example.com" || status.User != "root" {
		t.Fatalf("unexpected target: %+v", status)
	}
}
