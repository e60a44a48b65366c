package registry

import (
	"testing"
	"time"

	"pkt.systems/rtxshell/schema"
)

func testConfig() schema.Config {
	cfg, err := schema.NormalizeConfig(schema.Config{MaxHistory: 3, BufferMaxBytes: 1 << 20})
	if err != nil {
		panic(err)
	}
	return cfg
}

func TestCreateStartFinishLifecycle(t *testing.T) {
	r := New(testConfig(), nil)
	now := time.Now()

	rec := r.Create("sess", "conv", "echo hi", schema.ClassGeneric, now)
	if rec.Status != schema.StatusPending {
		t.Fatalf("expected pending, got %s", rec.Status)
	}
	if err := r.Start(rec.ID, now); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if busy := r.Busy(); busy != rec.ID {
		t.Fatalf("expected %s busy, got %s", rec.ID, busy)
	}

	r.Append(rec.ID, []byte("hi\n"))
	code := 0
	if err := r.Finish(rec.ID, schema.StatusCompleted, &code, now.Add(time.Second)); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if busy := r.Busy(); busy != "" {
		t.Fatalf("expected no command busy after finish, got %s", busy)
	}

	got, err := r.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != schema.StatusCompleted || got.ExitCode == nil || *got.ExitCode != 0 {
		t.Fatalf("unexpected record after finish: %+v", got)
	}
}

func TestStartRejectsSecondRunningCommand(t *testing.T) {
	r := New(testConfig(), nil)
	now := time.Now()
	a := r.Create("sess", "conv", "sleep 1", schema.ClassGeneric, now)
	b := r.Create("sess", "conv", "echo hi", schema.ClassGeneric, now)

	if err := r.Start(a.ID, now); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	if err := r.Start(b.ID, now); schema.KindOf(err) != schema.ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestFinishRejectsNonTerminalStatus(t *testing.T) {
	r := New(testConfig(), nil)
	now := time.Now()
	rec := r.Create("sess", "conv", "echo hi", schema.ClassGeneric, now)
	r.Start(rec.ID, now)
	if err := r.Finish(rec.ID, schema.StatusRunning, nil, now); err == nil {
		t.Fatalf("expected error finishing into a non-terminal status")
	}
}

func TestFinishRejectsCommandNotRunning(t *testing.T) {
	r := New(testConfig(), nil)
	now := time.Now()
	rec := r.Create("sess", "conv", "echo hi", schema.ClassGeneric, now)
	if err := r.Finish(rec.ID, schema.StatusCompleted, nil, now); schema.KindOf(err) != schema.ErrInvalidStateTransition {
		t.Fatalf("expected invalid transition error, got %v", err)
	}
}

func TestGetUnknownCommand(t *testing.T) {
	r := New(testConfig(), nil)
	if _, err := r.Get("nope"); schema.KindOf(err) != schema.ErrUnknownCommandID {
		t.Fatalf("expected ErrUnknownCommandID, got %v", err)
	}
}

func TestEvictionRespectsMaxHistory(t *testing.T) {
	r := New(testConfig(), nil)
	now := time.Now()
	var ids []schema.CommandID
	for i := 0; i < 5; i++ {
		rec := r.Create("sess", "conv", "echo hi", schema.ClassGeneric, now)
		ids = append(ids, rec.ID)
	}
	list := r.List()
	if len(list) != 3 {
		t.Fatalf("expected history capped at 3, got %d", len(list))
	}
	if list[0].ID != ids[2] {
		t.Fatalf("expected oldest two evicted, kept starting at %s", ids[2])
	}
}

func TestEvictionNeverDropsRunningCommand(t *testing.T) {
	r := New(testConfig(), nil)
	now := time.Now()
	first := r.Create("sess", "conv", "sleep 100", schema.ClassGeneric, now)
	r.Start(first.ID, now)
	for i := 0; i < 5; i++ {
		r.Create("sess", "conv", "echo hi", schema.ClassGeneric, now)
	}
	list := r.List()
	found := false
	for _, rec := range list {
		if rec.ID == first.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected running command to survive eviction")
	}
}

func TestAppendAccumulatesBufferInfo(t *testing.T) {
	r := New(testConfig(), nil)
	now := time.Now()
	rec := r.Create("sess", "conv", "echo hi", schema.ClassGeneric, now)
	r.Start(rec.ID, now)
	r.Append(rec.ID, []byte("line1\n"))
	r.Append(rec.ID, []byte("line2\n"))

	out, err := r.Output(rec.ID)
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if string(out) != "line1\nline2\n" {
		t.Fatalf("unexpected output: %q", out)
	}
	got, _ := r.Get(rec.ID)
	if got.Buffer.LineCount != 2 {
		t.Fatalf("expected line count 2, got %d", got.Buffer.LineCount)
	}
}
