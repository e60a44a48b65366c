package logx

import (
	"context"
	"testing"

	"pkt.systems/rtxshell/schema"
)

func TestWithSessionDeduplicates(t *testing.T) {
	ctx := context.Background()
	log1 := WithSession(ctx, "sess-1")
	if log1 == nil {
		t.Fatalf("expected logger")
	}
	ctx = ContextWithSession(ctx, "sess-1")
	// Calling again with the same session id on the annotated context
	// should not panic and should still return a usable logger.
	log2 := WithSession(ctx, "sess-1")
	if log2 == nil {
		t.Fatalf("expected logger")
	}
}

func TestWithCommandAndViewerNoopOnEmpty(t *testing.T) {
	log := Ctx(context.Background())
	if WithCommand(log, "") == nil {
		t.Fatalf("expected logger")
	}
	if WithViewer(log, schema.ViewerID("")) == nil {
		t.Fatalf("expected logger")
	}
}
