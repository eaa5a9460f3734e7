package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestUseAndLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	Use(zap.New(core))
	defer Use(nil)

	Debug("debug line", Int("n", 1))
	Warn("warn line", String("k", "v"))

	if logs.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", logs.Len())
	}
	if got := logs.All()[1].ContextMap()["k"]; got != "v" {
		t.Errorf("expected field k=v, got %v", got)
	}
}

func TestLWithoutInitIsNop(t *testing.T) {
	Use(nil)
	if L() == nil {
		t.Fatal("L returned nil")
	}
	// Must not panic.
	Info("dropped")
}

func TestWithOperation(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	Use(zap.New(core))
	defer Use(nil)

	ctx := WithOperation(context.Background(), "delete")
	id := OperationID(ctx)
	if id == "" {
		t.Fatal("expected operation id")
	}
	other := OperationID(WithOperation(context.Background(), "delete"))
	if other == id {
		t.Errorf("expected distinct operation ids, both %q", id)
	}

	WithContext(ctx).Info("hello")
	entry := logs.All()[0]
	if entry.ContextMap()["op"] != "delete" || entry.ContextMap()["op_id"] != id {
		t.Errorf("missing operation fields: %v", entry.ContextMap())
	}
}
