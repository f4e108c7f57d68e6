package app

import (
	"context"
	"fmt"
	"testing"

	"github.com/yungbote/querybridge-backend/internal/store"
)

func TestInstrumentStoreDelegates(t *testing.T) {
	t.Parallel()
	inner := &stubStore{name: "stub", readyErr: fmt.Errorf("down")}
	wrapped := instrumentStore("stub", inner)

	if wrapped.Name() != "stub" {
		t.Fatalf("name: got=%q", wrapped.Name())
	}
	if err := wrapped.Ready(context.Background()); err == nil {
		t.Fatal("error must propagate through the wrapper")
	}
	if inner.readyCalls != 1 {
		t.Fatalf("ready calls: got=%d want=1", inner.readyCalls)
	}
	if err := wrapped.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if inner.schemaCalls != 1 {
		t.Fatalf("schema calls: got=%d want=1", inner.schemaCalls)
	}
}

func TestInstrumentStoreNilInner(t *testing.T) {
	t.Parallel()
	if got := instrumentStore("stub", nil); got != nil {
		t.Fatalf("nil inner must stay nil, got %T", got)
	}
}

var _ store.Store = (*instrumentedStore)(nil)
