package memory

import (
	"aidstock/internal/blob/core"
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

func TestStoreLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()
	if _, _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if ok, err := store.Delete(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected delete false")
	}
	if _, err := store.Put(ctx, "", bytes.NewReader(nil), core.PutOptions{}); err == nil {
		t.Fatalf("expected empty key error")
	}
	md := map[string]string{"a": "1"}
	if _, err := store.Put(ctx, "h/k", bytes.NewReader([]byte("v")), core.PutOptions{Metadata: md}); err != nil {
		t.Fatalf("put: %v", err)
	}
	md["a"] = "mutated"
	if _, err := store.Put(ctx, "h/k", bytes.NewReader([]byte("v2")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	info, rc, err := store.Get(ctx, "h/k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	if string(b) != "v" || info.Metadata["a"] != "1" {
		t.Fatalf("stored data must not alias caller state: %q %+v", b, info)
	}
	info.Metadata["a"] = "x"
	if list, _ := store.List(ctx, "h/"); len(list) != 1 || list[0].Metadata["a"] != "1" {
		t.Fatalf("list must return copies: %+v", list)
	}
	if list, _ := store.List(ctx, "other/"); len(list) != 0 {
		t.Fatalf("prefix filter failed: %+v", list)
	}
	if ok, err := store.Delete(ctx, "h/k"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if store.Driver() != core.DriverMemory {
		t.Fatalf("unexpected driver")
	}
}
