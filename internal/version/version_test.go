package version

import (
	"context"
	"testing"
)

func TestMemStoreGetDefaultsToOne(t *testing.T) {
	m := NewMemStore()
	v, err := m.Get(context.Background(), "video:a.mp4")
	if err != nil || v != 1 {
		t.Fatalf("got (%d, %v), want (1, nil)", v, err)
	}
}

func TestMemStoreIncrement(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	v, err := m.Increment(ctx, "video:a.mp4")
	if err != nil || v != 2 {
		t.Fatalf("first increment got (%d, %v), want (2, nil)", v, err)
	}
	v, err = m.Increment(ctx, "video:a.mp4")
	if err != nil || v != 3 {
		t.Fatalf("second increment got (%d, %v), want (3, nil)", v, err)
	}

	got, err := m.Get(ctx, "video:a.mp4")
	if err != nil || got != 3 {
		t.Fatalf("get after increments got (%d, %v), want (3, nil)", got, err)
	}
}

func TestMemStoreKeysIndependent(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	if _, err := m.Increment(ctx, "a"); err != nil {
		t.Fatalf("increment a: %v", err)
	}
	v, err := m.Get(ctx, "b")
	if err != nil || v != 1 {
		t.Fatalf("unrelated key b got (%d, %v), want (1, nil)", v, err)
	}
}
