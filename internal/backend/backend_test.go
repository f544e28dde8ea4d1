package backend

import (
	"context"
	"errors"
	"testing"
)

func TestCloseFNoOpWhenUnset(t *testing.T) {
	b := New("stub", Features{})
	if err := b.CloseF(context.Background()); err != nil {
		t.Fatalf("CloseF with no Close feature should be a no-op, got: %v", err)
	}
}

func TestCloseFDelegatesWhenSet(t *testing.T) {
	want := errors.New("close failed")
	b := New("stub", Features{
		Close: func(ctx context.Context) error { return want },
	})
	if err := b.CloseF(context.Background()); !errors.Is(err, want) {
		t.Fatalf("CloseF = %v, want %v", err, want)
	}
}
