package agent

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestConvLocks_Exclusive(t *testing.T) {
	l := newConvLocks()
	ctx := context.Background()

	release, err := l.acquire(ctx, "c1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	got := make(chan struct{})
	go func() {
		r, err := l.acquire(ctx, "c1")
		if err != nil {
			t.Errorf("second acquire: %v", err)
			close(got)
			return
		}
		close(got)
		r()
	}()

	select {
	case <-got:
		t.Fatal("second acquire should wait for release")
	case <-time.After(30 * time.Millisecond):
	}

	release()
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire never proceeded")
	}

	// Release is idempotent.
	release()
}

func TestConvLocks_IndependentConversations(t *testing.T) {
	l := newConvLocks()
	ctx := context.Background()

	r1, err := l.acquire(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	defer r1()

	tctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	r2, err := l.acquire(tctx, "b")
	if err != nil {
		t.Fatalf("acquire other conversation: %v", err)
	}
	r2()
}

func TestConvLocks_CancelWhileWaiting(t *testing.T) {
	l := newConvLocks()
	release, err := l.acquire(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.acquire(ctx, "c1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	release()
	if n := l.len(); n != 0 {
		t.Errorf("entries after release = %d, want 0", n)
	}
}
