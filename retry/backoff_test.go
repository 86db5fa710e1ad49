package retry

import (
	"context"
	"testing"
	"time"
)

func TestBackoff_DoublesUpToMax(t *testing.T) {
	b := New(100*time.Millisecond, time.Second)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("attempt %d: delay = %v, want %v", i+1, got, w)
		}
	}

	b.Reset()
	if got := b.Next(); got != 100*time.Millisecond {
		t.Errorf("after Reset delay = %v, want 100ms", got)
	}
}

func TestBackoff_Defaults(t *testing.T) {
	b := New(0, 0)
	if b.Initial != DefaultInitial || b.Max != DefaultMax {
		t.Errorf("New(0, 0) = %v/%v, want %v/%v", b.Initial, b.Max, DefaultInitial, DefaultMax)
	}
}

func TestBackoff_WaitHonoursContext(t *testing.T) {
	b := New(time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if b.Wait(ctx) {
		t.Error("Wait returned true on a cancelled context")
	}
}
