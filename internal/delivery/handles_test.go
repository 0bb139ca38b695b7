package delivery

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestHandles_TrackAndCancel(t *testing.T) {
	h := NewHandles()
	var a, b int32
	idA := h.Track("poll", func() { atomic.AddInt32(&a, 1) })
	h.Track("subscription", func() { atomic.AddInt32(&b, 1) })

	if got := len(h.Active()); got != 2 {
		t.Fatalf("active = %d, want 2", got)
	}
	if !h.Cancel(idA) || atomic.LoadInt32(&a) != 1 {
		t.Error("Cancel did not run the cancel func")
	}
	if h.Cancel(idA) {
		t.Error("second Cancel of the same id should report false")
	}
	if n := h.CancelAll(); n != 1 || atomic.LoadInt32(&b) != 1 {
		t.Errorf("CancelAll = %d, b = %d", n, atomic.LoadInt32(&b))
	}
	if len(h.Active()) != 0 {
		t.Error("handles remain after CancelAll")
	}
}

func TestHandles_TrackAfterCancelAll(t *testing.T) {
	h := NewHandles()
	h.CancelAll()
	var called int32
	if id := h.Track("late", func() { atomic.StoreInt32(&called, 1) }); id != "" {
		t.Errorf("id = %q, want empty", id)
	}
	if atomic.LoadInt32(&called) != 1 {
		t.Error("late handle was not cancelled immediately")
	}
}

func TestHandles_Release(t *testing.T) {
	h := NewHandles()
	var called int32
	id := h.Track("refetch", func() { atomic.StoreInt32(&called, 1) })
	h.Release(id)
	h.CancelAll()
	if atomic.LoadInt32(&called) != 0 {
		t.Error("released handle was cancelled")
	}
}

func TestHandles_AfterFunc(t *testing.T) {
	h := NewHandles()
	fired := make(chan struct{})
	h.AfterFunc("timeout", time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("AfterFunc did not fire")
	}
	deadline := time.Now().Add(time.Second)
	for len(h.Active()) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(h.Active()) != 0 {
		t.Error("fired timer still tracked")
	}

	var late int32
	h.AfterFunc("timeout", 20*time.Millisecond, func() { atomic.StoreInt32(&late, 1) })
	h.CancelAll()
	time.Sleep(40 * time.Millisecond)
	if atomic.LoadInt32(&late) != 0 {
		t.Error("cancelled timer fired")
	}
}

func TestHandles_ActiveOrdered(t *testing.T) {
	h := NewHandles()
	h.Track("a", func() {})
	h.Track("b", func() {})
	active := h.Active()
	if len(active) != 2 || active[0].Name != "a" || active[1].Name != "b" {
		t.Errorf("active = %+v", active)
	}
	h.CancelAll()
}
