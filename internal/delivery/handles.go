package delivery

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// handleEntry tracks one cancellable resource opened for a turn.
type handleEntry struct {
	name     string
	openedAt time.Time
	cancel   func()
}

// HandleInfo describes an open handle.
type HandleInfo struct {
	ID       string
	Name     string
	OpenedAt time.Time
}

// Handles is the per-turn registry of timers, subscriptions and workers.
// Every entry is cancelled by CancelAll when the turn ends; anything tracked
// after that is cancelled immediately.
type Handles struct {
	mu      sync.Mutex
	entries map[string]*handleEntry
	nextID  int64
	closed  bool
}

// NewHandles creates an empty registry.
func NewHandles() *Handles {
	return &Handles{entries: make(map[string]*handleEntry)}
}

// Track registers cancel under name and returns the handle id.
func (h *Handles) Track(name string, cancel func()) string {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		slog.Debug("Handles.Track: registry closed, cancelling immediately", "name", name)
		cancel()
		return ""
	}
	h.nextID++
	id := fmt.Sprintf("%s_%d", name, h.nextID)
	h.entries[id] = &handleEntry{name: name, openedAt: time.Now(), cancel: cancel}
	h.mu.Unlock()
	return id
}

// AfterFunc schedules fn after delay and tracks the timer. fn runs on its own
// goroutine and must not block.
func (h *Handles) AfterFunc(name string, delay time.Duration, fn func()) string {
	var (
		mu        sync.Mutex
		timer     *time.Timer
		cancelled bool
	)
	id := h.Track(name, func() {
		mu.Lock()
		defer mu.Unlock()
		cancelled = true
		if timer != nil {
			timer.Stop()
		}
	})
	if id == "" {
		return ""
	}
	mu.Lock()
	defer mu.Unlock()
	if !cancelled {
		timer = time.AfterFunc(delay, func() {
			h.Release(id)
			fn()
		})
	}
	return id
}

// Release forgets a handle whose resource finished on its own.
func (h *Handles) Release(id string) {
	if id == "" {
		return
	}
	h.mu.Lock()
	delete(h.entries, id)
	h.mu.Unlock()
}

// Cancel cancels and removes one handle. It returns false for unknown ids.
func (h *Handles) Cancel(id string) bool {
	h.mu.Lock()
	e, ok := h.entries[id]
	delete(h.entries, id)
	h.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel()
	return true
}

// CancelAll cancels every open handle and closes the registry. It returns the
// number of handles cancelled.
func (h *Handles) CancelAll() int {
	h.mu.Lock()
	entries := h.entries
	h.entries = make(map[string]*handleEntry)
	h.closed = true
	h.mu.Unlock()

	for id, e := range entries {
		slog.Debug("Handles.CancelAll: cancelling", "id", id, "name", e.name, "age", time.Since(e.openedAt))
		e.cancel()
	}
	return len(entries)
}

// Active lists open handles ordered by id.
func (h *Handles) Active() []HandleInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HandleInfo, 0, len(h.entries))
	for id, e := range h.entries {
		out = append(out, HandleInfo{ID: id, Name: e.name, OpenedAt: e.openedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
