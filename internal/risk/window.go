// SPDX-FileCopyrightText: 2026 GuardCall contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package risk

import (
	"sync"
	"time"

	"github.com/guardcall/guardcall/internal/room"
)

// Entry is one labeled utterance in the conversation history.
type Entry struct {
	SpeakerID string
	Role      room.Role
	Text      string
	Timestamp time.Time
}

// Window keeps the last N conversation entries, evicting oldest first.
// Capacity is fixed, not time-based.
type Window struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
}

func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{capacity: capacity}
}

func (w *Window) Add(e Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, e)
	if len(w.entries) > w.capacity {
		w.entries = w.entries[len(w.entries)-w.capacity:]
	}
}

// Entries returns a copy of the current history, oldest first.
func (w *Window) Entries() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Entry(nil), w.entries...)
}

func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func (w *Window) Clear() {
	w.mu.Lock()
	w.entries = nil
	w.mu.Unlock()
}
