// SPDX-FileCopyrightText: 2026 GuardCall contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"log/slog"
	"sync"

	"github.com/guardcall/guardcall/internal/constants"
)

// Stopper is the slice of a pipeline the pool needs for draining.
type Stopper interface {
	Stop()
}

// Pool caps the number of live transcription pipelines. Admission is
// claimed before the expensive session setup; a claimed slot is either
// bound to a stopper or released again when setup fails.
type Pool struct {
	mu      sync.Mutex
	max     int
	members map[string]Stopper
	logger  *slog.Logger
}

func NewPool(max int, logger *slog.Logger) *Pool {
	if max <= 0 {
		max = constants.DefaultMaxSessions
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		max:     max,
		members: make(map[string]Stopper),
		logger:  logger.With("component", "session_pool"),
	}
}

// TryAdmit reserves a slot for id. Returns false at capacity or when
// id already holds a slot.
func (p *Pool) TryAdmit(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.members[id]; exists {
		return false
	}
	if len(p.members) >= p.max {
		p.logger.Warn("session pool at capacity", "max", p.max, "rejected", id)
		return false
	}
	p.members[id] = nil
	return true
}

// Bind attaches the stopper for a previously admitted id.
func (p *Pool) Bind(id string, s Stopper) {
	p.mu.Lock()
	if _, exists := p.members[id]; exists {
		p.members[id] = s
	}
	p.mu.Unlock()
}

// Release frees the slot for id; unknown ids are a no-op.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	delete(p.members, id)
	p.mu.Unlock()
}

// Live reports the number of claimed slots.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

// DrainAll stops every bound pipeline concurrently and waits for all
// of them. Slots are freed regardless of individual stop behavior.
func (p *Pool) DrainAll() {
	p.mu.Lock()
	stoppers := make(map[string]Stopper, len(p.members))
	for id, s := range p.members {
		stoppers[id] = s
	}
	p.members = make(map[string]Stopper)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for id, s := range stoppers {
		if s == nil {
			continue
		}
		wg.Add(1)
		go func(id string, s Stopper) {
			defer wg.Done()
			s.Stop()
			p.logger.Info("session drained", "id", id)
		}(id, s)
	}
	wg.Wait()
}
