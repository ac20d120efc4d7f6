// SPDX-FileCopyrightText: 2026 GuardCall contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package room

import (
	"log/slog"
	"sort"
	"sync"
)

// Role of a call participant. The Protected participant receives risk
// alerts and is never analyzed; Counterpart speech is subject to scrutiny.
type Role string

const (
	RoleProtected   Role = "protected"
	RoleCounterpart Role = "counterpart"
)

func (r Role) Valid() bool {
	return r == RoleProtected || r == RoleCounterpart
}

// Registry tracks room membership in both directions. Rooms are created
// on first join and deleted when the last member leaves. All operations
// are total: a missing room or participant behaves as an empty result.
type Registry struct {
	mu      sync.Mutex
	members map[string]map[string]struct{} // room → participants
	rooms   map[string]map[string]struct{} // participant → rooms
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		members: make(map[string]map[string]struct{}),
		rooms:   make(map[string]map[string]struct{}),
		logger:  logger.With("component", "room_registry"),
	}
}

// Join adds the participant to the room, creating the room if needed.
// Idempotent. Returns true if the room was created by this call.
func (r *Registry) Join(roomID, participantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	created := false
	if _, ok := r.members[roomID]; !ok {
		r.members[roomID] = make(map[string]struct{})
		created = true
	}
	r.members[roomID][participantID] = struct{}{}

	if _, ok := r.rooms[participantID]; !ok {
		r.rooms[participantID] = make(map[string]struct{})
	}
	r.rooms[participantID][roomID] = struct{}{}

	if created {
		r.logger.Info("room created", "room", roomID)
	}
	return created
}

// Leave removes the participant from the room. Returns true if the room
// became empty and was deleted.
func (r *Registry) Leave(roomID, participantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.members[roomID]; ok {
		delete(set, participantID)
		if len(set) == 0 {
			delete(r.members, roomID)
			r.logger.Info("room deleted", "room", roomID)
			r.dropParticipantRoom(participantID, roomID)
			return true
		}
	}
	r.dropParticipantRoom(participantID, roomID)
	return false
}

// Must be called with r.mu held.
func (r *Registry) dropParticipantRoom(participantID, roomID string) {
	if set, ok := r.rooms[participantID]; ok {
		delete(set, roomID)
		if len(set) == 0 {
			delete(r.rooms, participantID)
		}
	}
}

// MembersOf returns the participants of a room, sorted for determinism.
func (r *Registry) MembersOf(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.members[roomID])
}

// RoomsOf returns the rooms a participant belongs to, sorted.
func (r *Registry) RoomsOf(participantID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.rooms[participantID])
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
