// SPDX-FileCopyrightText: 2026 GuardCall contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package room

import (
	"fmt"
	"testing"
)

func TestRegistryJoinLeave(t *testing.T) {
	r := NewRegistry(nil)

	t.Run("join creates room once", func(t *testing.T) {
		if !r.Join("r1", "p1") {
			t.Error("first join should create the room")
		}
		if r.Join("r1", "p2") {
			t.Error("second join should not create the room")
		}
		if r.Join("r1", "p1") {
			t.Error("idempotent re-join should not create the room")
		}
		members := r.MembersOf("r1")
		if len(members) != 2 {
			t.Fatalf("expected 2 members, got %v", members)
		}
	})

	t.Run("leave deletes empty room", func(t *testing.T) {
		if r.Leave("r1", "p1") {
			t.Error("room should not be deleted while p2 remains")
		}
		if !r.Leave("r1", "p2") {
			t.Error("room should be deleted on last leave")
		}
		if got := r.MembersOf("r1"); len(got) != 0 {
			t.Errorf("deleted room should have no members, got %v", got)
		}
		if r.RoomCount() != 0 {
			t.Errorf("expected no rooms, got %d", r.RoomCount())
		}
	})

	t.Run("missing room and participant behave as empty", func(t *testing.T) {
		if got := r.MembersOf("nope"); len(got) != 0 {
			t.Errorf("expected empty, got %v", got)
		}
		if got := r.RoomsOf("ghost"); len(got) != 0 {
			t.Errorf("expected empty, got %v", got)
		}
		if r.Leave("nope", "ghost") {
			t.Error("leaving a missing room should not report deletion")
		}
	})
}

// Membership and the reverse index must stay mutually consistent under
// arbitrary join/leave sequences.
func TestRegistryConsistency(t *testing.T) {
	r := NewRegistry(nil)

	type op struct {
		join       bool
		room, part string
	}
	var ops []op
	for i := 0; i < 200; i++ {
		ops = append(ops,
			op{join: true, room: fmt.Sprintf("r%d", i%5), part: fmt.Sprintf("p%d", i%13)},
			op{join: i%3 != 0, room: fmt.Sprintf("r%d", (i+2)%5), part: fmt.Sprintf("p%d", (i+7)%13)},
		)
	}

	for _, o := range ops {
		if o.join {
			r.Join(o.room, o.part)
		} else {
			r.Leave(o.room, o.part)
		}

		for _, room := range []string{"r0", "r1", "r2", "r3", "r4"} {
			for _, m := range r.MembersOf(room) {
				if !contains(r.RoomsOf(m), room) {
					t.Fatalf("participant %s in membersOf(%s) but room missing from roomsOf", m, room)
				}
			}
		}
		for i := 0; i < 13; i++ {
			p := fmt.Sprintf("p%d", i)
			for _, room := range r.RoomsOf(p) {
				if !contains(r.MembersOf(room), p) {
					t.Fatalf("room %s in roomsOf(%s) but participant missing from membersOf", room, p)
				}
			}
		}
	}
}

func contains(s []string, v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}
