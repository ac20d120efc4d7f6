// SPDX-FileCopyrightText: 2026 GuardCall contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dispatch owns room lifecycle and routing: who is in which
// room under which role, which pipeline serves them, and which events
// each member may see. Risk alerts in particular go only to the
// Protected participant.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/guardcall/guardcall/internal/pipeline"
	"github.com/guardcall/guardcall/internal/risk"
	"github.com/guardcall/guardcall/internal/room"
	"github.com/guardcall/guardcall/internal/stt"
	"github.com/guardcall/guardcall/internal/translate"
)

var (
	ErrAtCapacity    = errors.New("dispatch: server at session capacity")
	ErrUnknownRoom   = errors.New("dispatch: unknown room")
	ErrNotMember     = errors.New("dispatch: not a room member")
	ErrAlreadyInRoom = errors.New("dispatch: already joined")
)

// Config carries the per-pipeline settings the dispatcher fans out.
type Config struct {
	Session       stt.SessionConfig
	SourceLang    string
	PreferredLang string
	TargetLang    string
	Risk          risk.StageConfig
}

type member struct {
	id          string
	role        room.Role
	sink        EventSink
	pipe        *pipeline.Pipeline
	translation *translate.Stage
}

// callRoom shares one risk stage across all members so both roles'
// speech lands in a single conversation window.
type callRoom struct {
	id        string
	riskStage *risk.Stage
	members   map[string]*member
}

func (cr *callRoom) protected() *member {
	for _, m := range cr.members {
		if m.role == room.RoleProtected {
			return m
		}
	}
	return nil
}

func (cr *callRoom) participants() []Participant {
	out := make([]Participant, 0, len(cr.members))
	for _, m := range cr.members {
		out = append(out, Participant{ID: m.id, Role: m.role})
	}
	return out
}

type Dispatcher struct {
	cfg        Config
	provider   stt.Provider
	translator translate.Translator
	analyzer   risk.Analyzer
	registry   *room.Registry
	pool       *pipeline.Pool
	logger     *slog.Logger

	mu    sync.Mutex
	rooms map[string]*callRoom
}

func New(cfg Config, provider stt.Provider, translator translate.Translator,
	analyzer risk.Analyzer, registry *room.Registry, pool *pipeline.Pool,
	logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:        cfg,
		provider:   provider,
		translator: translator,
		analyzer:   analyzer,
		registry:   registry,
		pool:       pool,
		logger:     logger.With("component", "dispatcher"),
		rooms:      make(map[string]*callRoom),
	}
}

// Join admits a participant into a room and starts their pipeline.
// Role assignment: the first joiner is Protected; a later explicit
// Protected claim is demoted to Counterpart when the room already has
// one. Capacity is checked before any pipeline resources are built and
// surfaces as ErrAtCapacity plus a serverFull event.
func (d *Dispatcher) Join(ctx context.Context, roomID, participantID string, claimed room.Role, sink EventSink) (room.Role, error) {
	d.mu.Lock()
	cr, ok := d.rooms[roomID]
	if !ok {
		cr = &callRoom{
			id:        roomID,
			riskStage: risk.NewStage(d.analyzer, d.cfg.Risk, d.logger.With("room", roomID)),
			members:   make(map[string]*member),
		}
		d.rooms[roomID] = cr
	}
	if _, exists := cr.members[participantID]; exists {
		d.mu.Unlock()
		return "", ErrAlreadyInRoom
	}

	role := d.resolveRole(cr, claimed)

	if !d.pool.TryAdmit(poolKey(roomID, participantID)) {
		d.dropRoomIfEmptyLocked(roomID)
		d.mu.Unlock()
		sink.Deliver(Event{Type: EventServerFull, RoomID: roomID, Timestamp: time.Now()})
		return "", ErrAtCapacity
	}

	m := &member{
		id:   participantID,
		role: role,
		sink: sink,
		translation: translate.NewStage(d.translator, translate.StageConfig{
			SourceLang:    d.cfg.SourceLang,
			PreferredLang: d.cfg.PreferredLang,
			TargetLang:    d.cfg.TargetLang,
		}, d.logger.With("room", roomID, "participant", participantID)),
	}
	m.pipe = pipeline.New(d.provider, m.translation, cr.riskStage, pipeline.Config{
		RoomID:        roomID,
		ParticipantID: participantID,
		Role:          role,
		Session:       d.cfg.Session,
	}, d.handleOutput, d.logger)
	cr.members[participantID] = m
	d.mu.Unlock()

	key := poolKey(roomID, participantID)
	if err := m.pipe.Start(ctx, func(err error) { d.onPipelineDone(roomID, participantID, err) }); err != nil {
		d.pool.Release(key)
		d.mu.Lock()
		delete(cr.members, participantID)
		d.dropRoomIfEmptyLocked(roomID)
		d.mu.Unlock()
		return "", err
	}
	d.pool.Bind(key, m.pipe)
	d.registry.Join(roomID, participantID)

	d.mu.Lock()
	existing := make([]Participant, 0, len(cr.members)-1)
	for _, other := range cr.members {
		if other.id != participantID {
			existing = append(existing, Participant{ID: other.id, Role: other.role})
		}
	}
	others := cr.otherSinks(participantID)
	d.mu.Unlock()

	now := time.Now()
	sink.Deliver(Event{Type: EventJoined, RoomID: roomID, ParticipantID: participantID, Role: role, Timestamp: now})
	sink.Deliver(Event{Type: EventExistingParticipants, RoomID: roomID, Participants: existing, Timestamp: now})
	for _, s := range others {
		s.Deliver(Event{Type: EventParticipantJoined, RoomID: roomID, ParticipantID: participantID, Role: role, Timestamp: now})
	}

	d.logger.Info("participant joined", "room", roomID, "participant", participantID, "role", role)
	return role, nil
}

// resolveRole must be called with d.mu held.
func (d *Dispatcher) resolveRole(cr *callRoom, claimed room.Role) room.Role {
	hasProtected := cr.protected() != nil
	switch {
	case !claimed.Valid():
		if hasProtected {
			return room.RoleCounterpart
		}
		return room.RoleProtected
	case claimed == room.RoleProtected && hasProtected:
		d.logger.Warn("protected role already taken, demoting joiner to counterpart", "room", cr.id)
		return room.RoleCounterpart
	default:
		return claimed
	}
}

// Leave stops the participant's pipeline and notifies the remaining
// members. The room's risk history dies with its last member.
func (d *Dispatcher) Leave(roomID, participantID string) error {
	d.mu.Lock()
	cr, ok := d.rooms[roomID]
	if !ok {
		d.mu.Unlock()
		return ErrUnknownRoom
	}
	m, ok := cr.members[participantID]
	if !ok {
		d.mu.Unlock()
		return ErrNotMember
	}
	delete(cr.members, participantID)
	others := cr.otherSinks(participantID)
	d.dropRoomIfEmptyLocked(roomID)
	d.mu.Unlock()

	m.pipe.Stop()
	d.pool.Release(poolKey(roomID, participantID))
	d.registry.Leave(roomID, participantID)

	now := time.Now()
	for _, s := range others {
		s.Deliver(Event{Type: EventParticipantLeft, RoomID: roomID, ParticipantID: participantID, Timestamp: now})
	}
	d.logger.Info("participant left", "room", roomID, "participant", participantID)
	return nil
}

// SendAudio forwards one audio chunk to the participant's pipeline.
func (d *Dispatcher) SendAudio(roomID, participantID string, chunk []byte) error {
	m, err := d.memberOf(roomID, participantID)
	if err != nil {
		return err
	}
	return m.pipe.SendAudio(chunk)
}

// ChangeTargetLanguage applies to the participant's later utterances.
func (d *Dispatcher) ChangeTargetLanguage(roomID, participantID, lang string) error {
	m, err := d.memberOf(roomID, participantID)
	if err != nil {
		return err
	}
	m.translation.SetTargetLanguage(lang)
	return nil
}

// ClearConversation wipes the room's risk analysis history.
func (d *Dispatcher) ClearConversation(roomID string) error {
	d.mu.Lock()
	cr, ok := d.rooms[roomID]
	d.mu.Unlock()
	if !ok {
		return ErrUnknownRoom
	}
	cr.riskStage.ClearHistory()
	return nil
}

// StatsOf answers a getStats request for one participant.
func (d *Dispatcher) StatsOf(roomID, participantID string) (*ParticipantStats, error) {
	d.mu.Lock()
	cr, ok := d.rooms[roomID]
	if !ok {
		d.mu.Unlock()
		return nil, ErrUnknownRoom
	}
	m, ok := cr.members[participantID]
	if !ok {
		d.mu.Unlock()
		return nil, ErrNotMember
	}
	stage := cr.riskStage
	d.mu.Unlock()

	ps := m.pipe.Stats()
	rs := stage.Stats()
	return &ParticipantStats{
		Utterances:   ps.Utterances,
		Translations: ps.Translations,
		Verdicts:     ps.Verdicts,
		Errors:       ps.Errors,
		AudioBytes:   ps.Session.AudioBytes,
		Reconnects:   ps.Session.Reconnects,
		RoomAnalyses: rs.Total,
		RoomMeanRisk: rs.MeanScore,
	}, nil
}

// Relay forwards a signaling payload to every other room member.
func (d *Dispatcher) Relay(roomID, from string, payload json.RawMessage) error {
	d.mu.Lock()
	cr, ok := d.rooms[roomID]
	if !ok {
		d.mu.Unlock()
		return ErrUnknownRoom
	}
	if _, member := cr.members[from]; !member {
		d.mu.Unlock()
		return ErrNotMember
	}
	others := cr.otherSinks(from)
	d.mu.Unlock()

	ev := Event{Type: EventSignal, RoomID: roomID, From: from, Signal: payload, Timestamp: time.Now()}
	for _, s := range others {
		s.Deliver(ev)
	}
	return nil
}

// Disconnect removes the participant from every room they are in,
// used when their connection drops.
func (d *Dispatcher) Disconnect(participantID string) {
	for _, roomID := range d.registry.RoomsOf(participantID) {
		if err := d.Leave(roomID, participantID); err != nil {
			d.logger.Warn("disconnect cleanup failed", "room", roomID, "participant", participantID, "error", err)
		}
	}
}

// RoomSnapshot and Snapshot are the operator-facing service view.
type RoomSnapshot struct {
	RoomID       string               `json:"roomId"`
	Participants []Participant        `json:"participants"`
	Analyses     int64                `json:"analyses"`
	PerLevel     map[risk.Level]int64 `json:"perLevel"`
	MeanRisk     float64              `json:"meanRisk"`
}

type Snapshot struct {
	Rooms        int            `json:"rooms"`
	LiveSessions int            `json:"liveSessions"`
	RoomList     []RoomSnapshot `json:"roomList"`
}

func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	list := make([]RoomSnapshot, 0, len(d.rooms))
	for id, cr := range d.rooms {
		rs := cr.riskStage.Stats()
		list = append(list, RoomSnapshot{
			RoomID:       id,
			Participants: cr.participants(),
			Analyses:     rs.Total,
			PerLevel:     rs.PerLevel,
			MeanRisk:     rs.MeanScore,
		})
	}
	d.mu.Unlock()
	return Snapshot{Rooms: len(list), LiveSessions: d.pool.Live(), RoomList: list}
}

// Shutdown drains every live pipeline; rooms are left to die with
// their connections.
func (d *Dispatcher) Shutdown() {
	d.logger.Info("dispatcher shutting down", "live_sessions", d.pool.Live())
	d.pool.DrainAll()
}

// handleOutput fans one pipeline output into the room. Transcript and
// translation are broadcast to every member; the full composite and
// the risk alert go only to the Protected participant, so a verdict
// about Counterpart speech never reaches the Counterpart. A verdict
// with no Protected member present is logged and dropped, never
// broadcast as a fallback.
func (d *Dispatcher) handleOutput(o pipeline.Output) {
	d.mu.Lock()
	cr, ok := d.rooms[o.RoomID]
	if !ok {
		d.mu.Unlock()
		return
	}
	sinks := make([]EventSink, 0, len(cr.members))
	for _, m := range cr.members {
		sinks = append(sinks, m.sink)
	}
	prot := cr.protected()
	d.mu.Unlock()

	now := time.Now()
	base := Event{
		RoomID:        o.RoomID,
		ParticipantID: o.ParticipantID,
		Role:          o.Role,
		Text:          o.Utterance.Text,
		Language:      o.Utterance.Language,
		Timestamp:     now,
	}

	transcript := base
	transcript.Type = EventTranscript
	for _, s := range sinks {
		s.Deliver(transcript)
	}

	if o.Translation != nil {
		translation := base
		translation.Type = EventTranslation
		translation.Translation = o.Translation
		for _, s := range sinks {
			s.Deliver(translation)
		}
	}

	if prot != nil {
		composite := base
		composite.Type = EventPipelineOutput
		composite.Translation = o.Translation
		composite.Verdict = o.Verdict
		prot.sink.Deliver(composite)
	}

	if o.Verdict == nil {
		return
	}
	if prot == nil {
		d.logger.Warn("risk verdict dropped, no protected participant in room",
			"room", o.RoomID, "level", o.Verdict.Level, "score", o.Verdict.Score)
		return
	}
	alert := base
	alert.Type = EventRiskAlert
	alert.Verdict = o.Verdict
	prot.sink.Deliver(alert)
}

func (d *Dispatcher) onPipelineDone(roomID, participantID string, err error) {
	d.pool.Release(poolKey(roomID, participantID))
	if err == nil {
		return
	}
	d.logger.Error("pipeline ended with error", "room", roomID, "participant", participantID, "error", err)
	if m, merr := d.memberOf(roomID, participantID); merr == nil {
		m.sink.Deliver(Event{
			Type:          EventError,
			RoomID:        roomID,
			ParticipantID: participantID,
			Message:       "transcription session ended: " + err.Error(),
			Timestamp:     time.Now(),
		})
	}
}

func (d *Dispatcher) memberOf(roomID, participantID string) (*member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cr, ok := d.rooms[roomID]
	if !ok {
		return nil, ErrUnknownRoom
	}
	m, ok := cr.members[participantID]
	if !ok {
		return nil, ErrNotMember
	}
	return m, nil
}

// Must be called with d.mu held.
func (cr *callRoom) otherSinks(except string) []EventSink {
	out := make([]EventSink, 0, len(cr.members))
	for _, m := range cr.members {
		if m.id != except {
			out = append(out, m.sink)
		}
	}
	return out
}

// Must be called with d.mu held.
func (d *Dispatcher) dropRoomIfEmptyLocked(roomID string) {
	if cr, ok := d.rooms[roomID]; ok && len(cr.members) == 0 {
		delete(d.rooms, roomID)
	}
}

func poolKey(roomID, participantID string) string {
	return roomID + "/" + participantID
}
