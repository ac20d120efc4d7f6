// SPDX-FileCopyrightText: 2026 GuardCall contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"encoding/json"
	"time"

	"github.com/guardcall/guardcall/internal/risk"
	"github.com/guardcall/guardcall/internal/room"
	"github.com/guardcall/guardcall/internal/translate"
)

// Event types sent to clients.
const (
	EventJoined               = "joined"
	EventServerFull           = "serverFull"
	EventExistingParticipants = "existingParticipants"
	EventParticipantJoined    = "participantJoined"
	EventParticipantLeft      = "participantLeft"
	EventTranscript           = "transcript"
	EventTranslation          = "translation"
	EventRiskAlert            = "riskAlert"
	EventPipelineOutput       = "pipelineOutput"
	EventStats                = "stats"
	EventError                = "error"
	EventSignal               = "signal"
	EventAnswer               = "answer"
)

// Participant is the membership view shared with clients.
type Participant struct {
	ID   string    `json:"id"`
	Role room.Role `json:"role"`
}

// Event is the single outbound message shape. Unused fields stay empty
// per type.
type Event struct {
	Type          string                 `json:"type"`
	RoomID        string                 `json:"roomId,omitempty"`
	ParticipantID string                 `json:"participantId,omitempty"`
	Role          room.Role              `json:"role,omitempty"`
	Participants  []Participant          `json:"participants,omitempty"`
	Text          string                 `json:"text,omitempty"`
	Language      string                 `json:"language,omitempty"`
	Translation   *translate.Translation `json:"translation,omitempty"`
	Verdict       *risk.Verdict          `json:"verdict,omitempty"`
	Stats         *ParticipantStats      `json:"stats,omitempty"`
	Message       string                 `json:"message,omitempty"`
	From          string                 `json:"from,omitempty"`
	Signal        json.RawMessage        `json:"signal,omitempty"`
	SDP           string                 `json:"sdp,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// ParticipantStats is the per-participant counter view for getStats.
type ParticipantStats struct {
	Utterances   int64   `json:"utterances"`
	Translations int64   `json:"translations"`
	Verdicts     int64   `json:"verdicts"`
	Errors       int64   `json:"errors"`
	AudioBytes   int64   `json:"audioBytes"`
	Reconnects   int     `json:"reconnects"`
	RoomAnalyses int64   `json:"roomAnalyses"`
	RoomMeanRisk float64 `json:"roomMeanRisk"`
}

// EventSink delivers events to one connected client. Implementations
// must not block the caller.
type EventSink interface {
	Deliver(Event)
}
