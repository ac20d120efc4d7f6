// SPDX-FileCopyrightText: 2026 GuardCall contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"encoding/json"

	"github.com/guardcall/guardcall/internal/room"
	"github.com/pion/webrtc/v4"
)

// Inbound message types. Audio normally arrives as binary frames; the
// JSON surface carries control and signaling.
const (
	msgJoin                 = "join"
	msgLeave                = "leave"
	msgGetStats             = "getStats"
	msgChangeTargetLanguage = "changeTargetLanguage"
	msgClearConversation    = "clearConversation"
	msgOffer                = "offer"
	msgCandidate            = "candidate"
	msgRelay                = "relay"
)

type clientMessage struct {
	Type           string                   `json:"type"`
	RoomID         string                   `json:"roomId,omitempty"`
	Role           room.Role                `json:"role,omitempty"`
	TargetLanguage string                   `json:"targetLanguage,omitempty"`
	SDP            string                   `json:"sdp,omitempty"`
	Candidate      *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Payload        json.RawMessage          `json:"payload,omitempty"`
}
