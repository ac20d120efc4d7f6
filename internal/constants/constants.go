// SPDX-FileCopyrightText: 2026 GuardCall contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package constants

import "time"

const (
	// Transcription session defaults.
	DefaultInactivityTimeout    = 30 * time.Second
	DefaultMaxSessionDuration   = 4 * time.Hour
	DefaultReconnectBase        = 1 * time.Second
	DefaultReconnectCap         = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultSendPressureTimeout  = 2 * time.Second

	// Risk analysis defaults.
	DefaultWindowSize   = 20
	DefaultRiskLowMax   = 30
	DefaultRiskHighFrom = 61

	// Admission control.
	DefaultMaxSessions = 20

	// Transport.
	WSHandshakeTimeout = 30 * time.Second
	WSWriteTimeout     = 10 * time.Second
	WSPingInterval     = 30 * time.Second
	WSPongTimeout      = 75 * time.Second
	ClientSendBuffer   = 256

	// HTTP server.
	ServerShutdownTimeout = 30 * time.Second
)
