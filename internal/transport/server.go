// SPDX-FileCopyrightText: 2026 GuardCall contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport exposes the websocket surface: binary frames carry
// raw PCM audio, JSON messages carry control and signaling, and every
// outbound event is one JSON object.
package transport

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/guardcall/guardcall/internal/constants"
	"github.com/guardcall/guardcall/internal/dispatch"
	"github.com/guardcall/guardcall/internal/rtcingest"
)

type Server struct {
	upgrader   websocket.Upgrader
	dispatcher *dispatch.Dispatcher
	ingester   *rtcingest.Ingester
	logger     *slog.Logger
}

func NewServer(dispatcher *dispatch.Dispatcher, ingester *rtcingest.Ingester, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		upgrader: websocket.Upgrader{
			HandshakeTimeout: constants.WSHandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		dispatcher: dispatcher,
		ingester:   ingester,
		logger:     logger.With("component", "ws_server"),
	}
}

// ServeWS upgrades the request and runs the connection's pumps. The
// read pump owns teardown; the write pump exits with it.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := newClient(conn, s.dispatcher, s.ingester, s.logger)
	s.logger.Info("connection established", "conn", c.id, "remote", r.RemoteAddr)

	go c.writePump()
	go c.readPump()
}
