// SPDX-FileCopyrightText: 2026 GuardCall contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/guardcall/guardcall/internal/dispatch"
	"github.com/guardcall/guardcall/internal/transport"
)

type Handler struct {
	Dispatcher *dispatch.Dispatcher
	WS         *transport.Server
}

func NewHandler(dispatcher *dispatch.Dispatcher, ws *transport.Server) *Handler {
	return &Handler{Dispatcher: dispatcher, WS: ws}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Dispatcher.Snapshot())
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /stats", h.Stats)
	mux.HandleFunc("/ws", h.WS.ServeWS)
}
