// SPDX-FileCopyrightText: 2026 GuardCall contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/guardcall/guardcall/internal/constants"
	"github.com/guardcall/guardcall/internal/dispatch"
	"github.com/guardcall/guardcall/internal/rtcingest"
)

// Client is one websocket connection. Its uuid doubles as the
// participant ID for the connection's lifetime; a client joins at most
// one room at a time.
type Client struct {
	id         string
	conn       *websocket.Conn
	dispatcher *dispatch.Dispatcher
	ingester   *rtcingest.Ingester
	logger     *slog.Logger

	send chan dispatch.Event
	done chan struct{}

	mu     sync.Mutex
	roomID string
}

func newClient(conn *websocket.Conn, dispatcher *dispatch.Dispatcher, ingester *rtcingest.Ingester, logger *slog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:         id,
		conn:       conn,
		dispatcher: dispatcher,
		ingester:   ingester,
		logger:     logger.With("component", "ws_client", "conn", id),
		send:       make(chan dispatch.Event, constants.ClientSendBuffer),
		done:       make(chan struct{}),
	}
}

// Deliver queues an event toward the client without blocking the
// caller. A full buffer means the client is too slow; the event is
// dropped and logged.
func (c *Client) Deliver(e dispatch.Event) {
	select {
	case c.send <- e:
	default:
		c.logger.Warn("client send buffer full, dropping event", "event", e.Type)
	}
}

func (c *Client) room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Client) setRoom(roomID string) {
	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()
}

func (c *Client) readPump() {
	defer c.cleanup()

	c.conn.SetReadDeadline(time.Now().Add(constants.WSPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WSPongTimeout))
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("connection read failed", "error", err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			c.handleAudio(data)
		case websocket.TextMessage:
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.sendError("malformed message: " + err.Error())
				continue
			}
			c.handleMessage(msg)
		}
	}
}

func (c *Client) handleAudio(chunk []byte) {
	roomID := c.room()
	if roomID == "" {
		return
	}
	if err := c.dispatcher.SendAudio(roomID, c.id, chunk); err != nil {
		c.logger.Debug("audio rejected", "error", err)
	}
}

func (c *Client) handleMessage(msg clientMessage) {
	switch msg.Type {
	case msgJoin:
		c.handleJoin(msg)

	case msgLeave:
		roomID := c.room()
		if roomID == "" {
			return
		}
		c.setRoom("")
		c.ingester.ClosePeer(c.id)
		if err := c.dispatcher.Leave(roomID, c.id); err != nil {
			c.logger.Warn("leave failed", "room", roomID, "error", err)
		}

	case msgGetStats:
		stats, err := c.dispatcher.StatsOf(c.room(), c.id)
		if err != nil {
			c.sendError("stats unavailable: " + err.Error())
			return
		}
		c.Deliver(dispatch.Event{Type: dispatch.EventStats, RoomID: c.room(), ParticipantID: c.id, Stats: stats, Timestamp: time.Now()})

	case msgChangeTargetLanguage:
		if err := c.dispatcher.ChangeTargetLanguage(c.room(), c.id, msg.TargetLanguage); err != nil {
			c.sendError("language change failed: " + err.Error())
		}

	case msgClearConversation:
		if err := c.dispatcher.ClearConversation(c.room()); err != nil {
			c.sendError("clear failed: " + err.Error())
		}

	case msgOffer:
		c.handleOffer(msg)

	case msgCandidate:
		if msg.Candidate == nil {
			return
		}
		if err := c.ingester.HandleCandidate(c.id, *msg.Candidate); err != nil {
			c.logger.Warn("ice candidate rejected", "error", err)
		}

	case msgRelay:
		if err := c.dispatcher.Relay(c.room(), c.id, msg.Payload); err != nil {
			c.sendError("relay failed: " + err.Error())
		}

	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}

func (c *Client) handleJoin(msg clientMessage) {
	if c.room() != "" {
		c.sendError("already in a room")
		return
	}
	if msg.RoomID == "" {
		c.sendError("join requires a roomId")
		return
	}

	role, err := c.dispatcher.Join(context.Background(), msg.RoomID, c.id, msg.Role, c)
	switch {
	case errors.Is(err, dispatch.ErrAtCapacity):
		// serverFull already delivered by the dispatcher.
		return
	case err != nil:
		c.sendError("join failed: " + err.Error())
		return
	}
	c.setRoom(msg.RoomID)
	c.logger.Info("joined room", "room", msg.RoomID, "role", role)
}

func (c *Client) handleOffer(msg clientMessage) {
	if c.room() == "" {
		c.sendError("join a room before sending an offer")
		return
	}
	answer, err := c.ingester.HandleOffer(c.id, msg.SDP, func(chunk []byte) {
		c.handleAudio(chunk)
	})
	if err != nil {
		c.sendError("offer rejected: " + err.Error())
		return
	}
	c.Deliver(dispatch.Event{Type: dispatch.EventAnswer, SDP: answer, Timestamp: time.Now()})
}

func (c *Client) sendError(message string) {
	c.Deliver(dispatch.Event{Type: dispatch.EventError, Message: message, Timestamp: time.Now()})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(constants.WSPingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return

		case e := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WSWriteTimeout))
			if err := c.conn.WriteJSON(e); err != nil {
				c.logger.Warn("event write failed", "event", e.Type, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WSWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) cleanup() {
	close(c.done)
	c.ingester.ClosePeer(c.id)
	c.dispatcher.Disconnect(c.id)
	c.conn.Close()
	c.logger.Info("connection closed")
}
