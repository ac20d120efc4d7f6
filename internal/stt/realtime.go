// SPDX-FileCopyrightText: 2026 GuardCall contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package stt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/guardcall/guardcall/internal/constants"
)

// RealtimeConfig points the provider at a realtime transcription
// websocket endpoint (OpenAI Realtime wire protocol).
type RealtimeConfig struct {
	URL    string
	APIKey string
	Model  string
}

// RealtimeProvider opens websocket transcription streams. Reconnection
// policy lives in the Session; each stream here is single-shot.
type RealtimeProvider struct {
	cfg    RealtimeConfig
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewRealtimeProvider(cfg RealtimeConfig, logger *slog.Logger) *RealtimeProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &RealtimeProvider{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: constants.WSHandshakeTimeout,
		},
		logger: logger.With("component", "realtime_provider"),
	}
}

func (p *RealtimeProvider) OpenStream(ctx context.Context, sc StreamConfig) (Stream, error) {
	u, err := url.Parse(p.cfg.URL)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("parse endpoint url: %w", err))
	}
	q := u.Query()
	q.Set("model", p.cfg.Model)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := p.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, NewFatalError(fmt.Errorf("websocket dial rejected (status %d): %w", resp.StatusCode, err))
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	st := &realtimeStream{
		conn:    conn,
		results: make(chan Result, 100),
		logger:  p.logger,
	}

	if err := st.configure(sc); err != nil {
		conn.Close()
		return nil, fmt.Errorf("configure stream: %w", err)
	}

	go st.readLoop()
	p.logger.Debug("stream opened", "model", p.cfg.Model, "language", sc.Language)
	return st, nil
}

type realtimeStream struct {
	conn      *websocket.Conn
	results   chan Result
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    bool
	logger    *slog.Logger
}

type realtimeSessionUpdate struct {
	Type    string                `json:"type"`
	Session realtimeSessionConfig `json:"session"`
}

type realtimeSessionConfig struct {
	Modalities              []string               `json:"modalities,omitempty"`
	InputAudioFormat        string                 `json:"input_audio_format,omitempty"`
	InputAudioTranscription *realtimeTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *realtimeTurnDetection `json:"turn_detection,omitempty"`
}

type realtimeTranscription struct {
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
}

type realtimeTurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    bool    `json:"create_response,omitempty"`
}

type realtimeAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type realtimeServerEvent struct {
	Type       string         `json:"type"`
	Transcript string         `json:"transcript,omitempty"`
	Delta      string         `json:"delta,omitempty"`
	Error      *realtimeError `json:"error,omitempty"`
}

type realtimeError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// configure puts the backend in transcription-only mode with server-side
// voice activity detection committing turns.
func (st *realtimeStream) configure(sc StreamConfig) error {
	update := realtimeSessionUpdate{
		Type: "session.update",
		Session: realtimeSessionConfig{
			Modalities:       []string{"text"},
			InputAudioFormat: "pcm16",
			InputAudioTranscription: &realtimeTranscription{
				Language: languageHint(sc.Language),
			},
			TurnDetection: &realtimeTurnDetection{
				Type:              "server_vad",
				Threshold:         0.5,
				PrefixPaddingMs:   300,
				SilenceDurationMs: 500,
				CreateResponse:    false,
			},
		},
	}
	return st.writeJSON(update)
}

func (st *realtimeStream) Send(chunk []byte) error {
	msg := realtimeAudioAppend{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	}
	return st.writeJSON(msg)
}

func (st *realtimeStream) writeJSON(v any) error {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	if st.closed {
		return fmt.Errorf("stream closed")
	}
	st.conn.SetWriteDeadline(time.Now().Add(constants.WSWriteTimeout))
	return st.conn.WriteJSON(v)
}

func (st *realtimeStream) Results() <-chan Result {
	return st.results
}

func (st *realtimeStream) readLoop() {
	defer close(st.results)

	for {
		_, data, err := st.conn.ReadMessage()
		if err != nil {
			st.writeMu.Lock()
			closed := st.closed
			st.writeMu.Unlock()
			if !closed {
				// Surfaced as a recoverable stream failure; the session
				// decides whether to reconnect.
				st.emit(Result{Err: fmt.Errorf("websocket read: %w", err)})
			}
			return
		}

		var ev realtimeServerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			st.logger.Debug("unparseable server event", "error", err)
			continue
		}

		switch ev.Type {
		case "conversation.item.input_audio_transcription.delta":
			if ev.Delta != "" {
				st.emit(Result{Text: ev.Delta, Partial: true})
			}
		case "conversation.item.input_audio_transcription.completed":
			if ev.Transcript != "" {
				st.emit(Result{Text: ev.Transcript})
			}
		case "error":
			if ev.Error == nil {
				continue
			}
			err := fmt.Errorf("backend error %s: %s", ev.Error.Code, ev.Error.Message)
			switch ev.Error.Code {
			case "invalid_api_key", "insufficient_quota", "invalid_request_error":
				st.emit(Result{Err: NewFatalError(err)})
				return
			default:
				st.logger.Warn("backend error event", "code", ev.Error.Code, "message", ev.Error.Message)
			}
		}
	}
}

func (st *realtimeStream) emit(r Result) {
	select {
	case st.results <- r:
	default:
		st.logger.Warn("results channel full, dropping event")
	}
}

func (st *realtimeStream) Close() error {
	st.closeOnce.Do(func() {
		st.writeMu.Lock()
		st.closed = true
		st.conn.SetWriteDeadline(time.Now().Add(time.Second))
		st.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		st.writeMu.Unlock()
		st.conn.Close()
	})
	return nil
}

// languageHint maps the configured source language to a backend hint;
// "auto" means let the backend detect.
func languageHint(lang string) string {
	if lang == "" || lang == "auto" {
		return ""
	}
	return lang
}
