// SPDX-FileCopyrightText: 2026 GuardCall contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guardcall/guardcall/internal/constants"
)

// State of a transcription session.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Utterance is one finalized unit of transcribed speech.
type Utterance struct {
	Text      string
	Language  string
	Timestamp time.Time
}

type SessionConfig struct {
	Stream               StreamConfig
	InactivityTimeout    time.Duration
	MaxDuration          time.Duration
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts int
	SendPressureTimeout  time.Duration
	AudioBuffer          int
}

func (c *SessionConfig) applyDefaults() {
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = constants.DefaultInactivityTimeout
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = constants.DefaultMaxSessionDuration
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = constants.DefaultReconnectBase
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = constants.DefaultReconnectCap
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = constants.DefaultMaxReconnectAttempts
	}
	if c.SendPressureTimeout <= 0 {
		c.SendPressureTimeout = constants.DefaultSendPressureTimeout
	}
	if c.AudioBuffer <= 0 {
		c.AudioBuffer = 64
	}
}

type SessionStats struct {
	StartedAt   time.Time
	AudioBytes  int64
	AudioChunks int64
	Reconnects  int
}

// Graceful termination causes; not surfaced as session errors.
var (
	errStreamEnded    = errors.New("stream ended")
	errInactive       = errors.New("inactivity timeout")
	errSessionExpired = errors.New("max session duration reached")
)

// Session owns one audio-in / text-out streaming transcription session.
// It delivers finalized utterances to its sink in the order the backend
// emitted them, reconnects with bounded exponential backoff on transient
// failures, and stops gracefully on inactivity or max duration.
type Session struct {
	provider Provider
	cfg      SessionConfig
	logger   *slog.Logger

	state   atomic.Int32
	audioCh chan []byte
	done    chan struct{}

	sinkMu sync.Mutex
	sink   func(Utterance)

	cancel   context.CancelFunc
	stopOnce sync.Once

	errMu sync.Mutex
	err   error

	startedAt  time.Time
	lastAudio  atomic.Int64
	bytes      atomic.Int64
	chunks     atomic.Int64
	reconnects atomic.Int32
}

func NewSession(provider Provider, cfg SessionConfig, logger *slog.Logger) *Session {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		provider: provider,
		cfg:      cfg,
		logger:   logger.With("component", "transcription_session"),
		audioCh:  make(chan []byte, cfg.AudioBuffer),
		done:     make(chan struct{}),
	}
}

// Start opens the first stream synchronously so that fatal open failures
// (bad credentials, quota) surface to the caller; there is no retry at
// this point. On success the session is Streaming and the sink will be
// called once per finalized utterance until Stop.
func (s *Session) Start(ctx context.Context, sink func(Utterance)) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		return fmt.Errorf("stt: start called on %s session", s.State())
	}

	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	stream, err := s.provider.OpenStream(runCtx, s.cfg.Stream)
	if err != nil {
		cancel()
		s.state.Store(int32(StateStopped))
		s.setErr(err)
		close(s.done)
		return fmt.Errorf("stt: open stream: %w", err)
	}

	s.startedAt = time.Now()
	s.lastAudio.Store(time.Now().UnixNano())
	s.state.Store(int32(StateStreaming))
	s.logger.Info("session streaming", "language", s.cfg.Stream.Language, "sample_rate", s.cfg.Stream.SampleRate)

	go s.run(runCtx, stream)
	return nil
}

// SendAudio queues one audio chunk toward the backend stream. It is
// rejected unless the session is Streaming or Starting. When the
// outbound buffer is full the call blocks until drained or the pressure
// window elapses, bounding memory growth from bursty audio.
func (s *Session) SendAudio(chunk []byte) error {
	st := s.State()
	if st != StateStreaming && st != StateStarting {
		return fmt.Errorf("%w (state %s)", ErrNotStreaming, st)
	}

	select {
	case s.audioCh <- chunk:
	default:
		t := time.NewTimer(s.cfg.SendPressureTimeout)
		defer t.Stop()
		select {
		case s.audioCh <- chunk:
		case <-t.C:
			return ErrBackpressure
		case <-s.done:
			return fmt.Errorf("%w (state %s)", ErrNotStreaming, s.State())
		}
	}

	s.lastAudio.Store(time.Now().UnixNano())
	s.bytes.Add(int64(len(chunk)))
	s.chunks.Add(1)
	return nil
}

// Stop terminates the session. Idempotent, safe from any goroutine, and
// guarantees no sink callback fires after it returns.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.sinkMu.Lock()
		s.sink = nil
		s.sinkMu.Unlock()
		s.state.Store(int32(StateStopped))
		if s.cancel != nil {
			s.cancel()
		}
		s.logger.Info("session stopped")
	})
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session reaches Stopped and its goroutines
// have exited (or Start failed).
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports the fatal error that terminated the session, if any.
// Graceful terminations (Stop, inactivity, max duration) leave it nil.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) Stats() SessionStats {
	return SessionStats{
		StartedAt:   s.startedAt,
		AudioBytes:  s.bytes.Load(),
		AudioChunks: s.chunks.Load(),
		Reconnects:  int(s.reconnects.Load()),
	}
}

func (s *Session) run(ctx context.Context, stream Stream) {
	defer close(s.done)
	defer s.state.Store(int32(StateStopped))
	defer s.detachSink()

	attempt := 0
	for {
		cause := s.consume(ctx, stream)
		stream.Close()

		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(cause, errInactive), errors.Is(cause, errSessionExpired):
			s.logger.Info("session ended", "reason", cause.Error())
			return
		case IsFatal(cause):
			s.fail(cause)
			return
		}

		// Recoverable: back off and reopen until a stream comes up or
		// the attempt budget is spent. The counter persists across the
		// whole session, never resetting on success.
		reopened := false
		for !reopened {
			attempt++
			if attempt > s.cfg.MaxReconnectAttempts {
				s.fail(fmt.Errorf("stt: gave up after %d reconnect attempts: %w", s.cfg.MaxReconnectAttempts, cause))
				return
			}
			s.reconnects.Store(int32(attempt))

			delay := backoffDelay(s.cfg.ReconnectBase, s.cfg.ReconnectCap, attempt-1)
			s.state.Store(int32(StateReconnecting))
			s.logger.Warn("stream lost, reconnecting", "attempt", attempt, "delay", delay, "cause", cause)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			s.state.Store(int32(StateStarting))
			ns, err := s.provider.OpenStream(ctx, s.cfg.Stream)
			if err != nil {
				if IsFatal(err) {
					s.fail(err)
					return
				}
				cause = err
				continue
			}
			stream = ns
			s.state.Store(int32(StateStreaming))
			s.logger.Info("stream reconnected", "attempt", attempt)
			reopened = true
		}
	}
}

// consume drives one stream until it ends: delivers finalized results,
// watches inactivity and max duration on a tick, and keeps the audio
// pump running for the stream's lifetime.
func (s *Session) consume(ctx context.Context, stream Stream) error {
	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go s.pumpAudio(pumpCtx, stream)

	ticker := time.NewTicker(tickInterval(s.cfg.InactivityTimeout))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case r, ok := <-stream.Results():
			if !ok {
				return errStreamEnded
			}
			if r.Err != nil {
				return r.Err
			}
			if r.Partial {
				// Interim results inform timing only; never surfaced.
				continue
			}
			text := strings.TrimSpace(r.Text)
			if text == "" {
				continue
			}
			s.deliver(Utterance{
				Text:      text,
				Language:  s.cfg.Stream.Language,
				Timestamp: time.Now(),
			})

		case <-ticker.C:
			last := time.Unix(0, s.lastAudio.Load())
			if time.Since(last) > s.cfg.InactivityTimeout {
				return errInactive
			}
			if time.Since(s.startedAt) > s.cfg.MaxDuration {
				return errSessionExpired
			}
		}
	}
}

func (s *Session) pumpAudio(ctx context.Context, stream Stream) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-s.audioCh:
			if err := stream.Send(chunk); err != nil {
				s.logger.Warn("audio write failed", "error", err)
				return
			}
		}
	}
}

func (s *Session) deliver(u Utterance) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	if s.sink == nil || s.State() == StateStopped {
		return
	}
	s.sink(u)
}

func (s *Session) detachSink() {
	s.sinkMu.Lock()
	s.sink = nil
	s.sinkMu.Unlock()
}

func (s *Session) fail(err error) {
	s.setErr(err)
	s.logger.Error("session failed", "error", err)
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

func tickInterval(inactivity time.Duration) time.Duration {
	t := inactivity / 4
	if t < 10*time.Millisecond {
		return 10 * time.Millisecond
	}
	if t > time.Second {
		return time.Second
	}
	return t
}
