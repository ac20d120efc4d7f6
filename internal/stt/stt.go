// SPDX-FileCopyrightText: 2026 GuardCall contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package stt

import (
	"context"
	"errors"
)

// Result is one event emitted by a speech stream. Partial results carry
// interim text that may still change; only non-partial results are
// surfaced to session consumers.
type Result struct {
	Text       string
	Partial    bool
	Confidence float64
	Err        error
}

// StreamConfig describes the audio the caller will send.
type StreamConfig struct {
	Language   string
	SampleRate int
	Encoding   string
}

// Stream is one duplex transcription stream: raw audio in, results out.
// The Results channel is closed when the stream ends, naturally or not.
type Stream interface {
	Send(chunk []byte) error
	Results() <-chan Result
	Close() error
}

// Provider opens transcription streams against a speech backend.
type Provider interface {
	OpenStream(ctx context.Context, cfg StreamConfig) (Stream, error)
}

var (
	// ErrNotStreaming is returned by SendAudio when the session is not
	// accepting audio (stopped, reconnecting, or never started).
	ErrNotStreaming = errors.New("stt: session not accepting audio")

	// ErrBackpressure is returned by SendAudio when the outbound buffer
	// stayed full for the whole pressure window.
	ErrBackpressure = errors.New("stt: audio send timed out under backpressure")
)

// FatalError marks a failure as non-recoverable: the session moves to
// Stopped without retrying (bad credentials, quota exceeded).
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	if e == nil || e.Err == nil {
		return "fatal transcription error"
	}
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewFatalError(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
