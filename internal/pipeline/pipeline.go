// SPDX-FileCopyrightText: 2026 GuardCall contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipeline chains transcription, translation and risk analysis
// for one call participant. Audio goes in, composite outputs come out
// through a single emit callback.
package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/guardcall/guardcall/internal/risk"
	"github.com/guardcall/guardcall/internal/room"
	"github.com/guardcall/guardcall/internal/stt"
	"github.com/guardcall/guardcall/internal/translate"
)

// stageTimeout bounds one utterance's trip through the downstream
// stages so a stuck capability cannot wedge the session's result loop.
const stageTimeout = 30 * time.Second

// Output is the composite result for one finalized utterance.
// Translation and Verdict are nil when the respective stage was
// skipped or failed softly.
type Output struct {
	RoomID        string
	ParticipantID string
	Role          room.Role
	Utterance     stt.Utterance
	Translation   *translate.Translation
	Verdict       *risk.Verdict
}

type Config struct {
	RoomID        string
	ParticipantID string
	Role          room.Role
	Session       stt.SessionConfig
}

type Stats struct {
	Utterances   int64
	Translations int64
	Verdicts     int64
	Errors       int64
	Session      stt.SessionStats
}

// Pipeline owns one transcription session and feeds its utterances
// through the shared room stages. The risk stage is shared across the
// room so both roles' speech lands in one conversation window.
type Pipeline struct {
	cfg         Config
	session     *stt.Session
	translation *translate.Stage
	riskStage   *risk.Stage
	emit        func(Output)
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	utterances   atomic.Int64
	translations atomic.Int64
	verdicts     atomic.Int64
	failures     atomic.Int64
}

func New(provider stt.Provider, translation *translate.Stage, riskStage *risk.Stage,
	cfg Config, emit func(Output), logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:         cfg,
		session:     stt.NewSession(provider, cfg.Session, logger),
		translation: translation,
		riskStage:   riskStage,
		emit:        emit,
		logger: logger.With("component", "pipeline",
			"room", cfg.RoomID, "participant", cfg.ParticipantID),
	}
}

// Start opens the transcription session. A fatal open error leaves the
// pipeline fully torn down; onDone fires exactly once after a
// successful start, when the session ends for any reason.
func (p *Pipeline) Start(ctx context.Context, onDone func(err error)) error {
	p.ctx, p.cancel = context.WithCancel(context.Background())

	if err := p.session.Start(ctx, p.handleUtterance); err != nil {
		p.cancel()
		return err
	}

	go func() {
		<-p.session.Done()
		p.cancel()
		if p.session.Err() != nil {
			p.failures.Add(1)
		}
		if onDone != nil {
			onDone(p.session.Err())
		}
	}()

	p.logger.Info("pipeline started", "role", p.cfg.Role)
	return nil
}

func (p *Pipeline) SendAudio(chunk []byte) error {
	return p.session.SendAudio(chunk)
}

// Stop is idempotent and safe to call concurrently with audio flow.
func (p *Pipeline) Stop() {
	p.session.Stop()
}

func (p *Pipeline) Done() <-chan struct{} {
	return p.session.Done()
}

func (p *Pipeline) Err() error {
	return p.session.Err()
}

func (p *Pipeline) Role() room.Role {
	return p.cfg.Role
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Utterances:   p.utterances.Load(),
		Translations: p.translations.Load(),
		Verdicts:     p.verdicts.Load(),
		Errors:       p.failures.Load(),
		Session:      p.session.Stats(),
	}
}

// handleUtterance runs on the session's delivery goroutine. A nil
// translation skips risk analysis for that utterance; the transcript
// itself is always emitted.
func (p *Pipeline) handleUtterance(u stt.Utterance) {
	p.utterances.Add(1)

	ctx, cancel := context.WithTimeout(p.ctx, stageTimeout)
	defer cancel()

	out := Output{
		RoomID:        p.cfg.RoomID,
		ParticipantID: p.cfg.ParticipantID,
		Role:          p.cfg.Role,
		Utterance:     u,
	}

	tr := p.translation.Translate(ctx, u.Text)
	if tr == nil {
		// Finalized utterances are never empty, so a nil translation
		// here is a soft failure.
		p.failures.Add(1)
		p.emit(out)
		return
	}
	p.translations.Add(1)
	out.Translation = tr

	// The risk stage works on translated text so the window stays in
	// one language for the analysis model.
	p.riskStage.AddEntry(p.cfg.ParticipantID, p.cfg.Role, tr.TranslatedText)
	if v := p.riskStage.Analyze(ctx, tr.TranslatedText, p.cfg.ParticipantID, p.cfg.Role); v != nil {
		p.verdicts.Add(1)
		out.Verdict = v
	}

	p.emit(out)
}
