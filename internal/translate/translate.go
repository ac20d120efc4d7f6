// SPDX-FileCopyrightText: 2026 GuardCall contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package translate

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrRateLimited     = errors.New("translate: rate limited")
	ErrUnsupportedPair = errors.New("translate: unsupported language pair")
)

// Request and Result form the translation capability contract.
type Request struct {
	Text              string
	SourceLanguage    string // "auto" requests detection
	PreferredLanguage string // hint for detection, may be empty
	TargetLanguage    string
}

type Result struct {
	TranslatedText         string
	ResolvedSourceLanguage string
}

type Translator interface {
	Translate(ctx context.Context, req Request) (*Result, error)
}

// Translation is the immutable per-utterance value handed downstream.
type Translation struct {
	OriginalText   string        `json:"originalText"`
	TranslatedText string        `json:"translatedText"`
	SourceLanguage string        `json:"sourceLanguage"`
	TargetLanguage string        `json:"targetLanguage"`
	Timestamp      time.Time     `json:"timestamp"`
	Latency        time.Duration `json:"latency"`
}

type StageConfig struct {
	SourceLang    string // fixed code or "auto"
	PreferredLang string // hint passed alongside "auto"
	TargetLang    string
}

// Stage performs one translation call per utterance. Soft failures
// (rate limiting, unsupported pair) yield a nil Translation so the
// pipeline skips downstream stages for that utterance; nothing retries
// at this layer.
type Stage struct {
	translator Translator
	cfg        StageConfig
	mu         sync.Mutex // guards cfg.TargetLang
	requests   atomic.Int64
	logger     *slog.Logger
}

func NewStage(translator Translator, cfg StageConfig, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		translator: translator,
		cfg:        cfg,
		logger:     logger.With("component", "translation_stage"),
	}
}

// Translate returns nil for empty input and on soft failures.
func (s *Stage) Translate(ctx context.Context, text string) *Translation {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	s.mu.Lock()
	target := s.cfg.TargetLang
	s.mu.Unlock()

	source := s.cfg.SourceLang
	req := Request{Text: text, SourceLanguage: source, TargetLanguage: target}
	if source == "auto" {
		req.PreferredLanguage = s.cfg.PreferredLang
	}

	s.requests.Add(1)
	start := time.Now()
	res, err := s.translator.Translate(ctx, req)
	latency := time.Since(start)

	if err != nil {
		switch {
		case errors.Is(err, ErrRateLimited):
			s.logger.Warn("translation rate limited, skipping utterance", "target_lang", target)
		case errors.Is(err, ErrUnsupportedPair):
			s.logger.Warn("unsupported language pair, skipping utterance",
				"source_lang", source, "target_lang", target)
		default:
			s.logger.Error("translation failed, skipping utterance", "error", err)
		}
		return nil
	}
	if res == nil || res.TranslatedText == "" {
		return nil
	}

	resolved := res.ResolvedSourceLanguage
	if resolved == "" {
		resolved = source
	}

	return &Translation{
		OriginalText:   text,
		TranslatedText: res.TranslatedText,
		SourceLanguage: resolved,
		TargetLanguage: target,
		Timestamp:      time.Now(),
		Latency:        latency,
	}
}

// SetTargetLanguage switches the target for subsequent utterances.
func (s *Stage) SetTargetLanguage(lang string) {
	if lang == "" {
		return
	}
	s.mu.Lock()
	s.cfg.TargetLang = lang
	s.mu.Unlock()
	s.logger.Info("target language changed", "target_lang", lang)
}

// Requests reports the monotonically increasing call counter.
func (s *Stage) Requests() int64 {
	return s.requests.Load()
}
