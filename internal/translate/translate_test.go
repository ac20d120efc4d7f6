// SPDX-FileCopyrightText: 2026 GuardCall contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package translate

import (
	"context"
	"sync/atomic"
	"testing"
)

type fakeTranslator struct {
	calls  atomic.Int64
	result *Result
	err    error
}

func (f *fakeTranslator) Translate(ctx context.Context, req Request) (*Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &Result{TranslatedText: "[" + req.TargetLanguage + "] " + req.Text}, nil
}

func TestStageTranslate(t *testing.T) {
	cfg := StageConfig{SourceLang: "es", TargetLang: "en"}

	t.Run("empty text short-circuits without a call", func(t *testing.T) {
		ft := &fakeTranslator{}
		s := NewStage(ft, cfg, nil)
		if got := s.Translate(context.Background(), "   "); got != nil {
			t.Errorf("expected nil for whitespace input, got %+v", got)
		}
		if ft.calls.Load() != 0 {
			t.Errorf("translator must not be called for empty text, calls=%d", ft.calls.Load())
		}
		if s.Requests() != 0 {
			t.Errorf("request counter must not move, got %d", s.Requests())
		}
	})

	t.Run("rate limit fails softly", func(t *testing.T) {
		ft := &fakeTranslator{err: ErrRateLimited}
		s := NewStage(ft, cfg, nil)
		if got := s.Translate(context.Background(), "hola"); got != nil {
			t.Errorf("expected nil on rate limit, got %+v", got)
		}
		if s.Requests() != 1 {
			t.Errorf("request counter = %d, want 1", s.Requests())
		}
	})

	t.Run("successful translation carries languages and text", func(t *testing.T) {
		ft := &fakeTranslator{}
		s := NewStage(ft, cfg, nil)
		tr := s.Translate(context.Background(), "hola")
		if tr == nil {
			t.Fatal("expected a translation")
		}
		if tr.OriginalText != "hola" || tr.TranslatedText != "[en] hola" {
			t.Errorf("unexpected texts: %+v", tr)
		}
		if tr.SourceLanguage != "es" || tr.TargetLanguage != "en" {
			t.Errorf("unexpected languages: %+v", tr)
		}
	})

	t.Run("counter increases monotonically", func(t *testing.T) {
		ft := &fakeTranslator{}
		s := NewStage(ft, cfg, nil)
		for i := 0; i < 5; i++ {
			s.Translate(context.Background(), "text")
		}
		if s.Requests() != 5 {
			t.Errorf("request counter = %d, want 5", s.Requests())
		}
	})

	t.Run("target language change applies to later calls", func(t *testing.T) {
		ft := &fakeTranslator{}
		s := NewStage(ft, cfg, nil)
		s.SetTargetLanguage("fr")
		tr := s.Translate(context.Background(), "hola")
		if tr == nil || tr.TargetLanguage != "fr" {
			t.Errorf("expected fr target, got %+v", tr)
		}
	})
}
