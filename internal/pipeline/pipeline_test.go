// SPDX-FileCopyrightText: 2026 GuardCall contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/guardcall/guardcall/internal/risk"
	"github.com/guardcall/guardcall/internal/room"
	"github.com/guardcall/guardcall/internal/stt"
	"github.com/guardcall/guardcall/internal/translate"
)

type scriptStream struct {
	results   chan stt.Result
	closeOnce sync.Once
}

func newScriptStream() *scriptStream {
	return &scriptStream{results: make(chan stt.Result, 16)}
}

func (s *scriptStream) Send(chunk []byte) error    { return nil }
func (s *scriptStream) Results() <-chan stt.Result { return s.results }
func (s *scriptStream) Close() error {
	s.closeOnce.Do(func() { close(s.results) })
	return nil
}

func (s *scriptStream) final(text string) {
	s.results <- stt.Result{Text: text}
}

type scriptProvider struct {
	stream *scriptStream
	err    error
}

func (p *scriptProvider) OpenStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.stream, nil
}

type stubTranslator struct {
	err error
}

func (t *stubTranslator) Translate(ctx context.Context, req translate.Request) (*translate.Result, error) {
	if t.err != nil {
		return nil, t.err
	}
	return &translate.Result{TranslatedText: "EN: " + req.Text}, nil
}

type stubAnalyzer struct {
	mu       sync.Mutex
	calls    int
	response string
}

func (a *stubAnalyzer) Analyze(ctx context.Context, req risk.Request) (string, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return a.response, nil
}

func (a *stubAnalyzer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type outputRecorder struct {
	ch chan Output
}

func newOutputRecorder() *outputRecorder {
	return &outputRecorder{ch: make(chan Output, 16)}
}

func (r *outputRecorder) emit(o Output) { r.ch <- o }

func (r *outputRecorder) next(t *testing.T) Output {
	t.Helper()
	select {
	case o := <-r.ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pipeline output")
		return Output{}
	}
}

func testPipeline(t *testing.T, role room.Role, tr translate.Translator, an risk.Analyzer) (*Pipeline, *scriptStream, *outputRecorder) {
	t.Helper()
	stream := newScriptStream()
	rec := newOutputRecorder()
	p := New(
		&scriptProvider{stream: stream},
		translate.NewStage(tr, translate.StageConfig{SourceLang: "es", TargetLang: "en"}, nil),
		risk.NewStage(an, risk.StageConfig{}, nil),
		Config{RoomID: "r1", ParticipantID: "p1", Role: role},
		rec.emit, nil,
	)
	if err := p.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(p.Stop)
	return p, stream, rec
}

func TestPipelineCounterpartGetsVerdict(t *testing.T) {
	an := &stubAnalyzer{response: `{"score": 80, "flags": ["payment pressure"]}`}
	p, stream, rec := testPipeline(t, room.RoleCounterpart, &stubTranslator{}, an)

	stream.final("wire the money now")
	out := rec.next(t)

	if out.Utterance.Text != "wire the money now" {
		t.Errorf("utterance = %q", out.Utterance.Text)
	}
	if out.Translation == nil || out.Translation.TranslatedText != "EN: wire the money now" {
		t.Errorf("translation = %+v", out.Translation)
	}
	if out.Verdict == nil {
		t.Fatal("expected a verdict for counterpart speech")
	}
	if out.Verdict.Score != 80 || out.Verdict.Level != risk.LevelHigh {
		t.Errorf("verdict = %+v", out.Verdict)
	}

	st := p.Stats()
	if st.Utterances != 1 || st.Translations != 1 || st.Verdicts != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPipelineProtectedSpeechNotAnalyzed(t *testing.T) {
	an := &stubAnalyzer{response: `{"score": 99}`}
	_, stream, rec := testPipeline(t, room.RoleProtected, &stubTranslator{}, an)

	stream.final("hello, who is this?")
	out := rec.next(t)

	if out.Translation == nil {
		t.Error("protected speech must still be translated")
	}
	if out.Verdict != nil {
		t.Errorf("protected speech must not carry a verdict, got %+v", out.Verdict)
	}
	if an.callCount() != 0 {
		t.Errorf("analyzer called %d times for protected speech", an.callCount())
	}
}

func TestPipelineTranslationFailureSkipsRisk(t *testing.T) {
	an := &stubAnalyzer{response: `{"score": 80}`}
	p, stream, rec := testPipeline(t, room.RoleCounterpart, &stubTranslator{err: translate.ErrRateLimited}, an)

	stream.final("some text")
	out := rec.next(t)

	if out.Translation != nil || out.Verdict != nil {
		t.Errorf("expected bare transcript output, got %+v", out)
	}
	if an.callCount() != 0 {
		t.Errorf("analyzer must not run after a skipped translation, calls=%d", an.callCount())
	}
	if st := p.Stats(); st.Errors != 1 {
		t.Errorf("errors = %d, want 1", st.Errors)
	}
}

func TestPipelineStartFatal(t *testing.T) {
	p := New(
		&scriptProvider{err: stt.NewFatalError(context.DeadlineExceeded)},
		translate.NewStage(&stubTranslator{}, translate.StageConfig{TargetLang: "en"}, nil),
		risk.NewStage(&stubAnalyzer{}, risk.StageConfig{}, nil),
		Config{RoomID: "r1", ParticipantID: "p1", Role: room.RoleCounterpart},
		func(Output) {}, nil,
	)
	if err := p.Start(context.Background(), nil); err == nil {
		t.Fatal("expected start to fail")
	}
}

func TestPipelineOnDoneFires(t *testing.T) {
	stream := newScriptStream()
	done := make(chan error, 1)
	p := New(
		&scriptProvider{stream: stream},
		translate.NewStage(&stubTranslator{}, translate.StageConfig{TargetLang: "en"}, nil),
		risk.NewStage(&stubAnalyzer{}, risk.StageConfig{}, nil),
		Config{RoomID: "r1", ParticipantID: "p1", Role: room.RoleCounterpart},
		func(Output) {}, nil,
	)
	if err := p.Start(context.Background(), func(err error) { done <- err }); err != nil {
		t.Fatalf("start: %v", err)
	}

	p.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("clean stop must report nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onDone never fired")
	}
}
