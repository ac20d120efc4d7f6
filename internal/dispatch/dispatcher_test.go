// SPDX-FileCopyrightText: 2026 GuardCall contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/guardcall/guardcall/internal/pipeline"
	"github.com/guardcall/guardcall/internal/risk"
	"github.com/guardcall/guardcall/internal/room"
	"github.com/guardcall/guardcall/internal/stt"
	"github.com/guardcall/guardcall/internal/translate"
)

type scriptStream struct {
	results   chan stt.Result
	closeOnce sync.Once
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

// scriptProvider hands out one fresh stream per open, in order.
type scriptProvider struct {
	mu      sync.Mutex
	streams []*scriptStream
}

func (p *scriptProvider) OpenStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &scriptStream{results: make(chan stt.Result, 16)}
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *scriptProvider) opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

func (p *scriptProvider) stream(i int) *scriptStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams[i]
}

type echoTranslator struct{}

func (echoTranslator) Translate(ctx context.Context, req translate.Request) (*translate.Result, error) {
	return &translate.Result{TranslatedText: "EN: " + req.Text}, nil
}

type fixedAnalyzer struct {
	mu       sync.Mutex
	calls    int
	response string
}

func (a *fixedAnalyzer) Analyze(ctx context.Context, req risk.Request) (string, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return a.response, nil
}

func (a *fixedAnalyzer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakeSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *fakeSink) Deliver(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *fakeSink) count(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (s *fakeSink) last(eventType string) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Type == eventType {
			return s.events[i], true
		}
	}
	return Event{}, false
}

func (s *fakeSink) waitFor(t *testing.T, eventType string) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e, ok := s.last(eventType); ok {
			return e
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s event", eventType)
	return Event{}
}

func newTestDispatcher(t *testing.T, maxSessions int, analyzer risk.Analyzer) (*Dispatcher, *scriptProvider) {
	t.Helper()
	provider := &scriptProvider{}
	d := New(
		Config{
			SourceLang: "auto",
			TargetLang: "en",
		},
		provider, echoTranslator{}, analyzer,
		room.NewRegistry(nil),
		pipeline.NewPool(maxSessions, nil),
		nil,
	)
	t.Cleanup(d.Shutdown)
	return d, provider
}

func TestHighRiskAlertReachesOnlyProtected(t *testing.T) {
	an := &fixedAnalyzer{response: `{"summary":"credential request","score":90,"flags":["asks for card number"]}`}
	d, provider := newTestDispatcher(t, 10, an)

	p1, p2 := &fakeSink{}, &fakeSink{}
	role1, err := d.Join(context.Background(), "r1", "p1", "", p1)
	if err != nil || role1 != room.RoleProtected {
		t.Fatalf("first joiner: role=%s err=%v", role1, err)
	}
	role2, err := d.Join(context.Background(), "r1", "p2", "", p2)
	if err != nil || role2 != room.RoleCounterpart {
		t.Fatalf("second joiner: role=%s err=%v", role2, err)
	}

	provider.stream(1).final("read me your card number")

	alert := p1.waitFor(t, EventRiskAlert)
	if alert.Verdict == nil || alert.Verdict.Level != risk.LevelHigh || alert.Verdict.Score != 90 {
		t.Errorf("alert verdict = %+v", alert.Verdict)
	}
	if alert.ParticipantID != "p2" {
		t.Errorf("alert attributes speech to %s, want p2", alert.ParticipantID)
	}

	p1.waitFor(t, EventTranscript)
	p2.waitFor(t, EventTranscript)
	tl := p2.waitFor(t, EventTranslation)
	if tl.Translation == nil || tl.Translation.TranslatedText == "" {
		t.Errorf("translation event = %+v", tl)
	}

	comp := p1.waitFor(t, EventPipelineOutput)
	if comp.Verdict == nil || comp.Translation == nil {
		t.Errorf("composite output = %+v", comp)
	}
	if n := p2.count(EventRiskAlert) + p2.count(EventPipelineOutput); n != 0 {
		t.Errorf("counterpart received %d restricted events, want 0", n)
	}
}

func TestProtectedSpeechNeverAnalyzed(t *testing.T) {
	an := &fixedAnalyzer{response: `{"score":99}`}
	d, provider := newTestDispatcher(t, 10, an)

	p1, p2 := &fakeSink{}, &fakeSink{}
	mustJoin(t, d, "r1", "p1", "", p1)
	mustJoin(t, d, "r1", "p2", "", p2)

	provider.stream(0).final("my PIN is 1234")

	tr := p2.waitFor(t, EventTranscript)
	if tr.Role != room.RoleProtected {
		t.Errorf("transcript event = %+v", tr)
	}
	p2.waitFor(t, EventTranslation)
	p1.waitFor(t, EventTranscript)

	if an.callCount() != 0 {
		t.Errorf("analyzer ran %d times on protected speech", an.callCount())
	}
	if n := p1.count(EventRiskAlert); n != 0 {
		t.Errorf("protected received %d alerts for own speech, want 0", n)
	}
}

func TestCapacityRejectsBeforePipelineCreation(t *testing.T) {
	d, provider := newTestDispatcher(t, 1, &fixedAnalyzer{response: `{"score":0}`})

	p1, p2 := &fakeSink{}, &fakeSink{}
	mustJoin(t, d, "r1", "p1", "", p1)

	_, err := d.Join(context.Background(), "r1", "p2", "", p2)
	if !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("err = %v, want ErrAtCapacity", err)
	}
	if _, ok := p2.last(EventServerFull); !ok {
		t.Error("rejected joiner must receive serverFull")
	}
	if provider.opens() != 1 {
		t.Errorf("streams opened = %d; rejection must precede pipeline creation", provider.opens())
	}

	// The slot frees on leave and admits the next joiner.
	if err := d.Leave("r1", "p1"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	mustJoin(t, d, "r1", "p2", "", p2)
}

func TestProtectedClaimDemotedWhenTaken(t *testing.T) {
	d, _ := newTestDispatcher(t, 10, &fixedAnalyzer{response: `{"score":0}`})

	p1, p2 := &fakeSink{}, &fakeSink{}
	r1 := mustJoin(t, d, "r1", "p1", room.RoleProtected, p1)
	if r1 != room.RoleProtected {
		t.Fatalf("explicit claim on empty room = %s", r1)
	}
	r2 := mustJoin(t, d, "r1", "p2", room.RoleProtected, p2)
	if r2 != room.RoleCounterpart {
		t.Errorf("second protected claim = %s, want demotion to counterpart", r2)
	}
}

func TestVerdictDroppedWithoutProtected(t *testing.T) {
	an := &fixedAnalyzer{response: `{"score":90}`}
	d, provider := newTestDispatcher(t, 10, an)

	p1, p2 := &fakeSink{}, &fakeSink{}
	mustJoin(t, d, "r1", "p1", "", p1)
	mustJoin(t, d, "r1", "p2", "", p2)
	if err := d.Leave("r1", "p1"); err != nil {
		t.Fatalf("leave: %v", err)
	}

	provider.stream(1).final("send the gift cards")

	tr := p2.waitFor(t, EventTranscript)
	if tr.Text != "send the gift cards" {
		t.Errorf("transcript = %+v", tr)
	}
	if n := p2.count(EventRiskAlert); n != 0 {
		t.Errorf("counterpart received %d alerts, want 0", n)
	}
}

func TestMembershipEvents(t *testing.T) {
	d, _ := newTestDispatcher(t, 10, &fixedAnalyzer{response: `{"score":0}`})

	p1, p2 := &fakeSink{}, &fakeSink{}
	mustJoin(t, d, "r1", "p1", "", p1)

	joined := p1.waitFor(t, EventJoined)
	if joined.Role != room.RoleProtected || joined.RoomID != "r1" {
		t.Errorf("joined event = %+v", joined)
	}
	existing := p1.waitFor(t, EventExistingParticipants)
	if len(existing.Participants) != 0 {
		t.Errorf("first joiner sees %d existing participants", len(existing.Participants))
	}

	mustJoin(t, d, "r1", "p2", "", p2)
	pj := p1.waitFor(t, EventParticipantJoined)
	if pj.ParticipantID != "p2" || pj.Role != room.RoleCounterpart {
		t.Errorf("participantJoined = %+v", pj)
	}
	existing2 := p2.waitFor(t, EventExistingParticipants)
	if len(existing2.Participants) != 1 || existing2.Participants[0].ID != "p1" {
		t.Errorf("existing participants = %+v", existing2.Participants)
	}

	if err := d.Leave("r1", "p2"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	pl := p1.waitFor(t, EventParticipantLeft)
	if pl.ParticipantID != "p2" {
		t.Errorf("participantLeft = %+v", pl)
	}
}

func TestRelayForwardsToOthersOnly(t *testing.T) {
	d, _ := newTestDispatcher(t, 10, &fixedAnalyzer{response: `{"score":0}`})

	p1, p2 := &fakeSink{}, &fakeSink{}
	mustJoin(t, d, "r1", "p1", "", p1)
	mustJoin(t, d, "r1", "p2", "", p2)

	payload := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	if err := d.Relay("r1", "p1", payload); err != nil {
		t.Fatalf("relay: %v", err)
	}

	sig := p2.waitFor(t, EventSignal)
	if sig.From != "p1" || string(sig.Signal) != string(payload) {
		t.Errorf("signal event = %+v", sig)
	}
	if n := p1.count(EventSignal); n != 0 {
		t.Errorf("sender received %d signal events, want 0", n)
	}
}

func TestStatsOf(t *testing.T) {
	an := &fixedAnalyzer{response: `{"score":50}`}
	d, provider := newTestDispatcher(t, 10, an)

	p1, p2 := &fakeSink{}, &fakeSink{}
	mustJoin(t, d, "r1", "p1", "", p1)
	mustJoin(t, d, "r1", "p2", "", p2)

	provider.stream(1).final("transfer the funds today")
	p1.waitFor(t, EventRiskAlert)

	st, err := d.StatsOf("r1", "p2")
	if err != nil {
		t.Fatalf("statsOf: %v", err)
	}
	if st.Utterances != 1 || st.Translations != 1 || st.Verdicts != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.RoomAnalyses != 1 || st.RoomMeanRisk != 50 {
		t.Errorf("room stats = %+v", st)
	}

	if _, err := d.StatsOf("r1", "ghost"); !errors.Is(err, ErrNotMember) {
		t.Errorf("err = %v, want ErrNotMember", err)
	}
}

func TestDisconnectCleansMembership(t *testing.T) {
	d, _ := newTestDispatcher(t, 10, &fixedAnalyzer{response: `{"score":0}`})

	p1, p2 := &fakeSink{}, &fakeSink{}
	mustJoin(t, d, "r1", "p1", "", p1)
	mustJoin(t, d, "r1", "p2", "", p2)

	d.Disconnect("p2")
	p1.waitFor(t, EventParticipantLeft)

	snap := d.Snapshot()
	if snap.Rooms != 1 || snap.LiveSessions != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func mustJoin(t *testing.T, d *Dispatcher, roomID, participantID string, claimed room.Role, sink *fakeSink) room.Role {
	t.Helper()
	role, err := d.Join(context.Background(), roomID, participantID, claimed, sink)
	if err != nil {
		t.Fatalf("join %s/%s: %v", roomID, participantID, err)
	}
	return role
}
