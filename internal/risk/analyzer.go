// SPDX-FileCopyrightText: 2026 GuardCall contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/guardcall/guardcall/internal/constants"
	"github.com/guardcall/guardcall/internal/room"
)

type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

// Verdict is the structured outcome of one risk analysis.
type Verdict struct {
	Summary           string        `json:"summary"`
	Score             int           `json:"score"`
	Level             Level         `json:"riskLevel"`
	Flags             []string      `json:"flags"`
	Reasoning         string        `json:"reasoning"`
	RecommendedAction string        `json:"recommendedAction,omitempty"`
	Timestamp         time.Time     `json:"timestamp"`
	Latency           time.Duration `json:"latency"`
}

// Request and Analyzer form the text-risk capability contract. The
// response is free-form text expected, but not guaranteed, to embed a
// JSON object.
type Request struct {
	SystemInstructions  string
	ConversationContext string
	LatestText          string
}

type Analyzer interface {
	Analyze(ctx context.Context, req Request) (string, error)
}

type StageConfig struct {
	WindowSize int
	LowMax     int // scores <= LowMax are LOW
	HighFrom   int // scores >= HighFrom are HIGH
}

func (c *StageConfig) applyDefaults() {
	if c.WindowSize <= 0 {
		c.WindowSize = constants.DefaultWindowSize
	}
	if c.LowMax <= 0 {
		c.LowMax = constants.DefaultRiskLowMax
	}
	if c.HighFrom <= 0 {
		c.HighFrom = constants.DefaultRiskHighFrom
	}
}

// Stats are rolling counters over all verdicts produced by a stage.
type Stats struct {
	Total     int64
	PerLevel  map[Level]int64
	MeanScore float64
}

// Stage keeps one room's conversation window and scores Counterpart
// speech against it. Protected speech is recorded for context but never
// analyzed.
type Stage struct {
	analyzer Analyzer
	window   *Window
	cfg      StageConfig
	logger   *slog.Logger

	mu       sync.Mutex
	total    int64
	perLevel map[Level]int64
	mean     float64
}

func NewStage(analyzer Analyzer, cfg StageConfig, logger *slog.Logger) *Stage {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		analyzer: analyzer,
		window:   NewWindow(cfg.WindowSize),
		cfg:      cfg,
		logger:   logger.With("component", "risk_stage"),
		perLevel: make(map[Level]int64),
	}
}

// AddEntry records an utterance in the conversation window regardless
// of role.
func (s *Stage) AddEntry(speakerID string, role room.Role, text string) {
	s.window.Add(Entry{
		SpeakerID: speakerID,
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	})
}

// Analyze scores the latest text if the speaker role qualifies for
// scrutiny. Returns nil for Protected speakers and on capability
// failure; an unparseable response degrades to a safe default verdict.
func (s *Stage) Analyze(ctx context.Context, latestText, speakerID string, role room.Role) *Verdict {
	if role != room.RoleCounterpart {
		return nil
	}

	req := Request{
		SystemInstructions:  s.systemInstructions(),
		ConversationContext: s.contextPayload(),
		LatestText:          latestText,
	}

	start := time.Now()
	raw, err := s.analyzer.Analyze(ctx, req)
	latency := time.Since(start)
	if err != nil {
		s.logger.Error("risk analysis failed", "error", err, "speaker", speakerID)
		return nil
	}

	v := s.parseVerdict(raw)
	v.Timestamp = time.Now()
	v.Latency = latency

	s.record(v)
	return v
}

// ClearHistory empties the conversation window (operator reset).
func (s *Stage) ClearHistory() {
	s.window.Clear()
	s.logger.Info("conversation history cleared")
}

func (s *Stage) WindowLen() int {
	return s.window.Len()
}

func (s *Stage) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	per := make(map[Level]int64, len(s.perLevel))
	for k, v := range s.perLevel {
		per[k] = v
	}
	return Stats{Total: s.total, PerLevel: per, MeanScore: s.mean}
}

func (s *Stage) record(v *Verdict) {
	s.mu.Lock()
	s.total++
	s.perLevel[v.Level]++
	s.mean += (float64(v.Score) - s.mean) / float64(s.total)
	s.mu.Unlock()
}

func (s *Stage) systemInstructions() string {
	return fmt.Sprintf(`You screen live call transcripts for fraud and scam indicators: urgency pressure, requests for credentials, PINs or payment, impersonation of authorities, threats, and social engineering patterns.
Score the counterpart's latest message in the context of the conversation.
Respond with a single JSON object: {"summary": string, "score": number 0-100, "riskLevel": "LOW"|"MEDIUM"|"HIGH", "flags": [string], "reasoning": string, "recommendedAction": string}.
Scores up to %d are LOW risk and %d or above is HIGH risk.`, s.cfg.LowMax, s.cfg.HighFrom)
}

func (s *Stage) contextPayload() string {
	entries := s.window.Entries()
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "[%s] %s\n", e.Role, e.Text)
	}
	return b.String()
}

// rawVerdict tolerates missing or mistyped fields; every field is
// defaulted independently.
type rawVerdict struct {
	Summary           string   `json:"summary"`
	Score             *float64 `json:"score"`
	RiskLevel         string   `json:"riskLevel"`
	Flags             []string `json:"flags"`
	Reasoning         string   `json:"reasoning"`
	RecommendedAction string   `json:"recommendedAction"`
}

// parseVerdict extracts the first JSON object from free-form output and
// never fails: anything unusable degrades to {score 0, LOW, no flags}.
func (s *Stage) parseVerdict(raw string) *Verdict {
	v := &Verdict{Level: LevelLow, Flags: []string{}}

	obj, ok := extractJSON(raw)
	if !ok {
		s.logger.Warn("no JSON object in analysis response, using safe default")
		return v
	}

	var rv rawVerdict
	if err := json.Unmarshal(obj, &rv); err != nil {
		s.logger.Warn("malformed JSON in analysis response, using safe default", "error", err)
		return v
	}

	if rv.Score != nil {
		v.Score = clampScore(int(*rv.Score))
	}
	v.Level = s.levelFor(v.Score)
	v.Summary = rv.Summary
	v.Reasoning = rv.Reasoning
	v.RecommendedAction = rv.RecommendedAction
	if rv.Flags != nil {
		v.Flags = rv.Flags
	}
	return v
}

// levelFor derives the level from the score alone; the capability's own
// riskLevel claim is ignored so the policy thresholds always hold.
func (s *Stage) levelFor(score int) Level {
	switch {
	case score <= s.cfg.LowMax:
		return LevelLow
	case score >= s.cfg.HighFrom:
		return LevelHigh
	default:
		return LevelMedium
	}
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// extractJSON returns the first balanced top-level JSON object in s,
// respecting string literals and escapes.
func extractJSON(s string) ([]byte, bool) {
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(s); i++ {
			c := s[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := []byte(s[start : i+1])
					if json.Valid(candidate) {
						return candidate, true
					}
					// Keep scanning past this malformed candidate.
					i = len(s)
				}
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			return nil, false
		}
		start = start + 1 + next
	}
	return nil, false
}
