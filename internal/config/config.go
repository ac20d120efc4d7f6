// SPDX-FileCopyrightText: 2026 GuardCall contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/guardcall/guardcall/internal/constants"
)

// SourceLangAuto enables translator-side language detection; any other
// value of SourceLang is treated as a fixed language code.
const SourceLangAuto = "auto"

type Config struct {
	Port string

	// Capability backends.
	OpenAIKey      string
	TranslateModel string
	RiskModel      string
	STTUrl         string
	STTKey         string
	STTModel       string

	// Language policy. SourceLang is either a fixed code or "auto", in
	// which case PreferredLang is passed to the translator as a hint.
	SourceLang    string
	PreferredLang string
	TargetLang    string

	// Transcription session tuning.
	InactivityTimeout    time.Duration
	MaxSessionDuration   time.Duration
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts int
	SendPressureTimeout  time.Duration
	SampleRate           int

	// Risk analysis policy.
	WindowSize   int
	RiskLowMax   int
	RiskHighFrom int

	// Admission control.
	MaxSessions int

	// WebRTC server-side audio ingest.
	WebRTCIngest bool
	StunURLs     []string
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:           envOr("GC_PORT", "8089"),
		OpenAIKey:      os.Getenv("GC_OPENAI_API_KEY"),
		TranslateModel: envOr("GC_TRANSLATE_MODEL", "gpt-4o-mini"),
		RiskModel:      envOr("GC_RISK_MODEL", "gpt-4o-mini"),
		STTUrl:         envOr("GC_STT_URL", "wss://api.openai.com/v1/realtime"),
		STTKey:         os.Getenv("GC_STT_API_KEY"),
		STTModel:       envOr("GC_STT_MODEL", "gpt-4o-transcribe"),

		SourceLang:    envOr("GC_SOURCE_LANG", "en"),
		PreferredLang: envOr("GC_PREFERRED_LANG", "en"),
		TargetLang:    envOr("GC_TARGET_LANG", "en"),

		InactivityTimeout:    envDuration("GC_INACTIVITY_TIMEOUT", constants.DefaultInactivityTimeout),
		MaxSessionDuration:   envDuration("GC_MAX_SESSION_DURATION", constants.DefaultMaxSessionDuration),
		ReconnectBase:        envDuration("GC_RECONNECT_BASE", constants.DefaultReconnectBase),
		ReconnectCap:         envDuration("GC_RECONNECT_CAP", constants.DefaultReconnectCap),
		MaxReconnectAttempts: envInt("GC_MAX_RECONNECT_ATTEMPTS", constants.DefaultMaxReconnectAttempts),
		SendPressureTimeout:  envDuration("GC_SEND_PRESSURE_TIMEOUT", constants.DefaultSendPressureTimeout),
		SampleRate:           envInt("GC_SAMPLE_RATE", 16000),

		WindowSize:   envInt("GC_WINDOW_SIZE", constants.DefaultWindowSize),
		RiskLowMax:   envInt("GC_RISK_LOW_MAX", constants.DefaultRiskLowMax),
		RiskHighFrom: envInt("GC_RISK_HIGH_FROM", constants.DefaultRiskHighFrom),

		MaxSessions: envInt("GC_MAX_SESSIONS", constants.DefaultMaxSessions),

		WebRTCIngest: envBool("GC_WEBRTC_INGEST", false),
		StunURLs:     envList("GC_STUN_URLS", []string{"stun:stun.l.google.com:19302"}),
	}

	if cfg.OpenAIKey == "" {
		return nil, fmt.Errorf("GC_OPENAI_API_KEY environment variable is required")
	}
	if cfg.STTKey == "" {
		cfg.STTKey = cfg.OpenAIKey
	}
	if cfg.RiskLowMax < 0 || cfg.RiskLowMax > 100 {
		return nil, fmt.Errorf("GC_RISK_LOW_MAX must be within [0,100], got %d", cfg.RiskLowMax)
	}
	if cfg.RiskHighFrom <= cfg.RiskLowMax || cfg.RiskHighFrom > 100 {
		return nil, fmt.Errorf("GC_RISK_HIGH_FROM must be within (%d,100], got %d", cfg.RiskLowMax, cfg.RiskHighFrom)
	}
	if cfg.MaxSessions < 1 {
		return nil, fmt.Errorf("GC_MAX_SESSIONS must be positive, got %d", cfg.MaxSessions)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
