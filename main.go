// SPDX-FileCopyrightText: 2026 GuardCall contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/guardcall/guardcall/internal/config"
	"github.com/guardcall/guardcall/internal/constants"
	"github.com/guardcall/guardcall/internal/dispatch"
	"github.com/guardcall/guardcall/internal/handlers"
	"github.com/guardcall/guardcall/internal/pipeline"
	"github.com/guardcall/guardcall/internal/risk"
	"github.com/guardcall/guardcall/internal/room"
	"github.com/guardcall/guardcall/internal/rtcingest"
	"github.com/guardcall/guardcall/internal/stt"
	"github.com/guardcall/guardcall/internal/translate"
	"github.com/guardcall/guardcall/internal/transport"
)

func main() {
	_ = godotenv.Load()

	logLevel := slog.LevelInfo
	if os.Getenv("GC_LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.Info("starting guardcall",
		"port", cfg.Port,
		"source_lang", cfg.SourceLang,
		"target_lang", cfg.TargetLang,
		"max_sessions", cfg.MaxSessions,
	)

	provider := stt.NewRealtimeProvider(stt.RealtimeConfig{
		URL:    cfg.STTUrl,
		APIKey: cfg.STTKey,
		Model:  cfg.STTModel,
	}, logger)
	translator := translate.NewOpenAITranslator(cfg.OpenAIKey, cfg.TranslateModel)
	analyzer := risk.NewOpenAIAnalyzer(cfg.OpenAIKey, cfg.RiskModel)

	dispatcher := dispatch.New(
		dispatch.Config{
			Session: stt.SessionConfig{
				Stream: stt.StreamConfig{
					Language:   cfg.SourceLang,
					SampleRate: cfg.SampleRate,
					Encoding:   "pcm16",
				},
				InactivityTimeout:    cfg.InactivityTimeout,
				MaxDuration:          cfg.MaxSessionDuration,
				ReconnectBase:        cfg.ReconnectBase,
				ReconnectCap:         cfg.ReconnectCap,
				MaxReconnectAttempts: cfg.MaxReconnectAttempts,
				SendPressureTimeout:  cfg.SendPressureTimeout,
			},
			SourceLang:    cfg.SourceLang,
			PreferredLang: cfg.PreferredLang,
			TargetLang:    cfg.TargetLang,
			Risk: risk.StageConfig{
				WindowSize: cfg.WindowSize,
				LowMax:     cfg.RiskLowMax,
				HighFrom:   cfg.RiskHighFrom,
			},
		},
		provider, translator, analyzer,
		room.NewRegistry(logger),
		pipeline.NewPool(cfg.MaxSessions, logger),
		logger,
	)

	ingester := rtcingest.NewIngester(rtcingest.Config{
		Enabled:     cfg.WebRTCIngest,
		STUNServers: cfg.StunURLs,
	}, logger)
	ws := transport.NewServer(dispatcher, ingester, logger)

	h := handlers.NewHandler(dispatcher, ws)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := &http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	addr := ":" + cfg.Port
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("failed to listen", "addr", addr, "error", err)
		os.Exit(1)
	}
	slog.Info("HTTP server listening", "addr", addr)

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	dispatcher.Shutdown()
	ingester.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ServerShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
}
