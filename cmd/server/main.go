// Command server runs the assistant backend: an HTTP API that moderates
// incoming messages, answers from the FAQ knowledge base when confident, and
// falls back to an external completion provider otherwise.
//
// Configuration is environment-driven (see internal/config); a local .env
// file is honored for development.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-agent-backend/internal/analytics"
	"github.com/tbourn/go-agent-backend/internal/catalog"
	"github.com/tbourn/go-agent-backend/internal/config"
	httpapi "github.com/tbourn/go-agent-backend/internal/http"
	"github.com/tbourn/go-agent-backend/internal/kb"
	"github.com/tbourn/go-agent-backend/internal/llm"
	"github.com/tbourn/go-agent-backend/internal/moderation"
	"github.com/tbourn/go-agent-backend/internal/observability"
	"github.com/tbourn/go-agent-backend/internal/repo"
	"github.com/tbourn/go-agent-backend/internal/services"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Local development convenience; ignored when the file is absent.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	ctx := context.Background()

	// Tracing first so DB and HTTP instrumentation attach to a real provider.
	otelShutdown, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := repo.OpenSQLite(cfg.DBPath, cfg.OTEL.Enabled)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	// Rules and FAQ entries live in the DB; the pipeline reads immutable
	// snapshots. Load once at boot, thereafter via POST /admin/reload.
	store := catalog.NewStore(
		[]moderation.Option{
			moderation.WithMaskToken(cfg.Moderation.MaskToken),
			moderation.WithLanguages(cfg.Moderation.Languages, cfg.Moderation.FallbackLanguage),
		},
		[]kb.Option{
			kb.WithWeights(cfg.KB.KeywordWeight, cfg.KB.QuestionWeight, cfg.KB.SubstringBonus),
			kb.WithMinScore(cfg.KB.MinScore),
			kb.WithMinQueryTokens(cfg.KB.MinQueryTokens),
		},
	)
	if _, err := store.Reload(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("initial catalog load failed")
	}

	completer := llm.NewClient(llm.Options{
		APIURL:      cfg.LLM.APIURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
		MaxRetries:  cfg.LLM.MaxRetries,
		BackoffBase: cfg.LLM.BackoffBase,
		BackoffCap:  cfg.LLM.BackoffCap,
	})

	sink := analytics.NewDBSink(db, 0)

	svc := services.NewChatService(db, store, completer, sink)
	svc.MaxMessageRunes = cfg.MaxMessageRunes
	svc.ConfidenceScore = cfg.KB.ConfidenceScore
	svc.RefusalText = cfg.Moderation.RefusalText
	svc.FallbackText = cfg.LLM.FallbackText
	svc.SystemPrompt = cfg.LLM.SystemPrompt
	svc.HistoryWindow = cfg.LLM.HistoryWindow

	r := gin.New()
	httpapi.RegisterRoutes(r, db, store, svc, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Block until shutdown is requested, then drain in order: stop accepting
	// requests, flush buffered analytics, flush traces.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := sink.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("analytics sink close")
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("otel shutdown")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("bye")
}
