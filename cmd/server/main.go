package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "meetsrv/internal/adapters/http"
	"meetsrv/internal/adapters/ws"
	"meetsrv/internal/config"
	"meetsrv/internal/core"
	"meetsrv/internal/events"
	"meetsrv/internal/media"
	"meetsrv/internal/meetings"
	"meetsrv/internal/storage"
	"meetsrv/internal/summarize"
	"meetsrv/internal/transcribe"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	rooms := core.NewRegistry()
	transcripts := core.NewTranscriptStore()
	meets := meetings.NewManager()

	var store storage.Store
	if cfg.S3Bucket != "" {
		s3store, err := storage.NewS3Store(ctx, cfg.S3Bucket)
		if err != nil {
			log.Error().Err(err).Msg("s3 store init failed, falling back to local")
			store = storage.NewLocalStore(cfg.DataDir)
		} else {
			store = s3store
		}
	} else {
		store = storage.NewLocalStore(cfg.DataDir)
	}

	publisher := events.NewPublisher(events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.PartialTopic,
		TopicFinal:   cfg.Kafka.FinalTopic,
	})
	defer publisher.Close()

	manager := transcribe.NewManager(transcribe.ManagerConfig{
		LiveEnabled:    cfg.Transcription.UseOpenAI,
		APIKey:         cfg.Transcription.APIKey,
		Model:          cfg.Transcription.Model,
		URL:            cfg.Transcription.URL,
		FFmpegPath:     cfg.Transcription.FFmpegPath,
		MaxOutstanding: cfg.Transcription.MaxOutstanding,
		MaxRetries:     cfg.Transcription.MaxRetries,
		ReconnectBase:  cfg.Transcription.ReconnectBase,
		TickInterval:   cfg.Transcription.TickInterval,
		Persist:        cfg.Transcription.Persist,
	}, rooms, transcripts, store, publisher)

	engine := media.NewPionEngine(media.DefaultWebRTCConfig())
	broker := media.NewBroker(engine, rooms, media.BrokerConfig{
		AutoStartTranscription: cfg.Transcription.AutoStart,
		AutoCapture:            cfg.Transcription.AutoCapture,
	})

	gateway := ws.NewGateway(rooms, broker, manager)
	broker.Bind(gateway, manager)
	manager.Bind(gateway)

	summarizer := summarize.New(cfg.Transcription.APIKey)

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Rooms:       rooms,
		Transcripts: transcripts,
		Meetings:    meets,
		Store:       store,
		Summarizer:  summarizer,
		Gateway:     gateway,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("meetsrv started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
