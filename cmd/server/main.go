package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/filebox/filebox/backend-go/internal/auth"
	"github.com/filebox/filebox/backend-go/internal/collab"
	"github.com/filebox/filebox/backend-go/internal/comment"
	"github.com/filebox/filebox/backend-go/internal/config"
	"github.com/filebox/filebox/backend-go/internal/db"
	"github.com/filebox/filebox/backend-go/internal/document"
	"github.com/filebox/filebox/backend-go/internal/events"
	mw "github.com/filebox/filebox/backend-go/internal/middleware"
	"github.com/filebox/filebox/backend-go/internal/presence"
	"github.com/filebox/filebox/backend-go/internal/session"
	"github.com/filebox/filebox/backend-go/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	var (
		docRepo     document.Repository = document.NewMemoryRepository()
		commentRepo comment.Repository  = comment.NewMemoryRepository()
	)
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		docRepo = document.NewPostgresRepository(pool)
		commentRepo = comment.NewPostgresRepository(pool)
	} else {
		slog.Warn("DATABASE_URL not set, documents and comments are kept in memory")
	}

	var presenceStore presence.Store = presence.NewMemoryStore()
	if cfg.RedisURL != "" {
		rs, err := presence.NewRedisStore(cfg.RedisURL, cfg.PresenceTTL)
		if err != nil {
			return err
		}
		defer rs.Close()
		presenceStore = rs
	}

	var source document.ContentSource
	if cfg.MinioEndpoint != "" {
		objects, err := storage.NewObjectSource(storage.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return err
		}
		source = objects
	}

	var publisher document.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := events.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			return fmt.Errorf("create kafka producer: %w", err)
		}
		dispatcher := events.NewDispatcher(producer, cfg.KafkaTopic, events.DefaultOptions())
		defer dispatcher.Close()
		publisher = dispatcher
	}

	docs := document.NewStore(docRepo, source, publisher, document.Options{
		Retention:                cfg.OpLogRetention,
		StrictOverlappingDeletes: cfg.StrictOverlappingDeletes,
	})
	sessions := session.NewManager(session.Options{
		TTL:           cfg.SessionTTL,
		SweepInterval: cfg.SessionSweepInterval,
		CloseEmpty:    cfg.CloseEmptySessions,
	})
	tracker := presence.NewTracker(presenceStore)
	defer tracker.Close()

	hub := collab.NewHub(docs, sessions, tracker, collab.Options{PresenceGrace: cfg.PresenceGrace})

	comments := comment.NewManager(commentRepo)
	comments.SetNotifier(hub)

	authService := auth.NewService(cfg.JWTSecret)

	documentHandler := document.NewHandler(docs)
	sessionHandler := session.NewHandler(sessions)
	presenceHandler := presence.NewHandler(tracker)
	commentHandler := comment.NewHandler(comments)

	r := mux.NewRouter()

	r.Use(mw.Recovery)
	r.Use(mw.Logger)
	r.Use(mw.CORS(cfg.Origins()))

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// Protected API routes
	api := r.PathPrefix("/api").Subrouter()
	api.Use(authService.AuthMiddleware)

	api.HandleFunc("/items/{itemId}/document", documentHandler.Get).Methods("GET")
	api.HandleFunc("/items/{itemId}/operations", documentHandler.Operations).Methods("GET")

	api.HandleFunc("/items/{itemId}/sessions", sessionHandler.Join).Methods("POST")
	api.HandleFunc("/items/{itemId}/sessions/active", sessionHandler.ActiveForItem).Methods("GET")
	api.HandleFunc("/sessions/{sessionId}", sessionHandler.Get).Methods("GET")
	api.HandleFunc("/sessions/{sessionId}/participants/count", sessionHandler.Count).Methods("GET")
	api.HandleFunc("/sessions/{sessionId}/participants/{participantId}", sessionHandler.Leave).Methods("DELETE")

	api.HandleFunc("/presence", presenceHandler.Update).Methods("PUT")
	api.HandleFunc("/presence/{userId}", presenceHandler.Get).Methods("GET")

	commentHandler.Routes(api)

	// WebSocket endpoint, authenticated by the token query parameter
	r.HandleFunc("/ws/items/{itemId}", hub.ServeWS(authService, cfg.Origins()))

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sessions.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
