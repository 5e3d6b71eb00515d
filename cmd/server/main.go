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

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/tasukuchiba/chat_app/internal/config"
	"github.com/tasukuchiba/chat_app/internal/handlers"
	"github.com/tasukuchiba/chat_app/internal/storage"
	"github.com/tasukuchiba/chat_app/internal/stream"
	"github.com/tasukuchiba/chat_app/internal/timeline"
	"github.com/tasukuchiba/chat_app/internal/websocket"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

const shutdownTimeout = 10 * time.Second

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Server terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	// 設定とロガー
	cfg, err := config.Load()
	if err != nil {
		return exitConfig, err
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ストレージの初期化
	st, cleanup, err := initStorage(cfg, log)
	if err != nil {
		return exitRuntime, err
	}
	defer cleanup()

	// ストアと購読の初期化
	store := stream.NewStore(st, log, cfg.MessagesPath, cfg.WriteTimeout)
	subscriber := stream.NewSubscriber(st, log, cfg.MessagesPath)

	// サーバー側の一覧は自分の購読で埋める
	tl := timeline.New(cfg.HistoryLimit)
	sub := subscriber.Subscribe(tl.Add, stream.WithErrorHandler(func(err error) {
		log.Error("Timeline subscription lost", "error", err)
		stop()
	}))
	defer sub.Unsubscribe()

	// ハンドラーの初期化
	messageHandler := handlers.NewMessageHandler(store, tl, log)

	// WebSocket Hubの初期化と起動
	hub := websocket.NewHub(store, subscriber, log)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	// ルーティング設定
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", messageHandler.HandleMessages)
	mux.HandleFunc("/messages/", messageHandler.HandleMessageByID)

	// WebSocketエンドポイント
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		websocket.ServeWs(hub, w, r)
	})

	// ヘルスチェック用エンドポイント
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Server starting", "addr", server.Addr, "storage", cfg.StorageType, "path", cfg.MessagesPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return exitRuntime, fmt.Errorf("server failed to start: %w", err)
		}
	case <-ctx.Done():
	}

	// シャットダウン: HTTP → WebSocket → 書き込みキュー の順に止める
	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown", "error", err)
	}
	stopHub()
	<-hub.Done()

	if err := store.Close(shutdownCtx); err != nil {
		return exitRuntime, fmt.Errorf("pending writes not flushed: %w", err)
	}
	return exitOK, nil
}

// initStorage は設定に基づいてストレージを初期化する
func initStorage(cfg config.Config, log *slog.Logger) (storage.Storage, func(), error) {
	switch cfg.StorageType {
	case config.StoragePostgres:
		databaseURL, err := cfg.PostgresURL()
		if err != nil {
			return nil, nil, err
		}

		st, err := storage.NewPostgresStorage(databaseURL, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}

		log.Info("Using PostgreSQL storage")
		return st, closer(log, "database connection", st.Close), nil

	case config.StorageBadger:
		options := badger.DefaultOptions(cfg.BadgerFilepath)
		if log.Enabled(context.Background(), slog.LevelDebug) {
			options = options.WithLoggingLevel(badger.DEBUG)
		} else {
			options = options.WithLoggingLevel(badger.WARNING)
		}

		db, err := badger.Open(options)
		if err != nil {
			return nil, nil, fmt.Errorf("database opening failed: %w", err)
		}

		st := storage.NewBadgerStorage(db, log, cfg.BadgerResync)
		log.Info("Using Badger storage", "path", cfg.BadgerFilepath)
		return st, func() {
			closer(log, "badger storage", st.Close)()
			closer(log, "badger", db.Close)()
		}, nil

	case config.StorageRedis:
		st, err := storage.NewRedisStorage(storage.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}

		log.Info("Using Redis storage", "addr", cfg.RedisAddr)
		return st, closer(log, "redis connection", st.Close), nil

	default:
		log.Info("Using in-memory storage")
		st := storage.NewMemoryStorage()
		return st, closer(log, "memory storage", st.Close), nil
	}
}

func closer(log *slog.Logger, name string, fn func() error) func() {
	return func() {
		if err := fn(); err != nil {
			log.Warn("Error closing "+name, "error", err)
		}
	}
}
