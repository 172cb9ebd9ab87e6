// Command mcpsock-gateway serves the composed demo registry over websockets.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/thecodekitchen/mcpsock/examples/composed"
	"github.com/thecodekitchen/mcpsock/fsresources"
	"github.com/thecodekitchen/mcpsock/notify"
	"github.com/thecodekitchen/mcpsock/notify/memorynotify"
	"github.com/thecodekitchen/mcpsock/notify/redisnotify"
	"github.com/thecodekitchen/mcpsock/wsgateway"
)

type config struct {
	ListenAddr string `env:"LISTEN_ADDR,default=0.0.0.0:8765"`
	ServerName string `env:"SERVER_NAME,default=mcpsock gateway"`
	LogLevel   string `env:"LOG_LEVEL,default=info"`

	// RedisAddr switches notification delivery to Redis Streams when set.
	RedisAddr string `env:"REDIS_ADDR"`

	// ResourceDir exposes a directory as file resources when set.
	ResourceDir string `env:"RESOURCE_DIR"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("load config: %w", err)
	}

	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var notifier notify.Notifier
	if cfg.RedisAddr != "" {
		rn, err := redisnotify.New(redisnotify.Config{RedisAddr: cfg.RedisAddr})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rn.Close()
		notifier = rn
		log.Info("notify.redis", slog.String("addr", cfg.RedisAddr))
	} else {
		notifier = memorynotify.New()
		log.Info("notify.memory")
	}

	reg, err := composed.New()
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	// The registry must be complete before the gateway snapshots it.
	var provider *fsresources.Provider
	if cfg.ResourceDir != "" {
		provider, err = fsresources.New(cfg.ResourceDir, fsresources.WithLogger(log))
		if err != nil {
			return fmt.Errorf("resource dir: %w", err)
		}
		if err := provider.Register(reg); err != nil {
			return fmt.Errorf("register resources: %w", err)
		}
		log.Info("resources.fs", slog.String("dir", cfg.ResourceDir))
	}

	handler := wsgateway.New(reg,
		wsgateway.WithLogger(log),
		wsgateway.WithServerInfo(cfg.ServerName, "0.1.0"),
		wsgateway.WithNotifier(notifier),
	)

	if provider != nil {
		go func() {
			if err := provider.Watch(ctx, handler.Relay()); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("resource watch stopped", slog.String("err", err.Error()))
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listen", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("server.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
