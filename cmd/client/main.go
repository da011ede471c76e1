package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"example.com/hangul-battle/internal/app"
	"example.com/hangul-battle/internal/config"
)

func main() {
	create := flag.Bool("create", false, "create a battle room and host it")
	join := flag.String("join", "", "join a battle room by invite code")
	flag.Parse()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, log)
	if err != nil {
		log.Error("init failed", "err", err)
		os.Exit(1)
	}

	switch {
	case *create:
		err = a.Host(ctx)
	case *join != "":
		err = a.Join(ctx, *join)
	default:
		fmt.Fprintln(os.Stderr, "usage: client -create | -join CODE")
		os.Exit(2)
	}
	if err != nil {
		log.Error("session failed", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	var h slog.Handler
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, nil)
	} else {
		h = slog.NewTextHandler(os.Stderr, nil)
	}
	return slog.New(h)
}
