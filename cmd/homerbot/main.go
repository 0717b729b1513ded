package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"homerbot/internal/automation"
	"homerbot/internal/core"
	logx "homerbot/pkg/logx"
)

func main() {
	// Best-effort .env load for local runs; real deployments use the unit file.
	_ = godotenv.Load()

	defaultCfg := os.Getenv("HOMERBOT_CONFIG")
	if defaultCfg == "" {
		defaultCfg = "config.yaml"
	}
	cfgPath := flag.String("config", defaultCfg, "path to config file (yaml or json)")
	flag.Parse()

	boot := logx.NewConsole("INFO").With(logx.String("comp", "main"))

	// The simulated driver stands in until a real site driver is linked in;
	// it exercises the full login/input/transfer flow in-process.
	factory := automation.NewSimFactory(automation.SimConfig{})

	app, err := core.NewApp(*cfgPath, factory)
	if err != nil {
		boot.Error("startup failed", logx.Err(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		boot.Error("start failed", logx.Err(err))
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	select {
	case <-ctx.Done():
		boot.Info("signal received, shutting down")
	case <-app.Done():
		boot.Warn("app stopped on its own", logx.Err(app.Err()))
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Stop(shutCtx); err != nil {
		boot.Warn("shutdown incomplete", logx.Err(err))
	}

	if err := app.Err(); err != nil && ctx.Err() == nil {
		boot.Error("exited with error", logx.Err(err))
		os.Exit(1)
	}
}
