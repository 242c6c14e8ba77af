package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"socialpilot/internal/app"
	"socialpilot/pkg/systemd"
	logx "socialpilot/pkg/logx"
)

func main() {
	var (
		cfgPath string
		envFile string
		stopMax time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.StringVar(&envFile, "env", ".env", "optional dotenv file with secrets")
	flag.DurationVar(&stopMax, "stop-timeout", 30*time.Second, "upper bound for graceful shutdown")
	flag.Parse()

	log := logx.NewConsole("INFO").With(logx.Comp("main"))

	// Real environment variables win over the file.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("dotenv not loaded", logx.String("path", envFile), logx.Err(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stopCtx, stop := context.WithTimeout(context.Background(), stopMax)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stop()
		os.Exit(1)
	}
	if _, err := systemd.Ready(); err != nil {
		log.Warn("sd_notify READY failed", logx.Err(err))
	}

	wdCtx, wdCancel := context.WithCancel(ctx)
	go systemd.Watchdog(wdCtx, func() bool {
		select {
		case <-a.Done():
			return false
		default:
			return true
		}
	}, log)

	var reason app.StopReason
	select {
	case <-ctx.Done():
		reason = app.StopSignal
	case <-a.Done():
		reason = app.StopFatalError
	}
	wdCancel()
	_, _ = systemd.Stopping()

	stopCtx, stop := context.WithTimeout(context.Background(), stopMax)
	_ = a.Stop(stopCtx, reason)
	stop()

	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
