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

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"mjrelay/internal/app"
	"mjrelay/internal/lock"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cfgPath string
		envPath string
		pidPath string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file")
	flag.StringVar(&pidPath, "pidfile", "./mjrelay.pid", "single-instance lock file (empty disables)")
	flag.Parse()

	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Println("warn: dotenv:", err)
	}

	if pidPath != "" {
		pid := lock.NewFileLock(pidPath)
		if err := pid.TryLock(); err != nil {
			fmt.Println("fatal:", err)
			return 1
		}
		defer func() { _ = pid.Unlock() }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		return 1
	}
	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		return 1
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	go watchdog(ctx)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	reason, code := app.StopAppStop, 0
	select {
	case s := <-sigs:
		reason = app.StopSIGTERM
		if s == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		if err := a.Err(); err != nil {
			fmt.Println("fatal:", err)
			reason, code = app.StopFatalError, 1
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	_ = a.Stop(stopCtx, reason)
	return code
}

// watchdog pings systemd at half the configured interval.
func watchdog(ctx context.Context) {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
