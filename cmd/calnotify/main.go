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

	"calnotify/internal/app"
	"calnotify/internal/config"
)

func main() {
	var (
		cfgPath string
		once    bool
		timeout time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./calnotify.yaml", "path to config (yaml or json)")
	flag.BoolVar(&once, "once", false, "run one sync, deliver and exit")
	flag.DurationVar(&timeout, "once-timeout", 5*time.Minute, "upper bound for -once")
	flag.Parse()

	if _, err := config.LoadDotEnv(cfgPath); err != nil {
		fmt.Println("fatal: dotenv:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if once {
		os.Exit(runOnce(ctx, a, timeout))
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func runOnce(ctx context.Context, a *app.App, timeout time.Duration) int {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rep, err := a.RunOnce(runCtx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, app.StopOnce)

	if err != nil {
		fmt.Println("sync failed:", err)
		return 1
	}
	fmt.Printf("sync %s: %d events, %d conflicts (%d resolved, %d manual review), %s\n",
		rep.RunID, rep.Events, rep.Conflicts, rep.Resolved, rep.ManualReview, rep.Dispatch.Summary())
	if rep.Dispatch.TotalChannels > 0 && rep.Dispatch.Successful == 0 {
		return 2
	}
	return 0
}
