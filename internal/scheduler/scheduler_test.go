package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"calnotify/pkg/logx"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func noop(context.Context) error { return nil }

func TestAddValidatesSpec(t *testing.T) {
	t.Parallel()
	s := New(parser, time.UTC, logx.Nop())

	tests := []struct {
		name    string
		spec    string
		wantErr bool
	}{
		{name: "five field", spec: "0 7 * * *"},
		{name: "with seconds", spec: "0 30 6 * * *"},
		{name: "descriptor", spec: "@daily"},
		{name: "every", spec: "@every 1m"},
		{name: "garbage", spec: "every day", wantErr: true},
		{name: "bad every", spec: "@every soon", wantErr: true},
	}
	for _, tt := range tests {
		err := s.Add(Job{Name: tt.name, Spec: tt.spec, Run: noop})
		if (err != nil) != tt.wantErr {
			t.Errorf("Add(%q) err = %v, wantErr %v", tt.spec, err, tt.wantErr)
		}
	}

	if err := s.Add(Job{Name: "daily", Spec: "@daily", Run: noop}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(Job{Name: "daily", Spec: "@daily", Run: noop}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate err = %v", err)
	}
}

func TestTriggerRunsAndSkipsOverlap(t *testing.T) {
	t.Parallel()
	s := New(parser, time.UTC, logx.Nop())

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	if err := s.Add(Job{Name: "sync", Spec: "@daily", Run: func(ctx context.Context) error {
		started <- struct{}{}
		<-release
		return errors.New("boom")
	}}); err != nil {
		t.Fatal(err)
	}

	if err := s.Trigger("sync"); !errors.Is(err, ErrStopped) {
		t.Fatalf("trigger before start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	if err := s.Trigger("sync"); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := s.Trigger("sync"); !errors.Is(err, ErrRunning) {
		t.Fatalf("overlapping trigger: %v", err)
	}
	if err := s.Trigger("nope"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("unknown trigger: %v", err)
	}
	close(release)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)

	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	got := snap[0]
	if got.Runs != 1 || got.Skipped != 1 || got.Failures != 1 || got.LastErr != "boom" || got.Running {
		t.Fatalf("job info = %+v", got)
	}
}

func TestJobTimeoutAndPanic(t *testing.T) {
	t.Parallel()
	s := New(parser, time.UTC, logx.Nop())
	done := make(chan error, 1)
	_ = s.Add(Job{Name: "slow", Spec: "@daily", Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	}})
	_ = s.Add(Job{Name: "bad", Spec: "@daily", Run: func(context.Context) error { panic("kaboom") }})

	s.Start(context.Background())
	_ = s.Trigger("slow")
	_ = s.Trigger("bad")

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("ctx err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout not applied")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)

	for _, info := range s.Snapshot() {
		if info.Failures != 1 {
			t.Errorf("%s failures = %d", info.Name, info.Failures)
		}
	}
}

func TestIntervalSpread(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)

	sched, jitter := intervalWithSpread(time.Minute, now, "poll")
	if jitter < 0 || jitter >= 30*time.Second {
		t.Fatalf("jitter = %v", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(time.Minute + jitter); !first.Equal(want) {
		t.Fatalf("first = %v, want %v", first, want)
	}
	if next := sched.Next(first); next.Sub(first) != time.Minute {
		t.Fatalf("second run %v after first", next.Sub(first))
	}

	_, small := intervalWithSpread(10*time.Second, now, "fast")
	if small >= 10*time.Second {
		t.Fatalf("spread %v exceeds interval", small)
	}
}
