package app

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"calnotify/internal/config"
	"calnotify/internal/eventbus"
	"calnotify/internal/notifier"
	"calnotify/internal/pipeline"
	"calnotify/internal/reconcile"
	"calnotify/internal/storage"
	"calnotify/pkg/logx"
)

type captureDispatcher struct {
	mu   sync.Mutex
	msgs []notifier.Message
}

func (d *captureDispatcher) Dispatch(_ context.Context, msg notifier.Message) notifier.Result {
	d.mu.Lock()
	d.msgs = append(d.msgs, msg)
	d.mu.Unlock()
	channels := msg.Channels
	if len(channels) == 0 {
		channels = []string{"line"}
	}
	res := notifier.Result{MessageID: msg.ID, TotalChannels: len(channels)}
	for _, ch := range channels {
		dr := notifier.DeliveryResult{Channel: ch, MessageID: msg.ID, Status: notifier.StatusSuccess}
		if ch == "broken" {
			dr.Status, dr.Error = notifier.StatusFailed, "down"
			res.Failed++
		} else {
			res.Successful++
		}
		res.Channels = append(res.Channels, dr)
	}
	return res
}

func (d *captureDispatcher) sent() []notifier.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notifier.Message(nil), d.msgs...)
}

func TestMapStorageConfig(t *testing.T) {
	tests := []struct {
		name      string
		storage   *config.StorageConfig
		wantPath  string
		wantRet   time.Duration
		wantError bool
	}{
		{name: "disabled", storage: nil},
		{name: "sqlite needs path", storage: &config.StorageConfig{Driver: "sqlite"}, wantError: true},
		{name: "sqlite", storage: &config.StorageConfig{Driver: "SQLite", Path: "./x.db", Retention: "24h"}, wantPath: "./x.db", wantRet: 24 * time.Hour},
		{name: "file default path", storage: &config.StorageConfig{Driver: "file"}, wantPath: "./data/calnotify", wantRet: config.DefaultRetention},
		{name: "bad retention", storage: &config.StorageConfig{Driver: "file", Retention: "soon"}, wantError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, ret, err := mapStorageConfig(&config.Config{Storage: tt.storage})
			if (err != nil) != tt.wantError {
				t.Fatalf("err = %v", err)
			}
			if err != nil {
				return
			}
			if sc.Path != tt.wantPath || ret != tt.wantRet {
				t.Fatalf("got path %q retention %v", sc.Path, ret)
			}
		})
	}
}

func TestMapResolverConfigMirrorPrefix(t *testing.T) {
	rc := mapResolverConfig(&config.Config{})
	if rc.MirrorPrefix != reconcile.DefaultMirrorPrefix {
		t.Fatalf("default prefix = %q", rc.MirrorPrefix)
	}
	empty := ""
	rc = mapResolverConfig(&config.Config{Reconcile: config.ReconcileConfig{MirrorPrefix: &empty}})
	if rc.MirrorPrefix != "" {
		t.Fatalf("explicit empty prefix = %q", rc.MirrorPrefix)
	}
}

func TestMapPipelineConfig(t *testing.T) {
	retries := 2
	cfg := &config.Config{
		Sources:  config.SourcesConfig{A: "a.json", B: "b.json"},
		Dispatch: config.DispatchConfig{MaxRetries: &retries},
		Notify: config.NotifyConfig{
			SummaryPriority: "high",
			Reminders:       []string{"15m"},
		},
	}
	pc := mapPipelineConfig(cfg, time.UTC)
	if pc.SummaryPriority != notifier.PriorityHigh {
		t.Errorf("priority = %v", pc.SummaryPriority)
	}
	if pc.MaxRetries != 2 || pc.MaxAttempts != 3 {
		t.Errorf("retries = %d attempts = %d", pc.MaxRetries, pc.MaxAttempts)
	}
	if len(pc.Reminders) != 1 || pc.Reminders[0] != 15*time.Minute {
		t.Errorf("reminders = %v", pc.Reminders)
	}
}

func TestBuildEndpointsSkipsDisabled(t *testing.T) {
	off := false
	cfg := &config.Config{Channels: []config.ChannelConfig{
		{Name: "line", Kind: config.KindWebhook, Timeout: "5s", RateLimit: "30/minute"},
		{Name: "ops", Kind: config.KindTelegram, Enabled: &off},
	}}
	var timeouts []time.Duration
	build := func(_ context.Context, ch config.ChannelConfig, timeout time.Duration, _ logx.Logger) (notifier.Transport, error) {
		timeouts = append(timeouts, timeout)
		return notifier.TransportFunc(func(context.Context, notifier.Message) (map[string]any, error) { return nil, nil }), nil
	}

	eps, err := buildEndpoints(context.Background(), cfg, logx.Nop(), build)
	if err != nil {
		t.Fatal(err)
	}
	if len(eps) != 1 || eps[0].Name() != "line" {
		t.Fatalf("endpoints = %d", len(eps))
	}
	if len(timeouts) != 1 || timeouts[0] != 5*time.Second {
		t.Fatalf("timeouts = %v", timeouts)
	}
	if got := eps[0].Stats().RateLimit; got != "30/1m0s" {
		t.Fatalf("rate limit = %q", got)
	}
}

func TestBuildEndpointsWrapsTransportError(t *testing.T) {
	cfg := &config.Config{Channels: []config.ChannelConfig{{Name: "sms", Kind: config.KindSNS}}}
	build := func(context.Context, config.ChannelConfig, time.Duration, logx.Logger) (notifier.Transport, error) {
		return nil, errors.New("no region")
	}
	_, err := buildEndpoints(context.Background(), cfg, logx.Nop(), build)
	if err == nil || !strings.Contains(err.Error(), "channel sms") {
		t.Fatalf("err = %v", err)
	}
}

func TestAlertSender(t *testing.T) {
	d := &captureDispatcher{}
	s := &alertSender{disp: d, channel: "ops"}
	if err := s.Alert(context.Background(), "disk full"); err != nil {
		t.Fatal(err)
	}
	msgs := d.sent()
	if len(msgs) != 1 {
		t.Fatalf("sent %d", len(msgs))
	}
	m := msgs[0]
	if m.Metadata[notifier.MetaKind] != notifier.KindAlert || m.MaxRetries != 0 || m.Channels[0] != "ops" {
		t.Fatalf("message = %+v", m)
	}

	s.channel = "broken"
	if err := s.Alert(context.Background(), "x"); err == nil {
		t.Fatal("expected error for undelivered alert")
	}
}

func TestReviewerRecordsConflict(t *testing.T) {
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	d := &captureDispatcher{}
	r := &reviewer{
		disp:       d,
		store:      store,
		log:        logx.Nop(),
		loc:        time.UTC,
		channels:   []string{"line", "broken"},
		maxRetries: 3,
	}

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.TypeManualReview)
	bus.Publish(eventbus.Event{Type: eventbus.TypeManualReview, Data: reconcile.EventConflict{
		SourceAID: "a1",
		SourceBID: "b1",
		Severity:  7,
		Items:     []reconcile.ConflictItem{{Field: reconcile.FieldTitle, Kind: reconcile.KindTitle, ValueA: "Standup", ValueB: "Stand-up"}},
	}})
	// ignored: wrong payload type
	bus.Publish(eventbus.Event{Type: eventbus.TypeManualReview, Data: "nope"})
	unsub()
	r.loop(context.Background(), events)

	msgs := d.sent()
	if len(msgs) != 1 {
		t.Fatalf("sent %d", len(msgs))
	}
	m := msgs[0]
	if m.Priority != notifier.PriorityUrgent || m.Metadata[notifier.MetaKind] != notifier.KindConflict {
		t.Fatalf("message = %+v", m)
	}
	if !strings.HasPrefix(m.Title, "🚨") {
		t.Fatalf("title = %q", m.Title)
	}

	logs, err := store.SyncLogs(context.Background(), "a1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].Action != storage.ActionConflict || logs[0].Status != storage.SyncConflict {
		t.Fatalf("logs = %+v", logs)
	}
	// Both deliveries are settled rows, so nothing is left for the queue.
	pending, err := store.GetPendingNotifications(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestRunOnceWaitsForRetryDelivery(t *testing.T) {
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var calls atomic.Int32
	flaky := notifier.TransportFunc(func(context.Context, notifier.Message) (map[string]any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("503")
		}
		return nil, nil
	})

	bus := eventbus.New()
	disp := notifier.New(notifier.Config{BackoffBase: 0.3, PollInterval: 10 * time.Millisecond}, logx.Nop(), bus)
	disp.Register(notifier.NewEndpoint("line", flaky, notifier.EndpointConfig{}, logx.Nop()))
	t.Cleanup(func() { _ = disp.Stop(context.Background()) })

	load := func(string) ([]reconcile.EventRecord, error) { return nil, nil }
	a := &App{
		log:    logx.Nop(),
		bus:    bus,
		store:  store,
		disp:   disp,
		runner: pipeline.New(pipeline.Config{SourceA: "a.json", Location: time.UTC, MaxRetries: 2}, disp, logx.Nop(), pipeline.WithStore(store), pipeline.WithLoader(load)),
		review: &reviewer{disp: disp, log: logx.Nop(), loc: time.UTC},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep, err := a.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ctx.Err() != nil {
		t.Fatal("RunOnce returned on timeout")
	}
	if rep.Dispatch.Failed != 1 {
		t.Fatalf("first attempt = %+v", rep.Dispatch)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("transport calls = %d, want the retry delivered before return", got)
	}
	if !disp.Idle() {
		t.Fatalf("pending retries = %d", disp.PendingRetries())
	}

	st, err := store.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.SentNotifications != 1 || st.FailedNotifications != 0 {
		t.Fatalf("queue rows = %+v", st)
	}
}
