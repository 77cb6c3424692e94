package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"calnotify/internal/config"
	"calnotify/internal/notifier"
	"calnotify/internal/observability/ops"
	"calnotify/internal/pipeline"
	"calnotify/internal/reconcile"
	"calnotify/internal/storage"
	"calnotify/internal/transport/sns"
	"calnotify/internal/transport/telegram"
	"calnotify/internal/transport/webhook"
	"calnotify/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, time.Duration, error) {
	if cfg.Storage == nil {
		return storage.Config{}, 0, nil
	}
	sc := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, 0, err
	}
	retention, err := config.ParseDurationOrDefault("storage.retention", sc.Retention, config.DefaultRetention)
	if err != nil {
		return storage.Config{}, 0, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, 0, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
	case "file":
		if path == "" {
			path = "./data/calnotify"
		}
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, retention, nil
}

func mapDispatcherConfig(cfg *config.Config) (notifier.Config, error) {
	d := cfg.Dispatch
	maxBackoff, err := config.ParseDurationField("dispatch.max_backoff", d.MaxBackoff)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		MaxConcurrentDeliveries: d.MaxConcurrent,
		PrimaryChannels:         d.PrimaryChannels,
		BackoffBase:             d.BackoffBase,
		MaxBackoff:              maxBackoff,
		Jitter:                  d.Jitter,
		RetryQueueSize:          d.RetryQueueSize,
	}, nil
}

func mapResolverConfig(cfg *config.Config) reconcile.Config {
	r := cfg.Reconcile
	rc := reconcile.Config{
		Strategy: reconcile.Strategy(strings.TrimSpace(r.Strategy)),
		MergePolicy: reconcile.MergePolicy{
			Title:       r.MergePolicy.Title,
			Description: r.MergePolicy.Description,
			Location:    r.MergePolicy.Location,
			Time:        r.MergePolicy.Time,
		},
		AutoResolveThreshold: r.AutoResolveThreshold,
		SimilarityThreshold:  r.SimilarityThreshold,
		MirrorPrefix:         reconcile.DefaultMirrorPrefix,
		Workers:              r.Workers,
	}
	if r.MirrorPrefix != nil {
		rc.MirrorPrefix = *r.MirrorPrefix
	}
	return rc
}

func mapPipelineConfig(cfg *config.Config, loc *time.Location) pipeline.Config {
	// Validate has already rejected an unknown priority.
	prio, _ := notifier.ParsePriority(cfg.Notify.SummaryPriority)
	return pipeline.Config{
		SourceA:          cfg.Sources.A,
		SourceB:          cfg.Sources.B,
		Reconcile:        cfg.Reconcile.Enabled,
		Location:         loc,
		SummaryChannels:  cfg.Notify.SummaryChannels,
		SummaryPriority:  prio,
		MaxEvents:        cfg.Notify.MaxEvents,
		MaxRetries:       cfg.Dispatch.Retries(),
		Reminders:        cfg.Notify.ReminderLeads(),
		ReminderChannels: cfg.Notify.ReminderChannels,
		MaxAttempts:      cfg.Dispatch.Retries() + 1,
	}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	read, err := config.ParseDurationField("ops.read_timeout", o.ReadTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	write, err := config.ParseDurationField("ops.write_timeout", o.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationField("ops.idle_timeout", o.IdleTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:              o.Enabled,
		Addr:                 o.Addr,
		Token:                o.Token,
		AllowInsecure:        o.AllowInsecure,
		Pprof:                o.Pprof,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: o.MutexProfileFraction,
		BlockProfileRate:     o.BlockProfileRate,
	}, nil
}

// newTransport builds the platform sender for one channel.
func newTransport(ctx context.Context, ch config.ChannelConfig, timeout time.Duration, log logx.Logger) (notifier.Transport, error) {
	switch ch.Kind {
	case config.KindWebhook:
		format, err := webhook.ParseFormat(ch.Format)
		if err != nil {
			return nil, err
		}
		return webhook.New(webhook.Config{
			URL:                ch.URL,
			Format:             format,
			Token:              ch.Token,
			Username:           ch.Username,
			IconEmoji:          ch.IconEmoji,
			SlackChannel:       ch.SlackChannel,
			AvatarURL:          ch.AvatarURL,
			Timeout:            timeout,
			InsecureSkipVerify: ch.InsecureSkipVerify,
		}, log)
	case config.KindTelegram:
		return telegram.New(telegram.Config{
			Token:    ch.Token,
			ChatID:   ch.ChatID,
			ThreadID: ch.ThreadID,
			APIURL:   ch.APIURL,
			Timeout:  timeout,
		}, log)
	case config.KindSNS:
		return sns.New(ctx, sns.Config{
			Region:      ch.Region,
			TopicARN:    ch.TopicARN,
			PhoneNumber: ch.PhoneNumber,
		}, log)
	default:
		return nil, fmt.Errorf("unknown kind %q", ch.Kind)
	}
}

// buildEndpoints creates one Endpoint per enabled channel.
func buildEndpoints(ctx context.Context, cfg *config.Config, log logx.Logger, build func(context.Context, config.ChannelConfig, time.Duration, logx.Logger) (notifier.Transport, error)) ([]*notifier.Endpoint, error) {
	var out []*notifier.Endpoint
	for i, ch := range cfg.Channels {
		if !ch.IsEnabled() {
			log.Info("channel disabled", logx.String("channel", ch.Name))
			continue
		}
		timeout, err := config.ParseDurationField(fmt.Sprintf("channels[%d].timeout", i), ch.Timeout)
		if err != nil {
			return nil, err
		}
		clog := log.With(logx.String("channel", ch.Name), logx.String("kind", ch.Kind))
		t, err := build(ctx, ch, timeout, clog)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", ch.Name, err)
		}
		out = append(out, notifier.NewEndpoint(ch.Name, t, notifier.EndpointConfig{RateLimit: ch.RateLimit, Timeout: timeout}, log))
	}
	return out, nil
}
