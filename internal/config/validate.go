package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"calnotify/internal/notifier"
)

// Defaults applied when a field is omitted.
const (
	DefaultSyncSpec        = "0 7 * * *"
	DefaultPendingPollSpec = "@every 1m"
	DefaultCleanupSpec     = "@daily"
	DefaultRetention       = 30 * 24 * time.Hour
	DefaultMaxRetries      = 3
)

var channelName = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// CronParser accepts 5-field specs, an optional leading seconds field and
// descriptors.
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Specs returns the cron specs with defaults applied.
func (s ScheduleConfig) Specs() (syncSpec, pendingPoll, cleanup string) {
	syncSpec, pendingPoll, cleanup = strings.TrimSpace(s.Sync), strings.TrimSpace(s.PendingPoll), strings.TrimSpace(s.Cleanup)
	if syncSpec == "" {
		syncSpec = DefaultSyncSpec
	}
	if pendingPoll == "" {
		pendingPoll = DefaultPendingPollSpec
	}
	if cleanup == "" {
		cleanup = DefaultCleanupSpec
	}
	return syncSpec, pendingPoll, cleanup
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault returns def for an empty or zero duration.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Retries returns the configured retry budget, DefaultMaxRetries when
// omitted.
func (d DispatchConfig) Retries() int {
	if d.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return max(*d.MaxRetries, 0)
}

// ReminderLeads returns the parsed reminder lead times. Invalid entries are
// skipped; Validate reports them.
func (n NotifyConfig) ReminderLeads() []time.Duration {
	var out []time.Duration
	for _, raw := range n.Reminders {
		if d, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil && d > 0 {
			out = append(out, d)
		}
	}
	return out
}

func storageDisabled(driver string) bool {
	d := strings.ToLower(strings.TrimSpace(driver))
	return d == "" || d == "none"
}

// Location resolves an IANA zone name; empty means time.Local.
func Location(path, name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return loc, nil
}

// Validate checks everything that can be checked without touching the
// network. Errors carry the dotted path of the offending field.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := ParseDurationField("dispatch.max_backoff", cfg.Dispatch.MaxBackoff); err != nil {
		add(err)
	}
	if cfg.Dispatch.BackoffBase < 0 {
		add(errors.New("dispatch.backoff_base: must be >= 0"))
	}
	if cfg.Dispatch.MaxRetries != nil && *cfg.Dispatch.MaxRetries < 0 {
		add(errors.New("dispatch.max_retries: must be >= 0"))
	}

	seen := map[string]bool{}
	enabled := map[string]bool{}
	for i, ch := range cfg.Channels {
		p := fmt.Sprintf("channels[%d]", i)
		switch {
		case !channelName.MatchString(ch.Name):
			add(fmt.Errorf("%s.name: %q must match %s", p, ch.Name, channelName))
		case seen[ch.Name]:
			add(fmt.Errorf("%s.name: duplicate channel %q", p, ch.Name))
		}
		seen[ch.Name] = true
		if _, err := ParseDurationField(p+".timeout", ch.Timeout); err != nil {
			add(err)
		}
		if !ch.IsEnabled() {
			continue
		}
		enabled[ch.Name] = true
		switch ch.Kind {
		case KindWebhook:
			if strings.TrimSpace(ch.URL) == "" {
				add(fmt.Errorf("%s.url: required for webhook (or set %s)", p, EnvKey(ch.Name, "URL")))
			}
		case KindTelegram:
			if strings.TrimSpace(ch.Token) == "" {
				add(fmt.Errorf("%s.token: required for telegram (or set %s)", p, EnvKey(ch.Name, "TOKEN")))
			}
			if ch.ChatID == 0 {
				add(fmt.Errorf("%s.chat_id: required for telegram", p))
			}
		case KindSNS:
			if (ch.TopicARN == "") == (ch.PhoneNumber == "") {
				add(fmt.Errorf("%s: exactly one of topic_arn and phone_number is required", p))
			}
		default:
			add(fmt.Errorf("%s.kind: unknown kind %q", p, ch.Kind))
		}
	}

	if a := cfg.Logging.Alert; a.Enabled {
		switch {
		case !seen[a.Channel]:
			add(fmt.Errorf("logging.alert.channel: unknown channel %q", a.Channel))
		case !enabled[a.Channel]:
			add(fmt.Errorf("logging.alert.channel: channel %q is disabled", a.Channel))
		}
	}

	if cfg.Reconcile.Enabled && strings.TrimSpace(cfg.Sources.B) == "" {
		add(errors.New("sources.b: required when reconcile.enabled"))
	}
	if t := cfg.Reconcile.SimilarityThreshold; t < 0 || t > 1 {
		add(fmt.Errorf("reconcile.similarity_threshold: %v not in [0,1]", t))
	}
	if _, err := Location("sources.timezone", cfg.Sources.Timezone); err != nil {
		add(err)
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			add(err)
		}
		if _, err := ParseDurationField("storage.retention", st.Retention); err != nil {
			add(err)
		}
	}

	if _, err := notifier.ParsePriority(cfg.Notify.SummaryPriority); err != nil {
		add(fmt.Errorf("notify.summary_priority: %w", err))
	}
	for i, raw := range cfg.Notify.Reminders {
		d, err := ParseDurationField(fmt.Sprintf("notify.reminders[%d]", i), raw)
		switch {
		case err != nil:
			add(err)
		case d == 0:
			add(fmt.Errorf("notify.reminders[%d]: must be > 0", i))
		}
	}
	if len(cfg.Notify.Reminders) > 0 && (cfg.Storage == nil || storageDisabled(cfg.Storage.Driver)) {
		add(errors.New("notify.reminders: requires storage.driver"))
	}
	for _, list := range []struct {
		path  string
		names []string
	}{
		{"notify.summary_channels", cfg.Notify.SummaryChannels},
		{"notify.reminder_channels", cfg.Notify.ReminderChannels},
		{"notify.review_channels", cfg.Notify.ReviewChannels},
		{"dispatch.primary_channels", cfg.Dispatch.PrimaryChannels},
	} {
		for _, n := range list.names {
			if !seen[n] {
				add(fmt.Errorf("%s: unknown channel %q", list.path, n))
			}
		}
	}

	if _, err := Location("schedule.timezone", cfg.Schedule.Timezone); err != nil {
		add(err)
	}
	syncSpec, pollSpec, cleanupSpec := cfg.Schedule.Specs()
	for _, f := range []struct{ path, spec string }{
		{"schedule.sync", syncSpec},
		{"schedule.pending_poll", pollSpec},
		{"schedule.cleanup", cleanupSpec},
	} {
		if _, err := CronParser.Parse(f.spec); err != nil {
			add(fmt.Errorf("%s: %w", f.path, err))
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"ops.read_timeout", cfg.Ops.ReadTimeout},
		{"ops.write_timeout", cfg.Ops.WriteTimeout},
		{"ops.idle_timeout", cfg.Ops.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			add(err)
		}
	}

	return errors.Join(errs...)
}
