package config

// Config is the calnotify configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Channels  []ChannelConfig `json:"channels"`
	Reconcile ReconcileConfig `json:"reconcile"`
	Sources   SourcesConfig   `json:"sources"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Notify    NotifyConfig    `json:"notify"`
	Schedule  ScheduleConfig  `json:"schedule"`
	Ops       OpsConfig       `json:"ops"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards log records at or above MinLevel to a channel.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	Channel    string `json:"channel"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DispatchConfig controls fan-out and retry.
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent: 10
//   - primary_channels: ["line"]
//   - max_retries: 3
//   - backoff_base: 2
//   - max_backoff: "10m"
//   - retry_queue_size: 0 (unbounded)
type DispatchConfig struct {
	MaxConcurrent   int      `json:"max_concurrent,omitempty"`
	PrimaryChannels []string `json:"primary_channels,omitempty"`
	MaxRetries      *int     `json:"max_retries,omitempty"`
	BackoffBase     float64  `json:"backoff_base,omitempty"`
	MaxBackoff      string   `json:"max_backoff,omitempty"`
	Jitter          bool     `json:"jitter,omitempty"`
	RetryQueueSize  int      `json:"retry_queue_size,omitempty"`
}

// Channel kinds.
const (
	KindWebhook  = "webhook"
	KindTelegram = "telegram"
	KindSNS      = "sns"
)

// ChannelConfig is one notification endpoint. Which fields apply depends on
// Kind.
//
// Secrets (url, token) may be left empty here and supplied through
// CALNOTIFY_CHANNELS_<NAME>_URL / CALNOTIFY_CHANNELS_<NAME>_TOKEN.
type ChannelConfig struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Enabled *bool  `json:"enabled,omitempty"`
	// RateLimit is "<count>/<unit>", e.g. "30/minute".
	RateLimit string `json:"rate_limit,omitempty"`
	Timeout   string `json:"timeout,omitempty"`

	// webhook
	URL                string `json:"url,omitempty"`
	Format             string `json:"format,omitempty"`
	Username           string `json:"username,omitempty"`
	IconEmoji          string `json:"icon_emoji,omitempty"`
	SlackChannel       string `json:"slack_channel,omitempty"`
	AvatarURL          string `json:"avatar_url,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`

	// webhook bearer token or telegram bot token
	Token string `json:"token,omitempty"`

	// telegram
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	APIURL   string `json:"api_url,omitempty"`

	// sns
	Region      string `json:"region,omitempty"`
	TopicARN    string `json:"topic_arn,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

func (c ChannelConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

type ReconcileConfig struct {
	Enabled              bool        `json:"enabled"`
	Strategy             string      `json:"strategy,omitempty"`
	MergePolicy          MergePolicy `json:"merge_policy"`
	AutoResolveThreshold float64     `json:"auto_resolve_threshold,omitempty"`
	SimilarityThreshold  float64     `json:"similarity_threshold,omitempty"`
	MirrorPrefix         *string     `json:"mirror_prefix,omitempty"`
	Workers              int         `json:"workers,omitempty"`
}

type MergePolicy struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Time        string `json:"time,omitempty"`
}

// SourcesConfig points at the collector exports. B is optional; without
// it reconciliation is skipped.
type SourcesConfig struct {
	A        string `json:"a"`
	B        string `json:"b,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/calnotify.db", "retention": "720h" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	Retention   string `json:"retention,omitempty"`    // default 720h
}

// NotifyConfig shapes what a sync run sends.
type NotifyConfig struct {
	// SummaryChannels receive the daily summary; empty means all.
	SummaryChannels []string `json:"summary_channels,omitempty"`
	// SummaryPriority is low, normal, high or urgent. Default normal.
	SummaryPriority string `json:"summary_priority,omitempty"`
	MaxEvents       int    `json:"max_events,omitempty"`

	// Reminders are lead times before an event start, e.g. ["15m", "1h"].
	// Reminders are queued in storage and need a storage driver.
	Reminders        []string `json:"reminders,omitempty"`
	ReminderChannels []string `json:"reminder_channels,omitempty"`
	// ReviewChannels receive manual-review conflict alerts; empty means all.
	ReviewChannels []string `json:"review_channels,omitempty"`
}

// ScheduleConfig holds cron specs. Seconds are optional; descriptors such
// as "@daily" and "@every 1m" are accepted.
type ScheduleConfig struct {
	Enabled     bool   `json:"enabled"`
	Timezone    string `json:"timezone,omitempty"`
	Sync        string `json:"sync,omitempty"`         // default "0 7 * * *"
	PendingPoll string `json:"pending_poll,omitempty"` // default "@every 1m"
	Cleanup     string `json:"cleanup,omitempty"`      // default "@daily"
}

// OpsConfig controls the ops HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
