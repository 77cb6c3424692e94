// Package webhook delivers notifier messages as HTTP POST requests. The body
// shape is selected per endpoint: generic JSON, Slack, Discord or IFTTT.
package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"calnotify/internal/notifier"
	"calnotify/pkg/logx"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultUsername = "calnotify"
	userAgent       = "calnotify/1"

	// maxErrorBody bounds how much of a failed response ends up in the error.
	maxErrorBody = 256
	// Discord rejects content longer than this.
	discordContentLimit = 2000
)

type Format string

const (
	FormatJSON    Format = "json"
	FormatSlack   Format = "slack"
	FormatDiscord Format = "discord"
	FormatIFTTT   Format = "ifttt"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatSlack, FormatDiscord, FormatIFTTT:
		return f, nil
	default:
		return "", fmt.Errorf("unknown webhook format %q", s)
	}
}

type Config struct {
	URL    string
	Format Format
	// Token is sent as a bearer token when set.
	Token string

	// Username is the display name for Slack and Discord.
	Username string
	// IconEmoji and SlackChannel apply to Slack only.
	IconEmoji    string
	SlackChannel string
	// AvatarURL applies to Discord only.
	AvatarURL string

	Timeout            time.Duration
	InsecureSkipVerify bool
}

// Sender is a notifier.Transport.
type Sender struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
	now    func() time.Time
}

var _ notifier.Transport = (*Sender)(nil)

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook URL is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webhook URL must use http or https scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("webhook URL must include a host")
	}
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	if cfg.Username == "" {
		cfg.Username = defaultUsername
	}
	if cfg.IconEmoji == "" {
		cfg.IconEmoji = ":calendar:"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "webhook"), logx.String("url", RedactURL(cfg.URL)))

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // user-configured
		log.Warn("webhook TLS certificate verification is disabled")
	}

	return &Sender{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		log:    log,
		now:    time.Now,
	}, nil
}

// Body builds the request payload for msg.
func (s *Sender) Body(msg notifier.Message) map[string]any {
	switch s.cfg.Format {
	case FormatSlack:
		b := map[string]any{
			"text":       msg.Content,
			"username":   s.cfg.Username,
			"icon_emoji": s.cfg.IconEmoji,
		}
		if s.cfg.SlackChannel != "" {
			b["channel"] = s.cfg.SlackChannel
		}
		return b
	case FormatDiscord:
		b := map[string]any{
			"content":  truncateRunes(msg.Content, discordContentLimit),
			"username": s.cfg.Username,
		}
		if s.cfg.AvatarURL != "" {
			b["avatar_url"] = s.cfg.AvatarURL
		}
		return b
	case FormatIFTTT:
		return map[string]any{
			"value1": msg.Content,
			"value2": msg.Title,
			"value3": s.now().Format(time.RFC3339),
		}
	default:
		meta := msg.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		return map[string]any{
			"id":       msg.ID,
			"title":    msg.Title,
			"content":  msg.Content,
			"priority": msg.Priority.String(),
			"metadata": meta,
		}
	}
}

// Deliver POSTs msg once. Retries belong to the dispatcher.
func (s *Sender) Deliver(ctx context.Context, msg notifier.Message) (map[string]any, error) {
	body, err := json.Marshal(s.Body(msg))
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", RedactURL(s.cfg.URL), scrubURLError(err))
	}
	defer func() {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.log.Debug("webhook delivered", logx.String("message_id", msg.ID), logx.Int("status", resp.StatusCode))
		return map[string]any{"status_code": resp.StatusCode}, nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return map[string]any{"status_code": resp.StatusCode}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}

// StatusError is a non-2xx webhook response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned HTTP %d", e.Code)
	}
	return fmt.Sprintf("webhook returned HTTP %d: %s", e.Code, e.Body)
}

// scrubURLError drops the request URL from a *url.Error; webhook URLs often
// embed secrets in the path.
func scrubURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

// RedactURL masks credentials in a URL for safe logging: userinfo
// passwords, query values, and every path segment after the first.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid-url>"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			q.Set(key, "REDACTED")
		}
		u.RawQuery = q.Encode()
	}
	if segs := strings.Split(strings.Trim(u.Path, "/"), "/"); len(segs) > 1 {
		u.Path = "/" + segs[0] + "/REDACTED"
		u.RawPath = ""
	}
	return u.String()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
