package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

const envPrefix = "CALNOTIFY_"

// LoadDotEnv loads .env files into the process environment: the one next
// to the config file first, then the working directory's. Variables that
// are already set win. It returns the files it loaded.
func LoadDotEnv(configPath string) ([]string, error) {
	candidates := []string{filepath.Join(filepath.Dir(configPath), ".env"), ".env"}
	var loaded []string
	seen := map[string]bool{}
	for _, p := range candidates {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return loaded, err
		}
		loaded = append(loaded, p)
	}
	return loaded, nil
}

// EnvKey is the variable that overrides field of the named channel, e.g.
// EnvKey("slack-ops", "URL") is CALNOTIFY_CHANNELS_SLACK_OPS_URL.
func EnvKey(channel, field string) string {
	name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(channel))
	return envPrefix + "CHANNELS_" + name + "_" + strings.ToUpper(field)
}

// ApplyEnv overrides secrets from the environment. lookup is os.LookupEnv
// outside tests.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for i := range cfg.Channels {
		ch := &cfg.Channels[i]
		if v, ok := lookup(EnvKey(ch.Name, "URL")); ok && v != "" {
			ch.URL = v
		}
		if v, ok := lookup(EnvKey(ch.Name, "TOKEN")); ok && v != "" {
			ch.Token = v
		}
		if v, ok := lookup(EnvKey(ch.Name, "TOPIC_ARN")); ok && v != "" {
			ch.TopicARN = v
		}
	}
	if v, ok := lookup(envPrefix + "OPS_TOKEN"); ok && v != "" {
		cfg.Ops.Token = v
	}
	if v, ok := lookup(envPrefix + "LOG_LEVEL"); ok && v != "" {
		cfg.Logging.Level = v
	}
}
