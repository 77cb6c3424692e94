// Package source loads event collections exported by the upstream
// collector. Files are JSON or YAML, holding either a bare list of events or
// an object with an "events" list.
package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	"calnotify/internal/reconcile"
)

var ErrNoPath = errors.New("source path is empty")

// LoadFile reads the events in path. The format follows the extension;
// .yaml and .yml are YAML, anything else is JSON.
func LoadFile(path string) ([]reconcile.EventRecord, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrNoPath
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	events, err := Parse(b, ext == ".yaml" || ext == ".yml")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return events, nil
}

// Parse decodes data. YAML goes through JSON so both formats share field
// names and time parsing.
func Parse(data []byte, isYAML bool) ([]reconcile.EventRecord, error) {
	if isYAML {
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("yaml unmarshal: %w", err)
		}
		j, err := json.Marshal(normalizeYAML(v))
		if err != nil {
			return nil, fmt.Errorf("yaml->json marshal: %w", err)
		}
		data = j
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	var events []reconcile.EventRecord
	if data[0] == '{' {
		var wrapped struct {
			Events []reconcile.EventRecord `json:"events"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, err
		}
		events = wrapped.Events
	} else if err := json.Unmarshal(data, &events); err != nil {
		return nil, err
	}

	for i, e := range events {
		if strings.TrimSpace(e.ID) == "" {
			return nil, fmt.Errorf("events[%d]: id is required", i)
		}
		if e.Start.IsZero() && !e.AllDay {
			return nil, fmt.Errorf("events[%d] (%s): start is required", i, e.ID)
		}
	}
	return events, nil
}

func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
