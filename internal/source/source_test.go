package source

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadFileJSON(t *testing.T) {
	p := writeFile(t, "a.json", `[
	  {"id":"a1","title":"Standup","start":"2025-09-01T09:00:00+09:00","end":"2025-09-01T09:15:00+09:00","location":"Room 1"},
	  {"id":"a2","title":"Holiday","start":"2025-09-01T00:00:00+09:00","all_day":true,"linked_id":"b9"}
	]`)
	events, err := LoadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events", len(events))
	}
	want := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	if !events[0].Start.Equal(want) {
		t.Errorf("start = %v, want %v", events[0].Start, want)
	}
	if events[0].Location != "Room 1" || !events[1].AllDay || events[1].LinkedID != "b9" {
		t.Errorf("unexpected decode: %+v", events)
	}
}

func TestLoadFileYAMLWrapped(t *testing.T) {
	p := writeFile(t, "b.yml", `
events:
  - id: b1
    title: Standup
    start: 2025-09-01T09:00:00+09:00
    end: 2025-09-01T09:30:00+09:00
    updated_at: 2025-08-30T12:00:00Z
  - id: b2
    title: Lunch
    start: "2025-09-01T12:00:00+09:00"
`)
	events, err := LoadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].ID != "b1" || events[1].Title != "Lunch" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[0].UpdatedAt.IsZero() || events[0].End.Sub(events[0].Start) != 30*time.Minute {
		t.Fatalf("times not decoded: %+v", events[0])
	}
}

func TestParseErrors(t *testing.T) {
	tests := map[string]string{
		"missing id":    `[{"title":"x","start":"2025-09-01T09:00:00Z"}]`,
		"missing start": `[{"id":"x","title":"x"}]`,
		"bad json":      `[{`,
	}
	for name, body := range tests {
		if _, err := Parse([]byte(body), false); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := LoadFile(""); err != ErrNoPath {
		t.Errorf("LoadFile(\"\") err = %v", err)
	}
}

func TestParseEmpty(t *testing.T) {
	for _, body := range []string{"", "null", "  []  "} {
		events, err := Parse([]byte(body), false)
		if err != nil || len(events) != 0 {
			t.Errorf("Parse(%q) = %v, %v", body, events, err)
		}
	}
}
