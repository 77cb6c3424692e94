// Package summary renders reconciled events as plain-text notification
// bodies. Output is platform neutral; transports decide how to present it.
package summary

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"calnotify/internal/reconcile"
)

// DefaultMaxEvents caps the listed events; the rest are counted.
const DefaultMaxEvents = 8

type Options struct {
	// Location is the calendar's time zone. Nil means time.Local.
	Location  *time.Location
	MaxEvents int
}

func (o Options) loc() *time.Location {
	if o.Location == nil {
		return time.Local
	}
	return o.Location
}

// Daily formats the events that fall on date.
func Daily(date time.Time, events []reconcile.EventRecord, opts Options) (title, content string) {
	loc := opts.loc()
	limit := opts.MaxEvents
	if limit <= 0 {
		limit = DefaultMaxEvents
	}
	day := date.In(loc)
	title = "📅 " + day.Format("2006-01-02 (Mon)")

	today := OnDate(day, events, loc)

	var b strings.Builder
	b.WriteString(title)
	if len(today) == 0 {
		b.WriteString("\nNo events today.")
		return title, b.String()
	}
	fmt.Fprintf(&b, " · %d %s\n", len(today), plural(len(today), "event", "events"))
	for i, e := range today {
		if i == limit {
			fmt.Fprintf(&b, "\n… and %d more", len(today)-limit)
			break
		}
		b.WriteString("\n▫️ ")
		b.WriteString(TimeRange(e, loc))
		b.WriteByte(' ')
		b.WriteString(e.Title)
		if e.Location != "" {
			b.WriteString("\n   📍 ")
			b.WriteString(e.Location)
		}
	}
	return title, strings.TrimRight(b.String(), "\n")
}

// OnDate returns the events that overlap the calendar day of date in loc,
// all-day events first, then by start time.
func OnDate(date time.Time, events []reconcile.EventRecord, loc *time.Location) []reconcile.EventRecord {
	y, m, d := date.In(loc).Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	var out []reconcile.EventRecord
	for _, e := range events {
		if e.Start.IsZero() {
			continue
		}
		end := e.End
		if end.IsZero() || !end.After(e.Start) {
			end = e.Start.Add(time.Nanosecond)
		}
		if e.Start.Before(dayEnd) && end.After(dayStart) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AllDay != out[j].AllDay {
			return out[i].AllDay
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

// TimeRange renders "09:00-10:00", "09:00~" for open-ended events, or
// "All day".
func TimeRange(e reconcile.EventRecord, loc *time.Location) string {
	switch {
	case e.AllDay:
		return "All day"
	case e.Start.IsZero():
		return "TBD"
	}
	start := e.Start.In(loc).Format("15:04")
	if e.End.IsZero() || e.End.Equal(e.Start) {
		return start + "~"
	}
	return start + "-" + e.End.In(loc).Format("15:04")
}

// Conflict formats a conflict that needs a human decision.
func Conflict(c reconcile.EventConflict, loc *time.Location) (title, content string) {
	if loc == nil {
		loc = time.Local
	}
	title = "⚠️ Calendar conflict needs review"
	if c.Critical() {
		title = "🚨 Critical calendar conflict needs review"
	}

	var b strings.Builder
	b.WriteString(title)
	fmt.Fprintf(&b, "\n\nSource A: %s\nSource B: %s\nSeverity: %.1f/10\n", c.SourceAID, c.SourceBID, c.Severity)
	for _, it := range c.Items {
		fmt.Fprintf(&b, "\n• %s: %q vs %q", it.Field, renderValue(it.ValueA, loc), renderValue(it.ValueB, loc))
	}
	return title, b.String()
}

// Reminder formats a heads-up for an event starting in lead.
func Reminder(e reconcile.EventRecord, lead time.Duration, loc *time.Location) (title, content string) {
	if loc == nil {
		loc = time.Local
	}
	title = "⏰ " + e.Title
	var b strings.Builder
	b.WriteString(title)
	fmt.Fprintf(&b, "\nStarts in %s · %s", humanLead(lead), TimeRange(e, loc))
	if e.Location != "" {
		b.WriteString("\n📍 ")
		b.WriteString(e.Location)
	}
	return title, b.String()
}

func humanLead(d time.Duration) string {
	d = d.Round(time.Minute)
	h, m := int(d.Hours()), int(d.Minutes())%60
	switch {
	case h == 0:
		return fmt.Sprintf("%d min", m)
	case m == 0:
		return fmt.Sprintf("%d h", h)
	}
	return fmt.Sprintf("%d h %d min", h, m)
}

func renderValue(v string, loc *time.Location) string {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.In(loc).Format("2006-01-02 15:04")
	}
	return v
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
