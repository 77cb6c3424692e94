package reconcile

import (
	"fmt"
	"time"
)

// EventRecord is a normalized calendar event from either source.
type EventRecord struct {
	ID          string    `json:"id" yaml:"id"`
	Title       string    `json:"title" yaml:"title"`
	Start       time.Time `json:"start" yaml:"start"`
	End         time.Time `json:"end,omitempty" yaml:"end,omitempty"`
	AllDay      bool      `json:"all_day,omitempty" yaml:"all_day,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Location    string    `json:"location,omitempty" yaml:"location,omitempty"`
	// LinkedID is the id of the same event in the other source, if known.
	LinkedID  string    `json:"linked_id,omitempty" yaml:"linked_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

type ConflictKind string

const (
	KindTitle       ConflictKind = "title"
	KindTime        ConflictKind = "time"
	KindDescription ConflictKind = "description"
	KindLocation    ConflictKind = "location"
	KindDeletion    ConflictKind = "deletion"
	KindDuplicate   ConflictKind = "duplicate"
)

// Compared fields.
const (
	FieldTitle       = "title"
	FieldStart       = "start"
	FieldEnd         = "end"
	FieldDescription = "description"
	FieldLocation    = "location"
)

// ConflictItem is one differing field of a matched pair. Confidence is how
// similar the two values still are, in [0,1].
type ConflictItem struct {
	Field      string       `json:"field"`
	Kind       ConflictKind `json:"kind"`
	ValueA     string       `json:"value_a"`
	ValueB     string       `json:"value_b"`
	Confidence float64      `json:"confidence"`
}

func (c ConflictItem) String() string {
	return fmt.Sprintf("%s: A=%q B=%q", c.Field, c.ValueA, c.ValueB)
}

type Strategy string

const (
	StrategySourceAWins  Strategy = "source_a_wins"
	StrategySourceBWins  Strategy = "source_b_wins"
	StrategyMerge        Strategy = "merge"
	StrategyLatestWins   Strategy = "latest_wins"
	StrategyManualReview Strategy = "manual_review"
)

func (s Strategy) valid() bool {
	switch s {
	case StrategySourceAWins, StrategySourceBWins, StrategyMerge, StrategyLatestWins, StrategyManualReview:
		return true
	}
	return false
}

type State string

const (
	StateDetected     State = "detected"
	StateResolved     State = "resolved"
	StateManualReview State = "manual_review"
	// StateDropped marks a conflict whose records could not be found at
	// resolution time.
	StateDropped State = "dropped"
)

// EventConflict is a matched pair with at least one ConflictItem.
type EventConflict struct {
	SourceAID  string         `json:"source_a_id"`
	SourceBID  string         `json:"source_b_id"`
	Items      []ConflictItem `json:"items"`
	Severity   float64        `json:"severity"`
	Strategy   Strategy       `json:"strategy,omitempty"`
	State      State          `json:"state"`
	Resolved   bool           `json:"resolved"`
	ResolvedAt time.Time      `json:"resolved_at,omitempty"`
	Resolution *EventRecord   `json:"resolution,omitempty"`
}

// Critical reports whether the severity reaches 6.
func (c *EventConflict) Critical() bool { return c.Severity >= criticalSeverity }

func (c *EventConflict) Summary() string {
	return fmt.Sprintf("conflict %s/%s (severity %.1f): %d issues", c.SourceAID, c.SourceBID, c.Severity, len(c.Items))
}

// Fields returns the conflicting field names in item order.
func (c *EventConflict) Fields() []string {
	out := make([]string, 0, len(c.Items))
	for _, it := range c.Items {
		out = append(out, it.Field)
	}
	return out
}

func (c *EventConflict) has(field string) bool {
	for _, it := range c.Items {
		if it.Field == field {
			return true
		}
	}
	return false
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	Conflicts []*EventConflict
	// Events is source A with every auto-resolved conflict applied.
	Events       []EventRecord
	Resolved     int
	ManualReview int
	Dropped      int
}

type Stats struct {
	Detected           uint64   `json:"conflicts_detected"`
	Resolved           uint64   `json:"conflicts_resolved"`
	ManualReview       uint64   `json:"manual_reviews_required"`
	Dropped            uint64   `json:"conflicts_dropped"`
	AutoResolutionRate float64  `json:"auto_resolution_rate"`
	Strategy           Strategy `json:"strategy"`
}
