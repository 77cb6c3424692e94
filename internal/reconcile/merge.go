package reconcile

import (
	"strings"
	"unicode/utf8"
)

// Merge policy values.
const (
	PolicySourceAPriority  = "source_a_priority"
	PolicySourceBPriority  = "source_b_priority"
	PolicyLongerText       = "longer_text"
	PolicyNonEmptyPriority = "non_empty_priority"
	PolicyLatestUpdate     = "latest_update"
)

// MergePolicy picks a value per field when the merge strategy resolves a
// conflict.
type MergePolicy struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Location    string `json:"location"`
	Time        string `json:"time"`
}

func DefaultMergePolicy() MergePolicy {
	return MergePolicy{
		Title:       PolicySourceAPriority,
		Description: PolicyLongerText,
		Location:    PolicyNonEmptyPriority,
		Time:        PolicyLatestUpdate,
	}
}

// normalize replaces empty or unknown values with the defaults and returns
// the names of the fields it had to replace.
func (p MergePolicy) normalize() (MergePolicy, []string) {
	def := DefaultMergePolicy()
	var bad []string
	check := func(field string, v *string, dv string, allowed ...string) {
		if *v == "" {
			*v = dv
			return
		}
		for _, a := range allowed {
			if *v == a {
				return
			}
		}
		bad = append(bad, field+"="+*v)
		*v = dv
	}
	check(FieldTitle, &p.Title, def.Title, PolicySourceAPriority, PolicySourceBPriority, PolicyLongerText)
	check(FieldDescription, &p.Description, def.Description, PolicySourceAPriority, PolicySourceBPriority, PolicyLongerText)
	check(FieldLocation, &p.Location, def.Location, PolicyNonEmptyPriority, PolicySourceAPriority, PolicySourceBPriority)
	check("time", &p.Time, def.Time, PolicyLatestUpdate, PolicySourceAPriority)
	return p, bad
}

// merge builds a new record from a, replacing only the conflicting fields
// according to the policy. Text values come from the conflict items so that
// normalized titles are used.
func (p MergePolicy) merge(a, b EventRecord, c *EventConflict) EventRecord {
	out := a
	bNewer := b.UpdatedAt.After(a.UpdatedAt)

	for _, it := range c.Items {
		switch it.Field {
		case FieldTitle:
			out.Title = pickText(p.Title, it.ValueA, it.ValueB)
		case FieldDescription:
			out.Description = pickText(p.Description, it.ValueA, it.ValueB)
		case FieldLocation:
			out.Location = pickLocation(p.Location, it.ValueA, it.ValueB)
		case FieldStart:
			if p.Time == PolicyLatestUpdate && bNewer {
				out.Start = b.Start
			}
		case FieldEnd:
			if p.Time == PolicyLatestUpdate && bNewer {
				out.End = b.End
			}
		}
	}
	if bNewer {
		out.UpdatedAt = b.UpdatedAt
	}
	return out
}

func pickText(policy, a, b string) string {
	switch policy {
	case PolicySourceBPriority:
		return b
	case PolicyLongerText:
		if utf8.RuneCountInString(a) >= utf8.RuneCountInString(b) {
			return a
		}
		return b
	default:
		return a
	}
}

func pickLocation(policy, a, b string) string {
	switch policy {
	case PolicySourceAPriority:
		return a
	case PolicySourceBPriority:
		return b
	default:
		if strings.TrimSpace(a) != "" {
			return a
		}
		return b
	}
}
