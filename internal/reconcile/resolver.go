package reconcile

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"calnotify/internal/eventbus"
	"calnotify/pkg/logx"
)

const (
	// Start or end times closer than this are not a conflict.
	timeTolerance = 5 * time.Minute
	// Text fields at least this similar are not a conflict.
	textTolerance = 0.9

	criticalSeverity = 6.0
	maxSeverity      = 10.0

	DefaultAutoResolveThreshold = 3.0
)

var fieldWeights = map[string]float64{
	FieldTitle:       3.0,
	FieldStart:       3.0,
	FieldEnd:         2.0,
	FieldLocation:    1.5,
	FieldDescription: 1.0,
}

// Severity is min(10, sum of weight(field) * (1 - confidence)). Fields
// without a weight count 1.
func Severity(items []ConflictItem) float64 {
	total := 0.0
	for _, it := range items {
		w, ok := fieldWeights[it.Field]
		if !ok {
			w = 1.0
		}
		total += w * (1 - it.Confidence)
	}
	return math.Min(total, maxSeverity)
}

type Config struct {
	Strategy             Strategy
	MergePolicy          MergePolicy
	AutoResolveThreshold float64
	SimilarityThreshold  float64
	MirrorPrefix         string
	// Workers bounds parallel comparison of source A events. Zero means 4.
	Workers int
}

// Observer receives one call per conflict state change.
type Observer interface {
	ObserveConflict(state State)
}

type Option func(*Resolver)

func WithObserver(o Observer) Option {
	return func(r *Resolver) {
		if o != nil {
			r.obs = o
		}
	}
}

type nopObserver struct{}

func (nopObserver) ObserveConflict(State) {}

// Resolver detects and resolves conflicts. Its only state is the running
// counters; it never mutates the records it is given.
type Resolver struct {
	cfg     Config
	matcher Matcher
	log     logx.Logger
	bus     eventbus.Bus
	obs     Observer
	now     func() time.Time

	detected     atomic.Uint64
	resolved     atomic.Uint64
	manualReview atomic.Uint64
	dropped      atomic.Uint64
}

// New validates cfg. Unknown strategy or merge policy values fall back to
// the defaults with a warning.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategySourceAWins
	} else if !cfg.Strategy.valid() {
		log.Warn("unknown conflict strategy, using default", logx.String("strategy", string(cfg.Strategy)), logx.String("default", string(StrategySourceAWins)))
		cfg.Strategy = StrategySourceAWins
	}
	var bad []string
	cfg.MergePolicy, bad = cfg.MergePolicy.normalize()
	if len(bad) > 0 {
		log.Warn("unknown merge policy values, using defaults", logx.Strings("invalid", bad))
	}
	if cfg.AutoResolveThreshold <= 0 {
		cfg.AutoResolveThreshold = DefaultAutoResolveThreshold
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}

	r := &Resolver{
		cfg:     cfg,
		matcher: NewMatcher(cfg.SimilarityThreshold, cfg.MirrorPrefix),
		log:     log,
		bus:     bus,
		obs:     nopObserver{},
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Resolver) Strategy() Strategy { return r.cfg.Strategy }

// Compare lists the conflicting fields of a matched pair.
func (r *Resolver) Compare(a, b EventRecord) []ConflictItem {
	var items []ConflictItem

	ta, tb := r.matcher.title(a.Title), r.matcher.title(b.Title)
	if ta != tb && ta != "" && tb != "" {
		items = append(items, ConflictItem{
			Field:      FieldTitle,
			Kind:       KindTitle,
			ValueA:     ta,
			ValueB:     tb,
			Confidence: TextSimilarity(ta, tb),
		})
	}
	if it, ok := compareTime(FieldStart, a.Start, b.Start); ok {
		items = append(items, it)
	}
	if it, ok := compareTime(FieldEnd, a.End, b.End); ok {
		items = append(items, it)
	}
	if it, ok := compareText(FieldDescription, KindDescription, a.Description, b.Description); ok {
		items = append(items, it)
	}
	if it, ok := compareText(FieldLocation, KindLocation, a.Location, b.Location); ok {
		items = append(items, it)
	}
	return items
}

func compareTime(field string, a, b time.Time) (ConflictItem, bool) {
	if a.IsZero() || b.IsZero() {
		return ConflictItem{}, false
	}
	diff := absDuration(a.Sub(b))
	if diff <= timeTolerance {
		return ConflictItem{}, false
	}
	return ConflictItem{
		Field:      field,
		Kind:       KindTime,
		ValueA:     a.Format(time.RFC3339),
		ValueB:     b.Format(time.RFC3339),
		Confidence: math.Max(0, 1-diff.Seconds()/proximityHorizon.Seconds()),
	}, true
}

func compareText(field string, kind ConflictKind, a, b string) (ConflictItem, bool) {
	if a == b || (a == "" && b == "") {
		return ConflictItem{}, false
	}
	sim := TextSimilarity(a, b)
	if sim >= textTolerance {
		return ConflictItem{}, false
	}
	return ConflictItem{Field: field, Kind: kind, ValueA: a, ValueB: b, Confidence: sim}, true
}

// Detect pairs every source A event with its matches in source B and
// returns one conflict per pair that differs. Order follows eventsA, then
// eventsB.
func (r *Resolver) Detect(ctx context.Context, eventsA, eventsB []EventRecord) ([]*EventConflict, error) {
	perA := make([][]*EventConflict, len(eventsA))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for i := range eventsA {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			a := eventsA[i]
			for _, b := range eventsB {
				if !r.matcher.IsMatch(a, b) {
					continue
				}
				items := r.Compare(a, b)
				if len(items) == 0 {
					continue
				}
				perA[i] = append(perA[i], &EventConflict{
					SourceAID: a.ID,
					SourceBID: b.ID,
					Items:     items,
					Severity:  Severity(items),
					State:     StateDetected,
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []*EventConflict
	for _, cs := range perA {
		out = append(out, cs...)
	}
	return out, nil
}

// ResolveConflict applies the strategy to c, looking its records up by id
// in eventsA and eventsB. It sets c's state and returns the resolution, or
// nil when c needs manual review or its records are gone.
func (r *Resolver) ResolveConflict(c *EventConflict, eventsA, eventsB []EventRecord) *EventRecord {
	log := r.log.With(logx.String("source_a_id", c.SourceAID), logx.String("source_b_id", c.SourceBID))
	c.Strategy = r.cfg.Strategy

	switch {
	case r.cfg.Strategy == StrategyManualReview:
		return r.toManualReview(c, log, "strategy requires manual review")
	case c.Severity > r.cfg.AutoResolveThreshold && (r.cfg.Strategy == StrategyMerge || r.cfg.Strategy == StrategyLatestWins):
		return r.toManualReview(c, log, "severity exceeds auto-resolve threshold")
	}

	a, okA := findByID(eventsA, c.SourceAID)
	b, okB := findByID(eventsB, c.SourceBID)
	if !okA || !okB {
		c.State = StateDropped
		r.dropped.Add(1)
		r.obs.ObserveConflict(StateDropped)
		log.Error("conflict record not found, skipping", logx.Bool("found_a", okA), logx.Bool("found_b", okB))
		return nil
	}

	var res EventRecord
	switch r.cfg.Strategy {
	case StrategySourceBWins:
		res = b
	case StrategyLatestWins:
		res = a
		if b.UpdatedAt.After(a.UpdatedAt) {
			res = b
		}
	case StrategyMerge:
		res = r.cfg.MergePolicy.merge(a, b, c)
	default:
		res = a
	}

	c.State = StateResolved
	c.Resolved = true
	c.ResolvedAt = r.now()
	c.Resolution = &res
	r.resolved.Add(1)
	r.obs.ObserveConflict(StateResolved)
	log.Info("conflict resolved", logx.String("strategy", string(c.Strategy)), logx.Float64("severity", c.Severity), logx.Strings("fields", c.Fields()))
	return &res
}

func (r *Resolver) toManualReview(c *EventConflict, log logx.Logger, reason string) *EventRecord {
	c.State = StateManualReview
	r.manualReview.Add(1)
	r.obs.ObserveConflict(StateManualReview)
	log.Warn("manual review required", logx.String("reason", reason), logx.Float64("severity", c.Severity), logx.Bool("critical", c.Critical()), logx.Strings("fields", c.Fields()))
	cp := *c
	cp.Items = append([]ConflictItem(nil), c.Items...)
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeManualReview, Data: cp})
	return nil
}

// Resolve detects conflicts between the two sources and resolves each one.
// It only fails when ctx ends.
func (r *Resolver) Resolve(ctx context.Context, eventsA, eventsB []EventRecord) (Report, error) {
	r.log.Info("starting conflict resolution", logx.Int("events_a", len(eventsA)), logx.Int("events_b", len(eventsB)))

	conflicts, err := r.Detect(ctx, eventsA, eventsB)
	if err != nil {
		return Report{}, err
	}
	r.detected.Add(uint64(len(conflicts)))

	rep := Report{Conflicts: conflicts}
	resolutions := map[string]*EventRecord{}
	for _, c := range conflicts {
		r.obs.ObserveConflict(StateDetected)
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeConflict, Data: *c})

		res := r.ResolveConflict(c, eventsA, eventsB)
		switch c.State {
		case StateResolved:
			rep.Resolved++
			if _, seen := resolutions[c.SourceAID]; !seen {
				resolutions[c.SourceAID] = res
			}
		case StateManualReview:
			rep.ManualReview++
		case StateDropped:
			rep.Dropped++
		}
	}

	rep.Events = make([]EventRecord, len(eventsA))
	for i, e := range eventsA {
		if res, ok := resolutions[e.ID]; ok && e.ID != "" {
			rep.Events[i] = *res
			continue
		}
		rep.Events[i] = e
	}

	if len(conflicts) == 0 {
		r.log.Info("no conflicts detected")
	} else {
		r.log.Info("conflict resolution completed", logx.Int("detected", len(conflicts)), logx.Int("resolved", rep.Resolved), logx.Int("manual_review", rep.ManualReview), logx.Int("dropped", rep.Dropped))
	}
	return rep, nil
}

func (r *Resolver) Stats() Stats {
	st := Stats{
		Detected:     r.detected.Load(),
		Resolved:     r.resolved.Load(),
		ManualReview: r.manualReview.Load(),
		Dropped:      r.dropped.Load(),
		Strategy:     r.cfg.Strategy,
	}
	if st.Detected > 0 {
		st.AutoResolutionRate = float64(st.Resolved) / float64(st.Detected)
	}
	return st
}

func findByID(events []EventRecord, id string) (EventRecord, bool) {
	if id == "" {
		return EventRecord{}, false
	}
	for _, e := range events {
		if e.ID == id {
			return e, true
		}
	}
	return EventRecord{}, false
}
