package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"automation-core/internal/autoerr"
	"automation-core/internal/schema"
)

// Match is the result of a group crossing its rule's trigger condition.
// Group is a snapshot taken at match time.
type Match struct {
	Rule     *Rule
	Group    *Group
	Incident *schema.Incident
}

// IncidentCreator synthesizes an incident from a matched group when the
// rule has auto_create_incident set.
type IncidentCreator func(ctx context.Context, rule *Rule, group *Group) (*schema.Incident, error)

// GroupSink receives groups that have closed (matched window elapsed or
// expired unmatched) for append-only persistence.
type GroupSink func(ctx context.Context, group *Group) error

// EngineConfig configures the correlation engine.
type EngineConfig struct {
	// DefaultLateTolerance applies to rules that do not set their own.
	DefaultLateTolerance time.Duration `yaml:"default_late_tolerance"`
	// CleanupInterval is how often elapsed windows are closed out.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// SinkRetries is how many times a failing group sink is retried.
	SinkRetries int `yaml:"sink_retries"`
	// SinkBackoff is the base delay between sink retries.
	SinkBackoff time.Duration `yaml:"sink_backoff"`
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultLateTolerance: 30 * time.Second,
		CleanupInterval:      15 * time.Second,
		SinkRetries:          3,
		SinkBackoff:          100 * time.Millisecond,
	}
}

// Engine maintains open correlation groups per rule and evaluates rule
// logic as events arrive. Group mutation is serialized per (rule, key) so
// concurrent workers never open duplicate groups for the same key.
type Engine struct {
	config EngineConfig

	mu    sync.RWMutex
	rules map[string]*Rule

	groups sync.Map // composite key -> *Group
	locks  keyedLocks

	incidentFn IncidentCreator
	sink       GroupSink

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithIncidentCreator installs the incident-creation callback.
func WithIncidentCreator(fn IncidentCreator) Option {
	return func(e *Engine) { e.incidentFn = fn }
}

// WithGroupSink installs the closed-group persistence callback.
func WithGroupSink(sink GroupSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// NewEngine creates a correlation engine.
func NewEngine(config EngineConfig, opts ...Option) *Engine {
	e := &Engine{
		config: config,
		rules:  make(map[string]*Rule),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddRule registers a correlation rule after validating it.
func (e *Engine) AddRule(rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.ID] = rule
	slog.Info("added correlation rule", "rule_id", rule.ID, "logic", rule.Logic)
	return nil
}

// RemoveRule unregisters a rule. Open groups for the rule close out on the
// next cleanup pass.
func (e *Engine) RemoveRule(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, ruleID)
}

// Process correlates one event against every enabled rule and returns the
// matches it produced. An event may join one open group per rule. The
// event's CorrelationID is set to the first group that admitted it.
func (e *Engine) Process(ctx context.Context, event *schema.SecurityEvent) ([]*Match, error) {
	e.mu.RLock()
	rules := make([]*Rule, 0, len(e.rules))
	for _, rule := range e.rules {
		if rule.Enabled {
			rules = append(rules, rule)
		}
	}
	e.mu.RUnlock()

	var matches []*Match
	for _, rule := range rules {
		match, err := e.correlate(ctx, rule, event)
		if err != nil {
			return matches, err
		}
		if match != nil {
			matches = append(matches, match)
		}
	}
	return matches, nil
}

func (e *Engine) correlate(ctx context.Context, rule *Rule, event *schema.SecurityEvent) (*Match, error) {
	key := buildKey(event, rule.KeyFields)
	composite := rule.ID + "\x00" + key
	tolerance := rule.LateTolerance
	if tolerance == 0 {
		tolerance = e.config.DefaultLateTolerance
	}

	unlock := e.locks.lock(composite)
	defer unlock()

	now := time.Now().UTC()
	group := e.loadGroup(composite)

	switch {
	case group == nil:
		group = newGroup(rule, key, event.Timestamp)
		e.groups.Store(composite, group)
	case group.admits(event.Timestamp, tolerance):
		// joins the open group
	case event.Timestamp.Before(group.WindowStart.Add(-tolerance)):
		// Too old for the open group: drops into its own closed-out group
		// so the active window is not disturbed.
		stale := newGroup(rule, key, event.Timestamp)
		stale.append(event)
		stale.observe(rule, event)
		stale.Expired = true
		e.flush(ctx, stale)
		return nil, nil
	default:
		// The open window has elapsed for this event; close it out and
		// anchor a fresh window at the event's own timestamp.
		e.closeGroup(ctx, composite, group, now)
		group = newGroup(rule, key, event.Timestamp)
		e.groups.Store(composite, group)
	}

	group.append(event)
	group.observe(rule, event)

	if event.CorrelationID == nil {
		id := group.ID
		event.CorrelationID = &id
	}

	// Edge-triggered: a group fires at most once.
	if group.Matched || !group.satisfied(rule) {
		return nil, nil
	}

	group.Matched = true
	matchedAt := now
	group.MatchedAt = &matchedAt
	if rule.SeverityOverride != nil {
		group.Severity = *rule.SeverityOverride
	} else {
		group.Severity = group.maxSeverity()
	}

	match := &Match{Rule: rule, Group: group.snapshot()}

	if rule.AutoCreateIncident && e.incidentFn != nil {
		incident, err := e.incidentFn(ctx, rule, match.Group)
		if err != nil {
			slog.Error("incident creation failed", "rule_id", rule.ID, "group_id", group.ID, "error", err)
		} else {
			match.Incident = incident
			id := incident.ID
			event.IncidentID = &id
		}
	}

	slog.Info("correlation rule fired",
		"rule_id", rule.ID,
		"group_id", group.ID,
		"key", key,
		"members", len(group.Members),
		"severity", group.Severity)

	return match, nil
}

// ExpireOpen closes every open group whose window has elapsed. Expired
// groups are retained via the sink for audit and take no further events.
func (e *Engine) ExpireOpen(ctx context.Context) {
	now := time.Now().UTC()
	e.groups.Range(func(k, v any) bool {
		composite := k.(string)
		unlock := e.locks.lock(composite)
		if group := e.loadGroup(composite); group != nil && !now.Before(group.WindowEnd) {
			e.closeGroup(ctx, composite, group, now)
		}
		unlock()
		return true
	})
}

// closeGroup finalizes a group, hands it to the sink, and drops it from
// the open set. Caller holds the per-key lock.
func (e *Engine) closeGroup(ctx context.Context, composite string, group *Group, now time.Time) {
	if !group.Matched {
		group.Expired = true
	}
	e.flush(ctx, group)
	e.groups.Delete(composite)
}

// flush persists a closed group, retrying with backoff. A group is never
// silently dropped: the terminal failure is surfaced as a state error log.
func (e *Engine) flush(ctx context.Context, group *Group) {
	if e.sink == nil {
		return
	}
	var err error
	for attempt := 0; attempt <= e.config.SinkRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.config.SinkBackoff * time.Duration(attempt)):
			}
		}
		if err = e.sink(ctx, group); err == nil {
			return
		}
	}
	stateErr := &autoerr.CorrelationStateError{RuleID: group.RuleID, GroupKey: group.Key, Err: err}
	slog.Error("failed to persist correlation group", "group_id", group.ID, "error", stateErr)
}

// Start runs the periodic window cleanup loop.
func (e *Engine) Start(ctx context.Context) {
	interval := e.config.CleanupInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.ExpireOpen(ctx)
			}
		}
	}()
	slog.Info("correlation engine started", "cleanup_interval", interval)
}

// Stop halts the cleanup loop.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	slog.Info("correlation engine stopped")
}

// Stats returns engine statistics for host-process observability.
func (e *Engine) Stats() map[string]any {
	e.mu.RLock()
	ruleCount := len(e.rules)
	e.mu.RUnlock()

	openGroups := 0
	e.groups.Range(func(_, _ any) bool {
		openGroups++
		return true
	})

	return map[string]any{
		"rules_count": ruleCount,
		"open_groups": openGroups,
	}
}

func (e *Engine) loadGroup(composite string) *Group {
	if v, ok := e.groups.Load(composite); ok {
		return v.(*Group)
	}
	return nil
}

// buildKey computes the rule-defined correlation key for an event.
func buildKey(event *schema.SecurityEvent, fields []string) string {
	if len(fields) == 0 {
		return "default"
	}
	parts := make([]string, len(fields))
	for i, field := range fields {
		parts[i] = fmt.Sprintf("%s=%v", field, event.Field(field))
	}
	return strings.Join(parts, ",")
}

// keyedLocks serializes group mutation per correlation key. Entries are
// reference counted: an entry may only be dropped once no goroutine holds
// or is waiting on it, otherwise two holders of the same key could end up
// on different mutexes.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// snapshot copies the group so callers can hold it without racing the
// open group's ongoing mutation.
func (g *Group) snapshot() *Group {
	cp := *g
	cp.Members = make([]MemberRef, len(g.Members))
	copy(cp.Members, g.Members)
	if g.PatternHits != nil {
		cp.PatternHits = make(map[int]int, len(g.PatternHits))
		for i, n := range g.PatternHits {
			cp.PatternHits[i] = n
		}
	}
	return &cp
}
