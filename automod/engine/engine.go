package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bouncerbot/bouncer/automod/cachestore"
	"github.com/bouncerbot/bouncer/automod/countstore"
	"github.com/bouncerbot/bouncer/automod/dispatch"
	"github.com/bouncerbot/bouncer/automod/event"
	"github.com/bouncerbot/bouncer/automod/flagstore"
	"github.com/bouncerbot/bouncer/automod/platform"
	"github.com/bouncerbot/bouncer/automod/setstore"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("bouncer/engine")

const (
	DefaultAuditTimeout = 5 * time.Second
	DefaultFetchTimeout = 5 * time.Second
)

// Predicate over an event, referenced by name from policies.
type MatchFunc func(c *EventContext) bool

// runtime for evaluating policies against events, managing counter state, and dispatching moderation actions.
//
// TODO: careful when initializing: several fields should not be null or zero, even though they are pointer type. SetPolicies must be called before events are processed.
type Engine struct {
	Logger     *slog.Logger
	Platform   platform.Platform
	Counters   countstore.WindowStore
	Dispatcher *dispatch.Dispatcher
	Sets       setstore.SetStore
	Cache      cachestore.CacheStore
	Flags      flagstore.FlagStore
	Matchers   map[string]MatchFunc
	// Source of time for events which arrive without a timestamp. Defaults to time.Now
	Clock        func() time.Time
	AuditTimeout time.Duration
	FetchTimeout time.Duration

	policyMu sync.Mutex
	policies atomic.Pointer[PolicySet]
}

func (eng *Engine) now() time.Time {
	if eng.Clock != nil {
		return eng.Clock()
	}
	return time.Now()
}

func (eng *Engine) auditTimeout() time.Duration {
	if eng.AuditTimeout > 0 {
		return eng.AuditTimeout
	}
	return DefaultAuditTimeout
}

func (eng *Engine) fetchTimeout() time.Duration {
	if eng.FetchTimeout > 0 {
		return eng.FetchTimeout
	}
	return DefaultFetchTimeout
}

func (eng *Engine) selfID() string {
	if eng.Platform == nil {
		return ""
	}
	return eng.Platform.SelfID()
}

func (eng *Engine) matcher(name string) (MatchFunc, bool) {
	if name == "any" {
		return func(c *EventContext) bool { return true }, true
	}
	f, ok := eng.Matchers[name]
	return f, ok
}

// Validates and atomically installs a new set of policies. Events already being processed finish with the previous set.
func (eng *Engine) SetPolicies(policies []Policy) error {
	for _, p := range policies {
		if _, ok := eng.matcher(p.Match); !ok {
			return fmt.Errorf("policy %s: unknown matcher: %s", p.Name, p.Match)
		}
	}
	ps, err := NewPolicySet(policies)
	if err != nil {
		return err
	}
	eng.policyMu.Lock()
	defer eng.policyMu.Unlock()
	eng.policies.Store(ps)
	policiesLoaded.Set(float64(len(policies)))
	return nil
}

// Current policy set (never nil).
func (eng *Engine) Policies() *PolicySet {
	if ps := eng.policies.Load(); ps != nil {
		return ps
	}
	return &PolicySet{}
}

// Applies a runtime override to a single named policy.
func (eng *Engine) UpdatePolicy(name string, o PolicyOverride) (Policy, error) {
	eng.policyMu.Lock()
	defer eng.policyMu.Unlock()

	current := eng.Policies()
	all := current.All()
	idx := -1
	for i, p := range all {
		if p.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Policy{}, fmt.Errorf("%w: %s", ErrUnknownPolicy, name)
	}
	updated, err := all[idx].WithOverride(o)
	if err != nil {
		return Policy{}, err
	}
	all[idx] = updated
	ps, err := NewPolicySet(all)
	if err != nil {
		return Policy{}, err
	}
	eng.policies.Store(ps)
	eng.Logger.Info("policy updated", "policy", name, "enabled", updated.Enabled, "window", updated.Window, "threshold", updated.Threshold, "comparison", updated.Comparison)
	return updated, nil
}

var ErrUnknownPolicy = errors.New("unknown policy")

// Entrypoint for every normalized event: validates, then runs every enabled policy for the event kind.
//
// Malformed events are dropped (returning an error wrapping event.ErrMalformedEvent) without touching any counter. Failures inside individual policies are logged and do not stop other policies.
func (eng *Engine) ProcessEvent(ctx context.Context, evt *event.Event) (err error) {
	// similar to an HTTP server, we want to recover any panics from rule execution
	defer func() {
		if r := recover(); r != nil {
			var kind event.Kind
			if evt != nil {
				kind = evt.Kind
			}
			eng.Logger.Error("event processing exception", "err", r, "kind", kind)
			eventErrorCount.WithLabelValues(string(kind)).Inc()
			err = fmt.Errorf("panic processing event: %v", r)
		}
	}()

	start := time.Now()
	ctx, span := tracer.Start(ctx, "ProcessEvent")
	defer span.End()

	if evt == nil {
		return fmt.Errorf("%w: nil event", event.ErrMalformedEvent)
	}
	// events are immutable: work on a copy when filling in the timestamp
	e := *evt
	if e.At.IsZero() {
		e.At = eng.now()
	}
	span.SetAttributes(attribute.String("kind", string(e.Kind)), attribute.String("guild", e.GuildID))

	if err := e.Validate(); err != nil {
		eng.Logger.Warn("dropping malformed event", "kind", e.Kind, "guild", e.GuildID, "err", err)
		eventDropCount.WithLabelValues("malformed").Inc()
		span.SetStatus(codes.Error, "malformed event")
		return err
	}

	logger := eng.Logger.With("guild", e.GuildID, "kind", e.Kind)
	c := &EventContext{
		Ctx:    ctx,
		Logger: logger,
		Event:  &e,
		engine: eng,
	}

	for _, p := range eng.Policies().ForKind(e.Kind) {
		if err := eng.runPolicy(c, p); err != nil {
			logger.Error("policy evaluation failed", "policy", p.Name, "err", err)
			policyErrorCount.WithLabelValues(p.Name).Inc()
		}
	}

	eventProcessCount.WithLabelValues(string(e.Kind)).Inc()
	eventProcessDuration.WithLabelValues(string(e.Kind)).Observe(time.Since(start).Seconds())
	return nil
}

func (eng *Engine) runPolicy(c *EventContext, p *Policy) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in policy: %v", r)
		}
	}()
	return eng.evaluatePolicy(c, p)
}

func (eng *Engine) resolveAuditActor(ctx context.Context, logger *slog.Logger, guildID string, action platform.AuditAction) string {
	if eng.Platform == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, eng.auditTimeout())
	defer cancel()
	actor, ok, err := eng.Platform.FetchAuditActor(ctx, guildID, action)
	if err != nil {
		logger.Warn("audit log lookup failed", "action", action.String(), "err", err, "class", platform.Classify(err))
		auditLookupCount.WithLabelValues("error").Inc()
		return ""
	}
	if !ok || actor == "" {
		logger.Info("audit log has no matching entry", "action", action.String())
		auditLookupCount.WithLabelValues("none").Inc()
		return ""
	}
	auditLookupCount.WithLabelValues("ok").Inc()
	return actor
}

// Current repeat count of the content within a windowed content-keyed policy, for operator inspection.
func (eng *Engine) ContentCount(ctx context.Context, policyName, source, content string) (int, error) {
	p, ok := eng.Policies().Get(policyName)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPolicy, policyName)
	}
	if p.Stateless() || !p.KeyedBy(KeyContent) {
		return 0, fmt.Errorf("policy %s is not content-keyed", policyName)
	}
	dt := countstore.NewDuplicateTracker(eng.Counters, p.Name)
	return dt.Count(ctx, source, content, eng.now(), p.Window)
}
