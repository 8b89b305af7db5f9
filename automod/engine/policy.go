package engine

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bouncerbot/bouncer/automod/event"
	"github.com/bouncerbot/bouncer/automod/platform"
)

type Comparison string

const (
	GreaterThan Comparison = ">"
	AtLeast     Comparison = ">="
)

// Whether count has crossed the threshold under this comparison operator.
func (c Comparison) Crossed(count, threshold int) bool {
	switch c {
	case GreaterThan:
		return count > threshold
	case AtLeast:
		return count >= threshold
	}
	return false
}

func (c Comparison) Valid() bool {
	return c == GreaterThan || c == AtLeast
}

// Named component of a counter key.
type KeyPart string

const (
	KeyGuild   KeyPart = "guild"
	KeyActor   KeyPart = "actor"
	KeyKind    KeyPart = "kind"
	KeyChannel KeyPart = "channel"
	KeyWebhook KeyPart = "webhook"
	// hash of message content; keys which include it are tracked per distinct content
	KeyContent KeyPart = "content"
)

var allKeyParts = []KeyPart{KeyGuild, KeyActor, KeyKind, KeyChannel, KeyWebhook, KeyContent}

// Action a policy takes when triggered, expressed relative to the event (eg, "the actor", "the message").
type PolicyAction string

const (
	ActBanActor              PolicyAction = "ban-actor"
	ActKickActor             PolicyAction = "kick-actor"
	ActTimeoutActor          PolicyAction = "timeout-actor"
	ActWarnActor             PolicyAction = "warn-actor"
	ActKickMember            PolicyAction = "kick-member"
	ActDeleteMessage         PolicyAction = "delete-message"
	ActDeleteWebhook         PolicyAction = "delete-webhook"
	ActDeleteChannel         PolicyAction = "delete-channel"
	ActDeleteChannelWebhooks PolicyAction = "delete-channel-webhooks"
	ActLog                   PolicyAction = "log"
)

var actionKinds = map[PolicyAction]platform.ActionKind{
	ActBanActor:              platform.ActionBan,
	ActKickActor:             platform.ActionKick,
	ActTimeoutActor:          platform.ActionTimeout,
	ActWarnActor:             platform.ActionWarn,
	ActKickMember:            platform.ActionKick,
	ActDeleteMessage:         platform.ActionDeleteMessage,
	ActDeleteWebhook:         platform.ActionDeleteWebhook,
	ActDeleteChannel:         platform.ActionDeleteChannel,
	ActDeleteChannelWebhooks: platform.ActionDeleteChannelWebhooks,
	ActLog:                   platform.ActionLog,
}

// Whether the action is aimed at the account responsible for the event.
func (a PolicyAction) TargetsActor() bool {
	return a == ActBanActor || a == ActKickActor || a == ActTimeoutActor || a == ActWarnActor
}

// Declarative detection rule. Policies with a zero Window are stateless, and trigger on every event their matcher accepts.
type Policy struct {
	Name  string       `json:"name" yaml:"name"`
	Kinds []event.Kind `json:"kinds" yaml:"kinds"`
	// Name of a registered matcher (predicate over the event)
	Match           string         `json:"match" yaml:"match"`
	KeyBy           []KeyPart      `json:"keyBy,omitempty" yaml:"keyBy,omitempty"`
	Window          time.Duration  `json:"window,omitempty" yaml:"window,omitempty"`
	Threshold       int            `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Comparison      Comparison     `json:"comparison,omitempty" yaml:"comparison,omitempty"`
	Actions         []PolicyAction `json:"actions" yaml:"actions"`
	Reason          string         `json:"reason,omitempty" yaml:"reason,omitempty"`
	Warning         string         `json:"warning,omitempty" yaml:"warning,omitempty"`
	TimeoutDuration time.Duration  `json:"timeoutDuration,omitempty" yaml:"timeoutDuration,omitempty"`
	ResetOnTrigger  bool           `json:"resetOnTrigger" yaml:"resetOnTrigger"`
	Enabled         bool           `json:"enabled" yaml:"enabled"`
}

func (p *Policy) Stateless() bool {
	return p.Window == 0
}

func (p *Policy) KeyedBy(part KeyPart) bool {
	return slices.Contains(p.KeyBy, part)
}

// Whether any part of the policy (key or actions) is about the account responsible for the event.
func (p *Policy) TargetsActor() bool {
	if p.KeyedBy(KeyActor) {
		return true
	}
	return slices.ContainsFunc(p.Actions, PolicyAction.TargetsActor)
}

func (p *Policy) Validate() error {
	if p.Name == "" {
		return errors.New("policy missing name")
	}
	if strings.Contains(p.Name, "/") {
		return fmt.Errorf("policy %s: name must not contain '/'", p.Name)
	}
	if len(p.Kinds) == 0 {
		return fmt.Errorf("policy %s: no event kinds", p.Name)
	}
	for _, k := range p.Kinds {
		if _, err := event.ParseKind(string(k)); err != nil {
			return fmt.Errorf("policy %s: %w", p.Name, err)
		}
	}
	if p.Match == "" {
		return fmt.Errorf("policy %s: no matcher", p.Name)
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("policy %s: no actions", p.Name)
	}
	for _, a := range p.Actions {
		if _, ok := actionKinds[a]; !ok {
			return fmt.Errorf("policy %s: unknown action: %s", p.Name, a)
		}
	}
	if p.Window < 0 {
		return fmt.Errorf("policy %s: negative window", p.Name)
	}
	if p.Stateless() {
		return nil
	}
	if len(p.KeyBy) == 0 {
		return fmt.Errorf("policy %s: windowed policy needs key parts", p.Name)
	}
	for _, part := range p.KeyBy {
		if !slices.Contains(allKeyParts, part) {
			return fmt.Errorf("policy %s: unknown key part: %s", p.Name, part)
		}
	}
	if p.Threshold < 1 {
		return fmt.Errorf("policy %s: threshold must be positive", p.Name)
	}
	if !p.Comparison.Valid() {
		return fmt.Errorf("policy %s: invalid comparison operator: %q", p.Name, p.Comparison)
	}
	return nil
}

// Runtime-adjustable subset of policy fields. Nil fields are left unchanged.
type PolicyOverride struct {
	Enabled    *bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Window     *string `json:"window,omitempty" yaml:"window,omitempty"`
	Threshold  *int    `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Comparison *string `json:"comparison,omitempty" yaml:"comparison,omitempty"`
}

// Returns a copy of the policy with the override applied, or an error if the result is not a valid policy.
func (p Policy) WithOverride(o PolicyOverride) (Policy, error) {
	out := p
	out.Kinds = slices.Clone(p.Kinds)
	out.KeyBy = slices.Clone(p.KeyBy)
	out.Actions = slices.Clone(p.Actions)
	if o.Enabled != nil {
		out.Enabled = *o.Enabled
	}
	if o.Window != nil {
		if p.Stateless() {
			return p, fmt.Errorf("policy %s: stateless policy has no window", p.Name)
		}
		w, err := time.ParseDuration(*o.Window)
		if err != nil {
			return p, fmt.Errorf("policy %s: parsing window: %w", p.Name, err)
		}
		if w <= 0 {
			return p, fmt.Errorf("policy %s: window must be positive", p.Name)
		}
		out.Window = w
	}
	if o.Threshold != nil {
		out.Threshold = *o.Threshold
	}
	if o.Comparison != nil {
		out.Comparison = Comparison(*o.Comparison)
	}
	if err := out.Validate(); err != nil {
		return p, err
	}
	return out, nil
}

// Immutable, validated collection of policies, indexed by event kind.
type PolicySet struct {
	policies []Policy
	byKind   map[event.Kind][]int
}

func NewPolicySet(policies []Policy) (*PolicySet, error) {
	ps := &PolicySet{
		policies: make([]Policy, 0, len(policies)),
		byKind:   make(map[event.Kind][]int),
	}
	seen := make(map[string]bool, len(policies))
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate policy name: %s", p.Name)
		}
		seen[p.Name] = true
		ps.policies = append(ps.policies, p)
		idx := len(ps.policies) - 1
		for _, k := range p.Kinds {
			ps.byKind[k] = append(ps.byKind[k], idx)
		}
	}
	return ps, nil
}

// Enabled policies which handle the given event kind, in configuration order.
func (ps *PolicySet) ForKind(k event.Kind) []*Policy {
	var out []*Policy
	for _, idx := range ps.byKind[k] {
		if ps.policies[idx].Enabled {
			out = append(out, &ps.policies[idx])
		}
	}
	return out
}

func (ps *PolicySet) Get(name string) (Policy, bool) {
	for _, p := range ps.policies {
		if p.Name == name {
			return p, true
		}
	}
	return Policy{}, false
}

// Copy of all policies, including disabled ones.
func (ps *PolicySet) All() []Policy {
	return slices.Clone(ps.policies)
}

// Longest window across all policies. Useful as a lower bound for sweeping idle counters.
func (ps *PolicySet) MaxWindow() time.Duration {
	var longest time.Duration
	for _, p := range ps.policies {
		if p.Window > longest {
			longest = p.Window
		}
	}
	return longest
}
