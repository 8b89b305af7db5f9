package automod

import (
	"github.com/bouncerbot/bouncer/automod/dispatch"
	"github.com/bouncerbot/bouncer/automod/engine"
	"github.com/bouncerbot/bouncer/automod/event"
)

type Engine = engine.Engine
type EventContext = engine.EventContext
type Policy = engine.Policy
type PolicyOverride = engine.PolicyOverride
type MatchFunc = engine.MatchFunc

type Event = event.Event
type Kind = event.Kind

type Dispatcher = dispatch.Dispatcher
type PendingAction = dispatch.PendingAction
type Notifier = dispatch.Notifier
type SlackNotifier = dispatch.SlackNotifier

var (
	GreaterThan = engine.GreaterThan
	AtLeast     = engine.AtLeast

	ErrMalformedEvent = event.ErrMalformedEvent
)
