package rules

import (
	"strings"

	"github.com/bouncerbot/bouncer/automod/engine"
	"github.com/bouncerbot/bouncer/automod/helpers"
)

// Name of the set of link-shortener domains checked by the suspicious-link matcher.
const ShortenerSet = "url-shorteners"

// Seeds the shortener set when no sets file is configured.
var DefaultShorteners = []string{
	"bit.ly",
	"cutt.ly",
	"goo.gl",
	"is.gd",
	"ow.ly",
	"rb.gy",
	"shorturl.at",
	"t.co",
	"tinyurl.com",
	"tiny.cc",
	"v.gd",
}

var _ engine.MatchFunc = NewWebhooksMatch

func DefaultMatchers() map[string]engine.MatchFunc {
	return map[string]engine.MatchFunc{
		"new-webhooks":    NewWebhooksMatch,
		"webhook-message": WebhookMessageMatch,
		"human-message":   HumanMessageMatch,
		"suspicious-link": SuspiciousLinkMatch,
		"unverified-bot":  UnverifiedBotMatch,
	}
}

// matches webhook set changes which added at least one webhook (or which can't be told apart from one)
func NewWebhooksMatch(c *engine.EventContext) bool {
	return c.Event.Webhooks != nil && len(c.NewWebhooks()) > 0
}

func WebhookMessageMatch(c *engine.EventContext) bool {
	return c.Event.Message != nil && c.Event.Message.IsWebhook()
}

func HumanMessageMatch(c *engine.EventContext) bool {
	return c.Event.Message != nil && c.Event.Message.IsHuman()
}

// human message linking to a known shortener domain (or any subdomain of one)
func SuspiciousLinkMatch(c *engine.EventContext) bool {
	msg := c.Event.Message
	if msg == nil || !msg.IsHuman() || !strings.Contains(msg.Content, ".") {
		return false
	}
	for _, u := range helpers.ExtractTextURLs(msg.Content) {
		host := helpers.URLHost(u)
		if host == "" {
			continue
		}
		for _, domain := range parentDomains(host) {
			if c.InSet(ShortenerSet, domain) {
				c.Logger.Info("message links to shortener", "host", host, "domain", domain)
				return true
			}
		}
	}
	return false
}

// host itself, then each parent domain with at least two labels
func parentDomains(host string) []string {
	out := []string{host}
	for {
		idx := strings.IndexByte(host, '.')
		if idx < 0 {
			break
		}
		host = host[idx+1:]
		if !strings.Contains(host, ".") {
			break
		}
		out = append(out, host)
	}
	return out
}

func UnverifiedBotMatch(c *engine.EventContext) bool {
	m := c.Event.Member
	return m != nil && m.IsBot && !m.IsVerified
}
