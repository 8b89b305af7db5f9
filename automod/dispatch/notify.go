package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bouncerbot/bouncer/pkg/robusthttp"
)

// Interface for a type that can deliver operator alerts outside the platform (eg, to an ops chat)
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Sends alerts to every configured notifier. Failures are logged and otherwise ignored.
func (d *Dispatcher) Alert(ctx context.Context, msg string) {
	for _, n := range d.Notifiers {
		ctx, cancel := context.WithTimeout(ctx, d.actionTimeout)
		err := n.Notify(ctx, msg)
		cancel()
		if err != nil {
			d.Logger.Error("sending operator alert", "err", err)
		}
	}
}

type SlackWebhookBody struct {
	Text string `json:"text"`
}

// Posts alerts to a Slack "incoming webhook". Slack-compatible endpoints (such as a platform webhook with a /slack suffix) also work.
type SlackNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		WebhookURL: webhookURL,
		Client:     robusthttp.NewSingleShotClient(10 * time.Second),
	}
}

func (n *SlackNotifier) Notify(ctx context.Context, msg string) error {
	body, err := json.Marshal(SlackWebhookBody{Text: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	resp, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("failed slack webhook POST request. status=%d", resp.StatusCode)
	}
	return nil
}
