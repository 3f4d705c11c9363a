// Package notify delivers run notifications through pluggable webhook
// capabilities. Delivery runs as notify.send queue jobs, so it inherits the
// queue's retry, backoff, and dead-letter handling.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
)

// Notifier is one integration that can deliver a message (e.g. Slack).
type Notifier interface {
	Name() string
	Notify(ctx context.Context, message string) error
}

// Registry holds configured notifiers by name.
type Registry struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
}

func NewRegistry() *Registry {
	return &Registry{notifiers: make(map[string]Notifier)}
}

func (r *Registry) Register(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifiers[n.Name()] = n
}

// Get returns the notifier registered under name, or nil.
func (r *Registry) Get(name string) Notifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.notifiers[name]
}

// Names lists the configured capability names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.notifiers))
	for name := range r.notifiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Notify delivers a message through the named capability.
func (r *Registry) Notify(ctx context.Context, name, message string) error {
	n := r.Get(name)
	if n == nil {
		return fmt.Errorf("capability %q not configured", name)
	}
	return n.Notify(ctx, message)
}

// FromEnv builds a registry from BUILDFORGE_* environment variables. An
// empty registry is valid; the notify pipeline is simply inert.
func FromEnv() *Registry {
	reg := NewRegistry()
	if url := os.Getenv("BUILDFORGE_SLACK_WEBHOOK"); url != "" {
		reg.Register(SlackWebhook{
			WebhookURL: url,
			Channel:    os.Getenv("BUILDFORGE_SLACK_CHANNEL"),
			Username:   os.Getenv("BUILDFORGE_SLACK_USERNAME"),
		})
	}
	return reg
}

// SlackWebhook posts messages to a Slack incoming webhook.
type SlackWebhook struct {
	WebhookURL string
	// Channel overrides the webhook's default channel when set.
	Channel  string
	Username string
	// Client defaults to http.DefaultClient.
	Client *http.Client
}

func (s SlackWebhook) Name() string { return "slack" }

func (s SlackWebhook) Notify(ctx context.Context, message string) error {
	if s.WebhookURL == "" {
		return fmt.Errorf("slack webhook URL not set")
	}
	payload := map[string]any{"text": message}
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}
	if s.Username != "" {
		payload["username"] = s.Username
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}
