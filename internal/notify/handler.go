package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/olympusai/buildforge/internal/queue"
	"github.com/olympusai/buildforge/internal/resilience"
	"github.com/olympusai/buildforge/pkg/models"
)

// Payload is the notify.send job payload.
type Payload struct {
	Capability string `json:"capability"`
	Message    string `json:"message"`
}

// Handler executes notify.send jobs through the registry. Webhook failures
// return to the queue for retry; a capability that is not configured is a
// permanent failure.
type Handler struct {
	Registry *Registry
}

func (h *Handler) Type() string { return models.JobTypeNotify }

func (h *Handler) Execute(ctx context.Context, job queue.Envelope) error {
	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return resilience.Permanent(fmt.Errorf("decode notify payload: %w", err))
	}
	if p.Capability == "" || p.Message == "" {
		return resilience.Permanent(errors.New("notify payload missing capability or message"))
	}
	n := h.Registry.Get(p.Capability)
	if n == nil {
		return resilience.Permanent(fmt.Errorf("capability %q not configured", p.Capability))
	}
	if err := n.Notify(ctx, p.Message); err != nil {
		return err
	}
	slog.Info("notification delivered", "capability", p.Capability, "attempt", job.Attempt)
	return nil
}

// Forwarder is an event publisher that enqueues a notification whenever a
// run reaches a terminal status. Wire it into the event fanout alongside the
// hub and the journal.
type Forwarder struct {
	Queue      *queue.Queue
	Capability string
}

func (f *Forwarder) Publish(ev models.RunEvent) {
	if ev.Kind != models.EventRunUpdate || !models.Terminal(ev.Status) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := Payload{Capability: f.Capability, Message: RunMessage(ev)}
	if _, err := f.Queue.Enqueue(ctx, models.JobTypeNotify, p, queue.WithRun(ev.RunID)); err != nil {
		slog.Warn("enqueue notification", "run_id", ev.RunID, "error", err)
	}
}

// RunMessage renders the notification text for a terminal run event.
func RunMessage(ev models.RunEvent) string {
	msg := fmt.Sprintf("buildforge run %s %s", ev.RunID, ev.Status)
	if ev.Error != "" {
		msg += ": " + ev.Error
	}
	return msg
}
