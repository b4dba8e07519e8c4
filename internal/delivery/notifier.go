// Package delivery tells users and downstream systems how their jobs ended.
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"reelforge/internal/domain"
)

// EventKind classifies a job notification.
type EventKind string

const (
	EventDone     EventKind = "done"
	EventFailed   EventKind = "failed"
	EventRetrying EventKind = "retrying"
)

// Event is a job outcome addressed to the job owner.
type Event struct {
	Kind         EventKind        `json:"kind"`
	JobID        string           `json:"job_id"`
	OwnerID      string           `json:"owner_id"`
	ChatID       *int64           `json:"chat_id,omitempty"`
	Locale       string           `json:"locale,omitempty"`
	TemplateID   string           `json:"template_id,omitempty"`
	OutputURL    string           `json:"output_url,omitempty"`
	ErrorKind    domain.ErrorKind `json:"error_kind,omitempty"`
	ErrorSummary string           `json:"error_summary,omitempty"`
	Balance      *int             `json:"balance,omitempty"`
	Refunded     bool             `json:"refunded"`
	Attempt      int              `json:"attempt"`
	RetryAt      *time.Time       `json:"retry_at,omitempty"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// Notifier delivers job events. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes events to the service log.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "delivery").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	ev := n.logger.Info()
	if event.Kind == EventFailed {
		ev = n.logger.Warn()
	}
	ev = ev.Str("kind", string(event.Kind)).
		Str("job_id", event.JobID).
		Str("owner_id", event.OwnerID).
		Int("attempt", event.Attempt)
	if event.OutputURL != "" {
		ev = ev.Str("output_url", event.OutputURL)
	}
	if event.ErrorKind != "" {
		ev = ev.Str("error_kind", string(event.ErrorKind)).Bool("refunded", event.Refunded)
	}
	if event.RetryAt != nil {
		ev = ev.Time("retry_at", *event.RetryAt)
	}
	ev.Msg("delivery: job event")
	return nil
}
