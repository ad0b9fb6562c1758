// Package push decodes completion events delivered by the extraction service
// and routes them into the reconciler. Transports live in sub-packages.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/article-batch-orchestrator/internal/extraction"
	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/article-batch-orchestrator/internal/reconciler"
)

var (
	// ErrMalformed means the event could not be decoded or lacks a job id.
	ErrMalformed = errors.New("malformed completion event")
	// ErrClientMismatch means the event was not addressed to this orchestrator.
	ErrClientMismatch = errors.New("client data mismatch")
)

// Event is the completion event body shared by the webhook and the queues.
type Event struct {
	ID         string                `json:"id"`
	URL        string                `json:"url"`
	ClientData extraction.ClientData `json:"clientData"`
	Status     string                `json:"status,omitempty"`
	Error      string                `json:"error,omitempty"`
	Result     *extraction.Result    `json:"result,omitempty"`
}

// Handler is the reconciler entry point.
type Handler interface {
	HandleNotification(ctx context.Context, source reconciler.Source, n orchestrator.Notification) (reconciler.Outcome, error)
}

// Decoder validates events against this orchestrator's client identity.
type Decoder struct {
	ClientID           string
	ListeningAttribute string
}

// Decode parses one event body into a notification.
func (d Decoder) Decode(data []byte) (orchestrator.Notification, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return orchestrator.Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return d.Notification(ev)
}

// Notification validates an already decoded event.
func (d Decoder) Notification(ev Event) (orchestrator.Notification, error) {
	id := strings.TrimSpace(ev.ID)
	if id == "" {
		return orchestrator.Notification{}, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if ev.ClientData.ClientID == "" || ev.ClientData.ListeningAttribute == "" {
		return orchestrator.Notification{}, fmt.Errorf("%w: missing client data", ErrClientMismatch)
	}
	if ev.ClientData.ClientID != d.ClientID || ev.ClientData.ListeningAttribute != d.ListeningAttribute {
		return orchestrator.Notification{}, ErrClientMismatch
	}

	n := orchestrator.Notification{CorrelationID: id}
	top := extraction.Result{Status: ev.Status, Error: ev.Error}
	switch {
	case top.Failed():
		n.Failed = true
		n.Reason = top.FailureReason()
	case ev.Result != nil && ev.Result.Failed():
		n.Failed = true
		n.Reason = ev.Result.FailureReason()
	case ev.Result != nil && ev.Result.Article != nil:
		payload := ev.Result.Article.Payload()
		n.Result = &payload
	}
	return n, nil
}

// Disposition says what a transport does with a message after handling it.
type Disposition int

// Message dispositions.
const (
	// Ack removes the message: it was applied or can never be applied.
	Ack Disposition = iota
	// Retry leaves the message for redelivery.
	Retry
)

// Process decodes and applies one message body.
func Process(ctx context.Context, d Decoder, h Handler, source reconciler.Source, data []byte) (reconciler.Outcome, Disposition, error) {
	n, err := d.Decode(data)
	if err != nil {
		return "", Ack, err
	}
	outcome, err := h.HandleNotification(ctx, source, n)
	if err != nil {
		return "", Classify(err), err
	}
	return outcome, Ack, nil
}

// Classify maps a handling error to a disposition. Events that can never apply
// are acknowledged; anything else is left for redelivery.
func Classify(err error) Disposition {
	switch {
	case err == nil,
		errors.Is(err, ErrMalformed),
		errors.Is(err, ErrClientMismatch),
		errors.Is(err, orchestrator.ErrUnknownCorrelation),
		orchestrator.IsIntegrity(err):
		return Ack
	}
	return Retry
}
