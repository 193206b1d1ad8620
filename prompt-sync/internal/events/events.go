// Package events publishes pipeline lifecycle notifications.
package events

import (
	"context"
	"sync"
	"time"
)

const (
	TypeArtifactGenerated = "prompt.generated"
	TypeAgentSynced       = "prompt.synced"
	TypeSyncFailed        = "prompt.sync_failed"
	TypeEntryFailed       = "prompt.regeneration_failed"
)

type Event struct {
	Type       string            `json:"type"`
	TenantID   string            `json:"tenantId"`
	Version    int64             `json:"version,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Publisher delivers events. Callers treat failures as non-fatal.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(t string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
