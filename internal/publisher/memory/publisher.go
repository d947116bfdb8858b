// Package memory provides an in-process Publisher. The daemon falls back to
// it when no Pub/Sub project is configured; tests use it to capture
// completion messages.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Message is one recorded publish call.
type Message struct {
	Topic   string
	Payload any
}

// Publisher records messages instead of sending them anywhere. Message IDs
// keep increasing across Reset so retries remain distinguishable.
type Publisher struct {
	mu   sync.Mutex
	seq  int
	msgs []Message
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a synthetic ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.msgs = append(p.msgs, Message{Topic: topic, Payload: payload})
	return fmt.Sprintf("mem-%d", p.seq), nil
}

// Messages returns a copy of everything recorded since the last Reset.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.msgs))
	copy(out, p.msgs)
	return out
}

// Reset discards recorded messages without rewinding the ID sequence.
func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = nil
}
