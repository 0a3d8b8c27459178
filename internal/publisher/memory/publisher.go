// Package memory records completion events in process, serving tests and
// deployments without a message broker.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Message is one recorded completion event.
type Message struct {
	Topic   string
	Payload any
}

// Publisher appends every published event to an in-process log. It satisfies
// the same contract as the Pub/Sub publisher, so the coordinator does not
// care which one it was handed.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event. The returned id mirrors a broker message id and
// is unique within this publisher.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, Message{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns a copy of everything published so far, in publish order.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// MessagesFor returns the published events for one topic, in publish order.
func (p *Publisher) MessagesFor(topic string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Message
	for _, m := range p.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
