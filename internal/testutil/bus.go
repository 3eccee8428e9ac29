package testutil

import (
	"sync"

	"github.com/HerbHall/genwatch/pkg/models"
)

// RecordingPublisher is a thread-safe stand-in for the telemetry hub that
// records every published message for later inspection.
type RecordingPublisher struct {
	mu       sync.Mutex
	messages []models.Message
}

// NewRecordingPublisher returns a new RecordingPublisher.
func NewRecordingPublisher() *RecordingPublisher {
	return &RecordingPublisher{}
}

// Publish records a message.
func (p *RecordingPublisher) Publish(msg models.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
}

// Messages returns a copy of all recorded messages.
func (p *RecordingPublisher) Messages() []models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Reset clears all recorded messages.
func (p *RecordingPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = nil
}
