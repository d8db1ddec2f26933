package server

import (
	"sync"
	"time"

	"ofcore/internal/domain"
)

// ResultEvent is one per-item outcome pushed over the SSE stream.
type ResultEvent struct {
	JobID      string           `json:"jobId"`
	Success    bool             `json:"success"`
	Kind       domain.ErrorKind `json:"kind,omitempty"`
	Message    string           `json:"message,omitempty"`
	DurationMs int64            `json:"durationMs"`
	At         time.Time        `json:"at"`
}

// Stream fans processing results out to SSE subscribers. Publishing never
// blocks: a subscriber that cannot keep up drops events.
type Stream struct {
	mu   sync.Mutex
	subs map[chan ResultEvent]struct{}
}

func NewStream() *Stream {
	return &Stream{subs: make(map[chan ResultEvent]struct{})}
}

// Publish delivers a result to every subscriber, dropping it for any whose
// buffer is full.
func (s *Stream) Publish(result domain.ProcessingResult) {
	event := ResultEvent{
		JobID:      result.ItemID,
		Success:    result.Success,
		Kind:       result.Kind,
		Message:    result.Message,
		DurationMs: result.Duration.Milliseconds(),
		At:         time.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		select {
		case sub <- event:
		default:
		}
	}
}

// Subscribe registers a new buffered subscriber channel.
func (s *Stream) Subscribe() chan ResultEvent {
	sub := make(chan ResultEvent, 64)
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

// Unsubscribe removes and closes a subscriber channel.
func (s *Stream) Unsubscribe(sub chan ResultEvent) {
	s.mu.Lock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub)
	}
	s.mu.Unlock()
}
