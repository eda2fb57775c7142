package stubs

import (
	"context"
	"sort"
	"sync"

	"circulation/internal/models"
)

// MemoryJournal is an in-memory circulation journal
type MemoryJournal struct {
	mu     sync.RWMutex
	events []models.CirculationEvent
}

// NewMemoryJournal creates an empty journal
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{events: make([]models.CirculationEvent, 0)}
}

// AppendEvent records a circulation event
func (j *MemoryJournal) AppendEvent(ctx context.Context, event models.CirculationEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.events = append(j.events, event)
	return nil
}

// LastEvents returns the last N events
func (j *MemoryJournal) LastEvents(ctx context.Context, limit int) ([]models.CirculationEvent, error) {
	return j.filter(limit, func(models.CirculationEvent) bool { return true }), nil
}

// EventsForUser returns the last N events of one user
func (j *MemoryJournal) EventsForUser(ctx context.Context, userID string, limit int) ([]models.CirculationEvent, error) {
	return j.filter(limit, func(e models.CirculationEvent) bool { return e.UserID == userID }), nil
}

func (j *MemoryJournal) filter(limit int, match func(models.CirculationEvent) bool) []models.CirculationEvent {
	j.mu.RLock()
	defer j.mu.RUnlock()

	// Newest first, append order breaks ties
	var events []models.CirculationEvent
	for i := len(j.events) - 1; i >= 0; i-- {
		if match(j.events[i]) {
			events = append(events, j.events[i])
		}
	}
	sort.SliceStable(events, func(a, b int) bool {
		return events[a].Date.After(events[b].Date)
	})

	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	return events
}

// Close does nothing for the memory journal
func (j *MemoryJournal) Close() error {
	return nil
}
