// Package store provides the persistence collaborator for the
// synchronized task set. The sync layers never touch physical storage
// directly; they speak to a TaskStore.
package store

import (
	"sync"

	"github.com/attache-app/core/internal/models"
)

// TaskStore persists the authoritative record set and the etag cursor
// pair bounding the known-fetched range.
type TaskStore interface {
	// Retrieve loads every persisted record.
	Retrieve() ([]*models.Task, error)

	// Save upserts the given records.
	Save(tasks []*models.Task) error

	// RecalculateExtremeEtags folds the records' cursors into the
	// tracked {minEtag, maxEtag} pair. Cursors are opaque but ordered;
	// comparison is lexicographic.
	RecalculateExtremeEtags(tasks []*models.Task)

	// MinEtag returns the backward pagination cursor, nil when unknown.
	MinEtag() *string

	// MaxEtag returns the forward pagination cursor, nil when unknown.
	MaxEtag() *string

	// ClearEtags resets both cursors to unknown.
	ClearEtags()

	// Clear drops all records and cursors. Used on logout.
	Clear() error
}

// MemoryStore is an in-memory TaskStore for tests and ephemeral
// sessions.
type MemoryStore struct {
	mu      sync.Mutex
	tasks   map[int64]*models.Task
	minEtag *string
	maxEtag *string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[int64]*models.Task)}
}

func (s *MemoryStore) Retrieve() ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]*models.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task.Clone())
	}
	return tasks, nil
}

func (s *MemoryStore) Save(tasks []*models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, task := range tasks {
		s.tasks[task.ID] = task.Clone()
	}
	return nil
}

func (s *MemoryStore) RecalculateExtremeEtags(tasks []*models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, task := range tasks {
		if task.Etag == nil {
			continue
		}
		etag := *task.Etag
		if s.minEtag == nil || etag < *s.minEtag {
			s.minEtag = &etag
		}
		if s.maxEtag == nil || etag > *s.maxEtag {
			s.maxEtag = &etag
		}
	}
}

func (s *MemoryStore) MinEtag() *string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCursor(s.minEtag)
}

func (s *MemoryStore) MaxEtag() *string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCursor(s.maxEtag)
}

func (s *MemoryStore) ClearEtags() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minEtag = nil
	s.maxEtag = nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[int64]*models.Task)
	s.minEtag = nil
	s.maxEtag = nil
	return nil
}

func copyCursor(cursor *string) *string {
	if cursor == nil {
		return nil
	}
	c := *cursor
	return &c
}
