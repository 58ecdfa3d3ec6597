// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package taskstore is the concurrency-safe registry of cutout tasks.
//
// The store exclusively owns Task values. Callers get copies; workers mutate
// through Update, which serializes all writes to a task, so a status query
// never observes half-updated counters. Tasks are retained after they reach
// a terminal state; eviction is someone else's job.
package taskstore

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cardinalhq/skyrunner/internal/idgen"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Counters are the user-visible work statistics for a task. Total is fixed
// at submission time; the other three only ever grow.
type Counters struct {
	Total     int `json:"total"`
	CacheHits int `json:"cached_hits"`
	Produced  int `json:"newly_produced"`
	Errors    int `json:"errors"`
}

// Task is one accepted catalog submission and its execution state.
type Task struct {
	ID          string    `json:"task_id"`
	Status      Status    `json:"status"`
	Progress    int       `json:"progress"`
	Counters    Counters  `json:"counters"`
	Message     string    `json:"message,omitempty"`
	BundlePath  string    `json:"bundle_path,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

var (
	ErrNotFound     = errors.New("task not found")
	ErrTaskTerminal = errors.New("task is in a terminal state")
)

// Store maps task ids to tasks. All access goes through its methods; the
// internal map never escapes.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	ids   idgen.IDGenerator
}

func New() *Store {
	return &Store{
		tasks: make(map[string]*Task),
		ids:   idgen.NewULIDGenerator(),
	}
}

// Create registers a new queued task and returns its id.
func (s *Store) Create() string {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.ids.Make(now)
	s.tasks[id] = &Task{
		ID:        id,
		Status:    StatusQueued,
		CreatedAt: now,
	}
	return id
}

// Get returns a consistent snapshot of a task.
func (s *Store) Get(id string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// List returns snapshots of every task, ordered by id. Ids are ULIDs, so
// this is also creation order.
func (s *Store) List() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	slices.SortFunc(out, func(a, b Task) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// Update applies fn to a task under the store lock. Progress is clamped so
// it never moves backwards, and updates against terminal tasks are refused.
func (s *Store) Update(id string, fn func(*Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, id, t.Status)
	}

	prevProgress := t.Progress
	fn(t)
	if t.Progress < prevProgress {
		t.Progress = prevProgress
	}
	if t.Progress > 100 {
		t.Progress = 100
	}
	return nil
}

// MarkProcessing transitions queued → processing and stamps the start time.
func (s *Store) MarkProcessing(id string) error {
	return s.Update(id, func(t *Task) {
		if t.Status == StatusQueued {
			t.Status = StatusProcessing
			t.StartedAt = time.Now()
		}
	})
}

// Complete transitions a task to completed and records the bundle location.
func (s *Store) Complete(id, bundlePath string) error {
	return s.Update(id, func(t *Task) {
		t.Status = StatusCompleted
		t.Progress = 100
		t.BundlePath = bundlePath
		t.CompletedAt = time.Now()
	})
}

// Fail transitions a task to failed with an operator-readable message.
func (s *Store) Fail(id, message string) error {
	return s.Update(id, func(t *Task) {
		t.Status = StatusFailed
		t.Message = message
		t.CompletedAt = time.Now()
	})
}
