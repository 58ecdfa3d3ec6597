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

package taskstore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGet(t *testing.T) {
	store := New()
	id := store.Create()
	require.NotEmpty(t, id)

	task, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, id, task.ID)
	assert.Equal(t, StatusQueued, task.Status)
	assert.Zero(t, task.Progress)
	assert.False(t, task.CreatedAt.IsZero())

	_, ok = store.Get("nope")
	assert.False(t, ok)
}

func TestGetReturnsSnapshot(t *testing.T) {
	store := New()
	id := store.Create()

	snap, _ := store.Get(id)
	snap.Counters.Errors = 42

	fresh, _ := store.Get(id)
	assert.Zero(t, fresh.Counters.Errors)
}

func TestStatusTransitions(t *testing.T) {
	store := New()
	id := store.Create()

	require.NoError(t, store.MarkProcessing(id))
	task, _ := store.Get(id)
	assert.Equal(t, StatusProcessing, task.Status)
	assert.False(t, task.StartedAt.IsZero())

	require.NoError(t, store.Complete(id, "/bundles/x.zip"))
	task, _ = store.Get(id)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)
	assert.Equal(t, "/bundles/x.zip", task.BundlePath)
	assert.False(t, task.CompletedAt.IsZero())

	// Terminal tasks refuse further mutation.
	err := store.Fail(id, "too late")
	require.ErrorIs(t, err, ErrTaskTerminal)
	task, _ = store.Get(id)
	assert.Equal(t, StatusCompleted, task.Status)
}

func TestFail(t *testing.T) {
	store := New()
	id := store.Create()

	require.NoError(t, store.Fail(id, "catalog validation failed"))
	task, _ := store.Get(id)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, "catalog validation failed", task.Message)

	assert.ErrorIs(t, store.MarkProcessing(id), ErrTaskTerminal)
}

func TestUpdateUnknownTask(t *testing.T) {
	store := New()
	err := store.Update("ghost", func(task *Task) {})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProgressMonotonic(t *testing.T) {
	store := New()
	id := store.Create()
	require.NoError(t, store.MarkProcessing(id))

	require.NoError(t, store.Update(id, func(task *Task) { task.Progress = 50 }))
	require.NoError(t, store.Update(id, func(task *Task) { task.Progress = 30 }))

	task, _ := store.Get(id)
	assert.Equal(t, 50, task.Progress)

	require.NoError(t, store.Update(id, func(task *Task) { task.Progress = 250 }))
	task, _ = store.Get(id)
	assert.Equal(t, 100, task.Progress)
}

func TestConcurrentCounterUpdates(t *testing.T) {
	store := New()
	id := store.Create()
	require.NoError(t, store.MarkProcessing(id))

	const workers = 8
	const perWorker = 250

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				_ = store.Update(id, func(task *Task) {
					task.Counters.Produced++
				})
			}
		}()
	}
	wg.Wait()

	task, _ := store.Get(id)
	assert.Equal(t, workers*perWorker, task.Counters.Produced)
}

func TestListOrderedByCreation(t *testing.T) {
	store := New()
	first := store.Create()
	second := store.Create()
	third := store.Create()

	tasks := store.List()
	require.Len(t, tasks, 3)
	assert.Equal(t, []string{first, second, third}, []string{tasks[0].ID, tasks[1].ID, tasks[2].ID})
}
