package taskdeck

import (
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// Reorder returns `items` with the element at `sourceIndex` moved to
// `destinationIndex`. All elements between the two indices shift by exactly
// one position. When the indices are equal or out of bounds the identical
// slice is returned.
func Reorder[T any](items []T, sourceIndex int, destinationIndex int) []T {
	if sourceIndex == destinationIndex {
		return items
	}
	if sourceIndex < 0 || len(items) <= sourceIndex {
		return items
	}
	if destinationIndex < 0 || len(items) <= destinationIndex {
		return items
	}

	next := slices.Clone(items)
	moved := next[sourceIndex]
	next = slices.Delete(next, sourceIndex, sourceIndex+1)
	next = slices.Insert(next, destinationIndex, moved)
	return next
}

// ReorderEngine computes a new total order for a cached collection after a
// drag-style move, shows it immediately, and persists it with the minimal
// set of order mutations.
type ReorderEngine struct {
	cache       *TaskCache
	coordinator *MutationCoordinator
}

func NewReorderEngine(cache *TaskCache, coordinator *MutationCoordinator) *ReorderEngine {
	return &ReorderEngine{
		cache:       cache,
		coordinator: coordinator,
	}
}

type orderChange struct {
	taskId int64
	order  int
}

// Move applies a drag-style move to the entry for `key`. The optimistic
// view reflects the new order immediately. One order mutation is issued
// per task whose order actually changed, concurrently. On any single
// failure the canonical order is re-fetched from the server rather than
// attempting partial reconciliation.
func (self *ReorderEngine) Move(key QueryKey, sourceIndex int, destinationIndex int) error {
	tasks := self.cache.peekTasks(key)

	if sourceIndex == destinationIndex {
		return nil
	}
	if sourceIndex < 0 || len(tasks) <= sourceIndex {
		return nil
	}
	if destinationIndex < 0 || len(tasks) <= destinationIndex {
		return nil
	}

	next := Reorder(tasks, sourceIndex, destinationIndex)

	// dense 0-based order. Tasks whose position is unaffected by the move
	// keep their order and are not re-submitted.
	changes := []orderChange{}
	for i, task := range next {
		if task.Order != i {
			task.Order = i
			changes = append(changes, orderChange{
				taskId: task.TaskId,
				order:  i,
			})
		}
	}

	self.cache.setTasksLocally(key, next)
	glog.V(2).Infof("[r]move %d->%d changed=%d\n", sourceIndex, destinationIndex, len(changes))

	errs := make(chan error, len(changes))
	wg := sync.WaitGroup{}
	for _, change := range changes {
		wg.Add(1)
		go func(change orderChange) {
			defer wg.Done()
			if err := self.coordinator.UpdateOrder(change.taskId, change.order); err != nil {
				errs <- err
			}
		}(change)
	}
	wg.Wait()
	close(errs)

	if err := <-errs; err != nil {
		// a partial failure must not leave an inconsistent total order.
		// Fall back to the server's canonical order.
		glog.Infof("[r]reorder failed, refetching canonical order = %s\n", err)
		self.cache.Retry(key)
		return fmt.Errorf("reorder failed: %w", err)
	}
	return nil
}
