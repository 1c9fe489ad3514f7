package taskdeck

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// another mutation is in flight for the same task. Retry after it settles.
var ErrConflictingMutation = errors.New("conflicting mutation")

type MutationKind string

const (
	MutationKindCreate  MutationKind = "Create"
	MutationKindUpdate  MutationKind = "Update"
	MutationKindDelete  MutationKind = "Delete"
	MutationKindReorder MutationKind = "Reorder"
)

// PendingMutation exists from the moment a user action is accepted until
// the server confirms or rejects it.
type PendingMutation struct {
	MutationId  Id
	TargetId    int64
	Kind        MutationKind
	SubmittedAt time.Time
}

// MutationCoordinator issues create/update/delete requests against the
// remote collection, applies optimistic local effects, and reconciles with
// server responses or failures. Failures roll the cache back to the exact
// pre-mutation values and surface a recoverable error.
type MutationCoordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	api   *TaskApi
	cache *TaskCache

	stateLock sync.Mutex

	// at most one in-flight mutation per task id
	pendingByTarget map[int64]*PendingMutation
	pending         map[Id]*PendingMutation
}

func NewMutationCoordinator(ctx context.Context, api *TaskApi, cache *TaskCache) *MutationCoordinator {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &MutationCoordinator{
		ctx:             cancelCtx,
		cancel:          cancel,
		api:             api,
		cache:           cache,
		pendingByTarget: map[int64]*PendingMutation{},
		pending:         map[Id]*PendingMutation{},
	}
}

func (self *MutationCoordinator) Pending() []*PendingMutation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Values(self.pending)
}

func (self *MutationCoordinator) Close() {
	self.cancel()
}

// Create never speculatively inserts a synthetic record. The task appears
// only after the server has assigned its id.
func (self *MutationCoordinator) Create(draft *CreateTaskArgs) (*Task, error) {
	mutation := self.begin(MutationKindCreate)

	task, err := self.api.CreateTaskSync(draft)
	self.end(mutation)
	if err != nil {
		glog.V(2).Infof("[m]create failed = %s\n", err)
		return nil, fmt.Errorf("create failed: %w", err)
	}

	self.cache.InvalidateAllForSession()
	return task, nil
}

func (self *MutationCoordinator) Update(taskId int64, patch *TaskPatch) (*Task, error) {
	mutation, err := self.beginTarget(taskId, MutationKindUpdate)
	if err != nil {
		return nil, err
	}

	undo := self.cache.updateTaskLocally(taskId, func(task *Task) {
		applyPatch(task, patch)
	})

	task, err := self.api.UpdateTaskSync(taskId, patch)
	self.end(mutation)
	if err != nil {
		glog.Infof("[m]update %d rollback = %s\n", taskId, err)
		undo()
		return nil, fmt.Errorf("update failed: %w", err)
	}

	self.cache.replaceTaskLocally(task)
	return task, nil
}

func (self *MutationCoordinator) Delete(taskId int64) error {
	mutation, err := self.beginTarget(taskId, MutationKindDelete)
	if err != nil {
		return err
	}

	undo := self.cache.removeTaskLocally(taskId)

	_, err = self.api.RemoveTaskSync(taskId)
	self.end(mutation)
	if err != nil {
		glog.Infof("[m]delete %d rollback = %s\n", taskId, err)
		undo()
		return fmt.Errorf("delete failed: %w", err)
	}

	self.cache.confirmTaskRemoved(taskId)
	return nil
}

// order-only update used by the reorder engine. The engine owns the
// optimistic view, so there is no per-call optimistic effect here.
func (self *MutationCoordinator) UpdateOrder(taskId int64, order int) error {
	mutation, err := self.beginTarget(taskId, MutationKindReorder)
	if err != nil {
		return err
	}

	_, err = self.api.UpdateTaskSync(taskId, &TaskPatch{Order: &order})
	self.end(mutation)
	if err != nil {
		glog.V(2).Infof("[m]order %d failed = %s\n", taskId, err)
		return fmt.Errorf("order update failed: %w", err)
	}
	return nil
}

func (self *MutationCoordinator) begin(kind MutationKind) *PendingMutation {
	mutation := &PendingMutation{
		MutationId:  NewId(),
		Kind:        kind,
		SubmittedAt: time.Now(),
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.pending[mutation.MutationId] = mutation
	return mutation
}

func (self *MutationCoordinator) beginTarget(taskId int64, kind MutationKind) (*PendingMutation, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if inFlight, ok := self.pendingByTarget[taskId]; ok {
		glog.V(2).Infof("[m]%s %d conflicts with in-flight %s\n", kind, taskId, inFlight.Kind)
		return nil, ErrConflictingMutation
	}

	mutation := &PendingMutation{
		MutationId:  NewId(),
		TargetId:    taskId,
		Kind:        kind,
		SubmittedAt: time.Now(),
	}
	self.pendingByTarget[taskId] = mutation
	self.pending[mutation.MutationId] = mutation
	return mutation, nil
}

func (self *MutationCoordinator) end(mutation *PendingMutation) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.pending, mutation.MutationId)
	if mutation.TargetId != 0 {
		if inFlight, ok := self.pendingByTarget[mutation.TargetId]; ok && inFlight.MutationId == mutation.MutationId {
			delete(self.pendingByTarget, mutation.TargetId)
		}
	}
}

func applyPatch(task *Task, patch *TaskPatch) {
	if patch.Title != nil {
		task.Title = *patch.Title
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Status != nil {
		task.Status = *patch.Status
	}
	if patch.Priority != nil {
		task.Priority = *patch.Priority
	}
	if patch.CategoryId != nil {
		// only the reference is known optimistically. The confirmed server
		// copy carries the full category.
		task.Category = &Category{CategoryId: *patch.CategoryId}
	}
	if patch.Order != nil {
		task.Order = *patch.Order
	}
}
