package taskdeck

import (
	"context"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// cache entry state machine is:
// CacheStatusIdle
//
//	-> CacheStatusLoading
//	  -> CacheStatusReady
//	  -> CacheStatusError
type CacheStatus string

const (
	CacheStatusIdle    CacheStatus = "Idle"
	CacheStatusLoading CacheStatus = "Loading"
	CacheStatusReady   CacheStatus = "Ready"
	CacheStatusError   CacheStatus = "Error"
)

// filters + page + session identity. Comparable, so two identical views
// always share one entry.
type QueryKey struct {
	Status     TaskStatus
	Priority   TaskPriority
	CategoryId int64
	Page       int
	UserId     int64
}

type TaskFilter struct {
	Status     TaskStatus
	Priority   TaskPriority
	CategoryId int64
}

type PageMeta struct {
	TotalCount  int
	HasNext     bool
	HasPrevious bool
}

type CacheEntry struct {
	Key       QueryKey
	Tasks     []*Task
	PageMeta  PageMeta
	Status    CacheStatus
	LastError error
}

func (self *CacheEntry) Copy() *CacheEntry {
	tasks := make([]*Task, len(self.Tasks))
	for i, task := range self.Tasks {
		tasks[i] = task.Copy()
	}
	return &CacheEntry{
		Key:       self.Key,
		Tasks:     tasks,
		PageMeta:  self.PageMeta,
		Status:    self.Status,
		LastError: self.LastError,
	}
}

type CacheUpdateFunction = func(entry *CacheEntry)

type cacheEntryState struct {
	entry *CacheEntry

	// monotonically increasing per key. A response older than the latest
	// issued request for its key is discarded on arrival, so a slow stale
	// response can never overwrite fresher data.
	issuedSeq uint64

	loading bool
	stale   bool

	// closed when the in-flight fetch settles
	done chan struct{}
}

type TaskCacheSettings struct {
	// fixed by server contract
	PageSize int
}

func DefaultTaskCacheSettings() *TaskCacheSettings {
	return &TaskCacheSettings{
		PageSize: 10,
	}
}

// TaskCache is a filter-and-page keyed cache of the remote task collection.
// Concurrent fetches for an identical key share one network call.
type TaskCache struct {
	ctx    context.Context
	cancel context.CancelFunc

	api     *TaskApi
	session *SessionManager

	settings *TaskCacheSettings

	stateLock sync.Mutex

	entries map[QueryKey]*cacheEntryState

	filter TaskFilter
	page   int

	updateCallbacks *CallbackList[CacheUpdateFunction]

	removeSessionChangeCallback func()
}

func NewTaskCacheWithDefaults(ctx context.Context, api *TaskApi, session *SessionManager) *TaskCache {
	return NewTaskCache(ctx, api, session, DefaultTaskCacheSettings())
}

func NewTaskCache(ctx context.Context, api *TaskApi, session *SessionManager, settings *TaskCacheSettings) *TaskCache {
	cancelCtx, cancel := context.WithCancel(ctx)
	taskCache := &TaskCache{
		ctx:             cancelCtx,
		cancel:          cancel,
		api:             api,
		session:         session,
		settings:        settings,
		entries:         map[QueryKey]*cacheEntryState{},
		page:            1,
		updateCallbacks: NewCallbackList[CacheUpdateFunction](),
	}
	taskCache.removeSessionChangeCallback = session.AddSessionChangeCallback(taskCache.sessionChanged)
	return taskCache
}

func (self *TaskCache) AddUpdateCallback(updateCallback CacheUpdateFunction) func() {
	callbackId := self.updateCallbacks.Add(updateCallback)
	return func() {
		self.updateCallbacks.Remove(callbackId)
	}
}

func (self *TaskCache) PageCount(totalCount int) int {
	if totalCount <= 0 {
		return 0
	}
	return (totalCount + self.settings.PageSize - 1) / self.settings.PageSize
}

// SetFilter resets the page to the first page atomically with the filter
// change, so no request can be issued for a (new filter, old page) key.
func (self *TaskCache) SetFilter(filter TaskFilter) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.filter = filter
	self.page = 1
}

func (self *TaskCache) SetPage(page int) {
	if page < 1 {
		page = 1
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.page = page
}

func (self *TaskCache) CurrentKey() QueryKey {
	var userId int64
	if identity := self.session.Identity(); identity != nil {
		userId = identity.UserId
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return QueryKey{
		Status:     self.filter.Status,
		Priority:   self.filter.Priority,
		CategoryId: self.filter.CategoryId,
		Page:       self.page,
		UserId:     userId,
	}
}

func (self *TaskCache) FetchCurrent() (*CacheEntry, error) {
	return self.Fetch(self.CurrentKey())
}

// Fetch returns the settled entry for `key`, initiating a remote call only
// if none is in flight and none is ready for that exact key. Concurrent
// callers for the same key all observe the same eventual result.
// Fetch errors are carried on the entry, not returned.
func (self *TaskCache) Fetch(key QueryKey) (*CacheEntry, error) {
	for {
		if !self.session.Status().IsAuthenticated() {
			return nil, ErrUnauthenticated
		}

		var done chan struct{}
		var snapshot *CacheEntry
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			state := self.entryStateLocked(key)
			if state.loading {
				done = state.done
				return
			}
			if !state.stale {
				switch state.entry.Status {
				case CacheStatusReady, CacheStatusError:
					// settled. An error entry stays settled until an
					// explicit Retry or an invalidation marks it stale.
					snapshot = state.entry.Copy()
					return
				}
			}
			// idle or stale: issue
			self.issueFetchLocked(key, state)
			done = state.done
		}()

		if snapshot != nil {
			return snapshot, nil
		}
		select {
		case <-self.ctx.Done():
			return nil, self.ctx.Err()
		case <-done:
		}
	}
}

// Retry re-fetches the same key after an error, without requiring a
// filter change.
func (self *TaskCache) Retry(key QueryKey) (*CacheEntry, error) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if state, ok := self.entries[key]; ok {
			state.stale = true
		}
	}()
	return self.Fetch(key)
}

// Invalidate marks matching entries stale. The currently displayed key and
// any key with a fetch in flight are re-fetched; other matches re-fetch
// lazily on their next Fetch.
func (self *TaskCache) Invalidate(predicate func(QueryKey) bool) {
	if !self.session.Status().IsAuthenticated() {
		return
	}
	currentKey := self.CurrentKey()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for key, state := range self.entries {
		if !predicate(key) {
			continue
		}
		state.stale = true
		if key == currentKey || state.loading {
			self.issueFetchLocked(key, state)
		}
	}
}

// conservative push invalidation: everything for the current session
func (self *TaskCache) InvalidateAllForSession() {
	identity := self.session.Identity()
	if identity == nil {
		return
	}
	userId := identity.UserId
	self.Invalidate(func(key QueryKey) bool {
		return key.UserId == userId
	})
}

func (self *TaskCache) Close() {
	self.removeSessionChangeCallback()
	self.cancel()
}

func (self *TaskCache) entryStateLocked(key QueryKey) *cacheEntryState {
	state, ok := self.entries[key]
	if !ok {
		state = &cacheEntryState{
			entry: &CacheEntry{
				Key:    key,
				Status: CacheStatusIdle,
			},
		}
		self.entries[key] = state
	}
	return state
}

// issue a fetch for `key`, superseding any in-flight fetch for the same key
func (self *TaskCache) issueFetchLocked(key QueryKey, state *cacheEntryState) {
	state.issuedSeq += 1
	if !state.loading {
		state.loading = true
		state.done = make(chan struct{})
	}
	state.entry.Status = CacheStatusLoading
	state.entry.LastError = nil
	seq := state.issuedSeq
	glog.V(2).Infof("[c]fetch issue %v seq=%d\n", key, seq)
	go self.runFetch(key, seq)
}

func (self *TaskCache) runFetch(key QueryKey, seq uint64) {
	var categoryId *int64
	if key.CategoryId != 0 {
		c := key.CategoryId
		categoryId = &c
	}
	result, err := self.api.GetTasksSync(&GetTasksArgs{
		Status:     key.Status,
		Priority:   key.Priority,
		CategoryId: categoryId,
		Page:       key.Page,
	})

	var snapshot *CacheEntry
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		state, ok := self.entries[key]
		if !ok || seq < state.issuedSeq {
			// superseded by a newer issuance. Discard on arrival.
			glog.V(2).Infof("[c]fetch supersede %v seq=%d\n", key, seq)
			return
		}

		state.loading = false
		state.stale = false
		close(state.done)
		state.done = nil

		switch {
		case err == nil:
			state.entry.Tasks = result.Results
			state.entry.PageMeta = PageMeta{
				TotalCount:  result.Count,
				HasNext:     result.Next != nil,
				HasPrevious: result.Previous != nil,
			}
			state.entry.Status = CacheStatusReady
			state.entry.LastError = nil
		case isInvalidPage(err) && 1 < key.Page:
			// past the last valid page. An empty page, not an error.
			state.entry.Tasks = []*Task{}
			state.entry.PageMeta = PageMeta{
				HasNext:     false,
				HasPrevious: true,
				TotalCount:  state.entry.PageMeta.TotalCount,
			}
			state.entry.Status = CacheStatusReady
			state.entry.LastError = nil
		default:
			state.entry.Status = CacheStatusError
			state.entry.LastError = err
			glog.Infof("[c]fetch error %v = %s\n", key, err)
		}
		snapshot = state.entry.Copy()
	}()

	if snapshot != nil {
		self.entryUpdated(snapshot)
	}
}

// the server rejects pages past the end with a not found detail message
func isInvalidPage(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Invalid page")
}

func (self *TaskCache) entryUpdated(snapshot *CacheEntry) {
	for _, updateCallback := range self.updateCallbacks.Get() {
		updateCallback(snapshot)
	}
}

func (self *TaskCache) sessionChanged(status SessionStatus, identity *Identity) {
	if status.IsAuthenticated() {
		return
	}

	// the session is gone. Settle in-flight entries as errors so no caller
	// blocks on a fetch that will never be trusted.
	snapshots := []*CacheEntry{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		for _, state := range self.entries {
			if state.loading {
				state.issuedSeq += 1
				state.loading = false
				close(state.done)
				state.done = nil
				state.entry.Status = CacheStatusError
				state.entry.LastError = ErrUnauthenticated
				snapshots = append(snapshots, state.entry.Copy())
			}
		}
	}()
	for _, snapshot := range snapshots {
		self.entryUpdated(snapshot)
	}
}

// local effect helpers used by the mutation coordinator.
// each returns an undo that restores the exact prior observable values.

type taskLocation struct {
	key   QueryKey
	index int
	prior *Task
}

func (self *TaskCache) updateTaskLocally(taskId int64, mutate func(*Task)) func() {
	locations := []taskLocation{}
	snapshots := []*CacheEntry{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		for key, state := range self.entries {
			for i, task := range state.entry.Tasks {
				if task.TaskId == taskId {
					locations = append(locations, taskLocation{
						key:   key,
						index: i,
						prior: task.Copy(),
					})
					mutate(task)
					snapshots = append(snapshots, state.entry.Copy())
					break
				}
			}
		}
	}()
	for _, snapshot := range snapshots {
		self.entryUpdated(snapshot)
	}

	return func() {
		undoSnapshots := []*CacheEntry{}
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			for _, location := range locations {
				state, ok := self.entries[location.key]
				if !ok {
					continue
				}
				for i, task := range state.entry.Tasks {
					if task.TaskId == taskId {
						state.entry.Tasks[i] = location.prior
						undoSnapshots = append(undoSnapshots, state.entry.Copy())
						break
					}
				}
			}
		}()
		for _, snapshot := range undoSnapshots {
			self.entryUpdated(snapshot)
		}
	}
}

func (self *TaskCache) removeTaskLocally(taskId int64) func() {
	locations := []taskLocation{}
	snapshots := []*CacheEntry{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		for key, state := range self.entries {
			for i, task := range state.entry.Tasks {
				if task.TaskId == taskId {
					locations = append(locations, taskLocation{
						key:   key,
						index: i,
						prior: task.Copy(),
					})
					state.entry.Tasks = append(state.entry.Tasks[:i], state.entry.Tasks[i+1:]...)
					snapshots = append(snapshots, state.entry.Copy())
					break
				}
			}
		}
	}()
	for _, snapshot := range snapshots {
		self.entryUpdated(snapshot)
	}

	return func() {
		undoSnapshots := []*CacheEntry{}
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			for _, location := range locations {
				state, ok := self.entries[location.key]
				if !ok {
					continue
				}
				tasks := state.entry.Tasks
				i := location.index
				if len(tasks) < i {
					i = len(tasks)
				}
				tasks = append(tasks, nil)
				copy(tasks[i+1:], tasks[i:])
				tasks[i] = location.prior
				state.entry.Tasks = tasks
				undoSnapshots = append(undoSnapshots, state.entry.Copy())
			}
		}()
		for _, snapshot := range undoSnapshots {
			self.entryUpdated(snapshot)
		}
	}
}

// apply the server-confirmed copy of a task wherever it is cached
func (self *TaskCache) replaceTaskLocally(updated *Task) {
	snapshots := []*CacheEntry{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		for _, state := range self.entries {
			for i, task := range state.entry.Tasks {
				if task.TaskId == updated.TaskId {
					state.entry.Tasks[i] = updated.Copy()
					snapshots = append(snapshots, state.entry.Copy())
					break
				}
			}
		}
	}()
	for _, snapshot := range snapshots {
		self.entryUpdated(snapshot)
	}
}

// a confirmed delete supersedes every in-flight fetch for the session,
// so a late stale response can never resurrect the removed task
func (self *TaskCache) confirmTaskRemoved(taskId int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for key, state := range self.entries {
		if state.loading {
			glog.V(2).Infof("[c]remove %d supersedes in-flight fetch %v\n", taskId, key)
			self.issueFetchLocked(key, state)
		}
	}
}

// a working copy of the entry's tasks for the reorder engine
func (self *TaskCache) peekTasks(key QueryKey) []*Task {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	state, ok := self.entries[key]
	if !ok {
		return nil
	}
	tasks := make([]*Task, len(state.entry.Tasks))
	for i, task := range state.entry.Tasks {
		tasks[i] = task.Copy()
	}
	return tasks
}

// optimistic reorder view for one key
func (self *TaskCache) setTasksLocally(key QueryKey, tasks []*Task) {
	var snapshot *CacheEntry
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		state, ok := self.entries[key]
		if !ok {
			return
		}
		state.entry.Tasks = tasks
		snapshot = state.entry.Copy()
	}()
	if snapshot != nil {
		self.entryUpdated(snapshot)
	}
}
