package taskdeck

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

// closes the current update channel and replaces it with a new one
func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
}

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex       sync.Mutex
	callbackIds []int
	callbacks   map[int]T
	nextId      int
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []int{},
		callbacks:   map[int]T{},
		nextId:      0,
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	out := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		out = append(out, self.callbacks[callbackId])
	}
	return out
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	i := slices.Index(self.callbackIds, callbackId)
	nextCallbackIds := slices.Clone(self.callbackIds)
	self.callbackIds = slices.Delete(nextCallbackIds, i, i+1)
}

// tracks a reconnect deadline from the time of creation,
// so that time spent in a failed attempt counts against the backoff
type Reconnect struct {
	deadline time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		deadline: time.Now().Add(timeout),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	return time.After(time.Until(self.deadline))
}
