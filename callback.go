package liveql

import (
	"sync"

	"github.com/golang/glog"
)

// copies the entries on read so callbacks are invoked without holding the lock.
// Add returns a token for Remove, so the same function value can be registered
// more than once and each registration removed individually.
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	entries        []callbackEntry[T]
}

type callbackEntry[T any] struct {
	callbackId int
	callback   T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.entries = append(self.entries, callbackEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	return callbackId
}

// removing an absent token is a no-op
func (self *CallbackList[T]) Remove(callbackId int) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for i, entry := range self.entries {
		if entry.callbackId == callbackId {
			nextEntries := make([]callbackEntry[T], 0, len(self.entries)-1)
			nextEntries = append(nextEntries, self.entries[:i]...)
			nextEntries = append(nextEntries, self.entries[i+1:]...)
			self.entries = nextEntries
			return true
		}
	}
	return false
}

// registration order
func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.entries)
}

// all callbacks are wrapped so a panicking subscriber
// cannot take down the dispatch loop
func protectCallback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[cb]callback panic = %v\n", r)
		}
	}()
	fn()
}
