package docsync

import (
	"sync"
)

// makes a copy of the list on update so `Get` results can be
// iterated without holding the lock
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	callbackIds    []int
	callbacks      []T
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

// returns a function to remove the callback
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1

	nextCallbackIds := append([]int{}, self.callbackIds...)
	nextCallbacks := append([]T{}, self.callbacks...)
	self.callbackIds = append(nextCallbackIds, callbackId)
	self.callbacks = append(nextCallbacks, callback)

	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := -1
	for j, existingCallbackId := range self.callbackIds {
		if existingCallbackId == callbackId {
			i = j
			break
		}
	}
	if i < 0 {
		// not present
		return
	}

	nextCallbackIds := []int{}
	nextCallbackIds = append(nextCallbackIds, self.callbackIds[:i]...)
	nextCallbackIds = append(nextCallbackIds, self.callbackIds[i+1:]...)
	nextCallbacks := []T{}
	nextCallbacks = append(nextCallbacks, self.callbacks[:i]...)
	nextCallbacks = append(nextCallbacks, self.callbacks[i+1:]...)
	self.callbackIds = nextCallbackIds
	self.callbacks = nextCallbacks
}
