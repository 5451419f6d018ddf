package util

import "sync"

/* UnblockSignal
 * simple wrapper around a go channel to make it easier to block a goroutine from continuing and then let it continue when Trigger() is called
 * EXAMPLE USE: stopping a session's event loop when the participant leaves the room
 * Safe to trigger from several goroutines at once, only the first trigger counts.
 */
type UnblockSignal struct {
	once       sync.Once
	mu         sync.RWMutex
	err        error // passes an error back to the blocked goroutine(s)
	exitSignal chan struct{}
}

func NewUnblockSignal() *UnblockSignal {
	return &UnblockSignal{exitSignal: make(chan struct{})}
}

func (e *UnblockSignal) Trigger() {
	e.TriggerWithError(nil)
}

func (e *UnblockSignal) TriggerWithError(err error) {
	e.once.Do(func() {
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		close(e.exitSignal)
	})
}

// Wait blocks until the signal is triggered and returns the error it was triggered with.
func (e *UnblockSignal) Wait() error {
	<-e.exitSignal
	return e.GetError()
}

func (e *UnblockSignal) GetSignal() <-chan struct{} {
	return e.exitSignal
}

func (e *UnblockSignal) HasTriggered() bool {
	select {
	case <-e.exitSignal:
		return true
	default:
		return false
	}
}

func (e *UnblockSignal) GetError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}
