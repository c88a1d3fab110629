// Package controller provides the per-call state shared between an
// implementation method and the code that dispatched it.
package controller

import "sync"

// Controller records failure and cancellation for a single call.
//
// The dispatch path creates one per call and reads it right after the
// implementation returns. Cancellation is cooperative: StartCancel only sets a
// flag and runs callbacks, implementations are expected to poll IsCanceled.
type Controller struct {
	mu        sync.Mutex
	failed    bool
	reason    string
	canceled  bool
	callbacks []func()
}

func New() *Controller {
	return &Controller{}
}

// Reset returns the controller to its initial state.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = false
	c.reason = ""
	c.canceled = false
	c.callbacks = nil
}

func (c *Controller) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// ErrorText returns the reason passed to SetFailed, or "" if the call did not fail.
func (c *Controller) ErrorText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// SetFailed marks the call failed with a human-readable reason.
func (c *Controller) SetFailed(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = true
	c.reason = reason
}

// StartCancel requests cancellation. Callbacks registered with NotifyOnCancel
// run once, on the first call.
func (c *Controller) StartCancel() {
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		return
	}
	c.canceled = true
	callbacks := c.callbacks
	c.callbacks = nil
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

func (c *Controller) IsCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

// NotifyOnCancel registers fn to run when the call is cancelled. If the call
// is already cancelled, fn runs immediately.
func (c *Controller) NotifyOnCancel(fn func()) {
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		fn()
		return
	}
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}
