// Package interrupt maps operating system interrupt signals to a single
// cooperative cancellation signal observed by the scheduler. The first
// SIGINT or SIGTERM marks the run as interrupted; in-flight work is then
// cancelled and the process exits with a status derived from the signal.
package interrupt

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Controller is the process-wide cancellation signal. It has two phases:
// requested, entered when the first signal is observed, and acknowledged,
// which the scheduler reaches once all in-flight attempts are reaped.
type Controller struct {
	mu   sync.Mutex
	sig  os.Signal
	done chan struct{}
	ch   chan os.Signal
}

// Watch installs handlers for the given signals (SIGINT and SIGTERM when
// none are specified) and returns the controller observing them.
func Watch(signals ...os.Signal) *Controller {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	c := &Controller{
		done: make(chan struct{}),
		ch:   make(chan os.Signal, 1),
	}
	signal.Notify(c.ch, signals...)
	go func() {
		if s, ok := <-c.ch; ok {
			c.Fire(s)
		}
	}()
	return c
}

// Fire records sig as the interrupting signal and moves the controller to
// the requested phase. Only the first call has any effect.
func (c *Controller) Fire(sig os.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sig != nil {
		return
	}
	c.sig = sig
	close(c.done)
}

// Done returns a channel closed once an interrupt has been requested.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Requested reports whether an interrupt has been observed.
func (c *Controller) Requested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sig != nil
}

// Signal returns the signal that triggered the interrupt, or nil.
func (c *Controller) Signal() os.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sig
}

// ExitCode returns the process exit status the run should terminate with:
// the negative of the interrupting signal's number, or zero when no
// interrupt occurred.
func (c *Controller) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sig == nil {
		return 0
	}
	if s, ok := c.sig.(syscall.Signal); ok {
		return -int(s)
	}
	return -1
}

// Stop uninstalls the signal handlers. Further signals get the default
// behavior again, so a second interrupt kills the process outright.
func (c *Controller) Stop() {
	signal.Stop(c.ch)
}
