// Package chain sequences fallible multi-step operations.
//
// A Chain holds an ordered list of steps. Each step receives the chain and
// the results of the previous step, and finishes by calling Advance (now or
// later, from any goroutine) or Fail. Steps never run concurrently, no step
// runs twice and the error handler runs at most once.
package chain

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

// ErrAborted is reported when Fail is called with a nil error.
var ErrAborted = errors.New("chain aborted")

// Step is one link of a chain.
type Step func(c *Chain, args ...interface{})

// ErrorHandler receives the error that ended a chain.
type ErrorHandler func(err error)

// PanicError wraps a panic recovered from a step.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in chain step: %v", e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Chain runs steps in order.
type Chain struct {
	mu       sync.Mutex
	steps    []Step
	pending  [][]interface{}
	draining bool
	finished bool
	started  bool

	onError ErrorHandler
	err     error
	result  []interface{}
	done    chan struct{}
}

// New creates a chain. onError may be nil.
func New(onError ErrorHandler, steps ...Step) *Chain {
	c := &Chain{
		onError: onError,
		done:    make(chan struct{}),
	}
	for _, s := range steps {
		if s != nil {
			c.steps = append(c.steps, s)
		}
	}
	return c
}

// Push appends steps. It may be called from inside a running step.
func (c *Chain) Push(steps ...Step) *Chain {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished {
		return c
	}
	for _, s := range steps {
		if s != nil {
			c.steps = append(c.steps, s)
		}
	}
	return c
}

// Start runs the first step. Calling Start more than once has no effect.
func (c *Chain) Start(args ...interface{}) *Chain {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return c
	}
	c.started = true
	c.mu.Unlock()

	c.Advance(args...)
	return c
}

// Advance runs the next step with args. When no steps remain the chain
// completes with args as its result.
//
// Advance called from inside a running step is queued and handled after
// that step returns, so synchronous chains do not grow the call stack.
func (c *Chain) Advance(args ...interface{}) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.pending = append(c.pending, args)
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	c.mu.Unlock()

	c.drain()
}

// Yield advances from a new goroutine, releasing the caller's stack.
func (c *Chain) Yield(args ...interface{}) {
	go c.Advance(args...)
}

func (c *Chain) drain() {
	for {
		c.mu.Lock()
		if c.finished || len(c.pending) == 0 {
			c.draining = false
			c.mu.Unlock()
			return
		}
		args := c.pending[0]
		c.pending = c.pending[1:]

		if len(c.steps) == 0 {
			c.finished = true
			c.draining = false
			c.pending = nil
			c.result = args
			c.mu.Unlock()
			close(c.done)
			return
		}

		step := c.steps[0]
		c.steps = c.steps[1:]
		c.mu.Unlock()

		c.invoke(step, args)
	}
}

func (c *Chain) invoke(step Step, args []interface{}) {
	defer func() {
		if r := recover(); r != nil {
			c.Fail(&PanicError{Value: r, Stack: debug.Stack()})
		}
	}()
	step(c, args...)
}

// Fail aborts the chain, drops the remaining steps and calls the error
// handler. Only the first call has any effect.
func (c *Chain) Fail(err error) {
	if err == nil {
		err = ErrAborted
	}

	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.steps = nil
	c.pending = nil
	c.err = err
	handler := c.onError
	c.mu.Unlock()

	if handler != nil {
		handler(err)
	}
	close(c.done)
}

// AdvanceFunc returns a callback that advances the chain with prefix
// followed by the callback's own arguments.
func (c *Chain) AdvanceFunc(prefix ...interface{}) func(args ...interface{}) {
	return func(args ...interface{}) {
		all := make([]interface{}, 0, len(prefix)+len(args))
		all = append(all, prefix...)
		all = append(all, args...)
		c.Advance(all...)
	}
}

// FailFunc returns a callback bound to Fail.
func (c *Chain) FailFunc() func(err error) {
	return c.Fail
}

// Nest returns a step that runs steps as a child chain. The child starts
// with the step's arguments; its result advances the parent and its
// failure fails the parent.
func Nest(steps ...Step) Step {
	return func(parent *Chain, args ...interface{}) {
		child := New(parent.Fail, steps...)
		child.Push(func(cc *Chain, results ...interface{}) {
			cc.Advance(results...)
			parent.Advance(results...)
		})
		child.Start(args...)
	}
}

// Done is closed once the chain completes or fails.
func (c *Chain) Done() <-chan struct{} {
	return c.done
}

// Err returns the failure, if any.
func (c *Chain) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Result returns the arguments the chain completed with.
func (c *Chain) Result() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Remaining reports how many steps have not run yet.
func (c *Chain) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.steps)
}

// Wait blocks until the chain is done or ctx ends.
func (c *Chain) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts a chain of steps and waits for it.
func Run(ctx context.Context, steps ...Step) ([]interface{}, error) {
	c := New(nil, steps...)
	c.Start()
	if err := c.Wait(ctx); err != nil {
		return nil, err
	}
	return c.Result(), nil
}
