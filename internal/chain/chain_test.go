package chain_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/weavesync/internal/chain"
)

func waitDone(t *testing.T, c *chain.Chain) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func TestChainPassesResults(t *testing.T) {
	var seen []interface{}

	c := chain.New(nil,
		func(c *chain.Chain, args ...interface{}) {
			c.Advance("a", 1)
		},
		func(c *chain.Chain, args ...interface{}) {
			seen = args
			c.Advance(args[1].(int) + 1)
		},
	)
	c.Start()

	require.NoError(t, waitDone(t, c))
	assert.Equal(t, []interface{}{"a", 1}, seen)
	assert.Equal(t, []interface{}{2}, c.Result())
}

func TestChainStartArgs(t *testing.T) {
	out, err := chain.Run(context.Background(),
		func(c *chain.Chain, args ...interface{}) {
			c.Advance(len(args))
		},
	)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{0}, out)

	c := chain.New(nil, func(c *chain.Chain, args ...interface{}) {
		c.Advance(args...)
	})
	c.Start("x", "y")
	require.NoError(t, waitDone(t, c))
	assert.Equal(t, []interface{}{"x", "y"}, c.Result())
}

func TestChainFailCallsHandlerOnce(t *testing.T) {
	var calls int32
	var ran bool
	boom := errors.New("boom")

	c := chain.New(
		func(err error) {
			atomic.AddInt32(&calls, 1)
			assert.Equal(t, boom, err)
		},
		func(c *chain.Chain, args ...interface{}) {
			c.Fail(boom)
			c.Fail(errors.New("second"))
			c.Advance()
		},
		func(c *chain.Chain, args ...interface{}) {
			ran = true
		},
	)
	c.Start()

	assert.Equal(t, boom, waitDone(t, c))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.False(t, ran)
	assert.Zero(t, c.Remaining())
}

func TestChainFailNil(t *testing.T) {
	_, err := chain.Run(context.Background(), func(c *chain.Chain, args ...interface{}) {
		c.Fail(nil)
	})
	assert.ErrorIs(t, err, chain.ErrAborted)
}

func TestChainPanicBecomesFailure(t *testing.T) {
	var handled error
	c := chain.New(
		func(err error) { handled = err },
		func(c *chain.Chain, args ...interface{}) {
			panic("kaboom")
		},
	)
	c.Start()

	err := waitDone(t, c)
	var perr *chain.PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "kaboom", perr.Value)
	assert.NotEmpty(t, perr.Stack)
	assert.Equal(t, err, handled)
}

func TestChainPanicWithError(t *testing.T) {
	sentinel := errors.New("inner")
	_, err := chain.Run(context.Background(), func(c *chain.Chain, args ...interface{}) {
		panic(sentinel)
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestChainPushFromStep(t *testing.T) {
	var order []int

	c := chain.New(nil, func(c *chain.Chain, args ...interface{}) {
		for i := 0; i < 3; i++ {
			i := i
			c.Push(func(c *chain.Chain, args ...interface{}) {
				order = append(order, i)
				c.Advance()
			})
		}
		c.Advance()
	})
	c.Start()

	require.NoError(t, waitDone(t, c))
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestChainDeferredAdvance(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}

	c := chain.New(nil,
		func(c *chain.Chain, args ...interface{}) {
			record("first")
			go func() {
				time.Sleep(10 * time.Millisecond)
				c.Advance("later")
			}()
		},
		func(c *chain.Chain, args ...interface{}) {
			record(args[0].(string))
			c.Yield()
		},
		func(c *chain.Chain, args ...interface{}) {
			record("last")
			c.Advance()
		},
	)
	c.Start()

	require.NoError(t, waitDone(t, c))
	assert.Equal(t, []string{"first", "later", "last"}, order)
}

func TestChainStepsNeverOverlap(t *testing.T) {
	var active, maxActive, count int32

	step := func(c *chain.Chain, args ...interface{}) {
		n := atomic.AddInt32(&active, 1)
		if n > atomic.LoadInt32(&maxActive) {
			atomic.StoreInt32(&maxActive, n)
		}
		atomic.AddInt32(&count, 1)
		// Advance from a goroutine while this step is still running.
		go c.Advance()
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&active, -1)
	}

	steps := make([]chain.Step, 20)
	for i := range steps {
		steps[i] = step
	}
	c := chain.New(nil, steps...)
	c.Start()

	require.NoError(t, waitDone(t, c))
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
	assert.Equal(t, int32(20), atomic.LoadInt32(&count))
}

func TestChainLongSynchronousRun(t *testing.T) {
	const n = 100000
	var count int

	c := chain.New(nil, func(c *chain.Chain, args ...interface{}) {
		for i := 0; i < n; i++ {
			c.Push(func(c *chain.Chain, args ...interface{}) {
				count++
				c.Advance()
			})
		}
		c.Advance()
	})
	c.Start()

	require.NoError(t, waitDone(t, c))
	assert.Equal(t, n, count)
}

func TestChainStartOnce(t *testing.T) {
	var calls int
	c := chain.New(nil,
		func(c *chain.Chain, args ...interface{}) {
			calls++
			c.Advance()
		},
		func(c *chain.Chain, args ...interface{}) {
			calls++
			c.Advance()
		},
	)
	c.Start()
	c.Start()

	require.NoError(t, waitDone(t, c))
	assert.Equal(t, 2, calls)
}

func TestChainCallbacks(t *testing.T) {
	c := chain.New(nil,
		func(c *chain.Chain, args ...interface{}) {
			cb := c.AdvanceFunc("prefix")
			cb("value")
		},
		func(c *chain.Chain, args ...interface{}) {
			c.Advance(args...)
		},
	)
	c.Start()
	require.NoError(t, waitDone(t, c))
	assert.Equal(t, []interface{}{"prefix", "value"}, c.Result())

	boom := errors.New("callback failure")
	c = chain.New(nil, func(c *chain.Chain, args ...interface{}) {
		c.FailFunc()(boom)
	})
	c.Start()
	assert.Equal(t, boom, waitDone(t, c))
}

func TestNestAdvancesParent(t *testing.T) {
	var order []string

	out, err := chain.Run(context.Background(),
		func(c *chain.Chain, args ...interface{}) {
			order = append(order, "parent-1")
			c.Advance(10)
		},
		chain.Nest(
			func(c *chain.Chain, args ...interface{}) {
				order = append(order, "child-1")
				c.Advance(args[0].(int) * 2)
			},
			func(c *chain.Chain, args ...interface{}) {
				order = append(order, "child-2")
				c.Advance(args[0].(int) + 1)
			},
		),
		func(c *chain.Chain, args ...interface{}) {
			order = append(order, "parent-2")
			c.Advance(args...)
		},
	)

	require.NoError(t, err)
	assert.Equal(t, []interface{}{21}, out)
	assert.Equal(t, []string{"parent-1", "child-1", "child-2", "parent-2"}, order)
}

func TestNestFailureRoutesToParent(t *testing.T) {
	boom := errors.New("child failed")
	var handlerCalls int
	var after bool

	c := chain.New(
		func(err error) { handlerCalls++ },
		chain.Nest(func(c *chain.Chain, args ...interface{}) {
			c.Fail(boom)
		}),
		func(c *chain.Chain, args ...interface{}) {
			after = true
		},
	)
	c.Start()

	assert.Equal(t, boom, waitDone(t, c))
	assert.Equal(t, 1, handlerCalls)
	assert.False(t, after)
}

func TestWaitContextCancelled(t *testing.T) {
	c := chain.New(nil, func(c *chain.Chain, args ...interface{}) {
		// never advances
	})
	c.Start()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Wait(ctx), context.Canceled)
}
