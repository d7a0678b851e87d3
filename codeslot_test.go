//go:build amd64 || arm64

package calltrace

import (
	"bytes"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

//go:noinline
func codeSlotAdd(a, b int) int {
	return a + b
}

//go:noinline
func codeSlotScale(v float64) float64 {
	return v * 1.5
}

//go:noinline
func codeSlotMax(a, b int) int {
	if a > b {
		return a
	}
	return b
}

//go:noinline
func codeSlotMul(a, b int) int {
	return a * b
}

type codeSlotCounter struct {
	N int
}

//go:noinline
func (c *codeSlotCounter) Inc() {
	c.N++
}

//go:noinline
func (c *codeSlotCounter) Add(n int) {
	c.N += n
}

func TestCodeSlotStoreAndRestore(t *testing.T) {
	assert := assert.New(t)

	slot, err := newCodeSlot(reflect.ValueOf(codeSlotAdd))
	require.NoError(t, err)

	before := bytes.Clone(slot.code)
	pristine := slot.Load()
	assert.Equal(3, pristine.Interface().(func(int, int) int)(1, 2))

	require.NoError(t, slot.Store(reflect.ValueOf(func(a, b int) int { return a * b })))
	assert.True(slot.isPatched())
	assert.Equal(6, codeSlotAdd(2, 3))
	assert.Equal(5, Original(codeSlotAdd)(2, 3))

	require.NoError(t, slot.Store(pristine))
	assert.False(slot.isPatched())
	assert.Equal(5, codeSlotAdd(2, 3))
	assert.Equal(before, slot.code)
}

func TestCodeSlotShared(t *testing.T) {
	a, err := newCodeSlot(reflect.ValueOf(codeSlotScale))
	require.NoError(t, err)
	b, err := newCodeSlot(reflect.ValueOf(codeSlotScale))
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = newCodeSlot(reflect.ValueOf((func(float64) float64)(nil)))
	assert.ErrorIs(t, err, ErrUnsupportedTarget)
}

func TestCodeSlotTrace(t *testing.T) {
	sink := &eventLog{}
	e := newTestEngine(t, Config{Sink: sink})

	_, err := e.Main().FuncAs("app.max", codeSlotMax)
	require.NoError(t, err)
	scale, err := e.Main().FuncAs("app.scale", codeSlotScale)
	require.NoError(t, err)

	_, err = e.ApplyTrace(MainScope(), 0)
	require.NoError(t, err)

	assert.Equal(t, 9, codeSlotMax(9, 4))
	assert.Equal(t, 3.0, codeSlotScale(2))
	assert.Equal(t, map[string]int64{"app.max": 1, "app.scale": 1}, e.InvocationCounts())

	slot, err := ResolveSlot(scale)
	require.NoError(t, err)
	assert.Len(t, e.Store().Chain(slot), 1)

	assert.Equal(t, 1, e.RemoveAllTraces())
	assert.Equal(t, 8, codeSlotMax(2, 8))
	assert.Equal(t, int64(1), e.InvocationCounts()["app.max"])
	assert.Len(t, sink.exits(), 2)
}

func TestCodeSlotInstanceTrace(t *testing.T) {
	sink := &eventLog{}
	e := newTestEngine(t, Config{Sink: sink})

	_, err := e.Main().Method((*codeSlotCounter).Inc)
	require.NoError(t, err)
	_, err = e.Main().Method((*codeSlotCounter).Add)
	require.NoError(t, err)

	traced := &codeSlotCounter{}
	other := &codeSlotCounter{}

	trace, err := e.ApplyTrace(InstanceScope(traced), 0)
	require.NoError(t, err)
	assert.Len(t, trace.Records(), 2)

	traced.Inc()
	traced.Add(5)
	other.Inc()

	assert.Equal(t, 6, traced.N)
	assert.Equal(t, 1, other.N)
	assert.Len(t, sink.exits(), 2)

	var total int64
	for _, n := range e.InvocationCounts() {
		total += n
	}
	assert.Equal(t, int64(2), total)

	_, err = e.ApplyTrace(InstanceScope(&service{}), 0)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.ApplyTrace(InstanceScope(codeSlotCounter{}), 0)
	assert.ErrorIs(t, err, ErrUnsupportedTarget)
}

func TestCodeSlotConcurrentInstallUndo(t *testing.T) {
	const (
		goroutines = 4
		cycles     = 500
	)

	e := newTestEngine(t, Config{})
	sym, err := e.Main().FuncAs("app.mul", codeSlotMul)
	require.NoError(t, err)

	var (
		stop atomic.Bool
		bad  atomic.Int64
		g    errgroup.Group
	)
	for range goroutines {
		g.Go(func() error {
			for i := 0; !stop.Load(); i++ {
				if codeSlotMul(i, 3) != i*3 {
					bad.Add(1)
				}
			}
			return nil
		})
	}

	var applyErr error
	for range cycles {
		var tr *Trace
		tr, applyErr = e.ApplyTrace(SymbolScope(sym), 0)
		if applyErr != nil {
			break
		}
		e.RemoveTrace(tr)
	}
	stop.Store(true)
	require.NoError(t, g.Wait())

	require.NoError(t, applyErr)
	assert.Zero(t, bad.Load())
	assert.Zero(t, e.Store().Len())
	assert.Equal(t, 12, codeSlotMul(3, 4))
}
