package calltrace

import (
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// logHooks appends "<name>-enter" and "<name>-exit" to a shared log.
type logHooks struct {
	name string
	mu   *sync.Mutex
	log  *[]string

	panicked bool
}

func newLog() (*sync.Mutex, *[]string) {
	return &sync.Mutex{}, &[]string{}
}

func (h *logHooks) Enter(*CallContext) {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.log = append(*h.log, h.name+"-enter")
}

func (h *logHooks) Exit(ctx *CallContext) {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.log = append(*h.log, h.name+"-exit")
	h.panicked = ctx.Panicked
}

// countingBackend forwards arguments explicitly and counts calls.
type countingBackend struct {
	built atomic.Int64
	calls atomic.Int64
}

func (b *countingBackend) MakeTrampoline(original reflect.Value, hooks Hooks) (reflect.Value, error) {
	if err := checkSignature(original.Type(), original); err != nil {
		return reflect.Value{}, err
	}
	b.built.Add(1)

	return reflect.MakeFunc(original.Type(), func(args []reflect.Value) []reflect.Value {
		b.calls.Add(1)

		ctx := &CallContext{Args: args}
		hooks.Enter(ctx)
		defer hooks.Exit(ctx)

		if original.Type().IsVariadic() {
			ctx.Results = original.CallSlice(args)
		} else {
			ctx.Results = original.Call(args)
		}
		return ctx.Results
	}), nil
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()

	e, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		e.RemoveAllTraces()
		e.RevertAllInterposes()
		e.Store().UndoAll()
	})
	return e
}
