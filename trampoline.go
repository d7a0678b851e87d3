package calltrace

import (
	"fmt"
	"reflect"
	"time"
)

// CallContext is passed to the entry and exit hooks of a trampoline. The
// argument and result frames are forwarded untouched; hooks must treat them
// as read-only.
type CallContext struct {
	Args     []reflect.Value
	Results  []reflect.Value
	Panicked bool

	start     time.Time
	goroutine int64
	depth     int
	report    bool
	anchored  bool
	skip      bool
}

// Hooks are called around every call through a trampoline. Exit is called
// even if the original function panics.
type Hooks interface {
	Enter(*CallContext)
	Exit(*CallContext)
}

// Backend builds trampolines.
type Backend interface {
	MakeTrampoline(original reflect.Value, hooks Hooks) (reflect.Value, error)
}

// ReflectBackend builds trampolines with reflect.MakeFunc. It works for any
// function type, including variadic ones.
type ReflectBackend struct{}

func (ReflectBackend) MakeTrampoline(original reflect.Value, hooks Hooks) (reflect.Value, error) {
	if !original.IsValid() {
		return reflect.Value{}, fmt.Errorf("%w: invalid value", ErrUnsupportedTarget)
	}
	if original.Kind() != reflect.Func {
		return reflect.Value{}, fmt.Errorf("%w: not a function, kind: %v", ErrUnsupportedTarget, original.Kind())
	}
	if original.IsNil() {
		return reflect.Value{}, fmt.Errorf("%w: nil function", ErrUnsupportedTarget)
	}

	typ := original.Type()
	call := original.Call
	if typ.IsVariadic() {
		// The variadic arguments arrive already packed in a slice.
		call = original.CallSlice
	}

	if hooks == nil {
		return reflect.MakeFunc(typ, call), nil
	}

	return reflect.MakeFunc(typ, func(args []reflect.Value) []reflect.Value {
		ctx := &CallContext{Args: args}
		hooks.Enter(ctx)

		returned := false
		defer func() {
			if !returned {
				ctx.Panicked = true
				hooks.Exit(ctx)
			}
		}()

		results := call(args)
		returned = true

		ctx.Results = results
		hooks.Exit(ctx)
		return results
	}), nil
}

// MakeTrampoline builds a trampoline with the default backend.
func MakeTrampoline(original reflect.Value, hooks Hooks) (reflect.Value, error) {
	return ReflectBackend{}.MakeTrampoline(original, hooks)
}
