package calltrace

import "reflect"

// Original returns a function with the behavior fn had before any traces or
// rebindings patched its machine code. If fn has not been patched, fn itself
// is returned.
//
// If fn is not a function, Original returns the zero value.
//
// Technically, the result is a relocated copy of the original code. This
// process may introduce problems.
func Original[T any](fn T) T {
	fnv := reflect.ValueOf(fn)
	if fnv.Kind() != reflect.Func {
		var zero T
		return zero
	}
	if fnv.IsNil() {
		return fn
	}

	s := lookupCodeSlot(fnv.Pointer())
	if s == nil || !s.isPatched() {
		return fn
	}

	orig := s.original()
	if orig.Type() != fnv.Type() {
		orig = orig.Convert(fnv.Type())
	}
	return orig.Interface().(T)
}
