package calltrace

import (
	"fmt"
	"reflect"
	"runtime"
	"sync/atomic"
	"unsafe"
)

// Slot is a place holding a function implementation. Patching a symbol
// means storing a new function value into its slot, and undoing the patch
// means storing the previous one back.
//
// Implementations must make Store atomic with respect to concurrent calls
// through the slot: a caller sees either the old or the new value.
type Slot interface {
	// Addr identifies the slot. Two symbols with the same slot address
	// share one chain of patches.
	Addr() uintptr

	// Type is the function type of values held by the slot.
	Type() reflect.Type

	// Load returns the current implementation.
	Load() reflect.Value

	// Store replaces the current implementation.
	Store(reflect.Value) error
}

// varSlot is an import slot: a Go variable of function type that callers
// invoke indirectly.
type varSlot struct {
	ptr reflect.Value
	typ reflect.Type
}

func newVarSlot(ptr any) (*varSlot, error) {
	pv := reflect.ValueOf(ptr)
	if pv.Kind() != reflect.Pointer || pv.IsNil() {
		return nil, fmt.Errorf("%w: want a non-nil pointer to a func variable, got %T", ErrUnsupportedTarget, ptr)
	}
	if pv.Elem().Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: %T does not point to a func", ErrUnsupportedTarget, ptr)
	}
	return &varSlot{ptr: pv, typ: pv.Elem().Type()}, nil
}

func (s *varSlot) word() *unsafe.Pointer {
	return (*unsafe.Pointer)(s.ptr.UnsafePointer())
}

func (s *varSlot) Addr() uintptr {
	return uintptr(s.ptr.UnsafePointer())
}

func (s *varSlot) Type() reflect.Type {
	return s.typ
}

func (s *varSlot) Load() reflect.Value {
	return funcFromWord(s.typ, atomic.LoadPointer(s.word()))
}

func (s *varSlot) Store(v reflect.Value) error {
	v, err := convertFunc(s.typ, v)
	if err != nil {
		return err
	}
	atomic.StorePointer(s.word(), funcWord(v))
	return nil
}

// Entry atomically loads the func variable at ptr. Code calling through a
// call-table entry registered with Image.Import while traces or rebindings
// may be installed or undone must load the entry with Entry. A plain read of
// the variable is a data race with the patcher.
func Entry[T any](ptr *T) T {
	if reflect.TypeFor[T]().Kind() != reflect.Func {
		return *ptr
	}
	w := atomic.LoadPointer((*unsafe.Pointer)(unsafe.Pointer(ptr)))
	return *(*T)(unsafe.Pointer(&w))
}

// funcWord returns the closure pointer a func value is represented by.
func funcWord(v reflect.Value) unsafe.Pointer {
	p := reflect.New(v.Type())
	p.Elem().Set(v)
	return *(*unsafe.Pointer)(p.UnsafePointer())
}

// funcFromWord is the inverse of funcWord.
func funcFromWord(typ reflect.Type, w unsafe.Pointer) reflect.Value {
	p := reflect.New(typ)
	*(*unsafe.Pointer)(p.UnsafePointer()) = w
	return p.Elem()
}

// convertFunc returns v as a value of type typ. Func types that differ only
// by name are converted.
func convertFunc(typ reflect.Type, v reflect.Value) (reflect.Value, error) {
	if err := checkSignature(typ, v); err != nil {
		return reflect.Value{}, err
	}
	if v.Type() != typ {
		v = v.Convert(typ)
	}
	return v, nil
}

func funcName(fn reflect.Value) string {
	if fn.Kind() != reflect.Func || fn.IsNil() {
		return ""
	}
	if f := runtime.FuncForPC(fn.Pointer()); f != nil {
		return f.Name()
	}
	return fmt.Sprintf("0x%x", fn.Pointer())
}
