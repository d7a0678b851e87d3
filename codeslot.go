//go:build amd64 || arm64

package calltrace

import (
	"fmt"
	"reflect"
	"sync"
	"unsafe"

	log "github.com/sirupsen/logrus"
)

// codeSlots holds every function body that has been prepared for patching,
// keyed by entry address. A function's code is process-wide, so every symbol
// naming the same function shares one slot.
var (
	codeSlotsMu sync.RWMutex
	codeSlots   = map[uintptr]*codeSlot{}
)

// codeSlot is an implementation slot: the machine code of a Go function.
// Storing a value writes a jump to it over the function's entry. Storing the
// pristine value puts the original code back.
type codeSlot struct {
	mu sync.Mutex

	fn   reflect.Value
	typ  reflect.Type
	code []byte

	// pristine is a relocated copy of the original code. It is never freed
	// since in-flight calls may still be running it.
	pristine *clonedFunc

	// current keeps the installed func value reachable while machine code
	// outside the Go heap refers to it.
	current reflect.Value
	patched bool

	arch archSlot
}

// newCodeSlot returns the implementation slot for fn, creating it on first
// use.
func newCodeSlot(fn reflect.Value) (*codeSlot, error) {
	if fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: not a function, kind: %v", ErrUnsupportedTarget, fn.Kind())
	}
	if fn.IsNil() {
		return nil, fmt.Errorf("%w: nil function", ErrUnsupportedTarget)
	}

	entry := fn.Pointer()

	codeSlotsMu.Lock()
	defer codeSlotsMu.Unlock()

	if s, ok := codeSlots[entry]; ok {
		if err := checkSignature(s.typ, fn); err != nil {
			return nil, err
		}
		return s, nil
	}

	code, err := funcSlice(fn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if len(code) < minPatchSize {
		return nil, fmt.Errorf("%w: function body is %d bytes, need %d", ErrUnsupportedTarget, len(code), minPatchSize)
	}

	pristine, err := cloneFunc(fn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedTarget, err)
	}

	s := &codeSlot{
		fn:       fn,
		typ:      fn.Type(),
		code:     code,
		pristine: pristine,
	}
	codeSlots[entry] = s
	return s, nil
}

func lookupCodeSlot(entry uintptr) *codeSlot {
	codeSlotsMu.RLock()
	defer codeSlotsMu.RUnlock()
	return codeSlots[entry]
}

func (s *codeSlot) Addr() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(s.code)))
}

func (s *codeSlot) Type() reflect.Type {
	return s.typ
}

func (s *codeSlot) Load() reflect.Value {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.patched {
		return s.current
	}
	return s.pristine.Func
}

func (s *codeSlot) Store(v reflect.Value) error {
	v, err := convertFunc(s.typ, v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if funcWord(v) == funcWord(s.pristine.Func) {
		return s.restore()
	}

	err = mprotect(s.code, mprotectRWX)
	if err != nil {
		return err
	}
	defer mprotect(s.code, mprotectRX)

	err = s.arch.jumpTo(s.code, funcWord(v))
	if err != nil {
		return err
	}
	cacheflush(s.code)

	s.current = v
	s.patched = true

	if log.IsLevelEnabled(log.TraceLevel) {
		asm, _ := disassemble(s.code[:minPatchSize])
		log.Tracef("patched %s:\n%s", funcName(s.fn), asm)
	}
	return nil
}

func (s *codeSlot) restore() error {
	if !s.patched {
		return nil
	}

	err := mprotect(s.code, mprotectRWX)
	if err != nil {
		return err
	}
	defer mprotect(s.code, mprotectRX)

	copy(s.code, s.pristine.originalCode)
	cacheflush(s.code)

	s.current = reflect.Value{}
	s.patched = false
	return nil
}

// isPatched reports whether the function's entry currently jumps elsewhere.
func (s *codeSlot) isPatched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patched
}

// original returns the pristine implementation.
func (s *codeSlot) original() reflect.Value {
	return s.pristine.Func
}
