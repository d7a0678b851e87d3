//go:build amd64 || arm64

package calltrace

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"unsafe"

	"github.com/pboyd/malloc"
)

// Room for far-call sequences appended by relocateFunc.
const cloneSlack = 256

// cloneFunc makes a copy of a function that persists after the original
// function has been patched.
func cloneFunc(fn reflect.Value) (*clonedFunc, error) {
	originalCode, err := funcSlice(fn)
	if err != nil {
		return nil, err
	}

	if err := cloneAllocator.BeginMutate(); err != nil {
		return nil, err
	}
	defer cloneAllocator.EndMutate()

	buf, err := cloneAllocator.Allocate(len(originalCode) + cloneSlack)
	if err != nil {
		return nil, err
	}

	newCode, err := relocateFunc(originalCode, buf)
	if err != nil {
		cloneAllocator.Free(buf)
		return nil, err
	}
	cacheflush(newCode)

	// The idea is to take our newly allocated buffer of machine
	// instructions and convince Go that it's really a function value of
	// fn's type. A func value is a pointer to a word holding the code
	// address, so ref points at codeData.
	codeData := unsafe.SliceData(newCode)
	cf := &clonedFunc{
		clonedCode: buf,
		// Keep a reference to codeData so it stays around.
		ref: &codeData,
	}
	cf.Func = reflect.NewAt(fn.Type(), unsafe.Pointer(&cf.ref)).Elem()

	// Make a copy of the code so that no matter what it can be restored.
	cf.originalCode = make([]byte, len(originalCode))
	copy(cf.originalCode, originalCode)

	return cf, nil
}

type allocator struct {
	*malloc.Arena
	mprotect func(int) error
	mu       sync.Mutex
	initOnce sync.Once
	mutable  bool
}

func (a *allocator) init(startSize int) error {
	var err error
	a.initOnce.Do(func() {
		be := malloc.MmapBackend(malloc.MmapProt(mprotectExec), malloc.MmapFlags(mapFlags))
		if protBE, ok := be.(malloc.ProtectedArenaBackend); ok {
			a.mprotect = protBE.Protect
		} else {
			a.mprotect = func(int) error {
				return nil
			}
		}

		a.Arena = malloc.NewArena(uint64(startSize), malloc.Backend(be))
		if a.Arena == nil {
			err = errors.New("unable to initialize arena")
			return
		}
		a.mutable = true
	})
	return err
}

func (a *allocator) BeginMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Note that BeginMutate can be called before the initial allocation.

	if a.mprotect == nil || a.mutable {
		return nil
	}

	err := a.mprotect(mprotectRWX)
	if err == nil {
		a.mutable = true
	}
	return err
}

func (a *allocator) EndMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable || a.mprotect == nil {
		return nil
	}

	err := a.mprotect(mprotectRX)
	if err == nil {
		a.mutable = false
	}
	return err
}

func (a *allocator) Allocate(size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.init(size)
	if err != nil {
		return nil, fmt.Errorf("error initializing allocator: %w", err)
	}

	if !a.mutable {
		panic("Allocate called in immutable state")
	}

	return malloc.MallocSlice[byte](a.Arena, size)
}

func (a *allocator) Free(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mutable {
		panic("Free called in immutable state")
	}

	malloc.FreeSlice(a.Arena, buf)
}

var cloneAllocator = &allocator{}

// clonedFunc holds a relocated copy of a function. It is the pristine
// implementation that trampolines on a patched function forward to.
type clonedFunc struct {
	Func reflect.Value

	// The data for this slice is allocated in the mmap page and managed by
	// the cloneAllocator. Keep a reference in order to free it.
	clonedCode []byte
	ref        **byte

	originalCode []byte
}
