package calltrace

import (
	"sync/atomic"
	"unsafe"
)

const minPatchSize = 4

// archSlot owns the closure stub a patched function branches to. The entry
// instruction is written once; later stores only swap the closure cell.
type archSlot struct {
	stub []byte
}

func (a *archSlot) jumpTo(code []byte, closure unsafe.Pointer) error {
	if err := cloneAllocator.BeginMutate(); err != nil {
		return err
	}
	defer cloneAllocator.EndMutate()

	if a.stub == nil {
		// Over-allocate so the stub can be aligned.
		buf, err := cloneAllocator.Allocate(closureStubSize + 8)
		if err != nil {
			return err
		}
		off := int((8 - uintptr(unsafe.Pointer(unsafe.SliceData(buf)))&7) & 7)
		stub := buf[off : off+closureStubSize]
		if err := writeClosureStub(stub, closure); err != nil {
			cloneAllocator.Free(buf)
			return err
		}
		cacheflush(stub)
		a.stub = stub
	} else {
		cell := (*unsafe.Pointer)(unsafe.Pointer(&a.stub[closureStubSize-8]))
		atomic.StorePointer(cell, closure)
	}

	return insertJump(code[:minPatchSize], uintptr(unsafe.Pointer(unsafe.SliceData(a.stub))))
}
