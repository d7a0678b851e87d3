//go:build !amd64 && !arm64

package calltrace

import (
	"fmt"
	"reflect"
	"runtime"
)

// codeSlot is unavailable on this architecture. Only import slots can be
// patched.
type codeSlot struct {
	Slot
}

func newCodeSlot(fn reflect.Value) (*codeSlot, error) {
	return nil, fmt.Errorf("%w: patching machine code is not supported on %s", ErrNotFound, runtime.GOARCH)
}

func lookupCodeSlot(uintptr) *codeSlot {
	return nil
}

func (*codeSlot) isPatched() bool {
	return false
}

func (*codeSlot) original() reflect.Value {
	return reflect.Value{}
}
