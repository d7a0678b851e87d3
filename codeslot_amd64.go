package calltrace

import "unsafe"

const minPatchSize = closureJumpSize

type archSlot struct{}

func (archSlot) jumpTo(code []byte, closure unsafe.Pointer) error {
	return insertClosureJump(code[:closureJumpSize], closure)
}
