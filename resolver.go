package calltrace

import (
	"fmt"
	"iter"
	"regexp"
)

// FindSymbols yields the symbols of img whose display name matches pattern,
// in the order they were registered. A nil pattern matches every symbol.
func FindSymbols(img *Image, pattern *regexp.Regexp) iter.Seq[*Symbol] {
	return func(yield func(*Symbol) bool) {
		for _, sym := range img.Symbols() {
			if pattern != nil && !pattern.MatchString(sym.DisplayName()) {
				continue
			}
			if !yield(sym) {
				return
			}
		}
	}
}

// ResolveSlot returns the slot holding sym's implementation. The slot is
// built on first use and shared by later calls.
func ResolveSlot(sym *Symbol) (Slot, error) {
	sym.slotOnce.Do(func() {
		sym.slot, sym.slotErr = resolveSlot(sym)
	})
	return sym.slot, sym.slotErr
}

func resolveSlot(sym *Symbol) (Slot, error) {
	if !sym.target.IsValid() {
		return nil, fmt.Errorf("%w: %s is not loaded in this process", ErrNotFound, sym.Name)
	}

	switch sym.Kind {
	case KindImport:
		return newVarSlot(sym.target.Interface())
	case KindFunc:
		cs, err := newCodeSlot(sym.target)
		if err != nil {
			return nil, err
		}
		return cs, nil
	}
	return nil, fmt.Errorf("%w: unknown symbol kind %v", ErrUnsupportedTarget, sym.Kind)
}
