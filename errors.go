package calltrace

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound means the symbol or its slot could not be located.
	ErrNotFound = errors.New("not found")
	// ErrUnsupportedTarget means no safe trampoline can be built for the target.
	ErrUnsupportedTarget = errors.New("unsupported target")
	// ErrInvalidPattern means a regular expression failed to compile.
	ErrInvalidPattern = errors.New("invalid pattern")
	// ErrSignatureMismatch means a replacement does not match the slot's type.
	ErrSignatureMismatch = errors.New("function signatures do not match")
	// ErrChainTooDeep means the slot already holds the maximum number of patches.
	ErrChainTooDeep = errors.New("patch chain too deep")
	// ErrNotActive means the patch record was already undone or invalidated.
	ErrNotActive = errors.New("patch record not active")
	// ErrInvalidated means a patch was removed because a patch beneath it was undone.
	ErrInvalidated = errors.New("patch invalidated")
)

// TargetError reports a failure to patch a single target.
type TargetError struct {
	Name string
	Err  error
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

func (e *TargetError) Unwrap() error {
	return e.Err
}

// BatchError collects the per-target failures of a bulk operation. The
// targets that did not fail were still applied.
type BatchError struct {
	Errs []error
}

func (e *BatchError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("%d target(s) failed: %s", len(e.Errs), strings.Join(msgs, "; "))
}

func (e *BatchError) Unwrap() []error {
	return e.Errs
}

// Targets returns the names of the failed targets.
func (e *BatchError) Targets() []string {
	var names []string
	for _, err := range e.Errs {
		var te *TargetError
		if errors.As(err, &te) {
			names = append(names, te.Name)
		}
	}
	return names
}
