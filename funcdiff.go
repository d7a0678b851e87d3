package calltrace

import (
	"errors"
	"fmt"
	"reflect"
)

type funcDifferences struct {
	In       []*argDifference
	Out      []*argDifference
	Variadic bool
}

func (d *funcDifferences) Empty() bool {
	if d.Variadic {
		return false
	}
	for _, arg := range d.In {
		if arg != nil {
			return false
		}
	}
	for _, out := range d.Out {
		if out != nil {
			return false
		}
	}
	return true
}

func (d *funcDifferences) Error() error {
	errs := []error{}
	for i, arg := range d.In {
		if arg != nil {
			errs = append(errs, fmt.Errorf("argument %d: %v != %v", i, arg.A, arg.B))
		}
	}
	for i, out := range d.Out {
		if out != nil {
			errs = append(errs, fmt.Errorf("output %d: %v != %v", i, out.A, out.B))
		}
	}
	if d.Variadic {
		errs = append(errs, errors.New("variadic mismatch"))
	}

	return errors.Join(errs...)
}

type argDifference struct {
	A reflect.Type
	B reflect.Type
}

func diffTypes(n, m int, a, b func(int) reflect.Type) []*argDifference {
	diff := make([]*argDifference, max(n, m))
	for i := range diff {
		var at, bt reflect.Type
		if i < n {
			at = a(i)
		}
		if i < m {
			bt = b(i)
		}
		if at != bt {
			diff[i] = &argDifference{A: at, B: bt}
		}
	}
	return diff
}

func diffFuncs(at, bt reflect.Type) *funcDifferences {
	return &funcDifferences{
		In:       diffTypes(at.NumIn(), bt.NumIn(), at.In, bt.In),
		Out:      diffTypes(at.NumOut(), bt.NumOut(), at.Out, bt.Out),
		Variadic: at.IsVariadic() != bt.IsVariadic(),
	}
}

// checkSignature returns an error if fn cannot be stored in a slot of type
// want.
func checkSignature(want reflect.Type, fn reflect.Value) error {
	if fn.Kind() != reflect.Func {
		return fmt.Errorf("%w: not a function, kind: %v", ErrUnsupportedTarget, fn.Kind())
	}
	if fn.IsNil() {
		return fmt.Errorf("%w: nil function", ErrUnsupportedTarget)
	}
	if fn.Type() == want {
		return nil
	}

	diff := diffFuncs(want, fn.Type())
	if diff.Empty() {
		// Same shape, different named type.
		return nil
	}
	return fmt.Errorf("%w: %w", ErrSignatureMismatch, diff.Error())
}
