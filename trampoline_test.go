package calltrace

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	X, Y float64
	Tag  string
}

func trampolineNoArgs() string {
	return "none"
}

func trampolineOneArg(v int) int {
	return v * 3
}

func trampolineMixed(a int8, b float32, c string, p point, buf []byte, f float64, ok bool) (string, point, error) {
	if !ok {
		return "", point{}, errors.New("not ok")
	}
	p.X += float64(a) + f
	p.Y *= float64(b)
	return fmt.Sprintf("%s:%d:%s", c, len(buf), p.Tag), p, nil
}

func trampolineVariadic(prefix string, vals ...int) string {
	return fmt.Sprint(prefix, vals)
}

func makeTestTrampoline[T any](t *testing.T, fn T, hooks Hooks) T {
	t.Helper()

	tv, err := MakeTrampoline(reflect.ValueOf(fn), hooks)
	require.NoError(t, err)
	return tv.Interface().(T)
}

func TestTrampolineForwardsArguments(t *testing.T) {
	mu, log := newLog()
	hooks := &logHooks{name: "t", mu: mu, log: log}

	t.Run("no arguments", func(t *testing.T) {
		tr := makeTestTrampoline(t, trampolineNoArgs, hooks)
		assert.Equal(t, trampolineNoArgs(), tr())
	})

	t.Run("one argument", func(t *testing.T) {
		tr := makeTestTrampoline(t, trampolineOneArg, hooks)
		assert.Equal(t, trampolineOneArg(14), tr(14))
	})

	t.Run("mixed arguments", func(t *testing.T) {
		tr := makeTestTrampoline(t, trampolineMixed, hooks)
		p := point{X: 1.5, Y: 2, Tag: "tag"}
		buf := []byte("hello")

		for _, ok := range []bool{true, false} {
			ws, wp, werr := trampolineMixed(-3, 0.5, "str", p, buf, 2.25, ok)
			gs, gp, gerr := tr(-3, 0.5, "str", p, buf, 2.25, ok)
			assert.Equal(t, ws, gs)
			assert.Equal(t, wp, gp)
			assert.Equal(t, werr, gerr)
		}
	})

	t.Run("variadic", func(t *testing.T) {
		tr := makeTestTrampoline(t, trampolineVariadic, hooks)
		assert.Equal(t, trampolineVariadic("p"), tr("p"))
		assert.Equal(t, trampolineVariadic("p", 1, 2, 3), tr("p", 1, 2, 3))
		assert.Equal(t, trampolineVariadic("p", []int{4, 5}...), tr("p", []int{4, 5}...))
	})

	t.Run("closure", func(t *testing.T) {
		n := 0
		inc := func(by int) int {
			n += by
			return n
		}
		tr := makeTestTrampoline(t, inc, hooks)
		assert.Equal(t, 2, tr(2))
		assert.Equal(t, 5, tr(3))
		assert.Equal(t, 5, n)
	})

	assert.Len(t, *log, 2*(1+1+2+3+2))
}

func TestTrampolineHookOrder(t *testing.T) {
	mu, log := newLog()
	fn := func() {
		mu.Lock()
		*log = append(*log, "orig")
		mu.Unlock()
	}

	tr := makeTestTrampoline(t, fn, &logHooks{name: "t", mu: mu, log: log})
	tr()

	assert.Equal(t, []string{"t-enter", "orig", "t-exit"}, *log)
}

func TestTrampolinePanic(t *testing.T) {
	mu, log := newLog()
	hooks := &logHooks{name: "t", mu: mu, log: log}

	tr := makeTestTrampoline(t, func() int { panic("boom") }, hooks)
	assert.PanicsWithValue(t, "boom", func() { tr() })

	assert.Equal(t, []string{"t-enter", "t-exit"}, *log)
	assert.True(t, hooks.panicked)
}

func TestTrampolineNilHooks(t *testing.T) {
	tr := makeTestTrampoline(t, trampolineOneArg, nil)
	assert.Equal(t, 9, tr(3))
}

func TestTrampolineUnsupported(t *testing.T) {
	var nilFn func()

	for name, v := range map[string]reflect.Value{
		"invalid":      {},
		"not a func":   reflect.ValueOf(42),
		"nil function": reflect.ValueOf(nilFn),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := MakeTrampoline(v, nil)
			assert.ErrorIs(t, err, ErrUnsupportedTarget)
		})
	}
}
