package calltrace

import (
	"regexp"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type service struct {
	fetch  func(id int) (string, error)
	render func(s string) string
	log    func(format string, args ...any)
}

func newService() *service {
	return &service{
		fetch:  func(id int) (string, error) { return "item", nil },
		render: func(s string) string { return "[" + s + "]" },
		log:    func(string, ...any) {},
	}
}

func (s *service) image(t *testing.T, name string) *Image {
	t.Helper()

	img := NewImage(name)
	_, err := img.Import("app.fetch", &s.fetch)
	require.NoError(t, err)
	_, err = img.Import("app.render", &s.render)
	require.NoError(t, err)
	_, err = img.Import("app.log", &s.log)
	require.NoError(t, err)
	return img
}

func (s *service) handle(id int) string {
	v, _ := s.fetch(id)
	s.log("fetched %d", id)
	return s.render(v)
}

func TestApplyTrace(t *testing.T) {
	sink := &eventLog{}
	e := newTestEngine(t, Config{Sink: sink})
	svc := newService()
	require.NoError(t, e.Images().Load(svc.image(t, "app")))

	trace, err := e.ApplyTrace(ImageScope("app"), 0)
	require.NoError(t, err)
	assert.Len(t, trace.Records(), 3)
	assert.NotEmpty(t, trace.ID)

	assert.Equal(t, "[item]", svc.handle(1))
	assert.Equal(t, "[item]", svc.handle(2))

	assert.Equal(t, map[string]int64{"app.fetch": 2, "app.render": 2, "app.log": 2}, e.InvocationCounts())
	assert.Len(t, e.ElapsedTimes(), 3)
	assert.Len(t, sink.exits(), 6)

	assert.True(t, e.RemoveLastTrace())
	assert.False(t, e.RemoveLastTrace())
	assert.Equal(t, 0, e.Store().Len())

	svc.handle(3)
	assert.Equal(t, int64(2), e.InvocationCounts()["app.fetch"])
}

func TestApplyTraceChained(t *testing.T) {
	e := newTestEngine(t, Config{})
	svc := newService()
	require.NoError(t, e.Images().Load(svc.image(t, "app")))

	_, err := e.ApplyTrace(ImageScope("app"), 0)
	require.NoError(t, err)
	_, err = e.ApplyTrace(PatternScope(regexp.MustCompile(`render$`)), 0)
	require.NoError(t, err)

	svc.handle(1)
	// Each trace on the chain counts the call.
	assert.Equal(t, int64(2), e.InvocationCounts()["app.render"])
	assert.Equal(t, int64(1), e.InvocationCounts()["app.fetch"])

	assert.Equal(t, 2, e.RemoveAllTraces())
	assert.Empty(t, e.Traces())
	assert.Equal(t, 0, e.Store().Len())
}

func TestApplyTraceOutOfOrderRemoval(t *testing.T) {
	var invalidated []string
	e := newTestEngine(t, Config{
		OnFailure: func(target string, err error) {
			if assert.ErrorIs(t, err, ErrInvalidated) {
				invalidated = append(invalidated, target)
			}
		},
	})
	svc := newService()
	require.NoError(t, e.Images().Load(svc.image(t, "app")))

	t1, err := e.ApplyTrace(PatternScope(regexp.MustCompile(`fetch`)), 0)
	require.NoError(t, err)
	t2, err := e.ApplyTrace(PatternScope(regexp.MustCompile(`fetch`)), 0)
	require.NoError(t, err)

	e.RemoveTrace(t1)
	assert.Equal(t, []string{"app.fetch"}, invalidated)
	assert.Empty(t, t1.Records())
	assert.Empty(t, t2.Records())
	assert.Empty(t, e.Traces())
	assert.False(t, e.RemoveLastTrace())

	svc.handle(1)
	assert.Empty(t, e.InvocationCounts())
}

func TestApplyTraceStructuralFilter(t *testing.T) {
	e := newTestEngine(t, Config{Exclude: `\.log$`})
	svc := newService()
	require.NoError(t, e.Images().Load(svc.image(t, "app")))

	names, err := e.ListTraceableNames(ImageScope("app"))
	require.NoError(t, err)
	assert.Equal(t, []string{"app.fetch", "app.render"}, names)

	require.NoError(t, e.SetIncludePattern(`fetch`))
	trace, err := e.ApplyTrace(ImageScope("app"), 0)
	require.NoError(t, err)
	require.Len(t, trace.Records(), 1)
	assert.Equal(t, "app.fetch", trace.Records()[0].Name)

	assert.ErrorIs(t, e.SetExcludePattern("("), ErrInvalidPattern)
	names, err = e.ListTraceableNames(ImageScope("app"))
	require.NoError(t, err)
	assert.Equal(t, []string{"app.fetch"}, names)
}

func TestApplyTraceTraceFilter(t *testing.T) {
	sink := &eventLog{}
	e := newTestEngine(t, Config{Sink: sink})
	svc := newService()
	require.NoError(t, e.Images().Load(svc.image(t, "app")))

	require.NoError(t, e.SetTraceInclude(`render`))
	_, err := e.ApplyTrace(ImageScope("app"), 0)
	require.NoError(t, err)

	svc.handle(1)
	exits := sink.exits()
	require.Len(t, exits, 1)
	assert.Equal(t, "app.render", exits[0].Symbol)
	assert.Equal(t, int64(1), e.InvocationCounts()["app.fetch"])

	require.NoError(t, e.SetTraceExclude(`render`))
	svc.handle(1)
	assert.Len(t, sink.exits(), 1)
}

func TestApplyTraceErrors(t *testing.T) {
	var failed []string
	e := newTestEngine(t, Config{
		OnFailure: func(target string, err error) {
			failed = append(failed, target)
		},
	})
	svc := newService()
	img := svc.image(t, "app")
	require.NoError(t, e.Images().Load(img))

	t.Run("unknown image", func(t *testing.T) {
		trace, err := e.ApplyTrace(ImageScope("nope"), 0)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Nil(t, trace)
	})

	t.Run("nil pattern", func(t *testing.T) {
		_, err := e.ApplyTrace(PatternScope(nil), 0)
		assert.ErrorIs(t, err, ErrInvalidPattern)
	})

	t.Run("negative sub-levels", func(t *testing.T) {
		_, err := e.ApplyTrace(MainScope(), -1)
		assert.Error(t, err)
	})

	t.Run("file scope", func(t *testing.T) {
		_, err := e.ApplyTrace(FileScope("/bin/sh"), 0)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("partial failure", func(t *testing.T) {
		unloaded := NewImage("file")
		unloaded.addFileSymbol("lib.unloaded", KindImport, 0)

		trace, err := e.ApplyTrace(SymbolScope(img.Lookup("app.fetch"), unloaded.Lookup("lib.unloaded")), 0)
		require.NotNil(t, trace)
		assert.Len(t, trace.Records(), 1)

		var batch *BatchError
		require.ErrorAs(t, err, &batch)
		assert.Equal(t, []string{"file:lib.unloaded"}, batch.Targets())
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, []string{"file:lib.unloaded"}, failed)

		v, _ := svc.fetch(1)
		assert.Equal(t, "item", v)
	})
}

func TestApplyTraceWithBackend(t *testing.T) {
	backend := &countingBackend{}
	e := newTestEngine(t, Config{Backend: backend})
	svc := newService()
	require.NoError(t, e.Images().Load(svc.image(t, "app")))

	_, err := e.ApplyTrace(ImageScope("app"), 0)
	require.NoError(t, err)

	svc.log("%d %s", 1, "two")
	svc.handle(1)

	assert.Equal(t, int64(3), backend.built.Load())
	assert.Equal(t, int64(4), backend.calls.Load())
	assert.Equal(t, int64(2), e.InvocationCounts()["app.log"])
}

func TestPackageNames(t *testing.T) {
	e := newTestEngine(t, Config{})
	img := NewImage("pkgs")
	var a, b, c func()
	for name, ptr := range map[string]any{
		"example.com/x/y.A":      &a,
		"example.com/x/y.(*T).B": &b,
		"example.com/z.C":        &c,
	} {
		_, err := img.Import(name, ptr)
		require.NoError(t, err)
	}
	require.NoError(t, e.Images().Load(img))

	pkgs, err := e.PackageNames(ImageScope("pkgs"))
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com/x/y", "example.com/z"}, pkgs)
}

func TestDefaultEngine(t *testing.T) {
	e := Default()
	assert.Same(t, e, Default())

	fn := func() int { return 1 }
	img := NewImage("default-test")
	_, err := img.Import("app.fn", &fn)
	require.NoError(t, err)
	require.NoError(t, e.Images().Load(img))

	_, err = e.ApplyTrace(ImageScope(img.Name), 0)
	require.NoError(t, err)
	fn()
	assert.Equal(t, int64(1), e.InvocationCounts()["app.fn"])

	Reset()
	assert.Equal(t, 0, e.Store().Len())
	assert.NotSame(t, e, Default())
	Reset()
}

func TestNewInvalidConfig(t *testing.T) {
	_, err := New(Config{Include: "("})
	assert.ErrorIs(t, err, ErrInvalidPattern)

	_, err = New(Config{SubLevels: -1})
	assert.Error(t, err)
}

func TestEntryConcurrentInstallUndo(t *testing.T) {
	const (
		goroutines = 4
		cycles     = 200
	)

	e := newTestEngine(t, Config{})
	greet := func(s string) string { return "hi " + s }
	img := NewImage("app")
	_, err := img.Import("app.greet", &greet)
	require.NoError(t, err)
	require.NoError(t, e.Images().Load(img))

	var (
		stop atomic.Bool
		bad  atomic.Int64
		g    errgroup.Group
	)
	for range goroutines {
		g.Go(func() error {
			for !stop.Load() {
				if Entry(&greet)("x") != "hi x" {
					bad.Add(1)
				}
			}
			return nil
		})
	}

	var applyErr error
	for range cycles {
		if _, applyErr = e.ApplyTrace(ImageScope("app"), 0); applyErr != nil {
			break
		}
		e.RemoveAllTraces()
	}
	stop.Store(true)
	require.NoError(t, g.Wait())

	require.NoError(t, applyErr)
	assert.Zero(t, bad.Load())
	assert.Equal(t, "hi x", greet("x"))
}

func TestEntry(t *testing.T) {
	double := func(n int) int { return n * 2 }
	assert.Equal(t, 4, Entry(&double)(2))

	var missing func()
	assert.Nil(t, Entry(&missing))

	n := 7
	assert.Equal(t, 7, Entry(&n))
}
