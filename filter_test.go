package calltrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterPrecedence(t *testing.T) {
	f := NewFilterSpec(nil)
	require.NoError(t, f.SetInclude("Foo"))
	require.NoError(t, f.SetExclude("Bar"))

	assert.False(t, f.Match("FooBar"), "exclude wins over include")
	assert.True(t, f.Match("FooBaz"))
	assert.False(t, f.Match("Baz"), "include must match when set")
}

func TestFilterUnanchored(t *testing.T) {
	f := NewFilterSpec(nil)
	require.NoError(t, f.SetInclude("Foo"))
	assert.True(t, f.Match("app.(*Foo).Run"))

	require.NoError(t, f.SetInclude("^Foo$"))
	assert.False(t, f.Match("app.(*Foo).Run"))
	assert.True(t, f.Match("Foo"))

	// A substring of the display name is enough to exclude.
	filters := NewFilters()
	require.NoError(t, filters.Trace.SetExclude("Debug"))
	require.NoError(t, filters.Structure.SetInclude("http"))
	assert.False(t, filters.ShouldTrace("app.(*Logger).Debugf"))
	assert.True(t, filters.ShouldTrace("app.(*Logger).Infof"))
	assert.True(t, filters.ShouldStructurallyInclude("net/http.(*Client).Do"))
}

func TestFilterInvalidPatternKeepsPrevious(t *testing.T) {
	f := NewFilterSpec(nil)
	require.NoError(t, f.SetInclude("^app\\."))

	err := f.SetInclude("app.(")
	assert.ErrorIs(t, err, ErrInvalidPattern)
	assert.Equal(t, "^app\\.", f.Include())
	assert.True(t, f.Match("app.Run"))
	assert.False(t, f.Match("lib.Run"))

	err = f.SetExclude("[")
	assert.ErrorIs(t, err, ErrInvalidPattern)
	assert.Equal(t, "", f.Exclude())
}

func TestFilterEmptyPatternIsUnset(t *testing.T) {
	f := NewFilterSpec(nil)
	require.NoError(t, f.SetInclude("Foo"))
	require.NoError(t, f.SetExclude("Bar"))

	require.NoError(t, f.SetInclude(""))
	require.NoError(t, f.SetExclude(""))
	assert.True(t, f.Match("Baz"))
	assert.True(t, f.Match("FooBar"))
}

func TestFilterDefaultExclusions(t *testing.T) {
	filters := NewFilters()

	cases := map[string]bool{
		"runtime.mallocgc":                       false,
		"internal/poll.(*FD).Read":               false,
		"reflect.Value.Call":                     false,
		"sync.(*Mutex).Lock":                     false,
		"github.com/pboyd/calltrace.FindSymbols": false,
		"app.init":                               false,
		"app.init.0":                             false,
		"app.(*Thing).String":                    false,
		"app.(*Thing).Error":                     false,
		"app.(*Thing).Run":                       true,
		"net/http.(*Client).Do":                  true,
		"syncer.Start":                           true,
	}
	for name, want := range cases {
		assert.Equal(t, want, filters.ShouldStructurallyInclude(name), name)
		assert.True(t, filters.ShouldTrace(name), name)
	}
}

func TestFilterIncludeOverridesDefaultExclusions(t *testing.T) {
	filters := NewFilters()
	require.NoError(t, filters.Structure.SetInclude("^runtime\\.GC$"))

	assert.True(t, filters.ShouldStructurallyInclude("runtime.GC"))
	assert.False(t, filters.ShouldStructurallyInclude("app.Run"))
}
