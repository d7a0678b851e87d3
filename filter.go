package calltrace

import (
	"fmt"
	"regexp"
	"sync/atomic"
)

// DefaultExclusions matches symbols that are unsafe or pointless to trace:
// the runtime and packages the tracer itself depends on, package init
// functions, and the formatting methods used to print trace output.
const DefaultExclusions = `^(runtime|internal|reflect|sync|unsafe|syscall|github\.com/pboyd/calltrace)[./]|\.init(\.\d+)?$|\.(String|Error|Format|GoString)$`

var defaultExclusions = regexp.MustCompile(DefaultExclusions)

// FilterSpec decides whether a symbol name is selected. An explicit exclude
// match always rejects. Otherwise, if an include pattern is set, it must
// match. Otherwise the default exclusion, if any, rejects.
//
// Patterns are searched for anywhere in the name. Use ^ and $ to anchor.
type FilterSpec struct {
	include atomic.Pointer[regexp.Regexp]
	exclude atomic.Pointer[regexp.Regexp]
	defaults *regexp.Regexp
}

// NewFilterSpec returns a filter with no patterns set. defaults may be nil.
func NewFilterSpec(defaults *regexp.Regexp) *FilterSpec {
	return &FilterSpec{defaults: defaults}
}

// SetInclude replaces the include pattern. An empty string clears it. If
// the pattern does not compile the previous one stays in effect.
func (f *FilterSpec) SetInclude(pattern string) error {
	return setPattern(&f.include, pattern)
}

// SetExclude replaces the exclude pattern. An empty string clears it. If
// the pattern does not compile the previous one stays in effect.
func (f *FilterSpec) SetExclude(pattern string) error {
	return setPattern(&f.exclude, pattern)
}

func setPattern(p *atomic.Pointer[regexp.Regexp], pattern string) error {
	if pattern == "" {
		p.Store(nil)
		return nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPattern, err)
	}
	p.Store(re)
	return nil
}

// Include returns the include pattern, or "" if it is unset.
func (f *FilterSpec) Include() string {
	if re := f.include.Load(); re != nil {
		return re.String()
	}
	return ""
}

// Exclude returns the exclude pattern, or "" if it is unset.
func (f *FilterSpec) Exclude() string {
	if re := f.exclude.Load(); re != nil {
		return re.String()
	}
	return ""
}

// Match reports whether name is selected.
func (f *FilterSpec) Match(name string) bool {
	if re := f.exclude.Load(); re != nil && re.MatchString(name) {
		return false
	}
	if re := f.include.Load(); re != nil {
		return re.MatchString(name)
	}
	if f.defaults != nil && f.defaults.MatchString(name) {
		return false
	}
	return true
}

// Filters holds the two independent filters. Trace decides which calls
// through a trampoline are reported. Structure decides which symbols get a
// trampoline at all.
type Filters struct {
	Trace     *FilterSpec
	Structure *FilterSpec
}

// NewFilters returns filters with no patterns set. The structural filter
// applies DefaultExclusions.
func NewFilters() *Filters {
	return &Filters{
		Trace:     NewFilterSpec(nil),
		Structure: NewFilterSpec(defaultExclusions),
	}
}

// ShouldTrace reports whether calls to name are reported.
func (f *Filters) ShouldTrace(name string) bool {
	return f.Trace.Match(name)
}

// ShouldStructurallyInclude reports whether name gets a trampoline.
func (f *Filters) ShouldStructurallyInclude(name string) bool {
	return f.Structure.Match(name)
}
