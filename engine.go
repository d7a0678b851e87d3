package calltrace

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Trace is a set of trampolines installed by one ApplyTrace call.
type Trace struct {
	ID        string
	Scope     Scope
	SubLevels int

	// instance is the receiver address of an instance trace.
	instance uintptr

	mu      sync.Mutex
	records []*PatchRecord
}

// Records returns the trace's patches that are still installed.
func (t *Trace) Records() []*PatchRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	var active []*PatchRecord
	for _, r := range t.records {
		if r.Active() {
			active = append(active, r)
		}
	}
	return active
}

// Engine selects symbols, patches them, and records calls through them.
type Engine struct {
	cfg        Config
	log        log.FieldLogger
	images     *Images
	store      *Store
	filters    *Filters
	recorder   *Recorder
	interposer *Interposer
	backend    Backend

	mu     sync.Mutex
	traces []*Trace
}

// New returns an engine with its own images, patch store and statistics.
// Code slots are shared by the whole process, so two engines must not
// patch the same function.
func New(cfg Config) (*Engine, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		log:     cfg.logger(),
		images:  NewImages(),
		filters: NewFilters(),
		backend: cfg.Backend,
	}
	if e.backend == nil {
		e.backend = ReflectBackend{}
	}

	for _, set := range []struct {
		fn      func(string) error
		pattern string
	}{
		{e.filters.Structure.SetInclude, cfg.Include},
		{e.filters.Structure.SetExclude, cfg.Exclude},
		{e.filters.Trace.SetInclude, cfg.TraceInclude},
		{e.filters.Trace.SetExclude, cfg.TraceExclude},
	} {
		if err := set.fn(set.pattern); err != nil {
			return nil, err
		}
	}

	e.store = NewStore(e.log)
	e.store.MaxChainDepth = cfg.MaxChainDepth

	e.recorder = NewRecorder(e.filters, cfg.sink())
	e.recorder.CaptureArgs(cfg.CaptureArgs)

	e.interposer = NewInterposer(e.store, e.images, e.log)
	e.interposer.report = e.reportFailure

	return e, nil
}

var (
	defaultMu     sync.Mutex
	defaultEngine *Engine
)

// Default returns the process-wide engine, creating it on first use.
func Default() *Engine {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultEngine == nil {
		e, err := New(Config{})
		if err != nil {
			// The zero Config is always valid.
			panic(err)
		}
		defaultEngine = e
	}
	return defaultEngine
}

// Reset removes every patch made through the default engine and discards
// it. The next call to Default creates a fresh one.
func Reset() {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultEngine == nil {
		return
	}
	defaultEngine.RemoveAllTraces()
	defaultEngine.RevertAllInterposes()
	defaultEngine.store.UndoAll()
	defaultEngine = nil
}

// Images returns the images the engine selects targets from.
func (e *Engine) Images() *Images { return e.images }

// Main returns the image of the running program.
func (e *Engine) Main() *Image { return e.images.Main() }

// Store returns the patch records of every trace and rebinding.
func (e *Engine) Store() *Store { return e.store }

// Filters returns the live filters. Changes apply to later selections
// and calls.
func (e *Engine) Filters() *Filters { return e.filters }

// Recorder returns the hooks and statistics shared by all traces.
func (e *Engine) Recorder() *Recorder { return e.recorder }

// Interposer returns the engine's call-table rebinder.
func (e *Engine) Interposer() *Interposer { return e.interposer }

// SelectTargets returns the symbols in scope that pass the structural
// filter. Instance scopes are not filtered.
func (e *Engine) SelectTargets(scope Scope) ([]*Symbol, error) {
	syms, err := e.scopeSymbols(scope)
	if err != nil {
		return nil, err
	}
	if scope.Kind == ScopeInstance {
		return syms, nil
	}

	return slices.DeleteFunc(syms, func(sym *Symbol) bool {
		return !e.filters.ShouldStructurallyInclude(sym.DisplayName())
	}), nil
}

func (e *Engine) scopeSymbols(scope Scope) ([]*Symbol, error) {
	switch scope.Kind {
	case ScopeImage:
		img := e.images.Get(scope.Name)
		if img == nil {
			return nil, fmt.Errorf("%w: image %s", ErrNotFound, scope.Name)
		}
		return slices.Collect(FindSymbols(img, nil)), nil

	case ScopeMain:
		return slices.Collect(FindSymbols(e.images.Main(), nil)), nil

	case ScopeAll, ScopePattern:
		if scope.Kind == ScopePattern && scope.Pattern == nil {
			return nil, fmt.Errorf("%w: nil pattern", ErrInvalidPattern)
		}
		var syms []*Symbol
		for _, img := range e.images.All() {
			syms = slices.AppendSeq(syms, FindSymbols(img, scope.Pattern))
		}
		return syms, nil

	case ScopeInstance:
		return e.instanceSymbols(scope.Instance)

	case ScopeSymbols:
		return slices.Clone(scope.Symbols), nil

	case ScopeFile:
		img, err := OpenImageFile(scope.Name)
		if err != nil {
			return nil, err
		}
		return img.Symbols(), nil
	}
	return nil, fmt.Errorf("invalid scope: %v", scope)
}

func (e *Engine) instanceSymbols(instance any) ([]*Symbol, error) {
	v := reflect.ValueOf(instance)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return nil, fmt.Errorf("%w: instance must be a non-nil pointer, got %T", ErrUnsupportedTarget, instance)
	}

	var syms []*Symbol
	for _, img := range e.images.All() {
		for sym := range FindSymbols(img, nil) {
			if sym.Receiver == v.Type() {
				syms = append(syms, sym)
			}
		}
	}
	if len(syms) == 0 {
		return nil, fmt.Errorf("%w: no methods registered for %v", ErrNotFound, v.Type())
	}
	return syms, nil
}

// ApplyTrace installs a trampoline on every symbol in scope. Calls made by
// a reported call are also reported up to subLevels deep.
//
// Symbols that cannot be patched are skipped and returned in a *BatchError
// along with the trace of everything that was patched. Errors that prevent
// selecting any symbols are returned with a nil trace.
func (e *Engine) ApplyTrace(scope Scope, subLevels int) (*Trace, error) {
	if subLevels < 0 {
		return nil, errors.New("sub-levels must not be negative")
	}
	if scope.Kind == ScopeFile {
		return nil, fmt.Errorf("%w: %s is not loaded in this process", ErrNotFound, scope.Name)
	}

	syms, err := e.SelectTargets(scope)
	if err != nil {
		return nil, err
	}

	t := &Trace{
		ID:        uuid.NewString(),
		Scope:     scope,
		SubLevels: subLevels,
	}
	if scope.Kind == ScopeInstance {
		t.instance = reflect.ValueOf(scope.Instance).Pointer()
	}

	var errs []error
	for _, sym := range syms {
		rec, err := e.traceSymbol(sym, t)
		if err != nil {
			errs = append(errs, &TargetError{Name: sym.String(), Err: err})
			e.reportFailure(sym.String(), err)
			continue
		}
		t.records = append(t.records, rec)
	}

	if len(t.records) > 0 {
		e.mu.Lock()
		e.traces = append(e.traces, t)
		e.mu.Unlock()
	}

	e.log.WithFields(log.Fields{
		"trace":   t.ID,
		"scope":   scope.String(),
		"patched": len(t.records),
		"failed":  len(errs),
	}).Debug("applied trace")

	if len(errs) > 0 {
		return t, &BatchError{Errs: errs}
	}
	return t, nil
}

func (e *Engine) traceSymbol(sym *Symbol, t *Trace) (*PatchRecord, error) {
	slot, err := ResolveSlot(sym)
	if err != nil {
		return nil, err
	}

	hooks := e.recorder.Hooks(sym.Name, t)
	return e.store.Install(slot, sym.Name, func(prev reflect.Value) (reflect.Value, error) {
		return e.backend.MakeTrampoline(prev, hooks)
	}, t, KindTrace)
}

// Traces returns the installed traces, oldest first.
func (e *Engine) Traces() []*Trace {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.traces)
}

// RemoveLastTrace removes the most recently applied trace. It returns false
// if there are no traces.
func (e *Engine) RemoveLastTrace() bool {
	e.mu.Lock()
	if len(e.traces) == 0 {
		e.mu.Unlock()
		return false
	}
	t := e.traces[len(e.traces)-1]
	e.mu.Unlock()

	e.RemoveTrace(t)
	return true
}

// RemoveAllTraces removes every trace, newest first, and returns how many
// were removed.
func (e *Engine) RemoveAllTraces() int {
	n := 0
	for e.RemoveLastTrace() {
		n++
	}
	return n
}

// RemoveTrace undoes the patches of t, newest first. Patches chained above
// them by other traces or rebindings are invalidated and reported.
func (e *Engine) RemoveTrace(t *Trace) {
	e.mu.Lock()
	e.traces = slices.DeleteFunc(e.traces, func(other *Trace) bool { return other == t })
	e.mu.Unlock()

	t.mu.Lock()
	records := slices.Clone(t.records)
	t.mu.Unlock()

	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if !rec.Active() {
			continue
		}

		invalidated, err := e.store.Undo(rec)
		if err != nil {
			e.reportFailure(rec.Name, err)
			continue
		}
		e.reportInvalidated(invalidated)
	}
}

// Interpose replaces call-table entries of img.
func (e *Engine) Interpose(img *Image, rbs []Rebinding) (int, error) {
	return e.interposer.Interpose(img, rbs)
}

// RebindSymbols replaces call-table entries in every image, including ones
// loaded later.
func (e *Engine) RebindSymbols(rbs []Rebinding) (int, error) {
	return e.interposer.RebindSymbols(rbs)
}

// RevertAllInterposes undoes every rebinding and returns how many entries
// were restored.
func (e *Engine) RevertAllInterposes() int {
	n, invalidated := e.interposer.RevertInterposes()
	e.reportInvalidated(invalidated)
	return n
}

// reportInvalidated reports records dropped by an out-of-order undo and
// forgets traces left with nothing installed.
func (e *Engine) reportInvalidated(records []*PatchRecord) {
	if len(records) == 0 {
		return
	}
	for _, rec := range records {
		e.reportFailure(rec.Name, fmt.Errorf("%w: %s must be reinstalled", ErrInvalidated, rec))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.traces = slices.DeleteFunc(e.traces, func(t *Trace) bool {
		return len(t.Records()) == 0
	})
}

// SetIncludePattern sets the structural include pattern used when selecting
// symbols to patch.
func (e *Engine) SetIncludePattern(pattern string) error {
	return e.filters.Structure.SetInclude(pattern)
}

// SetExcludePattern sets the structural exclude pattern used when selecting
// symbols to patch.
func (e *Engine) SetExcludePattern(pattern string) error {
	return e.filters.Structure.SetExclude(pattern)
}

// SetTraceInclude sets the pattern of symbols whose calls are reported.
func (e *Engine) SetTraceInclude(pattern string) error {
	return e.filters.Trace.SetInclude(pattern)
}

// SetTraceExclude sets the pattern of symbols whose calls are not reported.
func (e *Engine) SetTraceExclude(pattern string) error {
	return e.filters.Trace.SetExclude(pattern)
}

// ElapsedTimes returns the total time spent in each traced symbol.
func (e *Engine) ElapsedTimes() map[string]time.Duration {
	return e.recorder.ElapsedTimes()
}

// InvocationCounts returns the number of completed calls to each traced
// symbol.
func (e *Engine) InvocationCounts() map[string]int64 {
	return e.recorder.InvocationCounts()
}

// ListTraceableNames returns the display names of the symbols ApplyTrace
// would patch for scope.
func (e *Engine) ListTraceableNames(scope Scope) ([]string, error) {
	syms, err := e.SelectTargets(scope)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(syms))
	for i, sym := range syms {
		names[i] = sym.DisplayName()
	}
	return names, nil
}

// PackageNames returns the sorted Go package paths of the symbols in scope.
func (e *Engine) PackageNames(scope Scope) ([]string, error) {
	syms, err := e.SelectTargets(scope)
	if err != nil {
		return nil, err
	}

	var pkgs []string
	for _, sym := range syms {
		if pkg := sym.Package(); pkg != "" {
			pkgs = append(pkgs, pkg)
		}
	}
	slices.Sort(pkgs)
	return slices.Compact(pkgs), nil
}

func (e *Engine) reportFailure(target string, err error) {
	e.log.WithError(err).WithField("target", target).Warn("skipped target")
	if e.cfg.OnFailure != nil {
		e.cfg.OnFailure(target, err)
	}
}
