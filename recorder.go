package calltrace

import (
	"cmp"
	"fmt"
	"io"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

type symbolStats struct {
	count   atomic.Int64
	elapsed atomic.Int64
}

// SymbolTime is one row of SortedElapsedTimes.
type SymbolTime struct {
	Name    string
	Elapsed time.Duration
	Count   int64
}

// Recorder implements the hooks of traced symbols. It keeps a call stack
// per goroutine, accumulates per-symbol statistics, and reports selected
// calls to a Sink.
type Recorder struct {
	filters     *Filters
	sink        Sink
	captureArgs bool
	now         func() time.Time

	stacks sync.Map // goroutine id -> *callStack
	stats  sync.Map // symbol name -> *symbolStats

	orderMu sync.Mutex
	order   []string
}

// NewRecorder returns a recorder reporting to sink, which may be nil. A nil
// filters selects every call.
func NewRecorder(filters *Filters, sink Sink) *Recorder {
	if filters == nil {
		filters = NewFilters()
	}
	return &Recorder{
		filters: filters,
		sink:    sink,
		now:     time.Now,
	}
}

// CaptureArgs enables argument and result summaries in events.
func (r *Recorder) CaptureArgs(enabled bool) {
	r.captureArgs = enabled
}

// SetClock replaces the time source.
func (r *Recorder) SetClock(now func() time.Time) {
	r.now = now
}

// Hooks returns the hooks for a trampoline on the named symbol installed by
// trace. trace may be nil.
func (r *Recorder) Hooks(name string, trace *Trace) Hooks {
	return &symbolHooks{r: r, name: name, display: DisplayName(name), trace: trace}
}

type symbolHooks struct {
	r       *Recorder
	name    string
	display string
	trace   *Trace
}

func (h *symbolHooks) Enter(ctx *CallContext) {
	r := h.r
	gid := goroutineID()
	st := r.stack(gid)
	ctx.goroutine = gid

	if st.busy {
		ctx.skip = true
		return
	}

	if t := h.trace; t != nil && t.instance != 0 {
		if !isReceiver(ctx.Args, t.instance) {
			ctx.skip = true
			r.release(gid, st)
			return
		}
		ctx.report = true
	}

	st.depth++
	ctx.depth = st.depth

	selected := ctx.report || r.filters.ShouldTrace(h.display)
	ctx.report = selected || st.withinBudget()
	if selected && h.subLevels() > 0 {
		st.push(anchor{depth: st.depth, subLevels: h.subLevels()})
		ctx.anchored = true
	}

	if ctx.report && r.sink != nil {
		st.busy = true
		ev := h.event(ctx, EventEntry)
		if r.captureArgs {
			ev.Args = formatValues(ctx.Args)
		}
		r.sink.Notify(ev)
		st.busy = false
	}

	ctx.start = r.now()
}

func (h *symbolHooks) Exit(ctx *CallContext) {
	if ctx.skip {
		return
	}

	r := h.r
	elapsed := r.now().Sub(ctx.start)
	r.record(h.name, elapsed)

	st := r.stack(ctx.goroutine)

	if ctx.report && r.sink != nil {
		st.busy = true
		ev := h.event(ctx, EventExit)
		ev.Elapsed = elapsed
		ev.Panicked = ctx.Panicked
		if r.captureArgs {
			ev.Args = formatValues(ctx.Args)
			if !ctx.Panicked {
				ev.Results = formatValues(ctx.Results)
			}
		}
		r.sink.Notify(ev)
		st.busy = false
	}

	if ctx.anchored {
		st.pop()
	}
	st.depth--
	r.release(ctx.goroutine, st)
}

func (h *symbolHooks) subLevels() int {
	if h.trace == nil {
		return 0
	}
	return h.trace.SubLevels
}

func (h *symbolHooks) event(ctx *CallContext, kind EventKind) Event {
	ev := Event{
		Symbol:    h.display,
		Kind:      kind,
		Depth:     ctx.depth,
		Goroutine: ctx.goroutine,
	}
	if h.trace != nil {
		ev.TraceID = h.trace.ID
	}
	return ev
}

func isReceiver(args []reflect.Value, instance uintptr) bool {
	if len(args) == 0 {
		return false
	}
	recv := args[0]
	return recv.Kind() == reflect.Pointer && recv.Pointer() == instance
}

func (r *Recorder) stack(gid int64) *callStack {
	if v, ok := r.stacks.Load(gid); ok {
		return v.(*callStack)
	}
	st := &callStack{}
	r.stacks.Store(gid, st)
	return st
}

// release drops the stack of a goroutine that has returned from every traced
// call, so the map does not grow with dead goroutines.
func (r *Recorder) release(gid int64, st *callStack) {
	if st.depth == 0 && !st.busy {
		r.stacks.Delete(gid)
	}
}

func (r *Recorder) record(name string, elapsed time.Duration) {
	v, ok := r.stats.Load(name)
	if !ok {
		var loaded bool
		v, loaded = r.stats.LoadOrStore(name, &symbolStats{})
		if !loaded {
			r.orderMu.Lock()
			r.order = append(r.order, name)
			r.orderMu.Unlock()
		}
	}

	s := v.(*symbolStats)
	s.count.Add(1)
	s.elapsed.Add(int64(elapsed))
}

// ElapsedTimes returns the total time spent in each symbol.
func (r *Recorder) ElapsedTimes() map[string]time.Duration {
	times := map[string]time.Duration{}
	r.stats.Range(func(k, v any) bool {
		times[k.(string)] = time.Duration(v.(*symbolStats).elapsed.Load())
		return true
	})
	return times
}

// InvocationCounts returns the number of completed calls to each symbol.
func (r *Recorder) InvocationCounts() map[string]int64 {
	counts := map[string]int64{}
	r.stats.Range(func(k, v any) bool {
		counts[k.(string)] = v.(*symbolStats).count.Load()
		return true
	})
	return counts
}

// SortedElapsedTimes returns symbols ordered by total elapsed time, longest
// first. If top is positive, at most top rows are returned.
func (r *Recorder) SortedElapsedTimes(top int) []SymbolTime {
	var rows []SymbolTime
	r.stats.Range(func(k, v any) bool {
		s := v.(*symbolStats)
		rows = append(rows, SymbolTime{
			Name:    k.(string),
			Elapsed: time.Duration(s.elapsed.Load()),
			Count:   s.count.Load(),
		})
		return true
	})

	slices.SortFunc(rows, func(a, b SymbolTime) int {
		if c := cmp.Compare(b.Elapsed, a.Elapsed); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})

	if top > 0 && len(rows) > top {
		rows = rows[:top]
	}
	return rows
}

// CallOrder returns symbol names in the order their first call returned.
func (r *Recorder) CallOrder() []string {
	r.orderMu.Lock()
	defer r.orderMu.Unlock()
	return slices.Clone(r.order)
}

// ClearStats forgets all timings, counts and the call order.
func (r *Recorder) ClearStats() {
	r.orderMu.Lock()
	defer r.orderMu.Unlock()
	r.stats.Clear()
	r.order = nil
}

// WriteStats writes a table of the slowest symbols.
func (r *Recorder) WriteStats(w io.Writer, top int) error {
	for _, row := range r.SortedElapsedTimes(top) {
		_, err := fmt.Fprintf(w, "%14v %10s  %s\n", row.Elapsed, humanize.Comma(row.Count), DisplayName(row.Name))
		if err != nil {
			return err
		}
	}
	return nil
}
