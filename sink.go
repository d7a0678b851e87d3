package calltrace

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
)

// EventKind distinguishes call entry from call exit.
type EventKind int

const (
	EventEntry EventKind = iota
	EventExit
)

func (k EventKind) String() string {
	if k == EventEntry {
		return "entry"
	}
	return "exit"
}

// Event is a reported call.
type Event struct {
	Symbol    string
	Kind      EventKind
	Depth     int
	Elapsed   time.Duration
	Goroutine int64
	TraceID   string

	// Args and Results are only set when argument capture is enabled.
	Args    string
	Results string

	Panicked bool
}

// Sink receives trace events. Notify is called on the goroutine making the
// call, so implementations must be safe for concurrent use.
type Sink interface {
	Notify(Event)
}

// FuncSink adapts a function to a Sink.
type FuncSink func(Event)

func (f FuncSink) Notify(ev Event) {
	f(ev)
}

// WriterSink writes one line per event, indented by call depth.
type WriterSink struct {
	// Entries enables lines for call entry. Exit lines are always written.
	Entries bool

	mu    sync.Mutex
	w     io.Writer
	name  *color.Color
	faint *color.Color
}

// NewWriterSink returns a sink writing to w. Symbol names and timings are
// colored when colorize is set, regardless of whether w is a terminal.
func NewWriterSink(w io.Writer, colorize bool) *WriterSink {
	s := &WriterSink{w: w}
	if colorize {
		s.name = color.New(color.FgCyan, color.Bold)
		s.name.EnableColor()
		s.faint = color.New(color.Faint)
		s.faint.EnableColor()
	}
	return s
}

func (s *WriterSink) Notify(ev Event) {
	if ev.Kind == EventEntry && !s.Entries {
		return
	}

	var b strings.Builder
	if ev.Depth > 1 {
		b.WriteString(strings.Repeat("  | ", ev.Depth-1))
	}

	if ev.Kind == EventEntry {
		b.WriteString("-> ")
	} else {
		b.WriteString("<- ")
	}
	b.WriteString(s.paint(s.name, ev.Symbol))
	b.WriteString("(")
	b.WriteString(ev.Args)
	b.WriteString(")")

	if ev.Kind == EventExit {
		switch {
		case ev.Panicked:
			b.WriteString(" panicked")
		case ev.Results != "":
			b.WriteString(" -> ")
			b.WriteString(ev.Results)
		}
		b.WriteString(" ")
		b.WriteString(s.paint(s.faint, fmt.Sprintf("[%v]", ev.Elapsed)))
	}
	b.WriteString("\n")

	s.mu.Lock()
	defer s.mu.Unlock()
	io.WriteString(s.w, b.String())
}

func (s *WriterSink) paint(c *color.Color, text string) string {
	if c == nil {
		return text
	}
	return c.Sprint(text)
}

// LogSink logs exit events as structured entries.
type LogSink struct {
	Logger log.FieldLogger
}

func (s LogSink) Notify(ev Event) {
	if ev.Kind != EventExit {
		return
	}

	logger := s.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	fields := log.Fields{
		"symbol":    ev.Symbol,
		"depth":     ev.Depth,
		"elapsed":   ev.Elapsed,
		"goroutine": ev.Goroutine,
	}
	if ev.TraceID != "" {
		fields["trace"] = ev.TraceID
	}
	if ev.Args != "" {
		fields["args"] = ev.Args
	}
	if ev.Results != "" {
		fields["results"] = ev.Results
	}

	entry := logger.WithFields(fields)
	if ev.Panicked {
		entry.Warn("call panicked")
		return
	}
	entry.Info("call")
}
