package calltrace

import (
	"errors"
	"flag"
	"io"

	"github.com/peterbourgon/ff/v3"
	log "github.com/sirupsen/logrus"
)

const (
	defaultArgSubLevels     = 0
	defaultArgMaxChainDepth = 0
	defaultArgLogLevel      = "info"
)

// Help strings for command line arguments
var (
	includeHelp       = "Only patch symbols matching this regular expression."
	excludeHelp       = "Never patch symbols matching this regular expression."
	traceIncludeHelp  = "Only report calls to symbols matching this regular expression."
	traceExcludeHelp  = "Never report calls to symbols matching this regular expression."
	subLevelsHelp     = "Report calls made by reported functions up to this many levels deep."
	maxChainDepthHelp = "Maximum number of patches on one symbol. 0 means no limit."
	argsHelp          = "Include argument and result values in trace output."
	colorHelp         = "Colorize trace output."
	entriesHelp       = "Write a line when a call starts as well as when it returns."
	logLevelHelp      = "Log level: trace, debug, info, warn or error."
	configHelp        = "Path to a config file with one flag per line."
)

// Config configures an Engine. The zero value is usable.
type Config struct {
	// Structural filter: which symbols get a trampoline.
	Include string
	Exclude string

	// Trace filter: which calls through a trampoline are reported.
	TraceInclude string
	TraceExclude string

	// SubLevels is used by the command line tools when no sub-level count
	// is given to ApplyTrace.
	SubLevels     int
	MaxChainDepth int

	CaptureArgs bool
	Color       bool
	Entries     bool
	LogLevel    string

	// Trace output goes to Sink if it is set, otherwise to a WriterSink on
	// Output, otherwise nowhere.
	Sink   Sink
	Output io.Writer

	Logger  log.FieldLogger
	Backend Backend

	// OnFailure is called for every target that could not be patched and
	// for every patch invalidated by an out-of-order undo.
	OnFailure func(target string, err error)
}

// RegisterFlags adds the configuration flags to fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Include, "include", "", includeHelp)
	fs.StringVar(&c.Exclude, "exclude", "", excludeHelp)
	fs.StringVar(&c.TraceInclude, "trace-include", "", traceIncludeHelp)
	fs.StringVar(&c.TraceExclude, "trace-exclude", "", traceExcludeHelp)
	fs.IntVar(&c.SubLevels, "sub-levels", defaultArgSubLevels, subLevelsHelp)
	fs.IntVar(&c.MaxChainDepth, "max-chain", defaultArgMaxChainDepth, maxChainDepthHelp)
	fs.BoolVar(&c.CaptureArgs, "args", false, argsHelp)
	fs.BoolVar(&c.Color, "color", false, colorHelp)
	fs.BoolVar(&c.Entries, "entries", false, entriesHelp)
	fs.StringVar(&c.LogLevel, "log-level", defaultArgLogLevel, logLevelHelp)

	if fs.Lookup("config") == nil {
		fs.String("config", "", configHelp)
	}
}

// ParseConfig registers the configuration flags on fs and parses args,
// environment variables prefixed with CALLTRACE_, and the file named by
// -config, in that order of precedence.
func ParseConfig(fs *flag.FlagSet, args []string) (*Config, error) {
	var c Config
	c.RegisterFlags(fs)

	err := ff.Parse(fs, args, ConfigOptions()...)
	if err != nil {
		return nil, err
	}
	return &c, c.Validate()
}

// ConfigOptions are the ff options used to parse configuration flags.
func ConfigOptions() []ff.Option {
	return []ff.Option{
		ff.WithEnvVarPrefix("CALLTRACE"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithAllowMissingConfigFile(true),
	}
}

// Validate reports settings that are out of range. Patterns are checked
// when an engine compiles them.
func (c *Config) Validate() error {
	if c.SubLevels < 0 {
		return errors.New("sub-levels must not be negative")
	}
	if c.MaxChainDepth < 0 {
		return errors.New("max-chain must not be negative")
	}
	if c.LogLevel != "" {
		if _, err := log.ParseLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// logger returns the configured logger, creating one at LogLevel if none
// was given.
func (c *Config) logger() log.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	if c.LogLevel == "" {
		return log.StandardLogger()
	}

	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.StandardLogger()
	}
	l := log.New()
	l.SetLevel(level)
	return l
}

func (c *Config) sink() Sink {
	if c.Sink != nil {
		return c.Sink
	}
	if c.Output == nil {
		return nil
	}
	ws := NewWriterSink(c.Output, c.Color)
	ws.Entries = c.Entries
	return ws
}
