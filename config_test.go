package calltrace

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-include", "^app\\.", "-sub-levels", "2", "-args", "-max-chain", "4"})
	require.NoError(t, err)

	assert.Equal(t, "^app\\.", cfg.Include)
	assert.Equal(t, 2, cfg.SubLevels)
	assert.Equal(t, 4, cfg.MaxChainDepth)
	assert.True(t, cfg.CaptureArgs)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestParseConfigEnvAndFile(t *testing.T) {
	t.Setenv("CALLTRACE_TRACE_EXCLUDE", "Debug")

	path := filepath.Join(t.TempDir(), "calltrace.conf")
	require.NoError(t, os.WriteFile(path, []byte("sub-levels 3\ncolor true\n"), 0o644))

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-config", path})
	require.NoError(t, err)

	assert.Equal(t, "Debug", cfg.TraceExclude)
	assert.Equal(t, 3, cfg.SubLevels)
	assert.True(t, cfg.Color)
}

func TestParseConfigInvalid(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(&bytes.Buffer{})
	_, err := ParseConfig(fs, []string{"-log-level", "loud"})
	assert.Error(t, err)

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(&bytes.Buffer{})
	_, err = ParseConfig(fs, []string{"-sub-levels", "-1"})
	assert.Error(t, err)
}

func TestConfigSink(t *testing.T) {
	assert.Nil(t, (&Config{}).sink())

	var buf bytes.Buffer
	s, ok := (&Config{Output: &buf, Entries: true}).sink().(*WriterSink)
	require.True(t, ok)
	assert.True(t, s.Entries)

	custom := FuncSink(func(Event) {})
	assert.NotNil(t, (&Config{Output: &buf, Sink: custom}).sink())
}
