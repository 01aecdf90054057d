package logging

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("WARN"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}

func TestDailyFileSwitchesOnDateChange(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	d := NewDailyFile(dir, "ScriptMesh-test")
	d.now = func() time.Time { return day }

	_, err := d.Write([]byte("first\n"))
	require.NoError(t, err)
	day = day.Add(2 * time.Minute)
	_, err = d.Write([]byte("second\n"))
	require.NoError(t, err)
	require.NoError(t, d.Close())

	a, err := os.ReadFile(filepath.Join(dir, "ScriptMesh-test-2026-03-01.log"))
	require.NoError(t, err)
	assert.Equal(t, "first\n", string(a))
	b, err := os.ReadFile(filepath.Join(dir, "ScriptMesh-test-2026-03-02.log"))
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(b))
}

func TestCompressOld(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	old := filepath.Join(dir, "ScriptMesh-orchestrator-2026-01-01.log")
	fresh := filepath.Join(dir, "ScriptMesh-orchestrator-2026-01-09.log")
	other := filepath.Join(dir, "unrelated.log")
	for _, p := range []string{old, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("line from "+filepath.Base(p)+"\n"), 0o644))
	}
	aged := now.Add(-8 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(old, aged, aged))
	require.NoError(t, os.Chtimes(other, aged, aged))

	n, err := CompressOld(dir, "ScriptMesh-orchestrator", 7, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)

	f, err := os.Open(old + ".gz")
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	content, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "line from ScriptMesh-orchestrator-2026-01-01.log\n", string(content))
}

func TestSetupWritesConsoleAndFile(t *testing.T) {
	prev := log.Logger
	defer func() { log.Logger = prev }()

	dir := t.TempDir()
	var console bytes.Buffer
	closer, err := Setup(Options{Level: "info", Dir: dir, Prefix: "ScriptMesh-test", Console: &console})
	require.NoError(t, err)

	log.Info().Str("agent", "A1").Msg("hello")
	require.NoError(t, closer.Close())

	assert.Contains(t, console.String(), "hello")
	matches, err := filepath.Glob(filepath.Join(dir, "ScriptMesh-test-*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"agent":"A1"`)
}
