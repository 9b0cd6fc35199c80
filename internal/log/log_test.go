package log

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func todayFile(dir string) string {
	return filepath.Join(dir, fileName(time.Now().Format(dayLayout)))
}

func TestInit_DefaultLevelHidesDebug(t *testing.T) {
	var stderr bytes.Buffer
	require.NoError(t, Init(Options{Stderr: &stderr}))
	defer Close()

	Debug("debug message")
	Info("info message")
	Warn("warn message")

	out := stderr.String()
	assert.NotContains(t, out, "debug message")
	assert.Contains(t, out, "info message")
	assert.Contains(t, out, "warn message")
}

func TestInit_Verbose(t *testing.T) {
	var stderr bytes.Buffer
	require.NoError(t, Init(Options{Verbose: true, Quiet: true, Stderr: &stderr}))
	defer Close()

	Debug("debug message")
	assert.Contains(t, stderr.String(), "debug message")
}

func TestInit_Quiet(t *testing.T) {
	var stderr bytes.Buffer
	require.NoError(t, Init(Options{Quiet: true, Stderr: &stderr}))
	defer Close()

	Info("info message")
	Error("error message")
	assert.NotContains(t, stderr.String(), "info message")
	assert.Contains(t, stderr.String(), "error message")
}

func TestInit_DebugFileGetsEveryLevel(t *testing.T) {
	dir := t.TempDir()
	var stderr bytes.Buffer
	require.NoError(t, Init(Options{DebugDir: dir, Stderr: &stderr}))

	Debug("only in file", "image", "a-b:HEAD")
	Close()

	content, err := os.ReadFile(todayFile(dir))
	require.NoError(t, err)
	assert.Contains(t, string(content), "only in file")
	assert.Contains(t, string(content), `"image":"a-b:HEAD"`)
	assert.NotContains(t, stderr.String(), "only in file")
}

func TestForSession(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)

	ForSession("jupyter-alice", "alice").Info("starting")
	assert.Contains(t, buf.String(), "session=jupyter-alice")
	assert.Contains(t, buf.String(), "user=alice")
}

func TestFileWriter_LatestSymlink(t *testing.T) {
	dir := t.TempDir()
	fw, err := NewFileWriter(dir)
	require.NoError(t, err)
	defer fw.Close()

	_, err = fw.Write([]byte(`{"msg":"x"}` + "\n"))
	require.NoError(t, err)

	target, err := os.Readlink(filepath.Join(dir, latestLink))
	require.NoError(t, err)
	assert.Equal(t, fileName(time.Now().Format(dayLayout)), target)
}

func TestFileWriter_RotatesOnDayChange(t *testing.T) {
	dir := t.TempDir()
	fw, err := NewFileWriter(dir)
	require.NoError(t, err)
	defer fw.Close()

	tomorrow := time.Now().AddDate(0, 0, 1)
	fw.now = func() time.Time { return tomorrow }

	_, err = fw.Write([]byte("line\n"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, fileName(tomorrow.Format(dayLayout))))
	assert.NoError(t, err)
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, fileName(time.Now().AddDate(0, 0, -30).Format(dayLayout)))
	recent := filepath.Join(dir, fileName(time.Now().AddDate(0, 0, -1).Format(dayLayout)))
	other := filepath.Join(dir, "notes.txt")
	for _, p := range []string{old, recent, other} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	}

	Cleanup(dir, 14)

	assert.NoFileExists(t, old)
	assert.FileExists(t, recent)
	assert.FileExists(t, other)
}
