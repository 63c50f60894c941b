package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleforge/ruleforge/internal/config"
)

// ---------------------------------------------------------------------------
// RotatingWriter
// ---------------------------------------------------------------------------

func TestNewRotatingWriter_CreatesDirectoryAndFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "ruleforge.log")

	w, err := NewRotatingWriter(logPath, 10, 3)
	require.NoError(t, err)
	defer w.Close()

	_, err = os.Stat(logPath)
	assert.NoError(t, err)
}

func TestNewRotatingWriter_Defaults(t *testing.T) {
	tests := []struct {
		name        string
		size, count int
	}{
		{"zero", 0, 0},
		{"negative", -5, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewRotatingWriter(filepath.Join(t.TempDir(), "a.log"), tt.size, tt.count)
			require.NoError(t, err)
			defer w.Close()
			assert.Equal(t, int64(defaultMaxSizeMB)*1024*1024, w.maxBytes)
			assert.Equal(t, defaultMaxBackups, w.maxBackups)
		})
	}
}

func TestNewRotatingWriter_TracksExistingSize(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "a.log")
	require.NoError(t, os.WriteFile(logPath, []byte("previous\n"), 0640))

	w, err := NewRotatingWriter(logPath, 1, 1)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, int64(len("previous\n")), w.size)
	_, err = w.Write([]byte("next\n"))
	require.NoError(t, err)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "previous\nnext\n", string(data))
}

// stepClock returns a clock that advances one second per call.
func stepClock() func() time.Time {
	ts := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		ts = ts.Add(time.Second)
		return ts
	}
}

func TestRotation_TimestampsAndPrunesBackups(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "a.log")
	w, err := NewRotatingWriter(logPath, 1, 2)
	require.NoError(t, err)
	defer w.Close()

	// Force small rotations without writing megabytes.
	w.maxBytes = 10
	w.now = stepClock()

	for _, line := range []string{"first-----", "second----", "third-----", "fourth----"} {
		_, err := w.Write([]byte(line))
		require.NoError(t, err)
	}

	current, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "fourth----", string(current))

	backups, err := w.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 2, "only maxBackups backups are kept")
	assert.Equal(t, filepath.Join(dir, "a-20261019T090002.000000000.log"), backups[0])
	assert.Equal(t, filepath.Join(dir, "a-20261019T090003.000000000.log"), backups[1])

	older, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	assert.Equal(t, "second----", string(older))
	newer, err := os.ReadFile(backups[1])
	require.NoError(t, err)
	assert.Equal(t, "third-----", string(newer))
}

func TestRotation_SameInstantDoesNotCollide(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "a.log")
	w, err := NewRotatingWriter(logPath, 1, 5)
	require.NoError(t, err)
	defer w.Close()
	w.maxBytes = 4
	fixed := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	for i := 0; i < 4; i++ {
		_, err := w.Write([]byte("abcd"))
		require.NoError(t, err)
	}
	backups, err := w.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 3)
}

func TestRotation_OnRotateCallback(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "a.log")
	w, err := NewRotatingWriter(logPath, 1, 2)
	require.NoError(t, err)
	defer w.Close()
	w.maxBytes = 4

	var results []error
	w.OnRotate(func(err error) { results = append(results, err) })

	_, err = w.Write([]byte("abcd"))
	require.NoError(t, err)
	assert.Empty(t, results)

	_, err = w.Write([]byte("efgh"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0])
}

func TestBackups_IgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "a.log")
	w, err := NewRotatingWriter(logPath, 1, 2)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a-notes.log"), []byte("x"), 0640))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b-20261019T090002.000000000.log"), []byte("x"), 0640))

	backups, err := w.Backups()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestRotation_OversizedFirstWriteDoesNotRotate(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "a.log")
	w, err := NewRotatingWriter(logPath, 1, 2)
	require.NoError(t, err)
	defer w.Close()
	w.maxBytes = 4

	_, err = w.Write([]byte("longer than four"))
	require.NoError(t, err)
	backups, err := w.Backups()
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestWrite_AfterClose(t *testing.T) {
	w, err := NewRotatingWriter(filepath.Join(t.TempDir(), "a.log"), 1, 1)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("x"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestWrite_ConcurrentSafety(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "a.log")
	w, err := NewRotatingWriter(logPath, 1, 3)
	require.NoError(t, err)
	defer w.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				w.Write([]byte("line\n"))
			}
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, 20*50, strings.Count(string(data), "line\n"))
}

// ---------------------------------------------------------------------------
// RequestIDGenerator
// ---------------------------------------------------------------------------

func TestRequestIDGenerator_Next(t *testing.T) {
	g := NewRequestIDGenerator()
	first := g.Next()
	second := g.Next()

	assert.True(t, strings.HasPrefix(first, "rf-"+g.prefix+"-"))
	assert.True(t, strings.HasSuffix(first, "-000001"))
	assert.True(t, strings.HasSuffix(second, "-000002"))
}

func TestRequestIDGenerator_ConcurrentUnique(t *testing.T) {
	g := NewRequestIDGenerator()
	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := g.Next()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 1000)
}

// ---------------------------------------------------------------------------
// Setup
// ---------------------------------------------------------------------------

func TestSetup_FileOutputJSON(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "out.log")
	logger, closer, err := Setup(config.LoggingConfig{Level: "info", Format: "json", Output: logPath, MaxSizeMB: 1, MaxBackups: 1})
	require.NoError(t, err)

	wizardLogger := Component(logger, "wizard")
	wizardLogger.Info().Str("step", "test_stack").Msg("advanced")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"wizard"`)
	assert.Contains(t, string(data), `"message":"advanced"`)
}

func TestSetup_StdoutHasNopCloser(t *testing.T) {
	_, closer, err := Setup(config.LoggingConfig{Level: "bogus", Format: "json", Output: "stdout"})
	require.NoError(t, err)
	assert.NoError(t, closer.Close())
}

func TestComponent_AddsField(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(zerolog.New(&buf), "catalog")
	logger.Warn().Msg("x")
	assert.Contains(t, buf.String(), `"component":"catalog"`)
}
