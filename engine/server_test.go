package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type probeFunc func(ctx context.Context) bool

func (f probeFunc) IsServerRunning(ctx context.Context) bool { return f(ctx) }

// writeScript stands in for ComfyUI's main.py; "sh" plays the interpreter
func writeScript(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "main.sh")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestArgs(t *testing.T) {
	s := NewServer(Options{
		Main:      "ComfyUI/main.py",
		Host:      "127.0.0.1",
		Port:      8188,
		OutputDir: "/tmp/outputs",
		InputDir:  "/tmp/inputs",
		ExtraArgs: []string{"--disable-metadata"},
	})
	assert.Equal(t, []string{
		"ComfyUI/main.py",
		"--listen", "127.0.0.1",
		"--port", "8188",
		"--output-directory", "/tmp/outputs",
		"--input-directory", "/tmp/inputs",
		"--disable-metadata",
	}, s.Args())
	assert.Equal(t, "python", s.opts.Python)
}

func TestStartWaitReadyStop(t *testing.T) {
	script := writeScript(t, "echo starting; echo $HF_HUB_DISABLE_TELEMETRY; exec sleep 30\n")
	s := NewServer(Options{Python: "sh", Main: script, StopGrace: 2 * time.Second})
	assert.False(t, s.Running())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx), "second start")
	assert.True(t, s.Running())

	var calls atomic.Int32
	err := s.WaitReady(ctx, probeFunc(func(context.Context) bool {
		return calls.Add(1) >= 3
	}))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))

	require.NoError(t, s.Stop())
	assert.False(t, s.Running())
	require.NoError(t, s.Stop())
}

func TestWaitReadyProcessExited(t *testing.T) {
	script := writeScript(t, "echo boom >&2; exit 3\n")
	s := NewServer(Options{Python: "sh", Main: script})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	<-s.Done()

	err := s.WaitReady(ctx, probeFunc(func(context.Context) bool { return false }))
	assert.ErrorIs(t, err, ErrExited)
}

func TestWaitReadyTimeout(t *testing.T) {
	s := NewServer(Options{StartupTimeout: 300 * time.Millisecond})
	err := s.WaitReady(context.Background(), probeFunc(func(context.Context) bool { return false }))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartMissingInterpreter(t *testing.T) {
	s := NewServer(Options{Python: "/nonexistent/python", Main: "main.py"})
	assert.Error(t, s.Start(context.Background()))
	assert.False(t, s.Running())
}

func TestOfflineEnv(t *testing.T) {
	assert.Equal(t, []string{
		"HF_DATASETS_OFFLINE=1",
		"HF_HUB_DISABLE_TELEMETRY=1",
		"TRANSFORMERS_OFFLINE=1",
	}, OfflineEnviron())

	for k := range OfflineEnv {
		t.Setenv(k, "0")
	}
	require.NoError(t, ApplyOfflineEnv())
	for k := range OfflineEnv {
		assert.Equal(t, "1", os.Getenv(k))
	}
}

type countingClearer struct {
	calls int
	err   error
}

func (c *countingClearer) ClearQueue(context.Context) error {
	c.calls++
	return c.err
}

func TestCleanup(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/tmp/outputs/old.png", []byte("x"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/tmp/inputs/nested/image.png", []byte("x"), 0o644))

	q := &countingClearer{}
	require.NoError(t, Cleanup(context.Background(), q, fs, "/tmp/outputs", "/tmp/inputs", "ComfyUI/temp"))
	assert.Equal(t, 1, q.calls)
	for _, dir := range []string{"/tmp/outputs", "/tmp/inputs", "ComfyUI/temp"} {
		empty, err := afero.IsEmpty(fs, dir)
		require.NoError(t, err)
		assert.True(t, empty, dir)
	}

	q.err = assert.AnError
	err := Cleanup(context.Background(), q, fs, "/tmp/outputs")
	assert.ErrorIs(t, err, assert.AnError)

	require.NoError(t, Cleanup(context.Background(), nil, fs, "/tmp/outputs"))
}
