package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronod/pkg/logx"
)

func TestRunSuccess(t *testing.T) {
	l := NewLocal("", logx.Nop())
	res, err := l.Run(context.Background(), Request{Command: "echo hello"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hello\n", res.Output)
	assert.False(t, res.TimedOut)
}

func TestRunFailureCapturesStderr(t *testing.T) {
	l := NewLocal("", logx.Nop())
	res, err := l.Run(context.Background(), Request{Command: "echo oops >&2; exit 3"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "oops\n", res.Errout)
}

func TestRunWorkingDir(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal("", logx.Nop())
	res, err := l.Run(context.Background(), Request{Command: "pwd", WorkingDir: dir})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Output, dir)
}

func TestRunStdin(t *testing.T) {
	l := NewLocal("", logx.Nop())
	res, err := l.Run(context.Background(), Request{Command: "cat", Stdin: "payload"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "payload", res.Output)
}

func TestRunTimeout(t *testing.T) {
	l := NewLocal("", logx.Nop())
	start := time.Now()
	res, err := l.Run(context.Background(), Request{Command: "sleep 5", Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.False(t, res.Success)
	assert.Equal(t, "Process killed due to timeout", res.Errout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunCancellation(t *testing.T) {
	l := NewLocal("", logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := l.Run(ctx, Request{Command: "sleep 5"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunAlreadyCancelled(t *testing.T) {
	l := NewLocal("", logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Run(ctx, Request{Command: "echo hi"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSpawnFailureIsVerdictNotError(t *testing.T) {
	l := NewLocal("", logx.Nop())
	res, err := l.Run(context.Background(), Request{Command: "true", WorkingDir: "/does/not/exist"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Errout)
}
