package qwenagent

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newCatProcessChannel wires a processChannel to a `cat` subprocess, which
// echoes every line written to its stdin back out on stdout. This gives the
// writer/reader goroutines a real pipe to exercise without depending on the
// qwen CLI binary being present.
func newCatProcessChannel(t *testing.T) *processChannel {
	t.Helper()
	path, err := exec.LookPath("cat")
	if err != nil {
		t.Skip("cat not available on PATH")
	}

	cmd := exec.Command(path)
	stdinPipe, err := cmd.StdinPipe()
	require.NoError(t, err)
	stdoutPipe, err := cmd.StdoutPipe()
	require.NoError(t, err)
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf
	require.NoError(t, cmd.Start())

	pc := &processChannel{
		cmd:       cmd,
		stdinPipe: stdinPipe,
		outq:      newFramedStream[[]byte](64),
		in:        newFramedStream[json.RawMessage](64),
		procDone:  make(chan struct{}),
		log:       newScopedLogger("process-test"),
	}
	go pc.runWriter()
	go pc.runReader(stdoutPipe, &stderrBuf)
	return pc
}

func TestProcessChannelWriteRoundTrip(t *testing.T) {
	pc := newCatProcessChannel(t)
	defer pc.close(time.Second)

	require.NoError(t, pc.write(map[string]string{"type": "assistant"}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	line, err := pc.messages().next(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(line), `"type":"assistant"`)
}

func TestProcessChannelEndInputStopsWriter(t *testing.T) {
	pc := newCatProcessChannel(t)
	defer pc.close(time.Second)

	pc.endInput()
	err := pc.write(map[string]string{"type": "user"})
	assert.Error(t, err)
}

func TestProcessChannelCloseIsIdempotent(t *testing.T) {
	pc := newCatProcessChannel(t)
	pc.close(500 * time.Millisecond)
	pc.close(500 * time.Millisecond) // must not panic or double-close stdin

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := pc.waitExit(ctx)
	assert.NoError(t, err)
}

func TestProcessChannelWaitExitReturnsProcessError(t *testing.T) {
	path, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available on PATH")
	}
	cmd := exec.Command(path, "-c", "exit 3")
	stdinPipe, err := cmd.StdinPipe()
	require.NoError(t, err)
	stdoutPipe, err := cmd.StdoutPipe()
	require.NoError(t, err)
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf
	require.NoError(t, cmd.Start())

	pc := &processChannel{
		cmd:       cmd,
		stdinPipe: stdinPipe,
		outq:      newFramedStream[[]byte](8),
		in:        newFramedStream[json.RawMessage](8),
		procDone:  make(chan struct{}),
		log:       newScopedLogger("process-test"),
	}
	go pc.runWriter()
	go pc.runReader(stdoutPipe, &stderrBuf)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	waitErr := pc.waitExit(ctx)
	require.Error(t, waitErr)
	var pErr *ProcessError
	require.ErrorAs(t, waitErr, &pErr)
	assert.Equal(t, 3, pErr.ExitCode)
}

func TestBuildEnvStripsAndOverridesEntrypointVars(t *testing.T) {
	t.Setenv("QWEN_CODE_ENTRYPOINT", "something-stale")
	t.Setenv("MAX_THINKING_TOKENS", "999")
	t.Setenv("PYTHONUNBUFFERED", "0")

	o := defaultOptions()
	o.Thinking = ThinkingDisabled
	env := buildEnv(o)

	assertHasExactly(t, env, "QWEN_CODE_ENTRYPOINT=sdk-go")
	assertHasExactly(t, env, "MAX_THINKING_TOKENS=0")
	assertHasExactly(t, env, "PYTHONUNBUFFERED=1")
	assertNotContainsPrefix(t, env, "QWEN_CODE_ENTRYPOINT=something-stale")
	assertNotContainsPrefix(t, env, "PYTHONUNBUFFERED=0")
}

func TestBuildEnvMergesCallerEnvLast(t *testing.T) {
	o := defaultOptions()
	o.Env = map[string]string{"FOO": "bar"}
	env := buildEnv(o)
	assertHasExactly(t, env, "FOO=bar")
}

func TestBuildEnvCallerOverridesParentVar(t *testing.T) {
	t.Setenv("SOME_SHARED_VAR", "parent-value")
	o := defaultOptions()
	o.Env = map[string]string{"SOME_SHARED_VAR": "child-value"}
	env := buildEnv(o)

	assertHasExactly(t, env, "SOME_SHARED_VAR=child-value")
	assertNotContainsPrefix(t, env, "SOME_SHARED_VAR=parent-value")
}

func TestMsToDuration(t *testing.T) {
	assert.Equal(t, time.Duration(0), msToDuration(0))
	assert.Equal(t, time.Duration(0), msToDuration(-5))
	assert.Equal(t, 250*time.Millisecond, msToDuration(250))
}

func assertHasExactly(t *testing.T, env []string, want string) {
	t.Helper()
	for _, e := range env {
		if e == want {
			return
		}
	}
	t.Fatalf("expected env to contain %q, got %v", want, env)
}

func assertNotContainsPrefix(t *testing.T, env []string, want string) {
	t.Helper()
	for _, e := range env {
		if strings.HasPrefix(e, want) {
			t.Fatalf("expected env NOT to contain %q, got %v", want, env)
		}
	}
}
