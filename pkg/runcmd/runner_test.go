package runcmd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactEnvMasksSecretLikeKeys(t *testing.T) {
	env := []string{
		"GIT_SSH_COMMAND=ssh -i /tmp/key",
		"API_TOKEN=supersecret",
		"DEPLOY_KEY=xyz",
		"SESSION_COOKIE=abc",
		"PATH=/usr/bin",
		"HOME=/root",
	}
	redacted := RedactEnv(env)
	assert.Equal(t, "GIT_SSH_COMMAND=<redacted>", redacted[0])
	assert.Equal(t, "API_TOKEN=<redacted>", redacted[1])
	assert.Equal(t, "DEPLOY_KEY=<redacted>", redacted[2])
	assert.Equal(t, "SESSION_COOKIE=<redacted>", redacted[3])
	assert.Equal(t, "PATH=/usr/bin", redacted[4])
	assert.Equal(t, "HOME=/root", redacted[5])
}

func TestRunSuccess(t *testing.T) {
	res := Run(context.Background(), Spec{Name: "echo", Args: []string{"hello"}})
	require.Equal(t, OK, res.Kind)
	assert.Contains(t, res.Output, "hello")
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunNonZeroExit(t *testing.T) {
	res := Run(context.Background(), Spec{Name: "sh", Args: []string{"-c", "exit 3"}})
	assert.Equal(t, NonZeroExit, res.Kind)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRunCommandNotFound(t *testing.T) {
	res := Run(context.Background(), Spec{Name: "definitely-not-a-real-binary-xyz"})
	assert.Equal(t, CommandNotFound, res.Kind)
}

func TestRunTimeout(t *testing.T) {
	res := Run(context.Background(), Spec{
		Name:    "sleep",
		Args:    []string{"5"},
		Timeout: 10 * time.Millisecond,
	})
	assert.Equal(t, Timeout, res.Kind)
}

type collectingSink struct {
	mu    sync.Mutex
	lines []Line
	done  *Done
}

func (s *collectingSink) Line(l Line) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, l)
}

func (s *collectingSink) Done(d Done) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = &d
}

func TestRunAsyncStreamsLinesAndSendsDone(t *testing.T) {
	sink := &collectingSink{}
	RunAsync(context.Background(), Spec{Name: "sh", Args: []string{"-c", "echo one; echo two"}}, sink)

	require.NotNil(t, sink.done)
	assert.Equal(t, OK, sink.done.Result.Kind)

	texts := make([]string, 0, len(sink.lines))
	for _, l := range sink.lines {
		texts = append(texts, l.Text)
	}
	assert.Contains(t, texts, "one")
	assert.Contains(t, texts, "two")
}
