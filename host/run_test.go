//go:build unix

package host

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Blackrose-blackhat/run-state/internal/config"
	"github.com/Blackrose-blackhat/run-state/internal/proc"
	"github.com/Blackrose-blackhat/run-state/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

type runningHost struct {
	url  string
	errs chan error
}

// startHost runs the host on an ephemeral port with the given engine script.
func startHost(t *testing.T, ctx context.Context, engine string, privileged bool, escalation string) *runningHost {
	t.Helper()
	cfg := config.Default()
	cfg.Engine.Privileged = privileged
	cfg.Engine.Escalation = escalation
	cfg.Engine.StartupTimeout = 20 * time.Second
	cfg.Engine.ShutdownGrace = 500 * time.Millisecond

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	h := &runningHost{url: "http://" + l.Addr().String(), errs: make(chan error, 1)}
	go func() { h.errs <- Run(ctx, cfg, engine, l, zaptest.NewLogger(t)) }()
	return h
}

func (h *runningHost) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.errs:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("host did not return")
		return nil
	}
}

func (h *runningHost) status(t *testing.T) supervisor.Status {
	var st supervisor.Status
	getJSON(t, h.url+"/engine/status", &st)
	return st
}

func TestRunServesBeforeHandshake(t *testing.T) {
	engine := writeScript(t, "engine", "exec sleep 1000")
	h := startHost(t, context.Background(), engine, false, "")

	var resp PortResponse
	assert.Equal(t, http.StatusOK, getJSON(t, h.url+"/engine/port", &resp))
	assert.Nil(t, resp.Port)

	var st supervisor.Status
	require.Eventually(t, func() bool {
		st = h.status(t)
		return st.Phase == supervisor.PhaseRunning
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, proc.IsRunning(st.PID))

	code, body := post(t, h.url+"/lifecycle/close", "")
	assert.Equal(t, http.StatusAccepted, code)
	assert.JSONEq(t, `{"reaped":true}`, body)

	require.NoError(t, h.wait(t))
	assert.False(t, proc.IsRunning(st.PID))
}

func TestRunEngineCrashIsDegraded(t *testing.T) {
	engine := writeScript(t, "engine", "echo 'bad rules file' >&2\nexit 0")
	h := startHost(t, context.Background(), engine, false, "")

	require.Eventually(t, func() bool {
		return h.status(t).Phase == supervisor.PhaseTerminated
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, h.status(t).Error, "exited before announcing")

	// the host keeps serving without a port
	select {
	case err := <-h.errs:
		t.Fatalf("host returned after the engine crashed: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	var resp PortResponse
	assert.Equal(t, http.StatusOK, getJSON(t, h.url+"/engine/port", &resp))
	assert.Nil(t, resp.Port)

	code, body := post(t, h.url+"/process/kill", `{"pid":1234}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "not ready")

	code, _ = post(t, h.url+"/lifecycle/close", "")
	assert.Equal(t, http.StatusAccepted, code)
	require.NoError(t, h.wait(t))
}

func TestRunReady(t *testing.T) {
	engine := writeScript(t, "engine", "echo PORT=54321\nexec sleep 1000")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := startHost(t, ctx, engine, false, "")

	var resp PortResponse
	require.Eventually(t, func() bool {
		getJSON(t, h.url+"/engine/port", &resp)
		return resp.Port != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint16(54321), *resp.Port)
	pid := h.status(t).PID

	// a cancelled context is how the binary reports SIGINT and SIGTERM
	cancel()
	require.NoError(t, h.wait(t))
	assert.False(t, proc.IsRunning(pid))
}

func TestRunFatalStartupErrors(t *testing.T) {
	t.Run("engine not found", func(t *testing.T) {
		h := startHost(t, context.Background(), filepath.Join(t.TempDir(), "missing"), false, "")
		assert.ErrorIs(t, h.wait(t), supervisor.ErrEngineNotFound)
	})

	t.Run("escalation declined", func(t *testing.T) {
		engine := writeScript(t, "engine", "echo PORT=1\nexec sleep 1000")
		wrapper := writeScript(t, "pkexec", "exit 126")
		h := startHost(t, context.Background(), engine, true, wrapper)
		assert.ErrorIs(t, h.wait(t), supervisor.ErrEscalationDeclined)
	})

	t.Run("escalation unavailable", func(t *testing.T) {
		engine := writeScript(t, "engine", "echo PORT=1")
		h := startHost(t, context.Background(), engine, true, filepath.Join(t.TempDir(), "pkexec"))
		assert.ErrorIs(t, h.wait(t), supervisor.ErrEscalationUnavailable)
	})
}

func TestRunLifecycleCloseDuringEscalation(t *testing.T) {
	// a wrapper that never exits stands in for an unanswered authentication prompt
	engine := writeScript(t, "engine", "echo PORT=1\nexec sleep 1000")
	wrapper := writeScript(t, "pkexec", "exec sleep 1000")
	h := startHost(t, context.Background(), engine, true, wrapper)

	require.Eventually(t, func() bool {
		return h.status(t).Phase == supervisor.PhaseRunning
	}, 5*time.Second, 10*time.Millisecond)
	pid := h.status(t).PID

	code, body := post(t, h.url+"/lifecycle/close", "")
	assert.Equal(t, http.StatusAccepted, code)
	var closed struct {
		Reaped bool `json:"reaped"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &closed))
	assert.True(t, closed.Reaped)

	require.NoError(t, h.wait(t))
	assert.False(t, proc.IsRunning(pid))
}
