// Supervisor tests with stub children (shell scripts standing in for the
// Core): spawn over stdio, crash callbacks with exit codes, the graceful
// kill path, and the sliding-window restart cap.

package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arbiterd/arbiter/internal/config"
	"github.com/arbiterd/arbiter/internal/ipc"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "core.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func testSupConfig(entrypoint string) (config.SupervisorConfig, config.IPCConfig) {
	sup := config.SupervisorConfig{
		Entrypoint:       entrypoint,
		ConnectTimeout:   2 * time.Second,
		MaxRestarts:      2,
		RestartWindow:    time.Minute,
		GracefulShutdown: 200 * time.Millisecond,
	}
	ipcCfg := config.IPCConfig{
		MaxLineBytes:      1 << 20,
		RequestTimeout:    time.Second,
		HeartbeatInterval: time.Hour, // health quiet during these tests
		HeartbeatMisses:   3,
	}
	return sup, ipcCfg
}

func TestSupervisor_SpawnAndKill(t *testing.T) {
	// A child that ignores nothing: sleeps until SIGTERM.
	script := writeScript(t, "sleep 30")
	supCfg, ipcCfg := testSupConfig(script)
	s := New(supCfg, ipcCfg, nil, Callbacks{}, zap.NewNop())

	proto, err := s.SpawnCore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, proto)
	assert.Same(t, proto, s.Protocol())

	// Double spawn refused while running.
	_, err = s.SpawnCore(context.Background())
	require.Error(t, err)

	require.NoError(t, s.KillCore(context.Background()))
	assert.Nil(t, s.Protocol())

	// KillCore with nothing running is a no-op.
	require.NoError(t, s.KillCore(context.Background()))
}

func TestSupervisor_CrashCallback(t *testing.T) {
	script := writeScript(t, "exit 3")
	supCfg, ipcCfg := testSupConfig(script)

	var exitCode atomic.Int64
	crashed := make(chan struct{}, 1)
	s := New(supCfg, ipcCfg, nil, Callbacks{
		OnCrash: func(code int) {
			exitCode.Store(int64(code))
			crashed <- struct{}{}
		},
	}, zap.NewNop())

	_, err := s.SpawnCore(context.Background())
	require.NoError(t, err)

	select {
	case <-crashed:
		assert.Equal(t, int64(3), exitCode.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("crash callback never fired")
	}

	require.NoError(t, s.KillCore(context.Background()))
}

func TestSupervisor_KillDoesNotReportCrash(t *testing.T) {
	script := writeScript(t, "sleep 30")
	supCfg, ipcCfg := testSupConfig(script)

	var crashes atomic.Int64
	s := New(supCfg, ipcCfg, nil, Callbacks{
		OnCrash: func(int) { crashes.Add(1) },
	}, zap.NewNop())

	_, err := s.SpawnCore(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.KillCore(context.Background()))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(0), crashes.Load(), "intentional kill is not a crash")
}

func TestSupervisor_RestartCap(t *testing.T) {
	script := writeScript(t, "sleep 30")
	supCfg, ipcCfg := testSupConfig(script) // MaxRestarts = 2

	limitHit := make(chan struct{}, 1)
	s := New(supCfg, ipcCfg, nil, Callbacks{
		OnRestartLimit: func() { limitHit <- struct{}{} },
	}, zap.NewNop())

	_, err := s.SpawnCore(context.Background())
	require.NoError(t, err)

	for i := 0; i < supCfg.MaxRestarts; i++ {
		_, err = s.RestartCore(context.Background())
		require.NoError(t, err, "restart %d within the window cap", i)
	}

	_, err = s.RestartCore(context.Background())
	require.ErrorIs(t, err, ErrRestartLimit)
	select {
	case <-limitHit:
	case <-time.After(time.Second):
		t.Fatal("restart limit callback never fired")
	}

	// The cap latches: later restarts are refused outright.
	_, err = s.RestartCore(context.Background())
	require.ErrorIs(t, err, ErrRestartLimit)

	require.NoError(t, s.KillCore(context.Background()))
}

func TestSupervisor_BinderRunsPerSpawn(t *testing.T) {
	script := writeScript(t, "sleep 30")
	supCfg, ipcCfg := testSupConfig(script)
	s := New(supCfg, ipcCfg, nil, Callbacks{}, zap.NewNop())

	var binds atomic.Int64
	s.SetBinder(func(p *ipc.Protocol) {
		require.NotNil(t, p)
		binds.Add(1)
	})

	_, err := s.SpawnCore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), binds.Load())

	_, err = s.RestartCore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), binds.Load(), "handlers rebound on every spawn")

	require.NoError(t, s.KillCore(context.Background()))
}

func TestResolveEntrypoint(t *testing.T) {
	name, args := resolveEntrypoint("/opt/core/main.js")
	assert.Equal(t, "node", name)
	assert.Equal(t, []string{"/opt/core/main.js"}, args)

	name, args = resolveEntrypoint("run.sh")
	assert.Equal(t, "sh", name)
	assert.Equal(t, []string{"run.sh"}, args)

	name, args = resolveEntrypoint("arbiter-core")
	assert.Equal(t, "arbiter-core", name)
	assert.Nil(t, args)
}

func TestIsSocketUnsupported(t *testing.T) {
	assert.False(t, isSocketUnsupported(os.ErrNotExist))
	assert.False(t, isSocketUnsupported(nil))
	for _, errno := range fallbackErrnos {
		assert.True(t, isSocketUnsupported(&os.SyscallError{Syscall: "listen", Err: errno}))
	}
}
