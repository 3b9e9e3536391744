// Package supervisor spawns, monitors, and restarts the Core subprocess
// and selects the IPC transport.
//
// Transport priority: explicit config > ARBITER_IPC_TRANSPORT > stdio.
//
//	stdio  — child stdout ↔ parent stdin via pipes; stderr is a side
//	         band, forwarded line-by-line into the parent log.
//	socket — a Unix domain socket in a per-spawn temp directory, path
//	         exported in the child environment; the child connects back
//	         within a bounded timeout.
//	tcp    — loopback, port 0 (OS-assigned); host/port in the child
//	         environment. Selected automatically when the socket listen
//	         fails with the EPERM errno family.
//
// After the child connects, the listener stops accepting but is not
// awaited for full close — that would deadlock on the live connection.
//
// Restart policy: one restart at a time, capped by a sliding window
// (default 5 per 60 s); past the cap the restart-limit callback fires
// and further restarts are refused.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/arbiterd/arbiter/internal/config"
	"github.com/arbiterd/arbiter/internal/ipc"
	"github.com/arbiterd/arbiter/internal/observability"
)

// ErrRestartLimit refuses restarts past the sliding-window cap.
var ErrRestartLimit = errors.New("supervisor: restart limit reached")

// ErrRestartInProgress refuses overlapping restarts.
var ErrRestartInProgress = errors.New("supervisor: restart already in progress")

// Callbacks observe child lifecycle events. All may be nil.
type Callbacks struct {
	// OnCrash fires when the child exits without KillCore, with its exit
	// code (non-zero, or -1 when unknown).
	OnCrash func(exitCode int)

	// OnHang fires after N consecutive missed heartbeats.
	OnHang func()

	// OnRestartLimit fires when RestartCore hits the window cap.
	OnRestartLimit func()
}

// Binder receives each freshly spawned protocol so the owner can register
// its handlers before dispatch starts.
type Binder func(p *ipc.Protocol)

// child bundles the running Core and its plumbing.
type child struct {
	cmd      *exec.Cmd
	proto    *ipc.Protocol
	health   *HealthChecker
	tempDir  string
	waitDone chan struct{}
	exitCode int
	killed   bool // set before an intentional kill
	mu       sync.Mutex
}

// Supervisor owns the Core subprocess.
type Supervisor struct {
	cfg     config.SupervisorConfig
	ipcCfg  config.IPCConfig
	metrics *observability.SchedulerMetrics
	log     *zap.Logger
	cb      Callbacks
	binder  Binder

	mu           sync.Mutex
	current      *child
	restarting   bool
	restartTimes []time.Time
	limitHit     bool
}

// New creates a Supervisor. metrics may be nil.
func New(cfg config.SupervisorConfig, ipcCfg config.IPCConfig, metrics *observability.SchedulerMetrics, cb Callbacks, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{cfg: cfg, ipcCfg: ipcCfg, metrics: metrics, cb: cb, log: log}
}

// SetBinder registers the protocol binder invoked on every spawn.
func (s *Supervisor) SetBinder(b Binder) { s.binder = b }

// Protocol returns the current child's protocol, or nil.
func (s *Supervisor) Protocol() *ipc.Protocol {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.proto
}

// SpawnCore starts the Core, binds the IPC protocol, and starts health
// checks. Returns the bound protocol.
func (s *Supervisor) SpawnCore(ctx context.Context) (*ipc.Protocol, error) {
	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		return nil, errors.New("supervisor: core already running")
	}
	s.mu.Unlock()

	c, err := s.spawn(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.current = c
	s.mu.Unlock()
	return c.proto, nil
}

// RestartCore kills any running Core and spawns a fresh one, guarded by
// the in-progress flag and the sliding-window cap.
func (s *Supervisor) RestartCore(ctx context.Context) (*ipc.Protocol, error) {
	s.mu.Lock()
	if s.restarting {
		s.mu.Unlock()
		return nil, ErrRestartInProgress
	}
	if s.limitHit {
		s.mu.Unlock()
		return nil, ErrRestartLimit
	}
	now := time.Now()
	cutoff := now.Add(-s.cfg.RestartWindow)
	kept := s.restartTimes[:0]
	for _, t := range s.restartTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restartTimes = kept
	if len(s.restartTimes) >= s.cfg.MaxRestarts {
		s.limitHit = true
		s.mu.Unlock()
		s.log.Error("core restart limit reached",
			zap.Int("max", s.cfg.MaxRestarts),
			zap.Duration("window", s.cfg.RestartWindow))
		if s.cb.OnRestartLimit != nil {
			s.cb.OnRestartLimit()
		}
		return nil, ErrRestartLimit
	}
	s.restartTimes = append(s.restartTimes, now)
	s.restarting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.restarting = false
		s.mu.Unlock()
	}()

	if err := s.KillCore(ctx); err != nil {
		s.log.Warn("kill before restart failed", zap.Error(err))
	}

	c, err := s.spawn(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.current = c
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.CoreRestartsTotal.Inc()
	}
	s.log.Info("core restarted")
	return c.proto, nil
}

// KillCore stops health checks and the protocol, SIGTERMs the child,
// escalates to SIGKILL after the grace period, and cleans up socket
// artifacts. No-op when nothing is running.
func (s *Supervisor) KillCore(ctx context.Context) error {
	s.mu.Lock()
	c := s.current
	s.current = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	c.mu.Lock()
	c.killed = true
	c.mu.Unlock()

	if c.health != nil {
		c.health.Stop()
	}
	c.proto.Stop()

	if c.cmd.Process != nil {
		_ = c.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-c.waitDone:
		case <-time.After(s.cfg.GracefulShutdown):
			s.log.Warn("core ignored SIGTERM, sending SIGKILL")
			_ = c.cmd.Process.Kill()
			<-c.waitDone
		case <-ctx.Done():
			_ = c.cmd.Process.Kill()
			<-c.waitDone
		}
	}

	if c.tempDir != "" {
		_ = os.RemoveAll(c.tempDir)
	}
	s.log.Info("core stopped", zap.Int("exit_code", c.exitCode))
	return nil
}

// ─── Spawning ─────────────────────────────────────────────────────────────────

// spawn starts one child and wires its transport.
func (s *Supervisor) spawn(ctx context.Context) (*child, error) {
	transport := s.ipcCfg.Transport
	if transport == "" {
		transport = os.Getenv(config.EnvTransport)
	}
	if transport == "" {
		transport = config.TransportStdio
	}

	name, args := resolveEntrypoint(s.cfg.Entrypoint)
	cmd := exec.Command(name, args...)
	cmd.Env = os.Environ()

	c := &child{cmd: cmd, waitDone: make(chan struct{})}

	var t *ipc.Transport
	var err error
	switch transport {
	case config.TransportStdio:
		t, err = s.wireStdio(c)
	case config.TransportSocket, config.TransportTCP:
		t, err = s.wireSocket(c, transport == config.TransportTCP)
	default:
		return nil, fmt.Errorf("supervisor: unknown transport %q", transport)
	}
	if err != nil {
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		if c.tempDir != "" {
			_ = os.RemoveAll(c.tempDir)
		}
		return nil, err
	}

	proto := ipc.NewProtocol(t, ipc.ProtocolOptions{
		Logger:         s.log.Named("ipc"),
		RequestTimeout: s.ipcCfg.RequestTimeout,
		OnDisconnect: func(err error) {
			s.log.Warn("core ipc disconnected", zap.Error(err))
		},
	})
	c.proto = proto

	if s.binder != nil {
		s.binder(proto)
	}
	proto.Start()

	// Health checks after the protocol is live.
	c.health = NewHealthChecker(proto, s.ipcCfg.HeartbeatInterval, s.ipcCfg.HeartbeatMisses, s.cb.OnHang, s.log)
	c.health.Start()

	go s.monitor(c)

	s.log.Info("core spawned",
		zap.String("transport", transport),
		zap.Int("pid", cmd.Process.Pid))
	return c, nil
}

// wireStdio starts the child with pipe plumbing: child stdout is our
// read side, child stdin our write side, stderr a forwarded side band.
func (s *Supervisor) wireStdio(c *child) (*ipc.Transport, error) {
	stdin, err := c.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stdin pipe: %w", err)
	}
	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	stderr, err := c.cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stderr pipe: %w", err)
	}

	if err := c.cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start %q: %w", c.cmd.Path, err)
	}
	go s.forwardStderr(stderr)

	return ipc.New(stdout, stdin, ipc.Options{
		MaxLineBytes: s.ipcCfg.MaxLineBytes,
		Logger:       s.log.Named("ipc"),
		Trace:        s.ipcCfg.Trace,
		Closer:       multiCloser{stdin, stdout},
	}), nil
}

// multiCloser closes both pipe ends of a stdio child so a pending read
// unblocks when the transport closes.
type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// wireSocket listens on a Unix socket (or loopback TCP when forced or
// when the Unix listen hits the EPERM errno family), exports the address
// into the child environment, starts the child, and waits for it to
// connect back.
func (s *Supervisor) wireSocket(c *child, forceTCP bool) (*ipc.Transport, error) {
	var (
		listener net.Listener
		sockPath string
		err      error
	)

	if !forceTCP {
		c.tempDir, err = os.MkdirTemp("", "arbiter-ipc-*")
		if err != nil {
			return nil, fmt.Errorf("supervisor: temp dir: %w", err)
		}
		sockPath = filepath.Join(c.tempDir, "core.sock")
		listener, err = net.Listen("unix", sockPath)
		if err != nil {
			if !isSocketUnsupported(err) {
				return nil, fmt.Errorf("supervisor: listen %q: %w", sockPath, err)
			}
			s.log.Warn("unix socket unavailable, falling back to tcp", zap.Error(err))
			_ = os.RemoveAll(c.tempDir)
			c.tempDir = ""
			sockPath = ""
		}
	}

	if listener == nil {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("supervisor: tcp listen: %w", err)
		}
	}

	if sockPath != "" {
		c.cmd.Env = append(c.cmd.Env, config.EnvTransport+"="+config.TransportSocket)
		c.cmd.Env = append(c.cmd.Env, config.EnvSocketPath+"="+sockPath)
	} else {
		addr := listener.Addr().(*net.TCPAddr)
		c.cmd.Env = append(c.cmd.Env, config.EnvTransport+"="+config.TransportTCP)
		c.cmd.Env = append(c.cmd.Env, config.EnvSocketHost+"="+addr.IP.String())
		c.cmd.Env = append(c.cmd.Env, fmt.Sprintf("%s=%d", config.EnvSocketPort, addr.Port))
	}

	stderr, err := c.cmd.StderrPipe()
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("supervisor: stderr pipe: %w", err)
	}
	if err := c.cmd.Start(); err != nil {
		listener.Close()
		return nil, fmt.Errorf("supervisor: start %q: %w", c.cmd.Path, err)
	}
	go s.forwardStderr(stderr)

	conn, err := acceptWithTimeout(listener, s.cfg.ConnectTimeout)
	// Stop accepting; the accepted connection stays live. Full close is
	// not awaited — it would block on that connection.
	listener.Close()
	if err != nil {
		return nil, fmt.Errorf("supervisor: core did not connect: %w", err)
	}

	return ipc.NewConn(conn, ipc.Options{
		MaxLineBytes: s.ipcCfg.MaxLineBytes,
		Logger:       s.log.Named("ipc"),
		Trace:        s.ipcCfg.Trace,
	}), nil
}

// monitor waits for the child to exit and reports crashes.
func (s *Supervisor) monitor(c *child) {
	err := c.cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	c.mu.Lock()
	c.exitCode = code
	killed := c.killed
	c.mu.Unlock()
	close(c.waitDone)

	if killed {
		return
	}
	s.log.Error("core exited unexpectedly", zap.Int("exit_code", code))
	if code != 0 && s.cb.OnCrash != nil {
		s.cb.OnCrash(code)
	}
}

// forwardStderr relays the child's stderr line by line into the parent
// log, preserving the side band on every transport.
func (s *Supervisor) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.log.Info("core stderr", zap.String("line", scanner.Text()))
	}
}

// acceptWithTimeout accepts one connection within the timeout.
func acceptWithTimeout(l net.Listener, timeout time.Duration) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.Accept()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("accept timeout after %s", timeout)
	}
}

// resolveEntrypoint maps a script path to its interpreter; anything else
// executes directly.
func resolveEntrypoint(entrypoint string) (string, []string) {
	switch strings.ToLower(filepath.Ext(entrypoint)) {
	case ".js":
		return "node", []string{entrypoint}
	case ".ts":
		return "bun", []string{entrypoint}
	case ".sh":
		return "sh", []string{entrypoint}
	default:
		return entrypoint, nil
	}
}

// fallbackErrnos is the errno family that warrants transparent TCP
// fallback after a failed Unix socket listen. ENOTSUP and EOPNOTSUPP
// share a value on Linux; the slice keeps the set portable.
var fallbackErrnos = []syscall.Errno{
	unix.EPERM, unix.EACCES, unix.ENOTSUP, unix.EOPNOTSUPP,
	unix.EAFNOSUPPORT, unix.EPROTONOSUPPORT, unix.ENOSYS,
	unix.EINVAL, unix.ENAMETOOLONG,
}

// isSocketUnsupported reports whether a Unix socket listen error belongs
// to the fallback errno family.
func isSocketUnsupported(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	for _, candidate := range fallbackErrnos {
		if errno == candidate {
			return true
		}
	}
	return false
}
