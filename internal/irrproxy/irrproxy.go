// Package irrproxy is the IRR proxy manager (C6): optional named SSH
// local-port forwards through a jump host, giving bgpq4 a loopback address
// to reach IRR servers that are only reachable from the jump host's
// network (spec.md §4.6).
package irrproxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/otto-bgp/control-plane/internal/errkind"
	"github.com/otto-bgp/control-plane/internal/hostkeys"
)

// State is a tunnel's connection lifecycle state.
type State int

const (
	Down State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "down"
	}
}

// Spec describes one desired local-forward tunnel.
type Spec struct {
	Name       string
	LocalPort  int
	RemoteHost string
	RemotePort int
}

// LocalAddr returns the loopback address bgpq4 should be pointed at to
// route through this tunnel (spec.md §4.6).
func (s Spec) LocalAddr() string { return fmt.Sprintf("127.0.0.1:%d", s.LocalPort) }

type tunnel struct {
	spec     Spec
	state    State
	listener net.Listener
	cancel   context.CancelFunc
}

// Manager owns a set of named tunnels through one jump host. TeardownAll
// closes every tunnel; registering it with a resource registry makes it
// run on abnormal program termination too.
type Manager struct {
	log      *zap.Logger
	store    *hostkeys.Store
	jumpHost string
	username string
	auth     ssh.AuthMethod

	mu      sync.Mutex
	client  *ssh.Client
	tunnels map[string]*tunnel
}

// New constructs a Manager. Call EstablishAll to connect.
func New(log *zap.Logger, store *hostkeys.Store, jumpHost, username string, auth ssh.AuthMethod, specs []Spec) *Manager {
	tunnels := make(map[string]*tunnel, len(specs))
	for _, s := range specs {
		tunnels[s.Name] = &tunnel{spec: s, state: Down}
	}
	return &Manager{log: log, store: store, jumpHost: jumpHost, username: username, auth: auth, tunnels: tunnels}
}

// EstablishAll dials the jump host once and opens every configured tunnel.
func (m *Manager) EstablishAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		config := &ssh.ClientConfig{
			User:            m.username,
			Auth:            []ssh.AuthMethod{m.auth},
			HostKeyCallback: m.store.HostKeyCallback(),
			Timeout:         10 * time.Second,
		}
		client, err := ssh.Dial("tcp", m.jumpHost, config)
		if err != nil {
			return errkind.New(errkind.Connection, "irrproxy.EstablishAll", fmt.Errorf("dialing jump host %s: %w", m.jumpHost, err))
		}
		m.client = client
	}

	var firstErr error
	for name, t := range m.tunnels {
		if t.state == Connected {
			continue
		}
		if err := m.establish(ctx, t); err != nil {
			m.log.Warn("failed to establish IRR tunnel", zap.String("tunnel", name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Manager) establish(ctx context.Context, t *tunnel) error {
	t.state = Connecting

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", t.spec.LocalPort))
	if err != nil {
		t.state = Failed
		return errkind.New(errkind.Connection, "irrproxy.establish", fmt.Errorf("%s: listening on local port: %w", t.spec.Name, err))
	}

	tunnelCtx, cancel := context.WithCancel(ctx)
	t.listener = listener
	t.cancel = cancel
	t.state = Connected

	go m.serve(tunnelCtx, t, listener)
	return nil
}

func (m *Manager) serve(ctx context.Context, t *tunnel, listener net.Listener) {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		localConn, err := listener.Accept()
		if err != nil {
			return
		}
		go m.forward(t, localConn)
	}
}

func (m *Manager) forward(t *tunnel, localConn net.Conn) {
	defer localConn.Close()

	remoteAddr := fmt.Sprintf("%s:%d", t.spec.RemoteHost, t.spec.RemotePort)
	remoteConn, err := m.client.Dial("tcp", remoteAddr)
	if err != nil {
		m.log.Warn("IRR tunnel remote dial failed", zap.String("tunnel", t.spec.Name), zap.Error(err))
		return
	}
	defer remoteConn.Close()

	done := make(chan struct{}, 2)
	go func() { pipe(localConn, remoteConn); done <- struct{}{} }()
	go func() { pipe(remoteConn, localConn); done <- struct{}{} }()
	<-done
}

func pipe(dst, src net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// TestConnectivity probes a tunnel's local loopback port. A tunnel is
// considered connected only when the TCP probe succeeds (spec.md §4.6).
func (m *Manager) TestConnectivity(name string) bool {
	m.mu.Lock()
	t, ok := m.tunnels[name]
	m.mu.Unlock()
	if !ok || t.state != Connected {
		return false
	}

	conn, err := net.DialTimeout("tcp", t.spec.LocalAddr(), 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// StateOf returns the current state of a named tunnel.
func (m *Manager) StateOf(name string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tunnels[name]; ok {
		return t.state
	}
	return Down
}

// TeardownAll closes every tunnel listener and the jump-host connection.
// Safe to call multiple times and guaranteed to run on orchestrator exit.
func (m *Manager) TeardownAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tunnels {
		if t.cancel != nil {
			t.cancel()
		}
		if t.listener != nil {
			t.listener.Close()
		}
		t.state = Down
	}
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
}
