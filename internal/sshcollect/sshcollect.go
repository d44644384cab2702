// Package sshcollect is the SSH collector (C2): a bounded worker pool that
// runs read-only show commands against a fleet of routers and returns
// per-device results in input order, with per-device failures captured
// rather than propagated (spec.md §4.2).
package sshcollect

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/otto-bgp/control-plane/internal/errkind"
	"github.com/otto-bgp/control-plane/internal/hostkeys"
	"github.com/otto-bgp/control-plane/internal/model"
)

// CommandFull is the full BGP protocol configuration show command, used by
// the inspector (C3) to extract AS numbers and group membership.
const CommandFull = "show configuration protocols bgp"

// CommandFiltered is the legacy filtered peer-AS extraction command.
const CommandFiltered = "show configuration protocols bgp group CUSTOMERS | match peer-as"

// Result is one device's collection outcome.
type Result struct {
	Device  model.Device
	Text    string
	Success bool
	Err     error
}

// Dialer opens an authenticated SSH client connection to a device. Split
// out as an interface so tests can substitute a fake without a real
// network dial.
type Dialer interface {
	Dial(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error)
}

// netDialer is the production Dialer, dialing real TCP/SSH connections.
type netDialer struct{}

func (netDialer) Dial(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Collector runs bounded-concurrency SSH collection against a device list.
type Collector struct {
	log        *zap.Logger
	store      *hostkeys.Store
	dialer     Dialer
	maxWorkers int
	connectTO  time.Duration
	commandTO  time.Duration
	authMethod ssh.AuthMethod
	username   string
}

// Option configures a Collector.
type Option func(*Collector)

// WithDialer overrides the Dialer, primarily for tests.
func WithDialer(d Dialer) Option { return func(c *Collector) { c.dialer = d } }

// WithTimeouts overrides the connect/command timeouts (defaults 30s/60s).
func WithTimeouts(connect, command time.Duration) Option {
	return func(c *Collector) { c.connectTO = connect; c.commandTO = command }
}

// New builds a Collector. maxWorkers is clamped to [1, len(devices)] at
// collection time, per spec.md §4.2.
func New(log *zap.Logger, store *hostkeys.Store, username string, auth ssh.AuthMethod, maxWorkers int, opts ...Option) *Collector {
	c := &Collector{
		log:        log,
		store:      store,
		dialer:     netDialer{},
		maxWorkers: maxWorkers,
		connectTO:  30 * time.Second,
		commandTO:  60 * time.Second,
		authMethod: auth,
		username:   username,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect runs command against every device in devices, in order, using a
// bounded worker pool. Cancellation via ctx is cooperative: in-flight
// connections are closed and remaining work abandoned.
func (c *Collector) Collect(ctx context.Context, devices []model.Device, command string) []Result {
	workers := c.maxWorkers
	if workers < 1 {
		workers = 1
	}
	if workers > len(devices) {
		workers = len(devices)
	}
	if workers == 0 {
		return nil
	}

	results := make([]Result, len(devices))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range devices {
		idx := i
		g.Go(func() error {
			results[idx] = c.collectOne(gctx, devices[idx], command)
			return nil
		})
	}
	// Per-device failures are captured in results, never propagated, so
	// g.Wait's error is always nil here (collectOne never returns an error).
	_ = g.Wait()

	return results
}

func (c *Collector) collectOne(ctx context.Context, device model.Device, command string) Result {
	select {
	case <-ctx.Done():
		return Result{Device: device, Err: errkind.New(errkind.Connection, "sshcollect.Collect", ctx.Err())}
	default:
	}

	config := &ssh.ClientConfig{
		User:            c.username,
		Auth:            []ssh.AuthMethod{c.authMethod},
		HostKeyCallback: c.store.HostKeyCallback(),
		Timeout:         c.connectTO,
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.connectTO)
	defer cancel()

	client, err := c.dialer.Dial(connectCtx, device.Address+":22", config)
	if err != nil {
		return Result{Device: device, Err: errkind.New(errkind.Connection, "sshcollect.Dial", fmt.Errorf("%s: %w", device.Hostname, err))}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{Device: device, Err: errkind.New(errkind.Connection, "sshcollect.NewSession", fmt.Errorf("%s: %w", device.Hostname, err))}
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out

	cmdDone := make(chan error, 1)
	go func() { cmdDone <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Close()
		client.Close()
		return Result{Device: device, Err: errkind.New(errkind.Connection, "sshcollect.Collect", fmt.Errorf("%s: %w", device.Hostname, ctx.Err()))}
	case <-time.After(c.commandTO):
		session.Close()
		client.Close()
		return Result{Device: device, Err: errkind.New(errkind.Timeout, "sshcollect.Collect", fmt.Errorf("%s: command timed out after %s", device.Hostname, c.commandTO))}
	case err := <-cmdDone:
		if err != nil {
			return Result{Device: device, Err: errkind.New(errkind.Connection, "sshcollect.Run", fmt.Errorf("%s: %w", device.Hostname, err))}
		}
		return Result{Device: device, Text: out.String(), Success: true}
	}
}
