// Package netconfapply is the NETCONF applier (C12): it connects to a
// router, locks the candidate datastore, loads a merge candidate, diffs it
// against the running configuration, issues a confirmed commit with a
// rollback-on-timeout window, and disconnects — releasing the lock on
// every exit path (spec.md §4.12).
package netconfapply

import (
	"context"
	"fmt"
	"time"

	"github.com/Juniper/go-netconf/netconf"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/otto-bgp/control-plane/internal/errkind"
)

// Step names the NETCONF lifecycle stage an error occurred at (spec.md §4.12).
type Step string

const (
	StepConnect        Step = "Connect"
	StepLock           Step = "Lock"
	StepLoad           Step = "Load"
	StepDiff           Step = "Diff"
	StepCommit         Step = "Commit"
	StepConfirmTimeout Step = "ConfirmTimeout"
	StepTransport      Step = "Transport"
)

// DiffFormat selects the candidate/running comparison output form.
type DiffFormat string

const (
	DiffText DiffFormat = "text"
	DiffSet  DiffFormat = "set"
	DiffXML  DiffFormat = "xml"
)

// Options configure one Apply session.
type Options struct {
	Port           int
	ConnectTimeout time.Duration
	ConfirmTimeout time.Duration // default 120s (spec.md §4.12)
	DiffFormat     DiffFormat
}

// DefaultOptions returns spec.md §4.12's default timeouts.
func DefaultOptions() Options {
	return Options{Port: 830, ConnectTimeout: 30 * time.Second, ConfirmTimeout: 120 * time.Second, DiffFormat: DiffText}
}

// Applier drives one router's NETCONF session lifecycle.
type Applier struct {
	log  *zap.Logger
	opts Options
}

// New constructs an Applier.
func New(log *zap.Logger, opts Options) *Applier {
	if opts.ConfirmTimeout == 0 {
		opts.ConfirmTimeout = 120 * time.Second
	}
	if opts.Port == 0 {
		opts.Port = 830
	}
	return &Applier{log: log, opts: opts}
}

// Result is the outcome of one Apply call, including the diff text shown
// to the operator for review.
type Result struct {
	Committed bool
	Diff      string
	RolledBack bool
}

// Apply runs the full lifecycle: connect, lock, load, diff, confirmed
// commit, confirm, unlock, disconnect. On any failure after the lock is
// acquired, the lock is released and, if a commit was issued, a rollback is
// attempted before returning (spec.md §4.12, testable property 7).
func (a *Applier) Apply(ctx context.Context, host, username string, auth ssh.AuthMethod, hostKeyCallback ssh.HostKeyCallback, candidateConfig string) (Result, error) {
	sess, err := a.connect(ctx, host, username, auth, hostKeyCallback)
	if err != nil {
		return Result{}, errkind.New(errkind.Connection, "netconfapply.Apply", fmt.Errorf("%s: %w", StepConnect, err))
	}
	defer sess.Close()

	if err := a.lock(sess); err != nil {
		return Result{}, errkind.New(errkind.Connection, "netconfapply.Apply", fmt.Errorf("%s: %w", StepLock, err))
	}
	defer a.unlock(sess)

	if err := a.load(sess, candidateConfig); err != nil {
		a.rollbackBestEffort(sess, false)
		return Result{}, errkind.New(errkind.Connection, "netconfapply.Apply", fmt.Errorf("%s: %w", StepLoad, err))
	}

	diff, err := a.diff(sess)
	if err != nil {
		a.rollbackBestEffort(sess, false)
		return Result{}, errkind.New(errkind.Connection, "netconfapply.Apply", fmt.Errorf("%s: %w", StepDiff, err))
	}

	committed, err := a.commitConfirmed(sess)
	if err != nil {
		a.rollbackBestEffort(sess, committed)
		return Result{Diff: diff}, errkind.New(errkind.Connection, "netconfapply.Apply", fmt.Errorf("%s: %w", StepCommit, err))
	}

	confirmCtx, cancel := context.WithTimeout(ctx, a.opts.ConfirmTimeout)
	defer cancel()
	if err := a.confirm(confirmCtx, sess); err != nil {
		rolledBack := a.rollbackBestEffort(sess, true)
		return Result{Diff: diff, RolledBack: rolledBack}, errkind.New(errkind.Timeout, "netconfapply.Apply", fmt.Errorf("%s: %w", StepConfirmTimeout, err))
	}

	return Result{Committed: true, Diff: diff}, nil
}

func (a *Applier) connect(ctx context.Context, host, username string, auth ssh.AuthMethod, hostKeyCallback ssh.HostKeyCallback) (*netconf.Session, error) {
	config := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeyCallback,
		Timeout:         a.opts.ConnectTimeout,
	}
	target := fmt.Sprintf("%s:%d", host, a.opts.Port)
	sess, err := netconf.DialSSH(target, config)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (a *Applier) lock(sess *netconf.Session) error {
	_, err := sess.Exec(netconf.RawMethod(`<lock><target><candidate/></target></lock>`))
	return err
}

func (a *Applier) unlock(sess *netconf.Session) {
	if _, err := sess.Exec(netconf.RawMethod(`<unlock><target><candidate/></target></unlock>`)); err != nil {
		if a.log != nil {
			a.log.Warn("failed to release NETCONF lock", zap.Error(err))
		}
	}
}

func (a *Applier) load(sess *netconf.Session, candidateConfig string) error {
	rpc := fmt.Sprintf(`<load-configuration action="merge" format="text"><configuration-text>%s</configuration-text></load-configuration>`, candidateConfig)
	_, err := sess.Exec(netconf.RawMethod(rpc))
	return err
}

func (a *Applier) diff(sess *netconf.Session) (string, error) {
	format := a.opts.DiffFormat
	if format == "" {
		format = DiffText
	}
	rpc := fmt.Sprintf(`<get-configuration compare="rollback" rollback="0" format="%s"/>`, format)
	reply, err := sess.Exec(netconf.RawMethod(rpc))
	if err != nil {
		return "", err
	}
	return reply.Data, nil
}

// commitConfirmed issues a Juniper confirmed-commit; reports whether the
// commit RPC itself was accepted (independent of the later Confirm step).
func (a *Applier) commitConfirmed(sess *netconf.Session) (bool, error) {
	secs := int(a.opts.ConfirmTimeout.Seconds())
	rpc := fmt.Sprintf(`<commit-configuration><confirmed/><confirm-timeout>%d</confirm-timeout></commit-configuration>`, secs)
	_, err := sess.Exec(netconf.RawMethod(rpc))
	if err != nil {
		return false, err
	}
	return true, nil
}

// confirm issues the follow-up commit that cancels the device's pending
// auto-rollback. If ctx expires first, the device rolls back on its own and
// this reports a timeout error (spec.md §4.12, testable property 7, S6).
func (a *Applier) confirm(ctx context.Context, sess *netconf.Session) error {
	done := make(chan error, 1)
	go func() {
		_, err := sess.Exec(netconf.RawMethod(`<commit-configuration/>`))
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("confirm not received within window: %w", ctx.Err())
	}
}

// rollbackBestEffort loads rollback 1 (the configuration committed before
// this change) when a commit was issued, or discards the loaded candidate
// otherwise. It never panics: a
// rollback failure is logged, not propagated, so the caller's original
// error is preserved (spec.md §7 "NETCONF commits that fail... surface
// both the primary and rollback errors" — logged here, returned as a bool).
func (a *Applier) rollbackBestEffort(sess *netconf.Session, commitIssued bool) bool {
	rpc := `<discard-changes/>`
	if commitIssued {
		rpc = `<load-configuration rollback="1"/>`
	}
	if _, err := sess.Exec(netconf.RawMethod(rpc)); err != nil {
		if a.log != nil {
			a.log.Error("rollback failed", zap.Error(err), zap.Bool("commit_issued", commitIssued))
		}
		return false
	}
	return true
}
