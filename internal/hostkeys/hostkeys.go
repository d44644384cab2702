// Package hostkeys is the pre-distributed hostname→public-key store that
// gates every SSH connection the collector and IRR proxy make (spec.md
// §4.1). It is process-wide and single-writer in setup mode, matching the
// "global mutable state" shape spec.md §9 calls out for the host-key
// store, the timeout manager, and the configuration loader.
package hostkeys

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/otto-bgp/control-plane/internal/errkind"
)

// Result is the outcome of verifying an offered key against the store.
type Result int

const (
	// Mismatch means a different key is on record for this hostname.
	Mismatch Result = iota
	// Match means the offered key is the one on record.
	Match
	// Unknown means no key is on record for this hostname.
	Unknown
)

func (r Result) String() string {
	switch r {
	case Match:
		return "match"
	case Unknown:
		return "unknown"
	default:
		return "mismatch"
	}
}

// Store is the process-wide host-key store. Strict mode rejects unknown
// hostnames outright; setup mode records and accepts them once, after
// which any mismatch is still rejected.
type Store struct {
	log   *zap.Logger
	setup bool

	mu   sync.RWMutex
	keys map[string]ssh.PublicKey
}

// New constructs a Store. setupMode selects whether unknown hostnames may
// be learned (true) or are rejected outright (false, "strict").
func New(log *zap.Logger, setupMode bool) *Store {
	return &Store{log: log, setup: setupMode, keys: make(map[string]ssh.PublicKey)}
}

// Seed preloads a known (hostname, key) pair, e.g. from a known_hosts file
// read at startup.
func (s *Store) Seed(hostname string, key ssh.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[hostname] = key
}

// Verify checks an offered key for hostname against the store. In setup
// mode an unknown hostname is learned and treated as a match; in strict
// mode an unknown hostname is always a mismatch handed back to the caller
// as Unknown, which the caller must treat as fatal.
func (s *Store) Verify(hostname string, offered ssh.PublicKey) (Result, error) {
	s.mu.RLock()
	stored, known := s.keys[hostname]
	s.mu.RUnlock()

	if !known {
		if s.setup {
			s.learn(hostname, offered)
			s.log.Info("host key learned in setup mode", zap.String("hostname", hostname),
				zap.String("fingerprint", Fingerprint(offered)))
			return Match, nil
		}
		return Unknown, errkind.New(errkind.Security, "hostkeys.Verify",
			fmt.Errorf("unknown host key for %s (fingerprint %s), strict mode rejects unknown hosts",
				hostname, Fingerprint(offered)))
	}

	if !keysEqual(stored, offered) {
		return Mismatch, errkind.New(errkind.Security, "hostkeys.Verify",
			fmt.Errorf("host key mismatch for %s: stored=%s received=%s",
				hostname, Fingerprint(stored), Fingerprint(offered)))
	}

	return Match, nil
}

// learn records an offered key for hostname. Only called internally by
// Verify while in setup mode — see Learn for the exported, explicit form.
func (s *Store) learn(hostname string, key ssh.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[hostname] = key
}

// Learn explicitly records hostname's key. Callers must only invoke this
// when setup mode is active; production callers should rely on Verify's
// implicit learning instead of calling this directly.
func (s *Store) Learn(hostname string, key ssh.PublicKey) error {
	if !s.setup {
		return errkind.New(errkind.Security, "hostkeys.Learn",
			fmt.Errorf("cannot learn host key for %s outside setup mode", hostname))
	}
	s.learn(hostname, key)
	return nil
}

// HostKeyCallback adapts the store to golang.org/x/crypto/ssh's client
// config, the form C2's collector and C6's IRR proxy dial with.
func (s *Store) HostKeyCallback() ssh.HostKeyCallback {
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		_, err := s.Verify(hostname, key)
		return err
	}
}

func keysEqual(a, b ssh.PublicKey) bool {
	return string(a.Marshal()) == string(b.Marshal())
}

// Fingerprint renders a public key as "SHA256:<base64-unpadded>", the
// format operators see in error messages and logs (spec.md §4.1).
func Fingerprint(key ssh.PublicKey) string {
	sum := sha256.Sum256(key.Marshal())
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}
