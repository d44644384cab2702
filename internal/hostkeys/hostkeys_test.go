package hostkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/otto-bgp/control-plane/internal/errkind"
)

func mustKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return sshPub
}

func TestVerifyStrictModeRejectsUnknown(t *testing.T) {
	s := New(zap.NewNop(), false)
	key := mustKey(t)

	result, err := s.Verify("router1.example.net", key)
	if result != Unknown {
		t.Errorf("result = %v, want Unknown", result)
	}
	if errkind.Of(err) != errkind.Security {
		t.Errorf("err kind = %v, want Security", errkind.Of(err))
	}
}

func TestVerifySetupModeLearnsOnce(t *testing.T) {
	s := New(zap.NewNop(), true)
	key := mustKey(t)

	result, err := s.Verify("router1.example.net", key)
	if err != nil || result != Match {
		t.Fatalf("first verify: result=%v err=%v, want Match/nil", result, err)
	}

	other := mustKey(t)
	result, err = s.Verify("router1.example.net", other)
	if result != Mismatch {
		t.Errorf("result = %v, want Mismatch", result)
	}
	if errkind.Of(err) != errkind.Security {
		t.Errorf("err kind = %v, want Security", errkind.Of(err))
	}
}

func TestVerifyMatch(t *testing.T) {
	s := New(zap.NewNop(), false)
	key := mustKey(t)
	s.Seed("router2.example.net", key)

	result, err := s.Verify("router2.example.net", key)
	if err != nil || result != Match {
		t.Fatalf("result=%v err=%v, want Match/nil", result, err)
	}
}

func TestLearnOutsideSetupModeRejected(t *testing.T) {
	s := New(zap.NewNop(), false)
	if err := s.Learn("router3.example.net", mustKey(t)); err == nil {
		t.Error("expected error learning outside setup mode")
	}
}

func TestFingerprintFormat(t *testing.T) {
	key := mustKey(t)
	fp := Fingerprint(key)
	if len(fp) < 8 || fp[:7] != "SHA256:" {
		t.Errorf("fingerprint %q does not start with SHA256:", fp)
	}
}
