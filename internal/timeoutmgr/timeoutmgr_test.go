package timeoutmgr

import (
	"os"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestDefaults(t *testing.T) {
	m := New(zap.NewNop())

	if m.Process() != 30*time.Second {
		t.Errorf("Process() = %v, want 30s", m.Process())
	}
	if m.SSH() != 15*time.Second {
		t.Errorf("SSH() = %v, want 15s", m.SSH())
	}
	if m.RPKI() != 120*time.Second {
		t.Errorf("RPKI() = %v, want 120s", m.RPKI())
	}
}

func TestClamping(t *testing.T) {
	os.Setenv("OTTO_BGP_SSH_TIMEOUT", "1000")
	defer os.Unsetenv("OTTO_BGP_SSH_TIMEOUT")

	m := New(zap.NewNop())
	if m.SSH() != 60*time.Second {
		t.Errorf("SSH() = %v, want clamped to 60s", m.SSH())
	}
}

func TestInvalidValueFallsBackToDefault(t *testing.T) {
	os.Setenv("OTTO_BGP_NETWORK_TIMEOUT", "not-a-number")
	defer os.Unsetenv("OTTO_BGP_NETWORK_TIMEOUT")

	m := New(zap.NewNop())
	if m.Network() != 10*time.Second {
		t.Errorf("Network() = %v, want default 10s", m.Network())
	}
}

func TestRunStop(t *testing.T) {
	m := New(zap.NewNop())
	stopCh := make(chan struct{})

	done := make(chan struct{})
	go func() {
		m.Run(stopCh)
		close(done)
	}()

	close(stopCh)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after stop channel closed")
	}
}
