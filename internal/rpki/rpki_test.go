package rpki

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/otto-bgp/control-plane/internal/model"
)

func writeSnapshot(t *testing.T, rows []vrpFileRow) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vrp.json")
	data, err := json.Marshal(rows)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

type noOverrides struct{}

func (noOverrides) IsDisabled(uint32) bool                { return false }
func (noOverrides) IsAllowlisted(string, uint32) bool { return false }

func TestCheckValid(t *testing.T) {
	path := writeSnapshot(t, []vrpFileRow{{Prefix: "198.51.100.0/24", MaxLength: 24, ASN: 65001}})
	v := New(zap.NewNop(), 24, true, noOverrides{}, 2)
	if err := v.Reload(path); err != nil {
		t.Fatal(err)
	}

	result := v.Check("198.51.100.0/24", 65001)
	if result.State != model.StateValid {
		t.Fatalf("got %s, want VALID: %s", result.State, result.Reason)
	}
}

func TestCheckInvalidWrongOrigin(t *testing.T) {
	path := writeSnapshot(t, []vrpFileRow{{Prefix: "198.51.100.0/24", MaxLength: 24, ASN: 65001}})
	v := New(zap.NewNop(), 24, true, noOverrides{}, 2)
	v.Reload(path)

	result := v.Check("198.51.100.0/24", 65002)
	if result.State != model.StateInvalid {
		t.Fatalf("got %s, want INVALID", result.State)
	}
}

func TestCheckNotFound(t *testing.T) {
	path := writeSnapshot(t, []vrpFileRow{{Prefix: "198.51.100.0/24", MaxLength: 24, ASN: 65001}})
	v := New(zap.NewNop(), 24, true, noOverrides{}, 2)
	v.Reload(path)

	result := v.Check("203.0.113.0/24", 65001)
	if result.State != model.StateNotFound {
		t.Fatalf("got %s, want NOTFOUND", result.State)
	}
}

type disabledOverrides struct{ as uint32 }

func (d disabledOverrides) IsDisabled(as uint32) bool          { return as == d.as }
func (disabledOverrides) IsAllowlisted(string, uint32) bool { return false }

func TestOverrideFlipsInvalidToNotFound(t *testing.T) {
	path := writeSnapshot(t, []vrpFileRow{{Prefix: "198.51.100.0/24", MaxLength: 24, ASN: 65002}})
	v := New(zap.NewNop(), 24, true, disabledOverrides{as: 65001}, 2)
	v.Reload(path)

	result := v.Check("198.51.100.0/24", 65001)
	if result.State != model.StateNotFound {
		t.Fatalf("got %s, want NOTFOUND (overridden)", result.State)
	}
	if result.Reason != "override: disabled" {
		t.Errorf("reason = %q", result.Reason)
	}
}

func TestPreflightFailClosedOnStaleSnapshot(t *testing.T) {
	path := writeSnapshot(t, []vrpFileRow{{Prefix: "198.51.100.0/24", MaxLength: 24, ASN: 65001}})
	v := New(zap.NewNop(), 24, true, noOverrides{}, 2)
	v.Reload(path)

	future := time.Now().Add(48 * time.Hour)
	if err := v.Preflight(future); err == nil {
		t.Fatal("expected fail-closed error for stale snapshot")
	}
}

func TestCheckASSequentialForSmallBatch(t *testing.T) {
	path := writeSnapshot(t, []vrpFileRow{{Prefix: "198.51.100.0/24", MaxLength: 24, ASN: 65001}})
	v := New(zap.NewNop(), 24, true, noOverrides{}, 2)
	v.Reload(path)

	summary := v.CheckAS(context.Background(), 65001, []string{"198.51.100.0/24", "203.0.113.0/24"})
	if summary.Aggregate.Total != 2 || summary.Aggregate.Valid != 1 || summary.Aggregate.NotFound != 1 {
		t.Fatalf("aggregate = %+v", summary.Aggregate)
	}
}

func TestCheckASParallelMatchesSequential(t *testing.T) {
	path := writeSnapshot(t, []vrpFileRow{{Prefix: "198.51.100.0/24", MaxLength: 24, ASN: 65001}})
	v := New(zap.NewNop(), 24, true, noOverrides{}, 4)
	v.Reload(path)

	prefixes := make([]string, 60)
	for i := range prefixes {
		if i%2 == 0 {
			prefixes[i] = "198.51.100.0/24"
		} else {
			prefixes[i] = "203.0.113.0/24"
		}
	}
	summary := v.CheckAS(context.Background(), 65001, prefixes)
	if summary.Aggregate.Total != 60 || summary.Aggregate.Valid != 30 || summary.Aggregate.NotFound != 30 {
		t.Fatalf("aggregate = %+v", summary.Aggregate)
	}
}

func TestChunkSizeFor(t *testing.T) {
	cases := []struct {
		n, workers, want int
	}{
		{40, 4, 3},
		{200, 4, 25},
		{1000, 4, 83},
	}
	for _, c := range cases {
		got := chunkSizeFor(c.n, c.workers)
		if got != c.want {
			t.Errorf("chunkSizeFor(%d,%d) = %d, want %d", c.n, c.workers, got, c.want)
		}
	}
}
