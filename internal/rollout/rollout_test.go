package rollout

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/otto-bgp/control-plane/internal/model"
)

// fakeStore is an in-memory dao, standing in for the etcd-backed Store the
// same way sshcollect_test.go's pipeDialer stands in for a real network
// dial: it lets the Coordinator's state machine be exercised without a live
// etcd cluster.
type fakeStore struct {
	mu      sync.Mutex
	runs    map[string]*model.Run
	stages  map[string]*model.Stage
	targets map[string]*model.Target
	events  []*model.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:    make(map[string]*model.Run),
		stages:  make(map[string]*model.Stage),
		targets: make(map[string]*model.Target),
	}
}

func (f *fakeStore) putRun(ctx context.Context, r *model.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	f.runs[r.ID] = &cp
	return nil
}

func (f *fakeStore) putStage(ctx context.Context, st *model.Stage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *st
	f.stages[st.ID] = &cp
	return nil
}

func (f *fakeStore) putTarget(ctx context.Context, t *model.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.targets[t.ID] = &cp
	return nil
}

func (f *fakeStore) appendEvent(ctx context.Context, ev *model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *ev
	f.events = append(f.events, &cp)
	return nil
}

func (f *fakeStore) ListStages(ctx context.Context, runID string) ([]*model.Stage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Stage
	for _, st := range f.stages {
		if st.RunID == runID {
			cp := *st
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequencing < out[j].Sequencing })
	return out, nil
}

func (f *fakeStore) ListTargets(ctx context.Context, stageID string) ([]*model.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Target
	for _, t := range f.targets {
		if t.StageID == stageID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.EventType
	}
	return out
}

func newTestCoordinator() (*Coordinator, *fakeStore) {
	store := newFakeStore()
	return &Coordinator{log: zap.NewNop(), store: store}, store
}

func targetByHostname(targets []*model.Target, hostname string) *model.Target {
	for _, t := range targets {
		if t.Hostname == hostname {
			return t
		}
	}
	return nil
}

// TestNextBatchBlastHappyPath is spec.md §8 scenario S1.
func TestNextBatchBlastHappyPath(t *testing.T) {
	ctx := context.Background()
	coord, store := newTestCoordinator()

	devices := []Device{{Hostname: "r1"}, {Hostname: "r2"}}
	policies := map[string]string{"r1": "P1", "r2": "P2"}

	if _, err := coord.PlanRun(ctx, devices, policies, Strategy{Kind: StrategyBlast, Concurrency: 2}, "tester"); err != nil {
		t.Fatalf("PlanRun: %v", err)
	}

	batch, err := coord.NextBatch(ctx, 2)
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("got %d targets, want 2", len(batch))
	}
	for _, target := range batch {
		if target.State != model.TargetInProgress {
			t.Errorf("target %s state = %s, want in_progress", target.Hostname, target.State)
		}
		want := PolicyHash(policies[target.Hostname])
		if target.PolicyHash != want {
			t.Errorf("target %s PolicyHash = %s, want %s", target.Hostname, target.PolicyHash, want)
		}
	}

	r1 := targetByHostname(batch, "r1")
	r2 := targetByHostname(batch, "r2")
	if err := coord.CompleteTarget(ctx, r1.ID); err != nil {
		t.Fatalf("CompleteTarget(r1): %v", err)
	}
	if err := coord.CompleteTarget(ctx, r2.ID); err != nil {
		t.Fatalf("CompleteTarget(r2): %v", err)
	}

	second, err := coord.NextBatch(ctx, 2)
	if err != nil {
		t.Fatalf("second NextBatch: %v", err)
	}
	if second != nil {
		t.Fatalf("second NextBatch = %+v, want nil (run completed)", second)
	}

	if coord.run.Status != model.RunCompleted {
		t.Errorf("run status = %s, want completed", coord.run.Status)
	}

	got := store.eventTypes()
	want := []string{
		model.EventRunPlanned,
		model.EventTargetCompleted,
		model.EventTargetCompleted,
		model.EventStageCompleted,
		model.EventRunCompleted,
	}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

// TestNextBatchCanaryWithFailure is spec.md §8 scenario S2.
func TestNextBatchCanaryWithFailure(t *testing.T) {
	ctx := context.Background()
	coord, store := newTestCoordinator()

	devices := []Device{{Hostname: "r1"}, {Hostname: "r2"}}
	policies := map[string]string{"r1": "P1", "r2": "P2"}

	if _, err := coord.PlanRun(ctx, devices, policies, Strategy{Kind: StrategyCanary, CanaryHost: "r1"}, "tester"); err != nil {
		t.Fatalf("PlanRun: %v", err)
	}

	stage0, err := coord.NextBatch(ctx, 1)
	if err != nil {
		t.Fatalf("NextBatch (stage 0): %v", err)
	}
	if len(stage0) != 1 || stage0[0].Hostname != "r1" {
		t.Fatalf("stage0 = %+v, want single r1 target", stage0)
	}
	if err := coord.FailTarget(ctx, stage0[0].ID, "ConnectTimeout"); err != nil {
		t.Fatalf("FailTarget(r1): %v", err)
	}

	stage1, err := coord.NextBatch(ctx, 1)
	if err != nil {
		t.Fatalf("NextBatch (stage 1): %v", err)
	}
	if len(stage1) != 1 || stage1[0].Hostname != "r2" {
		t.Fatalf("stage1 = %+v, want single r2 target", stage1)
	}
	if err := coord.CompleteTarget(ctx, stage1[0].ID); err != nil {
		t.Fatalf("CompleteTarget(r2): %v", err)
	}

	final, err := coord.NextBatch(ctx, 1)
	if err != nil {
		t.Fatalf("final NextBatch: %v", err)
	}
	if final != nil {
		t.Fatalf("final NextBatch = %+v, want nil (run completed)", final)
	}
	if coord.run.Status != model.RunCompleted {
		t.Errorf("run status = %s, want completed", coord.run.Status)
	}

	got := store.eventTypes()
	want := []string{
		model.EventRunPlanned,
		model.EventTargetFailed,
		model.EventStageCompleted,
		model.EventTargetCompleted,
		model.EventStageCompleted,
		model.EventRunCompleted,
	}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

// TestTransitionOnTerminalTargetIsIdempotentButRecordsEvent covers spec.md
// §4.13's "complete/fail/skip on a target already in that state is a no-op
// but still records an event".
func TestTransitionOnTerminalTargetIsIdempotentButRecordsEvent(t *testing.T) {
	ctx := context.Background()
	coord, store := newTestCoordinator()

	devices := []Device{{Hostname: "r1"}}
	if _, err := coord.PlanRun(ctx, devices, map[string]string{"r1": "P1"}, Strategy{Kind: StrategyBlast}, "tester"); err != nil {
		t.Fatalf("PlanRun: %v", err)
	}
	batch, err := coord.NextBatch(ctx, 1)
	if err != nil || len(batch) != 1 {
		t.Fatalf("NextBatch: batch=%+v err=%v", batch, err)
	}
	id := batch[0].ID

	if err := coord.CompleteTarget(ctx, id); err != nil {
		t.Fatalf("first CompleteTarget: %v", err)
	}
	if err := coord.CompleteTarget(ctx, id); err != nil {
		t.Fatalf("second CompleteTarget (idempotent): %v", err)
	}

	completedEvents := 0
	for _, evType := range store.eventTypes() {
		if evType == model.EventTargetCompleted {
			completedEvents++
		}
	}
	if completedEvents != 2 {
		t.Fatalf("got %d target_completed events, want 2 (idempotent call still records an event)", completedEvents)
	}

	targets, err := store.ListTargets(ctx, batch[0].StageID)
	if err != nil {
		t.Fatalf("ListTargets: %v", err)
	}
	if len(targets) != 1 || targets[0].State != model.TargetCompleted {
		t.Fatalf("target state = %+v, want single completed target", targets)
	}
}

// TestHydrateFromDBSkipsDoneStagesButNotFailedOnes covers the hydration
// tie-break rule recorded in SPEC_FULL.md: a stage whose targets are all
// completed/skipped is done for positioning, but a stage containing a
// failed target is not auto-advanced past.
func TestHydrateFromDBSkipsDoneStagesButNotFailedOnes(t *testing.T) {
	ctx := context.Background()
	coord, store := newTestCoordinator()

	devices := []Device{
		{Hostname: "r1", Attributes: map[string]string{"region": "a"}},
		{Hostname: "r2", Attributes: map[string]string{"region": "b"}},
	}
	run, err := coord.PlanRun(ctx, devices, map[string]string{"r1": "P1", "r2": "P2"},
		Strategy{Kind: StrategyPhased, GroupBy: "region"}, "tester")
	if err != nil {
		t.Fatalf("PlanRun: %v", err)
	}

	batch0, err := coord.NextBatch(ctx, 1)
	if err != nil || len(batch0) != 1 {
		t.Fatalf("NextBatch (stage 0): batch=%+v err=%v", batch0, err)
	}
	if err := coord.CompleteTarget(ctx, batch0[0].ID); err != nil {
		t.Fatalf("CompleteTarget: %v", err)
	}

	batch1, err := coord.NextBatch(ctx, 1)
	if err != nil || len(batch1) != 1 {
		t.Fatalf("NextBatch (stage 1): batch=%+v err=%v", batch1, err)
	}
	if err := coord.FailTarget(ctx, batch1[0].ID, "boom"); err != nil {
		t.Fatalf("FailTarget: %v", err)
	}

	// Rebuild a fresh Coordinator against the same store, simulating a
	// process restart, and hydrate it.
	fresh := &Coordinator{log: zap.NewNop(), store: store}
	if err := fresh.HydrateFromDB(ctx, run.ID); err != nil {
		t.Fatalf("HydrateFromDB: %v", err)
	}

	if fresh.position != 1 {
		t.Fatalf("position = %d, want 1 (stage 0 done, stage 1 has a failed target and is not skipped past)", fresh.position)
	}

	found := false
	for _, evType := range store.eventTypes() {
		if evType == model.EventRunHydrated {
			found = true
		}
	}
	if !found {
		t.Error("expected a run_hydrated event to be recorded")
	}
}

// TestPauseResumeAbort covers the run-level status transitions of spec.md
// §4.13.
func TestPauseResumeAbort(t *testing.T) {
	ctx := context.Background()
	coord, _ := newTestCoordinator()

	if _, err := coord.PlanRun(ctx, []Device{{Hostname: "r1"}}, map[string]string{"r1": "P1"}, Strategy{Kind: StrategyBlast}, "tester"); err != nil {
		t.Fatalf("PlanRun: %v", err)
	}

	if err := coord.PauseRun(ctx); err != nil {
		t.Fatalf("PauseRun: %v", err)
	}
	if coord.run.Status != model.RunPaused {
		t.Fatalf("status = %s, want paused", coord.run.Status)
	}
	if _, err := coord.NextBatch(ctx, 1); err == nil {
		t.Error("expected NextBatch to reject a paused run")
	}

	if err := coord.ResumeRun(ctx); err != nil {
		t.Fatalf("ResumeRun: %v", err)
	}
	if coord.run.Status != model.RunActive {
		t.Fatalf("status = %s, want active", coord.run.Status)
	}

	if err := coord.AbortRun(ctx); err != nil {
		t.Fatalf("AbortRun: %v", err)
	}
	if coord.run.Status != model.RunAborted {
		t.Fatalf("status = %s, want aborted", coord.run.Status)
	}
	if _, err := coord.NextBatch(ctx, 1); err == nil {
		t.Error("expected NextBatch to reject an aborted run")
	}
}

func TestPolicyHashIs16HexChars(t *testing.T) {
	h := PolicyHash("policy-options { prefix-list AS65001 { 198.51.100.0/24; } }")
	if len(h) != 16 {
		t.Fatalf("len(PolicyHash(...)) = %d, want 16", len(h))
	}
	for _, r := range h {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			t.Fatalf("PolicyHash(...) = %q, not lowercase hex", h)
		}
	}
}

func TestPolicyHashStable(t *testing.T) {
	a := PolicyHash("same content")
	b := PolicyHash("same content")
	if a != b {
		t.Fatalf("PolicyHash not stable: %q != %q", a, b)
	}
	if PolicyHash("different") == a {
		t.Fatalf("PolicyHash collided for distinct inputs")
	}
}

func TestPartitionBlastSingleStage(t *testing.T) {
	devices := []Device{{Hostname: "r1"}, {Hostname: "r2"}, {Hostname: "r3"}}
	groups, err := partition(devices, Strategy{Kind: StrategyBlast})
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || len(groups[0].devices) != 3 {
		t.Fatalf("groups = %+v, want one stage with 3 devices", groups)
	}
}

func TestPartitionPhasedGroupsByAttributeSortedKeys(t *testing.T) {
	devices := []Device{
		{Hostname: "r1", Attributes: map[string]string{"region": "west"}},
		{Hostname: "r2", Attributes: map[string]string{"region": "east"}},
		{Hostname: "r3", Attributes: map[string]string{"region": "west"}},
	}
	groups, err := partition(devices, Strategy{Kind: StrategyPhased, GroupBy: "region"})
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if groups[0].name != "east" || groups[1].name != "west" {
		t.Fatalf("groups not sorted: %q, %q", groups[0].name, groups[1].name)
	}
	if len(groups[1].devices) != 2 {
		t.Fatalf("west group = %d devices, want 2", len(groups[1].devices))
	}
}

func TestPartitionPhasedRequiresGroupBy(t *testing.T) {
	_, err := partition([]Device{{Hostname: "r1"}}, Strategy{Kind: StrategyPhased})
	if err == nil {
		t.Fatal("expected error for missing GroupBy")
	}
}

func TestPartitionCanarySplitsSingleHostFirst(t *testing.T) {
	devices := []Device{{Hostname: "r1"}, {Hostname: "r2"}, {Hostname: "r3"}}
	groups, err := partition(devices, Strategy{Kind: StrategyCanary, CanaryHost: "r2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if len(groups[0].devices) != 1 || groups[0].devices[0].Hostname != "r2" || groups[0].concurrency != 1 {
		t.Fatalf("canary stage = %+v, want single r2 target at concurrency 1", groups[0])
	}
	if len(groups[1].devices) != 2 {
		t.Fatalf("rollout stage = %d devices, want 2", len(groups[1].devices))
	}
}

func TestPartitionCanaryRequiresHostPresent(t *testing.T) {
	_, err := partition([]Device{{Hostname: "r1"}}, Strategy{Kind: StrategyCanary, CanaryHost: "nonexistent"})
	if err == nil {
		t.Fatal("expected error when canary host absent from device set")
	}
}

func TestPartitionCanaryAllDevicesAreCanary(t *testing.T) {
	groups, err := partition([]Device{{Hostname: "r1"}}, Strategy{Kind: StrategyCanary, CanaryHost: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1 (no empty rollout stage)", len(groups))
	}
}
