// Package rollout is the rollout coordinator (C13): a per-Run state
// machine that plans stages of router targets under a blast, phased, or
// canary strategy, hands out bounded batches, and records every state
// transition as an append-only event, all durably backed by etcd
// (spec.md §4.13).
package rollout

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/otto-bgp/control-plane/internal/errkind"
	"github.com/otto-bgp/control-plane/internal/model"
)

const (
	runKeyPrefix    = "/otto-bgp/rollout/runs/"
	stageKeyPrefix  = "/otto-bgp/rollout/stages/"
	targetKeyPrefix = "/otto-bgp/rollout/targets/"
	eventKeyPrefix  = "/otto-bgp/rollout/events/"
	dialTimeout     = 5 * time.Second
)

// PolicyHash truncates a SHA-256 digest of content to 16 hex characters,
// matching the original implementation's hash function (SPEC_FULL.md
// "policy : _calculate_policy_hash").
func PolicyHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

// StrategyKind selects how plan_run partitions devices into stages.
type StrategyKind string

const (
	StrategyBlast  StrategyKind = "blast"
	StrategyPhased StrategyKind = "phased"
	StrategyCanary StrategyKind = "canary"
)

// Strategy configures plan_run (spec.md §4.13).
type Strategy struct {
	Kind       StrategyKind
	GroupBy    string // phased: device attribute key to group by
	CanaryHost string // canary: hostname to run alone in stage 0
	Concurrency int   // blast stage concurrency; 0 uses DefaultConcurrency
}

// DefaultConcurrency is applied to a blast stage when Strategy.Concurrency
// is unset.
const DefaultConcurrency = 5

// Device is one router target input to plan_run.
type Device struct {
	Hostname   string
	Attributes map[string]string // arbitrary device metadata (region, role, ...)
}

// Store is the etcd-backed DAO for runs, stages, targets, and events
// (spec.md §6 "Rollout store"). All coordinator mutations pass through it.
// Each row is written with its own single-key Put; a state change and the
// event recording it are separate writes, not one transaction. The
// coordinator itself holds no lock beyond its own in-process mutex-free
// single-goroutine usage contract.
type Store struct {
	log    *zap.Logger
	client *clientv3.Client
}

// NewStore connects to etcd and verifies connectivity before returning.
func NewStore(log *zap.Logger, endpoints []string) (*Store, error) {
	client, err := clientv3.New(clientv3.Config{Endpoints: endpoints, DialTimeout: dialTimeout})
	if err != nil {
		return nil, errkind.New(errkind.Connection, "rollout.NewStore", fmt.Errorf("creating etcd client: %w", err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if _, err := client.Status(ctx, endpoints[0]); err != nil {
		client.Close()
		return nil, errkind.New(errkind.Connection, "rollout.NewStore", fmt.Errorf("connecting to etcd: %w", err))
	}
	return &Store{log: log, client: client}, nil
}

// Close releases the etcd client.
func (s *Store) Close() error { return s.client.Close() }

func newID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func (s *Store) putRun(ctx context.Context, r *model.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return errkind.New(errkind.Data, "rollout.putRun", err)
	}
	if _, err := s.client.Put(ctx, runKeyPrefix+r.ID, string(data)); err != nil {
		return errkind.New(errkind.Connection, "rollout.putRun", err)
	}
	return nil
}

func (s *Store) putStage(ctx context.Context, st *model.Stage) error {
	data, err := json.Marshal(st)
	if err != nil {
		return errkind.New(errkind.Data, "rollout.putStage", err)
	}
	if _, err := s.client.Put(ctx, stageKeyPrefix+st.ID, string(data)); err != nil {
		return errkind.New(errkind.Connection, "rollout.putStage", err)
	}
	return nil
}

func (s *Store) putTarget(ctx context.Context, t *model.Target) error {
	data, err := json.Marshal(t)
	if err != nil {
		return errkind.New(errkind.Data, "rollout.putTarget", err)
	}
	if _, err := s.client.Put(ctx, targetKeyPrefix+t.ID, string(data)); err != nil {
		return errkind.New(errkind.Connection, "rollout.putTarget", err)
	}
	return nil
}

// appendEvent writes an event row with a single Put.
func (s *Store) appendEvent(ctx context.Context, ev *model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errkind.New(errkind.Data, "rollout.appendEvent", err)
	}
	if _, err := s.client.Put(ctx, eventKeyPrefix+ev.RunID+"/"+ev.ID, string(data)); err != nil {
		return errkind.New(errkind.Connection, "rollout.appendEvent", fmt.Errorf("committing event: %w", err))
	}
	return nil
}

func (s *Store) ListStages(ctx context.Context, runID string) ([]*model.Stage, error) {
	resp, err := s.client.Get(ctx, stageKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errkind.New(errkind.Connection, "rollout.ListStages", err)
	}
	var stages []*model.Stage
	for _, kv := range resp.Kvs {
		var st model.Stage
		if err := json.Unmarshal(kv.Value, &st); err != nil {
			continue
		}
		if st.RunID == runID {
			stages = append(stages, &st)
		}
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i].Sequencing < stages[j].Sequencing })
	return stages, nil
}

func (s *Store) ListTargets(ctx context.Context, stageID string) ([]*model.Target, error) {
	resp, err := s.client.Get(ctx, targetKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errkind.New(errkind.Connection, "rollout.ListTargets", err)
	}
	var targets []*model.Target
	for _, kv := range resp.Kvs {
		var t model.Target
		if err := json.Unmarshal(kv.Value, &t); err != nil {
			continue
		}
		if t.StageID == stageID {
			targets = append(targets, &t)
		}
	}
	return targets, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	resp, err := s.client.Get(ctx, runKeyPrefix+runID)
	if err != nil {
		return nil, errkind.New(errkind.Connection, "rollout.GetRun", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, errkind.New(errkind.Data, "rollout.GetRun", fmt.Errorf("run %s not found", runID))
	}
	var r model.Run
	if err := json.Unmarshal(resp.Kvs[0].Value, &r); err != nil {
		return nil, errkind.New(errkind.Data, "rollout.GetRun", err)
	}
	return &r, nil
}

// dao is the run/stage/target/event persistence surface Coordinator drives
// against. *Store is the production implementation; tests substitute an
// in-memory fake the same way sshcollect.Dialer is swapped for a
// loopback-backed fake in sshcollect_test.go.
type dao interface {
	putRun(ctx context.Context, r *model.Run) error
	putStage(ctx context.Context, st *model.Stage) error
	putTarget(ctx context.Context, t *model.Target) error
	appendEvent(ctx context.Context, ev *model.Event) error
	ListStages(ctx context.Context, runID string) ([]*model.Stage, error)
	ListTargets(ctx context.Context, stageID string) ([]*model.Target, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
}

// Coordinator drives one Run's state machine (spec.md §4.13). It is not
// safe for concurrent use from multiple goroutines — callers serialise
// their own calls, matching the spec's "coordinator holds no lock outside
// a DAO call" resource policy, which presumes a single driving goroutine.
// Target transitions (Complete/Fail/SkipTarget) are the one exception:
// they touch only their own target row, so concurrent callers operating on
// distinct targets within a dispensed batch are safe.
type Coordinator struct {
	log   *zap.Logger
	store dao

	run      *model.Run
	stages   []*model.Stage
	position int // index into stages of the current stage
}

// NewCoordinator constructs a Coordinator bound to store.
func NewCoordinator(log *zap.Logger, store *Store) *Coordinator {
	return &Coordinator{log: log, store: store}
}

// PlanRun creates a new Run, partitions devices into stages per strategy,
// and persists everything, recording run_planned (spec.md §4.13).
func (c *Coordinator) PlanRun(ctx context.Context, devices []Device, policies map[string]string, strategy Strategy, initiatedBy string) (*model.Run, error) {
	if len(devices) == 0 {
		return nil, errkind.New(errkind.Validation, "rollout.PlanRun", fmt.Errorf("no devices supplied"))
	}

	now := time.Now()
	run := &model.Run{ID: newID(), CreatedAt: now, Status: model.RunPlanning, InitiatedBy: initiatedBy}

	groups, err := partition(devices, strategy)
	if err != nil {
		return nil, err
	}

	var stages []*model.Stage
	for i, g := range groups {
		stage := &model.Stage{
			ID: newID(), RunID: run.ID, Sequencing: i, Name: g.name,
			GuardrailSnapshot: map[string]any{"concurrency": g.concurrency, "strategy": string(strategy.Kind)},
		}
		stages = append(stages, stage)
		if err := c.store.putStage(ctx, stage); err != nil {
			return nil, err
		}
		for _, d := range g.devices {
			target := &model.Target{
				ID: newID(), StageID: stage.ID, Hostname: d.Hostname,
				PolicyHash: PolicyHash(policies[d.Hostname]), State: model.TargetPending, UpdatedAt: now,
			}
			if err := c.store.putTarget(ctx, target); err != nil {
				return nil, err
			}
		}
	}

	run.Status = model.RunActive
	if err := c.store.putRun(ctx, run); err != nil {
		return nil, err
	}
	ev := &model.Event{ID: newID(), RunID: run.ID, EventType: model.EventRunPlanned, Timestamp: now,
		Payload: map[string]any{"strategy": string(strategy.Kind), "stage_count": len(stages)}}
	if err := c.store.appendEvent(ctx, ev); err != nil {
		return nil, err
	}

	c.run = run
	c.stages = stages
	c.position = 0
	return run, nil
}

type stageGroup struct {
	name        string
	devices     []Device
	concurrency int
}

// partition implements the blast/phased/canary splitting rules of spec.md
// §4.13.
func partition(devices []Device, strategy Strategy) ([]stageGroup, error) {
	concurrency := strategy.Concurrency
	if concurrency == 0 {
		concurrency = DefaultConcurrency
	}

	switch strategy.Kind {
	case StrategyBlast, "":
		return []stageGroup{{name: "blast", devices: devices, concurrency: concurrency}}, nil

	case StrategyPhased:
		if strategy.GroupBy == "" {
			return nil, errkind.New(errkind.Validation, "rollout.partition", fmt.Errorf("phased strategy requires GroupBy"))
		}
		byValue := make(map[string][]Device)
		for _, d := range devices {
			v := d.Attributes[strategy.GroupBy]
			byValue[v] = append(byValue[v], d)
		}
		var keys []string
		for k := range byValue {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var groups []stageGroup
		for _, k := range keys {
			groups = append(groups, stageGroup{name: k, devices: byValue[k], concurrency: concurrency})
		}
		return groups, nil

	case StrategyCanary:
		if strategy.CanaryHost == "" {
			return nil, errkind.New(errkind.Validation, "rollout.partition", fmt.Errorf("canary strategy requires CanaryHost"))
		}
		var canary []Device
		var rest []Device
		for _, d := range devices {
			if d.Hostname == strategy.CanaryHost {
				canary = append(canary, d)
			} else {
				rest = append(rest, d)
			}
		}
		if len(canary) == 0 {
			return nil, errkind.New(errkind.Validation, "rollout.partition", fmt.Errorf("canary host %q not present in device set", strategy.CanaryHost))
		}
		groups := []stageGroup{{name: "canary", devices: canary, concurrency: 1}}
		if len(rest) > 0 {
			groups = append(groups, stageGroup{name: "rollout", devices: rest, concurrency: concurrency})
		}
		return groups, nil

	default:
		return nil, errkind.New(errkind.Validation, "rollout.partition", fmt.Errorf("unknown strategy kind %q", strategy.Kind))
	}
}

// NextBatch returns up to concurrency pending targets of the current
// stage, marking each in_progress. When the current stage is exhausted
// (no pending, no in-progress), it advances the stage index, recording
// stage_completed, and on the last stage marks the run completed,
// recording run_completed. A fully in-progress stage with nothing pending
// returns (nil, nil): the caller is expected to poll (SPEC_FULL.md Open
// Question decision 2).
func (c *Coordinator) NextBatch(ctx context.Context, concurrency int) ([]*model.Target, error) {
	if c.run == nil {
		return nil, errkind.New(errkind.Validation, "rollout.NextBatch", fmt.Errorf("no active run: call PlanRun or HydrateFromDB first"))
	}
	if c.run.Status != model.RunActive {
		return nil, errkind.New(errkind.Validation, "rollout.NextBatch", fmt.Errorf("run %s is not active (status=%s)", c.run.ID, c.run.Status))
	}

	for {
		if c.position >= len(c.stages) {
			return nil, nil
		}
		stage := c.stages[c.position]
		targets, err := c.store.ListTargets(ctx, stage.ID)
		if err != nil {
			return nil, err
		}

		var pending []*model.Target
		inProgress := 0
		for _, t := range targets {
			switch t.State {
			case model.TargetPending:
				pending = append(pending, t)
			case model.TargetInProgress:
				inProgress++
			}
		}

		if len(pending) == 0 && inProgress == 0 {
			if err := c.advanceStage(ctx, stage); err != nil {
				return nil, err
			}
			continue
		}
		if len(pending) == 0 {
			return nil, nil // all in-progress; caller polls
		}

		if concurrency <= 0 || concurrency > len(pending) {
			concurrency = len(pending)
		}
		batch := pending[:concurrency]
		now := time.Now()
		for _, t := range batch {
			t.State = model.TargetInProgress
			t.UpdatedAt = now
			if err := c.store.putTarget(ctx, t); err != nil {
				return nil, err
			}
		}
		return batch, nil
	}
}

func (c *Coordinator) advanceStage(ctx context.Context, stage *model.Stage) error {
	ev := &model.Event{ID: newID(), RunID: c.run.ID, EventType: model.EventStageCompleted, Timestamp: time.Now(),
		Payload: map[string]any{"stage_id": stage.ID, "sequencing": stage.Sequencing}}
	if err := c.store.appendEvent(ctx, ev); err != nil {
		return err
	}
	c.position++
	if c.position >= len(c.stages) {
		c.run.Status = model.RunCompleted
		if err := c.store.putRun(ctx, c.run); err != nil {
			return err
		}
		completed := &model.Event{ID: newID(), RunID: c.run.ID, EventType: model.EventRunCompleted, Timestamp: time.Now()}
		return c.store.appendEvent(ctx, completed)
	}
	return nil
}

// transition moves a target to a terminal state, recording eventType. A
// target already in that state is a no-op on the state itself but still
// records the event (spec.md §4.13 idempotence requirement).
func (c *Coordinator) transition(ctx context.Context, targetID string, state model.TargetState, eventType string, lastErr string) error {
	target, err := c.findTarget(ctx, targetID)
	if err != nil {
		return err
	}
	already := target.State == state
	if !already {
		target.State = state
		target.LastError = lastErr
		target.UpdatedAt = time.Now()
		if err := c.store.putTarget(ctx, target); err != nil {
			return err
		}
	}
	ev := &model.Event{ID: newID(), RunID: c.run.ID, EventType: eventType, Timestamp: time.Now(),
		Payload: map[string]any{"target_id": target.ID, "hostname": target.Hostname, "already_terminal": already}}
	return c.store.appendEvent(ctx, ev)
}

func (c *Coordinator) findTarget(ctx context.Context, targetID string) (*model.Target, error) {
	for _, stage := range c.stages {
		targets, err := c.store.ListTargets(ctx, stage.ID)
		if err != nil {
			return nil, err
		}
		for _, t := range targets {
			if t.ID == targetID {
				return t, nil
			}
		}
	}
	return nil, errkind.New(errkind.Data, "rollout.findTarget", fmt.Errorf("target %s not found in run %s", targetID, c.run.ID))
}

// CompleteTarget marks a target completed.
func (c *Coordinator) CompleteTarget(ctx context.Context, targetID string) error {
	return c.transition(ctx, targetID, model.TargetCompleted, model.EventTargetCompleted, "")
}

// FailTarget marks a target failed, recording reason as LastError.
func (c *Coordinator) FailTarget(ctx context.Context, targetID, reason string) error {
	return c.transition(ctx, targetID, model.TargetFailed, model.EventTargetFailed, reason)
}

// SkipTarget marks a target skipped, recording reason as LastError.
func (c *Coordinator) SkipTarget(ctx context.Context, targetID, reason string) error {
	return c.transition(ctx, targetID, model.TargetSkipped, model.EventTargetSkipped, reason)
}

// PauseRun transitions the run to paused.
func (c *Coordinator) PauseRun(ctx context.Context) error {
	return c.setRunStatus(ctx, model.RunPaused, model.EventRunPaused, model.RunActive)
}

// ResumeRun transitions a paused run back to active.
func (c *Coordinator) ResumeRun(ctx context.Context) error {
	return c.setRunStatus(ctx, model.RunActive, model.EventRunResumed, model.RunPaused)
}

// AbortRun transitions the run to aborted; further NextBatch calls are
// rejected, but in-progress targets that later report completion are
// still persisted (spec.md §5 "Cancellation").
func (c *Coordinator) AbortRun(ctx context.Context) error {
	if c.run == nil {
		return errkind.New(errkind.Validation, "rollout.AbortRun", fmt.Errorf("no active run"))
	}
	c.run.Status = model.RunAborted
	if err := c.store.putRun(ctx, c.run); err != nil {
		return err
	}
	ev := &model.Event{ID: newID(), RunID: c.run.ID, EventType: model.EventRunAborted, Timestamp: time.Now()}
	return c.store.appendEvent(ctx, ev)
}

func (c *Coordinator) setRunStatus(ctx context.Context, next model.RunStatus, eventType string, from model.RunStatus) error {
	if c.run == nil {
		return errkind.New(errkind.Validation, "rollout.setRunStatus", fmt.Errorf("no active run"))
	}
	if c.run.Status != from {
		return errkind.New(errkind.Validation, "rollout.setRunStatus", fmt.Errorf("run %s is %s, expected %s", c.run.ID, c.run.Status, from))
	}
	c.run.Status = next
	if err := c.store.putRun(ctx, c.run); err != nil {
		return err
	}
	ev := &model.Event{ID: newID(), RunID: c.run.ID, EventType: eventType, Timestamp: time.Now()}
	return c.store.appendEvent(ctx, ev)
}

// HydrateFromDB rebuilds in-memory position for runID by scanning stages in
// sequencing order and selecting the first stage containing any
// non-terminal target. A stage whose targets are all completed/skipped is
// treated as done; a stage containing failed targets alongside terminal
// ones is NOT auto-advanced past (SPEC_FULL.md hydration tie-break rule,
// supplemented from original_source).
func (c *Coordinator) HydrateFromDB(ctx context.Context, runID string) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	stages, err := c.store.ListStages(ctx, runID)
	if err != nil {
		return err
	}

	position := len(stages)
	for i, stage := range stages {
		targets, err := c.store.ListTargets(ctx, stage.ID)
		if err != nil {
			return err
		}
		allTerminalNonFailed := true
		for _, t := range targets {
			if !t.State.Terminal() {
				allTerminalNonFailed = false
				break
			}
			if t.State == model.TargetFailed {
				allTerminalNonFailed = false
				break
			}
		}
		if !allTerminalNonFailed {
			position = i
			break
		}
	}

	c.run = run
	c.stages = stages
	c.position = position

	ev := &model.Event{ID: newID(), RunID: run.ID, EventType: model.EventRunHydrated, Timestamp: time.Now(),
		Payload: map[string]any{"position": position}}
	return c.store.appendEvent(ctx, ev)
}

// Status is a read-only snapshot combining the run, its current stage, and
// target counts (SPEC_FULL.md "Run status summary", supplemented from
// original_source pipeline/multi_router_coordinator.py:get_run_status).
type Status struct {
	Run            *model.Run
	CurrentStage   *model.Stage
	StageIndex     int
	StageCount     int
	TargetsByState map[model.TargetState]int
}

// RunStatus returns the current snapshot for the coordinator's active run.
func (c *Coordinator) RunStatus(ctx context.Context) (Status, error) {
	if c.run == nil {
		return Status{}, errkind.New(errkind.Validation, "rollout.RunStatus", fmt.Errorf("no active run"))
	}
	counts := make(map[model.TargetState]int)
	var current *model.Stage
	for i, stage := range c.stages {
		targets, err := c.store.ListTargets(ctx, stage.ID)
		if err != nil {
			return Status{}, err
		}
		for _, t := range targets {
			counts[t.State]++
		}
		if i == c.position {
			current = stage
		}
	}
	return Status{
		Run: c.run, CurrentStage: current, StageIndex: c.position,
		StageCount: len(c.stages), TargetsByState: counts,
	}, nil
}
