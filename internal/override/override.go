// Package override is the RPKI override store (C9): a per-AS
// enable/disable row with an append-only history, written atomically via
// an etcd transaction, plus a 60-second in-memory cache of the disabled-ASN
// set that invalidates on every write (spec.md §4.9).
package override

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/otto-bgp/control-plane/internal/errkind"
	"github.com/otto-bgp/control-plane/internal/model"
)

const (
	liveKeyPrefix    = "/otto-bgp/overrides/live/"
	historyKeyPrefix = "/otto-bgp/overrides/history/"
	cacheTTL         = 60 * time.Second
	disabledCacheKey = "disabled-set"
)

const (
	maxReasonLen = 500
	maxActorLen  = 100
	maxSourceLen = 45
)

// Store is the etcd-backed override store.
type Store struct {
	log    *zap.Logger
	client *clientv3.Client

	// disabledCache holds the full disabled-ASN set under one key so a
	// single TTL governs the whole snapshot, matching spec.md's "60-second
	// in-memory cache of currently-disabled ASNs" (not a per-AS TTL).
	disabledCache *expirable.LRU[string, map[uint32]struct{}]

	allowlistMu sync.RWMutex
	allowlist   map[allowlistKey]struct{} // operator allowlist: INVALID -> VALID shield
}

type allowlistKey struct {
	prefix   string
	asNumber uint32
}

// New constructs a Store against an existing etcd client (shared with
// discovery, or its own — callers decide based on topology).
func New(log *zap.Logger, client *clientv3.Client) *Store {
	return &Store{
		log:           log,
		client:        client,
		disabledCache: expirable.NewLRU[string, map[uint32]struct{}](1, nil, cacheTTL),
		allowlist:     make(map[allowlistKey]struct{}),
	}
}

func validate(asNumber uint32, reason, actor, sourceAddr string) error {
	_ = asNumber // uint32 is always in [0, 2^32-1] by construction
	if len(reason) > maxReasonLen {
		return errkind.New(errkind.Validation, "override.validate", fmt.Errorf("reason exceeds %d chars", maxReasonLen))
	}
	if len(actor) > maxActorLen {
		return errkind.New(errkind.Validation, "override.validate", fmt.Errorf("actor exceeds %d chars", maxActorLen))
	}
	if len(sourceAddr) > maxSourceLen {
		return errkind.New(errkind.Validation, "override.validate", fmt.Errorf("source address exceeds %d chars", maxSourceLen))
	}
	return nil
}

// Disable writes a live "disabled" row plus a matching history entry in one
// atomic etcd transaction, then invalidates the disabled-ASN cache.
func (s *Store) Disable(ctx context.Context, asNumber uint32, reason, actor, sourceAddr string) error {
	return s.write(ctx, asNumber, false, reason, actor, sourceAddr, model.ActionDisable)
}

// Enable is the inverse of Disable.
func (s *Store) Enable(ctx context.Context, asNumber uint32, reason, actor, sourceAddr string) error {
	return s.write(ctx, asNumber, true, reason, actor, sourceAddr, model.ActionEnable)
}

func (s *Store) write(ctx context.Context, asNumber uint32, enabled bool, reason, actor, sourceAddr string, action model.OverrideAction) error {
	if err := validate(asNumber, reason, actor, sourceAddr); err != nil {
		return err
	}

	now := time.Now()
	live := model.Override{ASNumber: asNumber, Enabled: enabled, Reason: reason, ModifiedBy: actor, ModifiedAt: now}
	hist := model.OverrideHistoryEntry{ASNumber: asNumber, Action: action, Reason: reason, Actor: actor, SourceAddress: sourceAddr, Timestamp: now}

	liveData, err := json.Marshal(live)
	if err != nil {
		return errkind.New(errkind.Data, "override.write", err)
	}
	histData, err := json.Marshal(hist)
	if err != nil {
		return errkind.New(errkind.Data, "override.write", err)
	}

	liveKey := liveRowKey(asNumber)
	histKey := historyRowKey(asNumber, now)

	// A single etcd Txn commits both puts atomically (spec.md §4.9: "atomic
	// pair of writes per operation... inside a single transaction").
	txn := s.client.Txn(ctx).Then(
		clientv3.OpPut(liveKey, string(liveData)),
		clientv3.OpPut(histKey, string(histData)),
	)
	if _, err := txn.Commit(); err != nil {
		return errkind.New(errkind.Connection, "override.write", fmt.Errorf("committing override transaction: %w", err))
	}

	s.disabledCache.Remove(disabledCacheKey)
	return nil
}

// BulkOp is one enable/disable operation for BulkUpdate, which applies many
// of them, collecting per-item failures without aborting the batch
// (original_source database/rpki_overrides.py:bulk_update, supplemented in
// SPEC_FULL.md).
type BulkOp struct {
	ASNumber      uint32
	Enable        bool
	Reason        string
	Actor         string
	SourceAddress string
}

// BulkResult pairs a BulkOp with its outcome.
type BulkResult struct {
	Op  BulkOp
	Err error
}

// BulkUpdate applies ops independently; a failure on one AS does not abort
// the rest of the batch.
func (s *Store) BulkUpdate(ctx context.Context, ops []BulkOp) []BulkResult {
	results := make([]BulkResult, len(ops))
	for i, op := range ops {
		var err error
		if op.Enable {
			err = s.Enable(ctx, op.ASNumber, op.Reason, op.Actor, op.SourceAddress)
		} else {
			err = s.Disable(ctx, op.ASNumber, op.Reason, op.Actor, op.SourceAddress)
		}
		results[i] = BulkResult{Op: op, Err: err}
	}
	return results
}

// Live returns the current override row for asNumber, if any.
func (s *Store) Live(ctx context.Context, asNumber uint32) (model.Override, bool, error) {
	resp, err := s.client.Get(ctx, liveRowKey(asNumber))
	if err != nil {
		return model.Override{}, false, errkind.New(errkind.Connection, "override.Live", err)
	}
	if len(resp.Kvs) == 0 {
		return model.Override{}, false, nil
	}
	var o model.Override
	if err := json.Unmarshal(resp.Kvs[0].Value, &o); err != nil {
		return model.Override{}, false, errkind.New(errkind.Data, "override.Live", err)
	}
	return o, true, nil
}

// History returns every history entry recorded for asNumber, oldest first.
func (s *Store) History(ctx context.Context, asNumber uint32) ([]model.OverrideHistoryEntry, error) {
	resp, err := s.client.Get(ctx, historyKeyPrefixFor(asNumber), clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, errkind.New(errkind.Connection, "override.History", err)
	}
	out := make([]model.OverrideHistoryEntry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var h model.OverrideHistoryEntry
		if err := json.Unmarshal(kv.Value, &h); err != nil {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// IsDisabled implements rpki.OverrideSource: checks the 60-second disabled
// set cache, refreshing from etcd on a miss.
func (s *Store) IsDisabled(asNumber uint32) bool {
	set, ok := s.disabledCache.Get(disabledCacheKey)
	if !ok {
		refreshed, err := s.loadDisabledSet(context.Background())
		if err != nil {
			if s.log != nil {
				s.log.Warn("failed to refresh disabled-ASN cache", zap.Error(err))
			}
			return false
		}
		set = refreshed
		s.disabledCache.Add(disabledCacheKey, set)
	}
	_, disabled := set[asNumber]
	return disabled
}

func (s *Store) loadDisabledSet(ctx context.Context) (map[uint32]struct{}, error) {
	resp, err := s.client.Get(ctx, liveKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errkind.New(errkind.Connection, "override.loadDisabledSet", err)
	}
	set := make(map[uint32]struct{})
	for _, kv := range resp.Kvs {
		var o model.Override
		if err := json.Unmarshal(kv.Value, &o); err != nil {
			continue
		}
		if !o.Enabled {
			set[o.ASNumber] = struct{}{}
		}
	}
	return set, nil
}

// AllowlistAdd shields an otherwise-INVALID (prefix, AS) pair, flipping the
// RPKI validator's verdict to VALID with allowlisted=true.
func (s *Store) AllowlistAdd(prefix string, asNumber uint32) {
	s.allowlistMu.Lock()
	s.allowlist[allowlistKey{prefix: prefix, asNumber: asNumber}] = struct{}{}
	s.allowlistMu.Unlock()
}

// AllowlistRemove undoes AllowlistAdd.
func (s *Store) AllowlistRemove(prefix string, asNumber uint32) {
	s.allowlistMu.Lock()
	delete(s.allowlist, allowlistKey{prefix: prefix, asNumber: asNumber})
	s.allowlistMu.Unlock()
}

// IsAllowlisted implements rpki.OverrideSource.
func (s *Store) IsAllowlisted(prefix string, asNumber uint32) bool {
	s.allowlistMu.RLock()
	defer s.allowlistMu.RUnlock()
	_, ok := s.allowlist[allowlistKey{prefix: prefix, asNumber: asNumber}]
	return ok
}

func liveRowKey(asNumber uint32) string {
	return fmt.Sprintf("%sAS%d", liveKeyPrefix, asNumber)
}

func historyKeyPrefixFor(asNumber uint32) string {
	return fmt.Sprintf("%sAS%d/", historyKeyPrefix, asNumber)
}

func historyRowKey(asNumber uint32, ts time.Time) string {
	return fmt.Sprintf("%s%020d", historyKeyPrefixFor(asNumber), ts.UnixNano())
}
