// Package rpki is the RPKI validator (C8): it loads a local VRP snapshot,
// answers per-(prefix, AS) and per-AS validity queries, enforces snapshot
// freshness with fail-closed semantics, and folds in operator overrides and
// allowlist entries (spec.md §4.8).
package rpki

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/otto-bgp/control-plane/internal/errkind"
	"github.com/otto-bgp/control-plane/internal/model"
)

// OverrideSource reports which ASNs currently have RPKI disabled (C9's
// 60-second disabled-ASN cache) and whether a given (prefix, AS) pair is
// shielded by an operator allowlist.
type OverrideSource interface {
	IsDisabled(asNumber uint32) bool
	IsAllowlisted(prefix string, asNumber uint32) bool
}

// Snapshot is an immutable, loaded VRP set plus its file mtime, used as the
// "age" for staleness checks (spec.md §3).
type Snapshot struct {
	VRPs    []model.VRP
	LoadedAt time.Time
	FileMtime time.Time

	byPrefixLen map[int][]parsedVRP // bucketed by prefix bit-length for faster covering search
}

type parsedVRP struct {
	prefix   netip.Prefix
	maxLen   uint8
	originAS uint32
}

// vrpFileRow is one triple of the on-disk VRP snapshot format, a flat JSON
// array of triples, matching what an external RPKI validator (e.g.
// rpki-client, Routinator) would be configured to emit.
type vrpFileRow struct {
	Prefix    string `json:"prefix"`
	MaxLength uint8  `json:"maxLength"`
	ASN       uint32 `json:"asn"`
}

// LoadSnapshot reads and parses a VRP snapshot file. Rows with unparsable
// prefixes are skipped with a warning rather than failing the whole load.
func LoadSnapshot(log *zap.Logger, path string) (*Snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errkind.New(errkind.Data, "rpki.LoadSnapshot", fmt.Errorf("VRP snapshot %s: %w", path, err))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.New(errkind.Data, "rpki.LoadSnapshot", fmt.Errorf("reading VRP snapshot: %w", err))
	}

	var rows []vrpFileRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errkind.New(errkind.Data, "rpki.LoadSnapshot", fmt.Errorf("parsing VRP snapshot: %w", err))
	}

	snap := &Snapshot{
		LoadedAt:    time.Now(),
		FileMtime:   info.ModTime(),
		byPrefixLen: make(map[int][]parsedVRP),
	}
	for _, r := range rows {
		p, err := netip.ParsePrefix(r.Prefix)
		if err != nil {
			if log != nil {
				log.Warn("skipping unparsable VRP prefix", zap.String("prefix", r.Prefix), zap.Error(err))
			}
			continue
		}
		pv := parsedVRP{prefix: p, maxLen: r.MaxLength, originAS: r.ASN}
		snap.VRPs = append(snap.VRPs, model.VRP{Prefix: r.Prefix, MaxLength: r.MaxLength, OriginAS: r.ASN})
		snap.byPrefixLen[p.Bits()] = append(snap.byPrefixLen[p.Bits()], pv)
	}
	return snap, nil
}

// AgeHours reports the snapshot's age in hours as of now, based on file mtime.
func (s *Snapshot) AgeHours(now time.Time) float64 {
	return now.Sub(s.FileMtime).Hours()
}

// covering returns every VRP whose prefix covers query, regardless of origin.
func (s *Snapshot) covering(query netip.Prefix) []parsedVRP {
	var out []parsedVRP
	for bits := 0; bits <= query.Bits(); bits++ {
		for _, v := range s.byPrefixLen[bits] {
			if v.prefix.Addr().Is4() != query.Addr().Is4() {
				continue
			}
			if v.prefix.Contains(query.Addr()) || v.prefix == query {
				out = append(out, v)
			}
		}
	}
	return out
}

// Validator answers RPKI validity queries against a loaded snapshot,
// subject to the configured staleness and fail-closed policy (spec.md §4.8).
type Validator struct {
	log           *zap.Logger
	maxAgeHours   int
	failClosed    bool
	overrides     OverrideSource
	workers       int

	mu   sync.RWMutex
	snap *Snapshot
}

// New constructs a Validator. Call LoadSnapshot and SetSnapshot (or Reload)
// before serving queries.
func New(log *zap.Logger, maxAgeHours int, failClosed bool, overrides OverrideSource, workers int) *Validator {
	if workers < 1 {
		workers = 1
	}
	return &Validator{log: log, maxAgeHours: maxAgeHours, failClosed: failClosed, overrides: overrides, workers: workers}
}

// SetSnapshot installs a newly loaded snapshot atomically.
func (v *Validator) SetSnapshot(s *Snapshot) {
	v.mu.Lock()
	v.snap = s
	v.mu.Unlock()
}

// Reload reloads the snapshot from path and installs it. Used by the
// periodic freshness re-check (spec.md §4.8 preflight "before each batch").
func (v *Validator) Reload(path string) error {
	snap, err := LoadSnapshot(v.log, path)
	if err != nil {
		return err
	}
	v.SetSnapshot(snap)
	return nil
}

// Preflight enforces spec.md §4.8's startup/pre-batch checks: the snapshot
// must exist and be no older than maxAgeHours. When failClosed is set, a
// failing preflight must halt downstream generation with a DataError.
func (v *Validator) Preflight(now time.Time) error {
	v.mu.RLock()
	snap := v.snap
	v.mu.RUnlock()

	if snap == nil {
		if v.failClosed {
			return errkind.New(errkind.Data, "rpki.Preflight", fmt.Errorf("VRP snapshot not loaded"))
		}
		return nil
	}
	if age := snap.AgeHours(now); age > float64(v.maxAgeHours) {
		msg := fmt.Errorf("VRP cache stale: age %.1fh exceeds max %dh", age, v.maxAgeHours)
		if v.failClosed {
			return errkind.New(errkind.Data, "rpki.Preflight", msg)
		}
		if v.log != nil {
			v.log.Warn("VRP snapshot stale but fail_closed is false, proceeding", zap.Float64("age_hours", age))
		}
	}
	return nil
}

// Check validates one (prefix, AS) pair (spec.md §4.8).
func (v *Validator) Check(prefix string, asNumber uint32) model.ValidationResult {
	now := time.Now()
	result := model.ValidationResult{Prefix: prefix, ASNumber: asNumber, Timestamp: now}

	if v.overrides != nil && v.overrides.IsDisabled(asNumber) {
		result.State = model.StateNotFound
		result.Reason = "override: disabled"
		result.Allowlisted = true
		return result
	}

	if err := v.Preflight(now); err != nil {
		result.State = model.StateError
		result.Reason = err.Error()
		return result
	}

	v.mu.RLock()
	snap := v.snap
	v.mu.RUnlock()

	query, err := netip.ParsePrefix(prefix)
	if err != nil {
		result.State = model.StateError
		result.Reason = fmt.Sprintf("invalid prefix %q: %v", prefix, err)
		return result
	}

	covering := snap.covering(query)
	if len(covering) == 0 {
		result.State = model.StateNotFound
		result.Reason = "no covering VRP"
		return result
	}

	for _, c := range covering {
		if c.originAS == asNumber && query.Bits() <= int(c.maxLen) {
			result.State = model.StateValid
			result.Reason = "matched VRP"
			return result
		}
	}

	// Covered, but no VRP matches origin+max-length: INVALID, unless an
	// allowlist entry shields it (spec.md §4.8).
	if v.overrides != nil && v.overrides.IsAllowlisted(prefix, asNumber) {
		result.State = model.StateValid
		result.Reason = "allowlisted"
		result.Allowlisted = true
		return result
	}

	result.State = model.StateInvalid
	result.Reason = "covering VRP(s) present but origin/max-length mismatch"
	return result
}

// ASSummary is the per-AS aggregate over every validated prefix for that AS.
type ASSummary struct {
	ASNumber uint32
	Results  []model.ValidationResult
	Aggregate model.ValidationAggregate
}

// CheckAS validates every prefix in prefixes against asNumber, choosing a
// sequential or chunked-parallel strategy per spec.md §4.8's sizing rule.
func (v *Validator) CheckAS(ctx context.Context, asNumber uint32, prefixes []string) ASSummary {
	results := make([]model.ValidationResult, len(prefixes))

	if len(prefixes) <= 10 {
		for i, p := range prefixes {
			results[i] = v.Check(p, asNumber)
		}
		return ASSummary{ASNumber: asNumber, Results: results, Aggregate: model.Aggregate(results)}
	}

	chunkSize := chunkSizeFor(len(prefixes), v.workers)
	type job struct{ start, end int }
	var jobs []job
	for start := 0; start < len(prefixes); start += chunkSize {
		end := start + chunkSize
		if end > len(prefixes) {
			end = len(prefixes)
		}
		jobs = append(jobs, job{start, end})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.workers)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			for i := j.start; i < j.end; i++ {
				select {
				case <-gctx.Done():
					results[i] = model.ValidationResult{Prefix: prefixes[i], ASNumber: asNumber, State: model.StateError, Reason: "cancelled"}
				default:
					results[i] = v.Check(prefixes[i], asNumber)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	return ASSummary{ASNumber: asNumber, Results: results, Aggregate: model.Aggregate(results)}
}

// chunkSizeFor implements spec.md §4.8's chunk sizing table: larger batches
// get proportionally larger chunks per worker to bound scheduling overhead.
func chunkSizeFor(n, workers int) int {
	var size int
	switch {
	case n <= 50:
		size = n / (4 * workers)
		if size < 3 {
			size = 3
		}
	case n <= 500:
		size = n / (2 * workers)
		if size < 10 {
			size = 10
		}
	default:
		size = n / (3 * workers)
		if size < 25 {
			size = 25
		}
	}
	if size < 1 {
		size = 1
	}
	return size
}

// AnnotateComment implements policygen.RPKIAnnotator: a one-line comment
// summarizing the AS's current RPKI state, prepended to generated policy
// text in annotated mode (spec.md §4.7 step 5).
func (v *Validator) AnnotateComment(asNumber uint32) string {
	if v.overrides != nil && v.overrides.IsDisabled(asNumber) {
		return fmt.Sprintf("! RPKI: AS%d overridden (disabled)", asNumber)
	}
	if err := v.Preflight(time.Now()); err != nil {
		return fmt.Sprintf("! RPKI: AS%d status unknown (%v)", asNumber, err)
	}
	return fmt.Sprintf("! RPKI: AS%d validated against current VRP snapshot", asNumber)
}

// SortedResults returns results ordered by prefix then AS number, useful for
// deterministic reporting.
func SortedResults(results []model.ValidationResult) []model.ValidationResult {
	out := make([]model.ValidationResult, len(results))
	copy(out, results)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Prefix != out[j].Prefix {
			return out[i].Prefix < out[j].Prefix
		}
		return out[i].ASNumber < out[j].ASNumber
	})
	return out
}
