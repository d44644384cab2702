// Package guardrail is the safety/guardrail engine (C10): a registry of
// composable rules that evaluate a candidate change set and produce a
// safety verdict — risk level, issues, and whether the change may be
// auto-applied (spec.md §4.10).
//
// The escalate/de-escalate threshold-and-history shape here is carried
// from the teacher's escalation engine (same RiskLevel values — low,
// medium, high, critical — as its Level type), generalized from a single
// continuously-evaluated metric stream into a one-shot evaluation over a
// pluggable rule set.
package guardrail

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/otto-bgp/control-plane/internal/errkind"
	"github.com/otto-bgp/control-plane/internal/model"
)

// RiskLevel is the aggregate risk verdict for a change set (spec.md §4.10).
type RiskLevel int

const (
	Low RiskLevel = iota
	Medium
	High
	Critical
)

func (l RiskLevel) String() string {
	switch l {
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "low"
	}
}

// Strictness is a rule's configured strictness level.
type Strictness int

const (
	StrictnessLow Strictness = iota
	StrictnessMedium
	StrictnessHigh
	StrictnessStrict
)

// Mode is the operator's guardrail mode: autonomous (may auto-apply) or
// manual (always requires confirmation).
type Mode string

const (
	ModeAutonomous Mode = "autonomous"
	ModeManual     Mode = "manual"
)

// PerASChange is one AS's candidate policy change within a change set.
type PerASChange struct {
	ASNumber     uint32
	Prefixes     []string
	RPKIResults  []model.ValidationResult
	SessionCount int // estimated BGP sessions riding on this AS's policy
}

// ChangeSet is the full candidate change under evaluation.
type ChangeSet struct {
	RouterHostname string
	Changes        []PerASChange
}

// RuleResult is one rule's verdict.
type RuleResult struct {
	Rule             string
	OK               bool
	Issues           []string
	RiskContribution RiskLevel
}

// Rule is a pluggable guardrail check: a pure function of (change set,
// context) to a verdict (spec.md §4.10, design note §9 "polymorphic
// collections over inheritance").
type Rule interface {
	Name() string
	Strictness() Strictness
	Mandatory() bool
	Evaluate(cs ChangeSet, ctx Context) RuleResult
}

// Context carries rule configuration that isn't part of the change set
// itself (thresholds, RPKI-enabled flag, bogon list).
type Context struct {
	PrefixCountMax int
	RPKIEnabled    bool
	BogonPrefixes  []netip.Prefix
}

// Verdict is the engine's aggregate output (spec.md §4.10).
type Verdict struct {
	Safe       bool
	RiskLevel  RiskLevel
	Issues     []string
	AutoApply  bool
	RuleResults []RuleResult
}

// Engine holds the registry of known rules and evaluates change sets
// against the active subset.
type Engine struct {
	log   *zap.Logger
	mu    sync.RWMutex
	rules map[string]Rule

	history []Evaluation
}

// Evaluation records one past Evaluate call for audit/history purposes,
// mirroring the teacher's escalation-event history log.
type Evaluation struct {
	Timestamp time.Time
	Hostname  string
	Verdict   Verdict
}

const maxHistory = 1000

// NewEngine constructs an Engine pre-registered with the four built-in
// rules named in spec.md §4.10.
func NewEngine(log *zap.Logger) *Engine {
	e := &Engine{log: log, rules: make(map[string]Rule)}
	for _, r := range []Rule{
		PrefixCountRule{},
		BogonCheckRule{},
		RPKIValidationRule{},
		SessionImpactRule{},
	} {
		e.rules[r.Name()] = r
	}
	return e
}

// Register adds (or replaces) a rule in the registry.
func (e *Engine) Register(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[r.Name()] = r
}

// ValidateConfig checks that the active rule set is internally consistent
// before the engine ever runs — e.g. RPKI enabled but rpki_validation not
// active is a ConfigurationError, not a silently-allowed state (spec.md
// §4.10).
func (e *Engine) ValidateConfig(activeRules []string, rpkiEnabled bool) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	active := make(map[string]struct{}, len(activeRules))
	for _, name := range activeRules {
		if _, ok := e.rules[name]; !ok {
			return errkind.New(errkind.Configuration, "guardrail.ValidateConfig", fmt.Errorf("unknown guardrail rule %q", name))
		}
		active[name] = struct{}{}
	}
	if rpkiEnabled {
		if _, ok := active["rpki_validation"]; !ok {
			return errkind.New(errkind.Configuration, "guardrail.ValidateConfig",
				fmt.Errorf("rpki enabled but rpki_validation guardrail rule is not active"))
		}
	}
	return nil
}

// Evaluate runs every active rule against cs and aggregates the verdict.
// auto_apply holds iff safe, risk is low, mode is autonomous, and every
// mandatory rule passed (spec.md §4.10).
func (e *Engine) Evaluate(activeRules []string, ctx Context, mode Mode, cs ChangeSet) (Verdict, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var results []RuleResult
	safe := true
	var issues []string
	risk := Low
	mandatoryPassed := true

	for _, name := range activeRules {
		rule, ok := e.rules[name]
		if !ok {
			return Verdict{}, errkind.New(errkind.Configuration, "guardrail.Evaluate", fmt.Errorf("unknown guardrail rule %q", name))
		}
		res := rule.Evaluate(cs, ctx)
		results = append(results, res)
		if !res.OK {
			safe = false
			issues = append(issues, res.Issues...)
			if rule.Mandatory() {
				mandatoryPassed = false
			}
		}
		if res.RiskContribution > risk {
			risk = res.RiskContribution
		}
	}

	verdict := Verdict{
		Safe:        safe,
		RiskLevel:   risk,
		Issues:      issues,
		AutoApply:   safe && risk == Low && mode == ModeAutonomous && mandatoryPassed,
		RuleResults: results,
	}

	e.appendHistory(Evaluation{Timestamp: time.Now(), Hostname: cs.RouterHostname, Verdict: verdict})
	if e.log != nil && !verdict.Safe {
		e.log.Warn("guardrail evaluation flagged issues",
			zap.String("router", cs.RouterHostname),
			zap.String("risk", verdict.RiskLevel.String()),
			zap.Strings("issues", verdict.Issues),
		)
	}
	return verdict, nil
}

func (e *Engine) appendHistory(ev Evaluation) {
	e.history = append(e.history, ev)
	if len(e.history) > maxHistory {
		e.history = e.history[len(e.history)-maxHistory:]
	}
}

// History returns past evaluations, oldest first.
func (e *Engine) History() []Evaluation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Evaluation, len(e.history))
	copy(out, e.history)
	return out
}

// --- Built-in rules ---

// PrefixCountRule flags an AS whose prefix count exceeds a configured (or
// default) threshold.
type PrefixCountRule struct{ ThresholdOverride int }

func (PrefixCountRule) Name() string             { return "prefix_count" }
func (PrefixCountRule) Strictness() Strictness   { return StrictnessMedium }
func (PrefixCountRule) Mandatory() bool          { return false }

func (r PrefixCountRule) Evaluate(cs ChangeSet, ctx Context) RuleResult {
	max := ctx.PrefixCountMax
	if r.ThresholdOverride > 0 {
		max = r.ThresholdOverride
	}
	res := RuleResult{Rule: r.Name(), OK: true}
	for _, c := range cs.Changes {
		if max > 0 && len(c.Prefixes) > max {
			res.OK = false
			res.RiskContribution = High
			res.Issues = append(res.Issues, fmt.Sprintf("AS%d: %d prefixes exceeds threshold %d", c.ASNumber, len(c.Prefixes), max))
		}
	}
	return res
}

// BogonCheckRule rejects candidate prefixes that intersect a fixed bogon
// list (spec.md §4.10).
type BogonCheckRule struct{}

func (BogonCheckRule) Name() string           { return "bogon_check" }
func (BogonCheckRule) Strictness() Strictness { return StrictnessHigh }
func (BogonCheckRule) Mandatory() bool        { return true }

// DefaultBogonPrefixes are the well-known non-routable ranges checked when
// the caller doesn't supply its own list.
var DefaultBogonPrefixes = mustParsePrefixes(
	"0.0.0.0/8", "10.0.0.0/8", "100.64.0.0/10", "127.0.0.0/8",
	"169.254.0.0/16", "172.16.0.0/12", "192.0.0.0/24", "192.0.2.0/24",
	"192.168.0.0/16", "198.18.0.0/15", "198.51.100.0/24", "203.0.113.0/24",
	"224.0.0.0/4", "240.0.0.0/4",
)

func mustParsePrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			panic(err)
		}
		out = append(out, p)
	}
	return out
}

func (r BogonCheckRule) Evaluate(cs ChangeSet, ctx Context) RuleResult {
	bogons := ctx.BogonPrefixes
	if len(bogons) == 0 {
		bogons = DefaultBogonPrefixes
	}
	res := RuleResult{Rule: r.Name(), OK: true}
	for _, c := range cs.Changes {
		for _, prefixText := range c.Prefixes {
			p, err := netip.ParsePrefix(prefixText)
			if err != nil {
				continue
			}
			for _, bogon := range bogons {
				if bogon.Overlaps(p) {
					res.OK = false
					res.RiskContribution = Critical
					res.Issues = append(res.Issues, fmt.Sprintf("AS%d: prefix %s overlaps bogon range %s", c.ASNumber, prefixText, bogon))
				}
			}
		}
	}
	return res
}

// RPKIValidationRule is mandatory when RPKI is enabled; any INVALID result
// without an allowlist escalates risk (spec.md §4.10).
type RPKIValidationRule struct{}

func (RPKIValidationRule) Name() string           { return "rpki_validation" }
func (RPKIValidationRule) Strictness() Strictness { return StrictnessStrict }
func (RPKIValidationRule) Mandatory() bool        { return true }

func (r RPKIValidationRule) Evaluate(cs ChangeSet, ctx Context) RuleResult {
	res := RuleResult{Rule: r.Name(), OK: true}
	if !ctx.RPKIEnabled {
		return res
	}
	for _, c := range cs.Changes {
		for _, vr := range c.RPKIResults {
			if vr.State == model.StateInvalid && !vr.Allowlisted {
				res.OK = false
				res.RiskContribution = Critical
				res.Issues = append(res.Issues, fmt.Sprintf("AS%d: %s is RPKI INVALID", c.ASNumber, vr.Prefix))
			} else if vr.State == model.StateError {
				res.OK = false
				if res.RiskContribution < High {
					res.RiskContribution = High
				}
				res.Issues = append(res.Issues, fmt.Sprintf("AS%d: %s RPKI validation error: %s", c.ASNumber, vr.Prefix, vr.Reason))
			}
		}
	}
	return res
}

// SessionImpactRule estimates the number of BGP sessions affected by the
// diff and escalates risk once the estimate crosses thresholds.
type SessionImpactRule struct{}

func (SessionImpactRule) Name() string           { return "session_impact" }
func (SessionImpactRule) Strictness() Strictness { return StrictnessLow }
func (SessionImpactRule) Mandatory() bool        { return false }

func (r SessionImpactRule) Evaluate(cs ChangeSet, ctx Context) RuleResult {
	res := RuleResult{Rule: r.Name(), OK: true}
	total := 0
	for _, c := range cs.Changes {
		total += c.SessionCount
	}
	switch {
	case total > 50:
		res.RiskContribution = Critical
		res.Issues = append(res.Issues, fmt.Sprintf("%d sessions affected", total))
		res.OK = false
	case total > 10:
		res.RiskContribution = High
		res.Issues = append(res.Issues, fmt.Sprintf("%d sessions affected", total))
	case total > 3:
		res.RiskContribution = Medium
	}
	return res
}

// SortRuleResults orders results by rule name for deterministic reporting.
func SortRuleResults(results []RuleResult) []RuleResult {
	out := make([]RuleResult, len(results))
	copy(out, results)
	sort.Slice(out, func(i, j int) bool { return out[i].Rule < out[j].Rule })
	return out
}
