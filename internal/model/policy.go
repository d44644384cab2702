package model

import (
	"fmt"
	"strings"
	"time"
)

// PolicyArtifact is a generated per-AS or per-AS-SET prefix list (spec §3).
type PolicyArtifact struct {
	ASNumber    uint32 // zero when ASSet is set
	ASSet       string
	PolicyName  string
	Text        string
	PrefixCount int
	FetchedAt   time.Time
	TTL         time.Duration
}

// CacheKey computes the canonical fingerprint used by the policy cache:
// "AS<n>:<name|default>" or "<AS-SET-UPPERCASE>:<name|default>" (spec §3).
func (p PolicyArtifact) CacheKey() string {
	return CacheKey(p.ASNumber, p.ASSet, p.PolicyName)
}

// CacheKey builds the canonical fingerprint for an AS number or AS-SET plus
// an optional policy name suffix.
func CacheKey(asNumber uint32, asSet, policyName string) string {
	var base string
	if asSet != "" {
		base = strings.ToUpper(asSet)
	} else {
		base = fmt.Sprintf("AS%d", asNumber)
	}
	if policyName == "" {
		policyName = "default"
	}
	return base + ":" + policyName
}

// Expired reports whether the artifact's TTL has elapsed as of now.
func (p PolicyArtifact) Expired(now time.Time) bool {
	return now.After(p.FetchedAt.Add(p.TTL))
}

// VRP is a single Validated ROA Payload: (prefix, max-length, origin AS).
type VRP struct {
	Prefix    string // CIDR text, e.g. "198.51.100.0/24"
	MaxLength uint8
	OriginAS  uint32
}

// ValidationState is the outcome of checking one (prefix, AS) pair against
// the RPKI snapshot.
type ValidationState int

const (
	StateError ValidationState = iota
	StateValid
	StateInvalid
	StateNotFound
)

func (s ValidationState) String() string {
	switch s {
	case StateValid:
		return "VALID"
	case StateInvalid:
		return "INVALID"
	case StateNotFound:
		return "NOTFOUND"
	default:
		return "ERROR"
	}
}

// ValidationResult is the per-(prefix,AS) RPKI validation outcome.
type ValidationResult struct {
	Prefix      string
	ASNumber    uint32
	State       ValidationState
	Reason      string
	Timestamp   time.Time
	Allowlisted bool
}

// ValidationAggregate is a single-pass summary over a list of results
// (spec §4.8, testable property 4): counts by state plus the allowlisted
// count, computed without a second traversal.
type ValidationAggregate struct {
	Total       int
	Valid       int
	Invalid     int
	NotFound    int
	Error       int
	Allowlisted int
}

// Aggregate computes a ValidationAggregate over results in one pass.
// Duplicate (prefix, AS) pairs within results are each counted — spec §9
// open question 3 resolves duplicate-allowed counting.
func Aggregate(results []ValidationResult) ValidationAggregate {
	var agg ValidationAggregate
	for _, r := range results {
		agg.Total++
		switch r.State {
		case StateValid:
			agg.Valid++
		case StateInvalid:
			agg.Invalid++
		case StateNotFound:
			agg.NotFound++
		default:
			agg.Error++
		}
		if r.Allowlisted {
			agg.Allowlisted++
		}
	}
	return agg
}

// Override is the live RPKI override row for one AS.
type Override struct {
	ASNumber   uint32
	Enabled    bool
	Reason     string
	ModifiedBy string
	ModifiedAt time.Time
}

// OverrideAction names an override history event.
type OverrideAction string

const (
	ActionEnable  OverrideAction = "enable"
	ActionDisable OverrideAction = "disable"
)

// OverrideHistoryEntry is one append-only audit row for an override change.
type OverrideHistoryEntry struct {
	ASNumber      uint32
	Action        OverrideAction
	Reason        string
	Actor         string
	SourceAddress string
	Timestamp     time.Time
}
