// Package inspector is the AS extractor / router inspector (C3): it parses
// raw Junos BGP configuration text and extracts discovered AS numbers and
// BGP group membership (spec.md §4.3).
package inspector

import (
	"regexp"
	"strconv"
)

// Pattern selects which command-shape grammar to apply.
type Pattern int

const (
	// PatternPeerAS recognizes "peer-as <n>;" lines from the filtered,
	// legacy batch command shape.
	PatternPeerAS Pattern = iota
	// PatternFull recognizes group blocks with nested neighbor/peer-as
	// statements, contributing group→AS membership.
	PatternFull
)

const (
	minAS = 256
	maxAS = 1<<32 - 1
)

// reservedAS are AS numbers that are always rejected in strict mode,
// regardless of the configured [min,max] range (spec.md §4.3).
var reservedAS = map[uint32]string{
	0:          "RFC 7607 (AS 0 reserved)",
	23456:      "AS_TRANS reserved",
	4294967295: "reserved (all-ones AS)",
}

var (
	rePeerAS     = regexp.MustCompile(`peer-as\s+(\d+)\s*;`)
	reExplicitAS = regexp.MustCompile(`\bAS(\d+)\b`)
	reAutonomous = regexp.MustCompile(`autonomous-system\s+(\d+)\s*;`)
	reGroupOpen  = regexp.MustCompile(`group\s+(\S+)\s*\{`)
)

// Result is the outcome of extracting from one block of configuration text.
type Result struct {
	ASNumbers []uint32            // set-semantics: each value appears once
	Groups    map[string][]uint32 // insertion-ordered per group
	GroupKeys []string            // insertion order of Groups' keys
	Warnings  []string
}

// Range bounds the accepted AS numbers (defaults 256..2^32-1, spec.md §4.3).
type Range struct {
	Min, Max uint32
}

// DefaultRange is the spec.md §4.3 default AS number range.
var DefaultRange = Range{Min: minAS, Max: maxAS}

// Extract parses text according to pattern, validating discovered AS
// numbers against bounds. strict additionally rejects/flags reserved AS
// numbers (0, 23456, 4294967295).
func Extract(text string, pattern Pattern, bounds Range, strict bool) Result {
	seen := make(map[uint32]struct{})
	result := Result{Groups: make(map[string][]uint32)}

	addAS := func(as uint32) bool {
		if reason, reserved := reservedAS[as]; reserved && strict {
			result.Warnings = append(result.Warnings, "rejected AS "+strconv.FormatUint(uint64(as), 10)+": "+reason)
			return false
		}
		if as < bounds.Min || as > bounds.Max {
			result.Warnings = append(result.Warnings, "AS "+strconv.FormatUint(uint64(as), 10)+" out of range ["+
				strconv.FormatUint(uint64(bounds.Min), 10)+","+strconv.FormatUint(uint64(bounds.Max), 10)+"]")
			return false
		}
		if _, ok := seen[as]; !ok {
			seen[as] = struct{}{}
			result.ASNumbers = append(result.ASNumbers, as)
		}
		return true
	}

	switch pattern {
	case PatternPeerAS:
		for _, m := range rePeerAS.FindAllStringSubmatch(text, -1) {
			if as, err := parseASToken(m[1]); err == nil {
				addAS(as)
			}
		}
	case PatternFull:
		extractGroups(text, addAS, &result)
	}

	for _, m := range reAutonomous.FindAllStringSubmatch(text, -1) {
		if as, err := parseASToken(m[1]); err == nil {
			addAS(as)
		}
	}
	for _, m := range reExplicitAS.FindAllStringSubmatch(text, -1) {
		if as, err := parseASToken(m[1]); err == nil {
			addAS(as)
		}
	}

	return result
}

// extractGroups scans for "group <name> { ... }" blocks (brace-depth
// tracked, not regex-nested) and records each nested peer-as into the
// group's membership, matching spec.md §4.3's group inference rule.
func extractGroups(text string, addAS func(uint32) bool, result *Result) {
	locs := reGroupOpen.FindAllStringSubmatchIndex(text, -1)
	for _, loc := range locs {
		name := text[loc[2]:loc[3]]
		braceStart := loc[1] - 1 // index of the '{' itself
		body, ok := blockBody(text, braceStart)
		if !ok {
			continue
		}

		var members []uint32
		for _, m := range rePeerAS.FindAllStringSubmatch(body, -1) {
			as, err := parseASToken(m[1])
			if err != nil || !addAS(as) {
				continue
			}
			members = append(members, as)
		}

		if len(members) == 0 {
			continue
		}
		if _, exists := result.Groups[name]; !exists {
			result.GroupKeys = append(result.GroupKeys, name)
		}
		result.Groups[name] = append(result.Groups[name], members...)
	}
}

// blockBody returns the text between a '{' at openIdx and its matching
// '}', tracking nesting depth.
func blockBody(text string, openIdx int) (string, bool) {
	depth := 0
	for i := openIdx; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[openIdx+1 : i], true
			}
		}
	}
	return "", false
}

func parseASToken(tok string) (uint32, error) {
	v, err := strconv.ParseUint(tok, 10, 64)
	if err != nil {
		return 0, err
	}
	if v > maxAS {
		return 0, strconv.ErrRange
	}
	return uint32(v), nil
}
