// Package adapter is the policy adapter (C11): it transforms per-AS policy
// text into a router-scoped configuration fragment, deduplicating prefixes
// by exact textual match and grouping them under destination prefix-list
// names (spec.md §4.11).
package adapter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/otto-bgp/control-plane/internal/model"
)

// cidrPattern matches IPv4/IPv6 CIDR literals as they appear in bgpq4's
// Juniper-format (-J) output, one per line inside a prefix-list block.
var cidrPattern = regexp.MustCompile(`([0-9a-fA-F:.]+/[0-9]{1,3})`)

// ExtractPrefixes pulls every CIDR literal out of generated policy text,
// in first-seen order, deduplicated by exact textual match (spec.md §4.11,
// SPEC_FULL.md open-question decision: no CIDR normalization).
func ExtractPrefixes(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, line := range strings.Split(text, "\n") {
		m := cidrPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		p := m[1]
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// ASPolicy is one AS's contribution to a router's configuration: its
// destination prefix-list name and the prefixes it carries.
type ASPolicy struct {
	ASNumber       uint32
	PrefixListName string // defaults to "AS<n>" when empty
	Prefixes       []string
}

// ListName returns the effective prefix-list name for this AS.
func (p ASPolicy) ListName() string {
	if p.PrefixListName != "" {
		return p.PrefixListName
	}
	return fmt.Sprintf("AS%d", p.ASNumber)
}

// Fragment is the adapted, router-scoped configuration output in every
// form spec.md §4.11 names.
type Fragment struct {
	Hierarchical string // policy-options { prefix-list <name> { <prefix>; ... } }
	SetCommands  string // flat "set" command form
	Sectioned    string // hierarchical form with transit/CDN/customer section comments
}

// ASRangeLabel classifies an AS number into a commentary section for the
// sectioned output form. Boundaries are illustrative operator conventions,
// not a protocol-defined range.
func ASRangeLabel(asNumber uint32) string {
	switch {
	case asNumber < 65000:
		return "transit"
	case asNumber >= 65000 && asNumber < 65100:
		return "cdn"
	default:
		return "customer"
	}
}

// Adapt groups policies by prefix-list name, dedupes prefixes within each
// list preserving first-seen order, and emits every output form (spec.md
// §4.11). The router profile is accepted for symmetry with the spec's
// contract; only its hostname is used, for a header comment.
func Adapt(profile *model.RouterProfile, policies []ASPolicy) Fragment {
	grouped, order := groupByListName(policies)

	return Fragment{
		Hierarchical: renderHierarchical(profile, grouped, order),
		SetCommands:  renderSetCommands(profile, grouped, order),
		Sectioned:    renderSectioned(profile, policies, grouped, order),
	}
}

// groupByListName merges prefixes across AS policies sharing a destination
// prefix-list name, deduplicating by exact text and preserving the order
// lists were first seen in.
func groupByListName(policies []ASPolicy) (map[string][]string, []string) {
	grouped := make(map[string][]string)
	seen := make(map[string]map[string]struct{})
	var order []string

	for _, p := range policies {
		name := p.ListName()
		if _, ok := grouped[name]; !ok {
			order = append(order, name)
			seen[name] = make(map[string]struct{})
		}
		for _, prefix := range p.Prefixes {
			if _, ok := seen[name][prefix]; ok {
				continue
			}
			seen[name][prefix] = struct{}{}
			grouped[name] = append(grouped[name], prefix)
		}
	}
	return grouped, order
}

func renderHierarchical(profile *model.RouterProfile, grouped map[string][]string, order []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "/* generated for %s */\n", profile.Hostname)
	b.WriteString("policy-options {\n")
	for _, name := range order {
		fmt.Fprintf(&b, "    prefix-list %s {\n", name)
		for _, prefix := range grouped[name] {
			fmt.Fprintf(&b, "        %s;\n", prefix)
		}
		b.WriteString("    }\n")
	}
	b.WriteString("}\n")
	return b.String()
}

func renderSetCommands(profile *model.RouterProfile, grouped map[string][]string, order []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# generated for %s\n", profile.Hostname)
	for _, name := range order {
		for _, prefix := range grouped[name] {
			fmt.Fprintf(&b, "set policy-options prefix-list %s %s\n", name, prefix)
		}
	}
	return b.String()
}

func renderSectioned(profile *model.RouterProfile, policies []ASPolicy, grouped map[string][]string, order []string) string {
	byRange := make(map[string][]string) // range label -> list names, in first-seen order
	labelOf := make(map[string]string)
	for _, p := range policies {
		name := p.ListName()
		if _, ok := labelOf[name]; ok {
			continue
		}
		label := ASRangeLabel(p.ASNumber)
		labelOf[name] = label
		byRange[label] = append(byRange[label], name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "/* generated for %s */\n", profile.Hostname)
	b.WriteString("policy-options {\n")
	for _, label := range []string{"transit", "cdn", "customer"} {
		names := byRange[label]
		if len(names) == 0 {
			continue
		}
		fmt.Fprintf(&b, "    /* %s */\n", label)
		for _, name := range names {
			fmt.Fprintf(&b, "    prefix-list %s {\n", name)
			for _, prefix := range grouped[name] {
				fmt.Fprintf(&b, "        %s;\n", prefix)
			}
			b.WriteString("    }\n")
		}
	}
	// Any list name present in grouped but not yet emitted (can't happen
	// given byRange is built from the same policies, but keeps Adapt total).
	emitted := make(map[string]struct{})
	for _, names := range byRange {
		for _, n := range names {
			emitted[n] = struct{}{}
		}
	}
	var leftover []string
	for _, name := range order {
		if _, ok := emitted[name]; !ok {
			leftover = append(leftover, name)
		}
	}
	sort.Strings(leftover)
	for _, name := range leftover {
		fmt.Fprintf(&b, "    prefix-list %s {\n", name)
		for _, prefix := range grouped[name] {
			fmt.Fprintf(&b, "        %s;\n", prefix)
		}
		b.WriteString("    }\n")
	}
	b.WriteString("}\n")
	return b.String()
}
