// Package model holds the data shapes shared across the pipeline:
// router profiles, device descriptors, policy artifacts, and RPKI
// validation results (spec §3).
package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// sanitizeReplacer strips characters that are unsafe in filesystem paths
// from a hostname, matching spec §3's filesystem-safe hostname rule.
var sanitizeReplacer = strings.NewReplacer(
	"/", "-", "\\", "-", ":", "-", "*", "-",
	"?", "-", "\"", "-", "<", "-", ">", "-", "|", "-",
	" ", "_",
)

// SanitizeHostname derives the filesystem-safe form of a hostname used for
// per-router artifact directories (spec §3, testable property 8).
func SanitizeHostname(hostname string) string {
	return sanitizeReplacer.Replace(hostname)
}

// RouterMetadata carries informational, non-authoritative router attributes.
type RouterMetadata struct {
	CollectedAt time.Time
	Platform    string
	Role        string
	Region      string
}

// RouterProfile is the complete BGP profile for one router: its discovered
// AS inventory and BGP group membership. A profile is created by discovery
// and only ever mutated by re-discovery — never deleted implicitly.
type RouterProfile struct {
	Hostname            string
	Address             string
	DiscoveredASNumbers map[uint32]struct{}
	BGPGroups           map[string][]uint32 // insertion-ordered per group
	groupOrder          []string
	Metadata            RouterMetadata
}

// NewRouterProfile creates an empty profile for hostname/address.
func NewRouterProfile(hostname, address string) *RouterProfile {
	return &RouterProfile{
		Hostname:            hostname,
		Address:             address,
		DiscoveredASNumbers: make(map[uint32]struct{}),
		BGPGroups:           make(map[string][]uint32),
		Metadata:            RouterMetadata{CollectedAt: time.Now(), Platform: "junos"},
	}
}

// AddASNumber records a discovered AS number on the profile.
func (p *RouterProfile) AddASNumber(as uint32) {
	p.DiscoveredASNumbers[as] = struct{}{}
}

// AddBGPGroup records (or overwrites) a group's AS membership and ensures
// every member is also present in DiscoveredASNumbers (spec §3 invariant).
func (p *RouterProfile) AddBGPGroup(name string, members []uint32) {
	if _, exists := p.BGPGroups[name]; !exists {
		p.groupOrder = append(p.groupOrder, name)
	}
	p.BGPGroups[name] = members
	for _, as := range members {
		p.AddASNumber(as)
	}
}

// GroupNames returns BGP group names in insertion order.
func (p *RouterProfile) GroupNames() []string {
	out := make([]string, len(p.groupOrder))
	copy(out, p.groupOrder)
	return out
}

// SortedASNumbers returns the discovered AS set in ascending order.
func (p *RouterProfile) SortedASNumbers() []uint32 {
	out := make([]uint32, 0, len(p.DiscoveredASNumbers))
	for as := range p.DiscoveredASNumbers {
		out = append(out, as)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SafeHostname returns the filesystem-safe form of the profile's hostname.
func (p *RouterProfile) SafeHostname() string { return SanitizeHostname(p.Hostname) }

// Device is a row from the device inventory (spec §6): address is
// mandatory, hostname is synthesized if absent.
type Device struct {
	Address  string
	Hostname string
	Role     string
	Region   string
}

// SynthesizeHostname builds the deterministic "router-<addr>" hostname used
// when a device inventory row omits one.
func SynthesizeHostname(address string) string {
	safe := strings.NewReplacer(".", "-", ":", "-").Replace(address)
	return fmt.Sprintf("router-%s", safe)
}

// ToRouterProfile converts a device descriptor into a fresh, empty profile.
func (d Device) ToRouterProfile() *RouterProfile {
	p := NewRouterProfile(d.Hostname, d.Address)
	p.Metadata.Role = d.Role
	p.Metadata.Region = d.Region
	return p
}

// PipelineResult aggregates a pipeline run's router profiles and outcome.
type PipelineResult struct {
	RouterProfiles []*RouterProfile
	Success        bool
	Errors         []string
	Warnings       []string
}

// AllASNumbers returns the union of AS numbers discovered across all routers.
func (r *PipelineResult) AllASNumbers() map[uint32]struct{} {
	all := make(map[uint32]struct{})
	for _, p := range r.RouterProfiles {
		for as := range p.DiscoveredASNumbers {
			all[as] = struct{}{}
		}
	}
	return all
}

// RouterByHostname finds a profile by hostname, or nil if absent.
func (r *PipelineResult) RouterByHostname(hostname string) *RouterProfile {
	for _, p := range r.RouterProfiles {
		if p.Hostname == hostname {
			return p
		}
	}
	return nil
}
