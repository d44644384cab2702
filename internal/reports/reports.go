// Package reports generates the per-router artifact layout and fleet-wide
// reports spec.md §6 names: per-router metadata.json, and CSV/JSON/text
// summaries under reports/.
package reports

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/otto-bgp/control-plane/internal/errkind"
	"github.com/otto-bgp/control-plane/internal/model"
)

// RouterMetadata is the per-router metadata.json shape (spec.md §6).
type RouterMetadata struct {
	Hostname     string   `json:"hostname"`
	SafeHostname string   `json:"safe_hostname"`
	CreatedAt    string   `json:"created_at"`
	LastUpdated  string   `json:"last_updated"`
	Policies     []string `json:"policies"`
	ASNumbers    []uint32 `json:"as_numbers"`
}

// WriteRouterArtifacts writes routers/<safe-hostname>/AS<n>_policy.txt for
// every successful artifact, an optional combined file, and metadata.json
// (spec.md §6 "Generated artifacts").
func WriteRouterArtifacts(rootDir string, profile *model.RouterProfile, policies []model.PolicyArtifact, combined string, now time.Time) error {
	dir := filepath.Join(rootDir, "routers", profile.SafeHostname())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errkind.New(errkind.Data, "reports.WriteRouterArtifacts", fmt.Errorf("creating router dir: %w", err))
	}

	var filenames []string
	var asNumbers []uint32
	for _, p := range policies {
		if p.ASSet != "" {
			continue
		}
		name := fmt.Sprintf("AS%d_policy.txt", p.ASNumber)
		if err := os.WriteFile(filepath.Join(dir, name), []byte(p.Text), 0644); err != nil {
			return errkind.New(errkind.Data, "reports.WriteRouterArtifacts", fmt.Errorf("writing %s: %w", name, err))
		}
		filenames = append(filenames, name)
		asNumbers = append(asNumbers, p.ASNumber)
	}

	if combined != "" {
		name := fmt.Sprintf("%s_combined_policy.txt", profile.SafeHostname())
		if err := os.WriteFile(filepath.Join(dir, name), []byte(combined), 0644); err != nil {
			return errkind.New(errkind.Data, "reports.WriteRouterArtifacts", fmt.Errorf("writing combined file: %w", err))
		}
	}

	meta := RouterMetadata{
		Hostname: profile.Hostname, SafeHostname: profile.SafeHostname(),
		CreatedAt: profile.Metadata.CollectedAt.Format(time.RFC3339), LastUpdated: now.Format(time.RFC3339),
		Policies: filenames, ASNumbers: asNumbers,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errkind.New(errkind.Data, "reports.WriteRouterArtifacts", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0644); err != nil {
		return errkind.New(errkind.Data, "reports.WriteRouterArtifacts", fmt.Errorf("writing metadata.json: %w", err))
	}
	return nil
}

// csvHeader is the exact column order spec.md §6 names.
var csvHeader = []string{"Router", "IP Address", "Site", "Role", "AS Count", "AS Numbers", "BGP Groups"}

// WriteCSV emits the fleet summary CSV (spec.md §6).
func WriteCSV(path string, profiles []*model.RouterProfile) error {
	f, err := os.Create(path)
	if err != nil {
		return errkind.New(errkind.Data, "reports.WriteCSV", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return errkind.New(errkind.Data, "reports.WriteCSV", err)
	}
	for _, p := range sortedProfiles(profiles) {
		asNumbers := p.SortedASNumbers()
		asStrs := make([]string, len(asNumbers))
		for i, as := range asNumbers {
			asStrs[i] = strconv.FormatUint(uint64(as), 10)
		}
		row := []string{
			p.Hostname, p.Address, p.Metadata.Region, p.Metadata.Role,
			strconv.Itoa(len(asNumbers)), strings.Join(asStrs, ";"), strings.Join(p.GroupNames(), ";"),
		}
		if err := w.Write(row); err != nil {
			return errkind.New(errkind.Data, "reports.WriteCSV", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errkind.New(errkind.Data, "reports.WriteCSV", err)
	}
	return nil
}

// JSONReport is the full-matrix JSON report shape (spec.md §6).
type JSONReport struct {
	Metadata      JSONMetadata            `json:"_metadata"`
	Routers       map[string]RouterEntry  `json:"routers"`
	ASNumbers     []uint32                `json:"as_numbers"`
	BGPGroups     map[string][]string     `json:"bgp_groups"` // hostname -> group names
	Relationships map[uint32][]string     `json:"relationships"` // AS -> hostnames
	Statistics    JSONStatistics          `json:"statistics"`
}

// JSONMetadata is the report's generation provenance.
type JSONMetadata struct {
	GeneratedAt  string `json:"generated_at"`
	RouterCount  int    `json:"router_count"`
	ASNumberCount int   `json:"as_number_count"`
}

// RouterEntry is one router's contribution to the JSON matrix.
type RouterEntry struct {
	Address   string   `json:"address"`
	Site      string   `json:"site"`
	Role      string   `json:"role"`
	ASNumbers []uint32 `json:"as_numbers"`
	Groups    []string `json:"groups"`
}

// JSONStatistics summarizes the fleet (spec.md §6).
type JSONStatistics struct {
	TotalRouters   int `json:"total_routers"`
	TotalASNumbers int `json:"total_as_numbers"`
	TotalGroups    int `json:"total_groups"`
}

// BuildJSONReport assembles the full-matrix report from a pipeline result.
func BuildJSONReport(profiles []*model.RouterProfile, now time.Time) JSONReport {
	report := JSONReport{
		Routers: make(map[string]RouterEntry), BGPGroups: make(map[string][]string),
		Relationships: make(map[uint32][]string),
	}

	allAS := make(map[uint32]struct{})
	groupSet := make(map[string]struct{})

	for _, p := range sortedProfiles(profiles) {
		asNumbers := p.SortedASNumbers()
		groups := p.GroupNames()
		report.Routers[p.Hostname] = RouterEntry{
			Address: p.Address, Site: p.Metadata.Region, Role: p.Metadata.Role,
			ASNumbers: asNumbers, Groups: groups,
		}
		report.BGPGroups[p.Hostname] = groups
		for _, g := range groups {
			groupSet[g] = struct{}{}
		}
		for _, as := range asNumbers {
			allAS[as] = struct{}{}
			report.Relationships[as] = append(report.Relationships[as], p.Hostname)
		}
	}

	for as := range allAS {
		report.ASNumbers = append(report.ASNumbers, as)
	}
	sort.Slice(report.ASNumbers, func(i, j int) bool { return report.ASNumbers[i] < report.ASNumbers[j] })
	for _, hosts := range report.Relationships {
		sort.Strings(hosts)
	}

	report.Metadata = JSONMetadata{
		GeneratedAt: now.Format(time.RFC3339), RouterCount: len(profiles), ASNumberCount: len(allAS),
	}
	report.Statistics = JSONStatistics{
		TotalRouters: len(profiles), TotalASNumbers: len(allAS), TotalGroups: len(groupSet),
	}
	return report
}

// WriteJSON serializes a JSONReport to path.
func WriteJSON(path string, report JSONReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return errkind.New(errkind.Data, "reports.WriteJSON", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errkind.New(errkind.Data, "reports.WriteJSON", err)
	}
	return nil
}

// WriteTextSummary emits a plain-text human-readable summary (spec.md §6).
func WriteTextSummary(path string, profiles []*model.RouterProfile, now time.Time) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Otto BGP discovery summary — %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "Routers: %d\n\n", len(profiles))
	for _, p := range sortedProfiles(profiles) {
		fmt.Fprintf(&b, "%s (%s)\n", p.Hostname, p.Address)
		fmt.Fprintf(&b, "  AS numbers: %d\n", len(p.DiscoveredASNumbers))
		for _, g := range p.GroupNames() {
			fmt.Fprintf(&b, "  group %s: %d members\n", g, len(p.BGPGroups[g]))
		}
		b.WriteString("\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return errkind.New(errkind.Data, "reports.WriteTextSummary", err)
	}
	return nil
}

func sortedProfiles(profiles []*model.RouterProfile) []*model.RouterProfile {
	out := make([]*model.RouterProfile, len(profiles))
	copy(out, profiles)
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}
