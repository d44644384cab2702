package adapter

import (
	"strings"
	"testing"

	"github.com/otto-bgp/control-plane/internal/model"
)

func TestExtractPrefixesDedupesPreservingOrder(t *testing.T) {
	text := "policy-options {\nprefix-list AS65001 {\n    198.51.100.0/24;\n    203.0.113.0/24;\n    198.51.100.0/24;\n}\n}\n"
	got := ExtractPrefixes(text)
	want := []string{"198.51.100.0/24", "203.0.113.0/24"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestAdaptDedupesAcrossASesSharingAList(t *testing.T) {
	profile := model.NewRouterProfile("r1.example", "192.0.2.1")
	policies := []ASPolicy{
		{ASNumber: 65001, PrefixListName: "CUSTOMERS", Prefixes: []string{"198.51.100.0/24", "203.0.113.0/24"}},
		{ASNumber: 65002, PrefixListName: "CUSTOMERS", Prefixes: []string{"203.0.113.0/24", "198.51.100.128/25"}},
	}
	frag := Adapt(profile, policies)

	if strings.Count(frag.Hierarchical, "203.0.113.0/24") != 1 {
		t.Errorf("expected deduplicated prefix to appear once:\n%s", frag.Hierarchical)
	}
	if !strings.Contains(frag.Hierarchical, "prefix-list CUSTOMERS") {
		t.Errorf("expected grouped list name CUSTOMERS:\n%s", frag.Hierarchical)
	}
}

func TestAdaptSetCommandForm(t *testing.T) {
	profile := model.NewRouterProfile("r1.example", "192.0.2.1")
	policies := []ASPolicy{{ASNumber: 65001, Prefixes: []string{"198.51.100.0/24"}}}
	frag := Adapt(profile, policies)
	if !strings.Contains(frag.SetCommands, "set policy-options prefix-list AS65001 198.51.100.0/24") {
		t.Errorf("unexpected set-command output:\n%s", frag.SetCommands)
	}
}

func TestAdaptSectionedGroupsByASRange(t *testing.T) {
	profile := model.NewRouterProfile("r1.example", "192.0.2.1")
	policies := []ASPolicy{
		{ASNumber: 64999, Prefixes: []string{"198.51.100.0/24"}}, // transit
		{ASNumber: 65050, Prefixes: []string{"203.0.113.0/24"}}, // cdn
		{ASNumber: 65200, Prefixes: []string{"192.0.2.0/24"}},   // customer
	}
	frag := Adapt(profile, policies)

	transitIdx := strings.Index(frag.Sectioned, "/* transit */")
	cdnIdx := strings.Index(frag.Sectioned, "/* cdn */")
	customerIdx := strings.Index(frag.Sectioned, "/* customer */")
	if transitIdx < 0 || cdnIdx < 0 || customerIdx < 0 {
		t.Fatalf("expected all three section comments:\n%s", frag.Sectioned)
	}
	if !(transitIdx < cdnIdx && cdnIdx < customerIdx) {
		t.Errorf("expected sections in transit/cdn/customer order:\n%s", frag.Sectioned)
	}
}

func TestASRangeLabel(t *testing.T) {
	cases := []struct {
		as   uint32
		want string
	}{
		{64512, "transit"},
		{65050, "cdn"},
		{65500, "customer"},
	}
	for _, c := range cases {
		if got := ASRangeLabel(c.as); got != c.want {
			t.Errorf("ASRangeLabel(%d) = %q, want %q", c.as, got, c.want)
		}
	}
}
