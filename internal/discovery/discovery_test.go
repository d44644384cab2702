package discovery

import "testing"

func TestDiffDetectsAddedTriple(t *testing.T) {
	a := []Row{{Hostname: "r1", Group: "CUSTOMERS", ASNumber: 65001}}
	b := []Row{
		{Hostname: "r1", Group: "CUSTOMERS", ASNumber: 65001},
		{Hostname: "r1", Group: "CUSTOMERS", ASNumber: 65002},
	}
	if !Diff(a, b) {
		t.Error("expected Diff to report a difference when b has an extra triple")
	}
}

func TestDiffIdenticalSets(t *testing.T) {
	a := []Row{
		{Hostname: "r1", Group: "CUSTOMERS", ASNumber: 65001},
		{Hostname: "r2", Group: "TRANSIT", ASNumber: 65002},
	}
	b := []Row{
		{Hostname: "r2", Group: "TRANSIT", ASNumber: 65002},
		{Hostname: "r1", Group: "CUSTOMERS", ASNumber: 65001},
	}
	if Diff(a, b) {
		t.Error("expected Diff to report no difference for identical sets in different order")
	}
}

func TestDiffDetectsRemovedTriple(t *testing.T) {
	a := []Row{
		{Hostname: "r1", Group: "CUSTOMERS", ASNumber: 65001},
		{Hostname: "r1", Group: "CUSTOMERS", ASNumber: 65002},
	}
	b := []Row{{Hostname: "r1", Group: "CUSTOMERS", ASNumber: 65001}}
	if !Diff(a, b) {
		t.Error("expected Diff to report a difference when a triple is removed")
	}
}

func TestRowKeyDistinguishesGroups(t *testing.T) {
	k1 := rowKey("r1", "CUSTOMERS", 65001)
	k2 := rowKey("r1", "TRANSIT", 65001)
	if k1 == k2 {
		t.Errorf("expected distinct keys for distinct groups, got %q twice", k1)
	}
}
