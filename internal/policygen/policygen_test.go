package policygen

import (
	"context"
	"testing"
)

func TestValidateASNumberRange(t *testing.T) {
	if err := ValidateASNumber(65001); err != nil {
		t.Errorf("65001 should be valid: %v", err)
	}
	if err := ValidateASNumber(maxASNumber); err != nil {
		t.Errorf("max AS number should be valid: %v", err)
	}
}

func TestValidatePolicyName(t *testing.T) {
	cases := []struct {
		name    string
		wantErr bool
	}{
		{"", false},
		{"CUSTOMERS", false},
		{"AS65001_v4", false},
		{"has space", true},
		{"semi;colon", true},
		{"$(rm -rf /)", true},
		{"toolongtoolongtoolongtoolongtoolongtoolongtoolongtoolongtoolong1234", true},
	}
	for _, c := range cases {
		err := ValidatePolicyName(c.name)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidatePolicyName(%q) err=%v, wantErr=%v", c.name, err, c.wantErr)
		}
	}
}

func TestBuildArgsASNumber(t *testing.T) {
	args := buildArgs(65001, "")
	want := []string{"-J", "-l", "AS65001", "AS65001"}
	if len(args) != len(want) {
		t.Fatalf("got %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("arg %d: got %q, want %q", i, args[i], want[i])
		}
	}
}

func TestBuildArgsASSet(t *testing.T) {
	args := buildArgs(0, "AS-CUSTOMERS")
	want := []string{"-J", "-l", "as-customers", "AS-CUSTOMERS"}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("arg %d: got %q, want %q", i, args[i], want[i])
		}
	}
}

func TestCountPrefixes(t *testing.T) {
	text := "policy-options {\n  prefix-list AS65001 {\n    route-filter 1.2.3.0/24 exact;\n    route-filter 4.5.6.0/24 exact;\n  }\n}\n"
	if got := CountPrefixes(text); got != 2 {
		t.Errorf("CountPrefixes() = %d, want 2", got)
	}
}

func TestCountPrefixesEmpty(t *testing.T) {
	if got := CountPrefixes(""); got != 0 {
		t.Errorf("CountPrefixes(\"\") = %d, want 0", got)
	}
}

func TestWriteCombinedSkipsFailures(t *testing.T) {
	results := []BatchResult{
		{Item: BatchItem{ASNumber: 1}, Result: GenerateResult{Success: true, Text: "A"}},
		{Item: BatchItem{ASNumber: 2}, Result: GenerateResult{Success: false, Err: nil}},
		{Item: BatchItem{ASNumber: 3}, Result: GenerateResult{Success: true, Text: "B"}},
	}
	got := WriteCombined(results)
	want := "A\n! ---\nB"
	if got != want {
		t.Errorf("WriteCombined() = %q, want %q", got, want)
	}
}

func TestPolicyFilename(t *testing.T) {
	if got := PolicyFilename(65001); got != "AS65001_policy.txt" {
		t.Errorf("PolicyFilename(65001) = %q", got)
	}
}

func TestBatchSucceedsWithPartialFailures(t *testing.T) {
	// Batch with an invalid policy name should still report that item's
	// failure without aborting the others. Exercises Generate's validation
	// path without needing a live cache or bgpq4 binary.
	g := New(nil, nil, "/bin/true", 0)
	items := []BatchItem{
		{ASNumber: 1, PolicyName: "bad name"},
		{ASNumber: 2, PolicyName: "bad name"},
	}
	results := g.Batch(context.TODO(), items, 2)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Result.Success {
			t.Errorf("expected failure for invalid policy name, item %+v", r.Item)
		}
	}
}
