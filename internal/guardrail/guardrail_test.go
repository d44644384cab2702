package guardrail

import (
	"testing"

	"github.com/otto-bgp/control-plane/internal/model"
)

func TestValidateConfigRejectsMissingRPKIRule(t *testing.T) {
	e := NewEngine(nil)
	err := e.ValidateConfig([]string{"prefix_count"}, true)
	if err == nil {
		t.Fatal("expected ConfigurationError when RPKI enabled without rpki_validation active")
	}
}

func TestValidateConfigAcceptsRPKIRuleActive(t *testing.T) {
	e := NewEngine(nil)
	if err := e.ValidateConfig([]string{"prefix_count", "rpki_validation"}, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateConfigRejectsUnknownRule(t *testing.T) {
	e := NewEngine(nil)
	if err := e.ValidateConfig([]string{"nonexistent"}, false); err == nil {
		t.Fatal("expected error for unknown rule")
	}
}

func TestEvaluateAutoApplyHappyPath(t *testing.T) {
	e := NewEngine(nil)
	cs := ChangeSet{
		RouterHostname: "r1",
		Changes: []PerASChange{
			{ASNumber: 65001, Prefixes: []string{"8.8.8.0/24"}, SessionCount: 1},
		},
	}
	ctx := Context{PrefixCountMax: 1000, RPKIEnabled: false}
	verdict, err := e.Evaluate([]string{"prefix_count", "bogon_check", "session_impact"}, ctx, ModeAutonomous, cs)
	if err != nil {
		t.Fatal(err)
	}
	if !verdict.Safe || verdict.RiskLevel != Low || !verdict.AutoApply {
		t.Fatalf("verdict = %+v", verdict)
	}
}

func TestEvaluateBogonOverlapBlocksApply(t *testing.T) {
	e := NewEngine(nil)
	cs := ChangeSet{
		Changes: []PerASChange{
			{ASNumber: 65001, Prefixes: []string{"10.1.0.0/24"}},
		},
	}
	verdict, err := e.Evaluate([]string{"bogon_check"}, Context{}, ModeAutonomous, cs)
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Safe || verdict.AutoApply || verdict.RiskLevel != Critical {
		t.Fatalf("expected unsafe/critical verdict for bogon overlap, got %+v", verdict)
	}
}

func TestEvaluateRPKIInvalidBlocksApply(t *testing.T) {
	e := NewEngine(nil)
	cs := ChangeSet{
		Changes: []PerASChange{
			{ASNumber: 65001, RPKIResults: []model.ValidationResult{
				{Prefix: "198.51.100.0/24", ASNumber: 65001, State: model.StateInvalid},
			}},
		},
	}
	ctx := Context{RPKIEnabled: true}
	verdict, err := e.Evaluate([]string{"rpki_validation"}, ctx, ModeAutonomous, cs)
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Safe || verdict.AutoApply {
		t.Fatalf("expected unsafe verdict for RPKI INVALID, got %+v", verdict)
	}
}

func TestEvaluateRPKIAllowlistedDoesNotBlock(t *testing.T) {
	e := NewEngine(nil)
	cs := ChangeSet{
		Changes: []PerASChange{
			{ASNumber: 65001, RPKIResults: []model.ValidationResult{
				{Prefix: "198.51.100.0/24", ASNumber: 65001, State: model.StateInvalid, Allowlisted: true},
			}},
		},
	}
	ctx := Context{RPKIEnabled: true}
	verdict, err := e.Evaluate([]string{"rpki_validation"}, ctx, ModeAutonomous, cs)
	if err != nil {
		t.Fatal(err)
	}
	if !verdict.Safe {
		t.Fatalf("expected safe verdict when INVALID is allowlisted, got %+v", verdict)
	}
}

func TestEvaluateManualModeNeverAutoApplies(t *testing.T) {
	e := NewEngine(nil)
	cs := ChangeSet{Changes: []PerASChange{{ASNumber: 65001, Prefixes: []string{"198.51.100.0/24"}}}}
	verdict, err := e.Evaluate([]string{"prefix_count"}, Context{PrefixCountMax: 1000}, ModeManual, cs)
	if err != nil {
		t.Fatal(err)
	}
	if verdict.AutoApply {
		t.Fatal("manual mode must never auto-apply")
	}
}

func TestSessionImpactEscalatesWithCount(t *testing.T) {
	r := SessionImpactRule{}
	res := r.Evaluate(ChangeSet{Changes: []PerASChange{{SessionCount: 60}}}, Context{})
	if res.RiskContribution != Critical || res.OK {
		t.Fatalf("expected critical/not-ok for 60 sessions, got %+v", res)
	}
}
