// Package pipeline is the pipeline orchestrator (C14): for each device it
// runs discovery (C2+C3), resolves each discovered AS's policy (cache or
// C7), validates with RPKI (C8), adapts per-router artifacts (C11),
// evaluates guardrails (C10), and — in multi-router mode — hands control to
// the rollout coordinator (C13) instead of applying directly via C12
// (spec.md §4.14).
package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/otto-bgp/control-plane/internal/adapter"
	"github.com/otto-bgp/control-plane/internal/guardrail"
	"github.com/otto-bgp/control-plane/internal/inspector"
	"github.com/otto-bgp/control-plane/internal/model"
	"github.com/otto-bgp/control-plane/internal/netconfapply"
	"github.com/otto-bgp/control-plane/internal/policygen"
	"github.com/otto-bgp/control-plane/internal/reports"
	"github.com/otto-bgp/control-plane/internal/rollout"
	"github.com/otto-bgp/control-plane/internal/rpki"
	"github.com/otto-bgp/control-plane/internal/sshcollect"
	"github.com/otto-bgp/control-plane/internal/telemetry"
)

// ExitCode is the numeric, categorised process exit status (spec.md §6,
// §4.14).
type ExitCode int

const (
	ExitSuccess           ExitCode = 0
	ExitGenericError      ExitCode = 1
	ExitValidationFailure ExitCode = 2
)

// SignalExitCode maps a caught signal to its 128+signum exit code
// (spec.md §6 "Exit codes").
func SignalExitCode(sig os.Signal) ExitCode {
	if s, ok := sig.(syscall.Signal); ok {
		return ExitCode(128 + int(s))
	}
	return ExitGenericError
}

// Mode selects single-router direct-apply vs multi-router coordinated
// rollout (spec.md §4.14).
type Mode int

const (
	ModeSingleRouter Mode = iota
	ModeMultiRouter
)

// cleanupFunc is one entry in the resource cleanup registry; errors are
// logged, never fatal, so the rest of the registry still runs.
type cleanupFunc func() error

// Pipeline wires every component into one orchestrated run.
type Pipeline struct {
	log *zap.Logger

	collector *sshcollect.Collector
	generator *policygen.Generator
	validator *rpki.Validator
	guardrail *guardrail.Engine
	applier   *netconfapply.Applier
	coord     *rollout.Coordinator

	sshUsername string
	sshAuth     ssh.AuthMethod
	netconfUser string
	netconfAuth ssh.AuthMethod
	hostKeyCB   ssh.HostKeyCallback

	activeRules []string
	guardCtx    guardrail.Context
	guardMode   guardrail.Mode

	outputDir    string
	combinedFile bool

	metrics *telemetry.Metrics

	cleanup []cleanupFunc
}

// Config collects the constructor inputs that are not themselves
// components (credentials, rule selection), kept separate from the
// component fields above for readability.
type Config struct {
	SSHUsername     string
	SSHAuth         ssh.AuthMethod
	NETCONFUsername string
	NETCONFAuth     ssh.AuthMethod
	HostKeyCallback ssh.HostKeyCallback
	ActiveRules     []string
	GuardrailCtx    guardrail.Context
	GuardrailMode   guardrail.Mode // manual when unset: auto-apply requires explicit opt-in
	OutputDir       string         // root for routers/<hostname>/ artifacts; empty disables writes
	CombinedFile    bool
	Metrics         *telemetry.Metrics
}

// New builds a Pipeline from already-constructed components and a
// fully-formed config; it constructs no components itself.
func New(log *zap.Logger, collector *sshcollect.Collector, generator *policygen.Generator,
	validator *rpki.Validator, guard *guardrail.Engine, applier *netconfapply.Applier,
	coord *rollout.Coordinator, cfg Config) *Pipeline {
	mode := cfg.GuardrailMode
	if mode == "" {
		mode = guardrail.ModeManual
	}
	return &Pipeline{
		log: log, collector: collector, generator: generator, validator: validator,
		guardrail: guard, applier: applier, coord: coord,
		sshUsername: cfg.SSHUsername, sshAuth: cfg.SSHAuth,
		netconfUser: cfg.NETCONFUsername, netconfAuth: cfg.NETCONFAuth,
		hostKeyCB: cfg.HostKeyCallback, activeRules: cfg.ActiveRules, guardCtx: cfg.GuardrailCtx,
		guardMode: mode, outputDir: cfg.OutputDir, combinedFile: cfg.CombinedFile,
		metrics: cfg.Metrics,
	}
}

// Register adds fn to the resource cleanup registry, invoked on normal
// exit and on SIGINT/SIGTERM (spec.md §4.14, §9 "scoped resources").
func (p *Pipeline) Register(fn cleanupFunc) { p.cleanup = append(p.cleanup, fn) }

func (p *Pipeline) runCleanup() {
	for i := len(p.cleanup) - 1; i >= 0; i-- {
		if err := p.cleanup[i](); err != nil {
			p.log.Warn("cleanup step failed", zap.Error(err))
		}
	}
}

// RunWithSignalHandling wraps Run with SIGINT/SIGTERM handling: the root
// context is cancelled on signal and the cleanup registry still runs
// (spec.md §4.14). The caught signal is not recovered (signalFromContext
// always returns nil), so after a signal the exit code is the one Run
// returned, not 128+signum.
func (p *Pipeline) RunWithSignalHandling(ctx context.Context, devices []model.Device, mode Mode) (model.PipelineResult, ExitCode) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, code := p.Run(ctx, devices, mode)

	if err := ctx.Err(); err != nil {
		if sig := signalFromContext(ctx); sig != nil {
			return result, SignalExitCode(sig)
		}
	}
	return result, code
}

// signalFromContext has no portable way to recover which signal fired
// from a context.Context alone; callers that need the exact signum should
// use signal.Notify directly. It always returns nil, so
// RunWithSignalHandling returns Run's own exit code on a cancelled
// context.
func signalFromContext(ctx context.Context) os.Signal { return nil }

// Run executes discovery, policy generation, RPKI validation, adaptation,
// and guardrail evaluation for every device, then either applies directly
// (single-router mode) or plans a rollout Run (multi-router mode). The
// cleanup registry always runs before Run returns, on every exit path.
func (p *Pipeline) Run(ctx context.Context, devices []model.Device, mode Mode) (model.PipelineResult, ExitCode) {
	defer p.runCleanup()

	if p.metrics != nil {
		start := time.Now()
		defer func() { p.metrics.PipelineDuration.Observe(time.Since(start).Seconds()) }()
	}

	result := model.PipelineResult{Success: true}

	collectResults := p.collector.Collect(ctx, devices, sshcollect.CommandFull)

	policies := make(map[string]string) // hostname -> combined adapted fragment, for rollout's policy_hash
	fragments := make(map[string]adapter.Fragment)
	approved := make(map[string]bool) // hostname -> guardrail auto-apply decision

	for i, cr := range collectResults {
		device := devices[i]
		if !cr.Success {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: collection failed: %v", device.Hostname, cr.Err))
			if p.metrics != nil {
				p.metrics.DevicesFailed.Inc()
			}
			continue
		}

		profile := device.ToRouterProfile()
		extraction := inspector.Extract(cr.Text, inspector.PatternFull, inspector.DefaultRange, true)
		for _, as := range extraction.ASNumbers {
			profile.AddASNumber(as)
		}
		for _, group := range extraction.GroupKeys {
			profile.AddBGPGroup(group, extraction.Groups[group])
		}
		for _, w := range extraction.Warnings {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %s", device.Hostname, w))
		}

		asPolicies, artifacts, combined, changeSet, err := p.generateAndValidate(ctx, profile)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", device.Hostname, err))
			result.Success = false
			if p.metrics != nil {
				p.metrics.DevicesFailed.Inc()
			}
			continue
		}

		frag := adapter.Adapt(profile, asPolicies)
		fragments[device.Hostname] = frag
		policies[device.Hostname] = frag.Hierarchical

		approved[device.Hostname] = true
		if p.guardrail != nil {
			verdict, err := p.guardrail.Evaluate(p.activeRules, p.guardCtx, p.guardMode, changeSet)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: guardrail evaluation: %v", device.Hostname, err))
				result.Success = false
				if p.metrics != nil {
					p.metrics.DevicesFailed.Inc()
				}
				continue
			}
			if !verdict.Safe {
				result.Warnings = append(result.Warnings, fmt.Sprintf("%s: guardrail verdict unsafe (risk=%s)", device.Hostname, verdict.RiskLevel))
				result.Success = false
				if p.metrics != nil {
					p.metrics.GuardrailBlocked.Inc()
					p.metrics.DevicesFailed.Inc()
				}
				continue
			}
			approved[device.Hostname] = verdict.AutoApply
			if !verdict.AutoApply {
				result.Warnings = append(result.Warnings, fmt.Sprintf("%s: guardrail verdict requires manual confirmation (risk=%s); not applying", device.Hostname, verdict.RiskLevel))
			}
		}

		if p.outputDir != "" {
			if err := reports.WriteRouterArtifacts(p.outputDir, profile, artifacts, combined, time.Now()); err != nil {
				result.Warnings = append(result.Warnings, fmt.Sprintf("%s: writing artifacts: %v", device.Hostname, err))
			}
		}

		if p.metrics != nil {
			p.metrics.DevicesProcessed.Inc()
		}
		result.RouterProfiles = append(result.RouterProfiles, profile)
	}

	if !result.Success {
		return result, ExitValidationFailure
	}

	switch mode {
	case ModeSingleRouter:
		for _, profile := range result.RouterProfiles {
			if !approved[profile.Hostname] {
				continue
			}
			frag := fragments[profile.Hostname]
			if _, err := p.applier.Apply(ctx, profile.Address, p.netconfUser, p.netconfAuth, p.hostKeyCB, frag.Hierarchical); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: apply: %v", profile.Hostname, err))
				result.Success = false
			}
		}
	case ModeMultiRouter:
		if p.coord == nil {
			result.Errors = append(result.Errors, "multi-router mode requires a rollout coordinator")
			return result, ExitGenericError
		}
		rdevices := make([]rollout.Device, 0, len(result.RouterProfiles))
		for _, profile := range result.RouterProfiles {
			if !approved[profile.Hostname] {
				continue
			}
			rdevices = append(rdevices, rollout.Device{
				Hostname: profile.Hostname,
				Attributes: map[string]string{"region": profile.Metadata.Region, "role": profile.Metadata.Role},
			})
		}
		if len(rdevices) > 0 {
			if _, err := p.coord.PlanRun(ctx, rdevices, policies, rollout.Strategy{Kind: rollout.StrategyBlast}, "pipeline"); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("planning rollout: %v", err))
				return result, ExitGenericError
			}
			addresses := make(map[string]string, len(result.RouterProfiles))
			for _, profile := range result.RouterProfiles {
				addresses[profile.Hostname] = profile.Address
			}
			if err := p.driveRollout(ctx, addresses, fragments, rollout.DefaultConcurrency); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("rollout: %v", err))
				result.Success = false
			}
		}
	}

	if !result.Success {
		return result, ExitValidationFailure
	}
	return result, ExitSuccess
}

// driveRollout dispenses batches from the coordinator until NextBatch
// reports the run complete (a nil batch with no in-progress stage left),
// applying each target's fragment with bounded concurrency matching the
// batch size the coordinator itself handed out (spec.md §4.13, §5 "Four
// distinct pools"). A nil batch while targets remain in_progress means
// another caller is mid-flight on this run; driveRollout treats that as
// done for this call, matching SPEC_FULL.md Open Question decision 2
// (the coordinator doesn't spin — neither does its caller).
func (p *Pipeline) driveRollout(ctx context.Context, addresses map[string]string, fragments map[string]adapter.Fragment, concurrency int) error {
	for {
		batch, err := p.coord.NextBatch(ctx, concurrency)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(len(batch))
		for _, target := range batch {
			t := target
			g.Go(func() error {
				addr, ok := addresses[t.Hostname]
				if !ok {
					return p.coord.SkipTarget(gctx, t.ID, "no address resolved for hostname")
				}
				frag := fragments[t.Hostname]
				if _, err := p.applier.Apply(gctx, addr, p.netconfUser, p.netconfAuth, p.hostKeyCB, frag.Hierarchical); err != nil {
					return p.coord.FailTarget(gctx, t.ID, err.Error())
				}
				return p.coord.CompleteTarget(gctx, t.ID)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

// generateAndValidate resolves a policy for every AS the profile
// discovered (batched through C7) and validates the extracted prefixes
// with C8, producing the adapted-fragment input, the per-AS policy
// artifacts (and combined text, when configured) for the router's
// artifact directory, and the guardrail ChangeSet in one pass.
func (p *Pipeline) generateAndValidate(ctx context.Context, profile *model.RouterProfile) ([]adapter.ASPolicy, []model.PolicyArtifact, string, guardrail.ChangeSet, error) {
	asNumbers := profile.SortedASNumbers()
	items := make([]policygen.BatchItem, len(asNumbers))
	for i, as := range asNumbers {
		items[i] = policygen.BatchItem{ASNumber: as}
	}
	genResults := p.generator.Batch(ctx, items, len(items))

	var asPolicies []adapter.ASPolicy
	var artifacts []model.PolicyArtifact
	cs := guardrail.ChangeSet{RouterHostname: profile.Hostname}

	for _, gr := range genResults {
		if !gr.Result.Success {
			continue
		}
		if p.metrics != nil {
			if gr.Result.FromCache {
				p.metrics.PolicyCacheHits.Inc()
			} else {
				p.metrics.PoliciesGenerated.Inc()
			}
		}
		prefixes := adapter.ExtractPrefixes(gr.Result.Text)

		var rpkiResults []model.ValidationResult
		if p.validator != nil {
			summary := p.validator.CheckAS(ctx, gr.Item.ASNumber, prefixes)
			rpkiResults = summary.Results
			if p.metrics != nil {
				for _, rr := range rpkiResults {
					if rr.State == model.StateInvalid {
						p.metrics.RPKIInvalidTotal.Inc()
					}
				}
			}
		}

		asPolicies = append(asPolicies, adapter.ASPolicy{ASNumber: gr.Item.ASNumber, Prefixes: prefixes})
		artifacts = append(artifacts, model.PolicyArtifact{
			ASNumber: gr.Item.ASNumber, ASSet: gr.Item.ASSet, PolicyName: gr.Item.PolicyName,
			Text: gr.Result.Text, PrefixCount: policygen.CountPrefixes(gr.Result.Text), FetchedAt: time.Now(),
		})
		cs.Changes = append(cs.Changes, guardrail.PerASChange{
			ASNumber: gr.Item.ASNumber, Prefixes: prefixes, RPKIResults: rpkiResults,
		})
	}

	var combined string
	if p.combinedFile {
		combined = policygen.WriteCombined(genResults)
	}

	return asPolicies, artifacts, combined, cs, nil
}
