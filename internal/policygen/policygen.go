// Package policygen is the policy generator (C7): it wraps the external
// bgpq4 tool, validates input against command-injection before it ever
// reaches a subprocess, consults the policy cache, and batches across many
// AS numbers (spec.md §4.7).
package policygen

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/otto-bgp/control-plane/internal/errkind"
	"github.com/otto-bgp/control-plane/internal/model"
	"github.com/otto-bgp/control-plane/internal/policycache"
)

var policyNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

const maxASNumber = 1<<32 - 1

// ValidateASNumber rejects anything not a valid 32-bit AS number.
func ValidateASNumber(as uint32) error {
	if as > maxASNumber {
		return errkind.New(errkind.Validation, "policygen.ValidateASNumber", fmt.Errorf("AS number %d out of range", as))
	}
	return nil
}

// ValidatePolicyName rejects names with characters outside [A-Za-z0-9_-]
// or longer than 64 characters — this is a command-injection boundary and
// must be enforced before any argument reaches the external tool
// (spec.md §4.7).
func ValidatePolicyName(name string) error {
	if name == "" {
		return nil
	}
	if !policyNamePattern.MatchString(name) {
		return errkind.New(errkind.Validation, "policygen.ValidatePolicyName",
			fmt.Errorf("policy name %q must match [A-Za-z0-9_-]{1,64}", name))
	}
	return nil
}

// GenerateResult is the outcome of one generate() call.
type GenerateResult struct {
	Success   bool
	Text      string
	Err       error
	FromCache bool
}

// RPKIAnnotator supplies per-AS RPKI commentary lines for annotated mode
// (spec.md §4.7 step 5). Implemented by the rpki package's validator.
type RPKIAnnotator interface {
	AnnotateComment(asNumber uint32) string
}

// Generator wraps bgpq4.
type Generator struct {
	log        *zap.Logger
	cache      *policycache.Cache
	binaryPath string
	timeout    time.Duration
	cacheTTL   time.Duration
	annotator  RPKIAnnotator
}

// Option configures a Generator.
type Option func(*Generator)

// WithTimeout overrides the subprocess timeout (default 30s).
func WithTimeout(d time.Duration) Option { return func(g *Generator) { g.timeout = d } }

// WithRPKIAnnotator enables RPKI-annotated mode.
func WithRPKIAnnotator(a RPKIAnnotator) Option { return func(g *Generator) { g.annotator = a } }

// New constructs a Generator bound to a bgpq4 binary path and cache.
func New(log *zap.Logger, cache *policycache.Cache, binaryPath string, cacheTTL time.Duration, opts ...Option) *Generator {
	g := &Generator{log: log, cache: cache, binaryPath: binaryPath, timeout: 30 * time.Second, cacheTTL: cacheTTL}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate builds a prefix-list policy for an AS number or AS-SET. It
// consults the cache first, then spawns bgpq4 on a miss.
func (g *Generator) Generate(ctx context.Context, asNumber uint32, asSet, policyName string) GenerateResult {
	if asSet == "" {
		if err := ValidateASNumber(asNumber); err != nil {
			return GenerateResult{Err: err}
		}
	}
	if err := ValidatePolicyName(policyName); err != nil {
		return GenerateResult{Err: err}
	}

	key := model.CacheKey(asNumber, asSet, policyName)

	if cached, hit, err := g.cache.Get(ctx, key); err != nil {
		g.log.Warn("policy cache read failed, falling through to generation", zap.String("key", key), zap.Error(err))
	} else if hit {
		return GenerateResult{Success: true, Text: cached.Text, FromCache: true}
	}

	args := buildArgs(asNumber, asSet)

	runCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, g.binaryPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return GenerateResult{Err: errkind.New(errkind.Timeout, "policygen.Generate",
				fmt.Errorf("bgpq4 timed out after %s", g.timeout))}
		}
		return GenerateResult{Err: errkind.New(errkind.Connection, "policygen.Generate",
			fmt.Errorf("bgpq4 failed: %w (stderr: %s)", err, stderr.String()))}
	}

	text := stdout.String()
	if g.annotator != nil && asSet == "" {
		text = g.annotator.AnnotateComment(asNumber) + "\n" + text
	}

	count := CountPrefixes(text)
	if err := g.cache.Put(ctx, key, text, count, g.cacheTTL, time.Now()); err != nil {
		g.log.Warn("failed to write policy to cache", zap.String("key", key), zap.Error(err))
	}

	return GenerateResult{Success: true, Text: text}
}

// buildArgs constructs bgpq4's argument vector with explicit flags, never
// a shell-quoted string (spec.md §4.7 step 2).
func buildArgs(asNumber uint32, asSet string) []string {
	if asSet != "" {
		return []string{"-J", "-l", strings.ToLower(asSet), asSet}
	}
	asName := fmt.Sprintf("AS%d", asNumber)
	return []string{"-J", "-l", asName, asName}
}

// CountPrefixes derives prefix_count by counting route-filter entries,
// matching the original implementation's counting rule (spec.md §3,
// SUPPLEMENTED FEATURES in SPEC_FULL.md).
func CountPrefixes(text string) int {
	return strings.Count(text, "route-filter")
}

// BatchItem is one unit of batch generation input.
type BatchItem struct {
	ASNumber   uint32
	ASSet      string
	PolicyName string
}

// BatchResult pairs a BatchItem with its outcome.
type BatchResult struct {
	Item   BatchItem
	Result GenerateResult
}

// Batch processes items with bounded concurrency (a pool separate from the
// SSH collector's). The batch succeeds if at least one item succeeds;
// partial failures are reported per item (spec.md §4.7).
func (gen *Generator) Batch(ctx context.Context, items []BatchItem, workers int) []BatchResult {
	if workers < 1 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}
	if workers == 0 {
		return nil
	}

	results := make([]BatchResult, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range items {
		idx := i
		g.Go(func() error {
			results[idx] = BatchResult{Item: items[idx], Result: gen.Generate(gctx, items[idx].ASNumber, items[idx].ASSet, items[idx].PolicyName)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// WriteCombined concatenates batch outputs with a separator, for
// combined-file mode (spec.md §4.7).
func WriteCombined(results []BatchResult) string {
	var b strings.Builder
	for i, r := range results {
		if !r.Result.Success {
			continue
		}
		if i > 0 {
			b.WriteString("\n! ---\n")
		}
		b.WriteString(r.Result.Text)
	}
	return b.String()
}

// PolicyFilename returns the per-AS output filename, "AS<n>_policy.txt"
// (spec.md §4.7).
func PolicyFilename(asNumber uint32) string {
	return "AS" + strconv.FormatUint(uint64(asNumber), 10) + "_policy.txt"
}
