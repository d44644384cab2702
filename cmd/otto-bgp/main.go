// Command otto-bgp is the main entry point for the Otto BGP control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/crypto/ssh"

	"github.com/otto-bgp/control-plane/internal/config"
	"github.com/otto-bgp/control-plane/internal/discovery"
	"github.com/otto-bgp/control-plane/internal/guardrail"
	"github.com/otto-bgp/control-plane/internal/hostkeys"
	"github.com/otto-bgp/control-plane/internal/inventory"
	"github.com/otto-bgp/control-plane/internal/irrproxy"
	"github.com/otto-bgp/control-plane/internal/model"
	"github.com/otto-bgp/control-plane/internal/netconfapply"
	"github.com/otto-bgp/control-plane/internal/override"
	"github.com/otto-bgp/control-plane/internal/pipeline"
	"github.com/otto-bgp/control-plane/internal/policycache"
	"github.com/otto-bgp/control-plane/internal/policygen"
	"github.com/otto-bgp/control-plane/internal/reports"
	"github.com/otto-bgp/control-plane/internal/rollout"
	"github.com/otto-bgp/control-plane/internal/rpki"
	"github.com/otto-bgp/control-plane/internal/sshcollect"
	"github.com/otto-bgp/control-plane/internal/statusapi"
	"github.com/otto-bgp/control-plane/internal/telemetry"
	"github.com/otto-bgp/control-plane/internal/timeoutmgr"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	var (
		configPath = flag.String("config", "/etc/otto-bgp/config.yaml", "Path to configuration file")
		devicePath = flag.String("devices", "", "Override device inventory CSV path")
		outputDir  = flag.String("output", "", "Override generated-artifact output directory")
		multiHost  = flag.Bool("multi-router", false, "Use the rollout coordinator instead of applying directly")
		listen     = flag.String("listen", "", "Override status API listen address")
		logLevel   = flag.String("log-level", "", "Override log level (debug/info/warn/error)")
		showVer    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Printf("otto-bgp %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *devicePath != "" {
		cfg.SSH.DeviceListPath = *devicePath
	}
	if *outputDir != "" {
		cfg.Generator.OutputDir = *outputDir
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("otto-bgp starting",
		zap.String("version", version),
		zap.String("device_list", cfg.SSH.DeviceListPath),
		zap.String("api_listen", cfg.API.Listen),
		zap.Bool("multi_router", *multiHost),
	)

	p, err := build(log, cfg)
	if err != nil {
		log.Fatal("failed to build pipeline", zap.Error(err))
	}

	devices, err := inventory.LoadCSV(log, cfg.SSH.DeviceListPath)
	if err != nil {
		log.Fatal("failed to load device inventory", zap.Error(err))
	}

	mode := pipeline.ModeSingleRouter
	if *multiHost {
		mode = pipeline.ModeMultiRouter
	}

	result, exitCode := p.RunWithSignalHandling(context.Background(), devices, mode)

	if len(result.RouterProfiles) > 0 {
		persistDiscovery(log, cfg, result.RouterProfiles)
	}

	if err := writeReports(cfg, &result); err != nil {
		log.Error("failed to write reports", zap.Error(err))
	}

	log.Info("otto-bgp run finished",
		zap.Int("exit_code", int(exitCode)),
		zap.Bool("success", result.Success),
		zap.Int("errors", len(result.Errors)),
		zap.Int("warnings", len(result.Warnings)),
	)

	os.Exit(int(exitCode))
}

// build wires every component into a Pipeline, following engine.New's
// "accept a fully-formed config, construct everything up front" shape.
func build(log *zap.Logger, cfg *config.Config) (*pipeline.Pipeline, error) {
	hkStore := hostkeys.New(log, cfg.SetupMode)
	if cfg.HostKeys.KnownHostsPath != "" {
		if _, err := os.Stat(cfg.HostKeys.KnownHostsPath); err == nil {
			log.Info("known_hosts file present; host keys are learned on first connect in setup mode",
				zap.String("path", cfg.HostKeys.KnownHostsPath))
		}
	}

	sshAuth, err := buildSSHAuth(cfg.SSH)
	if err != nil {
		return nil, fmt.Errorf("building ssh auth: %w", err)
	}

	tm := timeoutmgr.New(log)
	go tm.Run(make(chan struct{}))

	collector := sshcollect.New(log, hkStore, cfg.SSH.Username, sshAuth, cfg.SSH.MaxWorkers,
		sshcollect.WithTimeouts(tm.SSH(), tm.Thread()))

	var irrMgr *irrproxy.Manager
	if cfg.IRRProxy.Enabled {
		specs := make([]irrproxy.Spec, len(cfg.IRRProxy.Tunnels))
		for i, t := range cfg.IRRProxy.Tunnels {
			specs[i] = irrproxy.Spec{Name: t.Name, LocalPort: t.LocalPort, RemoteHost: t.RemoteHost, RemotePort: t.RemotePort}
		}
		irrMgr = irrproxy.New(log, hkStore, cfg.IRRProxy.JumpHost, cfg.SSH.Username, sshAuth, specs)
		if err := irrMgr.EstablishAll(context.Background()); err != nil {
			log.Warn("one or more IRR tunnels failed to establish; bgpq4 may fall back to direct IRR reachability",
				zap.Error(err))
		}
	}

	cache := policycache.New(log, cfg.Cache.RedisAddr)

	generator := policygen.New(log, cache, cfg.Generator.BinaryPath, time.Duration(cfg.Cache.DefaultTTL)*time.Second)

	var etcdEndpoints []string
	etcdEndpoints = append(etcdEndpoints, cfg.Discovery.EtcdEndpoints...)
	if len(cfg.Rollout.EtcdEndpoints) > 0 {
		etcdEndpoints = cfg.Rollout.EtcdEndpoints
	}
	etcdClient, err := clientv3.New(clientv3.Config{Endpoints: etcdEndpoints, DialTimeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}

	overrides := override.New(log, etcdClient)

	var validator *rpki.Validator
	if cfg.RPKI.Enabled {
		validator = rpki.New(log, cfg.RPKI.MaxVRPAgeHours, cfg.RPKI.FailClosed, overrides, cfg.RPKI.Workers)
		if snap, err := rpki.LoadSnapshot(log, cfg.RPKI.VRPSnapshotPath); err != nil {
			log.Warn("failed to load initial VRP snapshot; RPKI checks will fail closed until reloaded",
				zap.Error(err))
		} else {
			validator.SetSnapshot(snap)
		}
	} else {
		validator = rpki.New(log, cfg.RPKI.MaxVRPAgeHours, false, overrides, cfg.RPKI.Workers)
	}

	guard := guardrail.NewEngine(log)
	guard.Register(guardrail.PrefixCountRule{})
	guard.Register(guardrail.BogonCheckRule{})
	guard.Register(guardrail.RPKIValidationRule{})
	guard.Register(guardrail.SessionImpactRule{})
	if err := guard.ValidateConfig(cfg.Guardrail.ActiveRules, cfg.RPKI.Enabled); err != nil {
		return nil, fmt.Errorf("invalid guardrail config: %w", err)
	}

	applierOpts := netconfapply.DefaultOptions()
	applierOpts.Port = cfg.NETCONF.Port
	applierOpts.ConnectTimeout = time.Duration(cfg.NETCONF.ConnectTimeoutS) * time.Second
	applierOpts.ConfirmTimeout = time.Duration(cfg.NETCONF.ConfirmTimeoutS) * time.Second
	applier := netconfapply.New(log, applierOpts)

	rolloutStore, err := rollout.NewStore(log, etcdEndpoints)
	if err != nil {
		return nil, fmt.Errorf("connecting rollout store: %w", err)
	}
	coord := rollout.NewCoordinator(log, rolloutStore)

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)
	telemetryCollector := telemetry.NewCollector(log, metrics, coord, time.Duration(cfg.Telemetry.PollIntervalSeconds)*time.Second)
	telemetryCtx, stopTelemetry := context.WithCancel(context.Background())
	go telemetryCollector.Run(telemetryCtx)

	statusSrv := statusapi.NewServer(log, cfg, coord, overrides, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := statusSrv.Start(cfg.API.Listen); err != nil {
		stopTelemetry()
		return nil, fmt.Errorf("starting status api: %w", err)
	}

	p := pipeline.New(log, collector, generator, validator, guard, applier, coord, pipeline.Config{
		SSHUsername:     cfg.SSH.Username,
		SSHAuth:         sshAuth,
		NETCONFUsername: cfg.SSH.Username,
		NETCONFAuth:     sshAuth,
		HostKeyCallback: hkStore.HostKeyCallback(),
		ActiveRules:     cfg.Guardrail.ActiveRules,
		GuardrailCtx: guardrail.Context{
			PrefixCountMax: cfg.Guardrail.PrefixCountMax,
			RPKIEnabled:    cfg.RPKI.Enabled,
		},
		GuardrailMode: guardrail.Mode(cfg.Guardrail.Mode),
		OutputDir:    cfg.Generator.OutputDir,
		CombinedFile: cfg.Generator.CombinedFile,
		Metrics:      metrics,
	})

	p.Register(func() error { statusSrv.Stop(); return nil })
	p.Register(func() error { stopTelemetry(); return nil })
	p.Register(func() error { tm.Stop(); return nil })
	if irrMgr != nil {
		p.Register(func() error { irrMgr.TeardownAll(); return nil })
	}
	p.Register(func() error { return cache.Close() })
	p.Register(func() error { return rolloutStore.Close() })
	p.Register(func() error { return etcdClient.Close() })

	return p, nil
}

func buildSSHAuth(cfg config.SSHConfig) (ssh.AuthMethod, error) {
	if cfg.KeyPath != "" {
		key, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading ssh key %s: %w", cfg.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parsing ssh key %s: %w", cfg.KeyPath, err)
		}
		return ssh.PublicKeys(signer), nil
	}
	return ssh.Password(cfg.Password), nil
}

// persistDiscovery upserts every discovered profile into the discovery
// store and captures a history snapshot (spec.md §4.4, §6). Persistence
// failures degrade to warnings: the run's artifacts and reports are already
// on disk, so losing one discovery upsert is recoverable on the next run.
func persistDiscovery(log *zap.Logger, cfg *config.Config, profiles []*model.RouterProfile) {
	store, err := discovery.New(log, cfg.Discovery.EtcdEndpoints, cfg.Discovery.HistoryDir)
	if err != nil {
		log.Warn("discovery persistence unavailable", zap.Error(err))
		return
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now()
	for _, p := range profiles {
		if err := store.UpsertProfile(ctx, p, now); err != nil {
			log.Warn("failed to persist router profile", zap.String("hostname", p.Hostname), zap.Error(err))
		}
	}
	if path, err := store.Snapshot(ctx, now); err != nil {
		log.Warn("failed to write discovery history snapshot", zap.Error(err))
	} else {
		log.Info("discovery history snapshot written", zap.String("path", path))
	}
}

// writeReports emits the fleet-wide CSV/JSON/text summaries (spec.md §6).
// Per-router AS<n>_policy.txt artifacts are written by the pipeline itself
// as each device clears guardrails; this pass only covers the read-only
// fleet summary.
func writeReports(cfg *config.Config, result *model.PipelineResult) error {
	reportsDir := filepath.Join(cfg.Generator.OutputDir, "reports")
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		return err
	}
	now := time.Now()
	if err := reports.WriteCSV(filepath.Join(reportsDir, "summary.csv"), result.RouterProfiles); err != nil {
		return err
	}
	report := reports.BuildJSONReport(result.RouterProfiles, now)
	if err := reports.WriteJSON(filepath.Join(reportsDir, "report.json"), report); err != nil {
		return err
	}
	return reports.WriteTextSummary(filepath.Join(reportsDir, "summary.txt"), result.RouterProfiles, now)
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.LoadFromFile(path)
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return cfg.Build()
}
