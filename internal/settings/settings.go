// Package settings turns a validated YAML settings file (spec §6.4) into a
// fully wired orchestrator.Orchestrator. It is the only place a plugin_name
// is resolved against a plugin.Registry and handed to the engine core, so
// the CLI (cmd/elspeth) stays a thin caller of Load/Build.
package settings

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/tachyon-beep/elspeth/internal/engine/coalesce"
	"github.com/tachyon-beep/elspeth/internal/engine/graph"
	"github.com/tachyon-beep/elspeth/internal/engine/processor"
	"github.com/tachyon-beep/elspeth/internal/engine/retry"
	"github.com/tachyon-beep/elspeth/internal/engine/sink"
	"github.com/tachyon-beep/elspeth/internal/engine/token"
	"github.com/tachyon-beep/elspeth/internal/engine/trigger"
	"github.com/tachyon-beep/elspeth/internal/landscape"
	"github.com/tachyon-beep/elspeth/internal/orchestrator"
	"github.com/tachyon-beep/elspeth/internal/plugin"
	"github.com/tachyon-beep/elspeth/internal/telemetry"
)

const discardDestination = "discard"

// PluginRef names a plugin and the options it's constructed with.
type PluginRef struct {
	Plugin  string         `yaml:"plugin"`
	Options map[string]any `yaml:"options"`
}

// TransformRef is one entry of the `transforms` list.
type TransformRef struct {
	PluginRef `yaml:",inline"`
	OnError   string `yaml:"on_error"`
	NodeID    string `yaml:"node_id"`
}

// GateRef is one entry of the `gates` list. Routes maps a label to a
// destination name or one of the reserved tokens "continue"/"discard";
// ForkTo, when non-empty, makes this a fork gate (branch name -> target
// name).
type GateRef struct {
	PluginRef `yaml:",inline"`
	Name      string            `yaml:"name"`
	Routes    map[string]string `yaml:"routes"`
	ForkTo    map[string]string `yaml:"fork_to"`
}

// CoalesceRef is one entry of the `coalesce` list.
type CoalesceRef struct {
	Name           string   `yaml:"name"`
	Branches       []string `yaml:"branches"`
	ProducingGate  string   `yaml:"producing_gate"`
	Downstream     string   `yaml:"downstream"`
	Policy         string   `yaml:"policy"`
	Merge          string   `yaml:"merge"`
	TimeoutSeconds *float64 `yaml:"timeout_seconds"`
	QuorumCount    *int     `yaml:"quorum_count"`
	SelectBranch   *string  `yaml:"select_branch"`
}

// AggregationRef is one entry of the `aggregations` map.
type AggregationRef struct {
	Trigger struct {
		Type      string  `yaml:"type"`
		Threshold float64 `yaml:"threshold"`
	} `yaml:"trigger"`
	OutputMode string `yaml:"output_mode"`
}

// RetryRef mirrors retry.Config's user-facing fields.
type RetryRef struct {
	MaxAttempts            int     `yaml:"max_attempts"`
	InitialDelaySeconds    float64 `yaml:"initial_delay_seconds"`
	MaxDelaySeconds        float64 `yaml:"max_delay_seconds"`
	ExponentialBase        float64 `yaml:"exponential_base"`
}

// ExporterRef configures one telemetry exporter by kind.
type ExporterRef struct {
	Kind          string `yaml:"kind"` // "prometheus", "otel", "kafka"
	KafkaBrokers  []string `yaml:"kafka_brokers"`
	KafkaTopic    string   `yaml:"kafka_topic"`
}

// TelemetryRef mirrors spec §6.4's telemetry block.
type TelemetryRef struct {
	Enabled          bool          `yaml:"enabled"`
	Granularity      string        `yaml:"granularity"`
	BackpressureMode string        `yaml:"backpressure_mode"`
	Exporters        []ExporterRef `yaml:"exporters"`
}

// Config is the root of a settings YAML file (spec §6.4).
type Config struct {
	Datasource   PluginRef                 `yaml:"datasource"`
	Transforms   []TransformRef            `yaml:"transforms"`
	Gates        []GateRef                 `yaml:"gates"`
	Coalesce     []CoalesceRef             `yaml:"coalesce"`
	Aggregations map[string]AggregationRef `yaml:"aggregations"`
	Sinks        map[string]PluginRef      `yaml:"sinks"`
	DefaultSink  string                    `yaml:"default_sink"`
	Source       struct {
		OnValidationFailure string `yaml:"on_validation_failure"`
	} `yaml:"source"`
	Retry     RetryRef     `yaml:"retry"`
	Telemetry TelemetryRef `yaml:"telemetry"`

	LandscapePath string `yaml:"landscape_path"`
}

// Load reads and parses a settings file from path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("settings: parse %s: %w", path, err)
	}

	if cfg.Source.OnValidationFailure == "" {
		cfg.Source.OnValidationFailure = discardDestination
	}

	if cfg.LandscapePath == "" {
		cfg.LandscapePath = "elspeth.landscape.db"
	}

	return &cfg, nil
}

// Build resolves every plugin_name in cfg against registry and assembles a
// ready-to-Run orchestrator.Orchestrator. store must already implement
// landscape.Recorder (and, for explain/dag, landscape.LineageReader);
// callers typically pass a freshly opened *sqlite.Store or *postgres.Store.
func Build(cfg *Config, registry *plugin.Registry, store landscape.Recorder, configHash, canonicalVersion string) (*orchestrator.Orchestrator, error) {
	if registry == nil {
		registry = plugin.Default
	}

	src, err := buildSource(cfg, registry)
	if err != nil {
		return nil, err
	}

	sinks, err := buildSinks(cfg, registry)
	if err != nil {
		return nil, err
	}

	transformConfigs, transformSpecs, err := buildTransforms(cfg, registry)
	if err != nil {
		return nil, err
	}

	gateConfigs, gateSpecs, err := buildGates(cfg, registry)
	if err != nil {
		return nil, err
	}

	coalesceConfigs, coalesceSpecs := buildCoalesce(cfg)
	coalExec := coalesce.NewExecutor(coalesceConfigs)

	g, _, err := graph.Build(graph.BuildSpec{
		SourceName:          cfg.Datasource.Plugin,
		OnValidationFailure: cfg.Source.OnValidationFailure,
		Transforms:          transformSpecs,
		Gates:               gateSpecs,
		Coalesces:           coalesceSpecs,
		Aggregations:        aggregationNames(cfg),
		DefaultSink:         cfg.DefaultSink,
	})
	if err != nil {
		return nil, fmt.Errorf("settings: build graph: %w", err)
	}

	sinkBindings, err := bindSinks(g, sinks)
	if err != nil {
		return nil, err
	}

	proc := &processor.Processor{
		Graph:            g,
		Recorder:         store,
		Tokens:           token.NewManager(),
		Coalesce:         coalExec,
		Transforms:       transformConfigs,
		Gates:            gateConfigs,
		BranchToCoalesce: g.GetBranchToCoalesceMap(),
		CoalesceGateIdx:  g.GetCoalesceGateIndex(),
		SourceNodeID:     g.GetSource().ID,
		DefaultSinkName:  cfg.DefaultSink,
	}

	trig := trigger.NewEvaluator()
	for nodeID, agg := range cfg.Aggregations {
		trigCfg, err := aggregationTriggerConfig(agg)
		if err != nil {
			return nil, fmt.Errorf("settings: aggregation %s: %w", nodeID, err)
		}

		if err := trig.Register(nodeID, trigCfg); err != nil {
			return nil, fmt.Errorf("settings: register aggregation %s: %w", nodeID, err)
		}
	}

	telemetryMgr, err := buildTelemetry(cfg)
	if err != nil {
		return nil, err
	}

	return &orchestrator.Orchestrator{
		Recorder:         store,
		Graph:            g,
		Processor:        proc,
		Source:           src,
		Sinks:            sinkBindings,
		Triggers:         trig,
		Coalesce:         coalExec,
		Telemetry:        telemetryMgr,
		ConfigHash:       configHash,
		CanonicalVersion: canonicalVersion,
	}, nil
}

func buildSource(cfg *Config, registry *plugin.Registry) (orchestrator.Source, error) {
	inst, err := registry.New(cfg.Datasource.Plugin, cfg.Datasource.Options)
	if err != nil {
		return nil, fmt.Errorf("settings: datasource: %w", err)
	}

	src, ok := inst.(orchestrator.Source)
	if !ok {
		return nil, fmt.Errorf("settings: plugin %q does not implement orchestrator.Source", cfg.Datasource.Plugin)
	}

	return src, nil
}

func buildSinks(cfg *Config, registry *plugin.Registry) (map[string]sink.Sink, error) {
	out := make(map[string]sink.Sink, len(cfg.Sinks))

	for name, ref := range cfg.Sinks {
		inst, err := registry.New(ref.Plugin, ref.Options)
		if err != nil {
			return nil, fmt.Errorf("settings: sink %s: %w", name, err)
		}

		s, ok := inst.(sink.Sink)
		if !ok {
			return nil, fmt.Errorf("settings: plugin %q does not implement sink.Sink", ref.Plugin)
		}

		out[name] = s
	}

	return out, nil
}

func buildTransforms(cfg *Config, registry *plugin.Registry) ([]processor.TransformConfig, []graph.TransformSpec, error) {
	configs := make([]processor.TransformConfig, 0, len(cfg.Transforms))
	specs := make([]graph.TransformSpec, 0, len(cfg.Transforms))

	for i, t := range cfg.Transforms {
		inst, err := registry.New(t.Plugin, t.Options)
		if err != nil {
			return nil, nil, fmt.Errorf("settings: transform[%d] %s: %w", i, t.Plugin, err)
		}

		xform, ok := inst.(processor.Transform)
		if !ok {
			return nil, nil, fmt.Errorf("settings: plugin %q does not implement processor.Transform", t.Plugin)
		}

		onError := t.OnError
		if onError == "" {
			onError = discardDestination
		}

		nodeID := t.NodeID
		if nodeID == "" {
			nodeID = fmt.Sprintf("transform:%d:%s", i, xform.Name())
		}

		var retryCfg *retry.Config
		if cfg.Retry.MaxAttempts > 0 {
			retryCfg = retry.NewConfig(cfg.Retry.MaxAttempts, cfg.Retry.InitialDelaySeconds, cfg.Retry.MaxDelaySeconds, cfg.Retry.ExponentialBase)
		}

		configs = append(configs, processor.TransformConfig{Transform: xform, NodeID: nodeID, OnError: onError, Retry: retryCfg})
		specs = append(specs, graph.TransformSpec{Name: xform.Name(), OnError: onError})
	}

	return configs, specs, nil
}

func buildGates(cfg *Config, registry *plugin.Registry) ([]processor.GateConfig, []graph.GateSpec, error) {
	configs := make([]processor.GateConfig, 0, len(cfg.Gates))
	specs := make([]graph.GateSpec, 0, len(cfg.Gates))

	for _, g := range cfg.Gates {
		inst, err := registry.New(g.Plugin, g.Options)
		if err != nil {
			return nil, nil, fmt.Errorf("settings: gate %s: %w", g.Name, err)
		}

		gate, ok := inst.(processor.Gate)
		if !ok {
			return nil, nil, fmt.Errorf("settings: plugin %q does not implement processor.Gate", g.Plugin)
		}

		name := g.Name
		if name == "" {
			name = gate.Name()
		}

		configs = append(configs, processor.GateConfig{Gate: gate, NodeID: "gate:" + name})
		specs = append(specs, graph.GateSpec{Name: name, Routes: g.Routes, ForkTo: g.ForkTo})
	}

	return configs, specs, nil
}

func buildCoalesce(cfg *Config) ([]*coalesce.Config, []graph.CoalesceSpec) {
	configs := make([]*coalesce.Config, 0, len(cfg.Coalesce))
	specs := make([]graph.CoalesceSpec, 0, len(cfg.Coalesce))

	for _, c := range cfg.Coalesce {
		configs = append(configs, &coalesce.Config{
			Name:           c.Name,
			Branches:       c.Branches,
			Policy:         coalesce.Policy(c.Policy),
			Merge:          coalesce.MergeStrategy(c.Merge),
			TimeoutSeconds: c.TimeoutSeconds,
			QuorumCount:    c.QuorumCount,
			SelectBranch:   c.SelectBranch,
		})

		specs = append(specs, graph.CoalesceSpec{
			Name:          c.Name,
			Branches:      c.Branches,
			ProducingGate: c.ProducingGate,
			Downstream:    c.Downstream,
			Policy:        c.Policy,
		})
	}

	return configs, specs
}

func aggregationNames(cfg *Config) []string {
	out := make([]string, 0, len(cfg.Aggregations))
	for name := range cfg.Aggregations {
		out = append(out, name)
	}

	return out
}

func aggregationTriggerConfig(agg AggregationRef) (trigger.Config, error) {
	switch agg.Trigger.Type {
	case "COUNT":
		return trigger.Config{Kind: trigger.KindCount, CountThreshold: int(agg.Trigger.Threshold)}, nil
	case "TIME":
		return trigger.Config{Kind: trigger.KindTime, Timeout: time.Duration(agg.Trigger.Threshold) * time.Second}, nil
	case "SIZE":
		return trigger.Config{Kind: trigger.KindSize, SizeThresholdBytes: int64(agg.Trigger.Threshold)}, nil
	default:
		return trigger.Config{}, fmt.Errorf("%w: %s", trigger.ErrUnknownKind, agg.Trigger.Type)
	}
}

func bindSinks(g *graph.Graph, sinks map[string]sink.Sink) (map[string]*orchestrator.SinkBinding, error) {
	out := make(map[string]*orchestrator.SinkBinding, len(sinks))

	for _, n := range g.GetNodes() {
		if n.Type != landscape.NodeSink {
			continue
		}

		s, ok := sinks[n.Name]
		if !ok {
			// Reserved sinks (e.g. the quarantine sink) may not be
			// user-configured; skip binding and let the orchestrator
			// surface ErrUnknownSink if a row actually routes there.
			continue
		}

		out[n.Name] = &orchestrator.SinkBinding{Sink: s, NodeID: n.ID}
	}

	return out, nil
}

func buildTelemetry(cfg *Config) (*telemetry.Manager, error) {
	if !cfg.Telemetry.Enabled {
		return nil, nil
	}

	mode := telemetry.BlockMode
	if cfg.Telemetry.BackpressureMode == string(telemetry.DropMode) {
		mode = telemetry.DropMode
	}

	exporters, err := buildExporters(cfg.Telemetry.Exporters)
	if err != nil {
		return nil, err
	}

	return telemetry.NewManager(mode, exporters), nil
}

func buildExporters(refs []ExporterRef) ([]telemetry.Exporter, error) {
	out := make([]telemetry.Exporter, 0, len(refs))

	for _, ref := range refs {
		exp, err := newExporter(ref)
		if err != nil {
			return nil, err
		}

		out = append(out, exp)
	}

	return out, nil
}

// newExporter is factored out of buildExporters so the kafka/otel/prometheus
// constructors (which live in internal/telemetry and reach into
// ecosystem-specific construction, e.g. a Prometheus registry or an
// OTel TracerProvider) stay reachable from one switch, per kind.
func newExporter(ref ExporterRef) (telemetry.Exporter, error) {
	switch ref.Kind {
	case "kafka":
		return telemetry.NewKafkaExporter(ref.KafkaBrokers, ref.KafkaTopic), nil
	case "prometheus":
		return telemetry.NewPrometheusExporter(defaultPrometheusRegisterer()), nil
	case "otel":
		return telemetry.NewOTelExporter(defaultTracer()), nil
	default:
		return nil, fmt.Errorf("settings: unknown telemetry exporter kind %q", ref.Kind)
	}
}

// defaultPrometheusRegisterer is a package-level registry separate from
// prometheus.DefaultRegisterer so repeated Build calls in the same process
// (tests, `dag`/`explain` sharing a binary with `run`) never hit a
// duplicate-metric registration panic against the global default.
var defaultPromRegistry = prometheus.NewRegistry()

func defaultPrometheusRegisterer() prometheus.Registerer { return defaultPromRegistry }

func defaultTracer() trace.Tracer { return otel.Tracer("elspeth") }
