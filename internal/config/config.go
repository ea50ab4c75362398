// Package config loads and validates the orchestration engine's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the engine's environment contract (spec §6).
type Config struct {
	General  General                   `toml:"general"`
	Projects map[string]Project        `toml:"projects"`
	Policy   PolicyDefaults            `toml:"policy"`
	Queue    Queue                     `toml:"queue"`
	Agents   map[string]AgentBackend   `toml:"agents"`
	Gates    map[string]GateDefinition `toml:"gates"`
}

// General holds process-wide engine settings.
type General struct {
	LogLevel  string `toml:"log_level"`
	StateDB   string `toml:"state_db"`   // sqlite DSN for event journal/plan store/clarifications
	InstanceID string `toml:"instance_id"`

	// MaxInlineTriggerDepth bounds C8's inline dependent-triggering (spec §4.4, §9 Open Question #2).
	MaxInlineTriggerDepth int `toml:"max_inline_trigger_depth"`

	// DefaultEnforcementMode is the baseline policy enforcement when a project
	// does not override it (spec §6 environment contract).
	DefaultEnforcementMode string `toml:"default_enforcement_mode"` // off, warn, block

	AgentWallTimeDefault Duration `toml:"agent_wall_time_default"`
	QAWallTimeDefault    Duration `toml:"qa_wall_time_default"`

	// AutoGeneratePlanOnMissing toggles spec §6's auto-plan-synthesis behavior.
	AutoGeneratePlanOnMissing bool `toml:"auto_generate_plan_on_missing"`

	// MaxWorkers bounds the in-process pluggable-queue worker pool (spec §5).
	MaxWorkers int `toml:"max_workers"`

	// CancelGrace is the bounded grace period given to an in-flight step
	// before it is force-terminated on Cancel (spec §5).
	CancelGrace Duration `toml:"cancel_grace"`
}

// Project carries the per-project defaults referenced by spec.md §3 ("Project
// ... carries default policy pack, default engine/model, policy enforcement
// mode").
type Project struct {
	DefaultEngineID      string `toml:"default_engine_id"`
	DefaultModel         string `toml:"default_model"`
	PolicyEnforcement    string `toml:"policy_enforcement"` // off, warn, block
	BaseBranch           string `toml:"base_branch"`
	BranchPrefix         string `toml:"branch_prefix"` // default "proto/"
	RepoPath             string `toml:"repo_path"`
	AutoCloneIfMissing   bool   `toml:"auto_clone_if_missing"`
}

// PolicyDefaults are the fallback policy values a StepSpec inherits when its
// own `policies` block omits a field (spec.md §3 StepSpec.policies).
type PolicyDefaults struct {
	MaxLoops        int      `toml:"max_loops"`
	RetryMax        int      `toml:"retry_max"`
	TokenBudget     int      `toml:"token_budget"`
	RetryInitialDelay Duration `toml:"retry_initial_delay"`
	RetryBackoffFactor float64 `toml:"retry_backoff_factor"`
	RetryMaxDelay   Duration `toml:"retry_max_delay"`
}

// Queue selects and configures the pluggable job-queue backend (spec §5).
type Queue struct {
	Backend string      `toml:"backend"` // "inprocess", "temporal", "redis"
	Temporal TemporalCfg `toml:"temporal"`
	Redis    RedisCfg    `toml:"redis"`
}

type TemporalCfg struct {
	HostPort  string `toml:"host_port"`
	Namespace string `toml:"namespace"`
	TaskQueue string `toml:"task_queue"`
}

type RedisCfg struct {
	Addr      string `toml:"addr"`
	KeyPrefix string `toml:"key_prefix"`
}

// AgentBackend configures one named AgentAdapter backend (shell, docker, fake).
type AgentBackend struct {
	Kind    string            `toml:"kind"` // "shell", "docker", "fake"
	Command string            `toml:"command"`
	Image   string            `toml:"image"`
	Env     map[string]string `toml:"env"`
}

// GateDefinition configures one named deterministic QA gate (spec §4.5).
type GateDefinition struct {
	Command  string   `toml:"command"`
	Args     []string `toml:"args"`
	Required bool     `toml:"required"`
}

// Clone returns a deep copy of cfg so callers can safely mutate the result.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	cloned := *cfg
	cloned.Projects = cloneProjects(cfg.Projects)
	cloned.Agents = cloneAgents(cfg.Agents)
	cloned.Gates = cloneGates(cfg.Gates)
	return &cloned
}

func cloneProjects(in map[string]Project) map[string]Project {
	if in == nil {
		return nil
	}
	out := make(map[string]Project, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneAgents(in map[string]AgentBackend) map[string]AgentBackend {
	if in == nil {
		return nil
	}
	out := make(map[string]AgentBackend, len(in))
	for k, v := range in {
		env := make(map[string]string, len(v.Env))
		for ek, ev := range v.Env {
			env[ek] = ev
		}
		v.Env = env
		out[k] = v
	}
	return out
}

func cloneGates(in map[string]GateDefinition) map[string]GateDefinition {
	if in == nil {
		return nil
	}
	out := make(map[string]GateDefinition, len(in))
	for k, v := range in {
		args := make([]string, len(v.Args))
		copy(args, v.Args)
		v.Args = args
		out[k] = v
	}
	return out
}

// Load reads and validates an engine TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// LoadManager reads config from path and returns an RWMutex-backed thread-safe manager.
func LoadManager(path string) (ConfigManager, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewRWMutexManager(cfg), nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.MaxInlineTriggerDepth == 0 {
		cfg.General.MaxInlineTriggerDepth = 3
	}
	if cfg.General.DefaultEnforcementMode == "" {
		cfg.General.DefaultEnforcementMode = "warn"
	}
	if cfg.General.AgentWallTimeDefault.Duration == 0 {
		cfg.General.AgentWallTimeDefault.Duration = 15 * time.Minute
	}
	if cfg.General.QAWallTimeDefault.Duration == 0 {
		cfg.General.QAWallTimeDefault.Duration = 5 * time.Minute
	}
	if cfg.General.MaxWorkers == 0 {
		cfg.General.MaxWorkers = 8
	}
	if cfg.General.CancelGrace.Duration == 0 {
		cfg.General.CancelGrace.Duration = 30 * time.Second
	}

	if cfg.Policy.MaxLoops == 0 {
		cfg.Policy.MaxLoops = 3
	}
	if cfg.Policy.RetryMax == 0 {
		cfg.Policy.RetryMax = 2
	}
	if cfg.Policy.RetryInitialDelay.Duration == 0 {
		cfg.Policy.RetryInitialDelay.Duration = 5 * time.Second
	}
	if cfg.Policy.RetryBackoffFactor == 0 {
		cfg.Policy.RetryBackoffFactor = 2.0
	}
	if cfg.Policy.RetryMaxDelay.Duration == 0 {
		cfg.Policy.RetryMaxDelay.Duration = 2 * time.Minute
	}

	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "inprocess"
	}
	if cfg.Queue.Temporal.TaskQueue == "" {
		cfg.Queue.Temporal.TaskQueue = "protocol-engine"
	}
	if cfg.Queue.Redis.KeyPrefix == "" {
		cfg.Queue.Redis.KeyPrefix = "protoengine"
	}

	for name, p := range cfg.Projects {
		if p.BaseBranch == "" {
			p.BaseBranch = "main"
		}
		if p.BranchPrefix == "" {
			p.BranchPrefix = "proto/"
		}
		if p.PolicyEnforcement == "" {
			p.PolicyEnforcement = cfg.General.DefaultEnforcementMode
		}
		cfg.Projects[name] = p
	}
}

func normalizePaths(cfg *Config) {
	cfg.General.StateDB = ExpandHome(strings.TrimSpace(cfg.General.StateDB))
	for name, p := range cfg.Projects {
		p.RepoPath = ExpandHome(strings.TrimSpace(p.RepoPath))
		cfg.Projects[name] = p
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

func validate(cfg *Config) error {
	switch cfg.General.DefaultEnforcementMode {
	case "off", "warn", "block":
	default:
		return fmt.Errorf("general.default_enforcement_mode must be one of off, warn, block, got %q", cfg.General.DefaultEnforcementMode)
	}

	switch cfg.Queue.Backend {
	case "inprocess", "temporal", "redis":
	default:
		return fmt.Errorf("queue.backend must be one of inprocess, temporal, redis, got %q", cfg.Queue.Backend)
	}

	if cfg.General.MaxInlineTriggerDepth < 0 {
		return fmt.Errorf("general.max_inline_trigger_depth cannot be negative")
	}
	if cfg.General.MaxWorkers <= 0 {
		return fmt.Errorf("general.max_workers must be > 0")
	}

	names := make([]string, 0, len(cfg.Projects))
	for name := range cfg.Projects {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic error ordering across runs
	for _, name := range names {
		p := cfg.Projects[name]
		switch p.PolicyEnforcement {
		case "off", "warn", "block":
		default:
			return fmt.Errorf("project %q policy_enforcement must be one of off, warn, block, got %q", name, p.PolicyEnforcement)
		}
	}

	for name, a := range cfg.Agents {
		switch a.Kind {
		case "shell", "docker", "fake":
		default:
			return fmt.Errorf("agents.%s.kind must be one of shell, docker, fake, got %q", name, a.Kind)
		}
		if a.Kind == "shell" && strings.TrimSpace(a.Command) == "" {
			return fmt.Errorf("agents.%s: shell backend requires command", name)
		}
		if a.Kind == "docker" && strings.TrimSpace(a.Image) == "" {
			return fmt.Errorf("agents.%s: docker backend requires image", name)
		}
	}

	return nil
}
