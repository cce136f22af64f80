package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"switchboard/internal/domain"
)

// Bounds and defaults for the numeric settings. Every value read from a file or
// the environment is clamped into its range by Normalize.
const (
	DefaultLeaseTTLSeconds = 60
	MinLeaseTTLSeconds     = 5
	MaxLeaseTTLSeconds     = 300

	DefaultStaleRunningSeconds = 900
	MinStaleRunningSeconds     = 60
	MaxStaleRunningSeconds     = 86400

	DefaultTaskMaxAttempts = 3

	DefaultIngressMaxAttempts = 3
	MinIngressMaxAttempts     = 1
	MaxIngressMaxAttempts     = 10

	DefaultRetryBaseMs = 1000
	MinRetryBaseMs     = 100
	MaxRetryBaseMs     = 60000

	DefaultRetryMaxMs = 15000
	MaxRetryMaxMs     = 300000

	DefaultApprovalTTLSeconds = 600
	MinApprovalTTLSeconds     = 30
	MaxApprovalTTLSeconds     = 3600

	DefaultIntakeAgentKey = "email-intake"
)

// Config models switchboard.yml.
type Config struct {
	Lease struct {
		TTLSeconds int  `yaml:"ttl_seconds" json:"ttl_seconds"`
		Enforce    bool `yaml:"enforce" json:"enforce"`
	} `yaml:"lease" json:"lease"`
	Tasks struct {
		StaleRunningSeconds int `yaml:"stale_running_seconds" json:"stale_running_seconds"`
		MaxAttempts         int `yaml:"max_attempts" json:"max_attempts"`
	} `yaml:"tasks" json:"tasks"`
	Ingress  Ingress     `yaml:"ingress" json:"ingress"`
	Approval Approval    `yaml:"approval" json:"-"`
	Auth     Auth        `yaml:"auth" json:"-"`
	Agents   []AgentSeed `yaml:"agents" json:"agents"`
	Runtimes Runtimes    `yaml:"runtimes" json:"runtimes"`
	Relay    Relay       `yaml:"relay" json:"relay"`
	Sweep    Sweep       `yaml:"sweep" json:"sweep"`
}

// Sweep holds cron specs for the background maintenance jobs.
type Sweep struct {
	StaleRunning string `yaml:"stale_running" json:"stale_running"`
	LeaseWatch   string `yaml:"lease_watch" json:"lease_watch"`
}

type Ingress struct {
	MaxAttempts           int      `yaml:"max_attempts" json:"max_attempts"`
	RetryBaseMs           int      `yaml:"retry_base_ms" json:"retry_base_ms"`
	RetryMaxMs            int      `yaml:"retry_max_ms" json:"retry_max_ms"`
	TrustedSenders        []string `yaml:"trusted_senders" json:"trusted_senders"`
	BlockedSenders        []string `yaml:"blocked_senders" json:"blocked_senders"`
	RequireTrustedSenders *bool    `yaml:"require_trusted_senders" json:"require_trusted_senders"`
	IntakeAgentKey        string   `yaml:"intake_agent_key" json:"intake_agent_key"`
}

type Approval struct {
	SigningSecret     string `yaml:"signing_secret"`
	DefaultTTLSeconds int    `yaml:"default_ttl_seconds"`
}

type Auth struct {
	JWTSecret   string   `yaml:"jwt_secret"`
	AdminEmails []string `yaml:"admin_emails"`
}

type AgentSeed struct {
	Key         string             `yaml:"key" json:"key"`
	Enabled     *bool              `yaml:"enabled" json:"enabled"`
	Runtime     domain.Runtime     `yaml:"runtime" json:"runtime"`
	Readiness   domain.Readiness   `yaml:"readiness" json:"readiness"`
	ControlRole domain.ControlRole `yaml:"control_role" json:"control_role"`
	Model       string             `yaml:"model" json:"model,omitempty"`
}

type Runtimes struct {
	Local RuntimeEndpoint `yaml:"local" json:"local"`
	Cloud RuntimeEndpoint `yaml:"cloud" json:"cloud"`
}

type RuntimeEndpoint struct {
	BaseURL   string `yaml:"base_url" json:"base_url"`
	Model     string `yaml:"model" json:"model"`
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env,omitempty"`
}

type Relay struct {
	IntervalSeconds int             `yaml:"interval_seconds" json:"interval_seconds"`
	Webhooks        []WebhookConfig `yaml:"webhooks" json:"webhooks"`
	NATS            struct {
		URL     string `yaml:"url" json:"url"`
		Subject string `yaml:"subject" json:"subject"`
	} `yaml:"nats" json:"nats"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret" json:"-"`
	EntityTypes    []string `yaml:"entity_types" json:"entity_types,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// Load reads, normalizes and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with sb config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "switchboard.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	cfg.Normalize()
	return &cfg
}

// FromYAML parses, normalizes and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize applies defaults and clamps every numeric setting into its bounds.
func (c *Config) Normalize() {
	c.Lease.TTLSeconds = clampInt(c.Lease.TTLSeconds, DefaultLeaseTTLSeconds, MinLeaseTTLSeconds, MaxLeaseTTLSeconds)
	c.Tasks.StaleRunningSeconds = clampInt(c.Tasks.StaleRunningSeconds, DefaultStaleRunningSeconds, MinStaleRunningSeconds, MaxStaleRunningSeconds)
	c.Tasks.MaxAttempts = clampInt(c.Tasks.MaxAttempts, DefaultTaskMaxAttempts, 1, 10)
	c.Ingress.MaxAttempts = clampInt(c.Ingress.MaxAttempts, DefaultIngressMaxAttempts, MinIngressMaxAttempts, MaxIngressMaxAttempts)
	c.Ingress.RetryBaseMs = clampInt(c.Ingress.RetryBaseMs, DefaultRetryBaseMs, MinRetryBaseMs, MaxRetryBaseMs)
	c.Ingress.RetryMaxMs = clampInt(c.Ingress.RetryMaxMs, DefaultRetryMaxMs, c.Ingress.RetryBaseMs, MaxRetryMaxMs)
	if c.Ingress.RequireTrustedSenders == nil {
		v := true
		c.Ingress.RequireTrustedSenders = &v
	}
	if strings.TrimSpace(c.Ingress.IntakeAgentKey) == "" {
		c.Ingress.IntakeAgentKey = DefaultIntakeAgentKey
	}
	c.Ingress.TrustedSenders = normalizeEmails(c.Ingress.TrustedSenders)
	c.Ingress.BlockedSenders = normalizeEmails(c.Ingress.BlockedSenders)
	c.Approval.DefaultTTLSeconds = clampInt(c.Approval.DefaultTTLSeconds, DefaultApprovalTTLSeconds, MinApprovalTTLSeconds, MaxApprovalTTLSeconds)
	if c.Relay.IntervalSeconds <= 0 {
		c.Relay.IntervalSeconds = 2
	}
	if c.Relay.NATS.Subject == "" {
		c.Relay.NATS.Subject = "switchboard.audit"
	}
	if c.Sweep.StaleRunning == "" {
		c.Sweep.StaleRunning = "@every 1m"
	}
	if c.Sweep.LeaseWatch == "" {
		c.Sweep.LeaseWatch = "@every 15s"
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for i, a := range c.Agents {
		key := strings.ToLower(strings.TrimSpace(a.Key))
		if key == "" {
			return fmt.Errorf("config.agents[%d].key is required", i)
		}
		if seen[key] {
			return fmt.Errorf("config.agents has duplicate key %s", a.Key)
		}
		seen[key] = true
		switch a.Runtime {
		case domain.RuntimeManual, domain.RuntimeLocal, domain.RuntimeCloud:
		default:
			return fmt.Errorf("agent %s has unknown runtime %q", a.Key, a.Runtime)
		}
		switch a.Readiness {
		case "", domain.ReadinessNotReady, domain.ReadinessReady, domain.ReadinessPaused:
		default:
			return fmt.Errorf("agent %s has unknown readiness %q", a.Key, a.Readiness)
		}
		switch a.ControlRole {
		case "", domain.ControlAlpha, domain.ControlBeta:
		default:
			return fmt.Errorf("agent %s has unknown control_role %q", a.Key, a.ControlRole)
		}
	}
	for i, hook := range c.Relay.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.relay.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// ApplyEnv overlays SWITCHBOARD_* environment values read through v. Numeric
// values that are unparsable or non-finite fall back to the documented default
// before clamping.
func (c *Config) ApplyEnv(v *viper.Viper) {
	if v == nil {
		return
	}
	if raw := v.GetString("lease_ttl_seconds"); raw != "" {
		c.Lease.TTLSeconds = parseNumber(raw, DefaultLeaseTTLSeconds, MinLeaseTTLSeconds, MaxLeaseTTLSeconds)
	}
	if raw := v.GetString("stale_running_seconds"); raw != "" {
		c.Tasks.StaleRunningSeconds = parseNumber(raw, DefaultStaleRunningSeconds, MinStaleRunningSeconds, MaxStaleRunningSeconds)
	}
	if raw := v.GetString("ingress_max_attempts"); raw != "" {
		c.Ingress.MaxAttempts = parseNumber(raw, DefaultIngressMaxAttempts, MinIngressMaxAttempts, MaxIngressMaxAttempts)
	}
	if raw := v.GetString("ingress_retry_base_ms"); raw != "" {
		c.Ingress.RetryBaseMs = parseNumber(raw, DefaultRetryBaseMs, MinRetryBaseMs, MaxRetryBaseMs)
	}
	if raw := v.GetString("ingress_retry_max_ms"); raw != "" {
		c.Ingress.RetryMaxMs = parseNumber(raw, DefaultRetryMaxMs, MinRetryBaseMs, MaxRetryMaxMs)
	}
	if raw := v.GetString("trusted_senders"); raw != "" {
		c.Ingress.TrustedSenders = splitList(raw)
	}
	if raw := v.GetString("blocked_senders"); raw != "" {
		c.Ingress.BlockedSenders = splitList(raw)
	}
	if raw := strings.TrimSpace(v.GetString("require_trusted_senders")); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			b = true
		}
		c.Ingress.RequireTrustedSenders = &b
	}
	if raw := v.GetString("approval_secret"); raw != "" {
		c.Approval.SigningSecret = raw
	}
	if raw := v.GetString("jwt_secret"); raw != "" {
		c.Auth.JWTSecret = raw
	}
	c.Normalize()
}

func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Lease.TTLSeconds) * time.Second
}

func (c *Config) StaleRunningThreshold() time.Duration {
	return time.Duration(c.Tasks.StaleRunningSeconds) * time.Second
}

func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.Ingress.RetryBaseMs) * time.Millisecond
}

func (c *Config) RetryMax() time.Duration {
	return time.Duration(c.Ingress.RetryMaxMs) * time.Millisecond
}

func (c *Config) RequireTrusted() bool {
	return c.Ingress.RequireTrustedSenders == nil || *c.Ingress.RequireTrustedSenders
}

// ClampLeaseTTL bounds a requested lease TTL to [5s, 300s].
func ClampLeaseTTL(d time.Duration) time.Duration {
	switch {
	case d < MinLeaseTTLSeconds*time.Second:
		return MinLeaseTTLSeconds * time.Second
	case d > MaxLeaseTTLSeconds*time.Second:
		return MaxLeaseTTLSeconds * time.Second
	}
	return d
}

// parseNumber reads an env number and clamps it to [lo, hi] before the int
// conversion. Unlike YAML values, an explicit zero is a value, not "unset".
func parseNumber(raw string, def, lo, hi int) int {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return def
	}
	f = math.Max(float64(lo), math.Min(float64(hi), math.Round(f)))
	return int(f)
}

// clampInt treats a zero value as "unset"; it is used for YAML values.
func clampInt(v, def, lo, hi int) int {
	if v == 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func splitList(raw string) []string {
	return normalizeEmails(strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\n'
	}))
}

func normalizeEmails(in []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

const defaultTemplate = `lease:
  ttl_seconds: 60
  enforce: false

tasks:
  stale_running_seconds: 900
  max_attempts: 3

ingress:
  max_attempts: 3
  retry_base_ms: 1000
  retry_max_ms: 15000
  require_trusted_senders: true
  trusted_senders: []
  blocked_senders: []
  intake_agent_key: email-intake

approval:
  default_ttl_seconds: 600

agents:
  - key: alpha
    runtime: LOCAL
    readiness: READY
    control_role: ALPHA
  - key: builder
    runtime: LOCAL
    readiness: READY
    control_role: BETA

runtimes:
  local:
    base_url: http://127.0.0.1:11434/v1
    model: llama3.1
  cloud:
    base_url: https://api.openai.com/v1
    model: gpt-4o-mini
    api_key_env: OPENAI_API_KEY

relay:
  interval_seconds: 2

sweep:
  stale_running: "@every 1m"
  lease_watch: "@every 15s"
`

// RuntimeParams are the connection parameters a worker needs to reach the
// model endpoint of an agent's runtime. Nothing here calls the endpoint.
type RuntimeParams struct {
	Runtime   domain.Runtime `json:"runtime"`
	BaseURL   string         `json:"base_url"`
	Model     string         `json:"model"`
	APIKeyEnv string         `json:"api_key_env,omitempty"`
}

// ResolveRuntime returns the endpoint for a LOCAL or CLOUD agent. An agent
// model configured in the seeds overrides the runtime default.
func (c *Config) ResolveRuntime(agent domain.Agent) (RuntimeParams, error) {
	var ep RuntimeEndpoint
	switch agent.Runtime {
	case domain.RuntimeLocal:
		ep = c.Runtimes.Local
	case domain.RuntimeCloud:
		ep = c.Runtimes.Cloud
	case domain.RuntimeManual:
		return RuntimeParams{}, fmt.Errorf("agent %s uses the MANUAL runtime and has no endpoint", agent.Key)
	default:
		return RuntimeParams{}, fmt.Errorf("agent %s has unknown runtime %q", agent.Key, agent.Runtime)
	}
	if strings.TrimSpace(ep.BaseURL) == "" {
		return RuntimeParams{}, fmt.Errorf("runtimes.%s.base_url is not configured", strings.ToLower(string(agent.Runtime)))
	}
	params := RuntimeParams{Runtime: agent.Runtime, BaseURL: strings.TrimRight(ep.BaseURL, "/"), Model: ep.Model, APIKeyEnv: ep.APIKeyEnv}
	for _, seed := range c.Agents {
		if strings.EqualFold(seed.Key, agent.Key) && seed.Model != "" {
			params.Model = seed.Model
		}
	}
	return params, nil
}
