// Package config loads the gateway's static configuration: listen
// addresses, storage connection strings, the configured tool servers, and
// the tool descriptor table the executor consults for approval scoping.
// Settings load from an optional YAML file and are then overridden by
// environment variables, following the same envOr/envIntOr/envDurationOr
// convention the registry command uses.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pml-systems/pml-gateway/internal/dag"
	"github.com/pml-systems/pml-gateway/internal/executor"
	"github.com/pml-systems/pml-gateway/internal/mcpmux"
)

// ToolServer describes one child tool server the multiplexer dials.
type ToolServer struct {
	ID              string            `yaml:"id"`
	Transport       string            `yaml:"transport"` // "stdio" | "http-stream"
	Command         string            `yaml:"command"`
	Args            []string          `yaml:"args"`
	Env             []string          `yaml:"env"`
	Dir             string            `yaml:"dir"`
	URL             string            `yaml:"url"`
	Headers         map[string]string `yaml:"headers"`
	WriteMode       string            `yaml:"writeMode"` // "concurrent" | "mutex"
	InitTimeoutMs   int64             `yaml:"initTimeoutMs"`
	CallTimeoutMs   int64             `yaml:"callTimeoutMs"`
}

// ToolDescriptor is the config-file shape of executor.ToolDescriptor, kept
// separate so the YAML tags don't leak onto the executor's own type.
type ToolDescriptor struct {
	FullID       string `yaml:"id"`
	Scope        string `yaml:"scope"`        // "minimal" | "filesystem" | "network-api"
	ApprovalMode string `yaml:"approvalMode"` // "auto" | "hil"
	// Schema is an optional JSON Schema document (as a YAML mapping, since
	// YAML is a superset of JSON) the executor validates call payloads
	// against before dispatching this tool.
	Schema map[string]any `yaml:"schema"`
}

// Config is the gateway's fully resolved configuration.
type Config struct {
	HTTPAddr  string `yaml:"httpAddr"`
	StdioMode bool   `yaml:"stdioMode"`

	RedisURL        string        `yaml:"redisUrl"`
	RedisPassword   string        `yaml:"-"` // env-only, never written to a config file
	WorkflowTTL     time.Duration `yaml:"workflowTTL"`
	CapabilityDBPath string       `yaml:"capabilityDbPath"`

	DefaultApprovalMode string `yaml:"defaultApprovalMode"`

	ToolServers []ToolServer     `yaml:"toolServers"`
	Tools       []ToolDescriptor `yaml:"tools"`
}

// Defaults mirror the registry command's documented env-var defaults,
// adapted to this gateway's own surface.
var Defaults = Config{
	HTTPAddr:            ":8090",
	StdioMode:           false,
	RedisURL:            "localhost:6379",
	WorkflowTTL:         time.Hour,
	CapabilityDBPath:    "capabilities.db",
	DefaultApprovalMode: "hil",
}

// Load reads path (if non-empty and present) as YAML, then applies
// environment variable overrides on top. A missing path is not an error:
// Defaults plus env vars is a valid configuration for local runs.
func Load(path string) (Config, error) {
	cfg := Defaults

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.HTTPAddr = envOr("GATEWAY_HTTP_ADDR", cfg.HTTPAddr)
	cfg.StdioMode = envBoolOr("GATEWAY_STDIO", cfg.StdioMode)
	cfg.RedisURL = envOr("REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = envOr("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.WorkflowTTL = envDurationOr("WORKFLOW_TTL", cfg.WorkflowTTL)
	cfg.CapabilityDBPath = envOr("CAPABILITY_DB_PATH", cfg.CapabilityDBPath)
	cfg.DefaultApprovalMode = envOr("DEFAULT_APPROVAL_MODE", cfg.DefaultApprovalMode)

	return cfg, nil
}

// ApprovalMode resolves the configured default approval mode to the
// executor's typed enum, falling back to HIL for any unrecognized value so
// an unconfigured or misconfigured gateway never silently auto-approves.
func (c Config) ApprovalMode() executor.ApprovalMode {
	if executor.ApprovalMode(c.DefaultApprovalMode) == executor.ApprovalModeAuto {
		return executor.ApprovalModeAuto
	}
	return executor.ApprovalModeHIL
}

// ToolRegistry builds the static executor.ToolRegistry (and, by extension,
// dispatcher.ToolCatalog) this config describes.
func (c Config) ToolRegistry() executor.StaticToolRegistry {
	reg := make(executor.StaticToolRegistry, len(c.Tools))
	for _, t := range c.Tools {
		var schema json.RawMessage
		if len(t.Schema) > 0 {
			if encoded, err := json.Marshal(t.Schema); err == nil {
				schema = encoded
			}
		}
		reg[t.FullID] = executor.ToolDescriptor{
			FullID:       t.FullID,
			Scope:        scopeOf(t.Scope),
			ApprovalMode: approvalModeOf(t.ApprovalMode),
			Schema:       schema,
		}
	}
	return reg
}

// MCPServerConfigs translates the configured tool servers into
// mcpmux.ServerConfig values ready for Manager.Register.
func (c Config) MCPServerConfigs() []mcpmux.ServerConfig {
	out := make([]mcpmux.ServerConfig, len(c.ToolServers))
	for i, s := range c.ToolServers {
		out[i] = mcpmux.ServerConfig{
			ID:          s.ID,
			Transport:   transportOf(s.Transport),
			Command:     s.Command,
			Args:        s.Args,
			Env:         s.Env,
			Dir:         s.Dir,
			URL:         s.URL,
			Headers:     s.Headers,
			WriteMode:   writeModeOf(s.WriteMode),
			InitTimeout: durationMsOr(s.InitTimeoutMs, 10*time.Second),
			CallTimeout: durationMsOr(s.CallTimeoutMs, 30*time.Second),
		}
	}
	return out
}

func scopeOf(s string) dag.SandboxScope {
	switch s {
	case "filesystem":
		return dag.ScopeFilesystem
	case "network-api":
		return dag.ScopeNetworkAPI
	default:
		return dag.ScopeMinimal
	}
}

func approvalModeOf(s string) executor.ApprovalMode {
	if executor.ApprovalMode(s) == executor.ApprovalModeAuto {
		return executor.ApprovalModeAuto
	}
	return executor.ApprovalModeHIL
}

func transportOf(s string) mcpmux.Transport {
	if s == string(mcpmux.TransportHTTPStream) {
		return mcpmux.TransportHTTPStream
	}
	return mcpmux.TransportStdio
}

func writeModeOf(s string) mcpmux.WriteMode {
	if s == string(mcpmux.WriteModeMutex) {
		return mcpmux.WriteModeMutex
	}
	return mcpmux.WriteModeConcurrent
}

func durationMsOr(ms int64, defaultVal time.Duration) time.Duration {
	if ms <= 0 {
		return defaultVal
	}
	return time.Duration(ms) * time.Millisecond
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
