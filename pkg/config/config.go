// Package config defines the typed configuration for the RoomLoop
// coordinator. Every recognized option is an explicit struct field with a
// documented default; invalid or out-of-range values fall back to the default
// rather than propagating.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roomloop/roomloop/pkg/domain"
	"github.com/roomloop/roomloop/pkg/logger"
)

// ---------------------------------------------------------------------------
// Config tree
// ---------------------------------------------------------------------------

// Config is the root configuration.
type Config struct {
	StateDir string `yaml:"state_dir" env:"ROOMLOOP_STATE_DIR"`
	LogLevel string `yaml:"log_level" env:"ROOMLOOP_LOG_LEVEL"`

	Cache   CacheConfig        `yaml:"cache"`
	Cycle   CycleConfig        `yaml:"cycle"`
	Board   BoardConfig        `yaml:"board"`
	Relay   RelayConfig        `yaml:"relay"`
	Observe ObserveConfig      `yaml:"observe"`
	Sched   SchedConfig        `yaml:"sched"`
	Runner  RunnerConfig       `yaml:"runner"`
	Rooms   map[string]Room    `yaml:"rooms"`
	Agents  map[string]Agent   `yaml:"agents"`
}

// Room configures one group conversation.
type Room struct {
	Members []string `yaml:"members"`
	// ConversationID is the transport-level identifier this room maps to.
	// Session-key validation requires a resolved route to reference it.
	ConversationID string `yaml:"conversation_id"`
	// ForwardMode: "mentions", "all", or "mixed" (mentions if any, else all).
	ForwardMode string `yaml:"forward_mode"`
	// AutopilotMode uses the same values but gates auto-dispatch.
	AutopilotMode string `yaml:"autopilot_mode"`
	// IncludeSelf forwards an agent's message back to itself when set.
	IncludeSelf bool `yaml:"include_self"`
	// AccountOverrides maps agent id to a room-specific network account.
	AccountOverrides map[string]string `yaml:"account_overrides"`
}

// Agent configures one chat agent.
type Agent struct {
	// AccountID is the agent's global network account identifier.
	AccountID string `yaml:"account_id"`
	// DisplayName is the label used in rendered transcripts.
	DisplayName string `yaml:"display_name"`
}

// CacheConfig bounds the message cache.
type CacheConfig struct {
	ContextMaxMessages  int   `yaml:"context_max_messages" env:"ROOMLOOP_CONTEXT_MAX_MESSAGES"`
	ContextMaxChars     int   `yaml:"context_max_chars" env:"ROOMLOOP_CONTEXT_MAX_CHARS"`
	MessageTTLHours     int   `yaml:"message_ttl_hours"`
	CompactionThreshold int   `yaml:"compaction_threshold"`
	EchoWindowMs        int64 `yaml:"echo_window_ms"`
}

// CycleConfig bounds turn and dispatch budgets.
type CycleConfig struct {
	MaxTurnsPerCycle    int `yaml:"max_turns_per_cycle" env:"ROOMLOOP_MAX_TURNS"`
	MaxDispatchPerCycle int `yaml:"max_dispatch_per_cycle" env:"ROOMLOOP_MAX_DISPATCH"`
	TTLSeconds          int `yaml:"ttl_seconds"`
}

// BoardConfig bounds the task board.
type BoardConfig struct {
	MaxActiveTasks int `yaml:"max_active_tasks"`
	// StaleSlotHours flags (in snapshots) tasks whose only open slots have
	// been idle at least this long. 0 disables the flag.
	StaleSlotHours int `yaml:"stale_slot_hours"`
}

// RelayConfig tunes forwarding behavior.
type RelayConfig struct {
	// MaxEnvelopeChars truncates a relayed message body in the envelope.
	MaxEnvelopeChars int `yaml:"max_envelope_chars"`
}

// ObserveConfig configures the operator event feed.
type ObserveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" env:"ROOMLOOP_OBSERVE_ADDR"`
}

// SchedConfig configures background maintenance.
type SchedConfig struct {
	Enabled bool `yaml:"enabled"`
	// CleanupCron is a cron expression for the compaction sweep.
	CleanupCron string `yaml:"cleanup_cron"`
}

// RunnerConfig configures external agent invocation.
type RunnerConfig struct {
	Command        string `yaml:"command"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// ---------------------------------------------------------------------------
// Defaults and validation
// ---------------------------------------------------------------------------

// Default returns a config with every option at its documented default.
func Default() *Config {
	return &Config{
		StateDir: "./state",
		LogLevel: "info",
		Cache: CacheConfig{
			ContextMaxMessages:  30,
			ContextMaxChars:     8000,
			MessageTTLHours:     72,
			CompactionThreshold: 200,
			EchoWindowMs:        15000,
		},
		Cycle: CycleConfig{
			MaxTurnsPerCycle:    8,
			MaxDispatchPerCycle: 4,
			TTLSeconds:          900,
		},
		Board: BoardConfig{
			MaxActiveTasks: 20,
			StaleSlotHours: 24,
		},
		Relay: RelayConfig{
			MaxEnvelopeChars: 4000,
		},
		Observe: ObserveConfig{
			Enabled: false,
			Addr:    "127.0.0.1:7310",
		},
		Sched: SchedConfig{
			Enabled:     true,
			CleanupCron: "*/10 * * * *",
		},
		Runner: RunnerConfig{
			Command:        "",
			TimeoutSeconds: 120,
		},
		Rooms:  map[string]Room{},
		Agents: map[string]Agent{},
	}
}

// Load reads the YAML file at path (if it exists), applies environment
// overrides, then normalizes every field. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		logger.InfoCF("config", "No config file, using defaults", map[string]interface{}{"path": path})
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	cfg.Normalize()
	return cfg, nil
}

// Normalize clamps out-of-range values back to defaults and canonicalizes
// enum-like fields. It never rejects a config outright.
func (c *Config) Normalize() {
	def := Default()

	if c.StateDir == "" {
		c.StateDir = def.StateDir
	}
	clampPos(&c.Cache.ContextMaxMessages, def.Cache.ContextMaxMessages)
	clampPos(&c.Cache.ContextMaxChars, def.Cache.ContextMaxChars)
	clampPos(&c.Cache.MessageTTLHours, def.Cache.MessageTTLHours)
	clampPos(&c.Cache.CompactionThreshold, def.Cache.CompactionThreshold)
	if c.Cache.EchoWindowMs <= 0 {
		c.Cache.EchoWindowMs = def.Cache.EchoWindowMs
	}
	clampPos(&c.Cycle.MaxTurnsPerCycle, def.Cycle.MaxTurnsPerCycle)
	clampPos(&c.Cycle.MaxDispatchPerCycle, def.Cycle.MaxDispatchPerCycle)
	clampPos(&c.Cycle.TTLSeconds, def.Cycle.TTLSeconds)
	clampPos(&c.Board.MaxActiveTasks, def.Board.MaxActiveTasks)
	if c.Board.StaleSlotHours < 0 {
		c.Board.StaleSlotHours = def.Board.StaleSlotHours
	}
	clampPos(&c.Relay.MaxEnvelopeChars, def.Relay.MaxEnvelopeChars)
	clampPos(&c.Runner.TimeoutSeconds, def.Runner.TimeoutSeconds)
	if c.Observe.Addr == "" {
		c.Observe.Addr = def.Observe.Addr
	}
	if c.Sched.CleanupCron == "" {
		c.Sched.CleanupCron = def.Sched.CleanupCron
	}

	for id, room := range c.Rooms {
		room.ForwardMode = normalizeMode(room.ForwardMode, "mixed")
		room.AutopilotMode = normalizeMode(room.AutopilotMode, "mentions")
		c.Rooms[id] = room
	}
}

func clampPos(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func normalizeMode(mode, def string) string {
	switch mode {
	case "mentions", "all", "mixed":
		return mode
	case "":
		return def
	default:
		logger.WarnCF("config", "Unknown forward mode, using default", map[string]interface{}{
			"mode": mode, "default": def,
		})
		return def
	}
}

// ---------------------------------------------------------------------------
// Lookup helpers
// ---------------------------------------------------------------------------

// RoomMembers returns the configured member agents of a room.
func (c *Config) RoomMembers(room domain.RoomID) domain.AgentIDs {
	r, ok := c.Rooms[string(room)]
	if !ok {
		return nil
	}
	out := make(domain.AgentIDs, 0, len(r.Members))
	for _, m := range r.Members {
		out = append(out, domain.AgentID(m))
	}
	return out
}

// RoomConfig returns a room's configuration and whether it exists.
func (c *Config) RoomConfig(room domain.RoomID) (Room, bool) {
	r, ok := c.Rooms[string(room)]
	return r, ok
}

// AgentConfig returns an agent's configuration and whether it exists.
func (c *Config) AgentConfig(agent domain.AgentID) (Agent, bool) {
	a, ok := c.Agents[string(agent)]
	return a, ok
}
