package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roomloop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
cycle:
  max_turns_per_cycle: 3
rooms:
  R1:
    members: [main, builder]
    conversation_id: conv-1
agents:
  main:
    account_id: acct-main
    display_name: Main
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 3, cfg.Cycle.MaxTurnsPerCycle)
	// Untouched fields keep their defaults.
	require.Equal(t, 4, cfg.Cycle.MaxDispatchPerCycle)
	require.Equal(t, int64(15000), cfg.Cache.EchoWindowMs)

	room, ok := cfg.RoomConfig("R1")
	require.True(t, ok)
	require.Equal(t, "conv-1", room.ConversationID)
	// Missing modes are canonicalized, not left empty.
	require.Equal(t, "mixed", room.ForwardMode)
	require.Equal(t, "mentions", room.AutopilotMode)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "rooms: [not, a, map\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "log_level: warn\ncycle:\n  max_turns_per_cycle: 3\n")
	t.Setenv("ROOMLOOP_LOG_LEVEL", "debug")
	t.Setenv("ROOMLOOP_MAX_TURNS", "12")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 12, cfg.Cycle.MaxTurnsPerCycle)
}

func TestNormalizeClampsOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Cache.ContextMaxMessages = -5
	cfg.Cycle.TTLSeconds = 0
	cfg.Rooms["R1"] = Room{Members: []string{"main"}, ForwardMode: "broadcast"}
	cfg.Normalize()

	require.Equal(t, Default().Cache.ContextMaxMessages, cfg.Cache.ContextMaxMessages)
	require.Equal(t, Default().Cycle.TTLSeconds, cfg.Cycle.TTLSeconds)
	require.Equal(t, "mixed", cfg.Rooms["R1"].ForwardMode)
}

func TestRoomMembers(t *testing.T) {
	cfg := Default()
	cfg.Rooms["R1"] = Room{Members: []string{"main", "builder"}}

	members := cfg.RoomMembers("R1")
	require.Len(t, members, 2)
	require.True(t, members.Contains("builder"))
	require.Nil(t, cfg.RoomMembers("ghost"))
}
