package relay

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/roomloop/roomloop/pkg/board"
	"github.com/roomloop/roomloop/pkg/cache"
	"github.com/roomloop/roomloop/pkg/config"
	"github.com/roomloop/roomloop/pkg/domain"
	"github.com/roomloop/roomloop/pkg/identity"
	"github.com/roomloop/roomloop/pkg/store"
)

type fakeDeliverer struct {
	payloads map[string]string // sessionKey -> last payload
	fail     bool
}

func (f *fakeDeliverer) Deliver(ctx context.Context, sessionKey, payload string) error {
	if f.fail {
		return context.DeadlineExceeded
	}
	if f.payloads == nil {
		f.payloads = map[string]string{}
	}
	f.payloads[sessionKey] = payload
	return nil
}

type passthroughRoutes struct{}

func (passthroughRoutes) ResolveRoute(channel, accountID, peer string) (string, error) {
	return channel + ":" + peer + ":acct=" + accountID, nil
}

func testConfig(forwardMode string, includeSelf bool) *config.Config {
	cfg := config.Default()
	cfg.Agents = map[string]config.Agent{
		"main":    {AccountID: "acct-main"},
		"builder": {AccountID: "acct-builder"},
		"review":  {AccountID: "acct-review"},
	}
	cfg.Rooms = map[string]config.Room{
		"R1": {
			Members:        []string{"main", "builder", "review"},
			ConversationID: "conv-1",
			ForwardMode:    forwardMode,
			AutopilotMode:  "mentions",
			IncludeSelf:    includeSelf,
		},
	}
	cfg.Normalize()
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, d Deliverer) (*Orchestrator, *cache.Cache, *board.Board) {
	t.Helper()
	dir := t.TempDir()
	locks := store.NewLockManager(filepath.Join(dir, "locks"))
	messages := cache.New(dir, locks, domain.NewSeqIDSource(), cache.Options{})
	tasks := board.New(dir, locks, board.Options{})
	resolver := identity.New(cfg, passthroughRoutes{})
	o := New(cfg, messages, tasks, resolver, d, nil, Options{})
	return o, messages, tasks
}

// TestResolveForwardTargets covers the three modes, self-exclusion, and
// order-stable dedupe.
func TestResolveForwardTargets(t *testing.T) {
	tests := []struct {
		name      string
		mode      string
		self      bool
		mentioned domain.AgentIDs
		source    domain.AgentID
		want      domain.AgentIDs
	}{
		{"mentions mode uses mentions", "mentions", false,
			domain.AgentIDs{"builder"}, "main", domain.AgentIDs{"builder"}},
		{"mentions mode empty means nobody", "mentions", false,
			nil, "main", nil},
		{"all mode ignores mentions", "all", false,
			domain.AgentIDs{"builder"}, "main", domain.AgentIDs{"builder", "review"}},
		{"mixed prefers mentions", "mixed", false,
			domain.AgentIDs{"review"}, "main", domain.AgentIDs{"review"}},
		{"mixed falls back to members", "mixed", false,
			nil, "main", domain.AgentIDs{"builder", "review"}},
		{"source excluded by default", "all", false,
			nil, "builder", domain.AgentIDs{"main", "review"}},
		{"include self keeps source", "all", true,
			nil, "builder", domain.AgentIDs{"main", "builder", "review"}},
		{"dedupes and drops strangers", "mentions", false,
			domain.AgentIDs{"builder", "builder", "stranger"}, "main", domain.AgentIDs{"builder"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _, _ := newTestOrchestrator(t, testConfig(tt.mode, tt.self), &fakeDeliverer{})
			got := o.ResolveForwardTargets("R1", tt.mentioned, tt.source)
			require.Equal(t, tt.want, got)
		})
	}
}

// TestResolveAutopilotTargets verifies the separate toggle: mentions-only
// here even when forwarding is all-members.
func TestResolveAutopilotTargets(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, testConfig("all", false), &fakeDeliverer{})
	require.Empty(t, o.ResolveAutopilotTargets("R1", nil, "main"))
	require.Equal(t, domain.AgentIDs{"builder"},
		o.ResolveAutopilotTargets("R1", domain.AgentIDs{"builder"}, "main"))
}

// TestForwardMessageDelivers verifies the enriched payload reaches each
// target and marks its watermark fully read.
func TestForwardMessageDelivers(t *testing.T) {
	d := &fakeDeliverer{}
	o, messages, tasks := newTestOrchestrator(t, testConfig("all", false), d)
	room := domain.RoomID("R1")

	tasks.CreateTask(room, board.CreateRequest{TaskID: "T-1", Summary: "ship it", CreatedBy: "main"})
	tasks.UpdateTask(room, board.UpdateRequest{TaskID: "T-1", Actor: "builder", Status: board.StatusInProgress})

	msg := messages.Append(room, cache.Draft{Sender: "Human", SenderID: "u-1", Content: "please review"})
	require.NotNil(t, msg)

	delivered := o.ForwardMessage(context.Background(), room, msg, nil)
	require.Equal(t, 3, delivered)

	payload := d.payloads["room:conv-1:acct=acct-builder"]
	require.Contains(t, payload, "[group-relay] Human @")
	require.Contains(t, payload, "please review")
	require.Contains(t, payload, "--- task board ---")
	require.Contains(t, payload, "T-1 [in_progress] ship it")

	// Delivery consumed the backlog for every target.
	require.Empty(t, messages.Unread(room, "builder"))
	require.Empty(t, messages.Unread(room, "main"))
}

// TestForwardMessageSkipsFailedDelivery verifies a failed delivery leaves
// the target's watermark untouched so nothing is lost.
func TestForwardMessageSkipsFailedDelivery(t *testing.T) {
	d := &fakeDeliverer{fail: true}
	o, messages, _ := newTestOrchestrator(t, testConfig("all", false), d)
	room := domain.RoomID("R1")

	msg := messages.Append(room, cache.Draft{Sender: "Human", SenderID: "u-1", Content: "hello"})
	require.NotNil(t, msg)

	delivered := o.ForwardMessage(context.Background(), room, msg, nil)
	require.Zero(t, delivered)
	require.Len(t, messages.Unread(room, "builder"), 1)
}

// TestBuildEnvelopeTruncates verifies oversized bodies are clipped.
func TestBuildEnvelopeTruncates(t *testing.T) {
	o, messages, _ := newTestOrchestrator(t, testConfig("all", false), &fakeDeliverer{})
	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	msg := messages.Append("R1", cache.Draft{Sender: "Human", Content: string(long)})
	require.NotNil(t, msg)

	envelope := o.BuildEnvelope(msg)
	require.Less(t, len(envelope), 4200)
	require.Contains(t, envelope, "…")
}

// TestBuildEnvelopeTruncatesOnRuneBoundary verifies the clip never splits a
// multi-byte rune.
func TestBuildEnvelopeTruncatesOnRuneBoundary(t *testing.T) {
	o, messages, _ := newTestOrchestrator(t, testConfig("all", false), &fakeDeliverer{})
	msg := messages.Append("R1", cache.Draft{Sender: "Human", Content: strings.Repeat("界", 2000)})
	require.NotNil(t, msg)

	envelope := o.BuildEnvelope(msg)
	require.True(t, utf8.ValidString(envelope))
	require.Contains(t, envelope, "…")
}
