package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roomloop/roomloop/pkg/domain"
	"github.com/roomloop/roomloop/pkg/store"
)

func newTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	dir := t.TempDir()
	locks := store.NewLockManager(dir + "/locks")
	return New(dir, locks, domain.NewSeqIDSource(), opts)
}

// TestAppendOrderAndUniqueIDs verifies the transcript preserves append order
// with ids unique within the room.
func TestAppendOrderAndUniqueIDs(t *testing.T) {
	c := newTestCache(t, Options{})
	room := domain.RoomID("R1")

	for i := 0; i < 10; i++ {
		msg := c.Append(room, Draft{Sender: "human", Content: fmt.Sprintf("msg %d", i)})
		require.NotNil(t, msg)
	}

	all := c.ReadAll(room)
	require.Len(t, all, 10)
	seen := map[string]bool{}
	for i, msg := range all {
		require.Equal(t, fmt.Sprintf("msg %d", i), msg.Content)
		require.False(t, seen[msg.ID], "duplicate id %s", msg.ID)
		seen[msg.ID] = true
	}
}

// TestAppendRejectsScaffolding verifies relay scaffolding never enters the
// transcript and the log length is unchanged.
func TestAppendRejectsScaffolding(t *testing.T) {
	c := newTestCache(t, Options{})
	room := domain.RoomID("R1")

	require.NotNil(t, c.Append(room, Draft{Sender: "human", Content: "hello"}))
	before := len(c.ReadAll(room))

	for _, content := range []string{
		"[group-relay] alice @ now:\nhi",
		"prefix --- recent room context --- suffix",
		"--- task board ---",
	} {
		require.Nil(t, c.Append(room, Draft{Sender: "human", Content: content}))
	}
	require.Len(t, c.ReadAll(room), before)
}

// TestMarkReadWatermark verifies the watermark boundary: after marking m,
// everything up to and including m is read, everything after is unread.
func TestMarkReadWatermark(t *testing.T) {
	c := newTestCache(t, Options{})
	room := domain.RoomID("R1")
	agent := domain.AgentID("builder")

	var msgs []*Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, c.Append(room, Draft{Sender: "human", Content: fmt.Sprintf("m%d", i)}))
	}

	c.MarkRead(room, agent, msgs[2].ID, msgs[2].Timestamp)
	unread := c.Unread(room, agent)
	require.Len(t, unread, 2)
	require.Equal(t, "m3", unread[0].Content)
	require.Equal(t, "m4", unread[1].Content)
}

// TestUnreadFallsBackToTimestamp verifies a stale watermark id (transport
// ids are not stable across restarts) falls back to the timestamp compare.
func TestUnreadFallsBackToTimestamp(t *testing.T) {
	c := newTestCache(t, Options{})
	room := domain.RoomID("R1")
	agent := domain.AgentID("builder")

	m0 := c.Append(room, Draft{Sender: "human", Content: "old", Timestamp: 1000})
	m1 := c.Append(room, Draft{Sender: "human", Content: "new", Timestamp: 2000})
	require.NotNil(t, m0)
	require.NotNil(t, m1)

	c.MarkRead(room, agent, "id-that-no-longer-exists", 1000)
	unread := c.Unread(room, agent)
	require.Len(t, unread, 1)
	require.Equal(t, "new", unread[0].Content)
}

// TestUnreadExcludesOwnOutput verifies an agent never sees its own messages
// as unread.
func TestUnreadExcludesOwnOutput(t *testing.T) {
	c := newTestCache(t, Options{})
	room := domain.RoomID("R1")
	agent := domain.AgentID("builder")

	c.Append(room, Draft{Sender: "Builder", SourceAgent: agent, Content: "mine"})
	c.Append(room, Draft{Sender: "human", Content: "theirs"})

	unread := c.Unread(room, agent)
	require.Len(t, unread, 1)
	require.Equal(t, "theirs", unread[0].Content)
}

// TestMarkAllRead verifies the catch-up operation empties the unread set.
func TestMarkAllRead(t *testing.T) {
	c := newTestCache(t, Options{})
	room := domain.RoomID("R1")
	agent := domain.AgentID("builder")

	for i := 0; i < 3; i++ {
		c.Append(room, Draft{Sender: "human", Content: fmt.Sprintf("m%d", i)})
	}
	c.MarkAllRead(room, agent)
	require.Empty(t, c.Unread(room, agent))
}

// TestResetWatermarkBefore verifies administrative replay makes messages at
// or after the given time unread again.
func TestResetWatermarkBefore(t *testing.T) {
	c := newTestCache(t, Options{})
	room := domain.RoomID("R1")
	agent := domain.AgentID("builder")

	c.Append(room, Draft{Sender: "human", Content: "a", Timestamp: 1000})
	c.Append(room, Draft{Sender: "human", Content: "b", Timestamp: 2000})
	c.MarkAllRead(room, agent)
	require.Empty(t, c.Unread(room, agent))

	c.ResetWatermarkBefore(room, agent, 2000)
	unread := c.Unread(room, agent)
	require.Len(t, unread, 1)
	require.Equal(t, "b", unread[0].Content)
}

// TestBuildContextBlockBudgets verifies the newest-first character budget:
// fresh content survives, the oldest is dropped and counted.
func TestBuildContextBlockBudgets(t *testing.T) {
	c := newTestCache(t, Options{})
	room := domain.RoomID("R1")
	agent := domain.AgentID("builder")

	for i := 0; i < 6; i++ {
		c.Append(room, Draft{Sender: "human", Content: fmt.Sprintf("message number %d", i)})
	}

	block := c.BuildContextBlock(room, agent, ContextBudget{MaxMessages: 4, MaxChars: 100})
	require.NotEmpty(t, block)
	require.Contains(t, block, "message number 5", "freshest message must survive")
	require.Contains(t, block, "omitted")
	require.NotContains(t, block, "message number 0")
}

// TestBuildContextBlockEmpty verifies an empty unread set yields an empty
// string, not a bare header.
func TestBuildContextBlockEmpty(t *testing.T) {
	c := newTestCache(t, Options{})
	require.Equal(t, "", c.BuildContextBlock("R1", "builder", ContextBudget{}))
}

// TestHasRecentMessage verifies the short-circuiting duplicate scan.
func TestHasRecentMessage(t *testing.T) {
	c := newTestCache(t, Options{})
	room := domain.RoomID("R1")
	agent := domain.AgentID("builder")
	old := domain.NowMillis() - 60_000

	c.Append(room, Draft{SourceAgent: agent, Content: "stale", Timestamp: old})
	c.Append(room, Draft{SourceAgent: agent, Content: "fresh"})

	require.True(t, c.HasRecentMessage(room, "fresh", agent, 10_000))
	require.False(t, c.HasRecentMessage(room, "stale", agent, 10_000))
	require.False(t, c.HasRecentMessage(room, "fresh", "other", 10_000))
}

// TestCleanupKeepsUnread verifies compaction never removes a message newer
// than the minimum watermark, even past the threshold.
func TestCleanupKeepsUnread(t *testing.T) {
	c := newTestCache(t, Options{CompactionThreshold: 10, MessageTTLMs: 1})
	room := domain.RoomID("R1")
	members := domain.AgentIDs{"main", "builder"}
	base := domain.NowMillis() - 100_000

	var msgs []*Message
	for i := 0; i < 20; i++ {
		msgs = append(msgs, c.Append(room, Draft{Sender: "human", Content: fmt.Sprintf("m%d", i), Timestamp: base + int64(i)}))
	}

	// main read everything, builder only the first five.
	c.MarkAllRead(room, "main")
	c.MarkRead(room, "builder", msgs[4].ID, msgs[4].Timestamp)

	c.Cleanup(room, members)
	after := c.ReadAll(room)
	require.Len(t, after, 15, "messages 5..19 are unread for builder and must survive")
	require.Equal(t, "m5", after[0].Content)
}

// TestCleanupAbortsWhenNeverRead verifies a member with no watermark blocks
// compaction entirely.
func TestCleanupAbortsWhenNeverRead(t *testing.T) {
	c := newTestCache(t, Options{CompactionThreshold: 5, MessageTTLMs: 1})
	room := domain.RoomID("R1")
	base := domain.NowMillis() - 100_000

	for i := 0; i < 10; i++ {
		c.Append(room, Draft{Sender: "human", Content: fmt.Sprintf("m%d", i), Timestamp: base + int64(i)})
	}
	c.MarkAllRead(room, "main")

	c.Cleanup(room, domain.AgentIDs{"main", "builder"})
	require.Len(t, c.ReadAll(room), 10)
}

// TestCleanupRetainsAppendDuringLockWait verifies the compaction pass reads
// the transcript under the write lock: a message another process appends
// while Cleanup is waiting for the lock must survive the rewrite.
func TestCleanupRetainsAppendDuringLockWait(t *testing.T) {
	dir := t.TempDir()
	locks := store.NewLockManager(filepath.Join(dir, "locks"))
	c := New(dir, locks, domain.NewSeqIDSource(), Options{CompactionThreshold: 10, MessageTTLMs: 1})
	room := domain.RoomID("R1")
	base := domain.NowMillis() - 100_000

	for i := 0; i < 20; i++ {
		c.Append(room, Draft{Sender: "human", Content: fmt.Sprintf("m%d", i), Timestamp: base + int64(i)})
	}
	c.MarkAllRead(room, "main")

	// Hold the room's write lock as another process would.
	marker := filepath.Join(dir, "locks", "R1_cache-write.lock")
	require.NoError(t, os.WriteFile(marker, []byte("held\n"), 0644))

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Cleanup(room, domain.AgentIDs{"main"})
	}()

	// While Cleanup spins on the lock, a concurrent writer appends.
	time.Sleep(200 * time.Millisecond)
	late := Message{ID: "late-1", Timestamp: domain.NowMillis(), Sender: "human", Content: "late arrival", Type: TypeMessage}
	line, err := json.Marshal(late)
	require.NoError(t, err)
	require.NoError(t, appendRaw(c.logPath(room), string(line)+"\n"))

	require.NoError(t, os.Remove(marker))
	<-done

	after := c.ReadAll(room)
	require.Len(t, after, 1, "compaction must drop only the fully consumed messages")
	require.Equal(t, "late arrival", after[0].Content)
}

// TestCleanupKeepsReadWithinTTL verifies messages every member has consumed
// are still retained while inside the TTL horizon.
func TestCleanupKeepsReadWithinTTL(t *testing.T) {
	c := newTestCache(t, Options{CompactionThreshold: 5, MessageTTLMs: 600_000})
	room := domain.RoomID("R1")
	base := domain.NowMillis() - 1000

	for i := 0; i < 10; i++ {
		c.Append(room, Draft{Sender: "human", Content: fmt.Sprintf("m%d", i), Timestamp: base + int64(i)})
	}
	c.MarkAllRead(room, "main")
	c.MarkAllRead(room, "builder")

	c.Cleanup(room, domain.AgentIDs{"main", "builder"})
	require.Len(t, c.ReadAll(room), 10, "read messages inside the TTL stay")
}

// TestCleanupBelowThresholdNoop verifies small transcripts are untouched.
func TestCleanupBelowThresholdNoop(t *testing.T) {
	c := newTestCache(t, Options{CompactionThreshold: 200, MessageTTLMs: 1})
	room := domain.RoomID("R1")
	base := domain.NowMillis() - 100_000

	for i := 0; i < 10; i++ {
		c.Append(room, Draft{Sender: "human", Content: "x", Timestamp: base + int64(i)})
	}
	c.MarkAllRead(room, "main")
	c.Cleanup(room, domain.AgentIDs{"main"})
	require.Len(t, c.ReadAll(room), 10)
}

// TestReadAllSkipsCorruptLines verifies one bad line does not poison the
// whole transcript.
func TestReadAllSkipsCorruptLines(t *testing.T) {
	c := newTestCache(t, Options{})
	room := domain.RoomID("R1")
	c.Append(room, Draft{Sender: "human", Content: "good"})

	// Corrupt the log by hand.
	f := c.logPath(room)
	data := "{broken\n"
	require.NoError(t, appendRaw(f, data))
	c.Append(room, Draft{Sender: "human", Content: "also good"})

	all := c.ReadAll(room)
	require.Len(t, all, 2)
	require.Equal(t, "good", all[0].Content)
	require.Equal(t, "also good", all[1].Content)
}

// TestEchoRegistry verifies outgoing records match echoes inside the window
// and are pruned outside it.
func TestEchoRegistry(t *testing.T) {
	c := newTestCache(t, Options{})
	room := domain.RoomID("R1")

	c.RegisterOutgoing(room, "builder", "the reply", 10_000)

	agent, ok := c.MatchEcho(room, "the reply", 10_000)
	require.True(t, ok)
	require.Equal(t, domain.AgentID("builder"), agent)

	_, ok = c.MatchEcho(room, "something else", 10_000)
	require.False(t, ok)
}

// TestEchoRegistryPrunesOldRecords verifies records outside the trailing
// window no longer match.
func TestEchoRegistryPrunesOldRecords(t *testing.T) {
	c := newTestCache(t, Options{})
	room := domain.RoomID("R1")

	stale := []OutgoingRecord{{
		Hash:      contentHash("old reply"),
		Text:      "old reply",
		AgentID:   "builder",
		Timestamp: domain.NowMillis() - 60_000,
	}}
	require.NoError(t, store.WriteJSONAtomic(c.outgoingPath(room), stale))

	_, ok := c.MatchEcho(room, "old reply", 10_000)
	require.False(t, ok)
}

func appendRaw(path, data string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(data)
	return err
}
