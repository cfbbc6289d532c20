package cache

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/roomloop/roomloop/pkg/domain"
	"github.com/roomloop/roomloop/pkg/logger"
	"github.com/roomloop/roomloop/pkg/store"
)

// Options bounds cache behavior. Zero values get defaults.
type Options struct {
	// MessageTTLMs bounds how long a message is retained past every
	// member's watermark during compaction.
	MessageTTLMs int64
	// CompactionThreshold is the minimum transcript length before a
	// cleanup pass does anything.
	CompactionThreshold int
}

const (
	defaultMessageTTLMs        = int64(72 * 3600 * 1000)
	defaultCompactionThreshold = 200
)

// Cache is the per-room transcript store. All mutating operations serialize
// through named advisory locks so multiple coordinator processes can share
// the same state directory.
type Cache struct {
	root  string
	locks *store.LockManager
	ids   domain.IDSource
	opts  Options
}

// New creates a message cache rooted at the given state directory.
func New(root string, locks *store.LockManager, ids domain.IDSource, opts Options) *Cache {
	if opts.MessageTTLMs <= 0 {
		opts.MessageTTLMs = defaultMessageTTLMs
	}
	if opts.CompactionThreshold <= 0 {
		opts.CompactionThreshold = defaultCompactionThreshold
	}
	return &Cache{root: root, locks: locks, ids: ids, opts: opts}
}

func (c *Cache) roomDir(room domain.RoomID) string {
	return filepath.Join(c.root, "rooms", string(room))
}

func (c *Cache) logPath(room domain.RoomID) string {
	return filepath.Join(c.roomDir(room), "messages.log")
}

func (c *Cache) watermarkPath(room domain.RoomID) string {
	return filepath.Join(c.roomDir(room), "watermarks.json")
}

// ---------------------------------------------------------------------------
// Append and read
// ---------------------------------------------------------------------------

// Append validates a draft and appends it to the room transcript. Returns
// nil without appending when the content carries relay scaffolding, or when
// the write lock could not be had (degraded mode — the message is simply not
// durable and the caller moves on).
func (c *Cache) Append(room domain.RoomID, draft Draft) *Message {
	if isInjection(draft.Content) {
		logger.DebugCF("cache", "Rejected scaffolding draft", map[string]interface{}{
			"room": room.String(), "sender": draft.Sender,
		})
		return nil
	}

	msg := Message{
		ID:          draft.ID,
		Timestamp:   draft.Timestamp,
		Sender:      draft.Sender,
		SenderID:    draft.SenderID,
		SourceAgent: draft.SourceAgent,
		Content:     draft.Content,
		Mentions:    draft.Mentions,
		Type:        draft.Type,
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = domain.NowMillis()
	}
	if msg.ID == "" {
		msg.ID = c.ids.NextMessageID(msg.Timestamp)
	}
	if msg.Type == "" {
		msg.Type = TypeMessage
	}

	ok := c.locks.WithLock(string(room)+"/cache-write", func() error {
		if err := os.MkdirAll(c.roomDir(room), 0755); err != nil {
			return err
		}
		line, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		f, err := os.OpenFile(c.logPath(room), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := f.Write(append(line, '\n')); err != nil {
			return err
		}
		return nil
	})
	if !ok {
		return nil
	}
	return &msg
}

// ReadAll returns the full transcript in append order. Unparseable lines are
// skipped; a partially corrupt log never poisons the whole read.
func (c *Cache) ReadAll(room domain.RoomID) []Message {
	f, err := os.Open(c.logPath(room))
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// ---------------------------------------------------------------------------
// Watermarks and unread computation
// ---------------------------------------------------------------------------

func (c *Cache) readWatermarks(room domain.RoomID) map[string]Watermark {
	marks := map[string]Watermark{}
	store.ReadJSON(c.watermarkPath(room), &marks)
	return marks
}

// GetWatermark returns an agent's watermark and whether one exists.
func (c *Cache) GetWatermark(room domain.RoomID, agent domain.AgentID) (Watermark, bool) {
	marks := c.readWatermarks(room)
	wm, ok := marks[string(agent)]
	return wm, ok
}

// unreadStart computes the index of the first unread message. The id match
// wins when present; ids minted by an external transport are not stable
// across restarts, so a missing id falls back to strict-greater-than on the
// timestamp.
func unreadStart(all []Message, wm Watermark, haveMark bool) int {
	if !haveMark {
		return 0
	}
	if wm.LastReadID != "" {
		for i := len(all) - 1; i >= 0; i-- {
			if all[i].ID == wm.LastReadID {
				return i + 1
			}
		}
	}
	for i := 0; i < len(all); i++ {
		if all[i].Timestamp > wm.LastReadTs {
			return i
		}
	}
	return len(all)
}

// Unread returns the messages the agent has not yet consumed, excluding the
// agent's own output.
func (c *Cache) Unread(room domain.RoomID, agent domain.AgentID) []Message {
	all := c.ReadAll(room)
	if len(all) == 0 {
		return nil
	}
	wm, haveMark := c.GetWatermark(room, agent)
	start := unreadStart(all, wm, haveMark)

	var out []Message
	for _, msg := range all[start:] {
		if msg.SourceAgent == agent {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// MarkRead advances the agent's watermark to the given message position.
// The watermark only moves where the caller points it; there is no implicit
// regression protection beyond caller discipline.
func (c *Cache) MarkRead(room domain.RoomID, agent domain.AgentID, lastID string, lastTs int64) {
	c.locks.WithLock(string(room)+"/watermarks", func() error {
		marks := c.readWatermarks(room)
		marks[string(agent)] = Watermark{LastReadID: lastID, LastReadTs: lastTs}
		return store.WriteJSONAtomic(c.watermarkPath(room), marks)
	})
}

// MarkAllRead advances the agent's watermark past the newest message.
func (c *Cache) MarkAllRead(room domain.RoomID, agent domain.AgentID) {
	all := c.ReadAll(room)
	if len(all) == 0 {
		return
	}
	last := all[len(all)-1]
	c.MarkRead(room, agent, last.ID, last.Timestamp)
}

// ResetWatermarkBefore rewinds the agent's watermark so that every message
// at or after beforeTs becomes unread again. Administrative replay.
func (c *Cache) ResetWatermarkBefore(room domain.RoomID, agent domain.AgentID, beforeTs int64) {
	c.locks.WithLock(string(room)+"/watermarks", func() error {
		marks := c.readWatermarks(room)
		marks[string(agent)] = Watermark{LastReadID: "", LastReadTs: beforeTs - 1}
		return store.WriteJSONAtomic(c.watermarkPath(room), marks)
	})
}

// ---------------------------------------------------------------------------
// Context extraction
// ---------------------------------------------------------------------------

// ContextBudget bounds a context block.
type ContextBudget struct {
	MaxMessages int
	MaxChars    int
}

// BuildContextBlock renders the agent's unread backlog as a text block,
// newest-biased: it takes the most recent MaxMessages unread entries, then
// walks newest to oldest prepending lines until the next one would overflow
// MaxChars. The freshest content is never sacrificed for older content; the
// oldest entries are the ones dropped, and the block reports how many.
// Empty string when nothing is unread.
func (c *Cache) BuildContextBlock(room domain.RoomID, agent domain.AgentID, budget ContextBudget) string {
	unread := c.Unread(room, agent)
	if len(unread) == 0 {
		return ""
	}
	if budget.MaxMessages <= 0 {
		budget.MaxMessages = 30
	}
	if budget.MaxChars <= 0 {
		budget.MaxChars = 8000
	}

	skipped := 0
	if len(unread) > budget.MaxMessages {
		skipped = len(unread) - budget.MaxMessages
		unread = unread[len(unread)-budget.MaxMessages:]
	}

	var lines []string
	used := 0
	for i := len(unread) - 1; i >= 0; i-- {
		line := formatContextLine(unread[i])
		cost := len(line) + 1
		if used+cost > budget.MaxChars {
			skipped += i + 1
			break
		}
		lines = append([]string{line}, lines...)
		used += cost
	}
	if len(lines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("--- recent room context ---\n")
	if skipped > 0 {
		fmt.Fprintf(&b, "(%d older unread messages omitted)\n", skipped)
	}
	b.WriteString(strings.Join(lines, "\n"))
	return b.String()
}

func formatContextLine(msg Message) string {
	label := msg.Sender
	if label == "" {
		label = msg.SenderID
	}
	ts := domain.MillisToTime(msg.Timestamp).Format("01-02 15:04")
	return fmt.Sprintf("[%s] %s: %s", ts, label, msg.Content)
}

// ---------------------------------------------------------------------------
// Duplicate suppression
// ---------------------------------------------------------------------------

// HasRecentMessage reports whether the same content from the same source
// agent already exists within the trailing window. Scans backward and stops
// at the first timestamp outside the window.
func (c *Cache) HasRecentMessage(room domain.RoomID, content string, source domain.AgentID, windowMs int64) bool {
	all := c.ReadAll(room)
	cutoff := domain.NowMillis() - windowMs
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Timestamp < cutoff {
			return false
		}
		if all[i].SourceAgent == source && all[i].Content == content {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Compaction
// ---------------------------------------------------------------------------

// Cleanup compacts the room transcript. Below the compaction threshold it is
// a no-op. Otherwise it keeps every message newer than the minimum watermark
// across the given members (or newer than the TTL horizon, whichever keeps
// more recent data) and rewrites the log. If any member has never read, the
// pass aborts: unread data is never deleted.
func (c *Cache) Cleanup(room domain.RoomID, members domain.AgentIDs) {
	// Unlocked pre-check only. The authoritative read happens under the
	// lock: another process may append while this one waits for it, and a
	// rewrite from a pre-lock snapshot would drop those messages.
	if len(c.ReadAll(room)) < c.opts.CompactionThreshold {
		return
	}

	before, after := 0, 0
	ok := c.locks.WithLock(string(room)+"/cache-write", func() error {
		all := c.ReadAll(room)
		before, after = len(all), len(all)
		if len(all) < c.opts.CompactionThreshold {
			return nil
		}

		marks := c.readWatermarks(room)
		minReadTs := int64(-1)
		for _, member := range members {
			wm, ok := marks[string(member)]
			if !ok {
				logger.DebugCF("cache", "Compaction skipped, member has never read", map[string]interface{}{
					"room": room.String(), "agent": member.String(),
				})
				return nil
			}
			if minReadTs < 0 || wm.LastReadTs < minReadTs {
				minReadTs = wm.LastReadTs
			}
		}
		if minReadTs < 0 {
			return nil
		}

		// Remove only what is both consumed by every member and past the
		// TTL horizon. A message newer than the minimum watermark is
		// always kept.
		horizon := domain.NowMillis() - c.opts.MessageTTLMs
		cutoff := minReadTs
		if horizon < cutoff {
			cutoff = horizon
		}

		var retained []Message
		for _, msg := range all {
			if msg.Timestamp > cutoff {
				retained = append(retained, msg)
			}
		}
		if len(retained) == len(all) {
			return nil
		}

		var b strings.Builder
		for _, msg := range retained {
			line, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			b.Write(line)
			b.WriteByte('\n')
		}
		tmp := c.logPath(room) + ".compact"
		if err := os.WriteFile(tmp, []byte(b.String()), 0644); err != nil {
			return err
		}
		if err := os.Rename(tmp, c.logPath(room)); err != nil {
			return err
		}
		after = len(retained)
		return nil
	})
	if ok && after < before {
		logger.InfoCF("cache", "Compacted transcript", map[string]interface{}{
			"room": room.String(), "before": before, "after": after,
		})
	}
}
