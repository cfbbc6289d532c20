package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"

	"github.com/roomloop/roomloop/pkg/domain"
	"github.com/roomloop/roomloop/pkg/store"
)

// ---------------------------------------------------------------------------
// Echo detection — outgoing-record registry
// ---------------------------------------------------------------------------

// OutgoingRecord remembers one message the coordinator sent on behalf of an
// agent. When the transport echoes it back as a fresh inbound message, the
// registry identifies it so it is not reprocessed as external input.
type OutgoingRecord struct {
	Hash      string         `json:"hash"`
	Text      string         `json:"text"`
	AgentID   domain.AgentID `json:"agentId"`
	Timestamp int64          `json:"timestamp"` // epoch ms
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}

func (c *Cache) outgoingPath(room domain.RoomID) string {
	return filepath.Join(c.roomDir(room), "outgoing.json")
}

func pruneOutgoing(records []OutgoingRecord, cutoff int64) []OutgoingRecord {
	out := records[:0]
	for _, rec := range records {
		if rec.Timestamp >= cutoff {
			out = append(out, rec)
		}
	}
	return out
}

// RegisterOutgoing records that content was just sent on behalf of an agent.
// Older records outside the window are pruned on the way through.
func (c *Cache) RegisterOutgoing(room domain.RoomID, agent domain.AgentID, content string, windowMs int64) {
	now := domain.NowMillis()
	c.locks.WithLock(string(room)+"/outgoing", func() error {
		var records []OutgoingRecord
		store.ReadJSON(c.outgoingPath(room), &records)
		records = pruneOutgoing(records, now-windowMs)
		records = append(records, OutgoingRecord{
			Hash:      contentHash(content),
			Text:      content,
			AgentID:   agent,
			Timestamp: now,
		})
		return store.WriteJSONAtomic(c.outgoingPath(room), records)
	})
}

// MatchEcho reports whether inbound content matches something an agent sent
// within the trailing window, returning the agent it came from. Lookup is by
// content hash with a full-text confirm (short hashes can collide).
func (c *Cache) MatchEcho(room domain.RoomID, content string, windowMs int64) (domain.AgentID, bool) {
	var records []OutgoingRecord
	if !store.ReadJSON(c.outgoingPath(room), &records) {
		return "", false
	}
	records = pruneOutgoing(records, domain.NowMillis()-windowMs)

	h := contentHash(content)
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Hash == h && records[i].Text == content {
			return records[i].AgentID, true
		}
	}
	return "", false
}
