// Package board implements the per-room collaborative task board. Each task
// carries independent per-agent status slots; the task's overall status is
// derived from the slots, never set directly.
package board

// SlotStatus is one agent's reported state on a task.
type SlotStatus string

const (
	StatusAck        SlotStatus = "ack"
	StatusInProgress SlotStatus = "in_progress"
	StatusBlocked    SlotStatus = "blocked"
	StatusRework     SlotStatus = "rework"
	StatusDone       SlotStatus = "done"
	StatusReviewOK   SlotStatus = "review_ok"
)

func (s SlotStatus) String() string { return string(s) }

// Terminal reports whether the slot status closes that agent's contribution.
func (s SlotStatus) Terminal() bool {
	return s == StatusDone || s == StatusReviewOK
}

// Valid reports whether the status is a recognized slot state.
func (s SlotStatus) Valid() bool {
	switch s {
	case StatusAck, StatusInProgress, StatusBlocked, StatusRework, StatusDone, StatusReviewOK:
		return true
	}
	return false
}

// TaskStatus is the derived overall state of a task.
type TaskStatus string

const (
	TaskCreate     TaskStatus = "create"
	TaskAck        TaskStatus = "ack"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskDone       TaskStatus = "done"
)

func (s TaskStatus) String() string { return string(s) }

// ---------------------------------------------------------------------------
// Records
// ---------------------------------------------------------------------------

const (
	taskSchemaVersion = 2

	slotHistoryCap   = 20
	globalHistoryCap = 100
)

// HistoryEntry records one status signal.
type HistoryEntry struct {
	Actor  string     `json:"actor"`
	Status SlotStatus `json:"status"`
	Note   string     `json:"note,omitempty"`
	At     int64      `json:"at"` // epoch ms
}

// Slot is one agent's independent contribution to a task. Created lazily on
// the agent's first signal, never at task creation.
type Slot struct {
	Status   SlotStatus     `json:"status"`
	Rounds   int            `json:"rounds"`
	LastNote string         `json:"lastNote,omitempty"`
	LastAt   int64          `json:"lastAt"`
	History  []HistoryEntry `json:"history,omitempty"`
}

// Task is one collaborative task record.
type Task struct {
	SchemaVersion int              `json:"schemaVersion"`
	TaskID        string           `json:"taskId"`
	Summary       string           `json:"summary"`
	Status        TaskStatus       `json:"status"`
	CreatedBy     string           `json:"createdBy"`
	CreatedAt     int64            `json:"createdAt"`
	UpdatedAt     int64            `json:"updatedAt"`
	ClosedAt      int64            `json:"closedAt"` // 0 while open
	Slots         map[string]*Slot `json:"slots"`
	GlobalHistory []HistoryEntry   `json:"globalHistory"`

	// Legacy single-assignee fields, read-only after migration.
	LegacyAssignee string         `json:"assignee,omitempty"`
	LegacyOwner    string         `json:"owner,omitempty"`
	LegacyHistory  []HistoryEntry `json:"history,omitempty"`
}

// BoardEntry is the compact per-task line kept in the room's board index for
// fast listing.
type BoardEntry struct {
	Status  TaskStatus `json:"status"`
	Summary string     `json:"summary"`
}

// ---------------------------------------------------------------------------
// Status derivation
// ---------------------------------------------------------------------------

// DeriveStatus computes the task-level status from its slots. Precedence,
// first match wins: all slots terminal, any blocked, any in progress (rework
// counts as in progress), otherwise ack. No slots at all means the task is
// freshly created and untouched.
func DeriveStatus(slots map[string]*Slot) TaskStatus {
	if len(slots) == 0 {
		return TaskCreate
	}

	allTerminal := true
	anyBlocked := false
	anyInProgress := false
	for _, slot := range slots {
		if !slot.Status.Terminal() {
			allTerminal = false
		}
		switch slot.Status {
		case StatusBlocked:
			anyBlocked = true
		case StatusInProgress, StatusRework:
			anyInProgress = true
		}
	}

	switch {
	case allTerminal:
		return TaskDone
	case anyBlocked:
		return TaskBlocked
	case anyInProgress:
		return TaskInProgress
	default:
		return TaskAck
	}
}

// Closed reports whether the derived status ends the task.
func (t TaskStatus) Closed() bool { return t == TaskDone }

// ---------------------------------------------------------------------------
// Legacy migration
// ---------------------------------------------------------------------------

// migrate upgrades a legacy single-assignee record to the slots model in
// place. Old boards keep working without a separate migration pass.
func (t *Task) migrate() {
	if t.SchemaVersion >= taskSchemaVersion || t.Slots != nil {
		if t.Slots == nil {
			t.Slots = map[string]*Slot{}
		}
		t.SchemaVersion = taskSchemaVersion
		return
	}

	t.Slots = map[string]*Slot{}
	assignee := t.LegacyAssignee
	if assignee == "" {
		assignee = t.LegacyOwner
	}
	if assignee != "" {
		slot := &Slot{
			Status: StatusAck,
			Rounds: len(t.LegacyHistory),
			LastAt: t.UpdatedAt,
		}
		if n := len(t.LegacyHistory); n > 0 {
			last := t.LegacyHistory[n-1]
			if last.Status.Valid() {
				slot.Status = last.Status
			}
			slot.LastNote = last.Note
			if last.At > 0 {
				slot.LastAt = last.At
			}
			slot.History = capHistory(t.LegacyHistory, slotHistoryCap)
		}
		t.Slots[assignee] = slot
	}
	if len(t.GlobalHistory) == 0 && len(t.LegacyHistory) > 0 {
		t.GlobalHistory = capHistory(t.LegacyHistory, globalHistoryCap)
	}
	t.Status = DeriveStatus(t.Slots)
	t.SchemaVersion = taskSchemaVersion
}

func capHistory(entries []HistoryEntry, limit int) []HistoryEntry {
	if len(entries) <= limit {
		out := make([]HistoryEntry, len(entries))
		copy(out, entries)
		return out
	}
	out := make([]HistoryEntry, limit)
	copy(out, entries[len(entries)-limit:])
	return out
}

// applySignal updates (or lazily creates) the actor's slot and appends to
// both histories, then re-derives the overall status.
func (t *Task) applySignal(actor string, status SlotStatus, note string, now int64) {
	slot, ok := t.Slots[actor]
	if !ok {
		slot = &Slot{}
		t.Slots[actor] = slot
	}
	slot.Status = status
	slot.Rounds++
	slot.LastNote = note
	slot.LastAt = now
	slot.History = append(slot.History, HistoryEntry{Actor: actor, Status: status, Note: note, At: now})
	slot.History = capHistory(slot.History, slotHistoryCap)

	t.GlobalHistory = append(t.GlobalHistory, HistoryEntry{Actor: actor, Status: status, Note: note, At: now})
	t.GlobalHistory = capHistory(t.GlobalHistory, globalHistoryCap)

	t.Status = DeriveStatus(t.Slots)
	t.UpdatedAt = now
}

// staleOpenSince returns the most recent activity among non-terminal slots,
// or 0 when the task has none (nothing open to stall on).
func (t *Task) staleOpenSince() int64 {
	var latest int64
	open := false
	for _, slot := range t.Slots {
		if slot.Status.Terminal() {
			continue
		}
		open = true
		if slot.LastAt > latest {
			latest = slot.LastAt
		}
	}
	if !open {
		return 0
	}
	return latest
}
