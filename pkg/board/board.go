package board

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/roomloop/roomloop/pkg/domain"
	"github.com/roomloop/roomloop/pkg/logger"
	"github.com/roomloop/roomloop/pkg/store"
)

// Options bounds board behavior.
type Options struct {
	// MaxActiveTasks caps the active set per room.
	MaxActiveTasks int
	// StaleSlotMs flags snapshot tasks whose open slots have all been idle
	// at least this long. 0 disables the flag.
	StaleSlotMs int64
}

const defaultMaxActiveTasks = 20

// Board is the per-room task store. Task operations serialize through one
// advisory lock per room; active tasks live one file per taskId, closed
// revisions move to an immutable history set.
type Board struct {
	root  string
	locks *store.LockManager
	opts  Options
}

// New creates a task board rooted at the given state directory.
func New(root string, locks *store.LockManager, opts Options) *Board {
	if opts.MaxActiveTasks <= 0 {
		opts.MaxActiveTasks = defaultMaxActiveTasks
	}
	return &Board{root: root, locks: locks, opts: opts}
}

func (b *Board) tasksDir(room domain.RoomID) string {
	return filepath.Join(b.root, "rooms", string(room), "tasks")
}

func (b *Board) activePath(room domain.RoomID, taskID string) string {
	return filepath.Join(b.tasksDir(room), "active", taskID+".json")
}

func (b *Board) historyPath(room domain.RoomID, taskID string, closedAt int64) string {
	return filepath.Join(b.tasksDir(room), "history", fmt.Sprintf("%d-%s.json", closedAt, taskID))
}

func (b *Board) indexPath(room domain.RoomID) string {
	return filepath.Join(b.tasksDir(room), "board.json")
}

func (b *Board) lockName(room domain.RoomID) string {
	return string(room) + "/tasks"
}

// ---------------------------------------------------------------------------
// Results
// ---------------------------------------------------------------------------

// FailureReason discriminates validation failures. These are returned, never
// thrown; callers translate them into user-facing text.
type FailureReason string

const (
	ReasonNone             FailureReason = ""
	ReasonMaxActiveReached FailureReason = "max_active_reached"
	ReasonAlreadyExists    FailureReason = "already_exists"
	ReasonNotFound         FailureReason = "not_found"
	ReasonInvalidStatus    FailureReason = "invalid_status"
	ReasonNotApplied       FailureReason = "not_applied" // lock or write failure
)

// CreateResult reports the outcome of CreateTask.
type CreateResult struct {
	OK     bool
	Reason FailureReason
	Task   *Task
}

// UpdateResult reports the outcome of UpdateTask.
type UpdateResult struct {
	OK       bool
	Reason   FailureReason
	Status   TaskStatus
	Archived bool
	Task     *Task
}

// CreateRequest carries the fields for a new task.
type CreateRequest struct {
	TaskID    string
	Summary   string
	CreatedBy string
	Note      string
	Status    SlotStatus // optional initial signal from the creator
}

// UpdateRequest carries one status signal.
type UpdateRequest struct {
	TaskID string
	Actor  string
	Status SlotStatus
	Note   string
}

// ---------------------------------------------------------------------------
// Internal reads (no lock — callers hold it when mutating)
// ---------------------------------------------------------------------------

func (b *Board) readActive(room domain.RoomID, taskID string) (*Task, bool) {
	var task Task
	if !store.ReadJSON(b.activePath(room, taskID), &task) {
		return nil, false
	}
	task.migrate()
	return &task, true
}

func (b *Board) listActiveIDs(room domain.RoomID) []string {
	entries, err := os.ReadDir(filepath.Join(b.tasksDir(room), "active"))
	if err != nil {
		return nil
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids
}

func (b *Board) readIndex(room domain.RoomID) map[string]BoardEntry {
	index := map[string]BoardEntry{}
	store.ReadJSON(b.indexPath(room), &index)
	return index
}

func (b *Board) writeIndexEntry(room domain.RoomID, taskID string, entry *BoardEntry) error {
	index := b.readIndex(room)
	if entry == nil {
		delete(index, taskID)
	} else {
		index[taskID] = *entry
	}
	return store.WriteJSONAtomic(b.indexPath(room), index)
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// CreateTask creates a new active task. Fails when the active ceiling is
// reached or the taskId is already active. Slots start empty; the creator's
// intent lands in globalHistory only.
func (b *Board) CreateTask(room domain.RoomID, req CreateRequest) CreateResult {
	var result CreateResult
	applied := b.locks.WithLock(b.lockName(room), func() error {
		if len(b.listActiveIDs(room)) >= b.opts.MaxActiveTasks {
			result = CreateResult{Reason: ReasonMaxActiveReached}
			return nil
		}
		if _, exists := b.readActive(room, req.TaskID); exists {
			result = CreateResult{Reason: ReasonAlreadyExists}
			return nil
		}

		now := domain.NowMillis()
		status := req.Status
		if !status.Valid() {
			status = StatusAck
		}
		task := &Task{
			SchemaVersion: taskSchemaVersion,
			TaskID:        req.TaskID,
			Summary:       req.Summary,
			Status:        TaskCreate,
			CreatedBy:     req.CreatedBy,
			CreatedAt:     now,
			UpdatedAt:     now,
			Slots:         map[string]*Slot{},
			GlobalHistory: []HistoryEntry{{Actor: req.CreatedBy, Status: status, Note: req.Note, At: now}},
		}
		if err := store.WriteJSONAtomic(b.activePath(room, req.TaskID), task); err != nil {
			return err
		}
		if err := b.writeIndexEntry(room, req.TaskID, &BoardEntry{Status: task.Status, Summary: task.Summary}); err != nil {
			return err
		}
		result = CreateResult{OK: true, Task: task}
		return nil
	})
	if !applied && result.Reason == ReasonNone && !result.OK {
		result.Reason = ReasonNotApplied
	}
	if result.OK {
		logger.InfoCF("board", "Task created", map[string]interface{}{
			"room": room.String(), "task": req.TaskID, "by": req.CreatedBy,
		})
	}
	return result
}

// UpdateTask applies one actor's status signal to an active task. When the
// re-derived status is terminal the task is archived: written to the history
// set keyed by close time, removed from the active set and the board index.
func (b *Board) UpdateTask(room domain.RoomID, req UpdateRequest) UpdateResult {
	if !req.Status.Valid() {
		return UpdateResult{Reason: ReasonInvalidStatus}
	}

	var result UpdateResult
	applied := b.locks.WithLock(b.lockName(room), func() error {
		task, ok := b.readActive(room, req.TaskID)
		if !ok {
			result = UpdateResult{Reason: ReasonNotFound}
			return nil
		}

		now := domain.NowMillis()
		task.applySignal(req.Actor, req.Status, req.Note, now)

		if task.Status.Closed() {
			task.ClosedAt = now
			if err := store.WriteJSONAtomic(b.historyPath(room, task.TaskID, now), task); err != nil {
				return err
			}
			if err := os.Remove(b.activePath(room, task.TaskID)); err != nil && !os.IsNotExist(err) {
				return err
			}
			if err := b.writeIndexEntry(room, task.TaskID, nil); err != nil {
				return err
			}
			result = UpdateResult{OK: true, Status: task.Status, Archived: true, Task: task}
			return nil
		}

		if err := store.WriteJSONAtomic(b.activePath(room, task.TaskID), task); err != nil {
			return err
		}
		if err := b.writeIndexEntry(room, task.TaskID, &BoardEntry{Status: task.Status, Summary: task.Summary}); err != nil {
			return err
		}
		result = UpdateResult{OK: true, Status: task.Status, Task: task}
		return nil
	})
	if !applied && result.Reason == ReasonNone && !result.OK {
		result.Reason = ReasonNotApplied
	}
	if result.OK {
		logger.InfoCF("board", "Task updated", map[string]interface{}{
			"room": room.String(), "task": req.TaskID, "actor": req.Actor,
			"status": result.Status.String(), "archived": result.Archived,
		})
	}
	return result
}

// GetTask returns one active task, migrating legacy records on read.
func (b *Board) GetTask(room domain.RoomID, taskID string) (*Task, bool) {
	return b.readActive(room, taskID)
}

// ListActiveTasks returns every active task in taskId order, migrating
// legacy records on read.
func (b *Board) ListActiveTasks(room domain.RoomID) []*Task {
	var out []*Task
	for _, id := range b.listActiveIDs(room) {
		if task, ok := b.readActive(room, id); ok {
			out = append(out, task)
		}
	}
	return out
}

// countClosed counts archived revisions for the snapshot.
func (b *Board) countClosed(room domain.RoomID) int {
	entries, err := os.ReadDir(filepath.Join(b.tasksDir(room), "history"))
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Rendering
// ---------------------------------------------------------------------------

// BuildBoardContext renders the active tasks for inclusion in an agent's
// context payload, marking the requesting agent's own slot. Empty string
// when the board is clear.
func (b *Board) BuildBoardContext(room domain.RoomID, agent domain.AgentID) string {
	tasks := b.ListActiveTasks(room)
	if len(tasks) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("--- task board ---\n")
	for _, task := range tasks {
		fmt.Fprintf(&sb, "%s [%s] %s\n", task.TaskID, task.Status, task.Summary)
		for _, actor := range sortedSlotActors(task.Slots) {
			slot := task.Slots[actor]
			marker := " "
			if actor == string(agent) {
				marker = "*"
			}
			fmt.Fprintf(&sb, " %s %s: %s (round %d)", marker, actor, slot.Status, slot.Rounds)
			if slot.LastNote != "" {
				fmt.Fprintf(&sb, " — %s", slot.LastNote)
			}
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Snapshot renders an operator-facing summary: active/closed counts plus one
// compact line per task and slot. Tasks whose open slots have all gone idle
// past the stale threshold are flagged.
func (b *Board) Snapshot(room domain.RoomID) string {
	tasks := b.ListActiveTasks(room)
	closed := b.countClosed(room)

	var sb strings.Builder
	fmt.Fprintf(&sb, "tasks: %d active, %d closed\n", len(tasks), closed)
	now := domain.NowMillis()
	for _, task := range tasks {
		stale := ""
		if b.opts.StaleSlotMs > 0 {
			if since := task.staleOpenSince(); since > 0 && now-since >= b.opts.StaleSlotMs {
				stale = " [stale]"
			}
		}
		fmt.Fprintf(&sb, "%s %s%s", task.TaskID, task.Status, stale)
		var parts []string
		for _, actor := range sortedSlotActors(task.Slots) {
			slot := task.Slots[actor]
			parts = append(parts, fmt.Sprintf("%s=%s/%d", actor, slot.Status, slot.Rounds))
		}
		if len(parts) > 0 {
			fmt.Fprintf(&sb, " (%s)", strings.Join(parts, " "))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func sortedSlotActors(slots map[string]*Slot) []string {
	actors := make([]string, 0, len(slots))
	for actor := range slots {
		actors = append(actors, actor)
	}
	sort.Strings(actors)
	return actors
}
