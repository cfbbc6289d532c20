package hooks

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roomloop/roomloop/pkg/board"
	"github.com/roomloop/roomloop/pkg/domain"
)

// commandHelp is returned for empty or unrecognized input.
const commandHelp = `roomloop commands:
  status <room>                                room snapshot
  task create <room> <taskId> <by> <summary…>  open a task
  task update <room> <taskId> <actor> <status> [note…]
  task list <room>                             active tasks
  cycle reset <room>                           hard-reset the budget window
  replay <room> <agent> <epochMs>              rewind a watermark
  cleanup <room>                               compact the transcript`

// HandleCommand is the text command surface exposed to the host. It accepts
// a free-form argument string and always returns a text reply; errors are
// reported in the reply, never raised.
func (c *Coordinator) HandleCommand(args string) string {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return commandHelp
	}

	switch fields[0] {
	case "status":
		if len(fields) < 2 {
			return "usage: status <room>"
		}
		return c.statusReply(domain.RoomID(fields[1]))

	case "task":
		return c.taskCommand(fields[1:])

	case "cycle":
		if len(fields) < 3 || fields[1] != "reset" {
			return "usage: cycle reset <room>"
		}
		c.cycles.Reset(domain.RoomID(fields[2]))
		return fmt.Sprintf("cycle reset for %s", fields[2])

	case "replay":
		if len(fields) < 4 {
			return "usage: replay <room> <agent> <epochMs>"
		}
		ts, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return fmt.Sprintf("bad timestamp %q", fields[3])
		}
		c.messages.ResetWatermarkBefore(domain.RoomID(fields[1]), domain.AgentID(fields[2]), ts)
		return fmt.Sprintf("watermark for %s in %s rewound to %d", fields[2], fields[1], ts)

	case "cleanup":
		if len(fields) < 2 {
			return "usage: cleanup <room>"
		}
		room := domain.RoomID(fields[1])
		c.messages.Cleanup(room, c.cfg.RoomMembers(room))
		return fmt.Sprintf("cleanup pass finished for %s", fields[1])

	default:
		return commandHelp
	}
}

func (c *Coordinator) statusReply(room domain.RoomID) string {
	if _, ok := c.cfg.RoomConfig(room); !ok {
		return fmt.Sprintf("unknown room %q", room)
	}
	now := domain.NowMillis()
	cy := c.cycles.GetOrCreate(room, c.limits(), now)

	var sb strings.Builder
	fmt.Fprintf(&sb, "room %s\n", room)
	fmt.Fprintf(&sb, "cycle: %d/%d turns, %d/%d dispatches, age %ds\n",
		cy.TurnsUsed, cy.MaxTurns, cy.DispatchCount, cy.MaxDispatch, (now-cy.CreatedAt)/1000)
	fmt.Fprintf(&sb, "transcript: %d messages\n", len(c.messages.ReadAll(room)))
	sb.WriteString(c.tasks.Snapshot(room))
	return strings.TrimRight(sb.String(), "\n")
}

func (c *Coordinator) taskCommand(fields []string) string {
	if len(fields) == 0 {
		return "usage: task create|update|list …"
	}
	switch fields[0] {
	case "create":
		if len(fields) < 4 {
			return "usage: task create <room> <taskId> <by> <summary…>"
		}
		room := domain.RoomID(fields[1])
		result := c.tasks.CreateTask(room, board.CreateRequest{
			TaskID:    fields[2],
			CreatedBy: fields[3],
			Summary:   strings.Join(fields[4:], " "),
		})
		if !result.OK {
			return fmt.Sprintf("task create failed: %s", result.Reason)
		}
		c.bus.PublishEvent(domain.NewEvent(domain.EventTaskCreated, room, map[string]string{"task": fields[2]}))
		return fmt.Sprintf("task %s created", fields[2])

	case "update":
		if len(fields) < 5 {
			return "usage: task update <room> <taskId> <actor> <status> [note…]"
		}
		result := c.tasks.UpdateTask(domain.RoomID(fields[1]), board.UpdateRequest{
			TaskID: fields[2],
			Actor:  fields[3],
			Status: board.SlotStatus(fields[4]),
			Note:   strings.Join(fields[5:], " "),
		})
		if !result.OK {
			return fmt.Sprintf("task update failed: %s", result.Reason)
		}
		if result.Archived {
			return fmt.Sprintf("task %s done, archived", fields[2])
		}
		return fmt.Sprintf("task %s now %s", fields[2], result.Status)

	case "list":
		if len(fields) < 2 {
			return "usage: task list <room>"
		}
		ctx := c.tasks.BuildBoardContext(domain.RoomID(fields[1]), "")
		if ctx == "" {
			return "no active tasks"
		}
		return ctx

	default:
		return "usage: task create|update|list …"
	}
}
