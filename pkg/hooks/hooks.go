// Package hooks is the host-facing surface of the coordinator. The plugin
// host calls these entry points on inbound messages, outbound sends, tool
// invocations, and agent starts; each returns a no-action, mutation, or
// block decision. Nothing here ever panics across the host boundary — every
// failure path returns a value.
package hooks

import (
	"context"
	"fmt"
	"strings"

	"github.com/roomloop/roomloop/pkg/board"
	"github.com/roomloop/roomloop/pkg/bus"
	"github.com/roomloop/roomloop/pkg/cache"
	"github.com/roomloop/roomloop/pkg/config"
	"github.com/roomloop/roomloop/pkg/cycle"
	"github.com/roomloop/roomloop/pkg/domain"
	"github.com/roomloop/roomloop/pkg/identity"
	"github.com/roomloop/roomloop/pkg/logger"
	"github.com/roomloop/roomloop/pkg/relay"
)

// ---------------------------------------------------------------------------
// Hook results
// ---------------------------------------------------------------------------

// Action is what the host should do with the in-flight request.
type Action string

const (
	ActionNone   Action = ""       // proceed unchanged
	ActionMutate Action = "mutate" // apply Mutation and proceed
	ActionBlock  Action = "block"  // stop, surface Reason
)

// Mutation is a replacement for parts of the in-flight request.
type Mutation struct {
	// Content replaces the request's text when non-empty.
	Content string
	// PrependContext is injected ahead of the agent's prompt.
	PrependContext string
}

// Result is the uniform hook return value.
type Result struct {
	Action   Action
	Mutation *Mutation
	Reason   string // human-readable, for blocks
}

func none() Result                 { return Result{} }
func block(reason string) Result   { return Result{Action: ActionBlock, Reason: reason} }
func mutate(m Mutation) Result     { return Result{Action: ActionMutate, Mutation: &m} }

// ---------------------------------------------------------------------------
// Coordinator
// ---------------------------------------------------------------------------

// Coordinator wires every subsystem behind the hook surface.
type Coordinator struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	messages *cache.Cache
	tasks    *board.Board
	cycles   *cycle.Limiter
	resolver *identity.Resolver
	relayer  *relay.Orchestrator
	runner   relay.AgentRunner // may be nil in forward-only deployments
}

// New creates the coordinator.
func New(cfg *config.Config, mb *bus.MessageBus, messages *cache.Cache, tasks *board.Board, cycles *cycle.Limiter, resolver *identity.Resolver, relayer *relay.Orchestrator, runner relay.AgentRunner) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		bus:      mb,
		messages: messages,
		tasks:    tasks,
		cycles:   cycles,
		resolver: resolver,
		relayer:  relayer,
		runner:   runner,
	}
}

func (c *Coordinator) limits() cycle.Limits {
	return cycle.Limits{
		MaxTurns:    c.cfg.Cycle.MaxTurnsPerCycle,
		MaxDispatch: c.cfg.Cycle.MaxDispatchPerCycle,
		TTLMs:       int64(c.cfg.Cycle.TTLSeconds) * 1000,
	}
}

// InboundEvent is the host's shape for a message arriving in a room.
type InboundEvent struct {
	Room     domain.RoomID
	SenderID string
	Sender   string // display label
	Content  string
	Mentions []string
}

// OnInboundMessage runs the full inbound pipeline: echo suppression, cache
// append, task signal sync, cycle bookkeeping, forwarding, and autopilot
// dispatch.
func (c *Coordinator) OnInboundMessage(ctx context.Context, ev InboundEvent) Result {
	if _, ok := c.cfg.RoomConfig(ev.Room); !ok {
		return none() // not a coordinated room, stay out of the way
	}
	now := domain.NowMillis()

	// An agent's own send bouncing back through the transport must not be
	// reprocessed as external input.
	if echoAgent, isEcho := c.messages.MatchEcho(ev.Room, ev.Content, c.cfg.Cache.EchoWindowMs); isEcho {
		c.bus.PublishEvent(domain.NewEvent(domain.EventEchoSuppressed, ev.Room, map[string]string{
			"agent": echoAgent.String(),
		}))
		return block("echo of recent agent output")
	}

	sourceAgent, _ := c.resolver.AgentForSender(ev.Room, ev.SenderID)

	// Same content from the same source inside the duplicate window is a
	// transport retry, not new input.
	if c.messages.HasRecentMessage(ev.Room, ev.Content, sourceAgent, c.cfg.Cache.EchoWindowMs) {
		return block("duplicate of recent message")
	}

	draft := cache.Draft{
		Timestamp:   now,
		Sender:      ev.Sender,
		SenderID:    ev.SenderID,
		SourceAgent: sourceAgent,
		Content:     ev.Content,
		Mentions:    ev.Mentions,
		Type:        cache.TypeMessage,
	}
	if _, _, _, isSignal := parseTaskSignal(ev.Content); isSignal {
		draft.Type = cache.TypeTaskUpdate
	}

	msg := c.messages.Append(ev.Room, draft)
	if msg == nil {
		return block("message rejected by cache")
	}
	c.bus.PublishEvent(domain.NewEvent(domain.EventMessageAppended, ev.Room, map[string]string{
		"id": msg.ID, "sender": ev.SenderID,
	}))

	c.syncTaskSignal(ev.Room, msg)

	// External input re-grants the room's budget (debounced); agent-origin
	// traffic never does.
	if sourceAgent.IsZero() {
		c.cycles.RegisterInboundExternal(ev.Room, c.limits(), now)
	}

	mentioned := mentionedAgents(ev.Mentions)
	c.relayer.ForwardMessage(ctx, ev.Room, msg, mentioned)
	c.autopilot(ctx, ev.Room, msg, mentioned, now)

	return none()
}

// OnOutboundSend gates an agent's attempt to speak in a room. A send
// consumes one turn from the room's cycle budget.
func (c *Coordinator) OnOutboundSend(ctx context.Context, room domain.RoomID, agent domain.AgentID, content string) Result {
	if _, ok := c.cfg.RoomConfig(room); !ok {
		return none()
	}
	now := domain.NowMillis()

	// A suppressed duplicate never burns budget, so the check runs before
	// the turn is consumed.
	if c.messages.HasRecentMessage(room, content, agent, c.cfg.Cache.EchoWindowMs) {
		return block("suppressed duplicate send")
	}

	turn := c.cycles.TryConsumeTurn(room, c.limits(), now)
	if !turn.OK {
		c.bus.PublishEvent(domain.NewEvent(domain.EventTurnExhausted, room, map[string]string{
			"agent": agent.String(),
		}))
		return block(fmt.Sprintf("turn limit reached (%d/%d) — waiting for external input", turn.Used, turn.Limit))
	}

	draft := cache.Draft{
		Timestamp:   now,
		Sender:      c.resolver.DisplayName(agent),
		SenderID:    c.resolver.AccountFor(room, agent),
		SourceAgent: agent,
		Content:     content,
		Type:        cache.TypeMessage,
	}
	msg := c.messages.Append(room, draft)
	if msg == nil {
		return block("send rejected by cache")
	}

	c.syncTaskSignal(room, msg)
	c.messages.RegisterOutgoing(room, agent, content, c.cfg.Cache.EchoWindowMs)

	c.bus.PublishOutbound(bus.OutboundMessage{
		Room:        room,
		Content:     content,
		SourceAgent: agent,
	})

	// Fan the agent's message out to the other members.
	c.relayer.ForwardMessage(ctx, room, msg, mentionedAgents(msg.Mentions))
	return none()
}

// sendTools are the tool names whose invocation is a room send. Any other
// tool passes through untouched.
var sendTools = map[string]bool{
	"room_send":    true,
	"send_message": true,
}

// OnToolInvocation gates tool calls. Send-type tools ride the outbound
// pipeline; everything else is no-action.
func (c *Coordinator) OnToolInvocation(ctx context.Context, room domain.RoomID, agent domain.AgentID, tool, argument string) Result {
	if !sendTools[tool] {
		return none()
	}
	return c.OnOutboundSend(ctx, room, agent, argument)
}

// OnAgentStart injects the agent's current room view — unread context plus
// board state — ahead of its prompt. No state is mutated; the watermark
// advances only when content is actually delivered.
func (c *Coordinator) OnAgentStart(room domain.RoomID, agent domain.AgentID) Result {
	if _, ok := c.cfg.RoomConfig(room); !ok {
		return none()
	}
	budget := cache.ContextBudget{
		MaxMessages: c.cfg.Cache.ContextMaxMessages,
		MaxChars:    c.cfg.Cache.ContextMaxChars,
	}
	var parts []string
	if ctx := c.messages.BuildContextBlock(room, agent, budget); ctx != "" {
		parts = append(parts, ctx)
	}
	if boardCtx := c.tasks.BuildBoardContext(room, agent); boardCtx != "" {
		parts = append(parts, boardCtx)
	}
	if len(parts) == 0 {
		return none()
	}
	return mutate(Mutation{PrependContext: strings.Join(parts, "\n\n")})
}

// ---------------------------------------------------------------------------
// Autopilot
// ---------------------------------------------------------------------------

// autopilot invokes each auto-dispatch target sequentially, consuming one
// dispatch per invocation. Exhausted budget stops quietly; the room will be
// re-granted on the next external input.
func (c *Coordinator) autopilot(ctx context.Context, room domain.RoomID, msg *cache.Message, mentioned domain.AgentIDs, now int64) {
	if c.runner == nil {
		return
	}
	for _, target := range c.relayer.ResolveAutopilotTargets(room, mentioned, msg.SourceAgent) {
		dispatch := c.cycles.TryConsumeDispatch(room, c.limits(), now)
		if !dispatch.OK {
			c.bus.PublishEvent(domain.NewEvent(domain.EventDispatchDenied, room, map[string]string{
				"target": target.String(),
			}))
			return
		}

		prompt := c.relayer.BuildPayload(room, target, msg)
		result, err := c.runner.Run(ctx, target, prompt)
		if err != nil {
			continue
		}
		if result.ExitCode != 0 {
			logger.WarnCF("hooks", "Autopilot invocation failed", map[string]interface{}{
				"room": room.String(), "agent": target.String(),
				"exit": result.ExitCode, "timedOut": result.TimedOut,
			})
			continue
		}
		c.messages.MarkAllRead(room, target)

		if reply := strings.TrimSpace(result.Stdout); reply != "" {
			c.OnOutboundSend(ctx, room, target, reply)
		}
	}
}

// ---------------------------------------------------------------------------
// Task signal sync
// ---------------------------------------------------------------------------

// parseTaskSignal recognizes inline task directives of the form
//
//	#task <taskId> <status> [note...]
//
// anywhere at the start of a line.
func parseTaskSignal(content string) (taskID string, status board.SlotStatus, note string, ok bool) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#task ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		taskID = fields[1]
		status = board.SlotStatus(fields[2])
		if !status.Valid() {
			continue
		}
		note = strings.Join(fields[3:], " ")
		return taskID, status, note, true
	}
	return "", "", "", false
}

// syncTaskSignal applies an inline task directive carried by a message. The
// actor is the message's source agent, or its sender id for external input.
func (c *Coordinator) syncTaskSignal(room domain.RoomID, msg *cache.Message) {
	taskID, status, note, ok := parseTaskSignal(msg.Content)
	if !ok {
		return
	}
	actor := string(msg.SourceAgent)
	if actor == "" {
		actor = msg.SenderID
	}
	result := c.tasks.UpdateTask(room, board.UpdateRequest{
		TaskID: taskID,
		Actor:  actor,
		Status: status,
		Note:   note,
	})
	switch {
	case result.OK && result.Archived:
		c.bus.PublishEvent(domain.NewEvent(domain.EventTaskArchived, room, map[string]string{"task": taskID}))
	case result.OK:
		c.bus.PublishEvent(domain.NewEvent(domain.EventTaskUpdated, room, map[string]string{
			"task": taskID, "status": result.Status.String(),
		}))
	case result.Reason == board.ReasonNotFound:
		logger.DebugCF("hooks", "Task signal for unknown task", map[string]interface{}{
			"room": room.String(), "task": taskID,
		})
	}
}

func mentionedAgents(mentions []string) domain.AgentIDs {
	out := make(domain.AgentIDs, 0, len(mentions))
	for _, m := range mentions {
		out = append(out, domain.AgentID(m))
	}
	return out
}
