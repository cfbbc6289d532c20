// Package relay decides which agents receive a forwarded copy of a room
// message, assembles the enriched context payload, and hands it to the
// delivery collaborator through a validated session route.
package relay

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/roomloop/roomloop/pkg/board"
	"github.com/roomloop/roomloop/pkg/cache"
	"github.com/roomloop/roomloop/pkg/config"
	"github.com/roomloop/roomloop/pkg/domain"
	"github.com/roomloop/roomloop/pkg/identity"
	"github.com/roomloop/roomloop/pkg/logger"
)

// ---------------------------------------------------------------------------
// External collaborator contracts
// ---------------------------------------------------------------------------

// Deliverer sends a text payload to a resolved session. Fire-and-forget:
// failures are logged by the orchestrator but never feed back into core
// state.
type Deliverer interface {
	Deliver(ctx context.Context, sessionKey, payload string) error
}

// RunResult is the structured outcome of one external agent invocation.
type RunResult struct {
	Stdout   string
	Stderr   string // truncated by the runner
	ExitCode int
	TimedOut bool
}

// AgentRunner invokes an external agent process with a prompt under a
// bounded timeout. Invocations are never retried automatically; a stateful
// agent call retried blindly could duplicate side effects.
type AgentRunner interface {
	Run(ctx context.Context, agent domain.AgentID, prompt string) (RunResult, error)
}

// EventSink receives coordination events for the operator feed. Optional.
type EventSink interface {
	PublishEvent(domain.Event)
}

// ---------------------------------------------------------------------------
// Orchestrator
// ---------------------------------------------------------------------------

// Options tunes payload assembly.
type Options struct {
	MaxEnvelopeChars int
	ContextBudget    cache.ContextBudget
}

// Orchestrator composes the cache, board, and identity resolver into the
// forwarding pipeline.
type Orchestrator struct {
	cfg       *config.Config
	messages  *cache.Cache
	tasks     *board.Board
	resolver  *identity.Resolver
	deliverer Deliverer
	events    EventSink
	opts      Options
}

// New creates a relay orchestrator. events may be nil.
func New(cfg *config.Config, messages *cache.Cache, tasks *board.Board, resolver *identity.Resolver, deliverer Deliverer, events EventSink, opts Options) *Orchestrator {
	if opts.MaxEnvelopeChars <= 0 {
		opts.MaxEnvelopeChars = 4000
	}
	return &Orchestrator{
		cfg:       cfg,
		messages:  messages,
		tasks:     tasks,
		resolver:  resolver,
		deliverer: deliverer,
		events:    events,
		opts:      opts,
	}
}

func (o *Orchestrator) emit(e domain.Event) {
	if o.events != nil {
		o.events.PublishEvent(e)
	}
}

// ---------------------------------------------------------------------------
// Target resolution
// ---------------------------------------------------------------------------

// resolveTargets applies one mode (mentions / all / mixed) to a room's
// members. The source agent is excluded unless the room opts into self
// forwarding. Output is deduplicated and order-stable: mentioned agents in
// mention order, members in configured order.
func resolveTargets(mode string, members domain.AgentIDs, mentioned domain.AgentIDs, source domain.AgentID, includeSelf bool) domain.AgentIDs {
	var pool domain.AgentIDs
	switch mode {
	case "mentions":
		pool = mentioned
	case "all":
		pool = members
	default: // mixed
		if len(mentioned) > 0 {
			pool = mentioned
		} else {
			pool = members
		}
	}

	seen := map[domain.AgentID]bool{}
	var out domain.AgentIDs
	for _, agent := range pool {
		if agent.IsZero() || seen[agent] {
			continue
		}
		if agent == source && !includeSelf {
			continue
		}
		if !members.Contains(agent) {
			continue
		}
		seen[agent] = true
		out = append(out, agent)
	}
	return out
}

// ResolveForwardTargets computes who receives a forwarded copy of a message.
func (o *Orchestrator) ResolveForwardTargets(room domain.RoomID, mentioned domain.AgentIDs, source domain.AgentID) domain.AgentIDs {
	rc, ok := o.cfg.RoomConfig(room)
	if !ok {
		return nil
	}
	return resolveTargets(rc.ForwardMode, o.cfg.RoomMembers(room), mentioned, source, rc.IncludeSelf)
}

// ResolveAutopilotTargets computes who gets auto-dispatched for a message.
// Same mention-or-all logic as forwarding, gated by its own room toggle.
func (o *Orchestrator) ResolveAutopilotTargets(room domain.RoomID, mentioned domain.AgentIDs, source domain.AgentID) domain.AgentIDs {
	rc, ok := o.cfg.RoomConfig(room)
	if !ok {
		return nil
	}
	return resolveTargets(rc.AutopilotMode, o.cfg.RoomMembers(room), mentioned, source, false)
}

// ---------------------------------------------------------------------------
// Payload assembly and delivery
// ---------------------------------------------------------------------------

// BuildEnvelope renders the relay-formatted header for one message.
func (o *Orchestrator) BuildEnvelope(msg *cache.Message) string {
	label := msg.Sender
	if label == "" {
		label = msg.SenderID
	}
	content := msg.Content
	if len(content) > o.opts.MaxEnvelopeChars {
		cut := o.opts.MaxEnvelopeChars
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut] + "…"
	}
	ts := domain.MillisToTime(msg.Timestamp).Format("2006-01-02 15:04:05")
	return fmt.Sprintf("[group-relay] %s @ %s:\n%s", label, ts, content)
}

// BuildPayload assembles the enriched payload for one target: envelope,
// unread room context, and the task board state.
func (o *Orchestrator) BuildPayload(room domain.RoomID, target domain.AgentID, msg *cache.Message) string {
	parts := []string{o.BuildEnvelope(msg)}
	if ctx := o.messages.BuildContextBlock(room, target, o.opts.ContextBudget); ctx != "" {
		parts = append(parts, ctx)
	}
	if boardCtx := o.tasks.BuildBoardContext(room, target); boardCtx != "" {
		parts = append(parts, boardCtx)
	}
	return strings.Join(parts, "\n\n")
}

// ForwardMessage delivers a forwarded copy of msg to every resolved target.
// Each successful delivery marks the target's watermark fully read — the
// payload already carried everything unread. Returns how many targets were
// delivered to.
func (o *Orchestrator) ForwardMessage(ctx context.Context, room domain.RoomID, msg *cache.Message, mentioned domain.AgentIDs) int {
	targets := o.ResolveForwardTargets(room, mentioned, msg.SourceAgent)
	delivered := 0
	for _, target := range targets {
		// Payload is built before marking read, per target, so each agent
		// sees its own unread window.
		payload := o.BuildPayload(room, target, msg)

		ref := o.resolver.ResolveAgentSession(room, target)
		if ref.SessionKey == "" {
			o.emit(domain.NewEvent(domain.EventForwardSkipped, room, map[string]string{
				"target": target.String(), "reason": "no_safe_session",
			}))
			continue
		}

		if err := o.deliverer.Deliver(ctx, ref.SessionKey, payload); err != nil {
			logger.WarnCF("relay", "Delivery failed", map[string]interface{}{
				"room": room.String(), "target": target.String(), "error": err.Error(),
			})
			o.emit(domain.NewEvent(domain.EventForwardSkipped, room, map[string]string{
				"target": target.String(), "reason": "deliver_failed",
			}))
			continue
		}

		o.messages.MarkAllRead(room, target)
		delivered++
		o.emit(domain.NewEvent(domain.EventForwardDelivered, room, map[string]string{
			"target": target.String(), "message": msg.ID,
		}))
	}
	return delivered
}
