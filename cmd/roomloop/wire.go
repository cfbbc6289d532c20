package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/roomloop/roomloop/pkg/board"
	"github.com/roomloop/roomloop/pkg/bus"
	"github.com/roomloop/roomloop/pkg/cache"
	"github.com/roomloop/roomloop/pkg/config"
	"github.com/roomloop/roomloop/pkg/cycle"
	"github.com/roomloop/roomloop/pkg/domain"
	"github.com/roomloop/roomloop/pkg/hooks"
	"github.com/roomloop/roomloop/pkg/identity"
	"github.com/roomloop/roomloop/pkg/logger"
	"github.com/roomloop/roomloop/pkg/relay"
	"github.com/roomloop/roomloop/pkg/runner"
	"github.com/roomloop/roomloop/pkg/store"
)

// app holds the assembled coordinator stack.
type app struct {
	cfg         *config.Config
	bus         *bus.MessageBus
	messages    *cache.Cache
	tasks       *board.Board
	cycles      *cycle.Limiter
	coordinator *hooks.Coordinator
}

// buildApp assembles every subsystem from the loaded configuration.
func buildApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(cfg.LogLevel)

	locks := store.NewLockManager(filepath.Join(cfg.StateDir, "locks"))
	ids := domain.NewSeqIDSource()

	messages := cache.New(cfg.StateDir, locks, ids, cache.Options{
		MessageTTLMs:        int64(cfg.Cache.MessageTTLHours) * 3600 * 1000,
		CompactionThreshold: cfg.Cache.CompactionThreshold,
	})
	tasks := board.New(cfg.StateDir, locks, board.Options{
		MaxActiveTasks: cfg.Board.MaxActiveTasks,
		StaleSlotMs:    int64(cfg.Board.StaleSlotHours) * 3600 * 1000,
	})
	cycles := cycle.New(cfg.StateDir, locks)

	mb := bus.New()
	resolver := identity.New(cfg, localRoutes{})
	relayer := relay.New(cfg, messages, tasks, resolver, busDeliverer{mb: mb}, mb, relay.Options{
		MaxEnvelopeChars: cfg.Relay.MaxEnvelopeChars,
		ContextBudget: cache.ContextBudget{
			MaxMessages: cfg.Cache.ContextMaxMessages,
			MaxChars:    cfg.Cache.ContextMaxChars,
		},
	})

	var agentRunner relay.AgentRunner
	if cfg.Runner.Command != "" {
		agentRunner = runner.New(cfg.Runner.Command, time.Duration(cfg.Runner.TimeoutSeconds)*time.Second)
	}

	coordinator := hooks.New(cfg, mb, messages, tasks, cycles, resolver, relayer, agentRunner)
	return &app{
		cfg:         cfg,
		bus:         mb,
		messages:    messages,
		tasks:       tasks,
		cycles:      cycles,
		coordinator: coordinator,
	}, nil
}

// runInboundLoop drains the bus until ctx ends, feeding each inbound message
// through the hook pipeline.
func (a *app) runInboundLoop(ctx context.Context) {
	for {
		msg, ok := a.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		result := a.coordinator.OnInboundMessage(ctx, hooks.InboundEvent{
			Room:     msg.Room,
			SenderID: msg.SenderID,
			Sender:   msg.Sender,
			Content:  msg.Content,
			Mentions: msg.Mentions,
		})
		if result.Action == hooks.ActionBlock {
			logger.DebugCF("main", "Inbound blocked", map[string]interface{}{
				"room": msg.Room.String(), "reason": result.Reason,
			})
		}
	}
}

// ---------------------------------------------------------------------------
// Default collaborators
// ---------------------------------------------------------------------------

// localRoutes derives session keys directly from the triple. A real
// deployment swaps in the transport's resolver; this one produces keys that
// always pass the room-reference safety check and never encode a foreign
// agent identity.
type localRoutes struct{}

func (localRoutes) ResolveRoute(channel, accountID, peer string) (string, error) {
	if peer == "" {
		return "", fmt.Errorf("route: empty peer for account %s", accountID)
	}
	return fmt.Sprintf("%s:%s:acct=%s", channel, peer, accountID), nil
}

// busDeliverer hands payloads to the outbound side of the bus, where the
// external transport adapter picks them up.
type busDeliverer struct {
	mb *bus.MessageBus
}

func (d busDeliverer) Deliver(ctx context.Context, sessionKey, payload string) error {
	d.mb.PublishOutbound(bus.OutboundMessage{SessionKey: sessionKey, Content: payload})
	return nil
}
