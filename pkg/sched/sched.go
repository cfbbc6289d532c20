// Package sched runs the coordinator's background maintenance: transcript
// compaction on a cron schedule. Maintenance is best-effort; a skipped pass
// only defers compaction to the next tick.
package sched

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"github.com/roomloop/roomloop/pkg/cache"
	"github.com/roomloop/roomloop/pkg/config"
	"github.com/roomloop/roomloop/pkg/domain"
	"github.com/roomloop/roomloop/pkg/logger"
)

// Scheduler ticks once a minute and fires the cleanup sweep when the cron
// expression is due.
type Scheduler struct {
	cfg      *config.Config
	messages *cache.Cache
	expr     string
	gron     *gronx.Gronx
}

// New creates a scheduler. An invalid cron expression disables it (logged).
func New(cfg *config.Config, messages *cache.Cache) *Scheduler {
	g := gronx.New()
	expr := cfg.Sched.CleanupCron
	if !g.IsValid(expr) {
		logger.WarnCF("sched", "Invalid cleanup cron, maintenance disabled", map[string]interface{}{
			"expr": expr,
		})
		expr = ""
	}
	return &Scheduler{cfg: cfg, messages: messages, expr: expr, gron: g}
}

// Run blocks until ctx ends, firing the sweep on schedule.
func (s *Scheduler) Run(ctx context.Context) {
	if s.expr == "" {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	logger.InfoCF("sched", "Maintenance scheduler started", map[string]interface{}{"cron": s.expr})
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := s.gron.IsDue(s.expr, now)
			if err != nil || !due {
				continue
			}
			s.Sweep()
		}
	}
}

// Sweep compacts every configured room's transcript. Rooms where a member
// has never read are left untouched by the cache itself.
func (s *Scheduler) Sweep() {
	for roomID := range s.cfg.Rooms {
		room := domain.RoomID(roomID)
		s.messages.Cleanup(room, s.cfg.RoomMembers(room))
	}
}
