// Package identity maps agents to network accounts and back, and validates
// that a computed delivery target is safe for its intended room and agent.
// A wrong delivery would leak room content into an unrelated session, so the
// validation here is correctness-critical, not cosmetic.
package identity

import (
	"sort"
	"strings"

	"github.com/roomloop/roomloop/pkg/config"
	"github.com/roomloop/roomloop/pkg/domain"
	"github.com/roomloop/roomloop/pkg/logger"
)

// RouteResolver is the external collaborator that turns a (channel, account,
// peer) triple into a transport session key. The core never constructs
// session keys itself.
type RouteResolver interface {
	ResolveRoute(channel, accountID, peer string) (string, error)
}

// SessionRef is a validated delivery target.
type SessionRef struct {
	AccountID  string
	SessionKey string // empty when no safe route exists
}

// Resolver performs agent/account mapping against the loaded configuration.
type Resolver struct {
	cfg    *config.Config
	routes RouteResolver

	// byAccount is the global reverse map, first-writer-wins on collision.
	byAccount map[string]domain.AgentID
}

// New builds a resolver. The reverse map is constructed once, in stable
// (sorted) agent order so collisions resolve deterministically.
func New(cfg *config.Config, routes RouteResolver) *Resolver {
	r := &Resolver{cfg: cfg, routes: routes, byAccount: map[string]domain.AgentID{}}

	ids := make([]string, 0, len(cfg.Agents))
	for id := range cfg.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		account := cfg.Agents[id].AccountID
		if account == "" {
			continue
		}
		if prev, taken := r.byAccount[account]; taken {
			logger.WarnCF("identity", "Account mapped by multiple agents, keeping first", map[string]interface{}{
				"account": account, "kept": prev.String(), "ignored": id,
			})
			continue
		}
		r.byAccount[account] = domain.AgentID(id)
	}
	return r
}

// AccountFor returns the network account for an agent in a room: the room's
// override when present, otherwise the agent's global account.
func (r *Resolver) AccountFor(room domain.RoomID, agent domain.AgentID) string {
	if rc, ok := r.cfg.RoomConfig(room); ok {
		if override, ok := rc.AccountOverrides[string(agent)]; ok && override != "" {
			return override
		}
	}
	if ac, ok := r.cfg.AgentConfig(agent); ok {
		return ac.AccountID
	}
	return ""
}

// AgentForAccount reverses an account id to an agent, if any agent claims it.
func (r *Resolver) AgentForAccount(account string) (domain.AgentID, bool) {
	agent, ok := r.byAccount[account]
	return agent, ok
}

// AgentForSender reverses a sender network id to an agent. Room account
// overrides are honored before the global map.
func (r *Resolver) AgentForSender(room domain.RoomID, senderID string) (domain.AgentID, bool) {
	if rc, ok := r.cfg.RoomConfig(room); ok {
		actors := make([]string, 0, len(rc.AccountOverrides))
		for actor := range rc.AccountOverrides {
			actors = append(actors, actor)
		}
		sort.Strings(actors)
		for _, actor := range actors {
			if rc.AccountOverrides[actor] == senderID {
				return domain.AgentID(actor), true
			}
		}
	}
	return r.AgentForAccount(senderID)
}

// DisplayName returns the agent's configured label, falling back to its id.
func (r *Resolver) DisplayName(agent domain.AgentID) string {
	if ac, ok := r.cfg.AgentConfig(agent); ok && ac.DisplayName != "" {
		return ac.DisplayName
	}
	return string(agent)
}

// ---------------------------------------------------------------------------
// Session resolution
// ---------------------------------------------------------------------------

// ResolveAgentSession obtains a candidate session for delivering room
// content to an agent and validates it. On any validation failure the
// session key comes back empty (logged); the caller skips delivery rather
// than risking a cross-session leak.
func (r *Resolver) ResolveAgentSession(room domain.RoomID, agent domain.AgentID) SessionRef {
	rc, ok := r.cfg.RoomConfig(room)
	if !ok {
		logger.WarnCF("identity", "Session resolution for unknown room", map[string]interface{}{
			"room": room.String(),
		})
		return SessionRef{}
	}

	account := r.AccountFor(room, agent)
	if account == "" {
		logger.WarnCF("identity", "Agent has no account mapping", map[string]interface{}{
			"room": room.String(), "agent": agent.String(),
		})
		return SessionRef{}
	}

	key, err := r.routes.ResolveRoute("room", account, rc.ConversationID)
	if err != nil {
		logger.WarnCF("identity", "Route resolution failed", map[string]interface{}{
			"room": room.String(), "agent": agent.String(), "error": err.Error(),
		})
		return SessionRef{AccountID: account}
	}

	if !IsSafeSessionKey(key, rc.ConversationID, agent) {
		logger.WarnCF("identity", "Rejected unsafe session key", map[string]interface{}{
			"room": room.String(), "agent": agent.String(), "key": key,
		})
		return SessionRef{AccountID: account}
	}
	return SessionRef{AccountID: account, SessionKey: key}
}

// IsSafeSessionKey checks a candidate delivery target. The key must
// reference the room's conversation identifier, and when it encodes an agent
// identity (an "agent=<id>" segment) that identity must be the intended
// target. Anything else is a cross-delivery risk and is rejected.
func IsSafeSessionKey(key, conversationID string, target domain.AgentID) bool {
	if key == "" || conversationID == "" {
		return false
	}
	if !strings.Contains(key, conversationID) {
		return false
	}
	for _, segment := range strings.Split(key, ":") {
		if encoded, ok := strings.CutPrefix(segment, "agent="); ok {
			if encoded != string(target) {
				return false
			}
		}
	}
	return true
}
