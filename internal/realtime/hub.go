package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
)

// ErrNotAttached is returned by Join for a member the hub does not track.
var ErrNotAttached = errors.New("realtime: member not attached")

// Member is one live receiver, usually a websocket connection. Send must not
// block on the client.
type Member interface {
	ID() string
	Send(payload []byte) error
}

type groupKey struct {
	tenantID uint64
	name     string
}

// Hub keeps live members grouped per tenant. Groups of different tenants never
// mix even when their names are equal. State is in-memory and per process.
type Hub struct {
	mu           sync.RWMutex
	members      map[string]Member                // memberID -> member
	groups       map[groupKey]map[string]Member   // group -> memberID -> member
	memberGroups map[string]map[groupKey]struct{} // memberID -> groups
	logger       *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		members:      make(map[string]Member),
		groups:       make(map[groupKey]map[string]Member),
		memberGroups: make(map[string]map[groupKey]struct{}),
		logger:       logger.With("component", "realtime.hub"),
	}
}

// Attach starts tracking m.
func (h *Hub) Attach(m Member) {
	h.mu.Lock()
	h.members[m.ID()] = m
	if h.memberGroups[m.ID()] == nil {
		h.memberGroups[m.ID()] = make(map[groupKey]struct{})
	}
	h.mu.Unlock()
}

// Detach removes m and all of its group memberships.
func (h *Hub) Detach(m Member) {
	h.mu.Lock()
	h.detachLocked(m.ID())
	h.mu.Unlock()
}

// Join adds m to the tenant's group.
func (h *Hub) Join(tenantID uint64, group string, m Member) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.members[m.ID()]; !ok {
		return ErrNotAttached
	}
	key := groupKey{tenantID: tenantID, name: group}
	g := h.groups[key]
	if g == nil {
		g = make(map[string]Member)
		h.groups[key] = g
	}
	g[m.ID()] = m
	h.memberGroups[m.ID()][key] = struct{}{}
	return nil
}

// Leave removes m from the tenant's group.
func (h *Hub) Leave(tenantID uint64, group string, m Member) {
	h.mu.Lock()
	h.leaveLocked(groupKey{tenantID: tenantID, name: group}, m.ID())
	h.mu.Unlock()
}

// Broadcast encodes ev once and delivers it to the group's current members.
// Members joining later do not receive it.
func (h *Hub) Broadcast(ctx context.Context, tenantID uint64, group string, ev Event) (int, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}
	return h.Deliver(tenantID, group, payload), nil
}

// Deliver sends an encoded event to the group. A member whose Send fails is
// detached; the others are unaffected.
func (h *Hub) Deliver(tenantID uint64, group string, payload []byte) int {
	h.mu.RLock()
	g := h.groups[groupKey{tenantID: tenantID, name: group}]
	targets := make([]Member, 0, len(g))
	for _, m := range g {
		targets = append(targets, m)
	}
	h.mu.RUnlock()

	delivered := 0
	var failed []Member
	for _, m := range targets {
		if err := m.Send(payload); err != nil {
			failed = append(failed, m)
			continue
		}
		delivered++
	}

	if len(failed) > 0 {
		h.mu.Lock()
		for _, m := range failed {
			h.detachLocked(m.ID())
		}
		h.mu.Unlock()
		h.logger.Warn("dropped unreachable members", "tenant_id", tenantID, "group", group, "count", len(failed))
	}
	return delivered
}

// GroupSize returns the number of members in the tenant's group.
func (h *Hub) GroupSize(tenantID uint64, group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[groupKey{tenantID: tenantID, name: group}])
}

func (h *Hub) detachLocked(memberID string) {
	if _, ok := h.members[memberID]; !ok {
		return
	}
	delete(h.members, memberID)
	for key := range h.memberGroups[memberID] {
		h.leaveLocked(key, memberID)
	}
	delete(h.memberGroups, memberID)
}

func (h *Hub) leaveLocked(key groupKey, memberID string) {
	g := h.groups[key]
	if g == nil {
		return
	}
	delete(g, memberID)
	if len(g) == 0 {
		delete(h.groups, key)
	}
	if memberships, ok := h.memberGroups[memberID]; ok {
		delete(memberships, key)
	}
}
