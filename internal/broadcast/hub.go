// Package broadcast fans applied events out to live subscribers. One Hub is
// shared by every tenant engine; a subscription is scoped to one tenant and
// one logical channel (world, agent, tick). Sends never block the tick loop:
// a subscriber that stops draining loses records instead.
package broadcast

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"agorasim.ai/internal/protocol"
)

// Channel selects which slice of a tenant's stream a subscriber sees.
type Channel string

const (
	// ChannelWorld carries every event of the tenant.
	ChannelWorld Channel = "world"
	// ChannelAgent carries events attributed to one agent.
	ChannelAgent Channel = "agent"
	// ChannelTick carries only the tick_start/tick_end brackets.
	ChannelTick Channel = "tick"
)

var (
	ErrBadChannel    = errors.New("broadcast: unknown channel")
	ErrAgentRequired = errors.New("broadcast: agent channel requires an agent id")
	ErrEmptyTenant   = errors.New("broadcast: empty tenant id")
)

const defaultBuffer = 256

// Subscription is one observer's feed. Receive from C; Cancel when done.
type Subscription struct {
	ID       string
	TenantID string
	Channel  Channel
	AgentID  string

	C <-chan protocol.EventRecord

	hub     *Hub
	ch      chan protocol.EventRecord
	dropped atomic.Uint64
	once    sync.Once
}

// Dropped reports how many records were lost to a full buffer.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Cancel removes the subscription and closes C. Safe to call twice.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.ch)
	})
}

func (s *Subscription) wants(rec protocol.EventRecord) bool {
	switch s.Channel {
	case ChannelWorld:
		return true
	case ChannelTick:
		return rec.Type == protocol.EventTickStart || rec.Type == protocol.EventTickEnd
	case ChannelAgent:
		return rec.AgentID != "" && rec.AgentID == s.AgentID
	}
	return false
}

// Hub routes event records to subscribers. It satisfies the engine's
// Broadcaster interface, so one hub serves every tenant.
type Hub struct {
	nextID atomic.Uint64

	mu   sync.RWMutex
	subs map[string]map[string]*Subscription
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[string]*Subscription{}}
}

// Subscribe registers a feed on one tenant's stream. buffer <= 0 picks the
// default.
func (h *Hub) Subscribe(tenantID string, ch Channel, agentID string, buffer int) (*Subscription, error) {
	switch ch {
	case ChannelWorld, ChannelTick:
	case ChannelAgent:
		if agentID == "" {
			return nil, ErrAgentRequired
		}
	default:
		return nil, ErrBadChannel
	}
	if tenantID == "" {
		return nil, ErrEmptyTenant
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	c := make(chan protocol.EventRecord, buffer)
	sub := &Subscription{
		ID:       fmt.Sprintf("S%d", h.nextID.Add(1)),
		TenantID: tenantID,
		Channel:  ch,
		AgentID:  agentID,
		C:        c,
		hub:      h,
		ch:       c,
	}

	h.mu.Lock()
	m := h.subs[tenantID]
	if m == nil {
		m = map[string]*Subscription{}
		h.subs[tenantID] = m
	}
	m[sub.ID] = sub
	h.mu.Unlock()
	return sub, nil
}

// Publish fans one record out to every matching subscription of its tenant.
func (h *Hub) Publish(rec protocol.EventRecord) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs[rec.TenantID] {
		if !sub.wants(rec) {
			continue
		}
		select {
		case sub.ch <- rec:
		default:
			sub.dropped.Add(1)
		}
	}
}

// remove runs under the write lock, so no Publish holds a reference to the
// subscription by the time Cancel closes its channel.
func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m := h.subs[s.TenantID]; m != nil {
		delete(m, s.ID)
		if len(m) == 0 {
			delete(h.subs, s.TenantID)
		}
	}
}

// CloseTenant cancels every subscription of one tenant, e.g. when the tenant
// is removed from the manager.
func (h *Hub) CloseTenant(tenantID string) {
	h.mu.Lock()
	m := h.subs[tenantID]
	delete(h.subs, tenantID)
	h.mu.Unlock()

	for _, s := range m {
		s.once.Do(func() { close(s.ch) })
	}
}

// SubscriberCount reports live subscriptions for one tenant.
func (h *Hub) SubscriberCount(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[tenantID])
}
