package broadcast

import (
	"errors"
	"testing"

	"agorasim.ai/internal/protocol"
)

func drain(c <-chan protocol.EventRecord) []protocol.EventRecord {
	var out []protocol.EventRecord
	for {
		select {
		case rec := <-c:
			out = append(out, rec)
		default:
			return out
		}
	}
}

func TestHub_RoutesByChannel(t *testing.T) {
	h := NewHub()
	wsub, err := h.Subscribe("acme", ChannelWorld, "", 8)
	if err != nil {
		t.Fatalf("world sub: %v", err)
	}
	tsub, err := h.Subscribe("acme", ChannelTick, "", 8)
	if err != nil {
		t.Fatalf("tick sub: %v", err)
	}
	asub, err := h.Subscribe("acme", ChannelAgent, "a1", 8)
	if err != nil {
		t.Fatalf("agent sub: %v", err)
	}

	h.Publish(protocol.EventRecord{ID: "e1", TenantID: "acme", Type: protocol.EventTickStart, Tick: 1})
	h.Publish(protocol.EventRecord{ID: "e2", TenantID: "acme", Type: protocol.EventAgentWorked, Tick: 1, AgentID: "a1"})
	h.Publish(protocol.EventRecord{ID: "e3", TenantID: "acme", Type: protocol.EventAgentWorked, Tick: 1, AgentID: "a2"})
	h.Publish(protocol.EventRecord{ID: "e4", TenantID: "acme", Type: protocol.EventTickEnd, Tick: 1})

	if got := drain(wsub.C); len(got) != 4 {
		t.Fatalf("world channel got %d records, want 4", len(got))
	}
	tick := drain(tsub.C)
	if len(tick) != 2 || tick[0].Type != protocol.EventTickStart || tick[1].Type != protocol.EventTickEnd {
		t.Fatalf("tick channel got %+v", tick)
	}
	agent := drain(asub.C)
	if len(agent) != 1 || agent[0].AgentID != "a1" {
		t.Fatalf("agent channel got %+v", agent)
	}
}

func TestHub_TenantIsolation(t *testing.T) {
	h := NewHub()
	acme, _ := h.Subscribe("acme", ChannelWorld, "", 8)
	globex, _ := h.Subscribe("globex", ChannelWorld, "", 8)

	h.Publish(protocol.EventRecord{ID: "e1", TenantID: "acme", Type: protocol.EventTickStart, Tick: 1})

	if got := drain(acme.C); len(got) != 1 {
		t.Fatalf("acme got %d records, want 1", len(got))
	}
	if got := drain(globex.C); len(got) != 0 {
		t.Fatalf("globex leaked %d records from acme", len(got))
	}
}

func TestHub_FullSubscriberDropsNotBlocks(t *testing.T) {
	h := NewHub()
	sub, _ := h.Subscribe("acme", ChannelWorld, "", 1)

	for i := 0; i < 3; i++ {
		h.Publish(protocol.EventRecord{ID: "e", TenantID: "acme", Type: protocol.EventTickStart, Tick: uint64(i)})
	}

	if got := drain(sub.C); len(got) != 1 {
		t.Fatalf("delivered %d records, want 1", len(got))
	}
	if got := sub.Dropped(); got != 2 {
		t.Fatalf("dropped %d, want 2", got)
	}
}

func TestHub_CancelClosesFeed(t *testing.T) {
	h := NewHub()
	sub, _ := h.Subscribe("acme", ChannelWorld, "", 8)

	sub.Cancel()
	sub.Cancel() // twice is fine

	if _, ok := <-sub.C; ok {
		t.Fatalf("channel still open after cancel")
	}
	if got := h.SubscriberCount("acme"); got != 0 {
		t.Fatalf("subscriber count %d after cancel", got)
	}
	// Publishing into a tenant with no subscribers is a no-op.
	h.Publish(protocol.EventRecord{ID: "e1", TenantID: "acme", Type: protocol.EventTickStart})
}

func TestHub_CloseTenant(t *testing.T) {
	h := NewHub()
	s1, _ := h.Subscribe("acme", ChannelWorld, "", 8)
	s2, _ := h.Subscribe("acme", ChannelTick, "", 8)
	other, _ := h.Subscribe("globex", ChannelWorld, "", 8)

	h.CloseTenant("acme")

	if _, ok := <-s1.C; ok {
		t.Fatalf("s1 still open")
	}
	if _, ok := <-s2.C; ok {
		t.Fatalf("s2 still open")
	}
	s1.Cancel() // after CloseTenant is still safe
	if got := h.SubscriberCount("acme"); got != 0 {
		t.Fatalf("acme count %d", got)
	}
	if got := h.SubscriberCount("globex"); got != 1 {
		t.Fatalf("globex count %d, want 1", got)
	}
	_ = other
}

func TestHub_SubscribeValidation(t *testing.T) {
	h := NewHub()
	if _, err := h.Subscribe("acme", ChannelAgent, "", 8); !errors.Is(err, ErrAgentRequired) {
		t.Fatalf("agent sub without id: %v", err)
	}
	if _, err := h.Subscribe("acme", Channel("firehose"), "", 8); !errors.Is(err, ErrBadChannel) {
		t.Fatalf("bad channel: %v", err)
	}
	if _, err := h.Subscribe("", ChannelWorld, "", 8); !errors.Is(err, ErrEmptyTenant) {
		t.Fatalf("empty tenant: %v", err)
	}
}
