// Package observer serves the read-only event feed over websockets. A
// session subscribes to one tenant's stream on the broadcast hub; it never
// touches simulation state, so a slow or hostile observer cannot stall a
// scheduler.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"agorasim.ai/internal/broadcast"
	"agorasim.ai/internal/observerproto"
	"agorasim.ai/internal/protocol"
	"agorasim.ai/internal/sim/engine"
	"agorasim.ai/internal/sim/multitenant"
)

// Directory answers tenant lookups during the handshake. The tenant manager
// satisfies it.
type Directory interface {
	Status(ctx context.Context, tenantID string) (engine.Status, error)
}

type Server struct {
	dir Directory
	hub *broadcast.Hub
	log *log.Logger

	// Compiled subscribe.schema.json; nil skips schema validation and falls
	// back to field checks only.
	subSchema *jsonschema.Schema

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

func NewServer(dir Directory, hub *broadcast.Hub, subSchema *jsonschema.Schema, logger *log.Logger) *Server {
	return &Server{
		dir:       dir,
		hub:       hub,
		log:       logger,
		subSchema: subSchema,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, code, err := s.parseSubscribe(msg)
		if err != nil {
			s.closeWithError(conn, code, err.Error())
			return
		}

		st, err := s.dir.Status(r.Context(), sub.TenantID)
		if err != nil {
			if errors.Is(err, multitenant.ErrUnknownTenant) {
				s.closeWithError(conn, protocol.ErrTenantNotFound, "unknown tenant: "+sub.TenantID)
			} else {
				s.closeWithError(conn, protocol.ErrInternal, "tenant lookup failed")
			}
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		subs, err := s.subscribe(sub)
		if err != nil {
			s.closeWithError(conn, protocol.ErrProtoBadRequest, err.Error())
			return
		}
		gen := startGen(ctx, subs)
		defer func() { gen.cancelSubs() }()

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		ack := observerproto.SubscribedMsg{
			Type:            observerproto.TypeSubscribed,
			ProtocolVersion: observerproto.Version,
			SessionID:       sid,
			TenantID:        sub.TenantID,
			Scopes:          sub.Scopes,
			AgentIDs:        sub.AgentIDs,
			Tick:            st.CurrentTick,
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ack); err != nil {
			return
		}
		s.log.Printf("observer joined session=%s tenant=%s scopes=%v", sid, sub.TenantID, sub.Scopes)

		// Re-SUBSCRIBE replaces the feed: the reader queues the new
		// generation before cancelling the old, so the writer switches over
		// without mistaking the swap for a closed tenant.
		gens := make(chan *feedGen, 4)

		writeErr := make(chan error, 1)
		go func() {
			writeErr <- s.writeLoop(ctx, conn, gen, gens)
		}()

		// Reader loop: allow SUBSCRIBE updates on the same tenant.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			upd, _, err := s.parseSubscribe(msg)
			if err != nil || upd.TenantID != sub.TenantID {
				continue
			}
			newSubs, err := s.subscribe(upd)
			if err != nil {
				continue
			}
			next := startGen(ctx, newSubs)
			select {
			case gens <- next:
				gen.cancelSubs()
				gen = next
			default:
				next.cancelSubs()
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		s.log.Printf("observer left session=%s tenant=%s", sid, sub.TenantID)
	}
}

// writeLoop drains the current generation's merged channel onto the socket.
// A closed channel means the generation ended: either the reader queued a
// replacement, or the hub closed the tenant's feed.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, gen *feedGen, gens <-chan *feedGen) error {
	var droppedBase, reported uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-gen.out:
			if !ok {
				droppedBase += gen.dropped()
				select {
				case next := <-gens:
					gen = next
					continue
				default:
				}
				frame := observerproto.NewError(protocol.ErrTenantInactive, "feed closed")
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				_ = conn.WriteJSON(frame)
				return nil
			}
			ev := observerproto.EventMsg{
				Type:            observerproto.TypeEvent,
				ProtocolVersion: observerproto.Version,
				Event:           rec,
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return err
			}
			if cur := droppedBase + gen.dropped(); cur > reported {
				gap := observerproto.GapMsg{
					Type:            observerproto.TypeGap,
					ProtocolVersion: observerproto.Version,
					Dropped:         cur - reported,
				}
				reported = cur
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(gap); err != nil {
					return err
				}
			}
		}
	}
}

// parseSubscribe validates one raw SUBSCRIBE frame and returns a protocol
// error code with any failure.
func (s *Server) parseSubscribe(msg []byte) (observerproto.SubscribeMsg, string, error) {
	var sub observerproto.SubscribeMsg
	if s.subSchema != nil {
		var raw any
		if err := json.Unmarshal(msg, &raw); err != nil {
			return sub, protocol.ErrProtoBadRequest, fmt.Errorf("bad subscribe: %w", err)
		}
		if err := s.subSchema.Validate(raw); err != nil {
			return sub, protocol.ErrProtoBadRequest, fmt.Errorf("bad subscribe: %w", err)
		}
	}
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, protocol.ErrProtoBadRequest, fmt.Errorf("bad subscribe: %w", err)
	}
	if sub.Type != observerproto.TypeSubscribe {
		return sub, protocol.ErrProtoBadRequest, errors.New("expected SUBSCRIBE")
	}
	if sub.ProtocolVersion != observerproto.Version {
		return sub, protocol.ErrProtoBadRequest, fmt.Errorf("unsupported protocol version %q", sub.ProtocolVersion)
	}
	if sub.TenantID == "" {
		return sub, protocol.ErrProtoBadRequest, errors.New("missing tenant_id")
	}
	if len(sub.Scopes) == 0 {
		sub.Scopes = []string{observerproto.ScopeWorld}
	}
	for _, sc := range sub.Scopes {
		switch sc {
		case observerproto.ScopeWorld, observerproto.ScopeTick:
		case observerproto.ScopeAgent:
			if len(sub.AgentIDs) == 0 {
				return sub, protocol.ErrProtoBadRequest, errors.New("agent scope requires agent_ids")
			}
		default:
			return sub, protocol.ErrProtoBadRequest, fmt.Errorf("unknown scope %q", sc)
		}
	}
	return sub, "", nil
}

// subscribe opens one hub subscription per requested slice.
func (s *Server) subscribe(sub observerproto.SubscribeMsg) ([]*broadcast.Subscription, error) {
	var out []*broadcast.Subscription
	fail := func(err error) ([]*broadcast.Subscription, error) {
		for _, made := range out {
			made.Cancel()
		}
		return nil, err
	}
	for _, sc := range sub.Scopes {
		switch sc {
		case observerproto.ScopeWorld:
			bs, err := s.hub.Subscribe(sub.TenantID, broadcast.ChannelWorld, "", 0)
			if err != nil {
				return fail(err)
			}
			out = append(out, bs)
		case observerproto.ScopeTick:
			bs, err := s.hub.Subscribe(sub.TenantID, broadcast.ChannelTick, "", 0)
			if err != nil {
				return fail(err)
			}
			out = append(out, bs)
		case observerproto.ScopeAgent:
			for _, agentID := range sub.AgentIDs {
				bs, err := s.hub.Subscribe(sub.TenantID, broadcast.ChannelAgent, agentID, 0)
				if err != nil {
					return fail(err)
				}
				out = append(out, bs)
			}
		}
	}
	return out, nil
}

func (s *Server) closeWithError(conn *websocket.Conn, code, message string) {
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteJSON(observerproto.NewError(code, message))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(time.Second))
}

// feedGen is one set of hub subscriptions merged into a single channel. out
// closes when every subscription has closed and drained.
type feedGen struct {
	subs []*broadcast.Subscription
	out  chan protocol.EventRecord
}

func startGen(ctx context.Context, subs []*broadcast.Subscription) *feedGen {
	g := &feedGen{subs: subs, out: make(chan protocol.EventRecord, 64)}
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *broadcast.Subscription) {
			defer wg.Done()
			for rec := range sub.C {
				select {
				case g.out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}(sub)
	}
	go func() {
		wg.Wait()
		close(g.out)
	}()
	return g
}

func (g *feedGen) cancelSubs() {
	for _, sub := range g.subs {
		sub.Cancel()
	}
}

func (g *feedGen) dropped() uint64 {
	var n uint64
	for _, sub := range g.subs {
		n += sub.Dropped()
	}
	return n
}
