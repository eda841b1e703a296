// Command observe tails a tenant's live event feed over the observer
// websocket. Read-only; useful for watching a running experiment without
// touching the admin surface.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"

	"agorasim.ai/internal/observerproto"
	"agorasim.ai/internal/protocol"
)

func main() {
	var (
		url    = flag.String("url", "ws://localhost:8080/v1/observe", "observer feed url")
		tenant = flag.String("tenant", "", "tenant id (required)")
		scopes = flag.String("scopes", "world,agent,tick", "comma-separated scopes")
		agents = flag.String("agents", "", "comma-separated agent ids (narrows the agent scope)")
		raw    = flag.Bool("raw", false, "print raw JSON frames instead of formatted lines")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[observe] ", log.LstdFlags|log.Lmicroseconds)
	if strings.TrimSpace(*tenant) == "" {
		logger.Fatalf("missing -tenant")
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sub := observerproto.SubscribeMsg{
		Type:            observerproto.TypeSubscribe,
		ProtocolVersion: observerproto.Version,
		TenantID:        strings.TrimSpace(*tenant),
		Scopes:          splitList(*scopes),
		AgentIDs:        splitList(*agents),
	}
	if err := conn.WriteJSON(sub); err != nil {
		logger.Fatalf("send SUBSCRIBE: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	for {
		select {
		case <-stop:
			return
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if *raw {
			os.Stdout.Write(msg)
			os.Stdout.Write([]byte{'\n'})
			continue
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case observerproto.TypeSubscribed:
			var s observerproto.SubscribedMsg
			if err := json.Unmarshal(msg, &s); err != nil {
				continue
			}
			logger.Printf("SUBSCRIBED session=%s tenant=%s scopes=%v tick=%d", s.SessionID, s.TenantID, s.Scopes, s.Tick)

		case observerproto.TypeEvent:
			var ev observerproto.EventMsg
			if err := json.Unmarshal(msg, &ev); err != nil {
				continue
			}
			printEvent(logger, &ev.Event)

		case observerproto.TypeGap:
			var g observerproto.GapMsg
			if err := json.Unmarshal(msg, &g); err != nil {
				continue
			}
			logger.Printf("GAP dropped=%d (page the event log by version to recover)", g.Dropped)

		case observerproto.TypeError:
			var e observerproto.ErrorMsg
			if err := json.Unmarshal(msg, &e); err != nil {
				continue
			}
			logger.Printf("ERROR code=%s msg=%s", e.Code, e.Message)
			return
		}
	}
}

func printEvent(logger *log.Logger, rec *protocol.EventRecord) {
	var payload string
	if len(rec.Payload) > 0 {
		if b, err := json.Marshal(rec.Payload); err == nil {
			payload = " " + string(b)
		}
	}
	if rec.AgentID != "" {
		logger.Printf("EVENT v=%d tick=%d %s/%s agent=%s%s", rec.Version, rec.Tick, rec.Category, rec.Type, rec.AgentID, payload)
		return
	}
	logger.Printf("EVENT v=%d tick=%d %s/%s%s", rec.Version, rec.Tick, rec.Category, rec.Type, payload)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
