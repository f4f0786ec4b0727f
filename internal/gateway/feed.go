package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/mu-control/internal/bus"
	"github.com/basket/mu-control/internal/outbox"
)

// feedBuffer bounds each client's frame queue. A client stuck behind a
// full buffer is disconnected rather than allowed to slow the feed.
const (
	feedBuffer       = 64
	feedWriteTimeout = 5 * time.Second
)

// topicOutboundMessage carries outbox envelopes pushed to editor
// clients. It exists only on the feed, never on the bus.
const topicOutboundMessage = "outbox.message"

// Frame is one JSON message pushed to a feed subscriber.
type Frame struct {
	Topic string `json:"topic"`
	AtMs  int64  `json:"at_ms"`
	Event any    `json:"event"`
}

// OutboundMessage is the event body of an outbox.message frame.
type OutboundMessage struct {
	Channel  string          `json:"channel"`
	Envelope outbox.Envelope `json:"envelope"`
}

type feedClient struct {
	conn *websocket.Conn
	send chan Frame

	// channels names the editor channels this client accepts outbound
	// pushes for, from the channels query parameter.
	channels map[string]bool
}

func (c *feedClient) wantsChannel(name string) bool { return c.channels[name] }

// relayedTopic reports whether a bus topic belongs on the feed.
// Internal wake signals and ingress bookkeeping stay inside.
func relayedTopic(topic string) bool {
	switch topic {
	case bus.TopicPipelineResult, bus.TopicOutboxDelivered, bus.TopicOutboxDeadLetter, bus.TopicRunTransition:
		return true
	default:
		return false
	}
}

// Run relays bus events to connected feed clients until ctx ends.
func (s *Server) Run(ctx context.Context) {
	if s.cfg.Bus == nil {
		return
	}
	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !relayedTopic(ev.Topic) {
				continue
			}
			s.broadcast(Frame{Topic: ev.Topic, AtMs: s.now(), Event: ev.Payload})
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &feedClient{
		conn:     conn,
		send:     make(chan Frame, feedBuffer),
		channels: parseChannels(r.URL.Query().Get("channels")),
	}
	s.addClient(c)
	s.logger.Info("feed client connected", "push_channels", len(c.channels))
	defer func() {
		s.removeClient(c)
		s.logger.Info("feed client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// The feed is one way. CloseRead surfaces client disconnects while
	// discarding anything the client sends.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
			err := wsjson.Write(wctx, conn, f)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// parseChannels splits the comma-separated channels query parameter.
func parseChannels(raw string) map[string]bool {
	out := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		if name := strings.TrimSpace(part); name != "" {
			out[name] = true
		}
	}
	return out
}

// broadcast queues a frame for every client. Clients whose buffer is
// full are disconnected.
func (s *Server) broadcast(f Frame) {
	s.clientsMu.RLock()
	var slow []*feedClient
	for c := range s.clients {
		select {
		case c.send <- f:
		default:
			slow = append(slow, c)
		}
	}
	s.clientsMu.RUnlock()
	for _, c := range slow {
		s.dropSlow(c, f.Topic)
	}
}

// PushOutbound queues an outbound envelope for clients subscribed to
// the channel and reports how many accepted it. The editor transport
// keeps retrying entries that reached nobody.
func (s *Server) PushOutbound(channel string, env outbox.Envelope) int {
	f := Frame{
		Topic: topicOutboundMessage,
		AtMs:  s.now(),
		Event: OutboundMessage{Channel: channel, Envelope: env},
	}
	s.clientsMu.RLock()
	var slow []*feedClient
	delivered := 0
	for c := range s.clients {
		if !c.wantsChannel(channel) {
			continue
		}
		select {
		case c.send <- f:
			delivered++
		default:
			slow = append(slow, c)
		}
	}
	s.clientsMu.RUnlock()
	for _, c := range slow {
		s.dropSlow(c, f.Topic)
	}
	return delivered
}

func (s *Server) addClient(c *feedClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *feedClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

// dropSlow disconnects a client whose buffer stayed full. Closing the
// connection wakes its handler, which cleans up the rest.
func (s *Server) dropSlow(c *feedClient, topic string) {
	s.logger.Warn("feed client dropped", "reason", "slow_consumer", "topic", topic)
	_ = c.conn.Close(websocket.StatusPolicyViolation, "slow consumer")
	s.removeClient(c)
}

// ClientCount reports connected feed clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
