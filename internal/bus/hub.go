package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/goodtune/pagelimit/internal/coordinator"
	"github.com/goodtune/pagelimit/internal/metrics"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 16 * 1024

	// Outbound messages buffered per peer before delivery is dropped
	sendBuffer = 64
)

// Handler answers coordinator requests arriving over the bus.
type Handler interface {
	PageLoading(ctx context.Context, url string) (coordinator.Evaluation, error)
	PageVisited(ctx context.Context, url string) (coordinator.Evaluation, error)
	AddTime(ctx context.Context, url string, seconds int64) error
}

type outbound struct {
	msg    Message
	match  func(url string) bool // nil = every peer
	except *peer
	// stamp fills URL with each peer's current page
	stamp bool
}

// Hub maintains the set of connected peers, dispatches their requests to
// the handler, and fans out pushes.
type Hub struct {
	handler  Handler
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	peers      map[*peer]bool
	register   chan *peer
	unregister chan *peer
	broadcast  chan outbound
	done       chan struct{}
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(handler Handler, logger zerolog.Logger) *Hub {
	return &Hub{
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Only loopback clients are expected; the daemon binds locally
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:     logger.With().Str("component", "bus").Logger(),
		peers:      make(map[*peer]bool),
		register:   make(chan *peer),
		unregister: make(chan *peer),
		broadcast:  make(chan outbound, 256),
		done:       make(chan struct{}),
	}
}

// Run is the hub loop. It returns when ctx is done, after closing every
// peer.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case p := <-h.register:
			h.peers[p] = true
			metrics.BusClients.Set(float64(len(h.peers)))

		case p := <-h.unregister:
			if h.peers[p] {
				delete(h.peers, p)
				p.close()
				metrics.BusClients.Set(float64(len(h.peers)))
			}

		case out := <-h.broadcast:
			h.deliver(out)

		case <-ctx.Done():
			for p := range h.peers {
				delete(h.peers, p)
				p.close()
			}
			metrics.BusClients.Set(0)
			return
		}
	}
}

// ServeHTTP upgrades the request and serves one peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	p := &peer{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: h.logger.With().Str("remote", r.RemoteAddr).Logger(),
	}

	select {
	case h.register <- p:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go p.writePump()
	go p.readPump()
}

// TimeAdded broadcasts a time-added event to every peer.
func (h *Hub) TimeAdded(groupID string, secondsUsed int64) {
	msg := NewMessage(SourceServiceWorker, EventTimeAdded)
	msg.GroupID = groupID
	msg.SecondsUsed = secondsUsed
	h.push(msg, nil, nil)
}

// BlockMatching sends block-page to every peer whose current page
// satisfies match.
func (h *Hub) BlockMatching(match func(url string) bool) {
	h.queue(outbound{msg: NewMessage(SourceServiceWorker, EventBlockPage), match: match, stamp: true})
}

// Broadcast sends msg to every peer.
func (h *Hub) Broadcast(msg Message) {
	h.push(msg, nil, nil)
}

func (h *Hub) push(msg Message, match func(string) bool, except *peer) {
	h.queue(outbound{msg: msg, match: match, except: except})
}

func (h *Hub) queue(out outbound) {
	select {
	case h.broadcast <- out:
	default:
		metrics.BusDeliveryDropped.Inc()
		h.logger.Debug().Str("event", string(out.msg.Event)).Msg("Broadcast queue full, dropping message")
	}
}

// deliver runs on the hub loop.
func (h *Hub) deliver(out outbound) {
	var shared []byte
	for p := range h.peers {
		if p == out.except {
			continue
		}
		url := p.currentURL()
		if out.match != nil && (url == "" || !out.match(url)) {
			continue
		}

		data := shared
		if out.stamp || data == nil {
			msg := out.msg
			if out.stamp {
				msg.URL = url
			}
			encoded, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error().Err(err).Str("event", string(msg.Event)).Msg("Failed to encode message")
				return
			}
			data = encoded
			if !out.stamp {
				shared = encoded
			}
		}
		if out.msg.Event == EventBlockPage {
			reason := "relayed"
			if out.stamp {
				reason = "exhausted"
			}
			metrics.BlocksTotal.WithLabelValues(reason).Inc()
		}
		p.enqueue(data)
	}
}

// dispatch handles one request from p and returns the reply, if any.
func (h *Hub) dispatch(ctx context.Context, p *peer, msg Message) *Message {
	metrics.BusMessagesTotal.WithLabelValues(string(msg.Event)).Inc()

	if err := msg.Validate(); err != nil {
		h.logger.Debug().Err(err).Msg("Rejecting invalid message")
		if msg.ID == "" {
			return nil
		}
		out := reply(msg, nil, err)
		return &out
	}

	switch msg.Event {
	case EventPageLoading, EventPageVisited:
		p.setURL(msg.URL)
		var (
			eval coordinator.Evaluation
			err  error
		)
		if msg.Event == EventPageLoading {
			eval, err = h.handler.PageLoading(ctx, msg.URL)
		} else {
			eval, err = h.handler.PageVisited(ctx, msg.URL)
		}
		out := reply(msg, &eval, err)
		return &out

	case EventAddTime:
		if err := h.handler.AddTime(ctx, msg.URL, msg.SecondsUsed); err != nil {
			h.logger.Error().Err(err).Str("url", msg.URL).Msg("Failed to add time")
		}
		return nil

	case EventBlockPage:
		target := msg.URL
		h.push(msg, func(url string) bool { return url == target }, p)
		return nil

	default:
		// time-added from a peer is relayed like any other listener event
		h.push(msg, nil, p)
		return nil
	}
}
