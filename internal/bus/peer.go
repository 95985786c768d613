package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/goodtune/pagelimit/internal/metrics"
)

// peer is one websocket connection on the hub side.
type peer struct {
	hub    *Hub
	conn   *websocket.Conn
	logger zerolog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
	url    string
}

func (p *peer) currentURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *peer) setURL(url string) {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
}

// enqueue never blocks. A full buffer drops the message.
func (p *peer) enqueue(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.send <- data:
	default:
		metrics.BusDeliveryDropped.Inc()
		p.logger.Debug().Msg("Peer send buffer full, dropping message")
	}
}

func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.send)
	}
}

// readPump reads requests and dispatches them in arrival order.
func (p *peer) readPump() {
	defer func() {
		select {
		case p.hub.unregister <- p:
		case <-p.hub.done:
		}
		_ = p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Debug().Err(err).Msg("Peer read failed")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			p.logger.Debug().Err(err).Msg("Ignoring malformed message")
			continue
		}

		if out := p.hub.dispatch(context.Background(), p, msg); out != nil {
			encoded, err := json.Marshal(out)
			if err != nil {
				p.logger.Error().Err(err).Msg("Failed to encode reply")
				continue
			}
			p.enqueue(encoded)
		}
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case data, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.logger.Debug().Err(err).Msg("Peer write failed")
				return
			}

		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
