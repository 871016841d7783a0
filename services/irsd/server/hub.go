package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"irsvenue/core/events"
	"irsvenue/core/types"
)

var errSlowSubscriber = errors.New("subscriber too slow")

const (
	wsWriteTimeout = 10 * time.Second
	wsBuffer       = 64
)

// Hub fans committed events out to websocket subscribers. Subscribers that
// fall behind by more than the buffer are disconnected.
type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	filter string
	ch     chan *types.Event
	once   sync.Once
	done   chan struct{}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	if h == nil || evt == nil {
		return
	}
	typed, ok := evt.(events.Typed)
	if !ok {
		return
	}
	rendered := typed.Event()
	if rendered == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if sub.filter != "" && !strings.HasPrefix(rendered.Type, sub.filter) {
			continue
		}
		select {
		case sub.ch <- rendered:
		default:
			sub.close()
		}
	}
}

func (h *Hub) subscribe(filter string) (*subscriber, func()) {
	sub := &subscriber{filter: strings.TrimSpace(filter), ch: make(chan *types.Event, wsBuffer), done: make(chan struct{})}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub, func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		sub.close()
	}
}

// Subscribers reports the number of live streams.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, r.URL.Query().Get("type")); err != nil {
		if errors.Is(err, errSlowSubscriber) {
			_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, filter string) error {
	sub, cancel := s.hub.subscribe(filter)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.done:
			return errSlowSubscriber
		case evt := <-sub.ch:
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
