package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obsidianstack/emitter/server/internal/api"
	"github.com/obsidianstack/emitter/server/internal/store"
)

// Event names carried in Message.Event.
const (
	EventSnapshot = "snapshot"
	EventUpload   = "upload"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10

	// outboxSize is how many messages may wait for a slow viewer before it is
	// disconnected.
	outboxSize = 16

	// maxInbound caps frames read from viewers; they only send control frames.
	maxInbound = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Message is the JSON envelope sent to viewers. Fingerprints lists the
// installations whose uploads triggered an upload event.
type Message struct {
	Event        string               `json:"event"`
	Fingerprints []string             `json:"fingerprints,omitempty"`
	Data         api.SnapshotResponse `json:"data"`
}

// Hub pushes the installation snapshot to every connected viewer on a fixed
// interval and soon after each accepted upload.
type Hub struct {
	store    *store.Store
	interval time.Duration

	wake    chan struct{}
	pmu     sync.Mutex
	pending map[string]struct{}

	mu      sync.Mutex
	viewers map[*viewer]struct{}
}

type viewer struct {
	conn   *websocket.Conn
	outbox chan []byte
}

// New creates a Hub reading from st.
func New(st *store.Store, interval time.Duration) *Hub {
	return &Hub{
		store:    st,
		interval: interval,
		wake:     make(chan struct{}, 1),
		pending:  make(map[string]struct{}),
		viewers:  make(map[*viewer]struct{}),
	}
}

// Notify records that fingerprint uploaded and wakes Run. Fingerprints
// notified before Run gets to them are reported together in one event.
// Notify never blocks.
func (h *Hub) Notify(fingerprint string) {
	h.pmu.Lock()
	h.pending[fingerprint] = struct{}{}
	h.pmu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Run broadcasts until ctx is cancelled, then disconnects every viewer.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.disconnectAll()
			return
		case <-t.C:
			h.publish(EventSnapshot, nil)
		case <-h.wake:
			if fps := h.takePending(); len(fps) > 0 {
				h.publish(EventUpload, fps)
			}
		}
	}
}

// ServeHTTP upgrades the request and streams messages to it, starting with
// the current snapshot. It returns when the viewer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already replied
	}

	v := &viewer{conn: conn, outbox: make(chan []byte, outboxSize)}
	if first, err := h.encode(EventSnapshot, nil); err == nil {
		v.outbox <- first
	}

	h.mu.Lock()
	h.viewers[v] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.remove(v)
		h.mu.Unlock()
	}()

	go v.write()
	v.read()
}

// Count returns the number of connected viewers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

func (h *Hub) takePending() []string {
	h.pmu.Lock()
	defer h.pmu.Unlock()
	fps := make([]string, 0, len(h.pending))
	for fp := range h.pending {
		fps = append(fps, fp)
		delete(h.pending, fp)
	}
	sort.Strings(fps)
	return fps
}

func (h *Hub) encode(event string, fps []string) ([]byte, error) {
	return json.Marshal(Message{
		Event:        event,
		Fingerprints: fps,
		Data:         api.BuildSnapshot(h.store),
	})
}

// publish fans one message out. It holds h.mu throughout so an outbox is
// never written after remove has closed it.
func (h *Hub) publish(event string, fps []string) {
	data, err := h.encode(event, fps)
	if err != nil {
		slog.Error("ws: encode message", "event", event, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for v := range h.viewers {
		select {
		case v.outbox <- data:
		default:
			slog.Warn("ws: dropping slow viewer", "remote", v.conn.RemoteAddr().String())
			h.remove(v)
		}
	}
}

// remove forgets v and closes its outbox. Callers hold h.mu.
func (h *Hub) remove(v *viewer) {
	if _, ok := h.viewers[v]; !ok {
		return
	}
	delete(h.viewers, v)
	close(v.outbox)
}

func (h *Hub) disconnectAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for v := range h.viewers {
		h.remove(v)
	}
}

// write sends queued messages and keepalive pings until the outbox is closed
// or a write fails.
func (v *viewer) write() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	defer v.conn.Close()

	for {
		var (
			kind    = websocket.TextMessage
			payload []byte
		)
		select {
		case msg, open := <-v.outbox:
			if !open {
				kind = websocket.CloseMessage
			}
			payload = msg
		case <-ping.C:
			kind = websocket.PingMessage
		}

		_ = v.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := v.conn.WriteMessage(kind, payload); err != nil || kind == websocket.CloseMessage {
			return
		}
	}
}

// read discards inbound frames so pongs and close frames are processed, and
// returns once the connection is gone or silent past pongWait.
func (v *viewer) read() {
	defer v.conn.Close()
	v.conn.SetReadLimit(maxInbound)
	_ = v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		return v.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := v.conn.NextReader(); err != nil {
			return
		}
	}
}
