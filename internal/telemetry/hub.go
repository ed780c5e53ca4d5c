package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Event types published on the hub.
const (
	EventSnapshot         = "snapshot"
	EventSafetyTransition = "safetyTransition"
	EventConnectionState  = "connectionState"
	EventEngineState      = "engineState"
	EventFault            = "fault"
	EventReady            = "ready"
	EventHeartbeat        = "heartbeat"
)

// Event is one hub message. Data must be JSON-marshalable; IDs are assigned
// by the hub and increase monotonically for the process lifetime.
type Event struct {
	ID   int64                  `json:"id,omitempty"`
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// client is one SSE subscriber.
type client struct {
	id     string
	writer http.ResponseWriter
	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	mu     sync.Mutex // serializes writer access
}

// Hub broadcasts events to SSE subscribers and in-process watchers. Slow
// consumers drop events rather than blocking publishers; SSE clients can
// recover a gap with Last-Event-ID replay against the ring buffer.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*client
	watchers map[int]chan Event
	watchSeq int
	nextID   int64

	buffer *ring

	heartbeat time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

// NewHub builds a hub with the given replay-buffer capacity and heartbeat
// interval.
func NewHub(bufferSize int, heartbeat time.Duration) *Hub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	h := &Hub{
		clients:   make(map[string]*client),
		watchers:  make(map[int]chan Event),
		buffer:    newRing(bufferSize),
		heartbeat: heartbeat,
		done:      make(chan struct{}),
	}
	h.wg.Add(1)
	go h.heartbeatLoop()
	return h
}

// Publish assigns the event an ID, buffers it for replay, and fans it out.
// Never blocks: a subscriber that cannot keep up loses the event.
func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	h.nextID++
	event.ID = h.nextID
	h.buffer.add(event)
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	watchers := make([]chan Event, 0, len(h.watchers))
	for _, w := range h.watchers {
		watchers = append(watchers, w)
	}
	h.mu.Unlock()

	for _, c := range clients {
		select {
		case <-c.ctx.Done():
		case c.events <- event:
		default:
			// Client buffer full; the event is dropped for this client and
			// recoverable via Last-Event-ID.
		}
	}
	for _, w := range watchers {
		select {
		case w <- event:
		default:
		}
	}
}

// Watch returns an in-process subscription. The channel is buffered; events
// overflow silently if the consumer lags. cancel releases the subscription.
func (h *Hub) Watch() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.watchSeq++
	id := h.watchSeq
	h.watchers[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.watchers, id)
		h.mu.Unlock()
	}
	return ch, cancel
}

// Subscribe attaches an SSE client and blocks until it disconnects or the
// hub stops. A Last-Event-ID header replays the buffered events after that
// ID before live delivery starts.
func (h *Hub) Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientCtx, cancel := context.WithCancel(ctx)
	c := &client{
		id:     fmt.Sprintf("client_%d", time.Now().UnixNano()),
		writer: w,
		ctx:    clientCtx,
		cancel: cancel,
		events: make(chan Event, 100),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	defer h.unregister(c.id)

	ready := Event{Type: EventReady, Data: map[string]interface{}{
		"ts": time.Now().UTC().Format(time.RFC3339),
	}}
	if err := h.write(c, ready); err != nil {
		return fmt.Errorf("ready event: %w", err)
	}

	if lastStr := r.Header.Get("Last-Event-ID"); lastStr != "" {
		if lastID, err := strconv.ParseInt(lastStr, 10, 64); err == nil && lastID > 0 {
			for _, ev := range h.buffer.after(lastID) {
				if err := h.write(c, ev); err != nil {
					return fmt.Errorf("replay: %w", err)
				}
			}
		}
	}

	for {
		select {
		case <-clientCtx.Done():
			return nil
		case <-h.done:
			return nil
		case ev := <-c.events:
			if err := h.write(c, ev); err != nil {
				return err
			}
		}
	}
}

// write renders one event in SSE wire form and flushes it.
func (h *Hub) write(c *client, event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if event.ID > 0 {
		if _, err := fmt.Fprintf(c.writer, "id: %d\n", event.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(c.writer, "event: %s\n", event.Type); err != nil {
		return err
	}
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	if _, err := fmt.Fprintf(c.writer, "data: %s\n\n", data); err != nil {
		return err
	}
	if flusher, ok := c.writer.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		c.cancel()
		// The events channel is never closed: a Publish that copied the
		// client list before this ran may still be sending on it. The
		// subscriber loop exits on the cancelled context instead.
		delete(h.clients, id)
	}
}

func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.Publish(Event{Type: EventHeartbeat, Data: map[string]interface{}{
				"ts": time.Now().UTC().Format(time.RFC3339),
			}})
		}
	}
}

// Stop shuts the hub down: publishers become no-ops for blocked clients and
// every subscriber unblocks.
func (h *Hub) Stop() {
	close(h.done)
	h.mu.Lock()
	for _, c := range h.clients {
		c.cancel()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// ring is a fixed-capacity replay buffer.
type ring struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
}

func newRing(capacity int) *ring {
	return &ring{events: make([]Event, 0, capacity), capacity: capacity}
}

func (r *ring) add(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	if len(r.events) > r.capacity {
		r.events = r.events[1:]
	}
}

// after returns buffered events with IDs greater than lastID, in order.
func (r *ring) after(lastID int64) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Event
	for _, ev := range r.events {
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}
