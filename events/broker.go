package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/r3labs/sse/v2"
)

type Topic string

const (
	TopicSnapshotUpdated   Topic = "snapshot:updated"
	TopicPlaylistGenerated Topic = "playlist:generated"
	TopicHeartbeat         Topic = "heartbeat"
)

// StreamName is the single SSE stream that every topic is fanned out to
const StreamName = "signpost"

type Event struct {
	Topic   Topic
	Payload []byte
}

type Handler func(Event)

// Broker delivers events to in-process subscribers and to SSE clients
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Topic]map[uint64]Handler
	nextID      uint64
	server      *sse.Server
}

func NewBroker() *Broker {
	server := sse.New()
	server.AutoReplay = false
	server.CreateStream(StreamName)
	return &Broker{
		subscribers: make(map[Topic]map[uint64]Handler),
		server:      server,
	}
}

// Subscribe registers h for topic. Calling the returned func removes it again.
func (b *Broker) Subscribe(topic Topic, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[uint64]Handler)
	}
	b.subscribers[topic][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subscribers[topic], id)
		})
	}
}

// Publish encodes payload as JSON and hands it to every subscriber of topic
// before pushing it out over SSE.
func (b *Broker) Publish(topic Topic, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subscribers[topic]))
	for _, h := range b.subscribers[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	event := Event{Topic: topic, Payload: data}
	for _, h := range handlers {
		h(event)
	}

	b.server.Publish(StreamName, &sse.Event{
		Event: []byte(topic),
		Data:  data,
	})
	slog.Debug("Published event", slog.String("topic", string(topic)), slog.Int("subscribers", len(handlers)))
	return nil
}

// ServeHTTP streams events to a client. The stream is implied so callers don't need to name it.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("stream") == "" {
		r = r.Clone(r.Context())
		q := r.URL.Query()
		q.Set("stream", StreamName)
		r.URL.RawQuery = q.Encode()
	}
	b.server.ServeHTTP(w, r)
}

func (b *Broker) Close() {
	b.server.Close()
}
