package syncclient

import (
	"log"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/coachpo/catalogsync/internal/domain/schema"
)

// Topic names a class of client notifications.
type Topic string

const (
	// TopicSnapshot fires after a snapshot replaced the replica.
	TopicSnapshot Topic = "snapshot"
	// TopicCreated fires after a created event was received.
	TopicCreated Topic = "created"
	// TopicUpdated fires after an updated event was received.
	TopicUpdated Topic = "updated"
	// TopicDeleted fires after a deleted event was received.
	TopicDeleted Topic = "deleted"
	// TopicState fires on every connection state transition.
	TopicState Topic = "state"
	// TopicNotification fires with the user-facing message of each event.
	TopicNotification Topic = "notification"
)

func topicForKind(kind schema.EventKind) Topic {
	switch kind {
	case schema.EventCreated:
		return TopicCreated
	case schema.EventUpdated:
		return TopicUpdated
	default:
		return TopicDeleted
	}
}

// Notification is the latest user-facing change message.
type Notification struct {
	Kind      schema.EventKind
	Message   string
	Record    schema.Record
	Timestamp time.Time
}

// Notice is passed to handlers. Only the fields relevant to Topic are set.
type Notice struct {
	Topic        Topic
	Status       Status
	Event        *schema.Event
	Applied      bool
	Records      []schema.Record
	Notification *Notification
}

// Handler receives client notifications on the client's connection goroutine. Handlers must
// not block for long and must not call Close.
type Handler func(Notice)

// HandlerID identifies a registered handler.
type HandlerID uint64

type handlerEntry struct {
	topic Topic
	fn    Handler
}

type handlerRegistry struct {
	mu      sync.RWMutex
	next    HandlerID
	entries map[HandlerID]handlerEntry
	logger  *log.Logger
}

func newHandlerRegistry(logger *log.Logger) *handlerRegistry {
	return &handlerRegistry{entries: make(map[HandlerID]handlerEntry), logger: logger}
}

func (h *handlerRegistry) add(topic Topic, fn Handler) HandlerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.entries[h.next] = handlerEntry{topic: topic, fn: fn}
	return h.next
}

func (h *handlerRegistry) remove(id HandlerID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.entries[id]
	delete(h.entries, id)
	return ok
}

func (h *handlerRegistry) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = make(map[HandlerID]handlerEntry)
}

func (h *handlerRegistry) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// dispatch calls every handler for the notice's topic in registration order.
func (h *handlerRegistry) dispatch(n Notice) {
	h.mu.RLock()
	ids := make([]HandlerID, 0, len(h.entries))
	for id, entry := range h.entries {
		if entry.topic == n.Topic {
			ids = append(ids, id)
		}
	}
	fns := make(map[HandlerID]Handler, len(ids))
	for _, id := range ids {
		fns[id] = h.entries[id].fn
	}
	h.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		h.call(id, fns[id], n)
	}
}

func (h *handlerRegistry) call(id HandlerID, fn Handler, n Notice) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Printf("handler %d for %s panicked: %v\n%s", id, n.Topic, rec, debug.Stack())
		}
	}()
	fn(n)
}
