package event

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	TaskUpdate       = "iptv_task_update"
	ChannelFound     = "iptv_channel_found"
	StatsChanged     = "iptv_stats_changed"
	SessionCompleted = "iptv_session_completed"
	RetryUpdate      = "iptv_retry_update"
)

type EventDetail struct {
	ID      int64  `json:"id"`
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Envelope is what subscribers receive.
type Envelope struct {
	Name   string      `json:"name"`
	Time   time.Time   `json:"time"`
	Detail EventDetail `json:"detail"`
}

// Bus fans events out to subscribers. Delivery never blocks the emitter:
// a subscriber whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]chan Envelope
	dropped atomic.Int64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]chan Envelope)}
}

func (b *Bus) Subscribe(buffer int) (string, <-chan Envelope) {
	if buffer <= 0 {
		buffer = 64
	}
	id := uuid.NewString()
	ch := make(chan Envelope, buffer)
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe closes the subscriber's channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (b *Bus) Emit(name string, detail EventDetail) {
	env := Envelope{Name: name, Time: time.Now(), Detail: detail}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because of full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

var defaultBus = NewBus()

func Default() *Bus { return defaultBus }

func EmitV2(name string, detail EventDetail) {
	defaultBus.Emit(name, detail)
}
