package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/casc/internal/config"
)

type EventType string

const (
	EventStatusChanged     EventType = "STATUS_CHANGED"
	EventLeadCreated       EventType = "LEAD_CREATED"
	EventAssignmentChanged EventType = "ASSIGNMENT_CHANGED"
	EventInboundMessage    EventType = "INBOUND_MESSAGE"
	EventNotification      EventType = "NOTIFICATION"
)

const (
	DefaultBufferSize = 64
	DefaultReplaySize = 50
	DefaultIdleTTL    = 10 * time.Minute
)

// Event is one realtime message. Seq is assigned per recipient stream and
// increases by one for every event that recipient is sent.
type Event struct {
	Type     EventType `json:"type"`
	TenantID string    `json:"tenant_id"`
	Seq      uint64    `json:"seq"`
	At       time.Time `json:"at"`
	Data     any       `json:"data"`
}

//go:generate mockgen -destination=mock/publisher.go -package=mock . Publisher

// Publisher fans events out to the live sessions of recipients.
type Publisher interface {
	Publish(ctx context.Context, tenantID snowflake.ID, recipients []uuid.UUID, event Event)
}

var ErrHubUnavailable = errors.New("hub_unavailable")

type streamKey struct {
	tenantID snowflake.ID
	userID   uuid.UUID
}

// Hub keeps one stream per (tenant, user). A stream remembers its last events
// so a reconnecting session can replay what it missed.
type Hub struct {
	mu         sync.RWMutex
	streams    map[streamKey]*stream
	bufferSize int
	replaySize int
	idleTTL    time.Duration
	now        func() time.Time
}

type stream struct {
	mu      sync.Mutex
	seq     uint64
	replay  []Event
	subs    map[uint64]chan Event
	nextID  uint64
	touched time.Time
	evicted bool
}

type Subscription struct {
	hub  *Hub
	key  streamKey
	id   uint64
	ch   chan Event
	once sync.Once
}

func NewHub(cfg config.Config) *Hub {
	h := &Hub{
		streams:    make(map[streamKey]*stream),
		bufferSize: cfg.Realtime.BufferSize,
		replaySize: cfg.Realtime.ReplaySize,
		idleTTL:    cfg.Realtime.IdleTTL,
		now:        time.Now,
	}
	if h.bufferSize <= 0 {
		h.bufferSize = DefaultBufferSize
	}
	if h.replaySize <= 0 {
		h.replaySize = DefaultReplaySize
	}
	if h.idleTTL <= 0 {
		h.idleTTL = DefaultIdleTTL
	}
	return h
}

// Publish never blocks: a session whose buffer is full misses the event and
// recovers it through replay on reconnect.
func (h *Hub) Publish(_ context.Context, tenantID snowflake.ID, recipients []uuid.UUID, event Event) {
	if h == nil || tenantID == 0 {
		return
	}
	event.TenantID = tenantID.String()
	if event.At.IsZero() {
		event.At = h.now().UTC()
	}

	seen := make(map[uuid.UUID]bool, len(recipients))
	for _, userID := range recipients {
		if userID == uuid.Nil || seen[userID] {
			continue
		}
		seen[userID] = true
		key := streamKey{tenantID: tenantID, userID: userID}
		for !h.ensureStream(key).deliver(event, h.replaySize, h.now()) {
		}
	}
}

// deliver holds the stream lock while sending so every session observes the
// stream's events in seq order. It reports false when the stream was evicted
// and the caller must look it up again.
func (s *stream) deliver(event Event, replaySize int, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return false
	}
	s.touched = now
	s.seq++
	event.Seq = s.seq
	s.replay = append(s.replay, event)
	if len(s.replay) > replaySize {
		s.replay = s.replay[len(s.replay)-replaySize:]
	}
	for _, ch := range s.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return true
}

// Subscribe opens a session for (tenantID, userID). The returned backlog holds
// the remembered events with Seq greater than afterSeq.
func (h *Hub) Subscribe(tenantID snowflake.ID, userID uuid.UUID, afterSeq uint64) (*Subscription, []Event, error) {
	if h == nil {
		return nil, nil, ErrHubUnavailable
	}
	key := streamKey{tenantID: tenantID, userID: userID}
	st := h.ensureStream(key)
	st.mu.Lock()
	for st.evicted {
		st.mu.Unlock()
		st = h.ensureStream(key)
		st.mu.Lock()
	}

	// a stream rebuilt after eviction continues the client's numbering
	if afterSeq > st.seq {
		st.seq = afterSeq
	}
	id := st.nextID
	st.nextID++
	ch := make(chan Event, h.bufferSize)
	st.subs[id] = ch
	var backlog []Event
	for _, event := range st.replay {
		if event.Seq > afterSeq {
			backlog = append(backlog, event)
		}
	}
	st.mu.Unlock()

	return &Subscription{hub: h, key: key, id: id, ch: ch}, backlog, nil
}

// Sessions counts open sessions of a user.
func (h *Hub) Sessions(tenantID snowflake.ID, userID uuid.UUID) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	st := h.streams[streamKey{tenantID: tenantID, userID: userID}]
	h.mu.RUnlock()
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subs)
}

func (h *Hub) ensureStream(key streamKey) *stream {
	h.mu.RLock()
	current := h.streams[key]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[key]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan Event), touched: h.now()}
		h.streams[key] = current
	}
	return current
}

func (h *Hub) unsubscribe(key streamKey, id uint64) {
	h.mu.RLock()
	st := h.streams[key]
	h.mu.RUnlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	delete(st.subs, id)
	st.touched = h.now()
	st.mu.Unlock()
}

// Sweep drops streams that have no sessions and saw no activity for the idle
// TTL, along with their replay history. It returns how many were dropped.
func (h *Hub) Sweep() int {
	if h == nil {
		return 0
	}
	cutoff := h.now().Add(-h.idleTTL)

	h.mu.Lock()
	defer h.mu.Unlock()
	evicted := 0
	for key, st := range h.streams {
		st.mu.Lock()
		if len(st.subs) == 0 && st.touched.Before(cutoff) {
			st.evicted = true
			delete(h.streams, key)
			evicted++
		}
		st.mu.Unlock()
	}
	return evicted
}

// Streams counts the streams currently held.
func (h *Hub) Streams() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

func (s *Subscription) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.key, s.id)
	})
}
