package realtime

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/smallbiznis/casc/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(buffer, replay int) *Hub {
	cfg := config.Config{}
	cfg.Realtime.BufferSize = buffer
	cfg.Realtime.ReplaySize = replay
	return NewHub(cfg)
}

func TestHubDeliversOnlyToAddressedTenantAndUser(t *testing.T) {
	hub := newTestHub(8, 8)
	user := uuid.New()
	other := uuid.New()

	mine, _, err := hub.Subscribe(1, user, 0)
	require.NoError(t, err)
	defer mine.Close()
	sameUserOtherTenant, _, err := hub.Subscribe(2, user, 0)
	require.NoError(t, err)
	defer sameUserOtherTenant.Close()
	otherUser, _, err := hub.Subscribe(1, other, 0)
	require.NoError(t, err)
	defer otherUser.Close()

	hub.Publish(context.Background(), 1, []uuid.UUID{user}, Event{Type: EventLeadCreated})

	select {
	case event := <-mine.Events():
		assert.Equal(t, EventLeadCreated, event.Type)
		assert.Equal(t, snowflake.ID(1).String(), event.TenantID)
		assert.Equal(t, uint64(1), event.Seq)
		assert.False(t, event.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	assert.Empty(t, sameUserOtherTenant.Events())
	assert.Empty(t, otherUser.Events())
}

func TestHubPreservesOrderPerRecipient(t *testing.T) {
	hub := newTestHub(64, 64)
	user := uuid.New()
	sub, _, err := hub.Subscribe(1, user, 0)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 20; i++ {
		hub.Publish(context.Background(), 1, []uuid.UUID{user, user}, Event{Type: EventInboundMessage, Data: i})
	}
	for i := 0; i < 20; i++ {
		event := <-sub.Events()
		assert.Equal(t, uint64(i+1), event.Seq)
		assert.Equal(t, i, event.Data)
	}
	assert.Empty(t, sub.Events(), "duplicate recipients must receive one copy")
}

func TestHubSlowSessionDropsWithoutBlocking(t *testing.T) {
	hub := newTestHub(1, 10)
	user := uuid.New()
	slow, _, err := hub.Subscribe(1, user, 0)
	require.NoError(t, err)
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			hub.Publish(context.Background(), 1, []uuid.UUID{user}, Event{Type: EventNotification})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow session")
	}
	assert.Len(t, slow.Events(), 1)

	// the missed events are recoverable through replay
	resumed, backlog, err := hub.Subscribe(1, user, 1)
	require.NoError(t, err)
	defer resumed.Close()
	require.Len(t, backlog, 4)
	assert.Equal(t, uint64(2), backlog[0].Seq)
}

func TestHubReplayIsBounded(t *testing.T) {
	hub := newTestHub(4, 3)
	user := uuid.New()
	for i := 0; i < 5; i++ {
		hub.Publish(context.Background(), 1, []uuid.UUID{user}, Event{Type: EventStatusChanged})
	}
	sub, backlog, err := hub.Subscribe(1, user, 0)
	require.NoError(t, err)
	defer sub.Close()
	require.Len(t, backlog, 3)
	assert.Equal(t, uint64(3), backlog[0].Seq)
	assert.Equal(t, uint64(5), backlog[2].Seq)
}

func TestSubscriptionCloseRemovesSession(t *testing.T) {
	hub := newTestHub(4, 4)
	user := uuid.New()
	sub, _, err := hub.Subscribe(1, user, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Sessions(1, user))
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Sessions(1, user))
}

func TestNilHub(t *testing.T) {
	var hub *Hub
	hub.Publish(context.Background(), 1, []uuid.UUID{uuid.New()}, Event{})
	_, _, err := hub.Subscribe(1, uuid.New(), 0)
	assert.ErrorIs(t, err, ErrHubUnavailable)
}

func TestServeSSEReplaysBacklogAndStreams(t *testing.T) {
	hub := newTestHub(8, 8)
	user := uuid.New()
	hub.Publish(context.Background(), 7, []uuid.UUID{user}, Event{Type: EventLeadCreated})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.ServeSSE(w, r, SessionOptions{TenantID: 7, UserID: user, AfterSeq: ParseAfterSeq(r)})
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	require.Eventually(t, func() bool { return hub.Sessions(7, user) == 1 }, time.Second, 10*time.Millisecond)
	hub.Publish(context.Background(), 7, []uuid.UUID{user}, Event{Type: EventStatusChanged})

	var ids []string
	for len(ids) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimSpace(strings.TrimPrefix(line, "id: ")))
		}
	}
	assert.Equal(t, []string{"1", "2"}, ids)
}

func TestServeWebsocketStreamsEvents(t *testing.T) {
	hub := newTestHub(8, 8)
	user := uuid.New()
	upgrader := NewUpgrader(nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.ServeWebsocket(upgrader, w, r, SessionOptions{TenantID: 3, UserID: user})
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Sessions(3, user) == 1 }, time.Second, 10*time.Millisecond)
	hub.Publish(context.Background(), 3, []uuid.UUID{user}, Event{Type: EventAssignmentChanged, Data: "x"})

	var event Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, EventAssignmentChanged, event.Type)
	assert.Equal(t, snowflake.ID(3).String(), event.TenantID)
}

func TestParseAfterSeq(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/realtime/stream?after=12", nil)
	assert.Equal(t, uint64(12), ParseAfterSeq(r))
	r.Header.Set("Last-Event-ID", "15")
	assert.Equal(t, uint64(15), ParseAfterSeq(r))
	r.Header.Set("Last-Event-ID", "junk")
	assert.Equal(t, uint64(0), ParseAfterSeq(r))
}

func TestUpgraderOrigins(t *testing.T) {
	upgrader := NewUpgrader([]string{"https://app.example.com/"})
	r := httptest.NewRequest(http.MethodGet, "/realtime/ws", nil)
	r.Header.Set("Origin", "https://app.example.com")
	assert.True(t, upgrader.CheckOrigin(r))
	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, upgrader.CheckOrigin(r))
}

func TestHubSweepEvictsIdleStreamsOnly(t *testing.T) {
	hub := newTestHub(8, 8)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	hub.now = func() time.Time { return now }
	connected, absent := uuid.New(), uuid.New()

	sub, _, err := hub.Subscribe(1, connected, 0)
	require.NoError(t, err)
	defer sub.Close()
	hub.Publish(context.Background(), 1, []uuid.UUID{connected, absent}, Event{Type: EventNotification})
	require.Equal(t, 2, hub.Streams())

	now = now.Add(DefaultIdleTTL / 2)
	assert.Zero(t, hub.Sweep(), "recent streams are kept")

	now = now.Add(DefaultIdleTTL)
	assert.Equal(t, 1, hub.Sweep())
	assert.Equal(t, 1, hub.Streams(), "a stream with a session is kept")
	assert.Equal(t, 1, hub.Sessions(1, connected))
}

func TestHubContinuesSequenceAfterEviction(t *testing.T) {
	hub := newTestHub(8, 8)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	hub.now = func() time.Time { return now }
	user := uuid.New()

	for i := 0; i < 3; i++ {
		hub.Publish(context.Background(), 1, []uuid.UUID{user}, Event{Type: EventNotification})
	}
	now = now.Add(2 * DefaultIdleTTL)
	require.Equal(t, 1, hub.Sweep())

	sub, backlog, err := hub.Subscribe(1, user, 3)
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, backlog, "history goes with the evicted stream")

	hub.Publish(context.Background(), 1, []uuid.UUID{user}, Event{Type: EventNotification})
	select {
	case event := <-sub.Events():
		assert.Equal(t, uint64(4), event.Seq)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
