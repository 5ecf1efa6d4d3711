package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwellogo/dealdesk/internal/domain"
	"github.com/dwellogo/dealdesk/internal/server/middleware"
)

type fakeBus struct {
	events chan domain.ChannelMessage
	stream []domain.StreamMessage
	reads  int
}

func (b *fakeBus) Publish(context.Context, string, []byte) error { return nil }

func (b *fakeBus) PSubscribe(context.Context, string) (<-chan domain.ChannelMessage, error) {
	return b.events, nil
}

func (b *fakeBus) StreamAppend(context.Context, string, []byte) error { return nil }

// StreamRead pages through stream by id the way XREAD does. Test ids are
// "<ms>-0".
func (b *fakeBus) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.reads++
	after := streamMillis(lastID)
	var out []domain.StreamMessage
	for _, m := range b.stream {
		if streamMillis(m.ID) > after && len(out) < count {
			out = append(out, m)
		}
	}
	return out, nil
}

func streamMillis(id string) int64 {
	ms, _ := strconv.ParseInt(strings.SplitN(id, "-", 2)[0], 10, 64)
	return ms
}

// participantsOnly admits members listed per negotiation.
type participantsOnly map[string][]string

func (p participantsOnly) CanJoin(_ context.Context, actorID, negotiationID string) error {
	members, ok := p[negotiationID]
	if !ok {
		return domain.ErrNotFound
	}
	for _, m := range members {
		if m == actorID {
			return nil
		}
	}
	return domain.ErrForbidden
}

type hubFixture struct {
	hub    *Hub
	bus    *fakeBus
	server *httptest.Server
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	bus := &fakeBus{events: make(chan domain.ChannelMessage, 8)}
	access := participantsOnly{"n1": {"buyer-1", "owner-1"}}
	hub := NewHub(bus, access, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	srv := httptest.NewServer(middleware.Identity()(http.HandlerFunc(hub.HandleWS)))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return &hubFixture{hub: hub, bus: bus, server: srv}
}

func (f *hubFixture) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	header := http.Header{}
	header.Set(middleware.HeaderUserID, user)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, action, id string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(clientMsg{Action: action, NegotiationID: id}))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHub_JoinAndReceive(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "buyer-1")

	send(t, conn, actionJoin, "n1")
	ack := readFrame(t, conn)
	assert.Equal(t, "joined", ack["type"])
	assert.Equal(t, "n1", ack["negotiation_id"])
	require.Equal(t, 1, f.hub.roomSize("n1"))

	// Events for other negotiations are not delivered.
	f.bus.events <- domain.ChannelMessage{Channel: domain.NegotiationChannel("n2"), Payload: []byte(`{"type":"offer.submitted","negotiation_id":"n2"}`)}
	f.bus.events <- domain.ChannelMessage{Channel: domain.NegotiationChannel("n1"), Payload: []byte(`{"type":"offer.submitted","negotiation_id":"n1"}`)}

	evt := readFrame(t, conn)
	assert.Equal(t, "offer.submitted", evt["type"])
	assert.Equal(t, "n1", evt["negotiation_id"])
}

func TestHub_JoinRefused(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "stranger")

	send(t, conn, actionJoin, "n1")
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "forbidden", frame["error"])

	send(t, conn, actionJoin, "missing")
	frame = readFrame(t, conn)
	assert.Equal(t, "negotiation not found", frame["error"])
	assert.Zero(t, f.hub.roomSize("n1"))
}

func TestHub_Leave(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "owner-1")

	send(t, conn, actionJoin, "n1")
	assert.Equal(t, "joined", readFrame(t, conn)["type"])
	send(t, conn, actionLeave, "n1")
	assert.Equal(t, "left", readFrame(t, conn)["type"])
	assert.Zero(t, f.hub.roomSize("n1"))
}

func TestHub_BadFrames(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "buyer-1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, "invalid message", readFrame(t, conn)["error"])

	send(t, conn, "shout", "n1")
	assert.Equal(t, "unknown action", readFrame(t, conn)["error"])

	send(t, conn, actionJoin, " ")
	assert.Equal(t, "negotiation_id is required", readFrame(t, conn)["error"])
}

func TestHub_RequiresIdentity(t *testing.T) {
	f := newHubFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHub_DisconnectLeavesRooms(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "buyer-1")
	send(t, conn, actionJoin, "n1")
	assert.Equal(t, "joined", readFrame(t, conn)["type"])

	conn.Close()
	assert.Eventually(t, func() bool { return f.hub.roomSize("n1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_JoinReplaysSince(t *testing.T) {
	f := newHubFixture(t)
	since := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) string {
		return strconv.FormatInt(since.Add(d).UnixMilli(), 10) + "-0"
	}
	f.bus.stream = []domain.StreamMessage{
		{ID: at(-time.Minute), Payload: []byte(`{"type":"negotiation.created","negotiation_id":"n1","version":1}`)},
		{ID: at(time.Minute), Payload: []byte(`{"type":"offer.submitted","negotiation_id":"n1","version":2}`)},
		{ID: at(2 * time.Minute), Payload: []byte(`{"type":"offer.submitted","negotiation_id":"n2","version":2}`)},
		{ID: at(3 * time.Minute), Payload: []byte(`{"type":"offer.countered","negotiation_id":"n1","version":3}`)},
	}
	conn := f.dial(t, "buyer-1")

	require.NoError(t, conn.WriteJSON(clientMsg{Action: actionJoin, NegotiationID: "n1", Since: since.Format(time.RFC3339)}))

	first := readFrame(t, conn)
	assert.Equal(t, "offer.submitted", first["type"])
	assert.Equal(t, float64(2), first["version"])
	second := readFrame(t, conn)
	assert.Equal(t, "offer.countered", second["type"])

	ack := readFrame(t, conn)
	assert.Equal(t, "joined", ack["type"])
	assert.Equal(t, float64(2), ack["replayed"])
	assert.Equal(t, 1, f.hub.roomSize("n1"))
}

func TestHub_JoinWithoutSinceSkipsReplay(t *testing.T) {
	f := newHubFixture(t)
	f.bus.stream = []domain.StreamMessage{{ID: "1-0", Payload: []byte(`{"negotiation_id":"n1"}`)}}
	conn := f.dial(t, "buyer-1")

	send(t, conn, actionJoin, "n1")
	ack := readFrame(t, conn)
	assert.Equal(t, "joined", ack["type"])
	assert.NotContains(t, ack, "replayed")
	assert.Zero(t, f.bus.reads)
}

func TestHub_JoinRejectsBadSince(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "buyer-1")

	require.NoError(t, conn.WriteJSON(clientMsg{Action: actionJoin, NegotiationID: "n1", Since: "yesterday"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "since must be an RFC 3339 timestamp", frame["error"])
	assert.Zero(t, f.hub.roomSize("n1"))
}
