package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestJoinReportsExistingPeers(t *testing.T) {
	url := startRelay(t, NewRelay(Options{}))
	a := dial(t, url)
	b := dial(t, url)

	joined := make(chan string, 1)
	a.OnPeerJoined(func(id string) { joined <- id })

	existing, err := a.Join(ctx(t), "ABCD")
	require.NoError(t, err)
	require.Empty(t, existing)

	existing, err = b.Join(ctx(t), "ABCD")
	require.NoError(t, err)
	require.Equal(t, []string{a.ID()}, existing)
	require.Equal(t, b.ID(), recv(t, joined))
}

func TestRoomHoldsTwoPeers(t *testing.T) {
	relay := NewRelay(Options{})
	url := startRelay(t, relay)
	for i := 0; i < RoomCapacity; i++ {
		_, err := dial(t, url).Join(ctx(t), "ABCD")
		require.NoError(t, err)
	}

	_, err := dial(t, url).Join(ctx(t), "ABCD")
	var relayErr *RelayError
	require.ErrorAs(t, err, &relayErr)
	require.Equal(t, "room full", relayErr.Reason)
	require.Equal(t, RoomCapacity, relay.RoomSize("ABCD"))
}

func TestSignalReachesAddressedPeer(t *testing.T) {
	var mu sync.Mutex
	var observed []string
	url := startRelay(t, NewRelay(Options{Observe: func(typ string) {
		mu.Lock()
		observed = append(observed, typ)
		mu.Unlock()
	}}))
	a := dial(t, url)
	b := dial(t, url)
	_, err := a.Join(ctx(t), "ABCD")
	require.NoError(t, err)
	_, err = b.Join(ctx(t), "ABCD")
	require.NoError(t, err)

	got := make(chan Frame, 1)
	b.OnSignal(func(f Frame) { got <- f })
	require.NoError(t, a.Send(ctx(t), Frame{Type: TypeOffer, To: b.ID(), From: "spoofed", Payload: json.RawMessage(`{"sdp":"x"}`)}))

	f := recv(t, got)
	require.Equal(t, TypeOffer, f.Type)
	require.Equal(t, a.ID(), f.From)
	require.Equal(t, "ABCD", f.RoomID)
	require.JSONEq(t, `{"sdp":"x"}`, string(f.Payload))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) == 1 && observed[0] == TypeOffer
	}, time.Second, 10*time.Millisecond)
}

func TestSignalToUnknownPeerIsReported(t *testing.T) {
	url := startRelay(t, NewRelay(Options{}))
	a := dial(t, url)
	_, err := a.Join(ctx(t), "ABCD")
	require.NoError(t, err)

	errs := make(chan error, 1)
	a.OnError(func(err error) { errs <- err })
	require.NoError(t, a.Send(ctx(t), Frame{Type: TypeCandidate, To: "nobody"}))

	var relayErr *RelayError
	require.True(t, errors.As(recv(t, errs), &relayErr))
	require.Equal(t, "peer not found", relayErr.Reason)
}

func TestSignalOutsideRoomIsRejected(t *testing.T) {
	conn := dialRaw(t, startRelay(t, NewRelay(Options{})))
	require.NoError(t, conn.WriteJSON(Frame{Type: TypeOffer, To: "x"}))
	require.Equal(t, "not in a room", readFrame(t, conn).Error)
}

func TestMalformedFrameIsAnswered(t *testing.T) {
	conn := dialRaw(t, startRelay(t, NewRelay(Options{})))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	f := readFrame(t, conn)
	require.Equal(t, TypeError, f.Type)
	require.Equal(t, "malformed frame", f.Error)

	require.NoError(t, conn.WriteJSON(Frame{Type: "dance"}))
	require.Equal(t, "unknown frame type", readFrame(t, conn).Error)
}

func TestFramesAreRateLimited(t *testing.T) {
	conn := dialRaw(t, startRelay(t, NewRelay(Options{RateLimit: rate.Every(time.Hour), Burst: 1})))
	require.NoError(t, conn.WriteJSON(Frame{Type: "dance"}))
	require.Equal(t, "unknown frame type", readFrame(t, conn).Error)
	require.NoError(t, conn.WriteJSON(Frame{Type: "dance"}))
	require.Equal(t, "rate limited", readFrame(t, conn).Error)
}

func TestDisconnectEmitsPeerLeft(t *testing.T) {
	relay := NewRelay(Options{})
	url := startRelay(t, relay)
	a := dial(t, url)
	b := dial(t, url)
	_, err := a.Join(ctx(t), "ABCD")
	require.NoError(t, err)
	_, err = b.Join(ctx(t), "ABCD")
	require.NoError(t, err)

	left := make(chan string, 1)
	a.OnPeerLeft(func(id string) { left <- id })
	require.NoError(t, b.Close())

	require.Equal(t, b.ID(), recv(t, left))
	require.Equal(t, 1, relay.RoomSize("ABCD"))
}

func TestLeaveFreesTheSlot(t *testing.T) {
	relay := NewRelay(Options{})
	url := startRelay(t, relay)
	a := dial(t, url)
	_, err := a.Join(ctx(t), "ABCD")
	require.NoError(t, err)
	require.NoError(t, a.Leave(ctx(t), "ABCD"))
	require.Eventually(t, func() bool { return relay.RoomSize("ABCD") == 0 }, time.Second, 10*time.Millisecond)
}

func TestRelayFansOutThroughBus(t *testing.T) {
	bus := &memBus{}
	r1 := NewRelay(Options{Bus: bus.handle("one")})
	r2 := NewRelay(Options{Bus: bus.handle("two")})
	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = r1.Run(runCtx) }()
	go func() { _ = r2.Run(runCtx) }()
	require.Eventually(t, func() bool { return bus.subscribers() == 2 }, time.Second, 10*time.Millisecond)

	a := dial(t, startRelay(t, r1))
	b := dial(t, startRelay(t, r2))
	joined := make(chan string, 1)
	a.OnPeerJoined(func(id string) { joined <- id })
	_, err := a.Join(ctx(t), "ABCD")
	require.NoError(t, err)
	_, err = b.Join(ctx(t), "ABCD")
	require.NoError(t, err)
	require.Equal(t, b.ID(), recv(t, joined))

	got := make(chan Frame, 1)
	b.OnSignal(func(f Frame) { got <- f })
	require.NoError(t, a.Send(ctx(t), Frame{Type: TypeOffer, To: b.ID()}))
	require.Equal(t, a.ID(), recv(t, got).From)
}

func TestRedisBusSkipsOwnPublications(t *testing.T) {
	one := NewRedisBus(nil, "test", nil)
	two := NewRedisBus(nil, "test", nil)
	data, err := one.encode(Frame{Type: TypeAnswer, RoomID: "ABCD", From: "p1"})
	require.NoError(t, err)

	_, ok := one.decode(string(data))
	require.False(t, ok)
	f, ok := two.decode(string(data))
	require.True(t, ok)
	require.Equal(t, Frame{Type: TypeAnswer, RoomID: "ABCD", From: "p1"}, f)

	_, ok = two.decode("garbage")
	require.False(t, ok)
	require.Equal(t, "test:signal:ABCD", one.channel("ABCD"))
}

func TestServeRestrictsRooms(t *testing.T) {
	relay := NewRelay(Options{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relay.Serve(w, r, func(roomID string) bool { return roomID == "ABCD" })
	}))
	t.Cleanup(srv.Close)
	c := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))

	_, err := c.Join(ctx(t), "WXYZ")
	var relayErr *RelayError
	require.ErrorAs(t, err, &relayErr)
	require.Equal(t, "not a member of this session", relayErr.Reason)
	require.Zero(t, relay.RoomSize("WXYZ"))

	_, err = c.Join(ctx(t), "ABCD")
	require.NoError(t, err)
	require.Equal(t, 1, relay.RoomSize("ABCD"))
}

func TestSlowPeerIsDisconnected(t *testing.T) {
	relay := NewRelay(Options{RateLimit: rate.Inf})
	url := startRelay(t, relay)
	fast := dial(t, url)
	_, err := fast.Join(ctx(t), "ABCD")
	require.NoError(t, err)

	// joins, then never reads again
	slow := dialRaw(t, url)
	require.NoError(t, slow.WriteJSON(Frame{Type: TypeJoinRoom, RoomID: "ABCD"}))
	require.Equal(t, TypeJoined, readFrame(t, slow).Type)
	require.Equal(t, 2, relay.RoomSize("ABCD"))

	payload := json.RawMessage(`"` + strings.Repeat("x", 60000) + `"`)
	for i := 0; i < 600 && relay.RoomSize("ABCD") == 2; i++ {
		require.NoError(t, fast.Send(context.Background(), Frame{Type: TypeCandidate, Payload: payload}))
	}
	require.Eventually(t, func() bool { return relay.RoomSize("ABCD") == 1 }, 10*time.Second, 20*time.Millisecond)
}

func startRelay(t *testing.T, relay *Relay) string {
	t.Helper()
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	c, err := Dial(ctx(t), url, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, c.ID())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func dialRaw(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Equal(t, TypeWelcome, readFrame(t, conn).Type)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for value")
		var zero T
		return zero
	}
}

type memBus struct {
	mu   sync.Mutex
	subs map[string]func(Frame)
}

func (b *memBus) handle(name string) Bus { return &memBusHandle{bus: b, name: name} }

func (b *memBus) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

type memBusHandle struct {
	bus  *memBus
	name string
}

func (h *memBusHandle) Publish(_ context.Context, f Frame) error {
	h.bus.mu.Lock()
	var targets []func(Frame)
	for name, fn := range h.bus.subs {
		if name != h.name {
			targets = append(targets, fn)
		}
	}
	h.bus.mu.Unlock()
	for _, fn := range targets {
		fn(f)
	}
	return nil
}

func (h *memBusHandle) Subscribe(ctx context.Context, fn func(Frame)) error {
	h.bus.mu.Lock()
	if h.bus.subs == nil {
		h.bus.subs = make(map[string]func(Frame))
	}
	h.bus.subs[h.name] = fn
	h.bus.mu.Unlock()
	<-ctx.Done()
	h.bus.mu.Lock()
	delete(h.bus.subs, h.name)
	h.bus.mu.Unlock()
	return nil
}
