package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tessora/bidstream/internal/backoff"
	"github.com/tessora/bidstream/internal/protocol"
)

// mockRoomServer runs a scripted auction room endpoint. Each new websocket
// connection is passed to handler.
func mockRoomServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		handler(conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testConfig(endpoint string) Config {
	cfg := DefaultConfig(endpoint)
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.HelloFallback = 50 * time.Millisecond
	cfg.PingInterval = time.Minute
	cfg.Backoff = backoff.Policy{Base: 20 * time.Millisecond, Growth: 1.5, Cap: 100 * time.Millisecond}
	cfg.Logger = zerolog.Nop()
	return cfg
}

func sendFrame(t *testing.T, conn *websocket.Conn, event protocol.Type, payload interface{}) {
	t.Helper()
	data, err := protocol.Marshal(event, payload)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Logf("write %s: %v", event, err)
	}
}

func readFrame(conn *websocket.Conn) (protocol.Envelope, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return protocol.Envelope{}, err
	}
	return env, nil
}

// roomScript is the canonical well-behaved room: CONNECTED, then HELLO_OK on
// HELLO, JOINED on JOIN_AUCTION, and a BID_PLACED echo per PLACE_BID. All
// frames the server receives are recorded.
type roomScript struct {
	mu       sync.Mutex
	received []protocol.Envelope
	conns    int32
}

func (s *roomScript) frames(event protocol.Type) []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range s.received {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (s *roomScript) handler(t *testing.T) func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
		atomic.AddInt32(&s.conns, 1)
		defer conn.Close()
		sendFrame(t, conn, protocol.TypeConnected, nil)
		for {
			env, err := readFrame(conn)
			if err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, env)
			s.mu.Unlock()

			switch env.Event {
			case protocol.TypeHello:
				sendFrame(t, conn, protocol.TypeHelloOK, nil)
			case protocol.TypeJoin:
				count := 3
				sendFrame(t, conn, protocol.TypeJoined, protocol.JoinedPayload{ParticipantCount: &count})
			case protocol.TypePlaceBid:
				var bid protocol.PlaceBidPayload
				json.Unmarshal(env.Data, &bid)
				sendFrame(t, conn, protocol.TypeBidPlaced, protocol.BidEvent{
					AuctionItemID: bid.AuctionItemID,
					Amount:        bid.Amount,
					BidderID:      "someone",
					BidID:         "bid-1",
					CorrelationID: bid.CorrelationID,
				})
			}
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestAcquireCompletesHandshake(t *testing.T) {
	script := &roomScript{}
	server := mockRoomServer(t, script.handler(t))
	defer server.Close()

	registry := NewRegistry(testConfig(wsURL(server)))
	defer registry.Close()

	key := RoomKey{TenantID: "tenantA", AuctionID: "auction7"}
	handle, err := registry.Acquire(context.Background(), key, Credentials{Token: "tok", UserID: "u1"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer handle.Release()

	if !handle.Conn().Ready() {
		t.Error("expected Ready after Acquire")
	}
	if got := handle.Conn().State(); got != StateAuthenticated {
		t.Errorf("State = %v, want AUTHENTICATED", got)
	}
}

func TestHandshakeTimeoutFailsAcquire(t *testing.T) {
	// Server never answers HELLO.
	server := mockRoomServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		sendFrame(t, conn, protocol.TypeConnected, nil)
		for {
			if _, err := readFrame(conn); err != nil {
				return
			}
		}
	})
	defer server.Close()

	cfg := testConfig(wsURL(server))
	cfg.HandshakeTimeout = 150 * time.Millisecond
	registry := NewRegistry(cfg)
	defer registry.Close()

	_, err := registry.Acquire(context.Background(), RoomKey{TenantID: "t", AuctionID: "a"}, Credentials{Token: "tok"})
	var herr *HandshakeError
	if !errors.As(err, &herr) {
		t.Fatalf("Acquire error = %v, want HandshakeError", err)
	}
	if herr.AuthFatal {
		t.Error("timeout must not be auth-fatal")
	}
	if registry.Len() != 0 {
		t.Errorf("registry entry leaked after failed acquire: len=%d", registry.Len())
	}
}

func TestAcquireDuringFailingHandshake(t *testing.T) {
	// The first transport stalls forever after CONNECTED; later transports
	// behave. A second Acquire arriving mid-handshake must share the first
	// one's failure, and the key must be dialable again afterwards.
	var transports int32
	script := &roomScript{}
	server := mockRoomServer(t, func(conn *websocket.Conn) {
		if atomic.AddInt32(&transports, 1) == 1 {
			defer conn.Close()
			sendFrame(t, conn, protocol.TypeConnected, nil)
			for {
				if _, err := readFrame(conn); err != nil {
					return
				}
			}
		}
		script.handler(t)(conn)
	})
	defer server.Close()

	cfg := testConfig(wsURL(server))
	cfg.HandshakeTimeout = 400 * time.Millisecond
	registry := NewRegistry(cfg)
	defer registry.Close()

	key := RoomKey{TenantID: "t", AuctionID: "a"}
	firstErr := make(chan error, 1)
	go func() {
		_, err := registry.Acquire(context.Background(), key, Credentials{Token: "tok"})
		firstErr <- err
	}()
	waitFor(t, time.Second, func() bool { return registry.Len() == 1 }, "pending entry")

	_, err := registry.Acquire(context.Background(), key, Credentials{Token: "tok"})
	var herr *HandshakeError
	if !errors.As(err, &herr) {
		t.Fatalf("second Acquire error = %v, want shared HandshakeError", err)
	}
	if err := <-firstErr; !errors.As(err, &herr) {
		t.Fatalf("first Acquire error = %v, want HandshakeError", err)
	}
	if registry.Len() != 0 {
		t.Fatalf("registry len = %d after failed handshake, want 0", registry.Len())
	}

	// The key is not poisoned: a fresh Acquire dials a new transport.
	handle, err := registry.Acquire(context.Background(), key, Credentials{Token: "tok"})
	if err != nil {
		t.Fatalf("Acquire after failure = %v, want success", err)
	}
	defer handle.Release()
	if !handle.Conn().Ready() {
		t.Fatal("connection acquired after failure is not authenticated")
	}
	if got := atomic.LoadInt32(&transports); got != 2 {
		t.Errorf("server saw %d transports, want 2", got)
	}
}

func TestAuthFatalErrorFailsHandshake(t *testing.T) {
	server := mockRoomServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		sendFrame(t, conn, protocol.TypeConnected, nil)
		if _, err := readFrame(conn); err != nil {
			return // expect HELLO
		}
		sendFrame(t, conn, protocol.TypeError, protocol.ErrorPayload{Code: protocol.CodeInvalidToken, Message: "expired"})
		for {
			if _, err := readFrame(conn); err != nil {
				return
			}
		}
	})
	defer server.Close()

	registry := NewRegistry(testConfig(wsURL(server)))
	defer registry.Close()

	_, err := registry.Acquire(context.Background(), RoomKey{TenantID: "t", AuctionID: "a"}, Credentials{Token: "bad"})
	if !IsAuthFatal(err) {
		t.Fatalf("Acquire error = %v, want auth-fatal handshake failure", err)
	}
}

func TestHelloFallbackWithoutConnectedAck(t *testing.T) {
	// Server sends no CONNECTED ack; the client must still HELLO after the
	// fallback delay.
	server := mockRoomServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		env, err := readFrame(conn)
		if err != nil {
			return
		}
		if env.Event == protocol.TypeHello {
			sendFrame(t, conn, protocol.TypeHelloOK, nil)
		}
		for {
			if _, err := readFrame(conn); err != nil {
				return
			}
		}
	})
	defer server.Close()

	registry := NewRegistry(testConfig(wsURL(server)))
	defer registry.Close()

	handle, err := registry.Acquire(context.Background(), RoomKey{TenantID: "t", AuctionID: "a"}, Credentials{Token: "tok"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	handle.Release()
}

func TestRefCountSharesOneTransport(t *testing.T) {
	script := &roomScript{}
	server := mockRoomServer(t, script.handler(t))
	defer server.Close()

	registry := NewRegistry(testConfig(wsURL(server)))
	defer registry.Close()

	key := RoomKey{TenantID: "tenantA", AuctionID: "auction7"}
	ctx := context.Background()

	first, err := registry.Acquire(ctx, key, Credentials{Token: "tok1", UserID: "u1"})
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	second, err := registry.Acquire(ctx, key, Credentials{Token: "tok2", UserID: "u1"})
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}

	if first.Conn() != second.Conn() {
		t.Fatal("expected both handles to share one connection")
	}
	if got := atomic.LoadInt32(&script.conns); got != 1 {
		t.Fatalf("server saw %d connections, want 1", got)
	}
	if registry.Len() != 1 {
		t.Fatalf("registry len = %d, want 1", registry.Len())
	}

	if err := first.Conn().Join(); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return first.Conn().Snapshot().Joined }, "JOINED")

	first.Release()
	first.Release() // idempotent
	if registry.Len() != 1 {
		t.Fatal("connection torn down while a subscriber remained")
	}
	if !second.Conn().Ready() {
		t.Fatal("transport closed while a subscriber remained")
	}

	second.Release()
	if registry.Len() != 0 {
		t.Fatal("registry entry not removed after last release")
	}
	waitFor(t, time.Second, func() bool {
		return len(script.frames(protocol.TypeLeave)) == 1
	}, "LEAVE on last release")
}

func TestSubmitRefusesWhenNotJoined(t *testing.T) {
	script := &roomScript{}
	server := mockRoomServer(t, script.handler(t))
	defer server.Close()

	registry := NewRegistry(testConfig(wsURL(server)))
	defer registry.Close()

	handle, err := registry.Acquire(context.Background(), RoomKey{TenantID: "t", AuctionID: "a"}, Credentials{Token: "tok"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer handle.Release()

	if cid, ok := handle.Conn().Submit("item-1", 100); ok || cid != "" {
		t.Error("Submit must refuse before JOIN; false means not sent")
	}
}

func TestSubmitCorrelationIDsAreDistinct(t *testing.T) {
	script := &roomScript{}
	server := mockRoomServer(t, script.handler(t))
	defer server.Close()

	registry := NewRegistry(testConfig(wsURL(server)))
	defer registry.Close()

	handle, err := registry.Acquire(context.Background(), RoomKey{TenantID: "t", AuctionID: "a"}, Credentials{Token: "tok"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer handle.Release()
	conn := handle.Conn()

	if err := conn.Join(); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return conn.Snapshot().Joined }, "JOINED")

	cid1, ok1 := conn.Submit("item-1", 500)
	cid2, ok2 := conn.Submit("item-1", 500)
	if !ok1 || !ok2 {
		t.Fatal("Submit failed while joined")
	}
	if cid1 == cid2 {
		t.Errorf("identical correlation ids for two submissions: %s", cid1)
	}

	waitFor(t, time.Second, func() bool {
		return len(script.frames(protocol.TypePlaceBid)) == 2
	}, "two PLACE_BID frames")
	for _, env := range script.frames(protocol.TypePlaceBid) {
		var bid protocol.PlaceBidPayload
		if err := json.Unmarshal(env.Data, &bid); err != nil {
			t.Fatalf("bad PLACE_BID payload: %v", err)
		}
		if bid.TenantID != "t" || bid.AuctionID != "a" {
			t.Errorf("PLACE_BID carried wrong room: %+v", bid)
		}
	}
}

func TestClockOffsetTracksLatestSample(t *testing.T) {
	script := &roomScript{}
	server := mockRoomServer(t, script.handler(t))
	defer server.Close()

	registry := NewRegistry(testConfig(wsURL(server)))
	defer registry.Close()

	handle, err := registry.Acquire(context.Background(), RoomKey{TenantID: "t", AuctionID: "a"}, Credentials{Token: "tok"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer handle.Release()
	conn := handle.Conn()

	if err := conn.Join(); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return conn.Snapshot().Joined }, "JOINED")

	// Server clock runs 5s ahead of local. Route the sample directly so the
	// receipt instant is pinned.
	serverTime := time.Now().Add(5 * time.Second).UnixMilli()
	raw, _ := protocol.Marshal(protocol.TypeBidPlaced, protocol.BidEvent{
		AuctionItemID: "item-1",
		Amount:        100,
		BidderID:      "other",
		BidID:         "b1",
		ServerTimeMs:  &serverTime,
	})
	conn.mu.Lock()
	client := conn.client
	conn.mu.Unlock()
	conn.route(client, raw)

	offset := conn.OffsetMs()
	if offset < 4000 || offset > 6000 {
		t.Errorf("OffsetMs = %d, want ~5000", offset)
	}
	if diff := conn.Now().Sub(time.Now()); diff < 4*time.Second || diff > 6*time.Second {
		t.Errorf("synchronized Now off by %v, want ~5s ahead", diff)
	}
}

func TestKickedDuplicateIsTerminal(t *testing.T) {
	kick := make(chan struct{})
	script := &roomScript{}
	base := script.handler(t)
	server := mockRoomServer(t, func(conn *websocket.Conn) {
		go func() {
			<-kick
			sendFrame(t, conn, protocol.TypeKickedDuplicate, nil)
		}()
		base(conn)
	})
	defer server.Close()

	registry := NewRegistry(testConfig(wsURL(server)))
	defer registry.Close()

	handle, err := registry.Acquire(context.Background(), RoomKey{TenantID: "t", AuctionID: "a"}, Credentials{Token: "tok"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer handle.Release()
	conn := handle.Conn()

	var kickedErr atomic.Value
	unsub := conn.Subscribe(func(ev Event) {
		if ce, ok := ev.(ConnectivityEvent); ok && ce.Err != nil {
			kickedErr.Store(ce.Err)
		}
	})
	defer unsub()

	if err := conn.Join(); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return conn.Snapshot().Joined }, "JOINED")

	close(kick)
	waitFor(t, time.Second, func() bool { return kickedErr.Load() != nil }, "kick surfaced")

	if err := kickedErr.Load().(error); !errors.Is(err, ErrKicked) {
		t.Errorf("surfaced error = %v, want ErrKicked", err)
	}
	if conn.Snapshot().Joined {
		t.Error("joined must flip false on kick")
	}

	// No reconnect: the server must never see a second connection.
	time.Sleep(250 * time.Millisecond)
	if got := atomic.LoadInt32(&script.conns); got != 1 {
		t.Errorf("server saw %d connections after kick, want 1", got)
	}
}

func TestReconnectReplaysJoin(t *testing.T) {
	var dropFirst atomic.Bool
	dropFirst.Store(true)
	script := &roomScript{}
	server := mockRoomServer(t, func(conn *websocket.Conn) {
		atomic.AddInt32(&script.conns, 1)
		defer conn.Close()
		sendFrame(t, conn, protocol.TypeConnected, nil)
		for {
			env, err := readFrame(conn)
			if err != nil {
				return
			}
			script.mu.Lock()
			script.received = append(script.received, env)
			script.mu.Unlock()

			switch env.Event {
			case protocol.TypeHello:
				sendFrame(t, conn, protocol.TypeHelloOK, nil)
			case protocol.TypeJoin:
				if dropFirst.CompareAndSwap(true, false) {
					// Abrupt close, no close frame: abnormal closure.
					conn.Close()
					return
				}
				count := 1
				sendFrame(t, conn, protocol.TypeJoined, protocol.JoinedPayload{ParticipantCount: &count})
			}
		}
	})
	defer server.Close()

	registry := NewRegistry(testConfig(wsURL(server)))
	defer registry.Close()

	handle, err := registry.Acquire(context.Background(), RoomKey{TenantID: "t", AuctionID: "a"}, Credentials{Token: "tok"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer handle.Release()
	conn := handle.Conn()

	if err := conn.Join(); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	// The first JOIN kills the transport. The scheduler must redial,
	// re-handshake, and replay the JOIN without any subscriber action.
	waitFor(t, 3*time.Second, func() bool { return conn.Snapshot().Joined }, "rejoin after reconnect")

	if got := atomic.LoadInt32(&script.conns); got != 2 {
		t.Errorf("server saw %d connections, want 2", got)
	}
	if got := len(script.frames(protocol.TypeJoin)); got != 2 {
		t.Errorf("server saw %d JOIN frames, want 2", got)
	}
}

func TestRouterUpdatesSharedState(t *testing.T) {
	script := &roomScript{}
	server := mockRoomServer(t, script.handler(t))
	defer server.Close()

	registry := NewRegistry(testConfig(wsURL(server)))
	defer registry.Close()

	handle, err := registry.Acquire(context.Background(), RoomKey{TenantID: "t", AuctionID: "a"}, Credentials{Token: "tok"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer handle.Release()
	conn := handle.Conn()

	if err := conn.Join(); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return conn.Snapshot().Joined }, "JOINED")

	if got := conn.Snapshot().ParticipantCount; got != 3 {
		t.Errorf("ParticipantCount = %d, want 3 from JOINED seed", got)
	}

	// Late subscriber reads state directly, no replay needed.
	snap := conn.Snapshot()
	if !snap.Joined || snap.State != StateAuthenticated {
		t.Errorf("late snapshot = %+v, want joined+authenticated", snap)
	}

	// Malformed and unknown frames are dropped without harm.
	c := conn
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	c.route(client, []byte("{not json"))
	c.route(client, []byte(`{"event":"SOMETHING_ELSE","data":{}}`))
	if !conn.Ready() {
		t.Error("connection must survive malformed frames")
	}
}
