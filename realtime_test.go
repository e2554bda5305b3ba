package planboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// wsServer is an in-process notification endpoint. It records every control
// message the client sends and lets tests push events or drop the connection
// from the server side.
type wsServer struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	accepts int
	inbound []outboundMessage
	conns   []*websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	s := &wsServer{t: t}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.accepts++
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg outboundMessage
			if json.Unmarshal(data, &msg) == nil {
				s.mu.Lock()
				s.inbound = append(s.inbound, msg)
				s.mu.Unlock()
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) acceptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepts
}

func (s *wsServer) messages() []outboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outboundMessage, len(s.inbound))
	copy(out, s.inbound)
	return out
}

// push sends a raw JSON message to the client on the most recent connection.
func (s *wsServer) push(raw string) {
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	if err := conn.Write(context.Background(), websocket.MessageText, []byte(raw)); err != nil {
		s.t.Errorf("server push: %v", err)
	}
}

// dropConnection closes the most recent connection from the server side,
// simulating a network failure or server restart.
func (s *wsServer) dropConnection() {
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	conn.Close(websocket.StatusGoingAway, "server restart")
}

func newTestRealtime(s *wsServer, config *RealtimeConfig) *RealtimeClient {
	creds := NewMemoryCredentials()
	creds.SetTokens("ws-token", "ws-refresh")
	return NewRealtimeClient(s.srv.URL, creds, config)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestReconnectorSchedule(t *testing.T) {
	r := &reconnector{baseDelay: 1 * time.Second, maxAttempts: 5}
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, wantDelay := range want {
		attempt, delay, ok := r.next()
		if !ok {
			t.Fatalf("attempt %d: unexpectedly exhausted", i+1)
		}
		if attempt != i+1 || delay != wantDelay {
			t.Errorf("attempt %d: got (%d, %s), want (%d, %s)", i+1, attempt, delay, i+1, wantDelay)
		}
	}
	if _, _, ok := r.next(); ok {
		t.Error("expected exhaustion after the fifth attempt")
	}

	r.reset()
	if attempt, delay, ok := r.next(); !ok || attempt != 1 || delay != 1*time.Second {
		t.Errorf("after reset: got (%d, %s, %v), want (1, 1s, true)", attempt, delay, ok)
	}
}

func TestRealtimeConnect(t *testing.T) {
	t.Run("sends the authenticate handshake", func(t *testing.T) {
		s := newWSServer(t)
		rc := newTestRealtime(s, nil)

		var connected bool
		rc.On("connected", func(Event) { connected = true })

		if err := rc.Connect(context.Background(), ""); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		defer rc.Disconnect()

		if !rc.IsConnected() || rc.State() != StateConnected {
			t.Errorf("state = %s, want connected", rc.State())
		}
		if !connected {
			t.Error("expected connected event")
		}

		waitFor(t, "authenticate message", func() bool { return len(s.messages()) >= 1 })
		msg := s.messages()[0]
		if msg.Type != "authenticate" || msg.Token != "ws-token" {
			t.Errorf("handshake = %+v, want authenticate with stored token", msg)
		}
	})

	t.Run("an explicit token overrides the credential provider", func(t *testing.T) {
		s := newWSServer(t)
		rc := newTestRealtime(s, nil)

		if err := rc.Connect(context.Background(), "override-token"); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		defer rc.Disconnect()

		waitFor(t, "authenticate message", func() bool { return len(s.messages()) >= 1 })
		if got := s.messages()[0].Token; got != "override-token" {
			t.Errorf("handshake token = %q, want override", got)
		}
	})

	t.Run("fails without a token and opens no transport", func(t *testing.T) {
		s := newWSServer(t)
		rc := NewRealtimeClient(s.srv.URL, NewMemoryCredentials(), nil)

		err := rc.Connect(context.Background(), "")
		if !errors.Is(err, ErrNoToken) {
			t.Fatalf("expected ErrNoToken, got %v", err)
		}
		if s.acceptCount() != 0 {
			t.Errorf("server saw %d connection attempts, want 0", s.acceptCount())
		}
		if rc.State() != StateDisconnected {
			t.Errorf("state = %s, want disconnected", rc.State())
		}
	})

	t.Run("connect while connected is a no-op", func(t *testing.T) {
		s := newWSServer(t)
		rc := newTestRealtime(s, nil)

		if err := rc.Connect(context.Background(), ""); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		defer rc.Disconnect()
		if err := rc.Connect(context.Background(), ""); err != nil {
			t.Fatalf("second Connect: %v", err)
		}
		if s.acceptCount() != 1 {
			t.Errorf("server saw %d connections, want 1", s.acceptCount())
		}
	})

	t.Run("concurrent connects share one attempt", func(t *testing.T) {
		s := newWSServer(t)
		rc := newTestRealtime(s, nil)

		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = rc.Connect(context.Background(), "")
			}(i)
		}
		wg.Wait()
		defer rc.Disconnect()

		for i, err := range errs {
			if err != nil {
				t.Errorf("connect %d: %v", i, err)
			}
		}
		if s.acceptCount() != 1 {
			t.Errorf("server saw %d connections, want 1", s.acceptCount())
		}
	})

	t.Run("dial failure emits a non-permanent error event", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		creds := NewMemoryCredentials()
		creds.SetTokens("ws-token", "")
		rc := NewRealtimeClient(srv.URL, creds, &RealtimeConfig{DisableReconnect: true})

		var payload *ErrorPayload
		rc.On("error", func(ev Event) { payload, _ = ev.Err() })

		if err := rc.Connect(context.Background(), ""); err == nil {
			t.Fatal("expected dial error")
		}
		if rc.State() != StateDisconnected {
			t.Errorf("state = %s, want disconnected", rc.State())
		}
		if payload == nil || payload.Permanent {
			t.Errorf("error payload = %+v, want non-permanent error event", payload)
		}
	})
}

func TestRealtimeSubscribe(t *testing.T) {
	t.Run("sends one subscribe message per call", func(t *testing.T) {
		s := newWSServer(t)
		rc := newTestRealtime(s, nil)
		if err := rc.Connect(context.Background(), ""); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		defer rc.Disconnect()

		rc.Subscribe(42)
		rc.Unsubscribe(42)

		waitFor(t, "subscribe and unsubscribe", func() bool { return len(s.messages()) >= 3 })
		msgs := s.messages()
		if msgs[1].Type != "subscribe_project" || msgs[1].ProjectID != 42 {
			t.Errorf("msg[1] = %+v, want subscribe_project 42", msgs[1])
		}
		if msgs[2].Type != "unsubscribe_project" || msgs[2].ProjectID != 42 {
			t.Errorf("msg[2] = %+v, want unsubscribe_project 42", msgs[2])
		}
	})

	t.Run("is a silent no-op while disconnected", func(t *testing.T) {
		s := newWSServer(t)
		rc := newTestRealtime(s, nil)

		rc.Subscribe(42)
		rc.Unsubscribe(42)

		if s.acceptCount() != 0 {
			t.Errorf("subscribe while disconnected must not open a connection")
		}
	})
}

func TestRealtimeEventDispatch(t *testing.T) {
	s := newWSServer(t)
	rc := newTestRealtime(s, nil)

	received := make(chan Event, 4)
	rc.On("notification_received", func(ev Event) { received <- ev })

	if err := rc.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer rc.Disconnect()

	// Malformed frames and frames without a type are dropped without
	// disturbing the stream.
	s.push(`this is not json`)
	s.push(`{"title":"no type field"}`)
	s.push(`{"type":"notification_received","title":"Milestone done","message":"Beta shipped","event_type":"milestone_completed","project_id":3,"actor":{"id":1,"username":"alice"}}`)

	select {
	case ev := <-received:
		n, err := ev.Notification()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if n.Title != "Milestone done" || n.ProjectID != 3 || n.Actor == nil || n.Actor.Username != "alice" {
			t.Errorf("unexpected payload: %+v", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for dispatched event")
	}

	select {
	case ev := <-received:
		t.Fatalf("malformed frame was dispatched: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRealtimeReconnect(t *testing.T) {
	t.Run("reconnects after an unexpected close and replays subscriptions", func(t *testing.T) {
		s := newWSServer(t)
		rc := newTestRealtime(s, nil)

		var mu sync.Mutex
		var delays []time.Duration
		rc.sleepFn = func(d time.Duration) bool {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
			return true
		}

		if err := rc.Connect(context.Background(), ""); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		defer rc.Disconnect()
		rc.Subscribe(7)
		waitFor(t, "initial subscribe", func() bool { return len(s.messages()) >= 2 })

		s.dropConnection()

		waitFor(t, "reconnect", func() bool { return s.acceptCount() == 2 })
		waitFor(t, "replayed handshake", func() bool { return len(s.messages()) >= 4 })

		msgs := s.messages()
		if msgs[2].Type != "authenticate" || msgs[2].Token != "ws-token" {
			t.Errorf("msg[2] = %+v, want fresh authenticate", msgs[2])
		}
		if msgs[3].Type != "subscribe_project" || msgs[3].ProjectID != 7 {
			t.Errorf("msg[3] = %+v, want replayed subscription for project 7", msgs[3])
		}

		mu.Lock()
		defer mu.Unlock()
		if len(delays) != 1 || delays[0] != 1*time.Second {
			t.Errorf("reconnect delays = %v, want [1s]", delays)
		}

		// A successful open resets the attempt counter.
		if attempt, delay, ok := rc.recon.next(); !ok || attempt != 1 || delay != 1*time.Second {
			t.Errorf("counter after reconnect: (%d, %s, %v), want reset to attempt 1", attempt, delay, ok)
		}
	})

	t.Run("exhausts the backoff schedule and emits a permanent error", func(t *testing.T) {
		s := newWSServer(t)
		rc := newTestRealtime(s, nil)

		var mu sync.Mutex
		var delays []time.Duration
		rc.sleepFn = func(d time.Duration) bool {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
			return true
		}

		permanent := make(chan ErrorPayload, 1)
		rc.On("error", func(ev Event) {
			if p, err := ev.Err(); err == nil && p.Permanent {
				select {
				case permanent <- *p:
				default:
				}
			}
		})

		if err := rc.Connect(context.Background(), ""); err != nil {
			t.Fatalf("Connect: %v", err)
		}

		// Take the listener down so every reconnect attempt fails, then drop
		// the live connection; closing the server alone leaves hijacked
		// WebSocket connections open.
		s.srv.Close()
		s.dropConnection()

		select {
		case <-permanent:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for the permanent error event")
		}

		mu.Lock()
		got := make([]time.Duration, len(delays))
		copy(got, delays)
		mu.Unlock()
		want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
		if len(got) != len(want) {
			t.Fatalf("reconnect delays = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("delay %d = %s, want %s", i+1, got[i], want[i])
			}
		}
		if rc.State() != StateDisconnected {
			t.Errorf("state = %s, want disconnected after exhaustion", rc.State())
		}
	})

	t.Run("explicit disconnect does not trigger reconnection", func(t *testing.T) {
		s := newWSServer(t)
		rc := newTestRealtime(s, nil)

		var mu sync.Mutex
		var reconnecting, disconnected bool
		rc.On("reconnecting", func(Event) { mu.Lock(); reconnecting = true; mu.Unlock() })
		rc.On("disconnected", func(Event) { mu.Lock(); disconnected = true; mu.Unlock() })

		if err := rc.Connect(context.Background(), ""); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if err := rc.Disconnect(); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}

		time.Sleep(100 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		if reconnecting || disconnected {
			t.Errorf("reconnecting=%v disconnected=%v, want no close events after explicit disconnect", reconnecting, disconnected)
		}
		if s.acceptCount() != 1 {
			t.Errorf("server saw %d connections, want 1", s.acceptCount())
		}
	})

	t.Run("disconnect during the backoff wait stops the loop", func(t *testing.T) {
		s := newWSServer(t)
		rc := newTestRealtime(s, &RealtimeConfig{ReconnectBaseDelay: 1 * time.Hour})

		if err := rc.Connect(context.Background(), ""); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		s.dropConnection()

		waitFor(t, "reconnecting state", func() bool { return rc.State() == StateReconnecting })
		if err := rc.Disconnect(); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}

		time.Sleep(100 * time.Millisecond)
		if s.acceptCount() != 1 {
			t.Errorf("server saw %d connections, want no reconnect after Disconnect", s.acceptCount())
		}
		if rc.State() != StateDisconnected {
			t.Errorf("state = %s, want disconnected", rc.State())
		}
	})

	t.Run("reconnect can be disabled", func(t *testing.T) {
		s := newWSServer(t)
		rc := newTestRealtime(s, &RealtimeConfig{DisableReconnect: true})

		slept := false
		rc.sleepFn = func(time.Duration) bool { slept = true; return false }

		disconnected := make(chan struct{}, 1)
		rc.On("disconnected", func(Event) {
			select {
			case disconnected <- struct{}{}:
			default:
			}
		})

		if err := rc.Connect(context.Background(), ""); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		s.dropConnection()

		select {
		case <-disconnected:
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for disconnected event")
		}
		time.Sleep(50 * time.Millisecond)
		if slept || s.acceptCount() != 1 {
			t.Errorf("slept=%v accepts=%d, want no reconnect attempts", slept, s.acceptCount())
		}
	})
}

func TestRealtimeKeepalive(t *testing.T) {
	s := newWSServer(t)
	rc := newTestRealtime(s, &RealtimeConfig{PingInterval: 20 * time.Millisecond})

	if err := rc.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer rc.Disconnect()

	waitFor(t, "keepalive ping", func() bool {
		for _, msg := range s.messages() {
			if msg.Type == "ping" {
				return true
			}
		}
		return false
	})
}
