package planboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"nhooyr.io/websocket"
)

// ErrNoToken is returned by Connect when no token was supplied and the
// credential provider is empty. No transport is opened in that case.
var ErrNoToken = errors.New("planboard: no access token available")

const writeTimeout = 10 * time.Second

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client. The zero value is usable:
// reconnect enabled, 5 attempts, 1s base delay, 30s keepalive interval.
type RealtimeConfig struct {
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	PingInterval         time.Duration
	DisableReconnect     bool
	HTTPClient           *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

// reconnector tracks the reconnect attempt counter. Attempt N (1-based) is
// scheduled after baseDelay * 2^(N-1); the counter resets on a successful
// open.
type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxAttempts int
	attempt     int
}

// next increments the attempt counter and returns the delay before that
// attempt. ok is false once the counter is exhausted.
func (r *reconnector) next() (attempt int, delay time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempt >= r.maxAttempts {
		return r.attempt, 0, false
	}
	r.attempt++
	return r.attempt, r.baseDelay << (r.attempt - 1), true
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.mu.Unlock()
}

// ============================================================================
// RealtimeClient
// ============================================================================

// connectAttempt is the shared outcome of one in-flight connection attempt.
// Concurrent Connect calls wait on the same attempt instead of dialing twice.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// RealtimeClient owns the single long-lived WebSocket connection to the
// notification stream: authentication handshake, per-project topic
// subscriptions, keepalive pings, and bounded exponential-backoff reconnect
// after an unexpected close. Events are fanned out through an internal
// dispatcher via On/Off.
type RealtimeClient struct {
	baseURL string
	config  *RealtimeConfig
	creds   CredentialProvider

	mu            sync.Mutex
	conn          *websocket.Conn
	state         ConnState
	token         string
	explicitClose bool
	pending       *connectAttempt
	cancelFn      context.CancelFunc
	stop          chan struct{}
	topics        map[int64]struct{}

	dispatcher *dispatcher
	recon      *reconnector

	// sleepFn waits before a reconnect attempt; returns false when the wait
	// was interrupted by an explicit disconnect. Replaced in tests.
	sleepFn func(time.Duration) bool
}

// NewRealtimeClient creates a realtime client for the given API base URL.
// creds must not be nil; config may be nil for defaults. Call Connect to
// establish the connection.
func NewRealtimeClient(baseURL string, creds CredentialProvider, config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	rc := &RealtimeClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     &cfg,
		creds:      creds,
		state:      StateDisconnected,
		topics:     make(map[int64]struct{}),
		dispatcher: newDispatcher(),
		recon: &reconnector{
			baseDelay:   cfg.ReconnectBaseDelay,
			maxAttempts: cfg.MaxReconnectAttempts,
		},
	}
	rc.sleepFn = rc.waitBeforeReconnect
	return rc
}

// On registers a handler for an event type. Event types are exact strings:
// wire types such as "project_updated" or "notification_received", and the
// locally emitted "connected", "disconnected", "reconnecting" and "error".
func (rc *RealtimeClient) On(eventType string, h EventHandler) {
	rc.dispatcher.On(eventType, h)
}

// Off removes a handler registered with On, by exact function reference.
func (rc *RealtimeClient) Off(eventType string, h EventHandler) {
	rc.dispatcher.Off(eventType, h)
}

// State returns the current connection state.
func (rc *RealtimeClient) State() ConnState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// IsConnected reports whether the connection exists and is open.
func (rc *RealtimeClient) IsConnected() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.conn != nil && rc.state == StateConnected
}

// Connect establishes the WebSocket connection and sends the authentication
// handshake. token overrides the credential provider when non-empty; with no
// token available at all, Connect fails without opening a transport.
// Concurrent calls while an attempt is in flight share that attempt's
// outcome instead of opening a second connection.
func (rc *RealtimeClient) Connect(ctx context.Context, token string) error {
	rc.mu.Lock()
	if rc.state == StateConnected && rc.conn != nil {
		rc.mu.Unlock()
		return nil
	}
	if p := rc.pending; p != nil {
		rc.mu.Unlock()
		select {
		case <-p.done:
			return p.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if token == "" {
		token = rc.creds.AccessToken()
	}
	if token == "" {
		rc.mu.Unlock()
		return ErrNoToken
	}
	p := &connectAttempt{done: make(chan struct{})}
	rc.pending = p
	rc.state = StateConnecting
	rc.explicitClose = false
	rc.token = token
	if rc.stop == nil {
		rc.stop = make(chan struct{})
	}
	rc.mu.Unlock()

	err := rc.dial(ctx, token)

	rc.mu.Lock()
	rc.pending = nil
	rc.mu.Unlock()
	p.err = err
	close(p.done)
	return err
}

func (rc *RealtimeClient) dial(ctx context.Context, token string) error {
	wsURL := websocketURL(rc.baseURL) + "/ws/notifications/?token=" + url.QueryEscape(token)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: rc.config.HTTPClient,
	})
	if err != nil {
		rc.setState(StateDisconnected)
		rc.emitError(fmt.Sprintf("websocket dial: %v", err), false)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// Authentication handshake. Authorization is enforced by the token in
	// the connect URL; this message is the in-band confirmation.
	if err := writeMessage(ctx, conn, outboundMessage{Type: "authenticate", Token: token}); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		rc.setState(StateDisconnected)
		rc.emitError(fmt.Sprintf("authenticate: %v", err), false)
		return fmt.Errorf("send authenticate: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())

	rc.mu.Lock()
	rc.conn = conn
	rc.state = StateConnected
	rc.cancelFn = cancel
	replay := make([]int64, 0, len(rc.topics))
	for id := range rc.topics {
		replay = append(replay, id)
	}
	rc.mu.Unlock()
	rc.recon.reset()

	// Replay topic subscriptions from before the reconnect; the server-side
	// group membership does not survive a new connection.
	for _, id := range replay {
		if err := writeMessage(connCtx, conn, outboundMessage{Type: "subscribe_project", ProjectID: id}); err != nil {
			glog.Warningf("planboard: replay subscribe project %d: %v", id, err)
		}
	}

	rc.dispatcher.Emit(Event{Type: "connected", Data: json.RawMessage(`{}`)})
	glog.V(1).Infof("planboard: realtime connected to %s", rc.baseURL)

	go rc.readLoop(connCtx, conn)
	go rc.pingLoop(connCtx)
	return nil
}

// Disconnect closes the connection if open. It is idempotent, suppresses the
// reconnect logic, and cancels a pending reconnect wait.
func (rc *RealtimeClient) Disconnect() error {
	rc.mu.Lock()
	rc.explicitClose = true
	rc.state = StateDisconnected
	if rc.stop != nil {
		close(rc.stop)
		rc.stop = nil
	}
	cancel := rc.cancelFn
	rc.cancelFn = nil
	conn := rc.conn
	rc.conn = nil
	rc.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe asks the server to stream updates for a project. It is a silent
// no-op while disconnected; delivery is not guaranteed across reconnects,
// but successfully subscribed topics are replayed after an automatic
// reconnect.
func (rc *RealtimeClient) Subscribe(projectID int64) {
	if !rc.sendControl(outboundMessage{Type: "subscribe_project", ProjectID: projectID}) {
		return
	}
	rc.mu.Lock()
	rc.topics[projectID] = struct{}{}
	rc.mu.Unlock()
}

// Unsubscribe stops the update stream for a project. Silent no-op while
// disconnected.
func (rc *RealtimeClient) Unsubscribe(projectID int64) {
	rc.mu.Lock()
	delete(rc.topics, projectID)
	rc.mu.Unlock()
	rc.sendControl(outboundMessage{Type: "unsubscribe_project", ProjectID: projectID})
}

func (rc *RealtimeClient) sendControl(msg outboundMessage) bool {
	rc.mu.Lock()
	conn := rc.conn
	open := rc.state == StateConnected
	rc.mu.Unlock()
	if conn == nil || !open {
		glog.V(1).Infof("planboard: dropping %s while disconnected", msg.Type)
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := writeMessage(ctx, conn, msg); err != nil {
		glog.Warningf("planboard: send %s: %v", msg.Type, err)
		return false
	}
	return true
}

// ============================================================================
// Loops
// ============================================================================

func (rc *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.handleClose(err)
			return
		}

		var probe struct {
			Type string `json:"type"`
		}
		if jerr := json.Unmarshal(data, &probe); jerr != nil || probe.Type == "" {
			glog.V(1).Infof("planboard: dropping malformed realtime message: %v", jerr)
			continue
		}
		if probe.Type == "pong" {
			glog.V(2).Info("planboard: keepalive pong")
		}

		rc.dispatcher.Emit(Event{Type: probe.Type, Data: data})
	}
}

func (rc *RealtimeClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(rc.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !rc.sendControl(outboundMessage{Type: "ping"}) {
				return
			}
		}
	}
}

func (rc *RealtimeClient) handleClose(cause error) {
	rc.mu.Lock()
	explicit := rc.explicitClose
	cancel := rc.cancelFn
	rc.cancelFn = nil
	rc.conn = nil
	if rc.state == StateConnected {
		rc.state = StateDisconnected
	}
	rc.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if explicit {
		return
	}

	glog.V(1).Infof("planboard: realtime connection closed: %v", cause)
	rc.emitError(fmt.Sprintf("connection closed: %v", cause), false)
	rc.dispatcher.Emit(Event{Type: "disconnected", Data: json.RawMessage(`{}`)})

	if !rc.config.DisableReconnect {
		rc.reconnectLoop()
	}
}

// reconnectLoop drives bounded reconnection after an unexpected close. It
// runs on the goroutine that observed the close; a fresh successful open
// resets the attempt counter, an explicit Disconnect interrupts the wait.
func (rc *RealtimeClient) reconnectLoop() {
	for {
		attempt, delay, ok := rc.recon.next()
		if !ok {
			rc.setState(StateDisconnected)
			rc.emitError("realtime connection lost: reconnect attempts exhausted", true)
			return
		}

		rc.setState(StateReconnecting)
		rc.emitReconnecting(attempt, delay)

		if !rc.sleepFn(delay) {
			return
		}
		rc.mu.Lock()
		token := rc.token
		explicit := rc.explicitClose
		rc.mu.Unlock()
		if explicit {
			return
		}

		if err := rc.Connect(context.Background(), token); err == nil {
			return
		}
	}
}

func (rc *RealtimeClient) waitBeforeReconnect(d time.Duration) bool {
	rc.mu.Lock()
	stop := rc.stop
	rc.mu.Unlock()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	}
}

// ============================================================================
// Helpers
// ============================================================================

func (rc *RealtimeClient) setState(s ConnState) {
	rc.mu.Lock()
	rc.state = s
	rc.mu.Unlock()
}

func (rc *RealtimeClient) emitError(message string, permanent bool) {
	data, _ := json.Marshal(ErrorPayload{Message: message, Permanent: permanent})
	rc.dispatcher.Emit(Event{Type: "error", Data: data})
}

func (rc *RealtimeClient) emitReconnecting(attempt int, delay time.Duration) {
	data, _ := json.Marshal(struct {
		Attempt int   `json:"attempt"`
		DelayMS int64 `json:"delay_ms"`
	}{attempt, delay.Milliseconds()})
	rc.dispatcher.Emit(Event{Type: "reconnecting", Data: data})
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg outboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func websocketURL(baseURL string) string {
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	return strings.Replace(u, "http://", "ws://", 1)
}
