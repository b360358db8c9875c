package msgsync

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire types
// ============================================================================

// Control message types exchanged over the WebSocket alongside push events.
const (
	TypeAuthenticated = "authenticated"
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
	TypeAck           = "ack"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeError         = "error"
)

// AuthenticatedPayload is sent by the server when a connection is accepted.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// TopicPayload is the payload of subscribe and unsubscribe commands.
type TopicPayload struct {
	Topic string `json:"topic"`
}

// AckPayload answers a command carrying a request id.
type AckPayload struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error,omitempty"`
}

// RealtimeCommand is a client-to-server command (WebSocket only).
type RealtimeCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures push channels.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	// CommandTimeout bounds the wait for a subscribe acknowledgement or pong.
	CommandTimeout time.Duration
	// StaleAfter closes an SSE stream that has been silent for this long.
	StaleAfter time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 10 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 45 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Topic registry
// ============================================================================

// topicHandlers maps topics to local callbacks. Callers hold their own lock.
type topicHandlers struct {
	next uint64
	subs map[string]map[uint64]func(PushEnvelope)
}

func newTopicHandlers() topicHandlers {
	return topicHandlers{subs: make(map[string]map[uint64]func(PushEnvelope))}
}

func (t *topicHandlers) add(topic string, fn func(PushEnvelope)) (id uint64, first bool) {
	t.next++
	if t.subs[topic] == nil {
		t.subs[topic] = make(map[uint64]func(PushEnvelope))
	}
	first = len(t.subs[topic]) == 0
	t.subs[topic][t.next] = fn
	return t.next, first
}

// remove deletes id and reports whether topic has no handlers left.
func (t *topicHandlers) remove(topic string, id uint64) (removed, last bool) {
	hs := t.subs[topic]
	if _, ok := hs[id]; !ok {
		return false, false
	}
	delete(hs, id)
	if len(hs) == 0 {
		delete(t.subs, topic)
		return true, true
	}
	return true, false
}

func (t *topicHandlers) handlers(topic string) []func(PushEnvelope) {
	hs := t.subs[topic]
	out := make([]func(PushEnvelope), 0, len(hs))
	for _, fn := range hs {
		out = append(out, fn)
	}
	return out
}

func (t *topicHandlers) reset() {
	t.subs = make(map[string]map[uint64]func(PushEnvelope))
}

// connListeners fans connection changes out to registered listeners.
type connListeners struct {
	mu  sync.RWMutex
	fns []func(bool, error)
}

func (l *connListeners) add(fn func(bool, error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fns = append(l.fns, fn)
}

func (l *connListeners) emit(connected bool, err error) {
	l.mu.RLock()
	fns := append([]func(bool, error){}, l.fns...)
	l.mu.RUnlock()
	for _, fn := range fns {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			fn(connected, err)
		}()
	}
}

// ============================================================================
// Reconnector (exponential backoff)
// ============================================================================

type reconnector struct {
	clock       clock.Clock
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(clk clock.Clock, baseDelay, maxDelay time.Duration, maxAttempts int) *reconnector {
	return &reconnector{
		clock:       clk,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		maxAttempts: maxAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = r.clock.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && r.clock.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// WSChannel
// ============================================================================

// WSChannel is a WebSocket PushChannel with auto-reconnect and heartbeat.
// Topics are registered with subscribe commands; a reconnect starts with no
// registered topics and subscribers must subscribe again.
type WSChannel struct {
	baseURL   string
	config    *RealtimeConfig
	log       *zap.Logger
	recon     *reconnector
	listeners connListeners

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	topics           topicHandlers

	pendingMu sync.Mutex
	counter   int
	pending   map[string]chan AckPayload
}

var _ PushChannel = (*WSChannel)(nil)

// NewWSChannel creates a WebSocket channel for the server at baseURL.
// Call Connect before subscribing.
func NewWSChannel(baseURL string, config *RealtimeConfig) *WSChannel {
	cfg := RealtimeConfig{AutoReconnect: true}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &WSChannel{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  &cfg,
		log:     cfg.Logger.Named("realtime"),
		recon:   newReconnector(clock.New(), cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay, cfg.MaxReconnectAttempts),
		state:   StateDisconnected,
		topics:  newTopicHandlers(),
		pending: make(map[string]chan AckPayload),
	}
}

// State returns the current connection state.
func (ws *WSChannel) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *WSChannel) OnConnectionChange(fn func(connected bool, err error)) {
	ws.listeners.add(fn)
}

func (ws *WSChannel) wsURL() string {
	u := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + url.QueryEscape(ws.config.Token)
}

// Connect establishes the WebSocket connection.
func (ws *WSChannel) Connect(ctx context.Context) error {
	if err := ws.connect(ctx); err != nil {
		return err
	}
	ws.listeners.emit(true, nil)
	return nil
}

func (ws *WSChannel) connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, ws.wsURL(), &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// The first frame must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}
	var env PushEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != TypeAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("expected %q, got %q", TypeAuthenticated, env.Type)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	ws.topics.reset()
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.log.Debug("connected", zap.String("url", ws.baseURL))

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)
	return nil
}

func (ws *WSChannel) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

// Disconnect gracefully closes the connection and stops reconnecting.
func (ws *WSChannel) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.topics.reset()
	ws.mu.Unlock()

	ws.clearPending()
	ws.recon.reset()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe registers onEvent for topic. The first local subscriber of a
// topic waits for the server acknowledgement.
func (ws *WSChannel) Subscribe(ctx context.Context, topic string, onEvent func(PushEnvelope)) (Subscription, error) {
	ws.mu.Lock()
	if ws.state != StateConnected {
		ws.mu.Unlock()
		return nil, ErrNotConnected
	}
	id, first := ws.topics.add(topic, onEvent)
	ws.mu.Unlock()

	sub := &wsSubscription{ch: ws, topic: topic, id: id}
	if !first {
		return sub, nil
	}
	if err := ws.command(ctx, TypeSubscribe, TopicPayload{Topic: topic}); err != nil {
		ws.mu.Lock()
		ws.topics.remove(topic, id)
		ws.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

func (ws *WSChannel) unsubscribe(topic string, id uint64) error {
	ws.mu.Lock()
	removed, last := ws.topics.remove(topic, id)
	connected := ws.state == StateConnected
	ws.mu.Unlock()
	if !removed || !last || !connected {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), ws.config.CommandTimeout)
	defer cancel()
	return ws.command(ctx, TypeUnsubscribe, TopicPayload{Topic: topic})
}

// command sends a command and waits for its acknowledgement.
func (ws *WSChannel) command(ctx context.Context, typ string, payload any) error {
	ws.pendingMu.Lock()
	ws.counter++
	requestID := fmt.Sprintf("%s-%d", typ, ws.counter)
	ch := make(chan AckPayload, 1)
	ws.pending[requestID] = ch
	ws.pendingMu.Unlock()

	defer func() {
		ws.pendingMu.Lock()
		delete(ws.pending, requestID)
		ws.pendingMu.Unlock()
	}()

	if err := ws.send(ctx, &RealtimeCommand{Type: typ, Payload: payload, RequestID: requestID}); err != nil {
		return err
	}

	timer := time.NewTimer(ws.config.CommandTimeout)
	defer timer.Stop()
	select {
	case ack, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		if ack.Error != "" {
			return fmt.Errorf("%s rejected: %s", typ, ack.Error)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s timeout", typ)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ws *WSChannel) send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the pong.
func (ws *WSChannel) Ping(ctx context.Context) error {
	return ws.command(ctx, TypePing, nil)
}

func (ws *WSChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if !intentional {
				ws.state = StateDisconnected
				ws.conn = nil
				ws.topics.reset()
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.clearPending()
			ws.log.Warn("connection lost", zap.Error(err))
			ws.listeners.emit(false, err)

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect()
			}
			return
		}

		var env PushEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case TypeAck, TypePong:
			var ack AckPayload
			if json.Unmarshal(env.Payload, &ack) == nil && ack.RequestID != "" {
				ws.resolve(ack)
			}
		case TypeError:
			ws.log.Warn("server error", zap.ByteString("payload", env.Payload))
		case TypeAuthenticated:
		default:
			ws.mu.Lock()
			handlers := ws.topics.handlers(env.Topic)
			ws.mu.Unlock()
			for _, fn := range handlers {
				fn(env)
			}
		}
	}
}

func (ws *WSChannel) resolve(ack AckPayload) {
	ws.pendingMu.Lock()
	ch, ok := ws.pending[ack.RequestID]
	if ok {
		delete(ws.pending, ack.RequestID)
	}
	ws.pendingMu.Unlock()
	if ok {
		ch <- ack
	}
}

func (ws *WSChannel) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if err := ws.Ping(ctx); err != nil {
				// Heartbeat failed, force close so the read loop reconnects.
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *WSChannel) scheduleReconnect() {
	for {
		delay := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.log.Info("reconnecting", zap.Int("attempt", ws.recon.attempt), zap.Duration("delay", delay))

		<-ws.recon.clock.After(delay)

		ws.mu.Lock()
		intentional := ws.intentionalClose
		ws.mu.Unlock()
		if intentional {
			return
		}

		ws.setState(StateDisconnected)
		ctx, cancel := context.WithTimeout(context.Background(), ws.config.CommandTimeout)
		err := ws.connect(ctx)
		cancel()
		if err == nil {
			ws.listeners.emit(true, nil)
			return
		}
		ws.log.Warn("reconnect failed", zap.Error(err))
		if !ws.config.AutoReconnect || !ws.recon.shouldReconnect() {
			ws.setState(StateDisconnected)
			ws.listeners.emit(false, err)
			return
		}
	}
}

func (ws *WSChannel) clearPending() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pending {
		close(ch)
		delete(ws.pending, k)
	}
	ws.pendingMu.Unlock()
}

type wsSubscription struct {
	ch    *WSChannel
	topic string
	id    uint64
}

func (s *wsSubscription) Topic() string      { return s.topic }
func (s *wsSubscription) Unsubscribe() error { return s.ch.unsubscribe(s.topic, s.id) }

// ============================================================================
// SSEChannel
// ============================================================================

// SSEChannel is a server-push-only PushChannel holding one event stream per
// subscription. A stream that ends unexpectedly reports a disconnect; the
// subscriber is expected to subscribe again.
type SSEChannel struct {
	baseURL   string
	config    *RealtimeConfig
	log       *zap.Logger
	listeners connListeners

	mu      sync.Mutex
	streams map[*sseSubscription]struct{}
}

var _ PushChannel = (*SSEChannel)(nil)

// NewSSEChannel creates an SSE channel for the server at baseURL.
func NewSSEChannel(baseURL string, config *RealtimeConfig) *SSEChannel {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &SSEChannel{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  &cfg,
		log:     cfg.Logger.Named("realtime"),
		streams: make(map[*sseSubscription]struct{}),
	}
}

func (c *SSEChannel) OnConnectionChange(fn func(connected bool, err error)) {
	c.listeners.add(fn)
}

// Subscribe opens an event stream for topic and returns once the server
// has accepted it.
func (c *SSEChannel) Subscribe(ctx context.Context, topic string, onEvent func(PushEnvelope)) (Subscription, error) {
	q := url.Values{}
	q.Set("topic", topic)
	if c.config.Token != "" {
		q.Set("token", c.config.Token)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+"/sse?"+q.Encode(), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := c.config.HTTPClient.Do(req)
		done <- result{resp, err}
	}()

	var resp *http.Response
	select {
	case r := <-done:
		if r.err != nil {
			cancel()
			return nil, fmt.Errorf("SSE connect: %w", r.err)
		}
		resp = r.resp
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	sub := &sseSubscription{ch: c, topic: topic, cancel: cancel, lastData: time.Now()}
	c.mu.Lock()
	c.streams[sub] = struct{}{}
	c.mu.Unlock()

	go sub.readLoop(streamCtx, resp, onEvent)
	go sub.watchdog(streamCtx)
	return sub, nil
}

// Close ends every open stream.
func (c *SSEChannel) Close() error {
	c.mu.Lock()
	subs := make([]*sseSubscription, 0, len(c.streams))
	for s := range c.streams {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return nil
}

type sseSubscription struct {
	ch     *SSEChannel
	topic  string
	cancel context.CancelFunc

	mu          sync.Mutex
	lastData    time.Time
	intentional bool
}

func (s *sseSubscription) Topic() string { return s.topic }

func (s *sseSubscription) Unsubscribe() error {
	s.mu.Lock()
	s.intentional = true
	s.mu.Unlock()
	s.cancel()
	s.ch.mu.Lock()
	delete(s.ch.streams, s)
	s.ch.mu.Unlock()
	return nil
}

func (s *sseSubscription) readLoop(ctx context.Context, resp *http.Response, onEvent func(PushEnvelope)) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}

		line := scanner.Text()
		s.mu.Lock()
		s.lastData = time.Now()
		s.mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if strings.HasPrefix(line, "data: ") {
			var env PushEnvelope
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env) != nil {
				continue
			}
			if env.Topic == "" {
				env.Topic = s.topic
			}
			if env.Topic == s.topic {
				onEvent(env)
			}
		}
	}

	s.mu.Lock()
	intentional := s.intentional
	s.mu.Unlock()
	s.cancel()
	s.ch.mu.Lock()
	delete(s.ch.streams, s)
	s.ch.mu.Unlock()
	if intentional {
		return
	}

	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("stream %s ended", s.topic)
	}
	s.ch.log.Warn("stream lost", zap.String("topic", s.topic), zap.Error(err))
	s.ch.listeners.emit(false, err)
}

func (s *sseSubscription) watchdog(ctx context.Context) {
	ticker := time.NewTicker(s.ch.config.StaleAfter / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := time.Since(s.lastData) > s.ch.config.StaleAfter
			s.mu.Unlock()
			if stale {
				s.cancel()
				return
			}
		}
	}
}
