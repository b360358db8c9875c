package msgsync

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// PushChannel is the realtime collaborator delivering events per topic.
// Delivery is at-least-once and unordered.
type PushChannel interface {
	// Subscribe registers onEvent for topic until the subscription is torn down
	// or the underlying connection drops.
	Subscribe(ctx context.Context, topic string, onEvent func(PushEnvelope)) (Subscription, error)
	// OnConnectionChange registers a listener for connection drops and recoveries.
	OnConnectionChange(fn func(connected bool, err error))
}

// Subscription is a live binding of a topic to a callback.
type Subscription interface {
	Topic() string
	Unsubscribe() error
}

// subscriptionManager keeps one user-level subscription for the session and
// at most one conversation-level subscription at a time.
type subscriptionManager struct {
	e       *Engine
	channel PushChannel
	log     *zap.Logger

	// opMu serializes subscribe and unsubscribe calls.
	opMu    sync.Mutex
	userSub Subscription
	convSub Subscription
	convID  string
	// convGen is the generation convID was bound with.
	convGen uint64

	// gen identifies the current conversation binding; events of older bindings are dropped.
	gen atomic.Uint64

	stateMu       sync.Mutex
	resubscribing bool
	pending       bool
	drops         int
	kick          chan struct{}
}

func newSubscriptionManager(e *Engine, channel PushChannel, log *zap.Logger) *subscriptionManager {
	return &subscriptionManager{
		e:       e,
		channel: channel,
		log:     log,
		kick:    make(chan struct{}, 1),
	}
}

// start registers the user-level subscription. A failure schedules resubscription.
func (m *subscriptionManager) start(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.userSub != nil {
		return nil
	}
	sub, err := m.subscribe(ctx, UserTopic(m.e.userID), m.onUserEvent)
	if err != nil {
		m.log.Warn("user subscription failed", zap.Error(err))
		m.scheduleResubscribe()
		return err
	}
	m.userSub = sub
	return nil
}

func (m *subscriptionManager) nextGen() uint64 { return m.gen.Add(1) }

// bind tears down the current conversation subscription and subscribes to
// conversationID. A request from an older generation is a no-op.
func (m *subscriptionManager) bind(ctx context.Context, conversationID string, gen uint64) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.gen.Load() != gen {
		return nil
	}
	m.teardownConversation()
	m.convID = conversationID
	m.convGen = gen

	sub, err := m.subscribe(ctx, ConversationTopic(conversationID), m.conversationHandler(conversationID, gen))
	if err != nil {
		m.log.Warn("conversation subscription failed",
			zap.String("conversation", conversationID), zap.Error(err))
		m.scheduleResubscribe()
		return err
	}
	m.convSub = sub
	return nil
}

// unbind drops the conversation subscription.
func (m *subscriptionManager) unbind(gen uint64) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.gen.Load() != gen {
		return
	}
	m.teardownConversation()
	m.convID = ""
	m.convGen = 0
}

func (m *subscriptionManager) teardownConversation() {
	if m.convSub == nil {
		return
	}
	if err := m.convSub.Unsubscribe(); err != nil {
		m.log.Debug("unsubscribe failed", zap.String("topic", m.convSub.Topic()), zap.Error(err))
	}
	m.convSub = nil
}

// close releases every subscription.
func (m *subscriptionManager) close() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.gen.Add(1)
	m.teardownConversation()
	if m.userSub != nil {
		_ = m.userSub.Unsubscribe()
		m.userSub = nil
	}
}

func (m *subscriptionManager) subscribe(ctx context.Context, topic string, fn func(PushEnvelope)) (Subscription, error) {
	sub, err := m.channel.Subscribe(ctx, topic, fn)
	if err != nil {
		return nil, &SubscriptionError{Topic: topic, Err: err}
	}
	return sub, nil
}

// ============================================================================
// Event handling
// ============================================================================

// onUserEvent refreshes the conversation list on any user-level event.
func (m *subscriptionManager) onUserEvent(env PushEnvelope) {
	if _, err := ParsePushEvent(env); err != nil {
		m.log.Debug("unrecognized user event", zap.String("type", env.Type), zap.Error(err))
	}
	m.e.refreshAsync()
}

func (m *subscriptionManager) conversationHandler(conversationID string, gen uint64) func(PushEnvelope) {
	return func(env PushEnvelope) {
		if m.gen.Load() != gen {
			return
		}
		ev, err := ParsePushEvent(env)
		if err != nil {
			m.log.Warn("dropping push event", zap.String("type", env.Type), zap.Error(err))
			return
		}
		switch ev := ev.(type) {
		case MessageInserted:
			if ev.Message.ConversationID != conversationID {
				m.log.Warn("dropping message for another conversation",
					zap.String("conversation", ev.Message.ConversationID),
					zap.String("bound", conversationID))
				return
			}
			m.e.enqueueIngest(ev.Message, gen)
		case ConversationChanged:
			m.e.refreshAsync()
		}
	}
}

// ============================================================================
// Resubscription
// ============================================================================

func (m *subscriptionManager) connectionChanged(connected bool, err error) {
	if !connected {
		m.log.Warn("push channel disconnected", zap.Error(err))
		m.scheduleResubscribe()
		return
	}
	m.stateMu.Lock()
	running, pending := m.resubscribing, m.pending
	if running {
		select {
		case m.kick <- struct{}{}:
		default:
		}
	}
	m.stateMu.Unlock()
	if !running && pending {
		m.scheduleResubscribe()
	}
}

// scheduleResubscribe starts the resubscribe loop unless one is running.
func (m *subscriptionManager) scheduleResubscribe() {
	m.stateMu.Lock()
	m.pending = true
	m.drops++
	if m.resubscribing {
		m.stateMu.Unlock()
		return
	}
	m.resubscribing = true
	m.stateMu.Unlock()

	if !m.e.goAsync(m.resubscribeLoop) {
		m.stateMu.Lock()
		m.resubscribing = false
		m.stateMu.Unlock()
	}
}

func (m *subscriptionManager) resubscribeLoop() {
	cfg := m.e.cfg
	r := newReconnector(m.e.clock, cfg.ResubscribeBaseDelay, cfg.ResubscribeMaxDelay, cfg.MaxResubscribeAttempts)
	ctx := m.e.bg
	for {
		m.stateMu.Lock()
		drops := m.drops
		m.stateMu.Unlock()

		err := m.resubscribe(ctx)
		if err == nil && m.finish(drops) {
			if m.e.degraded.Swap(false) {
				m.log.Info("push channel recovered")
			}
			m.catchUp(ctx)
			return
		}
		if ctx.Err() != nil {
			m.stop()
			return
		}
		if err == nil {
			// Dropped again while resubscribing.
			continue
		}

		m.log.Warn("resubscribe failed", zap.Int("attempt", r.attempt+1), zap.Error(err))
		if !r.shouldReconnect() {
			if m.giveUp() {
				m.log.Error("push unavailable, continuing in fetch-only mode", zap.Error(err))
				return
			}
			// A reconnect arrived meanwhile.
			r.reset()
			continue
		}
		select {
		case <-m.e.clock.After(r.nextDelay()):
		case <-m.kick:
		case <-ctx.Done():
			m.stop()
			return
		}
	}
}

// finish ends a successful loop unless another drop was reported since drops.
func (m *subscriptionManager) finish(drops int) bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.drops != drops {
		return false
	}
	m.pending = false
	m.resubscribing = false
	return true
}

// giveUp degrades the engine unless a reconnect kick is waiting.
func (m *subscriptionManager) giveUp() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	select {
	case <-m.kick:
		return false
	default:
	}
	m.resubscribing = false
	m.e.degraded.Store(true)
	return true
}

func (m *subscriptionManager) stop() {
	m.stateMu.Lock()
	m.resubscribing = false
	m.stateMu.Unlock()
}

// resubscribe re-registers the user topic and the bound conversation topic.
func (m *subscriptionManager) resubscribe(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.userSub != nil {
		_ = m.userSub.Unsubscribe()
		m.userSub = nil
	}
	sub, err := m.subscribe(ctx, UserTopic(m.e.userID), m.onUserEvent)
	if err != nil {
		return err
	}
	m.userSub = sub

	if m.convID == "" {
		return nil
	}
	m.teardownConversation()
	sub, err = m.subscribe(ctx, ConversationTopic(m.convID), m.conversationHandler(m.convID, m.convGen))
	if err != nil {
		return err
	}
	m.convSub = sub
	return nil
}

// catchUp reloads state that may have changed while events were missed.
func (m *subscriptionManager) catchUp(ctx context.Context) {
	m.opMu.Lock()
	convID := m.convID
	m.opMu.Unlock()

	if err := m.e.Refresh(ctx); err != nil {
		m.log.Warn("catch-up refresh failed", zap.Error(err))
	}
	if convID != "" {
		if err := m.e.loadHistory(ctx, convID); err != nil {
			m.log.Warn("catch-up history failed", zap.String("conversation", convID), zap.Error(err))
		}
	}
}
