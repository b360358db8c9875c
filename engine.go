// Package msgsync keeps a user's conversation list and message timelines
// consistent across optimistic sends, server-confirmed writes and push events.
//
// Usage:
//
//	backend := msgsync.NewHTTPBackend(msgsync.WithBaseURL("http://localhost:8080"))
//	push := msgsync.NewWSChannel("http://localhost:8080", &msgsync.RealtimeConfig{Token: "u1", AutoReconnect: true})
//	if err := push.Connect(ctx); err != nil {
//		return err
//	}
//	engine := msgsync.NewEngine("u1", backend, push, nil)
//	defer engine.Close()
//
//	engine.OnChange(func(msgsync.Change) { render(engine.ListConversations()) })
//	_ = engine.Start(ctx)
//	_ = engine.OpenConversation(ctx, "c1")
//	out, _ := engine.SendOptimistic(ctx, "c1", "hello")
//	msg, err := out.Wait(ctx)
package msgsync

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Engine is the UI-facing facade. Store access is confined to a single loop
// goroutine; backend and push I/O runs elsewhere and posts patches back.
type Engine struct {
	userID string
	cfg    Config
	log    *zap.Logger
	clock  clock.Clock

	gw       *gateway
	store    *Store
	notify   *notifier
	profiles *profileCache
	subs     *subscriptionManager
	sender   *sendController
	reads    *readTracker
	refresh  singleflight.Group
	degraded atomic.Bool

	// openID is confined to the loop.
	openID string

	tasks    chan func()
	quit     chan struct{}
	loopDone chan struct{}

	bg     context.Context
	cancel context.CancelFunc

	asyncMu sync.Mutex
	closing bool
	wg      sync.WaitGroup

	// Pushed messages wait here for sender resolution so transports never
	// block on a lookup. One drain goroutine at a time keeps push order.
	ingestMu   sync.Mutex
	ingestQ    []pushedMessage
	ingestDone chan struct{}

	closeOnce sync.Once
}

// NewEngine creates an engine for userID. It starts the loop goroutine but
// performs no I/O until Start.
func NewEngine(userID string, backend Backend, push PushChannel, cfg *Config) *Engine {
	c := cfg.withDefaults()
	bg, cancel := context.WithCancel(context.Background())
	e := &Engine{
		userID:   userID,
		cfg:      c,
		log:      c.Logger.Named("engine"),
		clock:    c.Clock,
		gw:       &gateway{backend: backend, timeout: c.CallTimeout},
		store:    NewStore(&c),
		tasks:    make(chan func(), 256),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		bg:       bg,
		cancel:   cancel,
	}
	e.notify = newNotifier(e.log)
	e.profiles = newProfileCache(e.gw, e.log)
	e.subs = newSubscriptionManager(e, push, c.Logger.Named("subscriptions"))
	e.sender = &sendController{e: e, log: e.log}
	e.reads = &readTracker{e: e, log: e.log}

	e.store.OnChange(e.notify.change)
	push.OnConnectionChange(e.subs.connectionChanged)

	go e.loop()
	return e
}

// ============================================================================
// Loop
// ============================================================================

func (e *Engine) loop() {
	defer close(e.loopDone)
	for {
		select {
		case fn := <-e.tasks:
			fn()
		case <-e.quit:
			return
		}
	}
}

// post schedules fn on the loop. It must not be called from the loop.
func (e *Engine) post(fn func()) bool {
	select {
	case e.tasks <- fn:
		return true
	case <-e.quit:
		return false
	}
}

// do runs fn on the loop and waits for it. It must not be called from the loop.
func (e *Engine) do(fn func()) error {
	done := make(chan struct{})
	if !e.post(func() { fn(); close(done) }) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-e.quit:
		return ErrClosed
	}
}

// goAsync runs fn on a tracked goroutine. It returns false once Close has started.
func (e *Engine) goAsync(fn func()) bool {
	e.asyncMu.Lock()
	defer e.asyncMu.Unlock()
	if e.closing {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start subscribes to the user topic and loads the conversation list. A failed
// subscription is retried in the background; a failed fetch is recorded in
// ListError and returned.
func (e *Engine) Start(ctx context.Context) error {
	if e.isClosed() {
		return ErrClosed
	}
	_ = e.subs.start(ctx)
	return e.Refresh(ctx)
}

// Close releases subscriptions and stops every goroutine. It must not be
// called from a change listener.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.asyncMu.Lock()
		e.closing = true
		e.asyncMu.Unlock()

		e.cancel()
		close(e.quit)
		<-e.loopDone
		e.subs.close()
		e.wg.Wait()
		e.notify.close()
	})
	return nil
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.quit:
		return true
	default:
		return false
	}
}

// ============================================================================
// Observation
// ============================================================================

// OnChange registers a listener notified after every effective store change.
// Listeners run on a dedicated goroutine in order and may call the Engine.
func (e *Engine) OnChange(fn func(Change)) { e.notify.addChangeListener(fn) }

// OnSendFailed registers a listener notified when an optimistic send is rolled back.
func (e *Engine) OnSendFailed(fn func(SendFailure)) { e.notify.addFailureListener(fn) }

// ListConversations returns the conversation list, newest activity first.
func (e *Engine) ListConversations() []ConversationSummary {
	var out []ConversationSummary
	_ = e.do(func() { out = e.store.ListConversations() })
	return out
}

// Messages returns the timeline of a conversation with delivery states filled in.
func (e *Engine) Messages(conversationID string) []Message {
	var out []Message
	_ = e.do(func() { out = e.store.Messages(conversationID) })
	now := e.clock.Now()
	for i := range out {
		out[i].State = DeliveryStateOf(out[i], now, e.cfg.SendingWindow)
	}
	return out
}

// Conversation returns one conversation with its timeline.
func (e *Engine) Conversation(conversationID string) (Conversation, bool) {
	var (
		c  Conversation
		ok bool
	)
	_ = e.do(func() { c, ok = e.store.Conversation(conversationID) })
	now := e.clock.Now()
	for i := range c.Messages {
		c.Messages[i].State = DeliveryStateOf(c.Messages[i], now, e.cfg.SendingWindow)
	}
	return c, ok
}

// TotalUnread is the badge count across all conversations.
func (e *Engine) TotalUnread() int {
	var n int
	_ = e.do(func() { n = e.store.TotalUnread() })
	return n
}

// ListError is the error of the last failed list fetch, cleared by a successful one.
func (e *Engine) ListError() error {
	var err error
	_ = e.do(func() { err = e.store.ListError() })
	return err
}

// HistoryError is the error of the last failed history fetch of a conversation.
func (e *Engine) HistoryError(conversationID string) error {
	var err error
	_ = e.do(func() { err = e.store.HistoryError(conversationID) })
	return err
}

// TemporaryIDs lists temporary message ids still awaiting confirmation or rollback.
func (e *Engine) TemporaryIDs() []string {
	var ids []string
	_ = e.do(func() { ids = e.store.TemporaryIDs() })
	return ids
}

// Degraded reports that resubscription gave up and the engine only fetches.
func (e *Engine) Degraded() bool { return e.degraded.Load() }

// OpenConversationID returns the currently open conversation, if any.
func (e *Engine) OpenConversationID() string {
	var id string
	_ = e.do(func() { id = e.openID })
	return id
}

// sync waits until every pushed message, task and notification queued before
// the call has run.
func (e *Engine) sync() {
	e.ingestMu.Lock()
	done := e.ingestDone
	e.ingestMu.Unlock()
	if done != nil {
		<-done
	}
	_ = e.do(func() {})
	e.notify.flush()
}

// ============================================================================
// Operations
// ============================================================================

// Refresh fetches the conversation list and merges it into the store.
// Concurrent calls share one fetch.
func (e *Engine) Refresh(ctx context.Context) error {
	ch := e.refresh.DoChan("list", func() (any, error) {
		return nil, e.refreshList(e.bg)
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) refreshList(ctx context.Context) error {
	convs, err := e.gw.fetchConversations(ctx, e.userID)
	if err != nil {
		e.log.Warn("conversation list fetch failed", zap.Error(err))
		if perr := e.do(func() { e.store.Apply(FetchFailed{Err: err}) }); perr != nil {
			return perr
		}
		return err
	}
	return e.do(func() {
		for i := range convs {
			// The open conversation is being read.
			if convs[i].ID == e.openID {
				convs[i].UnreadCount = 0
			}
		}
		e.store.Apply(MergeList{Conversations: convs})
	})
}

func (e *Engine) refreshAsync() {
	e.goAsync(func() {
		if err := e.Refresh(e.bg); err != nil {
			e.log.Debug("background refresh failed", zap.Error(err))
		}
	})
}

// OpenConversation makes conversationID the active conversation: it rebinds
// the message subscription, zeroes the unread count and loads the history.
// The returned error is the history fetch error, also kept in HistoryError.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) error {
	var gen uint64
	err := e.do(func() {
		e.openID = conversationID
		gen = e.subs.nextGen()
		e.store.Apply(UpsertConversation{
			Conversation: ConversationSummary{ID: conversationID},
			IfAbsent:     true,
		})
		e.reads.opened(conversationID)
	})
	if err != nil {
		return err
	}
	if err := e.subs.bind(ctx, conversationID, gen); err != nil {
		e.log.Warn("opened without live updates", zap.String("conversation", conversationID), zap.Error(err))
	}
	return e.loadHistory(ctx, conversationID)
}

// CloseConversation drops the active conversation and its subscription.
func (e *Engine) CloseConversation() {
	var gen uint64
	if err := e.do(func() {
		e.openID = ""
		gen = e.subs.nextGen()
	}); err != nil {
		return
	}
	e.subs.unbind(gen)
}

// StartConversation finds or creates the direct conversation with peerID,
// adds it to the list if it is new and opens it.
func (e *Engine) StartConversation(ctx context.Context, peerID string) (string, error) {
	id, err := e.gw.findOrCreateConversation(ctx, e.userID, peerID)
	if err != nil {
		return "", err
	}
	if err := e.do(func() {
		e.store.Apply(UpsertConversation{
			Conversation: ConversationSummary{ID: id, ParticipantIDs: []string{e.userID, peerID}},
			IfAbsent:     true,
		})
	}); err != nil {
		return "", err
	}
	return id, e.OpenConversation(ctx, id)
}

// SendOptimistic appends a temporary message immediately and sends it in the
// background. The returned Outgoing settles on confirmation or rollback.
func (e *Engine) SendOptimistic(ctx context.Context, conversationID, content string) (*Outgoing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.sender.send(conversationID, content)
}

// loadHistory fetches the timeline of conversationID and merges it.
func (e *Engine) loadHistory(ctx context.Context, conversationID string) error {
	msgs, err := e.gw.fetchMessages(ctx, conversationID)
	if err != nil {
		e.log.Warn("history fetch failed", zap.String("conversation", conversationID), zap.Error(err))
		if perr := e.do(func() {
			e.store.Apply(FetchFailed{ConversationID: conversationID, Err: err})
		}); perr != nil {
			return perr
		}
		return err
	}
	e.profiles.attach(ctx, msgs, e.cfg.ProfileConcurrency)
	return e.do(func() {
		e.store.Apply(MergeHistory{ConversationID: conversationID, Messages: msgs})
	})
}

// pushedMessage is a message event of the conversation binding gen.
type pushedMessage struct {
	msg Message
	gen uint64
}

// enqueueIngest queues m for sender resolution and merging. It never blocks
// on I/O, so it is safe on a transport's dispatch goroutine.
func (e *Engine) enqueueIngest(m Message, gen uint64) {
	e.ingestMu.Lock()
	e.ingestQ = append(e.ingestQ, pushedMessage{msg: m, gen: gen})
	if e.ingestDone != nil {
		e.ingestMu.Unlock()
		return
	}
	done := make(chan struct{})
	e.ingestDone = done
	e.ingestMu.Unlock()

	if !e.goAsync(func() { e.drainIngest(done) }) {
		e.ingestMu.Lock()
		e.ingestQ = nil
		e.ingestDone = nil
		e.ingestMu.Unlock()
		close(done)
		e.log.Debug("push event after close", zap.String("message", m.ID))
	}
}

func (e *Engine) drainIngest(done chan struct{}) {
	defer close(done)
	for {
		e.ingestMu.Lock()
		if len(e.ingestQ) == 0 {
			e.ingestDone = nil
			e.ingestMu.Unlock()
			return
		}
		next := e.ingestQ[0]
		e.ingestQ[0] = pushedMessage{}
		e.ingestQ = e.ingestQ[1:]
		e.ingestMu.Unlock()

		e.ingest(next.msg, next.gen)
	}
}

// ingest resolves the sender of a pushed message and merges it unless the
// conversation was rebound meanwhile.
func (e *Engine) ingest(m Message, gen uint64) {
	if e.subs.gen.Load() != gen {
		return
	}
	p := e.profiles.resolve(e.bg, m.SenderID)
	m.Sender = &p
	posted := e.post(func() {
		// Rebinding bumps gen on the loop, so this check is exact.
		if e.subs.gen.Load() != gen {
			e.log.Debug("dropping message of a previous binding", zap.String("message", m.ID))
			return
		}
		e.store.Apply(AppendMessage{Message: m})
	})
	if !posted {
		e.log.Debug("push event after close", zap.String("message", m.ID))
	}
}
