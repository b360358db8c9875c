package msgsync

import (
	"sync"

	"go.uber.org/zap"
)

// SendFailure is published when an optimistic send is rolled back.
type SendFailure struct {
	TempID         string
	ConversationID string
	Content        string
	Err            error
}

// notifier delivers change and failure events in order from its own
// goroutine, so listeners may call back into the Engine.
type notifier struct {
	log *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []func()
	closed    bool
	onChange  []func(Change)
	onFailure []func(SendFailure)

	done chan struct{}
}

func newNotifier(log *zap.Logger) *notifier {
	n := &notifier{log: log, done: make(chan struct{})}
	n.cond = sync.NewCond(&n.mu)
	go n.run()
	return n
}

func (n *notifier) addChangeListener(fn func(Change)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onChange = append(n.onChange, fn)
}

func (n *notifier) addFailureListener(fn func(SendFailure)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onFailure = append(n.onFailure, fn)
}

func (n *notifier) change(ch Change) {
	n.enqueue(func() {
		n.mu.Lock()
		handlers := append([]func(Change){}, n.onChange...)
		n.mu.Unlock()
		for _, h := range handlers {
			n.call(func() { h(ch) })
		}
	})
}

func (n *notifier) sendFailed(f SendFailure) {
	n.enqueue(func() {
		n.mu.Lock()
		handlers := append([]func(SendFailure){}, n.onFailure...)
		n.mu.Unlock()
		for _, h := range handlers {
			n.call(func() { h(f) })
		}
	})
}

// flush blocks until every event queued before the call has been delivered.
func (n *notifier) flush() {
	done := make(chan struct{})
	if !n.enqueue(func() { close(done) }) {
		return
	}
	<-done
}

func (n *notifier) enqueue(fn func()) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.queue = append(n.queue, fn)
	n.cond.Signal()
	return true
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		for len(n.queue) == 0 && !n.closed {
			n.cond.Wait()
		}
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		fn := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()
		fn()
	}
}

func (n *notifier) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("listener panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

// close stops accepting events and waits for queued ones to drain.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.cond.Broadcast()
	n.mu.Unlock()
	<-n.done
}
