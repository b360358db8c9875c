// Package redispush carries push envelopes over Redis Pub/Sub so that
// several server processes, or a client with direct Redis access, share one
// event stream.
package redispush

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SK3CHI3/MMU-E-LRNG/msgsync"
)

// DefaultPrefix namespaces Redis channels.
const DefaultPrefix = "msgsync:"

// NewClient connects to the Redis server at url and checks it with PING.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

func channelName(prefix, topic string) string { return prefix + topic }

func decode(prefix string, msg *redis.Message) (msgsync.PushEnvelope, error) {
	var env msgsync.PushEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		return env, fmt.Errorf("decode %s: %w", msg.Channel, err)
	}
	if env.Topic == "" {
		env.Topic = strings.TrimPrefix(msg.Channel, prefix)
	}
	return env, nil
}

// ============================================================================
// Publisher
// ============================================================================

// Publisher publishes envelopes to the Redis channel of their topic.
type Publisher struct {
	client redis.UniversalClient
	prefix string
}

var _ msgsync.Publisher = (*Publisher)(nil)

// NewPublisher creates a publisher. An empty prefix uses DefaultPrefix.
func NewPublisher(client redis.UniversalClient, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{client: client, prefix: prefix}
}

func (p *Publisher) Publish(ctx context.Context, env msgsync.PushEnvelope) error {
	if env.Topic == "" {
		return errors.New("redis: envelope without topic")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, channelName(p.prefix, env.Topic), data).Err()
}

// ============================================================================
// Channel
// ============================================================================

// Channel is a msgsync.PushChannel reading topics from Redis Pub/Sub. Each
// subscription holds its own Pub/Sub connection; a receive error ends it and
// reports a disconnect.
type Channel struct {
	client redis.UniversalClient
	prefix string
	log    *zap.Logger

	mu        sync.Mutex
	listeners []func(bool, error)
	subs      map[*subscription]struct{}
}

var _ msgsync.PushChannel = (*Channel)(nil)

// NewChannel creates a channel. An empty prefix uses DefaultPrefix.
func NewChannel(client redis.UniversalClient, prefix string, log *zap.Logger) *Channel {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{
		client: client,
		prefix: prefix,
		log:    log.Named("redis"),
		subs:   make(map[*subscription]struct{}),
	}
}

func (c *Channel) OnConnectionChange(fn func(connected bool, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Channel) emit(connected bool, err error) {
	c.mu.Lock()
	fns := append([]func(bool, error){}, c.listeners...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(connected, err)
	}
}

// Subscribe returns once Redis has confirmed the subscription.
func (c *Channel) Subscribe(ctx context.Context, topic string, onEvent func(msgsync.PushEnvelope)) (msgsync.Subscription, error) {
	ps := c.client.Subscribe(ctx, channelName(c.prefix, topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", topic, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{ch: c, topic: topic, ps: ps, cancel: cancel}
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	go sub.receive(loopCtx, onEvent)
	return sub, nil
}

// Close ends every subscription.
func (c *Channel) Close() error {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return nil
}

type subscription struct {
	ch     *Channel
	topic  string
	ps     *redis.PubSub
	cancel context.CancelFunc
	once   sync.Once
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.ps.Close()
		s.ch.mu.Lock()
		delete(s.ch.subs, s)
		s.ch.mu.Unlock()
	})
	return err
}

func (s *subscription) receive(ctx context.Context, onEvent func(msgsync.PushEnvelope)) {
	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			s.ch.log.Warn("receive failed", zap.String("topic", s.topic), zap.Error(err))
			_ = s.Unsubscribe()
			s.ch.emit(false, err)
			return
		}
		env, err := decode(s.ch.prefix, msg)
		if err != nil {
			s.ch.log.Debug("dropping message", zap.Error(err))
			continue
		}
		onEvent(env)
	}
}

// ============================================================================
// Bridge
// ============================================================================

// Bridge forwards every envelope published under prefix to pub until ctx is
// done. Servers use it to fan Redis events out to locally connected clients.
func Bridge(ctx context.Context, client redis.UniversalClient, prefix string, pub msgsync.Publisher, log *zap.Logger) error {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if log == nil {
		log = zap.NewNop()
	}
	ps := client.PSubscribe(ctx, prefix+"*")
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("redis: psubscribe: %w", err)
	}

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// go-redis reconnects the Pub/Sub connection on the next receive.
			log.Warn("bridge receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		env, err := decode(prefix, msg)
		if err != nil {
			log.Debug("dropping message", zap.Error(err))
			continue
		}
		if err := pub.Publish(ctx, env); err != nil {
			log.Warn("bridge publish failed", zap.String("topic", env.Topic), zap.Error(err))
		}
	}
}
