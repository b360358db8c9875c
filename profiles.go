package msgsync

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// profileCache resolves sender profiles once per user id.
type profileCache struct {
	gw  *gateway
	log *zap.Logger

	mu       sync.RWMutex
	profiles map[string]UserProfile
	group    singleflight.Group
}

func newProfileCache(gw *gateway, log *zap.Logger) *profileCache {
	return &profileCache{gw: gw, log: log, profiles: make(map[string]UserProfile)}
}

func (c *profileCache) cached(id string) (UserProfile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.profiles[id]
	return p, ok
}

// resolve returns the profile of id. A failed lookup yields a placeholder
// profile which is not cached.
func (c *profileCache) resolve(ctx context.Context, id string) UserProfile {
	if p, ok := c.cached(id); ok {
		return p
	}
	v, err, _ := c.group.Do(id, func() (any, error) {
		p, err := c.gw.lookupUser(ctx, id)
		if err != nil {
			return nil, err
		}
		if p.ID == "" {
			p.ID = id
		}
		c.mu.Lock()
		c.profiles[id] = p
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		c.log.Warn("sender lookup failed", zap.String("user", id), zap.Error(err))
		return fallbackProfile(id)
	}
	return v.(UserProfile)
}

// attach fills Sender on every message, resolving distinct senders concurrently.
func (c *profileCache) attach(ctx context.Context, msgs []Message, limit int) {
	ids := make(map[string]struct{})
	for _, m := range msgs {
		if m.Sender == nil {
			ids[m.SenderID] = struct{}{}
		}
	}
	if len(ids) == 0 {
		return
	}

	var mu sync.Mutex
	resolved := make(map[string]UserProfile, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for id := range ids {
		g.Go(func() error {
			p := c.resolve(gctx, id)
			mu.Lock()
			resolved[id] = p
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for i := range msgs {
		if msgs[i].Sender == nil {
			p := resolved[msgs[i].SenderID]
			msgs[i].Sender = &p
		}
	}
}

func fallbackProfile(id string) UserProfile {
	return UserProfile{ID: id, Name: "Unknown user"}
}
