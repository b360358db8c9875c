package msgsync

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Config configures an Engine. Zero values are replaced by defaults.
type Config struct {
	// MatchWindow bounds the created-at distance between a temporary message
	// and a server-confirmed message with equal sender and content.
	MatchWindow time.Duration
	// SendingWindow is how long a temporary message reports the Sending state.
	SendingWindow time.Duration
	// CallTimeout bounds every backend call.
	CallTimeout time.Duration
	// PreviewLength is the maximum length of LastMessagePreview.
	PreviewLength int

	MaxResubscribeAttempts int
	ResubscribeBaseDelay   time.Duration
	ResubscribeMaxDelay    time.Duration

	// ProfileConcurrency bounds parallel sender lookups during a history load.
	ProfileConcurrency int

	Logger *zap.Logger
	Clock  clock.Clock
}

func (c *Config) defaults() {
	if c.MatchWindow == 0 {
		c.MatchWindow = 10 * time.Second
	}
	if c.SendingWindow == 0 {
		c.SendingWindow = 5 * time.Second
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.PreviewLength == 0 {
		c.PreviewLength = 80
	}
	if c.MaxResubscribeAttempts == 0 {
		c.MaxResubscribeAttempts = 5
	}
	if c.ResubscribeBaseDelay == 0 {
		c.ResubscribeBaseDelay = 500 * time.Millisecond
	}
	if c.ResubscribeMaxDelay == 0 {
		c.ResubscribeMaxDelay = 15 * time.Second
	}
	if c.ProfileConcurrency == 0 {
		c.ProfileConcurrency = 4
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

func (c *Config) withDefaults() Config {
	var out Config
	if c != nil {
		out = *c
	}
	out.defaults()
	return out
}
