package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/armon/circbuf"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/SK3CHI3/MMU-E-LRNG/msgsync"
	"github.com/SK3CHI3/MMU-E-LRNG/msgsync/redispush"
)

// requireUser loads the config and exits when no user is configured.
func requireUser() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user configured. Run 'msgsync init <user-id>' first.")
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		cfg.Default.BaseURL = msgsync.DefaultBaseURL
	}
	return cfg
}

// newLogger builds a console logger writing to w. --debug lowers the level.
func newLogger(w io.Writer) *zap.Logger {
	level := zapcore.InfoLevel
	if debugLogging {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.TimeOnly)
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), level)
	return zap.New(core)
}

// logRing keeps the most recent log output in memory.
func logRing(size int64) *circbuf.Buffer {
	buf, err := circbuf.NewBuffer(size)
	if err != nil {
		// Only a non-positive size fails.
		buf, _ = circbuf.NewBuffer(64 << 10)
	}
	return buf
}

func newBackend(cfg *Config) *msgsync.HTTPBackend {
	return msgsync.NewHTTPBackend(
		msgsync.WithBaseURL(cfg.Default.BaseURL),
		msgsync.WithToken(cfg.Default.Token),
	)
}

// session is a connected engine plus the resources backing its push channel.
type session struct {
	engine  *msgsync.Engine
	closers []func() error
}

func (s *session) Close() {
	_ = s.engine.Close()
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

// openSession connects the configured push transport and starts an engine.
func openSession(ctx context.Context, cfg *Config, log *zap.Logger) (*session, error) {
	rt := &msgsync.RealtimeConfig{Token: cfg.Default.Token, AutoReconnect: true, Logger: log}
	s := &session{}

	var push msgsync.PushChannel
	switch cfg.Default.Transport {
	case "sse":
		ch := msgsync.NewSSEChannel(cfg.Default.BaseURL, rt)
		s.closers = append(s.closers, ch.Close)
		push = ch
	case "redis":
		if cfg.Server.RedisURL == "" {
			return nil, fmt.Errorf("transport redis needs server.redis_url")
		}
		client, err := redispush.NewClient(ctx, cfg.Server.RedisURL)
		if err != nil {
			return nil, err
		}
		ch := redispush.NewChannel(client, "", log)
		s.closers = append(s.closers, client.Close, ch.Close)
		push = ch
	default:
		ch := msgsync.NewWSChannel(cfg.Default.BaseURL, rt)
		if err := ch.Connect(ctx); err != nil {
			return nil, err
		}
		s.closers = append(s.closers, ch.Disconnect)
		push = ch
	}

	s.engine = msgsync.NewEngine(cfg.Default.UserID, newBackend(cfg), push, &msgsync.Config{Logger: log})
	if err := s.engine.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
