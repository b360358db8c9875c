package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SK3CHI3/MMU-E-LRNG/msgsync"
	"github.com/SK3CHI3/MMU-E-LRNG/msgsync/devserver"
	"github.com/SK3CHI3/MMU-E-LRNG/msgsync/postgres"
	"github.com/SK3CHI3/MMU-E-LRNG/msgsync/redispush"
)

var (
	serveAddr        string
	serveDatabaseURL string
	serveRedisURL    string
	serveDemo        bool
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default :8080)")
	serveCmd.Flags().StringVar(&serveDatabaseURL, "database-url", "", "PostgreSQL DSN; in-memory storage when empty")
	serveCmd.Flags().StringVar(&serveRedisURL, "redis-url", "", "Redis URL for sharing push events between servers")
	serveCmd.Flags().BoolVar(&serveDemo, "demo", false, "Seed demo users and conversations")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a messaging server",
	Long: "Run a messaging server exposing the REST, WebSocket and SSE endpoints.\n" +
		"Storage is in memory unless a database URL is given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		sc := cfg.Server
		if serveAddr != "" {
			sc.Addr = serveAddr
		}
		if serveDatabaseURL != "" {
			sc.DatabaseURL = serveDatabaseURL
		}
		if serveRedisURL != "" {
			sc.RedisURL = serveRedisURL
		}
		sc.Demo = sc.Demo || serveDemo
		if sc.Addr == "" {
			sc.Addr = ":8080"
		}

		log := newLogger(os.Stderr)
		defer log.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, sc, log)
	},
}

func serve(ctx context.Context, sc ConfigServer, log *zap.Logger) error {
	hub := msgsync.NewMemoryHub()

	// Writes publish to Redis when configured; the bridge feeds them back
	// into the local hub so every server instance sees every event.
	var pub msgsync.Publisher = hub
	if sc.RedisURL != "" {
		client, err := redispush.NewClient(ctx, sc.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		pub = redispush.NewPublisher(client, "")
		go func() {
			if err := redispush.Bridge(ctx, client, "", hub, log); err != nil {
				log.Error("redis bridge stopped", zap.Error(err))
			}
		}()
		log.Info("sharing push events through redis")
	}

	var backend msgsync.Backend
	if sc.DatabaseURL != "" {
		if err := postgres.Migrate(ctx, sc.DatabaseURL); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		db, err := postgres.New(ctx, sc.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		pg := postgres.NewBackend(db, postgres.WithPublisher(pub), postgres.WithLogger(log))
		if sc.Demo {
			users, convs, msgs := msgsync.DemoData()
			if err := pg.Seed(ctx, users, convs, msgs); err != nil {
				return fmt.Errorf("seed: %w", err)
			}
		}
		backend = pg
		log.Info("using postgres storage")
	} else {
		mem := msgsync.NewMemoryBackend(pub, nil)
		if sc.Demo {
			msgsync.SeedDemo(mem)
		}
		backend = mem
		log.Info("using in-memory storage")
	}

	srv := &http.Server{
		Addr:              sc.Addr,
		Handler:           devserver.New(backend, hub, &devserver.Config{Logger: log}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info("listening", zap.String("addr", sc.Addr), zap.Bool("demo", sc.Demo))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("stopped")
	return nil
}
