package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/aixgo-dev/personachat/internal/logger"
	tracing "github.com/aixgo-dev/personachat/internal/observability"
	"github.com/aixgo-dev/personachat/pkg/chat"
	"github.com/aixgo-dev/personachat/pkg/config"
	"github.com/aixgo-dev/personachat/pkg/conversation"
	"github.com/aixgo-dev/personachat/pkg/observability"
	"github.com/aixgo-dev/personachat/pkg/remote"
	"github.com/aixgo-dev/personachat/pkg/store"
	"github.com/aixgo-dev/personachat/pkg/store/firestore"
)

// app is the wired conversation stack.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	adapter *store.Adapter
	remote  conversation.Remote
	state   *conversation.State
	disp    *conversation.Dispatcher
	server  *observability.Server
}

// newApp builds the stack described by cfg and hydrates the state.
func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := tracing.Init(cfg.Tracing, log); err != nil {
		log.Warn("Tracing disabled", "error", err)
	}
	observability.InitMetrics()

	kv, err := openKV(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	rem, err := openRemote(ctx, cfg)
	if err != nil {
		_ = kv.Close()
		return nil, fmt.Errorf("open %s remote: %w", cfg.Remote.Backend, err)
	}

	adapter := store.NewAdapter(kv,
		store.WithLogger(log),
		store.WithWriteTimeout(cfg.Store.WriteTimeout),
	)
	state := conversation.NewState(adapter,
		conversation.WithHistory(rem),
		conversation.WithStateLogger(log),
		conversation.WithFallbackThread(cfg.FallbackThreadID),
	)
	state.Hydrate(ctx)

	disp := conversation.NewDispatcher(state, rem,
		conversation.WithLogger(log),
		conversation.WithDefaultCharacter(cfg.DefaultCharacter),
		conversation.WithTexts(cfg.Texts),
		conversation.WithPlaybackURL(tempPlaybackURL(log)),
	)

	a := &app{
		cfg:     cfg,
		log:     log,
		adapter: adapter,
		remote:  rem,
		state:   state,
		disp:    disp,
	}
	if cfg.Metrics.Addr != "" {
		a.startServer(kv)
	}
	return a, nil
}

func (a *app) startServer(kv store.KV) {
	checker := observability.NewHealthChecker()
	if p, ok := kv.(store.Pinger); ok {
		checker.RegisterCheck(observability.StoreCheck(p.Ping))
	}
	if c, ok := a.remote.(*remote.HTTPClient); ok {
		checker.RegisterCheck(observability.RemoteCheck(c.Ping))
	}

	a.server = observability.NewServer(a.cfg.Metrics.Addr, checker)
	go func() {
		a.log.Info("Starting metrics server", "addr", a.cfg.Metrics.Addr)
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Metrics server stopped", "error", err)
		}
	}()
}

// close waits for background loads, flushes pending writes and releases
// every resource.
func (a *app) close(ctx context.Context) {
	a.state.Wait()
	if err := a.adapter.Close(); err != nil {
		a.log.Warn("Failed to close store", "error", err)
	}
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.log.Warn("Metrics server shutdown error", "error", err)
		}
	}
	if err := tracing.Shutdown(ctx); err != nil {
		a.log.Warn("Tracing shutdown error", "error", err)
	}
}

// character resolves a persona by id or name from the catalog.
func (a *app) character(ref string) (conversation.Character, bool) {
	if ch, ok := a.cfg.Character(ref); ok {
		return ch, true
	}
	for _, ch := range a.cfg.Characters {
		if ch.Name == ref {
			return ch, true
		}
	}
	return conversation.Character{}, false
}

func openKV(ctx context.Context, cfg config.StoreConfig) (store.KV, error) {
	switch cfg.Backend {
	case config.StoreMemory:
		return store.NewMemoryKV(), nil
	case config.StoreFile:
		return store.NewFileKV(cfg.File.Dir)
	case config.StoreRedis:
		return store.NewRedisKV(cfg.Redis)
	case config.StoreSQLite:
		return store.NewSQLiteKV(cfg.SQLite.Path)
	case config.StoreFirestore:
		return firestore.New(ctx, cfg.Firestore)
	default:
		return nil, fmt.Errorf("unknown store backend: %q", cfg.Backend)
	}
}

func openRemote(ctx context.Context, cfg *config.Config) (conversation.Remote, error) {
	characters := append([]conversation.Character{cfg.DefaultCharacter}, cfg.Characters...)

	switch cfg.Remote.Backend {
	case config.RemoteHTTP:
		return remote.NewHTTPClient(cfg.Remote.HTTP)
	case config.RemoteOpenAI:
		return remote.NewOpenAI(cfg.Remote.OpenAI, characters)
	case config.RemoteGemini:
		return remote.NewGemini(ctx, cfg.Remote.Gemini, characters)
	case config.RemoteEcho:
		return remote.NewEcho(cfg.Remote.EchoDelay), nil
	default:
		return nil, fmt.Errorf("unknown remote backend: %q", cfg.Remote.Backend)
	}
}

// tempPlaybackURL stores recordings under the temp dir so they can be
// replayed by a local player.
func tempPlaybackURL(log *logger.Logger) func(chat.Audio) string {
	dir := filepath.Join(os.TempDir(), "personachat-audio")
	return func(a chat.Audio) string {
		name := a.Filename
		if name == "" {
			name = "record.webm"
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			log.Debug("Cannot create audio dir", "error", err)
			return ""
		}
		f, err := os.CreateTemp(dir, "*-"+filepath.Base(name))
		if err != nil {
			log.Debug("Cannot store recording", "error", err)
			return ""
		}
		defer f.Close()
		if _, err := f.Write(a.Data); err != nil {
			log.Debug("Cannot store recording", "error", err)
			return ""
		}
		return "file://" + f.Name()
	}
}

// personas lists the default persona followed by the catalog.
func (a *app) personas() []conversation.Character {
	out := []conversation.Character{a.cfg.DefaultCharacter}
	for _, ch := range a.cfg.Characters {
		if ch.ID != a.cfg.DefaultCharacter.ID {
			out = append(out, ch)
		}
	}
	return out
}
