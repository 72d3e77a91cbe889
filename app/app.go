package app

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getlantern/golog"

	"github.com/searchktools/evserver/config"
	"github.com/searchktools/evserver/core"
	"github.com/searchktools/evserver/core/http"
	"github.com/searchktools/evserver/core/pools"
	"github.com/searchktools/evserver/core/session"
)

var log = golog.LoggerFor("evserver.app")

// App wires configuration, the reactor, the HTTP layer and the session
// store together.
type App struct {
	cfg      *config.Config
	mux      *http.Mux
	sessions *session.Store
	reactor  *core.Reactor
}

// New creates an application instance. Routes are registered on Mux
// before Run.
func New(cfg *config.Config) *App {
	a := &App{
		cfg:      cfg,
		mux:      http.NewMux(),
		sessions: session.NewStore(session.WithTTL(cfg.SessionTTL)),
	}
	if cfg.StaticDir != "" {
		prefix := cfg.StaticPrefix
		a.mux.GET(prefix+"/*", http.Static(prefix, cfg.StaticDir))
	}
	return a
}

// Mux returns the router for route registration
func (a *App) Mux() *http.Mux { return a.mux }

// Sessions returns the session store.
func (a *App) Sessions() *session.Store { return a.sessions }

// Reactor returns the running reactor, or nil before Start.
func (a *App) Reactor() *core.Reactor { return a.reactor }

// Start binds the listener. It is separate from Run so callers can learn
// the bound address first.
func (a *App) Start() error {
	var tlsConfig *tls.Config
	if a.cfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(a.cfg.TLSCert, a.cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS key pair: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	if a.cfg.GCPercent > 0 || a.cfg.MemoryLimit > 0 {
		pools.ApplyGCConfig(pools.GCConfig{Percent: a.cfg.GCPercent, MemoryLimit: a.cfg.MemoryLimit})
	}

	srv := http.NewServer(a.mux.ServeHTTP,
		http.WithServerName(a.cfg.ServerName),
		http.WithParserOptions(http.Options{BufferedBody: a.cfg.BufferedBody}),
		http.WithSessions(a.sessions, ""),
	)

	r, err := core.NewReactor(core.Options{
		Addr:           a.cfg.ListenAddr(),
		Workers:        a.cfg.Workers,
		IdleTimeout:    a.cfg.IdleTimeout,
		MaxConnections: a.cfg.MaxConns,
		RecvBufferMax:  a.cfg.RecvBufferMax,
		SendBufferMax:  a.cfg.SendBufferMax,
		TLSConfig:      tlsConfig,
	}, srv)
	if err != nil {
		return err
	}
	r.OnTick(func(now time.Time) { a.sessions.Expire(now) })
	a.reactor = r
	return nil
}

// Run starts the application and serves until ctx is done or SIGINT or
// SIGTERM arrives. SIGUSR1 logs a statistics snapshot.
func (a *App) Run(ctx context.Context) error {
	if a.reactor == nil {
		if err := a.Start(); err != nil {
			return err
		}
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go a.awaitStatsSignal(ctx)

	log.Debugf("Serving on %v [%s] tls=%v workers=%d idle=%v",
		a.reactor.Addr(), a.cfg.Env, a.cfg.TLSEnabled(), a.cfg.Workers, a.reactor.IdleTimeout())
	err := a.reactor.Run(ctx)
	log.Debugf("Stopped: %s", a.reactor.StatsText())
	return err
}

func (a *App) awaitStatsSignal(ctx context.Context) {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-usr1:
			log.Debugf("%s\nSessions: %d\nRuntime: %v", a.reactor.StatsText(), a.sessions.Len(), pools.ReadGCStats())
		}
	}
}
