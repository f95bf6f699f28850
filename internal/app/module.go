// Package app composes the relay core into a runnable client with fx
// lifecycle management. The embedding UI passes its realtime store binding
// in and consumes bus events out.
package app

import (
	"context"
	"time"

	"github.com/pairdesk/pairdesk/internal/bus"
	"github.com/pairdesk/pairdesk/internal/channel"
	"github.com/pairdesk/pairdesk/internal/config"
	"github.com/pairdesk/pairdesk/internal/identity"
	"github.com/pairdesk/pairdesk/internal/lock"
	"github.com/pairdesk/pairdesk/internal/logging"
	"github.com/pairdesk/pairdesk/internal/pairing"
	"github.com/pairdesk/pairdesk/internal/presence"
	"github.com/pairdesk/pairdesk/internal/reconnect"
	"github.com/pairdesk/pairdesk/internal/rtdb"
	"github.com/pairdesk/pairdesk/internal/schema"
	"github.com/pairdesk/pairdesk/internal/session"
	"github.com/pairdesk/pairdesk/internal/status"
	"github.com/pairdesk/pairdesk/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Role        schema.Role
	Store       rtdb.Store
	Config      *config.Config
}

// Module returns the fx module for the relay client, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("relay",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideIdentity,
			provideSupervisor,
			providePresence,
			provideChannel,
			providePairer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, string(p.Role))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("identity store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideIdentity(p Params, db *store.DB, logger *zap.Logger) *identity.Manager {
	return identity.NewManager(db, p.Role, logger)
}

func provideSupervisor(p Params, b *bus.Bus, logger *zap.Logger) *reconnect.Supervisor {
	policy := reconnect.DefaultPolicy
	if p.Config != nil {
		rc := p.Config.Reconnect
		if rc.BaseDelayMs > 0 {
			policy.Base = time.Duration(rc.BaseDelayMs) * time.Millisecond
		}
		if rc.MaxDelayMs > 0 {
			policy.Cap = time.Duration(rc.MaxDelayMs) * time.Millisecond
		}
		if rc.MaxAttempts > 0 {
			policy.MaxAttempts = rc.MaxAttempts
		}
	}
	return reconnect.New(policy, b, logger)
}

func providePresence(p Params, ident *identity.Manager, logger *zap.Logger) *presence.Updater {
	return presence.NewUpdater(p.Store, ident, logger)
}

func provideChannel(p Params, ident *identity.Manager, machine *status.Machine, sup *reconnect.Supervisor, pres *presence.Updater, b *bus.Bus, logger *zap.Logger) *channel.Client {
	return channel.New(p.Store, ident, machine, sup, pres, b, logger)
}

func providePairer(p Params, ident *identity.Manager, db *store.DB, b *bus.Bus, logger *zap.Logger) *pairing.Pairer {
	return pairing.NewPairer(p.Store, ident, db, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, client *channel.Client, sup *reconnect.Supervisor, ident *identity.Manager, pres *presence.Updater, lk *lock.Lock, db *store.DB, logger *zap.Logger) {
	var tickerStop context.CancelFunc

	interval := 30 * time.Second
	if p.Config != nil {
		interval = p.Config.PresenceInterval()
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			sup.Bind(client.Connect)

			// Already-paired devices come straight up; fresh installs wait
			// for a pairing before the channel has a counterpart.
			if ident.PairedWith() != "" {
				go func() {
					if err := client.Connect(context.Background()); err != nil {
						logger.Warn("initial connect failed, supervisor takes over", zap.Error(err))
					}
				}()
			} else {
				logger.Info("no pairing on record, waiting for token submission")
			}

			// The presence cadence lives here, outside the core.
			ctx, cancel := context.WithCancel(context.Background())
			tickerStop = cancel
			go func() {
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						if client.State() == status.Connected {
							if err := pres.Update(ctx); err != nil {
								logger.Warn("presence update failed", zap.Error(err))
							}
						}
					case <-ctx.Done():
						return
					}
				}
			}()

			return nil
		},
		OnStop: func(_ context.Context) error {
			if tickerStop != nil {
				tickerStop()
			}
			client.Disconnect()
			if err := db.Close(); err != nil {
				logger.Warn("error closing identity store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("relay client stopped")
			return nil
		},
	})
}
