package server

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/webqx-health/federation/audit"
	"github.com/webqx-health/federation/federation"
	"github.com/webqx-health/federation/internal/config"
	"github.com/webqx-health/federation/oauthflow"
	"github.com/webqx-health/federation/pendingauth"
	"github.com/webqx-health/federation/providers"
	"github.com/webqx-health/federation/samlflow"
	"github.com/webqx-health/federation/sessions"
	"github.com/webqx-health/federation/token"
)

// System is the fully wired federation service: the HTTP adapter plus the
// stateful components whose lifecycle the caller owns.
type System struct {
	Server *Server
	Store  *sessions.Store

	stop     chan struct{}
	stopOnce sync.Once
}

// Bootstrap assembles the whole federation layer from configuration:
// registry, pending-request store, session store (with sweeper), codec,
// audit logger, both flow handlers, manager and HTTP adapter.
func Bootstrap(cfg *config.Config, log zerolog.Logger) (*System, error) {
	registry, err := providers.NewRegistry(cfg.Providers)
	if err != nil {
		return nil, errors.Wrap(err, "[Bootstrap] registry")
	}

	pending := pendingauth.NewInMemoryRepo(cfg.PendingTTL())

	auditor := audit.NewLogger(
		audit.NewZerologSink(os.Stdout),
		cfg.AuditEnabled,
		audit.WithFallback(log),
	)

	store := sessions.NewStore(cfg.SessionTTL(),
		sessions.WithMaxLifetime(cfg.SessionMaxLifetime()),
		sessions.WithSweepObserver(func(removed int) {
			auditor.Record(audit.Record{
				Kind:    audit.EventSweep,
				Subject: "system",
				Outcome: audit.OutcomeSuccess,
				Reason:  fmt.Sprintf("%d sessions purged", removed),
			})
		}),
	)
	store.StartSweeper(cfg.SweepInterval())

	codec, err := token.NewCodec([]byte(cfg.SigningSecret), cfg.TokenIssuer)
	if err != nil {
		store.Shutdown()
		return nil, errors.Wrap(err, "[Bootstrap] codec")
	}

	manager, err := federation.NewManager(federation.Deps{
		Registry: registry,
		OAuth2:   oauthflow.NewHandler(registry, pending),
		SAML:     samlflow.NewHandler(registry, pending),
		Store:    store,
		Codec:    codec,
		Audit:    auditor,
	})
	if err != nil {
		store.Shutdown()
		return nil, errors.Wrap(err, "[Bootstrap] manager")
	}

	system := &System{
		Server: New(manager, log),
		Store:  store,
		stop:   make(chan struct{}),
	}
	go system.sweepPending(pending, cfg.SweepInterval())
	return system, nil
}

// sweepPending purges abandoned login attempts on the sweep cadence; the
// session store runs its own sweeper.
func (s *System) sweepPending(pending *pendingauth.InMemoryRepo, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pending.SweepExpired()
		case <-s.stop:
			return
		}
	}
}

// Shutdown stops the background components. Idempotent.
func (s *System) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.Store.Shutdown()
	})
}
