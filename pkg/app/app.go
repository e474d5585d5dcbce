// Package app bootstraps the collaborators a dbyard run needs — config,
// ledger store, classifier registry, planner, launcher, process index,
// event bus, and the supervisor that ties them together — the same
// "build all the long-lived collaborators once, hand them to whichever
// surface needs them" shape as the teacher's pkg/app/app.go, generalized
// from one GUI-driven App to the several headless entry points dbyard's
// CLI exposes (start, watch, web-ui, ls, kill).
package app

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sijucj/dbyard/pkg/classify"
	"github.com/sijucj/dbyard/pkg/config"
	"github.com/sijucj/dbyard/pkg/discovery"
	"github.com/sijucj/dbyard/pkg/events"
	"github.com/sijucj/dbyard/pkg/launcher"
	"github.com/sijucj/dbyard/pkg/ledger"
	dbyardlog "github.com/sijucj/dbyard/pkg/log"
	"github.com/sijucj/dbyard/pkg/procindex"
	"github.com/sijucj/dbyard/pkg/spawnplan"
	"github.com/sijucj/dbyard/pkg/supervisor"
)

// App wires together one run's collaborators against one ledger session.
type App struct {
	Config     *config.AppConfig
	Log        *logrus.Entry
	Store      *ledger.Store
	Registry   *classify.Registry
	Planner    *spawnplan.Planner
	Launcher   *launcher.Launcher
	ProcIndex  *procindex.Index
	Bus        *events.Bus
	Supervisor *supervisor.Supervisor
}

// Options configures one App build.
type Options struct {
	Roots              []discovery.Root
	LedgerHomeOverride string
	AdoptForeignState  bool
}

// New resolves the ledger session, builds every collaborator, and
// returns an App with a Supervisor ready for Reconcile/ReconcileDelta.
func New(cfg *config.AppConfig, opts Options) (*App, error) {
	ledgerHome := cfg.LedgerHome
	if opts.LedgerHomeOverride != "" {
		ledgerHome = opts.LedgerHomeOverride
	}

	store, err := ledger.Open(ledgerHome, cfg.UserConfig.ActiveAliasDir, time.Now())
	if err != nil {
		return nil, err
	}

	log := dbyardlog.NewLogger(cfg, store.Session.OwnerToken)
	bus := events.NewBus(store.Session.OwnerToken, time.Now())
	registry := classify.DefaultRegistry()
	planner := spawnplan.NewPlanner(cfg.UserConfig)
	launch := launcher.New()
	idx := procindex.New()

	hostIdentity, err := os.Hostname()
	if err != nil {
		hostIdentity = "unknown-host"
	}

	sup := supervisor.New(supervisor.Options{
		Roots:             opts.Roots,
		UserConfig:        cfg.UserConfig,
		Store:             store,
		Registry:          registry,
		Planner:           planner,
		Launcher:          launch,
		ProcIndex:         idx,
		Bus:               bus,
		Log:               log,
		AdoptForeignState: opts.AdoptForeignState || cfg.UserConfig.AdoptForeignState,
		HostIdentity:      hostIdentity,
	})

	return &App{
		Config:     cfg,
		Log:        log,
		Store:      store,
		Registry:   registry,
		Planner:    planner,
		Launcher:   launch,
		ProcIndex:  idx,
		Bus:        bus,
		Supervisor: sup,
	}, nil
}

// Close stops the supervisor from accepting new reconciles. Spawned
// children are never killed here — they outlive the supervisor by design
// (spec.md §5).
func (a *App) Close() {
	a.Supervisor.Close()
}

// RootsOrDefault turns a list of root paths into discovery.Roots, falling
// back to the current directory when none were given.
func RootsOrDefault(paths []string) ([]discovery.Root, error) {
	if len(paths) == 0 {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		paths = []string{cwd}
	}
	roots := make([]discovery.Root, 0, len(paths))
	for _, p := range paths {
		roots = append(roots, discovery.Root{Path: p})
	}
	return roots, nil
}
