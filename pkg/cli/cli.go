// Package cli implements dbyard's command surface (spec.md §6.3). The
// argument surface itself is called out as an external collaborator in
// spec.md §1 ("out of scope... not specified here"), so this package
// keeps to the documented subcommand names and flags without inventing
// a richer grammar than the spec lists. Grounded on the teacher's
// top-level main.go, generalized from one flaggy-wired flat command to
// flaggy's subcommand attachment for start/watch/web-ui/ls/kill/proxy-conf.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/integrii/flaggy"

	"github.com/sijucj/dbyard/pkg/app"
	"github.com/sijucj/dbyard/pkg/config"
	"github.com/sijucj/dbyard/pkg/discovery"
	"github.com/sijucj/dbyard/pkg/events"
	"github.com/sijucj/dbyard/pkg/gateway"
	"github.com/sijucj/dbyard/pkg/ledger"
	"github.com/sijucj/dbyard/pkg/procindex"
	"github.com/sijucj/dbyard/pkg/supervisor"
	"github.com/sijucj/dbyard/pkg/utils"
	"github.com/sijucj/dbyard/pkg/watchdriver"
)

const appName = "dbyard"

// Run parses os.Args and dispatches to the matched subcommand. version
// is baked in by main.go at link time.
func Run(version string) error {
	var (
		debug bool

		cargoHome        string
		spawnStateHome   string
		startVerbose     string
		startAdoptForeign bool

		watchRoots            []string
		watchDebounceMs       int
		watchReconcileEveryMs int
		watchSpawnEvents      string
		watchAdoptForeign     bool

		webRoots         []string
		webHost          string
		webPort          int
		webAdoptForeign  bool

		lsStateHome  string
		lsFromLedger bool

		killClean     bool
		killStateHome string

		confType       string
		confNginxOut   string
		confTraefikOut string
		confServerName string
		confListen     string
		confEntry      string
		confStrip      bool
		confRule       string
	)

	flaggy.SetName(appName)
	flaggy.SetDescription("A file-driven process yard: discovers artifacts, spawns services for them, and fronts them behind one reverse-proxy gateway.")
	flaggy.SetVersion(version)
	flaggy.Bool(&debug, "d", "debug", "enable debug logging")

	startCmd := flaggy.NewSubcommand("start")
	startCmd.Description = "Run one reconcile pass and exit"
	startCmd.String(&cargoHome, "", "cargo-home", "root directory to discover artifacts under (default: cwd)")
	startCmd.String(&spawnStateHome, "", "spawn-state-home", "ledger home override")
	startCmd.String(&startVerbose, "", "verbose", "essential|comprehensive event output")
	startCmd.Bool(&startAdoptForeign, "", "adopt-foreign-state", "reclaim ledger records owned by a different owner-token")
	flaggy.AttachSubcommand(startCmd, 1)

	watchCmd := flaggy.NewSubcommand("watch")
	watchCmd.Description = "Continuously reconcile as artifacts appear and disappear"
	watchCmd.StringSlice(&watchRoots, "r", "root", "root directory to watch (repeatable)")
	watchCmd.Int(&watchDebounceMs, "", "debounce-ms", "watch debounce window in ms")
	watchCmd.Int(&watchReconcileEveryMs, "", "reconcile-every-ms", "periodic full-reconcile interval in ms (0 disables)")
	watchCmd.String(&watchSpawnEvents, "", "spawn-events", "silent|essential|comprehensive event output")
	watchCmd.Bool(&watchAdoptForeign, "", "adopt-foreign-state", "reclaim ledger records owned by a different owner-token")
	flaggy.AttachSubcommand(watchCmd, 1)

	webCmd := flaggy.NewSubcommand("web-ui")
	webCmd.Description = "Run the reverse-proxy gateway alongside a watching supervisor"
	webCmd.StringSlice(&webRoots, "r", "root", "root directory to watch (repeatable)")
	webCmd.String(&webHost, "", "web-host", "gateway listen host")
	webCmd.Int(&webPort, "", "web-port", "gateway listen port")
	webCmd.Bool(&webAdoptForeign, "", "adopt-foreign-state", "reclaim ledger records owned by a different owner-token")
	flaggy.AttachSubcommand(webCmd, 1)

	lsCmd := flaggy.NewSubcommand("ls")
	lsCmd.Description = "List managed processes"
	lsCmd.String(&lsStateHome, "", "spawn-state-home", "ledger home override")
	lsCmd.Bool(&lsFromLedger, "", "from-ledger", "read the ledger instead of enumerating live tagged processes")
	flaggy.AttachSubcommand(lsCmd, 1)

	killCmd := flaggy.NewSubcommand("kill")
	killCmd.Description = "Terminate all managed processes"
	killCmd.Bool(&killClean, "", "clean", "also delete the ledger home")
	killCmd.String(&killStateHome, "", "spawn-state-home", "ledger home override")
	flaggy.AttachSubcommand(killCmd, 1)

	confCmd := flaggy.NewSubcommand("proxy-conf")
	confCmd.Description = "Emit static reverse-proxy configs from the current tagged-process index"
	confCmd.String(&confType, "", "type", "nginx|traefik|both")
	confCmd.String(&confNginxOut, "", "nginx-out", "output directory for nginx config")
	confCmd.String(&confTraefikOut, "", "traefik-out", "output directory for traefik config")
	confCmd.String(&confServerName, "", "server-name", "nginx server_name")
	confCmd.String(&confListen, "", "listen", "nginx listen directive")
	confCmd.String(&confEntry, "", "entrypoints", "traefik entrypoints")
	confCmd.Bool(&confStrip, "", "strip-prefix", "strip the service prefix before forwarding upstream")
	confCmd.String(&confRule, "", "rule", "traefik router rule template")
	flaggy.AttachSubcommand(confCmd, 1)

	flaggy.Parse()

	cfg, err := config.NewAppConfig(appName, version, debug)
	if err != nil {
		return err
	}

	switch {
	case startCmd.Used:
		return runStart(cfg, cargoHome, spawnStateHome, startVerbose, startAdoptForeign)
	case watchCmd.Used:
		return runWatch(cfg, watchRoots, watchDebounceMs, watchReconcileEveryMs, watchSpawnEvents, watchAdoptForeign)
	case webCmd.Used:
		return runWebUI(cfg, webRoots, webHost, webPort, webAdoptForeign)
	case lsCmd.Used:
		return runLs(cfg, lsStateHome, lsFromLedger)
	case killCmd.Used:
		return runKill(cfg, killClean, killStateHome)
	case confCmd.Used:
		return runProxyConf(cfg, confType, confNginxOut, confTraefikOut, confServerName, confListen, confEntry, confStrip, confRule)
	default:
		fmt.Println("usage: dbyard <start|watch|web-ui|ls|kill|proxy-conf> [flags]")
		return nil
	}
}

func runStart(cfg *config.AppConfig, cargoHome, stateHome, verbose string, adoptForeign bool) error {
	if cargoHome == "" {
		var err error
		cargoHome, err = os.Getwd()
		if err != nil {
			return err
		}
	}
	roots := []discovery.Root{{Path: cargoHome}}

	a, err := app.New(cfg, app.Options{Roots: roots, LedgerHomeOverride: stateHome, AdoptForeignState: adoptForeign})
	if err != nil {
		return err
	}

	unsubscribe := subscribeVerbosity(a, verbose)
	defer unsubscribe()

	report, err := a.Supervisor.Reconcile(context.Background())
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func runWatch(cfg *config.AppConfig, rootPaths []string, debounceMs, reconcileEveryMs int, spawnEvents string, adoptForeign bool) error {
	roots, err := app.RootsOrDefault(rootPaths)
	if err != nil {
		return err
	}

	a, err := app.New(cfg, app.Options{Roots: roots, AdoptForeignState: adoptForeign})
	if err != nil {
		return err
	}
	defer a.Close()

	unsubscribe := subscribeVerbosity(a, spawnEvents)
	defer unsubscribe()

	if debounceMs <= 0 {
		debounceMs = cfg.UserConfig.DebounceMs
	}
	if reconcileEveryMs <= 0 {
		reconcileEveryMs = cfg.UserConfig.ReconcileEveryMs
	}
	return runReconcileLoop(a, roots, debounceMs, reconcileEveryMs, nil)
}

func runWebUI(cfg *config.AppConfig, rootPaths []string, webHost string, webPort int, adoptForeign bool) error {
	roots, err := app.RootsOrDefault(rootPaths)
	if err != nil {
		return err
	}

	a, err := app.New(cfg, app.Options{Roots: roots, AdoptForeignState: adoptForeign})
	if err != nil {
		return err
	}
	defer a.Close()

	if webHost == "" {
		webHost = cfg.UserConfig.WebHost
	}
	if webPort == 0 {
		webPort = cfg.UserConfig.WebPort
	}

	gw := gateway.New(gateway.DefaultPrefix, a.Store, a.ProcIndex, a.Log)
	addr := fmt.Sprintf("%s:%d", webHost, webPort)
	srv := &httpServer{addr: addr, handler: gw.Router()}
	if err := srv.start(); err != nil {
		return err
	}
	defer srv.stop()

	fmt.Printf("dbyard web-ui listening on http://%s%s/ui/\n", addr, gw.Prefix)

	debounce := 250
	if cfg.UserConfig.DebounceMs > 0 {
		debounce = cfg.UserConfig.DebounceMs
	}
	afterReconcile := func() { _ = a.Store.SyncActiveAlias() }
	return runReconcileLoop(a, roots, debounce, 0, afterReconcile)
}

// runReconcileLoop runs an initial full reconcile, then watches roots and
// dispatches delta reconciles until SIGINT/SIGTERM (spec.md §4.11/§5).
// Spawned children are not killed on exit.
func runReconcileLoop(a *app.App, roots []discovery.Root, debounceMs, reconcileEveryMs int, afterReconcile func()) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := a.Supervisor.Reconcile(ctx); err != nil {
		a.Log.WithError(err).Error("initial reconcile failed")
	}
	if afterReconcile != nil {
		afterReconcile()
	}

	dirs := make([]string, len(roots))
	for i, r := range roots {
		dirs[i] = r.Path
	}

	driver, err := watchdriver.New(dirs, time.Duration(debounceMs)*time.Millisecond, func(b watchdriver.Batch) {
		if _, err := a.Supervisor.ReconcileDelta(ctx, b.Paths); err != nil {
			a.Log.WithError(err).Error("delta reconcile failed")
		}
		if afterReconcile != nil {
			afterReconcile()
		}
	})
	if err != nil {
		return err
	}
	defer driver.Close()

	var ticker *time.Ticker
	var tickerDone chan struct{}
	if reconcileEveryMs > 0 {
		ticker = time.NewTicker(time.Duration(reconcileEveryMs) * time.Millisecond)
		tickerDone = make(chan struct{})
		go func() {
			for {
				select {
				case <-ticker.C:
					if _, err := a.Supervisor.Reconcile(ctx); err != nil {
						a.Log.WithError(err).Error("periodic reconcile failed")
					}
					if afterReconcile != nil {
						afterReconcile()
					}
				case <-tickerDone:
					return
				}
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs

	if ticker != nil {
		ticker.Stop()
		close(tickerDone)
	}
	return nil
}

// runLs renders the managed-process table. It sources rows from the
// live tagged-process index (C7) by default and falls back to the
// ledger only on --from-ledger, since the ledger may still list entries
// for processes that have since exited (SPEC_FULL.md "SUPPLEMENTED
// FEATURES").
func runLs(cfg *config.AppConfig, stateHome string, fromLedger bool) error {
	home := cfg.LedgerHome
	if stateHome != "" {
		home = stateHome
	}

	rows := [][]string{{"IDENTITY", "KIND", "PID", "PORT", "PREFIX", "UPSTREAM", "AGE"}}

	if fromLedger {
		sessionName, err := ledger.CurrentSessionName(home)
		if err != nil {
			fmt.Println("no state")
			return nil
		}
		entries, err := ledger.List(filepath.Join(home, sessionName))
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Err != nil {
				continue
			}
			r := e.Record
			age := time.Since(r.StartedAt).Round(time.Second)
			rows = append(rows, []string{
				r.Service.ID, r.Service.Kind, fmt.Sprintf("%d", r.Spawned.PID),
				fmt.Sprintf("%d", r.Listen.Port), r.Service.ProxyEndpointPrefix, r.Service.UpstreamURL, age.String(),
			})
		}
	} else {
		idx := procindex.New()
		tagged, err := idx.List(context.Background())
		if err != nil {
			return err
		}
		for _, t := range tagged {
			if t.Record != nil {
				r := *t.Record
				age := time.Since(r.StartedAt).Round(time.Second)
				rows = append(rows, []string{
					r.Service.ID, r.Service.Kind, fmt.Sprintf("%d", t.PID),
					fmt.Sprintf("%d", r.Listen.Port), r.Service.ProxyEndpointPrefix, r.Service.UpstreamURL, age.String(),
				})
				continue
			}
			rows = append(rows, []string{
				t.Tags[ledger.TagService], t.Tags[ledger.TagKind], fmt.Sprintf("%d", t.PID),
				t.Tags[ledger.TagPort], t.Tags[ledger.TagProxy], t.Tags[ledger.TagUpstream], "?",
			})
		}
	}

	if len(rows) == 1 {
		fmt.Println("no state")
		return nil
	}
	table, err := utils.RenderTable(rows)
	if err != nil {
		return err
	}
	fmt.Print(table)
	return nil
}

func runKill(cfg *config.AppConfig, clean bool, stateHome string) error {
	home := cfg.LedgerHome
	if stateHome != "" {
		home = stateHome
	}

	idx := procindex.New()
	tagged, err := idx.List(context.Background())
	if err != nil {
		return err
	}

	killed := 0
	for _, t := range tagged {
		if err := killPID(t.PID); err == nil {
			killed++
		}
	}
	fmt.Printf("killed %d managed process(es)\n", killed)

	if clean {
		if err := os.RemoveAll(home); err != nil {
			return err
		}
		fmt.Println("removed ledger home:", home)
	}
	return nil
}

func runProxyConf(cfg *config.AppConfig, confType, nginxOut, traefikOut, serverName, listen, entrypoints string, strip bool, rule string) error {
	idx := procindex.New()
	tagged, err := idx.List(context.Background())
	if err != nil {
		return err
	}

	if confType == "" {
		confType = "both"
	}

	if confType == "nginx" || confType == "both" {
		if nginxOut == "" {
			nginxOut = "."
		}
		if err := writeNginxConf(nginxOut, tagged, serverName, listen, strip); err != nil {
			return err
		}
	}
	if confType == "traefik" || confType == "both" {
		if traefikOut == "" {
			traefikOut = "."
		}
		if err := writeTraefikConf(traefikOut, tagged, entrypoints, rule, strip); err != nil {
			return err
		}
	}
	return nil
}

// subscribeVerbosity wires a print listener to the App's event bus
// matching spec.md §6.3's --verbose/--spawn-events LEVEL contract.
// "silent" subscribes nothing; "essential" prints spawn/kill/error;
// "comprehensive" prints every event.
func subscribeVerbosity(a *app.App, level string) func() {
	switch level {
	case "comprehensive":
		return a.Bus.Subscribe(func(e events.Event) {
			fmt.Printf("[%s] %s path=%s\n", e.Kind, e.Session, e.Path)
		})
	case "silent":
		return func() {}
	default: // essential
		return a.Bus.Subscribe(func(e events.Event) {
			switch e.Kind {
			case events.KindSpawned, events.KindServiceUnreachable, events.KindError:
				fmt.Printf("[%s] path=%s\n", e.Kind, e.Path)
			}
		})
	}
}

func printReport(r supervisor.Report) {
	fmt.Printf("spawned=%d killed=%d skipped=%d errors=%d\n", len(r.Spawned), len(r.Killed), len(r.Skipped), len(r.Errors))
	for _, a := range r.Spawned {
		fmt.Println("  + spawned", a)
	}
	for _, a := range r.Killed {
		fmt.Println("  - killed", a)
	}
	for _, e := range r.Errors {
		fmt.Println("  ! error", e)
	}
}
