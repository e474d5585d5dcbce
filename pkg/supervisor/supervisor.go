// Package supervisor implements C8 (spec.md §4.8): the reconciliation
// loop that keeps the live process set aligned with the discovered
// artifact universe. beginReconcile/endReconcile/queued generalize the
// teacher's old single-current-task discipline to "at most one in-flight
// reconcile, with exactly one coalesced follow-up". Guards shared maps
// with sasha-s/go-deadlock, matching the teacher's goal of catching lock
// misuse early rather than hanging silently in CI.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	deadlock "github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/sijucj/dbyard/pkg/classify"
	"github.com/sijucj/dbyard/pkg/config"
	"github.com/sijucj/dbyard/pkg/discovery"
	"github.com/sijucj/dbyard/pkg/events"
	"github.com/sijucj/dbyard/pkg/launcher"
	"github.com/sijucj/dbyard/pkg/ledger"
	"github.com/sijucj/dbyard/pkg/pathutil"
	"github.com/sijucj/dbyard/pkg/procindex"
	"github.com/sijucj/dbyard/pkg/spawnplan"
)

// BackoffWindow is how long ensure() skips retrying a failed artifact
// (spec.md §4.8 step 2: "≥ 15 s since last failure").
const BackoffWindow = 15 * time.Second

// KillGraceTimeout is how long stop() polls for a TERM'd process to exit
// before escalating to KILL (spec.md §4.8: "poll liveness up to 2 seconds").
const KillGraceTimeout = 2 * time.Second

const killPollInterval = 100 * time.Millisecond

// PostSpawnProbeTimeout bounds the post-spawn reachability probe (spec.md
// §5: "15 s for post-spawn probe").
const PostSpawnProbeTimeout = 15 * time.Second

// SidecarSuffix names the per-artifact override file this implementation
// reads (spec.md §4.3: the override-reading predicate is pluggable; this
// is the concrete convention this supervisor wires up).
const SidecarSuffix = ".dbyard.env"

// failureInfo tracks backoff state for one artifact.
type failureInfo struct {
	lastFailAt time.Time
	count      int
}

// Report summarizes the outcome of one Reconcile call.
type Report struct {
	Spawned []string
	Killed  []string
	Skipped []string
	Errors  []string
}

func (r *Report) addSpawned(a string) { r.Spawned = append(r.Spawned, a) }
func (r *Report) addKilled(a string)  { r.Killed = append(r.Killed, a) }
func (r *Report) addSkipped(a string) { r.Skipped = append(r.Skipped, a) }
func (r *Report) addError(a string, err error) {
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", a, err))
}

// Options wires a Supervisor to its collaborators.
type Options struct {
	Roots      []discovery.Root
	UserConfig *config.UserConfig
	Store      *ledger.Store
	Registry   *classify.Registry
	Planner    *spawnplan.Planner
	Launcher   *launcher.Launcher
	ProcIndex  *procindex.Index
	Bus        *events.Bus
	Log        *logrus.Entry

	// AdoptForeignState opts into killing pids tagged by a different
	// owner-token (spec.md §4.8's stop() foreign-owned branch).
	AdoptForeignState bool
	HostIdentity      string
}

// Supervisor owns the in-memory reconciliation state for one session.
type Supervisor struct {
	opts Options

	mu                 deadlock.Mutex
	runningByArtifact  map[string]ledger.Record
	failuresByArtifact map[string]failureInfo
	identityOwner      map[string]string // serviceIdentity -> artifact path
	lastPort           int
	reconciling        bool
	queued             bool
	closed             bool
}

// New builds a Supervisor. Call Reconcile (full) at least once before
// relying on delta reconciles.
func New(opts Options) *Supervisor {
	portStart := opts.UserConfig.PortRangeStart
	if portStart <= 0 {
		portStart = 3000
	}
	return &Supervisor{
		opts:               opts,
		runningByArtifact:  map[string]ledger.Record{},
		failuresByArtifact: map[string]failureInfo{},
		identityOwner:      map[string]string{},
		lastPort:           portStart - 1,
	}
}

// Close marks the supervisor closed; in-flight work finishes but no new
// reconcile is accepted afterward (spec.md §5 cancellation rules).
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// beginReconcile returns false if one is already running, in which case
// it sets the queued flag and the caller must not proceed (coalescing,
// spec.md §4.8).
func (s *Supervisor) beginReconcile() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconciling {
		s.queued = true
		return false
	}
	s.reconciling = true
	return true
}

// endReconcile reports whether a follow-up reconcile was queued while
// this one ran.
func (s *Supervisor) endReconcile() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciling = false
	queued := s.queued
	s.queued = false
	return queued
}

// Reconcile runs a full reconcile (spec.md §4.8 "Reconcile (full)"). If a
// reconcile is already in flight, this call coalesces into the queued
// follow-up and returns an empty report immediately.
func (s *Supervisor) Reconcile(ctx context.Context) (Report, error) {
	if !s.beginReconcile() {
		return Report{}, nil
	}

	var report Report
	err := s.runFull(ctx, &report)

	if s.endReconcile() {
		var followUp Report
		_ = s.runFull(ctx, &followUp)
		report.Spawned = append(report.Spawned, followUp.Spawned...)
		report.Killed = append(report.Killed, followUp.Killed...)
		report.Skipped = append(report.Skipped, followUp.Skipped...)
		report.Errors = append(report.Errors, followUp.Errors...)
	}

	return report, err
}

func (s *Supervisor) runFull(ctx context.Context, report *Report) error {
	if s.isClosed() {
		return nil
	}

	start := time.Now()
	s.emit(events.Event{Kind: events.KindSessionStart})
	defer func() {
		s.emit(events.Event{Kind: events.KindComplete, Summary: *report})
		s.emit(events.Event{Kind: events.KindSessionEnd, TotalMs: time.Since(start).Milliseconds()})
	}()

	tagged, err := s.opts.ProcIndex.List(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: listing tagged processes: %w", err)
	}

	universe := map[string]discovery.Entry{}
	discoverer := discovery.New(s.opts.Registry)
	discoverer.Walk(s.opts.Roots, func(e discovery.Entry) {
		if e.Classification != nil {
			universe[e.Path] = e
			s.emit(events.Event{Kind: events.KindDiscovered, Path: e.Path})
		}
	})

	// Deterministic order: dedup/skip decisions must not depend on map
	// iteration order.
	paths := make([]string, 0, len(universe))
	for p := range universe {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		s.ensure(ctx, p, universe[p], tagged, report)
	}

	s.mu.Lock()
	var gone []string
	for a := range s.runningByArtifact {
		if _, ok := universe[a]; !ok {
			gone = append(gone, a)
		}
	}
	s.mu.Unlock()
	sort.Strings(gone)

	for _, a := range gone {
		s.mu.Lock()
		rec := s.runningByArtifact[a]
		s.mu.Unlock()
		s.stop(ctx, a, rec, report)
	}

	s.sweepOrphanedLedgerFiles(universe, report)

	return nil
}

// ReconcileDelta handles one debounced batch of changed paths (spec.md
// §4.8 "Reconcile (delta)"): each path is classified as present/absent and
// routed to ensure or stop.
func (s *Supervisor) ReconcileDelta(ctx context.Context, changedPaths []string) (Report, error) {
	if !s.beginReconcile() {
		return Report{}, nil
	}

	var report Report
	s.runDelta(ctx, changedPaths, &report)

	if s.endReconcile() {
		var followUp Report
		_ = s.runFull(ctx, &followUp)
		report.Spawned = append(report.Spawned, followUp.Spawned...)
		report.Killed = append(report.Killed, followUp.Killed...)
		report.Skipped = append(report.Skipped, followUp.Skipped...)
		report.Errors = append(report.Errors, followUp.Errors...)
	}

	return report, nil
}

func (s *Supervisor) runDelta(ctx context.Context, changedPaths []string, report *Report) {
	if s.isClosed() {
		return
	}

	start := time.Now()
	s.emit(events.Event{Kind: events.KindSessionStart})
	defer func() {
		s.emit(events.Event{Kind: events.KindComplete, Summary: *report})
		s.emit(events.Event{Kind: events.KindSessionEnd, TotalMs: time.Since(start).Milliseconds()})
	}()

	tagged, err := s.opts.ProcIndex.List(ctx)
	if err != nil {
		report.addError("*", err)
		return
	}

	sorted := append([]string(nil), changedPaths...)
	sort.Strings(sorted)

	for _, p := range sorted {
		canon, err := pathutil.Canonicalize(p)
		if err != nil {
			canon = p
		}

		info, statErr := os.Stat(canon)
		if statErr != nil || info.IsDir() {
			s.mu.Lock()
			rec, tracked := s.runningByArtifact[canon]
			s.mu.Unlock()
			if tracked {
				s.stop(ctx, canon, rec, report)
			}
			continue
		}

		classification, cerr := s.opts.Registry.Classify(canon)
		if cerr != nil || classification == nil {
			continue
		}

		root, relSlash := s.rootAndRel(canon)
		entry := discovery.Entry{Path: canon, Root: root, RelSlash: relSlash, Classification: classification}
		s.emit(events.Event{Kind: events.KindDiscovered, Path: canon})
		s.ensure(ctx, canon, entry, tagged, report)
	}
}

func (s *Supervisor) rootAndRel(canon string) (string, string) {
	var roots []string
	for _, r := range s.opts.Roots {
		roots = append(roots, r.Path)
	}
	rel, root, ok := pathutil.RelFromRoots(canon, roots)
	if !ok {
		return "", canon
	}
	return root, rel
}

// adoptIfTagged looks for a still-live tagged process whose PROVENANCE tag
// matches artifact a, independent of any in-memory tracking state. This is
// how a freshly started Supervisor (a new process, a new ledger session
// directory) recognizes a service a prior instance spawned instead of
// spawning a duplicate (spec.md §5: "child processes are not killed on
// supervisor exit"). PROVENANCE is the match key, not CONTEXT_PATH, since
// the context path is scoped to a session directory that changes on every
// restart.
func (s *Supervisor) adoptIfTagged(a string, tagged []procindex.Tagged) (ledger.Record, bool) {
	for _, t := range tagged {
		if t.Tags[ledger.TagProvenance] != a {
			continue
		}
		if t.Record != nil {
			return *t.Record, true
		}
		return recordFromTags(t), true
	}
	return ledger.Record{}, false
}

// recordFromTags rebuilds a minimal Record from a tagged process's own
// environment when its on-disk context file could not be read.
func recordFromTags(t procindex.Tagged) ledger.Record {
	port, _ := strconv.Atoi(t.Tags[ledger.TagPort])
	return ledger.Record{
		Service: ledger.Service{
			ID:                  t.Tags[ledger.TagService],
			Kind:                t.Tags[ledger.TagKind],
			Label:               t.Tags[ledger.TagLabel],
			ProxyEndpointPrefix: t.Tags[ledger.TagProxy],
			UpstreamURL:         t.Tags[ledger.TagUpstream],
		},
		Supplier: ledger.Supplier{Location: t.Tags[ledger.TagProvenance]},
		Session:  ledger.Session{SessionID: t.Tags[ledger.TagSession]},
		Listen: ledger.Listen{
			Host:     t.Tags[ledger.TagListenHost],
			Port:     port,
			BaseURL:  t.Tags[ledger.TagBaseURL],
			ProbeURL: t.Tags[ledger.TagProbeURL],
		},
		Spawned: ledger.Spawned{PID: t.PID},
		Paths:   ledger.Paths{Context: t.Tags[ledger.TagContext]},
	}
}

// ensure implements spec.md §4.8's ensure(a) algorithm.
func (s *Supervisor) ensure(ctx context.Context, a string, entry discovery.Entry, tagged []procindex.Tagged, report *Report) {
	s.mu.Lock()
	rec, tracked := s.runningByArtifact[a]
	s.mu.Unlock()

	if tracked {
		if isLive(rec, tagged) {
			s.emit(events.Event{Kind: events.KindExposeDecision, Path: a, ShouldSpawn: false})
			return
		}
		s.mu.Lock()
		delete(s.runningByArtifact, a)
		s.mu.Unlock()
	}

	if adopted, ok := s.adoptIfTagged(a, tagged); ok {
		s.mu.Lock()
		s.runningByArtifact[a] = adopted
		if adopted.Service.ID != "" {
			s.identityOwner[adopted.Service.ID] = a
		}
		s.mu.Unlock()
		s.emit(events.Event{Kind: events.KindExposeDecision, Path: a, ShouldSpawn: false})
		return
	}

	s.mu.Lock()
	fail, hasFail := s.failuresByArtifact[a]
	s.mu.Unlock()
	if hasFail && time.Since(fail.lastFailAt) < BackoffWindow {
		s.emit(events.Event{Kind: events.KindExposeDecision, Path: a, ShouldSpawn: false})
		report.addSkipped(a)
		return
	}

	s.emit(events.Event{Kind: events.KindExposeDecision, Path: a, ShouldSpawn: true})

	ov, err := spawnplan.LoadOverridesFromSidecar(a + SidecarSuffix)
	if err != nil {
		s.recordFailure(a)
		report.addError(a, err)
		return
	}

	identity := entry.RelSlash
	if id, ok := ov.InstanceID(); ok && id != "" {
		identity = id
	} else {
		identity = spawnplan.DefaultIdentity(entry.RelSlash)
	}

	s.mu.Lock()
	owner, claimed := s.identityOwner[identity]
	if !claimed {
		s.identityOwner[identity] = a
	}
	s.mu.Unlock()
	if claimed && owner != a {
		report.addSkipped(a)
		return
	}

	host := s.opts.UserConfig.ListenHost
	if h, ok := ov.ListenHost(); ok && h != "" {
		host = h
	}

	port, err := s.allocatePort(host, ov, tagged)
	if err != nil {
		s.recordFailure(a)
		report.addError(a, err)
		s.emitError(events.PhaseExpose, a, err)
		return
	}
	s.emit(events.Event{Kind: events.KindPortAllocated, Path: a, Port: port})

	prefix := spawnplan.DefaultProxyPrefix(identity)
	baseURL := fmt.Sprintf("http://%s:%d", host, port)
	upstreamURL := baseURL + prefix

	paths := s.opts.Store.RecordPaths(entry.RelSlash)
	s.emit(events.Event{Kind: events.KindPathsResolved, Path: a, ContextPath: paths.Context})

	tags := map[string]string{
		ledger.TagProvenance: a,
		ledger.TagContext:    paths.Context,
		ledger.TagSession:    s.opts.Store.Session.OwnerToken,
		ledger.TagService:    identity,
		ledger.TagKind:       entry.Classification.Kind,
		ledger.TagProxy:      prefix,
		ledger.TagUpstream:   upstreamURL,
		ledger.TagListenHost: host,
		ledger.TagPort:       strconv.Itoa(port),
		ledger.TagBaseURL:    baseURL,
		ledger.TagProbeURL:   baseURL + "/",
	}

	params := spawnplan.Params{
		ListenHost:    host,
		Port:          port,
		ProxyPrefix:   prefix,
		Kind:          entry.Classification.Kind,
		Identity:      identity,
		UpstreamURL:   upstreamURL,
		Tags:          tags,
		StdoutLogPath: paths.Stdout,
		StderrLogPath: paths.Stderr,
	}

	plan, err := s.opts.Planner.Plan(entry.Classification.Kind, ov, params)
	if err != nil {
		s.recordFailure(a)
		report.addError(a, err)
		s.emitError(events.PhaseSpawn, a, err)
		return
	}

	s.emit(events.Event{Kind: events.KindSpawning, Path: a})

	ledgerPlan := plan.ToLedgerPlan()
	pid, err := s.opts.Launcher.Launch(ledgerPlan)
	if err != nil {
		s.recordFailure(a)
		report.addError(a, err)
		s.emitError(events.PhaseSpawn, a, err)
		return
	}

	record := ledger.Record{
		StartedAt: time.Now().UTC(),
		Service: ledger.Service{
			ID:                  identity,
			Kind:                entry.Classification.Kind,
			ProxyEndpointPrefix: prefix,
			UpstreamURL:         upstreamURL,
		},
		Supplier: ledger.Supplier{Kind: entry.Classification.Kind, Location: a},
		Session: ledger.Session{
			SessionID: s.opts.Store.Session.OwnerToken,
			Host:      ledger.Host{Identity: s.opts.HostIdentity, PID: os.Getpid()},
			StartedAt: time.Now().UTC(),
		},
		Listen: ledger.Listen{Host: host, Port: port, BaseURL: baseURL, ProbeURL: baseURL + "/"},
		Spawned: ledger.Spawned{PID: pid, Plan: ledgerPlan},
		Paths:   paths,
	}

	if err := s.opts.Store.WriteRecord(record); err != nil {
		report.addError(a, err)
		s.emitError(events.PhaseWriteContext, a, err)
		return
	}
	s.emit(events.Event{Kind: events.KindContextWritten, Path: a, ContextPath: paths.Context})

	s.mu.Lock()
	s.runningByArtifact[a] = record
	s.mu.Unlock()

	s.syncPidsFile()
	report.addSpawned(a)
	s.emit(events.Event{Kind: events.KindSpawned, Path: a, PID: pid})

	s.postSpawnProbe(a, record.Listen.ProbeURL, ov)
}

// postSpawnProbe performs a single best-effort reachability check against a
// freshly spawned service (spec.md §5: "15 s for post-spawn probe"),
// distinct from the gateway's on-demand /api/health.json. Failure does not
// roll back the spawn; it is only reported through the event bus.
func (s *Supervisor) postSpawnProbe(a string, probeURL string, ov spawnplan.Overrides) {
	if s.isClosed() || ov.ProbeDisabled() || probeURL == "" {
		s.emit(events.Event{Kind: events.KindProbeSkipped, Path: a})
		return
	}

	s.emit(events.Event{Kind: events.KindProbeStarted, Path: a})
	start := time.Now()

	client := &http.Client{Timeout: PostSpawnProbeTimeout}
	resp, err := client.Get(probeURL)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		s.emit(events.Event{Kind: events.KindServiceUnreachable, Path: a, DurationMs: duration})
		return
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= 500 {
		s.emit(events.Event{Kind: events.KindServiceUnreachable, Path: a, DurationMs: duration})
		return
	}
	s.emit(events.Event{Kind: events.KindServiceReachable, Path: a, DurationMs: duration})
}

func (s *Supervisor) recordFailure(a string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.failuresByArtifact[a]
	f.lastFailAt = time.Now()
	f.count++
	s.failuresByArtifact[a] = f
}

// stop implements spec.md §4.8's stop(a) algorithm.
func (s *Supervisor) stop(ctx context.Context, a string, rec ledger.Record, report *Report) {
	foreign := rec.Session.SessionID != "" && rec.Session.SessionID != s.opts.Store.Session.OwnerToken
	if foreign && !s.opts.AdoptForeignState {
		s.mu.Lock()
		delete(s.runningByArtifact, a)
		s.mu.Unlock()
		report.addSkipped(a)
		return
	}

	if rec.Spawned.PID > 0 {
		if err := launcher.KillGroup(rec.Spawned.PID, false); err == nil {
			deadline := time.Now().Add(KillGraceTimeout)
			for time.Now().Before(deadline) {
				if !pidIsRunning(rec.Spawned.PID) {
					break
				}
				time.Sleep(killPollInterval)
			}
			if pidIsRunning(rec.Spawned.PID) {
				_ = launcher.KillGroup(rec.Spawned.PID, true)
			}
		}
	}

	if err := s.opts.Store.RemoveRecord(rec); err != nil {
		report.addError(a, err)
	}

	s.mu.Lock()
	delete(s.runningByArtifact, a)
	delete(s.identityOwner, rec.Service.ID)
	s.mu.Unlock()

	s.syncPidsFile()
	report.addKilled(a)
	s.emit(events.Event{Kind: events.KindServiceUnreachable, Path: a, PID: rec.Spawned.PID})
}

// sweepOrphanedLedgerFiles removes *.context.json files whose supplier
// location no longer exists on disk (spec.md §4.8 step 4).
func (s *Supervisor) sweepOrphanedLedgerFiles(universe map[string]discovery.Entry, report *Report) {
	entries, err := ledger.List(s.opts.Store.Session.Dir)
	if err != nil {
		return
	}
	for _, le := range entries {
		if le.Err != nil {
			continue
		}
		if _, err := os.Stat(le.Record.Supplier.Location); err == nil {
			continue
		}
		if _, tracked := universe[le.Record.Supplier.Location]; tracked {
			continue
		}
		if err := s.opts.Store.RemoveRecord(le.Record); err != nil {
			report.addError(le.Record.Supplier.Location, err)
		}
	}
}

func (s *Supervisor) syncPidsFile() {
	s.mu.Lock()
	pids := make([]int, 0, len(s.runningByArtifact))
	for _, rec := range s.runningByArtifact {
		pids = append(pids, rec.Spawned.PID)
	}
	s.mu.Unlock()
	_ = s.opts.Store.WritePids(pids)
}

func (s *Supervisor) emit(e events.Event) {
	if s.opts.Bus != nil {
		s.opts.Bus.Emit(e)
	}
}

func (s *Supervisor) emitError(phase events.Phase, path string, err error) {
	s.emit(events.Event{Kind: events.KindError, Phase: phase, Path: path, Err: err})
}

// allocatePort honors a listen.port override, else bind-and-close probes
// for a free port starting from the last-allocated hint, skipping ports
// held by live tagged processes (spec.md §4.8 "Port allocation"). It does
// not look at a recorded port; a live service keeps its port because
// ensure returns before allocating for it.
func (s *Supervisor) allocatePort(host string, ov spawnplan.Overrides, tagged []procindex.Tagged) (int, error) {
	if p, ok := ov.ListenPort(); ok && p > 0 {
		return p, nil
	}

	used := map[int]struct{}{}
	for _, t := range tagged {
		if p, err := strconv.Atoi(t.Tags[ledger.TagPort]); err == nil {
			used[p] = struct{}{}
		}
	}

	s.mu.Lock()
	start := s.lastPort + 1
	s.mu.Unlock()
	if start <= 0 {
		start = 3000
	}

	for port := start; port < 65535; port++ {
		if _, taken := used[port]; taken {
			continue
		}
		if probePort(host, port) {
			s.mu.Lock()
			s.lastPort = port
			s.mu.Unlock()
			return port, nil
		}
	}
	return 0, fmt.Errorf("supervisor: no free port found starting at %d", start)
}

// probePort binds and immediately closes a TCP listener on host:port,
// the "only the OS arbitrates" allocation strategy of spec.md §4.8/§5.
func probePort(host string, port int) bool {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

func isLive(rec ledger.Record, tagged []procindex.Tagged) bool {
	for _, t := range tagged {
		if t.Tags[ledger.TagContext] == rec.Paths.Context && t.PID == rec.Spawned.PID {
			return true
		}
	}
	return false
}
