// Package gateway implements C10 (spec.md §4.9): the reverse-proxy
// gateway that fronts every spawned service plus a small admin API under
// one reserved path prefix. Routing built on go-chi/chi/v5 (the router
// the pack's own DataDog contrib packages instrument, the strongest
// signal in the retrieved corpus for "this ecosystem reaches for chi"),
// reverse proxying on the standard library's httputil.ReverseProxy (no
// reverse-proxy library appears anywhere in the pack — DataDog's
// contrib/go-chi wraps routers and clients, it is not itself a proxy),
// dotted-path field inspection for proxy-debug.json on
// github.com/mcuadros/go-lookup (vendored unused by the teacher).
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	lookup "github.com/mcuadros/go-lookup"
	"github.com/sirupsen/logrus"

	"github.com/sijucj/dbyard/pkg/ledger"
	"github.com/sijucj/dbyard/pkg/pathutil"
	"github.com/sijucj/dbyard/pkg/procindex"
	"github.com/sijucj/dbyard/pkg/proxytable"
)

// DefaultPrefix is the reserved namespace mounted ahead of the catch-all
// proxy, matching spec.md §4.9's own example.
const DefaultPrefix = "/.db-yard"

// redactedHeaders is the fixed allow-list of credential-bearing inbound
// headers redacted from trace logs (spec.md §4.9).
var redactedHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"cookie":              {},
	"set-cookie":          {},
	"api-key":             {},
	"x-api-key":           {},
	"client-cert":         {},
	"x-client-cert":       {},
}

const (
	defaultProbeTimeout      = 1500 * time.Millisecond
	defaultTableCacheTTL      = 2 * time.Second
)

// Gateway fronts every spawned service behind one reverse proxy and
// exposes the admin endpoints of spec.md §4.9.
type Gateway struct {
	Prefix    string
	Store     *ledger.Store
	ProcIndex *procindex.Index
	Log       *logrus.Entry
	TableTTL  time.Duration
	UIHTML    []byte

	mu         sync.Mutex
	cachedAt   time.Time
	cachedTbl  proxytable.Table
	cachedTagged []procindex.Tagged
}

// New builds a Gateway. Its UIHTML field starts nil; a minimal placeholder
// page is served while it stays nil.
func New(prefix string, store *ledger.Store, idx *procindex.Index, log *logrus.Entry) *Gateway {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Gateway{Prefix: prefix, Store: store, ProcIndex: idx, Log: log, TableTTL: defaultTableCacheTTL}
}

// Router builds the chi.Mux implementing spec.md §4.9's endpoint table.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()

	r.Get(g.Prefix+"/ui/", g.handleUI)
	r.Get(g.Prefix+"/ui/*", g.handleUI)
	r.Get(g.Prefix+"/asset/*", g.handleAsset)
	r.Get(g.Prefix+"/api/tagged-processes.json", g.handleTaggedProcesses)
	r.Get(g.Prefix+"/api/reconcile.json", g.handleReconcileReport)
	r.Get(g.Prefix+"/api/proxy-table.json", g.handleProxyTable)
	r.Get(g.Prefix+"/api/proxy-resolve.json", g.handleProxyResolve)
	r.Get(g.Prefix+"/api/proxy-debug.json", g.handleProxyDebug)
	r.Get(g.Prefix+"/api/proxy-roundtrip.json", g.handleProxyRoundtrip)
	r.Get(g.Prefix+"/api/health.json", g.handleHealth)
	r.Get(g.Prefix+"/ledger.d/*", g.handleLedgerBrowse)

	r.NotFound(g.handleProxy)
	r.MethodNotAllowed(g.handleProxy)
	r.Handle("/*", http.HandlerFunc(g.handleProxy))

	return r
}

func (g *Gateway) handleUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if len(g.UIHTML) > 0 {
		w.Write(g.UIHTML)
		return
	}
	fmt.Fprintf(w, "<!doctype html><html><body><h1>dbyard</h1><p>See %s/api/tagged-processes.json</p></body></html>", g.Prefix)
}

func (g *Gateway) handleAsset(w http.ResponseWriter, r *http.Request) {
	http.NotFound(w, r)
}

// snapshot returns a point-in-time tagged-process list and routing table,
// TTL-cached (spec.md §5: "the gateway reads a point-in-time snapshot ...
// per request (or per short TTL)").
func (g *Gateway) snapshot(ctx context.Context) ([]procindex.Tagged, proxytable.Table, error) {
	g.mu.Lock()
	if !g.cachedAt.IsZero() && time.Since(g.cachedAt) < g.TableTTL {
		tagged, table := g.cachedTagged, g.cachedTbl
		g.mu.Unlock()
		return tagged, table, nil
	}
	g.mu.Unlock()

	tagged, err := g.ProcIndex.List(ctx)
	if err != nil {
		return nil, proxytable.Table{}, err
	}
	table := proxytable.Build(tagged)

	g.mu.Lock()
	g.cachedAt = time.Now()
	g.cachedTagged = tagged
	g.cachedTbl = table
	g.mu.Unlock()

	return tagged, table, nil
}

func (g *Gateway) handleTaggedProcesses(w http.ResponseWriter, r *http.Request) {
	tagged, _, err := g.snapshot(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "processes": tagged})
}

func (g *Gateway) handleProxyTable(w http.ResponseWriter, r *http.Request) {
	_, table, err := g.snapshot(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "routes": table.Routes, "conflicts": table.Conflicts})
}

func (g *Gateway) handleProxyResolve(w http.ResponseWriter, r *http.Request) {
	_, table, err := g.snapshot(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	p := r.URL.Query().Get("path")
	route, rest, ok := table.Resolve(p)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": false, "error": "no match"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true, "matchBasePath": route.BasePath, "upstreamUrl": route.UpstreamURL, "rest": rest,
	})
}

func (g *Gateway) handleProxyDebug(w http.ResponseWriter, r *http.Request) {
	_, table, err := g.snapshot(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	p := r.URL.Query().Get("path")
	route, rest, matched := table.Resolve(p)

	debug := map[string]interface{}{
		"path":    p,
		"matched": matched,
		"route":   route,
		"rest":    rest,
		"headers": redactHeaders(r.Header),
	}

	if field := r.URL.Query().Get("field"); field != "" {
		v, err := lookup.LookupString(debug, field)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "debug": debug, "fieldError": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "debug": debug, "field": field, "value": v.Interface()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "debug": debug})
}

func (g *Gateway) handleProxyRoundtrip(w http.ResponseWriter, r *http.Request) {
	_, table, err := g.snapshot(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	p := r.URL.Query().Get("path")
	route, rest, ok := table.Resolve(p)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": false, "error": "no match"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), defaultProbeTimeout)
	defer cancel()

	target := route.UpstreamURL + rest
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{"ok": false, "error": err.Error(), "target": target})
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true, "target": target, "status": resp.StatusCode, "durationMs": duration.Milliseconds(),
		"headers": resp.Header, "bodyPreview": string(body),
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	tagged, table, err := g.snapshot(r.Context())
	_ = tagged
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}

	timeout := defaultProbeTimeout
	if ms, convErr := strconv.Atoi(r.URL.Query().Get("timeoutMs")); convErr == nil && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	max := len(table.Routes)
	if m, convErr := strconv.Atoi(r.URL.Query().Get("max")); convErr == nil && m > 0 && m < max {
		max = m
	}

	type probeResult struct {
		BasePath   string `json:"basePath"`
		Status     int    `json:"status,omitempty"`
		Error      string `json:"error,omitempty"`
		DurationMs int64  `json:"durationMs"`
	}

	results := make([]probeResult, 0, max)
	for _, route := range table.Routes[:max] {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, route.UpstreamURL+"/", nil)
		start := time.Now()
		resp, err := http.DefaultClient.Do(req)
		cancel()
		res := probeResult{BasePath: route.BasePath, DurationMs: time.Since(start).Milliseconds()}
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Status = resp.StatusCode
			resp.Body.Close()
		}
		results = append(results, res)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "results": results})
}

// handleLedgerBrowse serves the session/active directory as a safe
// read-only filesystem browser (spec.md §4.9's "safe-join" requirement).
func (g *Gateway) handleLedgerBrowse(w http.ResponseWriter, r *http.Request) {
	rest := chi.URLParam(r, "*")
	root := g.Store.ActiveDir()
	if _, err := os.Stat(root); err != nil {
		root = g.Store.Session.Dir
	}

	full, err := pathutil.SafeJoin(root, rest)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}

	info, err := os.Stat(full)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	if info.IsDir() {
		entries, _ := os.ReadDir(full)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<!doctype html><html><body><h1>%s</h1><ul>", rest)
		for _, e := range entries {
			fmt.Fprintf(w, `<li><a href="%s/ledger.d/%s/%s">%s</a></li>`, g.Prefix, rest, e.Name(), e.Name())
		}
		fmt.Fprint(w, "</ul></body></html>")
		return
	}

	const maxTextPreview = 1 << 20
	if info.Size() > maxTextPreview {
		w.Header().Set("Content-Type", "application/octet-stream")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	http.ServeFile(w, r, full)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]interface{}{"ok": false, "error": err.Error()})
}

func redactHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		if _, redact := redactedHeaders[strings.ToLower(k)]; redact {
			out[k] = []string{"REDACTED"}
			continue
		}
		out[k] = v
	}
	return out
}

func sortedStrings(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
