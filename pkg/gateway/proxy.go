package gateway

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sijucj/dbyard/pkg/proxytable"
)

// handleProxy is the catch-all reverse-proxy handler (spec.md §4.9
// "Proxy request path"). It never panics on a bad request: a miss
// returns JSON, never an exception.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	_, table, err := g.snapshot(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}

	route, rest, ok := table.Resolve(r.URL.Path)
	if !ok {
		if g.tryRefererRedirect(w, r, table) {
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"ok": false, "error": "no route for path", "hint": g.Prefix + "/ui/",
		})
		return
	}

	traced, traceID := g.wantsTrace(r)
	target, err := url.Parse(route.UpstreamURL)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}

	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.URL.Path = r.URL.Path
			req.URL.RawQuery = r.URL.RawQuery
			req.Host = target.Host
		},
		ErrorHandler: func(rw http.ResponseWriter, req *http.Request, proxyErr error) {
			writeJSON(rw, http.StatusBadGateway, map[string]interface{}{
				"ok": false, "error": proxyErr.Error(), "target": route.UpstreamURL,
			})
		},
	}

	if traced {
		w.Header().Set("X-Trace-Id", traceID)
		w.Header().Set("X-Matched-BasePath", route.BasePath)
		w.Header().Set("X-Upstream", route.UpstreamURL)
		w.Header().Set("X-Rest", rest)
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	proxy.ServeHTTP(rec, r)

	if traced {
		g.logTrace(traceID, r, route, rest, rec.status, time.Since(start))
	}
}

// tryRefererRedirect implements spec.md §4.9's optional usability fix:
// if Referer names a known basePath, 307-redirect the current path under
// it, correcting client-side relative-URL drift from a client that
// stripped the prefix off its own relative links.
func (g *Gateway) tryRefererRedirect(w http.ResponseWriter, r *http.Request, table proxytable.Table) bool {
	referer := r.Header.Get("Referer")
	if referer == "" {
		return false
	}
	u, err := url.Parse(referer)
	if err != nil {
		return false
	}
	route, _, ok := table.Resolve(u.Path)
	if !ok {
		return false
	}
	if strings.HasPrefix(r.URL.Path, route.BasePath) {
		return false
	}

	newPath := route.BasePath + r.URL.Path
	dest := newPath
	if r.URL.RawQuery != "" {
		dest += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, dest, http.StatusTemporaryRedirect)
	return true
}

func (g *Gateway) wantsTrace(r *http.Request) (bool, string) {
	if r.URL.Query().Get("__trace") != "1" && r.Header.Get("X-Trace") != "1" {
		return false, ""
	}
	id := r.Header.Get("X-Trace-Id")
	if id == "" {
		id = uuid.NewString()
	}
	return true, id
}

func (g *Gateway) logTrace(traceID string, r *http.Request, route proxytable.Route, rest string, status int, dur time.Duration) {
	if g.Log == nil {
		return
	}
	g.Log.WithFields(map[string]interface{}{
		"traceId":         traceID,
		"method":          r.Method,
		"path":            r.URL.Path,
		"matchedBasePath": route.BasePath,
		"upstreamUrl":     route.UpstreamURL,
		"rest":            rest,
		"status":          status,
		"durationMs":      dur.Milliseconds(),
	}).Info("proxy request")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
