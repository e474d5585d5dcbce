package cli

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sijucj/dbyard/pkg/launcher"
	"github.com/sijucj/dbyard/pkg/proxytable"
	"github.com/sijucj/dbyard/pkg/procindex"
)

// killPID issues the same TERM-then-poll-then-KILL sequence the
// supervisor's own stop() uses (spec.md §4.8), for the standalone `kill`
// command which has no in-memory ledger.Record to consult.
func killPID(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("kill: invalid pid %d", pid)
	}
	if err := launcher.KillGroup(pid, false); err != nil {
		return err
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if pidAlive(pid) {
		return launcher.KillGroup(pid, true)
	}
	return nil
}

// httpServer is a minimal wrapper so runWebUI can start/stop the gateway
// without blocking the reconcile loop on the same goroutine.
type httpServer struct {
	addr    string
	handler http.Handler
	srv     *http.Server
}

func (s *httpServer) start() error {
	s.srv = &http.Server{Addr: s.addr, Handler: s.handler}
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(150 * time.Millisecond):
		return nil
	}
}

func (s *httpServer) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}

// writeNginxConf emits one `location` block per route into a single
// server-snippet file. This is the concrete shape of the offline
// transform spec.md §1 defers as an external collaborator ("proxy config
// generators... a separate offline transform over the ledger") — kept
// intentionally small since it is explicitly out of scope for this
// system's core.
func writeNginxConf(dir string, tagged []procindex.Tagged, serverName, listen string, strip bool) error {
	if serverName == "" {
		serverName = "_"
	}
	if listen == "" {
		listen = "80"
	}

	table := proxytable.Build(tagged)

	var b strings.Builder
	fmt.Fprintf(&b, "server {\n    listen %s;\n    server_name %s;\n\n", listen, serverName)
	for _, route := range table.Routes {
		// The upstream URL already ends in the base path; proxy_pass is
		// built from its origin so that only strip removes the prefix.
		origin := route.UpstreamURL
		if u, err := url.Parse(route.UpstreamURL); err == nil && u.Host != "" {
			origin = u.Scheme + "://" + u.Host
		}
		fmt.Fprintf(&b, "    location %s/ {\n", route.BasePath)
		if strip {
			fmt.Fprintf(&b, "        proxy_pass %s/;\n", origin)
		} else {
			fmt.Fprintf(&b, "        proxy_pass %s%s/;\n", origin, route.BasePath)
		}
		fmt.Fprintf(&b, "        proxy_set_header Host $host;\n    }\n\n")
	}
	b.WriteString("}\n")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "dbyard.conf"), []byte(b.String()), 0o644)
}

// writeTraefikConf emits a file-provider dynamic config with one router
// and service per route.
func writeTraefikConf(dir string, tagged []procindex.Tagged, entrypoints, ruleTemplate string, strip bool) error {
	if entrypoints == "" {
		entrypoints = "web"
	}
	if ruleTemplate == "" {
		ruleTemplate = "PathPrefix(`{{prefix}}`)"
	}

	table := proxytable.Build(tagged)
	sort.Slice(table.Routes, func(i, j int) bool { return table.Routes[i].BasePath < table.Routes[j].BasePath })

	var b strings.Builder
	b.WriteString("http:\n  routers:\n")
	for i, route := range table.Routes {
		name := routerName(route.BasePath, i)
		rule := strings.ReplaceAll(ruleTemplate, "{{prefix}}", route.BasePath)
		fmt.Fprintf(&b, "    %s:\n      rule: \"%s\"\n      entryPoints: [\"%s\"]\n      service: %s\n", name, rule, entrypoints, name)
		if strip {
			fmt.Fprintf(&b, "      middlewares: [\"%s-strip\"]\n", name)
		}
	}
	if strip {
		b.WriteString("  middlewares:\n")
		for i, route := range table.Routes {
			name := routerName(route.BasePath, i)
			fmt.Fprintf(&b, "    %s-strip:\n      stripPrefix:\n        prefixes: [\"%s\"]\n", name, route.BasePath)
		}
	}
	b.WriteString("  services:\n")
	for i, route := range table.Routes {
		name := routerName(route.BasePath, i)
		fmt.Fprintf(&b, "    %s:\n      loadBalancer:\n        servers:\n          - url: \"%s\"\n", name, route.UpstreamURL)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "dbyard-dynamic.yml"), []byte(b.String()), 0o644)
}

func routerName(basePath string, idx int) string {
	cleaned := strings.Trim(basePath, "/")
	cleaned = strings.ReplaceAll(cleaned, "/", "-")
	if cleaned == "" {
		cleaned = fmt.Sprintf("root-%d", idx)
	}
	return "dbyard-" + cleaned
}
