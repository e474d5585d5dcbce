// Package proxytable implements C9 (spec.md §4.7): building a
// longest-prefix routing table from the tagged-process stream and
// resolving request paths against it. Not grounded on the teacher (no
// routing concern in lazydocker); built directly from spec.md's algorithm.
// Library: github.com/samber/lo for dedup-keep-first over routes.
package proxytable

import (
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/sijucj/dbyard/pkg/ledger"
	"github.com/sijucj/dbyard/pkg/pathutil"
	"github.com/sijucj/dbyard/pkg/procindex"
)

// Route is one (basePath, upstreamUrl) mapping.
type Route struct {
	BasePath    string
	UpstreamURL string
	ServiceID   string
}

// Conflict records a basePath that two or more distinct upstreams claim.
type Conflict struct {
	BasePath  string
	Upstreams []string
}

// Table is the sorted, deduped, conflict-annotated routing table.
type Table struct {
	Routes    []Route
	Conflicts []Conflict
}

// Build constructs a Table from a tagged-process snapshot (spec.md §4.7).
func Build(tagged []procindex.Tagged) Table {
	type candidate struct {
		route    Route
		priority int // lower sorts first among equal-length basePaths
	}

	var candidates []candidate
	for i, t := range tagged {
		upstream := t.Tags[ledger.TagUpstream]
		if upstream == "" {
			continue
		}
		prefix := pathutil.NormalizeBasePath(t.Tags[ledger.TagProxy])
		serviceID := t.Tags[ledger.TagService]

		candidates = append(candidates, candidate{
			route:    Route{BasePath: prefix, UpstreamURL: upstream, ServiceID: serviceID},
			priority: i * 2,
		})

		if !strings.Contains(serviceID, "/") && serviceID != "" {
			legacy := pathutil.NormalizeBasePath("/" + serviceID)
			if legacy != prefix {
				candidates = append(candidates, candidate{
					route:    Route{BasePath: legacy, UpstreamURL: upstream, ServiceID: serviceID},
					priority: i*2 + 1,
				})
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].priority < candidates[j].priority })

	seen := map[string]Route{}
	var order []string
	upstreamsByPath := map[string]map[string]struct{}{}

	for _, c := range candidates {
		bp := c.route.BasePath
		if _, ok := seen[bp]; !ok {
			seen[bp] = c.route
			order = append(order, bp)
			upstreamsByPath[bp] = map[string]struct{}{}
		}
		upstreamsByPath[bp][c.route.UpstreamURL] = struct{}{}
	}

	routes := lo.Map(order, func(bp string, _ int) Route { return seen[bp] })

	var conflicts []Conflict
	for _, bp := range order {
		ups := upstreamsByPath[bp]
		if len(ups) > 1 {
			list := lo.Keys(ups)
			sort.Strings(list)
			conflicts = append(conflicts, Conflict{BasePath: bp, Upstreams: list})
		}
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].BasePath < conflicts[j].BasePath })

	// Longest prefix wins: sort by len(basePath) descending.
	sort.SliceStable(routes, func(i, j int) bool { return len(routes[i].BasePath) > len(routes[j].BasePath) })

	return Table{Routes: routes, Conflicts: conflicts}
}

// Resolve finds the first route whose basePath matches pathname exactly
// or as a "basePath/rest" prefix, returning the matched route and the
// remainder (at least "/"). Routes are assumed pre-sorted by Build
// (longest prefix first).
func (t Table) Resolve(pathname string) (Route, string, bool) {
	for _, r := range t.Routes {
		if r.BasePath == "/" {
			return r, pathname, true
		}
		if pathname == r.BasePath {
			return r, "/", true
		}
		if strings.HasPrefix(pathname, r.BasePath+"/") {
			rest := strings.TrimPrefix(pathname, r.BasePath)
			if rest == "" {
				rest = "/"
			}
			return r, rest, true
		}
	}
	return Route{}, "", false
}
