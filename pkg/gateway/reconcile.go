package gateway

import (
	"net/http"

	"github.com/sijucj/dbyard/pkg/ledger"
)

// handleReconcileReport implements the P/api/reconcile.json contract of
// spec.md §4.9: ledger entries with no live tagged process,
// tagged processes with no ledger entry, plus the current proxy
// conflicts — a read-only diagnostic, distinct from the supervisor's own
// mutating Reconcile.
func (g *Gateway) handleReconcileReport(w http.ResponseWriter, r *http.Request) {
	tagged, table, err := g.snapshot(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}

	entries, err := ledger.List(g.Store.Session.Dir)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}

	taggedByContext := map[string]struct{}{}
	for _, t := range tagged {
		if ctxPath := t.Tags[ledger.TagContext]; ctxPath != "" {
			taggedByContext[ctxPath] = struct{}{}
		}
	}

	var ledgerWithoutProcess []string
	ledgerContexts := map[string]struct{}{}
	for _, e := range entries {
		if e.Err != nil {
			continue
		}
		ledgerContexts[e.Record.Paths.Context] = struct{}{}
		if _, live := taggedByContext[e.Record.Paths.Context]; !live {
			ledgerWithoutProcess = append(ledgerWithoutProcess, e.Record.Paths.Context)
		}
	}

	var processWithoutLedger []int
	for _, t := range tagged {
		ctxPath := t.Tags[ledger.TagContext]
		if _, known := ledgerContexts[ctxPath]; !known {
			processWithoutLedger = append(processWithoutLedger, t.PID)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":                    true,
		"ledgerWithoutProcess":  sortedStrings(ledgerWithoutProcess),
		"processWithoutLedger":  processWithoutLedger,
		"proxyConflicts":        table.Conflicts,
	})
}
