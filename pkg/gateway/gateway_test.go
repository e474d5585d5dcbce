package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sijucj/dbyard/pkg/ledger"
	"github.com/sijucj/dbyard/pkg/procindex"
)

func newTestGateway(t *testing.T, upstream string) (*Gateway, *ledger.Store) {
	t.Helper()

	home := t.TempDir()
	store, err := ledger.Open(home, "", time.Now())
	require.NoError(t, err)

	tagged := []procindex.Tagged{
		{
			PID: 1234,
			Tags: map[string]string{
				ledger.TagProvenance: "/roots/hello.db",
				ledger.TagContext:    store.RecordPaths("hello.db").Context,
				ledger.TagSession:    store.Session.OwnerToken,
				ledger.TagService:    "hello",
				ledger.TagProxy:      "/hello",
				ledger.TagUpstream:   upstream,
			},
		},
	}

	idx := procindex.NewStatic(tagged)
	gw := New("", store, idx, nil)
	gw.TableTTL = 0
	return gw, store
}

func TestProxyResolveReturnsMatch(t *testing.T) {
	gw, _ := newTestGateway(t, "http://127.0.0.1:1")

	req := httptest.NewRequest(http.MethodGet, DefaultPrefix+"/api/proxy-resolve.json?path=/hello/x", nil)
	rec := httptest.NewRecorder()
	gw.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "/hello", body["matchBasePath"])
	assert.Equal(t, "/x", body["rest"])
}

func TestProxyResolveMiss(t *testing.T) {
	gw, _ := newTestGateway(t, "http://127.0.0.1:1")

	req := httptest.NewRequest(http.MethodGet, DefaultPrefix+"/api/proxy-resolve.json?path=/nope", nil)
	rec := httptest.NewRecorder()
	gw.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["ok"])
}

func TestCatchAllProxiesToUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-From-Upstream", "1")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hi from " + r.URL.Path))
	}))
	defer upstream.Close()

	gw, _ := newTestGateway(t, upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/hello/x", nil)
	rec := httptest.NewRecorder()
	gw.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-From-Upstream"))
	assert.Contains(t, rec.Body.String(), "/hello/x")
}

func TestCatchAllMissReturns404JSON(t *testing.T) {
	gw, _ := newTestGateway(t, "http://127.0.0.1:1")

	req := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	rec := httptest.NewRecorder()
	gw.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["ok"])
}

func TestTraceHeadersAttachedOnTracedRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	gw, _ := newTestGateway(t, upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/hello/x?__trace=1", nil)
	rec := httptest.NewRecorder()
	gw.Router().ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("X-Trace-Id"))
	assert.Equal(t, "/hello", rec.Header().Get("X-Matched-BasePath"))
	assert.Equal(t, upstream.URL, rec.Header().Get("X-Upstream"))
	assert.Equal(t, "/x", rec.Header().Get("X-Rest"))
}

func TestRefererRedirectPrependsBasePath(t *testing.T) {
	gw, _ := newTestGateway(t, "http://127.0.0.1:1")

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Referer", "http://gw.example/hello/y")
	rec := httptest.NewRecorder()
	gw.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/hello/x", rec.Header().Get("Location"))
}

func TestLedgerBrowseRejectsTraversal(t *testing.T) {
	gw, _ := newTestGateway(t, "http://127.0.0.1:1")

	req := httptest.NewRequest(http.MethodGet, DefaultPrefix+"/ledger.d/../../etc/passwd", nil)
	rec := httptest.NewRecorder()
	gw.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLedgerBrowseServesKnownFile(t *testing.T) {
	gw, store := newTestGateway(t, "http://127.0.0.1:1")

	rec := ledger.Record{Paths: store.RecordPaths("hello.db")}
	require.NoError(t, os.WriteFile(rec.Paths.Stdout, []byte("log line"), 0o644))

	req := httptest.NewRequest(http.MethodGet, DefaultPrefix+"/ledger.d/hello.db.stdout.log", nil)
	w := httptest.NewRecorder()
	gw.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "log line", w.Body.String())
}

func TestReconcileReportFlagsLedgerWithoutProcess(t *testing.T) {
	gw, store := newTestGateway(t, "http://127.0.0.1:1")

	orphan := ledger.Record{
		Service:  ledger.Service{ID: "orphan"},
		Supplier: ledger.Supplier{Location: "/roots/orphan.db"},
		Spawned:  ledger.Spawned{PID: 999},
		Paths:    store.RecordPaths("orphan.db"),
	}
	require.NoError(t, store.WriteRecord(orphan))

	req := httptest.NewRequest(http.MethodGet, DefaultPrefix+"/api/reconcile.json", nil)
	rec := httptest.NewRecorder()
	gw.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	without := body["ledgerWithoutProcess"].([]interface{})
	require.Len(t, without, 1)
	assert.Equal(t, orphan.Paths.Context, without[0])
}
