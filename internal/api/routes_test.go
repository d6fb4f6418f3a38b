package api

import (
	"bytes"
	"encoding/json"
	"image/png"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/soma-tiles/spatialview/internal/anndata"
	"github.com/soma-tiles/spatialview/internal/cache"
	"github.com/soma-tiles/spatialview/internal/model"
	"github.com/soma-tiles/spatialview/internal/render"
	"github.com/soma-tiles/spatialview/internal/service"
)

// testServer holds the test server and its dependencies
type testServer struct {
	server *httptest.Server
	cache  *cache.Manager
}

func newTestTable(t *testing.T) *anndata.Table {
	t.Helper()

	obs := anndata.NewDataFrame([]string{"c0", "c1", "c2"})
	if err := obs.AddColumn("score", anndata.Dense{1.5, math.NaN(), 3}); err != nil {
		t.Fatalf("add column: %v", err)
	}
	if err := obs.AddColumn("cluster", anndata.Categorical{Codes: []int32{0, 1, 0}, Categories: []string{"B", "T"}}); err != nil {
		t.Fatalf("add column: %v", err)
	}
	vars := anndata.NewDataFrame([]string{"Actb", "Sox2.1"})
	x := &anndata.CSRMatrix{
		Rows: 3, Cols: 2,
		Indptr:  []int64{0, 1, 2, 2},
		Indices: []int64{0, 1},
		Data:    []float64{4, 9},
	}
	tbl, err := anndata.New(obs, vars, x)
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	if err := tbl.AddLayer("counts", x); err != nil {
		t.Fatalf("layer: %v", err)
	}
	spatial, _ := anndata.NewArray([]int{3, 2}, []float64{0, 0, 5, 5, 10, 0})
	if err := tbl.AddObsm("spatial", anndata.ArrayEntry(spatial)); err != nil {
		t.Fatalf("obsm: %v", err)
	}
	return tbl
}

// setupTestServer initializes all components and returns a test server
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	cacheManager, err := cache.NewManager(cache.Config{
		OverlayCacheSizeMB: 8, // Smaller cache for tests
		OverlayTTL:         time.Minute,
		VectorCacheSize:    100,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}

	ds, err := service.NewDataset("demo", "memory", newTestTable(t))
	if err != nil {
		t.Fatalf("NewDataset: %v", err)
	}
	svc, err := service.NewViewService(service.ViewServiceConfig{
		Dataset:     ds,
		Cache:       cacheManager,
		Renderer:    render.NewOverlayRenderer(render.Config{Size: 32}),
		View:        model.DefaultConfig(),
		MaxSessions: 8,
	})
	if err != nil {
		t.Fatalf("NewViewService: %v", err)
	}

	registry := NewDatasetRegistry("demo", []string{"demo", "unloaded"}, "")
	registry.Register("demo", svc)

	router := NewRouter(RouterConfig{
		Registry:    registry,
		CORSOrigins: []string{"http://localhost:3000"},
		Cache:       cacheManager,
	})

	ts := &testServer{server: httptest.NewServer(router), cache: cacheManager}
	t.Cleanup(ts.close)
	return ts
}

// close cleans up test server resources
func (ts *testServer) close() {
	ts.server.Close()
	ts.cache.Close()
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.server.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func (ts *testServer) createSession(t *testing.T) string {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/d/demo/api/sessions", "")
	assertStatusCode(t, resp, http.StatusCreated)
	var info service.SessionInfo
	decodeJSON(t, body, &info)
	if info.ID == "" {
		t.Fatalf("empty session id in %s", body)
	}
	return info.ID
}

// --- Helper Functions ---

// assertStatusCode verifies the HTTP status code
func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// assertContentType verifies the Content-Type header
func assertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, expected) {
		t.Errorf("Expected Content-Type %q, got %q", expected, contentType)
	}
}

func decodeJSON(t *testing.T, body []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("failed to decode JSON %q: %v", body, err)
	}
}

// --- Tests ---

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/health", "")
	assertStatusCode(t, resp, http.StatusOK)
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %q", body)
	}
}

func TestDatasetsEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/datasets", "")
	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "application/json")

	var payload struct {
		Default  string        `json:"default"`
		Title    string        `json:"title"`
		Datasets []DatasetInfo `json:"datasets"`
	}
	decodeJSON(t, body, &payload)
	if payload.Default != "demo" || payload.Title != "spatialview" {
		t.Errorf("unexpected payload: %+v", payload)
	}
	if len(payload.Datasets) != 1 || payload.Datasets[0].NObs != 3 || payload.Datasets[0].NVars != 2 {
		t.Errorf("unexpected datasets: %+v", payload.Datasets)
	}
}

func TestUnknownDataset(t *testing.T) {
	ts := setupTestServer(t)

	resp, _ := ts.do(t, http.MethodGet, "/d/nope/api/keys/obs", "")
	assertStatusCode(t, resp, http.StatusNotFound)
}

func TestKeysEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/d/demo/api/keys/obs", "")
	assertStatusCode(t, resp, http.StatusOK)
	var payload struct {
		Keys  []string `json:"keys"`
		Total int      `json:"total"`
	}
	decodeJSON(t, body, &payload)
	if payload.Total != 2 || payload.Keys[0] != "score" || payload.Keys[1] != "cluster" {
		t.Errorf("unexpected keys: %+v", payload)
	}

	resp, _ = ts.do(t, http.MethodGet, "/d/demo/api/keys/uns", "")
	assertStatusCode(t, resp, http.StatusBadRequest)
}

func TestSummaryEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/d/demo/api/summary", "")
	assertStatusCode(t, resp, http.StatusOK)
	var summary service.Summary
	decodeJSON(t, body, &summary)
	if summary.ID != "demo" || len(summary.Layers) != 1 || summary.Obsm[0] != "spatial" {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := setupTestServer(t)
	id := ts.createSession(t)
	base := "/d/demo/api/sessions/" + id

	resp, body := ts.do(t, http.MethodGet, base, "")
	assertStatusCode(t, resp, http.StatusOK)
	var info service.SessionInfo
	decodeJSON(t, body, &info)
	if info.Layer != "demo" || info.Dataset != "demo" {
		t.Errorf("unexpected session: %+v", info)
	}

	resp, body = ts.do(t, http.MethodPut, base+"/layer", `{"layer": "Spots"}`)
	assertStatusCode(t, resp, http.StatusOK)
	decodeJSON(t, body, &info)
	if info.Layer != "Spots" {
		t.Errorf("layer = %q, want Spots", info.Layer)
	}

	resp, _ = ts.do(t, http.MethodPut, base+"/table_layer", `{"table_layer": "raw"}`)
	assertStatusCode(t, resp, http.StatusNotFound)
	resp, body = ts.do(t, http.MethodPut, base+"/table_layer", `{"table_layer": "counts"}`)
	assertStatusCode(t, resp, http.StatusOK)
	decodeJSON(t, body, &info)
	if info.TableLayer != "counts" {
		t.Errorf("table layer = %q, want counts", info.TableLayer)
	}

	resp, _ = ts.do(t, http.MethodPut, base+"/layer", `{"layer": 3}`)
	assertStatusCode(t, resp, http.StatusBadRequest)

	resp, _ = ts.do(t, http.MethodDelete, base, "")
	assertStatusCode(t, resp, http.StatusNoContent)
	resp, _ = ts.do(t, http.MethodGet, base, "")
	assertStatusCode(t, resp, http.StatusNotFound)
}

func TestSettingsEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	base := "/d/demo/api/sessions/" + ts.createSession(t)

	resp, body := ts.do(t, http.MethodPatch, base+"/settings", `{"symbol": "square", "spot_diameter": 3}`)
	assertStatusCode(t, resp, http.StatusOK)
	var settings model.Settings
	decodeJSON(t, body, &settings)
	if settings.Symbol != model.SymbolSquare || settings.SpotDiameter != 3 {
		t.Errorf("unexpected settings: %+v", settings)
	}

	resp, _ = ts.do(t, http.MethodPatch, base+"/settings", `{"symbol": "star"}`)
	assertStatusCode(t, resp, http.StatusBadRequest)
	resp, _ = ts.do(t, http.MethodPatch, base+"/settings", `{"unknown_field": 1}`)
	assertStatusCode(t, resp, http.StatusBadRequest)

	resp, body = ts.do(t, http.MethodGet, base+"/settings", "")
	assertStatusCode(t, resp, http.StatusOK)
	decodeJSON(t, body, &settings)
	if settings.Symbol != model.SymbolSquare {
		t.Errorf("rejected patch changed symbol: %+v", settings)
	}
}

func TestVectorEndpoints(t *testing.T) {
	ts := setupTestServer(t)
	base := "/d/demo/api/sessions/" + ts.createSession(t)

	resp, body := ts.do(t, http.MethodGet, base+"/obs/score", "")
	assertStatusCode(t, resp, http.StatusOK)
	var numeric struct {
		Kind   string     `json:"kind"`
		Label  string     `json:"label"`
		Values []*float64 `json:"values"`
	}
	decodeJSON(t, body, &numeric)
	if numeric.Kind != "numeric" || numeric.Label != "score:demo" || len(numeric.Values) != 3 {
		t.Fatalf("unexpected obs payload: %s", body)
	}
	if numeric.Values[1] != nil || *numeric.Values[2] != 3 {
		t.Errorf("NaN should encode as null: %s", body)
	}

	resp, body = ts.do(t, http.MethodGet, base+"/obs/cluster", "")
	assertStatusCode(t, resp, http.StatusOK)
	var cat struct {
		Kind       string   `json:"kind"`
		Codes      []int32  `json:"codes"`
		Categories []string `json:"categories"`
	}
	decodeJSON(t, body, &cat)
	if cat.Kind != "categorical" || len(cat.Codes) != 3 || cat.Categories[1] != "T" {
		t.Errorf("unexpected categorical payload: %s", body)
	}

	// Var names containing '.' must reach the handler intact.
	resp, body = ts.do(t, http.MethodGet, base+"/var/Sox2.1", "")
	assertStatusCode(t, resp, http.StatusOK)
	decodeJSON(t, body, &numeric)
	if numeric.Label != "Sox2.1:X:demo" || *numeric.Values[1] != 9 {
		t.Errorf("unexpected var payload: %s", body)
	}

	resp, body = ts.do(t, http.MethodGet, base+"/obsm/spatial?index=1", "")
	assertStatusCode(t, resp, http.StatusOK)
	decodeJSON(t, body, &numeric)
	if numeric.Label != "spatial:1:demo" || *numeric.Values[1] != 5 {
		t.Errorf("unexpected obsm payload: %s", body)
	}

	resp, _ = ts.do(t, http.MethodGet, base+"/obsm/spatial?index=x", "")
	assertStatusCode(t, resp, http.StatusBadRequest)
	resp, _ = ts.do(t, http.MethodGet, base+"/obsm/spatial?index=7", "")
	assertStatusCode(t, resp, http.StatusBadRequest)
	resp, _ = ts.do(t, http.MethodGet, base+"/var/Nope", "")
	assertStatusCode(t, resp, http.StatusNotFound)
	resp, _ = ts.do(t, http.MethodGet, base+"/obs/missing", "")
	assertStatusCode(t, resp, http.StatusNotFound)

	resp, body = ts.do(t, http.MethodGet, base+"/items/var", "")
	assertStatusCode(t, resp, http.StatusOK)
	if !strings.Contains(string(body), "Sox2.1") {
		t.Errorf("var items missing gene: %s", body)
	}
}

func TestOverlayEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	base := "/d/demo/api/sessions/" + ts.createSession(t)

	resp, body := ts.do(t, http.MethodGet, base+"/overlay.png?source=var&key=Actb", "")
	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "image/png")
	img, err := png.Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Response is not a valid PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 32 || b.Dy() != 32 {
		t.Errorf("unexpected overlay size %v", b)
	}

	resp, _ = ts.do(t, http.MethodGet, base+"/overlay.png?key=cluster", "")
	assertStatusCode(t, resp, http.StatusOK)

	resp, _ = ts.do(t, http.MethodGet, base+"/overlay.png", "")
	assertStatusCode(t, resp, http.StatusBadRequest)
	resp, _ = ts.do(t, http.MethodGet, base+"/overlay.png?source=uns&key=x", "")
	assertStatusCode(t, resp, http.StatusBadRequest)
	resp, _ = ts.do(t, http.MethodGet, "/d/demo/api/sessions/gone/overlay.png?key=score", "")
	assertStatusCode(t, resp, http.StatusNotFound)

	resp, body = ts.do(t, http.MethodGet, "/api/stats", "")
	assertStatusCode(t, resp, http.StatusOK)
	var stats struct {
		Sessions map[string]int         `json:"sessions"`
		Cache    map[string]interface{} `json:"cache"`
	}
	decodeJSON(t, body, &stats)
	if stats.Sessions["demo"] != 1 {
		t.Errorf("unexpected session count: %s", body)
	}
	if n, _ := stats.Cache["overlay_cache_len"].(float64); n < 2 {
		t.Errorf("expected cached overlays: %s", body)
	}
}
