// Package api provides HTTP handlers for the spatialview server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/soma-tiles/spatialview/internal/anndata"
	"github.com/soma-tiles/spatialview/internal/cache"
	"github.com/soma-tiles/spatialview/internal/model"
	"github.com/soma-tiles/spatialview/internal/service"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	Cache       *cache.Manager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global endpoints (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))
	r.Get("/api/stats", statsHandler(cfg.Registry, cfg.Cache))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Route("/api", func(r chi.Router) {
			r.Get("/summary", summaryHandler)
			r.Get("/keys/{section}", keysHandler)

			r.Post("/sessions", createSessionHandler)
			r.Route("/sessions/{session}", func(r chi.Router) {
				r.Get("/", getSessionHandler)
				r.Delete("/", deleteSessionHandler)
				r.Put("/layer", setLayerHandler)
				r.Put("/table_layer", setTableLayerHandler)
				r.Get("/settings", getSettingsHandler)
				r.Patch("/settings", updateSettingsHandler)
				r.Get("/items/{section}", itemsHandler)
				r.Get("/obs/{name}", observationHandler)
				r.Get("/var/{gene}", geneHandler)
				r.Get("/obsm/{name}", embeddingHandler)
				r.Get("/overlay.png", overlayHandler)
			})
		})
	})

	return r
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from URL and injects the view service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.ViewService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.ViewService); ok {
		return svc
	}
	return nil
}

// writeError maps lookup failures to 404, rejected selectors to 400 and
// everything else to 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, model.ErrKeyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInvalidArgument), errors.Is(err, anndata.ErrIndexOutOfRange):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		log.Printf("[API] internal error: %v", err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &model.ArgumentError{Value: "body", Msg: "invalid JSON body: " + err.Error()}
	}
	return nil
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		})
	}
}

func statsHandler(registry *DatasetRegistry, cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := make(map[string]int)
		for _, id := range registry.DatasetIDs() {
			if svc := registry.Get(id); svc != nil {
				sessions[id] = svc.SessionCount()
			}
		}
		response := map[string]interface{}{"sessions": sessions}
		if cm != nil {
			response["cache"] = cm.Stats()
		}
		writeJSON(w, response)
	}
}

func summaryHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	writeJSON(w, svc.Dataset().Summary())
}

func keysHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	section := chi.URLParam(r, "section")
	keys, err := svc.Keys(section)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"section": section, "keys": keys, "total": len(keys)})
}

func createSessionHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	info, err := svc.CreateSession()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(info)
}

func getSessionHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	info, err := svc.Session(chi.URLParam(r, "session"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, info)
}

func deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if err := svc.DeleteSession(chi.URLParam(r, "session")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func setLayerHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	var body struct {
		Layer string `json:"layer"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	info, err := svc.SetLayer(chi.URLParam(r, "session"), body.Layer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, info)
}

func setTableLayerHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	var body struct {
		TableLayer string `json:"table_layer"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	info, err := svc.SetTableLayer(chi.URLParam(r, "session"), body.TableLayer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, info)
}

func getSettingsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	settings, err := svc.Settings(chi.URLParam(r, "session"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, settings)
}

func updateSettingsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	var patch service.SettingsPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	settings, err := svc.UpdateSettings(chi.URLParam(r, "session"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, settings)
}

func itemsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	section := chi.URLParam(r, "section")
	items, err := svc.Items(chi.URLParam(r, "session"), section)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{"section": section, "keys": items, "total": len(items)})
}

func observationHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	res, err := svc.Observation(chi.URLParam(r, "session"), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, vectorPayload(res))
}

func geneHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	res, err := svc.Gene(chi.URLParam(r, "session"), chi.URLParam(r, "gene"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, vectorPayload(res))
}

func embeddingHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	index := strings.TrimSpace(r.URL.Query().Get("index"))
	res, err := svc.Embedding(chi.URLParam(r, "session"), chi.URLParam(r, "name"), index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, vectorPayload(res))
}

func overlayHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	q := r.URL.Query()
	src := service.Source{
		Kind:  strings.TrimSpace(q.Get("source")),
		Key:   q.Get("key"),
		Index: strings.TrimSpace(q.Get("index")),
	}
	if src.Kind == "" {
		src.Kind = "obs"
	}
	if src.Key == "" {
		http.Error(w, "missing required query param: key", http.StatusBadRequest)
		return
	}

	data, err := svc.RenderOverlay(chi.URLParam(r, "session"), src)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(data)
}

// vectorPayload encodes a resolved vector. NaN and infinite values become
// null since JSON has no representation for them.
func vectorPayload(res service.VectorResult) map[string]interface{} {
	out := map[string]interface{}{
		"label":  res.Label,
		"length": res.Values.Len(),
	}
	switch v := anndata.EnsureDense(res.Values).(type) {
	case anndata.Dense:
		values := make([]interface{}, len(v))
		for i, x := range v {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				continue
			}
			values[i] = x
		}
		out["kind"] = "numeric"
		out["values"] = values
	case anndata.Categorical:
		out["kind"] = "categorical"
		out["codes"] = v.Codes
		out["categories"] = v.Categories
	case anndata.Strings:
		out["kind"] = "string"
		out["values"] = []string(v)
	}
	return out
}
