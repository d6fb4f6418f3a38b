// Package main is the entry point for the spatialview server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/soma-tiles/spatialview/internal/anndata"
	"github.com/soma-tiles/spatialview/internal/api"
	"github.com/soma-tiles/spatialview/internal/cache"
	"github.com/soma-tiles/spatialview/internal/config"
	"github.com/soma-tiles/spatialview/internal/data/soma"
	"github.com/soma-tiles/spatialview/internal/data/zarr"
	"github.com/soma-tiles/spatialview/internal/model"
	"github.com/soma-tiles/spatialview/internal/render"
	"github.com/soma-tiles/spatialview/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting spatialview server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		OverlayCacheSizeMB: cfg.Cache.OverlaySizeMB,
		OverlayTTL:         time.Duration(cfg.Cache.OverlayTTLMinutes) * time.Minute,
		VectorCacheSize:    cfg.Cache.VectorEntries,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()
	log.Printf("Overlay cache: %s, TTL %d min, vector cache %d entries",
		humanize.IBytes(uint64(cfg.Cache.OverlaySizeMB)*1024*1024),
		cfg.Cache.OverlayTTLMinutes, cfg.Cache.VectorEntries)

	// Initialize overlay renderer (shared across all datasets)
	renderer := render.NewOverlayRenderer(render.Config{
		Size:    cfg.Render.OverlaySize,
		Padding: cfg.Render.Padding,
	})

	symbol, err := model.ParseSymbol(cfg.View.Symbol)
	if err != nil {
		log.Fatalf("Invalid view.symbol: %v", err)
	}
	view := model.Config{
		SpatialKey:   cfg.View.SpatialKey,
		SpotDiameter: cfg.View.SpotDiameter,
		ScaleKey:     cfg.View.ScaleKey,
		Palette:      cfg.View.Palette,
		Colormap:     cfg.View.Colormap,
		Blending:     cfg.View.Blending,
		KeyAdded:     cfg.View.KeyAdded,
		Symbol:       symbol,
	}

	// Initialize dataset registry
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Server.Title)
	defer registry.Close()

	log.Printf("Initializing %d dataset(s), default: %s", len(datasetIDs), cfg.Data.DefaultDataset)

	for _, datasetID := range datasetIDs {
		dsCfg := cfg.Data.Datasets[datasetID]

		ds, err := loadDataset(datasetID, dsCfg)
		if err != nil {
			if datasetID == cfg.Data.DefaultDataset {
				log.Fatalf("Failed to load default dataset %q: %v", datasetID, err)
			}
			log.Printf("  [%s] Skipped: %v", datasetID, err)
			continue
		}
		ds.LogSummary()

		svc, err := service.NewViewService(service.ViewServiceConfig{
			Dataset:     ds,
			Cache:       cacheManager,
			Renderer:    renderer,
			View:        view,
			MaxSessions: cfg.Sessions.MaxSessions,
		})
		if err != nil {
			log.Fatalf("Failed to initialize view service for dataset %q: %v", datasetID, err)
		}
		registry.Register(datasetID, svc)
	}

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		Cache:       cacheManager,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// loadDataset reads a dataset's table from its Zarr store, or from its SOMA
// experiment when no store is configured.
func loadDataset(id string, dsCfg config.DatasetConfig) (*service.Dataset, error) {
	var (
		tbl    *anndata.Table
		source string
		err    error
	)
	switch {
	case dsCfg.ZarrPath != "":
		source = dsCfg.ZarrPath
		reader, rerr := zarr.NewReader(dsCfg.ZarrPath)
		if rerr != nil {
			return nil, rerr
		}
		defer reader.Close()
		info := reader.Info()
		log.Printf("  [%s] Loading from: %s (encoding %s, sections %v)", id, info.Path, info.EncodingVersion, info.Sections)
		tbl, err = reader.LoadTable()
	default:
		reader, rerr := soma.NewReader(dsCfg.SomaPath)
		if rerr != nil {
			return nil, rerr
		}
		defer reader.Close()
		source = reader.ExperimentURI()
		log.Printf("  [%s] SOMA experiment: %s (supported=%v)", id, source, reader.Supported())
		tbl, err = reader.LoadTable(soma.LoadOptions{
			Measurement: dsCfg.Soma.Measurement,
			XLayer:      dsCfg.Soma.XLayer,
			Layers:      dsCfg.Soma.Layers,
			Obsm:        dsCfg.Soma.Obsm,
		})
	}
	if err != nil {
		return nil, err
	}

	ds, err := service.NewDataset(id, source, tbl)
	if err != nil {
		return nil, err
	}
	if dsCfg.Layer != "" {
		ds.Layer = dsCfg.Layer
	}
	ds.TableLayer = dsCfg.TableLayer
	ds.LibraryID = dsCfg.LibraryID
	ds.SpatialKey = dsCfg.SpatialKey
	if err := ds.CheckDefaults(); err != nil {
		return nil, err
	}
	return ds, nil
}
