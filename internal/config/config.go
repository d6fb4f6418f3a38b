// Package config handles configuration loading for the spatialview server.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Data     DataConfig     `yaml:"data"`
	Cache    CacheConfig    `yaml:"cache"`
	Render   RenderConfig   `yaml:"render"`
	View     ViewConfig     `yaml:"view"`
	Sessions SessionsConfig `yaml:"sessions"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port" env:"SPATIALVIEW_PORT"`
	Title       string   `yaml:"title" env:"SPATIALVIEW_TITLE"`
	CORSOrigins []string `yaml:"cors_origins" env:"SPATIALVIEW_CORS_ORIGINS" envSeparator:","`
}

// DatasetConfig describes one table source and its display defaults.
type DatasetConfig struct {
	ZarrPath string `yaml:"zarr_path"`
	SomaPath string `yaml:"soma_path"`
	// Layer is the display name of the viewer layer bound to new sessions.
	Layer string `yaml:"layer"`
	// TableLayer selects the matrix genes are read from; empty means X.
	TableLayer string     `yaml:"table_layer"`
	LibraryID  string     `yaml:"library_id"`
	SpatialKey string     `yaml:"spatial_key"`
	Soma       SomaConfig `yaml:"soma"`
}

// SomaConfig selects what is read from a SOMA experiment.
type SomaConfig struct {
	Measurement string   `yaml:"measurement"`
	XLayer      string   `yaml:"x_layer"`
	Layers      []string `yaml:"layers"`
	Obsm        []string `yaml:"obsm"`
}

// DataConfig contains data source settings. It accepts either a mapping of
// dataset id to DatasetConfig or the legacy single-dataset form with
// zarr_path/soma_path at the top level.
type DataConfig struct {
	Datasets       map[string]DatasetConfig
	DefaultDataset string

	order []string
}

// DatasetIDs returns dataset ids in configuration order.
func (d DataConfig) DatasetIDs() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// UnmarshalYAML implements yaml.Unmarshaler, keeping mapping order.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("data: expected mapping, got %v", node.Kind)
	}

	legacy := false
	for i := 0; i+1 < len(node.Content); i += 2 {
		switch node.Content[i].Value {
		case "zarr_path", "soma_path":
			legacy = true
		}
	}
	if legacy {
		var ds DatasetConfig
		if err := node.Decode(&ds); err != nil {
			return err
		}
		d.Datasets = map[string]DatasetConfig{"default": ds}
		d.order = []string{"default"}
		d.DefaultDataset = "default"
		return nil
	}

	d.Datasets = make(map[string]DatasetConfig)
	d.order = nil
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if key == "default_dataset" {
			d.DefaultDataset = node.Content[i+1].Value
			continue
		}
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("data.%s: %w", key, err)
		}
		if _, dup := d.Datasets[key]; !dup {
			d.order = append(d.order, key)
		}
		d.Datasets[key] = ds
	}
	return nil
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	OverlaySizeMB     int `yaml:"overlay_size_mb" env:"SPATIALVIEW_CACHE_OVERLAY_SIZE_MB"`
	OverlayTTLMinutes int `yaml:"overlay_ttl_minutes" env:"SPATIALVIEW_CACHE_OVERLAY_TTL_MINUTES"`
	VectorEntries     int `yaml:"vector_entries" env:"SPATIALVIEW_CACHE_VECTOR_ENTRIES"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	OverlaySize int `yaml:"overlay_size" env:"SPATIALVIEW_RENDER_OVERLAY_SIZE"`
	Padding     int `yaml:"padding"`
}

// ViewConfig seeds the display settings of new sessions.
type ViewConfig struct {
	SpatialKey   string  `yaml:"spatial_key"`
	SpotDiameter float64 `yaml:"spot_diameter"`
	ScaleKey     string  `yaml:"scale_key"`
	Palette      string  `yaml:"palette"`
	Colormap     string  `yaml:"colormap" env:"SPATIALVIEW_VIEW_COLORMAP"`
	Blending     string  `yaml:"blending"`
	KeyAdded     string  `yaml:"key_added"`
	Symbol       string  `yaml:"symbol" env:"SPATIALVIEW_VIEW_SYMBOL"`
}

// SessionsConfig bounds per-dataset session state.
type SessionsConfig struct {
	MaxSessions int `yaml:"max_sessions" env:"SPATIALVIEW_MAX_SESSIONS"`
}

// Load reads configuration from a YAML file and then applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		// Fall back to the default config if the file doesn't exist
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = DefaultConfig()
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	// Apply defaults for missing values
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if _, ok := c.Data.Datasets[c.Data.DefaultDataset]; !ok {
		return fmt.Errorf("default_dataset %q is not configured", c.Data.DefaultDataset)
	}
	for _, id := range c.Data.order {
		ds := c.Data.Datasets[id]
		if ds.ZarrPath == "" && ds.SomaPath == "" {
			return fmt.Errorf("dataset %q needs zarr_path or soma_path", id)
		}
	}
	return nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Data: DataConfig{
			Datasets: map[string]DatasetConfig{
				"default": {ZarrPath: "./data/sample.zarr"},
			},
			DefaultDataset: "default",
			order:          []string{"default"},
		},
		Cache: CacheConfig{
			OverlaySizeMB:     256,
			OverlayTTLMinutes: 10,
			VectorEntries:     1024,
		},
		Render: RenderConfig{
			OverlaySize: 512,
			Padding:     8,
		},
		View: ViewConfig{
			SpatialKey:   "spatial",
			SpotDiameter: 1,
			ScaleKey:     "tissue_hires_scalef",
			Colormap:     "viridis",
			Blending:     "opaque",
			KeyAdded:     "shapes",
			Symbol:       "disc",
		},
		Sessions: SessionsConfig{
			MaxSessions: 256,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if len(cfg.Data.Datasets) == 0 {
		cfg.Data = defaults.Data
	}
	if cfg.Data.DefaultDataset == "" && len(cfg.Data.order) > 0 {
		cfg.Data.DefaultDataset = cfg.Data.order[0]
	}
	if cfg.Cache.OverlaySizeMB == 0 {
		cfg.Cache.OverlaySizeMB = defaults.Cache.OverlaySizeMB
	}
	if cfg.Cache.OverlayTTLMinutes == 0 {
		cfg.Cache.OverlayTTLMinutes = defaults.Cache.OverlayTTLMinutes
	}
	if cfg.Cache.VectorEntries == 0 {
		cfg.Cache.VectorEntries = defaults.Cache.VectorEntries
	}
	if cfg.Render.OverlaySize == 0 {
		cfg.Render.OverlaySize = defaults.Render.OverlaySize
	}
	if cfg.View.SpatialKey == "" {
		cfg.View.SpatialKey = defaults.View.SpatialKey
	}
	if cfg.View.SpotDiameter == 0 {
		cfg.View.SpotDiameter = defaults.View.SpotDiameter
	}
	if cfg.View.ScaleKey == "" {
		cfg.View.ScaleKey = defaults.View.ScaleKey
	}
	if cfg.View.Colormap == "" {
		cfg.View.Colormap = defaults.View.Colormap
	}
	if cfg.View.Blending == "" {
		cfg.View.Blending = defaults.View.Blending
	}
	if cfg.View.KeyAdded == "" {
		cfg.View.KeyAdded = defaults.View.KeyAdded
	}
	if cfg.View.Symbol == "" {
		cfg.View.Symbol = defaults.View.Symbol
	}
	if cfg.Sessions.MaxSessions == 0 {
		cfg.Sessions.MaxSessions = defaults.Sessions.MaxSessions
	}
}
