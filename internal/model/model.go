// Package model holds the interactive view state bridging a viewer layer and
// an annotated data table.
package model

import (
	"fmt"

	"github.com/soma-tiles/spatialview/internal/anndata"
)

// Layer is a viewer layer. The model only uses its display string.
type Layer interface {
	String() string
}

// Symbol is the marker shape used for point overlays.
type Symbol string

const (
	SymbolDisc   Symbol = "disc"
	SymbolSquare Symbol = "square"
)

// ParseSymbol validates a marker shape name.
func ParseSymbol(s string) (Symbol, error) {
	switch Symbol(s) {
	case SymbolDisc, SymbolSquare:
		return Symbol(s), nil
	default:
		return "", argumentErrorf(s, "Invalid symbol `%s`. Valid options are `disc`, `square`.", s)
	}
}

// Config seeds a ViewModel. Zero values fall back to DefaultConfig.
type Config struct {
	SpatialKey   string
	LabelsKey    string
	LibraryID    string
	SpotDiameter float64
	ScaleKey     string
	Scale        float64
	Palette      string
	Colormap     string
	Blending     string
	KeyAdded     string
	Symbol       Symbol
}

// DefaultConfig returns the stock display configuration.
func DefaultConfig() Config {
	return Config{
		SpatialKey:   "spatial",
		SpotDiameter: 1,
		ScaleKey:     "tissue_hires_scalef",
		Colormap:     "viridis",
		Blending:     "opaque",
		KeyAdded:     "shapes",
		Symbol:       SymbolDisc,
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.SpatialKey == "" {
		cfg.SpatialKey = defaults.SpatialKey
	}
	if cfg.SpotDiameter == 0 {
		cfg.SpotDiameter = defaults.SpotDiameter
	}
	if cfg.ScaleKey == "" {
		cfg.ScaleKey = defaults.ScaleKey
	}
	if cfg.Colormap == "" {
		cfg.Colormap = defaults.Colormap
	}
	if cfg.Blending == "" {
		cfg.Blending = defaults.Blending
	}
	if cfg.KeyAdded == "" {
		cfg.KeyAdded = defaults.KeyAdded
	}
	if cfg.Symbol == "" {
		cfg.Symbol = defaults.Symbol
	}
}

// ViewModel tracks the active layer and table and serves vectors from the
// table for overlays. It is not safe for concurrent use.
type ViewModel struct {
	events Events

	layer      Layer
	table      *anndata.Table
	tableLayer string

	spatialKey   string
	labelsKey    string
	libraryID    string
	spotDiameter float64
	scaleKey     string
	scale        float64
	coordinates  [][2]float64
	palette      string
	colormap     string
	blending     string
	keyAdded     string
	symbol       Symbol
}

// New creates a model with no layer or table bound.
func New(cfg Config) *ViewModel {
	applyDefaults(&cfg)

	m := &ViewModel{
		spatialKey:   cfg.SpatialKey,
		labelsKey:    cfg.LabelsKey,
		libraryID:    cfg.LibraryID,
		spotDiameter: cfg.SpotDiameter,
		scaleKey:     cfg.ScaleKey,
		scale:        cfg.Scale,
		palette:      cfg.Palette,
		colormap:     cfg.Colormap,
		blending:     cfg.Blending,
		keyAdded:     cfg.KeyAdded,
		symbol:       cfg.Symbol,
	}
	m.events = Events{
		Layer: newEmitter(EventLayer, m),
		Table: newEmitter(EventTable, m),
	}
	return m
}

// Events returns the model's change channels.
func (m *ViewModel) Events() Events { return m.events }

// Layer returns the active viewer layer, or nil.
func (m *ViewModel) Layer() Layer { return m.layer }

// SetLayer stores the active layer and then notifies layer listeners.
func (m *ViewModel) SetLayer(layer Layer) {
	m.layer = layer
	m.events.Layer.Emit()
}

// Table returns the bound table, or nil.
func (m *ViewModel) Table() *anndata.Table { return m.table }

// SetTable stores the active table and then notifies table listeners.
func (m *ViewModel) SetTable(t *anndata.Table) {
	m.table = t
	m.events.Table.Emit()
}

// TableLayer returns the name of the matrix vectors are read from; "" is X.
func (m *ViewModel) TableLayer() string { return m.tableLayer }

func (m *ViewModel) SetTableLayer(name string) { m.tableLayer = name }

func (m *ViewModel) SpatialKey() string { return m.spatialKey }

func (m *ViewModel) SetSpatialKey(key string) { m.spatialKey = key }

func (m *ViewModel) LabelsKey() string { return m.labelsKey }

func (m *ViewModel) SetLabelsKey(key string) { m.labelsKey = key }

func (m *ViewModel) LibraryID() string { return m.libraryID }

func (m *ViewModel) SetLibraryID(id string) { m.libraryID = id }

func (m *ViewModel) SpotDiameter() float64 { return m.spotDiameter }

func (m *ViewModel) SetSpotDiameter(d float64) { m.spotDiameter = d }

func (m *ViewModel) ScaleKey() string { return m.scaleKey }

func (m *ViewModel) SetScaleKey(key string) { m.scaleKey = key }

// Scale returns the image scale factor; 0 means unset.
func (m *ViewModel) Scale() float64 { return m.scale }

func (m *ViewModel) SetScale(s float64) { m.scale = s }

// Coordinates returns point positions in (row, col) order.
func (m *ViewModel) Coordinates() [][2]float64 { return m.coordinates }

func (m *ViewModel) SetCoordinates(c [][2]float64) { m.coordinates = c }

func (m *ViewModel) Palette() string { return m.palette }

func (m *ViewModel) SetPalette(p string) { m.palette = p }

func (m *ViewModel) Colormap() string { return m.colormap }

func (m *ViewModel) SetColormap(c string) { m.colormap = c }

func (m *ViewModel) Blending() string { return m.blending }

func (m *ViewModel) SetBlending(b string) { m.blending = b }

func (m *ViewModel) KeyAdded() string { return m.keyAdded }

func (m *ViewModel) SetKeyAdded(k string) { m.keyAdded = k }

func (m *ViewModel) Symbol() Symbol { return m.symbol }

func (m *ViewModel) SetSymbol(s Symbol) { m.symbol = s }

// Settings is a snapshot of the display configuration.
type Settings struct {
	LibraryID    string  `json:"library_id"`
	SpatialKey   string  `json:"spatial_key"`
	LabelsKey    string  `json:"labels_key"`
	SpotDiameter float64 `json:"spot_diameter"`
	ScaleKey     string  `json:"scale_key"`
	Scale        float64 `json:"scale"`
	Palette      string  `json:"palette"`
	Colormap     string  `json:"colormap"`
	Blending     string  `json:"blending"`
	KeyAdded     string  `json:"key_added"`
	Symbol       Symbol  `json:"symbol"`
}

// Settings returns the current display configuration.
func (m *ViewModel) Settings() Settings {
	return Settings{
		LibraryID:    m.libraryID,
		SpatialKey:   m.spatialKey,
		LabelsKey:    m.labelsKey,
		SpotDiameter: m.spotDiameter,
		ScaleKey:     m.scaleKey,
		Scale:        m.scale,
		Palette:      m.palette,
		Colormap:     m.colormap,
		Blending:     m.blending,
		KeyAdded:     m.keyAdded,
		Symbol:       m.symbol,
	}
}

// ApplySettings replaces the display configuration through the plain setters.
func (m *ViewModel) ApplySettings(s Settings) {
	m.SetLibraryID(s.LibraryID)
	m.SetSpatialKey(s.SpatialKey)
	m.SetLabelsKey(s.LabelsKey)
	m.SetSpotDiameter(s.SpotDiameter)
	m.SetScaleKey(s.ScaleKey)
	m.SetScale(s.Scale)
	m.SetPalette(s.Palette)
	m.SetColormap(s.Colormap)
	m.SetBlending(s.Blending)
	m.SetKeyAdded(s.KeyAdded)
	m.SetSymbol(s.Symbol)
}

func (m *ViewModel) String() string {
	return fmt.Sprintf("ViewModel(layer=%s, table_layer=%s, spatial_key=%s)",
		m.layerDisplay(), m.tableLayerDisplay(), m.spatialKey)
}
