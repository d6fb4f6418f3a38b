// Package service provides view sessions and overlay rendering over loaded
// datasets.
package service

import (
	"fmt"
	"log"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/soma-tiles/spatialview/internal/anndata"
)

// Dataset is a loaded table together with the defaults new sessions start
// from. The table is shared by every session and must not be modified after
// construction.
type Dataset struct {
	ID     string
	Source string
	Table  *anndata.Table

	// Layer is the display name of the viewer layer bound to new sessions.
	Layer      string
	TableLayer string
	LibraryID  string
	SpatialKey string
}

// NewDataset validates tbl and the dataset defaults.
func NewDataset(id, source string, tbl *anndata.Table) (*Dataset, error) {
	if tbl == nil {
		return nil, fmt.Errorf("dataset %s: no table", id)
	}
	if err := tbl.Validate(); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", id, err)
	}
	return &Dataset{ID: id, Source: source, Table: tbl, Layer: id}, nil
}

// CheckDefaults verifies that the configured table layer exists.
func (d *Dataset) CheckDefaults() error {
	if d.TableLayer != "" {
		if _, err := d.Table.Layer(d.TableLayer); err != nil {
			return fmt.Errorf("dataset %s: table layer %q: %w", d.ID, d.TableLayer, err)
		}
	}
	return nil
}

// Summary describes a dataset for listings.
type Summary struct {
	ID         string   `json:"id"`
	Source     string   `json:"source"`
	NObs       int      `json:"n_obs"`
	NVars      int      `json:"n_vars"`
	Layers     []string `json:"layers"`
	Obsm       []string `json:"obsm"`
	ObsColumns []string `json:"obs_columns"`
	LibraryIDs []string `json:"library_ids,omitempty"`
}

// Summary returns the dataset's shape and section keys.
func (d *Dataset) Summary() Summary {
	t := d.Table
	return Summary{
		ID:         d.ID,
		Source:     d.Source,
		NObs:       t.NObs(),
		NVars:      t.NVars(),
		Layers:     t.Layers.Keys(),
		Obsm:       t.Obsm.Keys(),
		ObsColumns: t.Obs.Columns(),
		LibraryIDs: LibraryIDs(t.Uns),
	}
}

// LogSummary prints a one-line description of the dataset at startup.
func (d *Dataset) LogSummary() {
	t := d.Table
	cells := uint64(t.NObs()) * uint64(t.NVars())
	log.Printf("[Dataset %s] %s cells x %s genes (%s matrix cells), layers=%v obsm=%v",
		d.ID, humanize.Comma(int64(t.NObs())), humanize.Comma(int64(t.NVars())),
		humanize.SIWithDigits(float64(cells), 1, ""), t.Layers.Keys(), t.Obsm.Keys())
}

// LibraryIDs lists the library ids under uns["spatial"] in sorted order.
func LibraryIDs(uns map[string]any) []string {
	spatial, ok := uns["spatial"].(map[string]any)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(spatial))
	for id := range spatial {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ScaleFactor reads uns["spatial"][libraryID]["scalefactors"][scaleKey]. An
// empty libraryID selects the only library when exactly one is present.
func ScaleFactor(uns map[string]any, libraryID, scaleKey string) (float64, bool) {
	spatial, ok := uns["spatial"].(map[string]any)
	if !ok {
		return 0, false
	}
	if libraryID == "" {
		ids := LibraryIDs(uns)
		if len(ids) != 1 {
			return 0, false
		}
		libraryID = ids[0]
	}
	lib, ok := spatial[libraryID].(map[string]any)
	if !ok {
		return 0, false
	}
	factors, ok := lib["scalefactors"].(map[string]any)
	if !ok {
		return 0, false
	}
	switch v := factors[scaleKey].(type) {
	case float64:
		return v, v > 0
	case []float64:
		if len(v) == 1 && v[0] > 0 {
			return v[0], true
		}
	}
	return 0, false
}
