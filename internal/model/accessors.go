package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/soma-tiles/spatialview/internal/anndata"
)

// Observation returns the obs column name as a dense vector with its label
// "<name>:<layer>".
func (m *ViewModel) Observation(name string) (anndata.Vector, string, error) {
	tbl, err := m.requireTable()
	if err != nil {
		return nil, "", err
	}
	v, ok := tbl.Obs.Column(name)
	if !ok {
		return nil, "", &KeyError{Key: name, Section: "adata.obs"}
	}
	return anndata.EnsureDense(v), m.formatKey(name), nil
}

// Gene returns the expression of one variable, read from the matrix selected
// by the table layer, with its label "<gene>:<table layer>:<layer>".
// Positions outside [0, n_vars) are reported as missing keys.
func (m *ViewModel) Gene(key Key) (anndata.Vector, string, error) {
	tbl, err := m.requireTable()
	if err != nil {
		return nil, "", err
	}

	var idx int
	if key.IsName() {
		i, ok := tbl.VarIndex(key.String())
		if !ok {
			return nil, "", &KeyError{Key: key.String(), Section: "adata.var_names"}
		}
		idx = i
	} else {
		idx = key.Position()
		if idx < 0 || idx >= tbl.NVars() {
			return nil, "", &KeyError{Key: key.String(), Section: "adata.var_names"}
		}
	}

	x, err := tbl.Layer(m.tableLayer)
	if err != nil {
		return nil, "", &KeyError{Key: m.tableLayer, Section: "adata.layers"}
	}
	v, err := x.Column(idx)
	if err != nil {
		return nil, "", fmt.Errorf("read %s column %d: %w", m.tableLayerDisplay(), idx, err)
	}
	return anndata.EnsureDense(v), m.formatLayerKey(key.String()), nil
}

// Embedding returns one column of the obsm entry name with its label
// "<name>:<index>:<layer>".
//
// For labeled tables a named index selects a column by name and a positional
// index selects by position, in which case the label carries the resolved
// column name. For plain arrays a named index must parse as a base-10
// integer; one-dimensional arrays are returned whole.
func (m *ViewModel) Embedding(name string, index Key) (anndata.Vector, string, error) {
	tbl, err := m.requireTable()
	if err != nil {
		return nil, "", err
	}
	entry, ok := tbl.ObsmEntry(name)
	if !ok {
		return nil, "", &KeyError{Key: name, Section: "adata.obsm"}
	}
	section := fmt.Sprintf("adata.obsm[%q]", name)

	if entry.Kind == anndata.LabeledTable {
		if index.IsName() {
			v, ok := entry.Frame.Column(index.String())
			if !ok {
				return nil, "", &KeyError{Key: index.String(), Section: section}
			}
			return anndata.EnsureDense(v), m.formatIndexKey(name, index.String()), nil
		}
		col, v, err := entry.Frame.ColumnAt(index.Position())
		if err != nil {
			return nil, "", fmt.Errorf("%s: %w", section, err)
		}
		return anndata.EnsureDense(v), m.formatIndexKey(name, col), nil
	}

	pos := index.Position()
	if index.IsName() {
		p, err := strconv.ParseInt(strings.TrimSpace(index.String()), 10, 0)
		if err != nil {
			return nil, "", argumentErrorf(index.String(),
				"Unable to convert `%s` to an integer when accessing `%s`.", index.String(), section)
		}
		pos = int(p)
	}
	v, err := entry.Array.Column(pos)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", section, err)
	}
	return v, m.formatIndexKey(name, index.String()), nil
}

// Items lists the keys available in a table section. Mapping sections (obs,
// obsm, layers) yield their key names in stored order; index sections (var,
// var_names, obs_names) yield their index entries.
func (m *ViewModel) Items(section string) ([]string, error) {
	tbl, err := m.requireTable()
	if err != nil {
		return nil, err
	}
	switch section {
	case "obs":
		return tbl.Obs.Columns(), nil
	case "obsm":
		return tbl.Obsm.Keys(), nil
	case "layers":
		return tbl.Layers.Keys(), nil
	case "var", "var_names":
		return copyStrings(tbl.Var.Index), nil
	case "obs_names":
		return copyStrings(tbl.Obs.Index), nil
	default:
		return nil, argumentErrorf(section, "Unknown table attribute `%s`.", section)
	}
}

// SpatialCoordinates derives point positions from obsm[spatial key]: axes are
// reversed and the first two kept, giving (row, col) order. The result is
// stored as the model's coordinates.
func (m *ViewModel) SpatialCoordinates() ([][2]float64, error) {
	tbl, err := m.requireTable()
	if err != nil {
		return nil, err
	}
	entry, ok := tbl.ObsmEntry(m.spatialKey)
	if !ok {
		return nil, &KeyError{Key: m.spatialKey, Section: "adata.obsm"}
	}

	n := entry.Rows()
	coords := make([][2]float64, n)
	switch entry.Kind {
	case anndata.PlainArray:
		a := entry.Array
		cols := a.Cols()
		if a.NDim() != 2 || cols < 2 {
			return nil, argumentErrorf(m.spatialKey, "Spatial basis `%s` must have at least 2 columns, found shape %v.", m.spatialKey, a.Shape)
		}
		for r := 0; r < n; r++ {
			coords[r] = [2]float64{a.At(r, cols-1), a.At(r, cols-2)}
		}
	case anndata.LabeledTable:
		cols := entry.Frame.Columns()
		if len(cols) < 2 {
			return nil, argumentErrorf(m.spatialKey, "Spatial basis `%s` must have at least 2 columns, found %d.", m.spatialKey, len(cols))
		}
		for axis, c := range []string{cols[len(cols)-1], cols[len(cols)-2]} {
			v, _ := entry.Frame.Column(c)
			vals, ok := anndata.Float64s(v)
			if !ok {
				return nil, argumentErrorf(c, "Spatial column `%s` is not numeric.", c)
			}
			for r := 0; r < n; r++ {
				coords[r][axis] = vals[r]
			}
		}
	}

	m.coordinates = coords
	return coords, nil
}

func (m *ViewModel) requireTable() (*anndata.Table, error) {
	if m.table == nil {
		return nil, argumentErrorf("", "No table is bound to the model.")
	}
	return m.table, nil
}

func (m *ViewModel) layerDisplay() string {
	if m.layer == nil {
		return "X"
	}
	return m.layer.String()
}

func (m *ViewModel) tableLayerDisplay() string {
	if m.tableLayer == "" {
		return "X"
	}
	return m.tableLayer
}

func (m *ViewModel) formatKey(key string) string {
	return key + ":" + m.layerDisplay()
}

func (m *ViewModel) formatLayerKey(key string) string {
	return key + ":" + m.tableLayerDisplay() + ":" + m.layerDisplay()
}

func (m *ViewModel) formatIndexKey(key, index string) string {
	return key + ":" + index + ":" + m.layerDisplay()
}

func copyStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
