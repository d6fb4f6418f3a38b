package anndata

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound is returned when a named entry is absent from a section.
	ErrKeyNotFound = errors.New("key not found")
	// ErrIndexOutOfRange is returned when a positional selector exceeds an axis.
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrShapeMismatch is returned when sections are not aligned.
	ErrShapeMismatch = errors.New("shape mismatch")
)

// Mapping is a string-keyed map that remembers insertion order.
type Mapping[V any] struct {
	keys   []string
	values map[string]V
}

// Set inserts or replaces a value. Replacing keeps the original position.
func (m *Mapping[V]) Set(key string, v V) {
	if m.values == nil {
		m.values = make(map[string]V)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = v
}

// Get returns the value stored under key.
func (m *Mapping[V]) Get(key string) (V, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Keys returns keys in insertion order.
func (m *Mapping[V]) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of entries.
func (m *Mapping[V]) Len() int { return len(m.keys) }

// Table is an annotated data matrix with observations as rows and variables
// (genes) as columns.
type Table struct {
	Obs    *DataFrame
	Var    *DataFrame
	X      Matrix
	Layers Mapping[Matrix]
	Obsm   Mapping[ObsmEntry]
	Uns    map[string]any

	varIndex map[string]int
}

// New builds a table from its row and column metadata and primary matrix.
func New(obs, vars *DataFrame, x Matrix) (*Table, error) {
	t := &Table{Obs: obs, Var: vars, X: x, Uns: make(map[string]any)}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// NObs returns the number of observations.
func (t *Table) NObs() int { return t.Obs.Len() }

// NVars returns the number of variables.
func (t *Table) NVars() int { return t.Var.Len() }

// ObsNames returns the observation index.
func (t *Table) ObsNames() []string { return t.Obs.Index }

// VarNames returns the variable index.
func (t *Table) VarNames() []string { return t.Var.Index }

// VarIndex resolves a variable name to its column position. The first
// occurrence wins when names repeat.
func (t *Table) VarIndex(name string) (int, bool) {
	if i, ok := t.varIndex[name]; ok && i < len(t.Var.Index) && t.Var.Index[i] == name {
		return i, true
	}
	for i, v := range t.Var.Index {
		if v == name {
			return i, true
		}
	}
	return 0, false
}

func (t *Table) buildVarIndex() {
	t.varIndex = make(map[string]int, len(t.Var.Index))
	for i, v := range t.Var.Index {
		if _, dup := t.varIndex[v]; !dup {
			t.varIndex[v] = i
		}
	}
}

// Layer returns the matrix registered under name. The empty name selects X.
func (t *Table) Layer(name string) (Matrix, error) {
	if name == "" {
		if t.X == nil {
			return nil, fmt.Errorf("%w: table has no X matrix", ErrKeyNotFound)
		}
		return t.X, nil
	}
	m, ok := t.Layers.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: layer %q", ErrKeyNotFound, name)
	}
	return m, nil
}

// AddLayer registers an alternate matrix. It must share X's shape.
func (t *Table) AddLayer(name string, m Matrix) error {
	if err := t.checkMatrix("layer "+name, m); err != nil {
		return err
	}
	t.Layers.Set(name, m)
	return nil
}

// AddObsm registers a row-aligned array.
func (t *Table) AddObsm(name string, e ObsmEntry) error {
	if rows := e.Rows(); rows != t.NObs() {
		return fmt.Errorf("%w: obsm %q has %d rows, expected %d", ErrShapeMismatch, name, rows, t.NObs())
	}
	t.Obsm.Set(name, e)
	return nil
}

// ObsmEntry returns the row-aligned array registered under name.
func (t *Table) ObsmEntry(name string) (ObsmEntry, bool) {
	return t.Obsm.Get(name)
}

// Validate checks that every section is aligned with obs and var.
func (t *Table) Validate() error {
	if t.Obs == nil || t.Var == nil {
		return errors.New("table requires obs and var frames")
	}
	if t.X != nil {
		if err := t.checkMatrix("X", t.X); err != nil {
			return err
		}
	}
	for _, name := range t.Layers.Keys() {
		m, _ := t.Layers.Get(name)
		if err := t.checkMatrix("layer "+name, m); err != nil {
			return err
		}
	}
	for _, name := range t.Obsm.Keys() {
		e, _ := t.Obsm.Get(name)
		if rows := e.Rows(); rows != t.NObs() {
			return fmt.Errorf("%w: obsm %q has %d rows, expected %d", ErrShapeMismatch, name, rows, t.NObs())
		}
	}
	t.buildVarIndex()
	return nil
}

func (t *Table) checkMatrix(what string, m Matrix) error {
	rows, cols := m.Shape()
	if rows != t.NObs() || cols != t.NVars() {
		return fmt.Errorf("%w: %s is %dx%d, expected %dx%d", ErrShapeMismatch, what, rows, cols, t.NObs(), t.NVars())
	}
	if v, ok := m.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
	}
	return nil
}
