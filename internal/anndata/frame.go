package anndata

import "fmt"

// DataFrame is an ordered collection of named, equal-length columns sharing a
// string row index.
type DataFrame struct {
	Index []string

	order   []string
	columns map[string]Vector
}

// NewDataFrame creates an empty frame over the given row index.
func NewDataFrame(index []string) *DataFrame {
	return &DataFrame{
		Index:   index,
		columns: make(map[string]Vector),
	}
}

// Len returns the number of rows.
func (f *DataFrame) Len() int { return len(f.Index) }

// Columns returns column names in insertion order.
func (f *DataFrame) Columns() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// Has reports whether a column exists.
func (f *DataFrame) Has(name string) bool {
	_, ok := f.columns[name]
	return ok
}

// Column returns the named column.
func (f *DataFrame) Column(name string) (Vector, bool) {
	v, ok := f.columns[name]
	return v, ok
}

// ColumnAt returns the column at position i along with its name.
// Negative positions count from the end.
func (f *DataFrame) ColumnAt(i int) (string, Vector, error) {
	n := len(f.order)
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return "", nil, fmt.Errorf("%w: single positional indexer is out-of-bounds (%d columns)", ErrIndexOutOfRange, n)
	}
	name := f.order[i]
	return name, f.columns[name], nil
}

// AddColumn appends a column. The vector length must match the row count.
func (f *DataFrame) AddColumn(name string, v Vector) error {
	if _, ok := f.columns[name]; ok {
		return fmt.Errorf("duplicate column %q", name)
	}
	if v.Len() != len(f.Index) {
		return fmt.Errorf("%w: column %q has %d rows, frame has %d", ErrShapeMismatch, name, v.Len(), len(f.Index))
	}
	if f.columns == nil {
		f.columns = make(map[string]Vector)
	}
	f.order = append(f.order, name)
	f.columns[name] = v
	return nil
}
