package anndata

import "fmt"

// Array is a plain numeric array of one or two dimensions, row-major.
type Array struct {
	Shape []int
	Data  []float64
}

// NewArray validates the data length against the shape.
func NewArray(shape []int, data []float64) (*Array, error) {
	if len(shape) == 0 || len(shape) > 2 {
		return nil, fmt.Errorf("%w: arrays must have 1 or 2 dimensions, got %d", ErrShapeMismatch, len(shape))
	}
	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("%w: negative dimension in %v", ErrShapeMismatch, shape)
		}
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: shape %v needs %d values, got %d", ErrShapeMismatch, shape, n, len(data))
	}
	return &Array{Shape: shape, Data: data}, nil
}

// NDim returns the number of dimensions.
func (a *Array) NDim() int { return len(a.Shape) }

// Rows returns the length of the first axis.
func (a *Array) Rows() int { return a.Shape[0] }

// Cols returns the length of the second axis, or 1 for one-dimensional arrays.
func (a *Array) Cols() int {
	if len(a.Shape) < 2 {
		return 1
	}
	return a.Shape[1]
}

// At returns the value at row i, column j.
func (a *Array) At(i, j int) float64 {
	return a.Data[i*a.Cols()+j]
}

// Column returns column i of a two-dimensional array, or the whole array when
// it is one-dimensional. Negative positions count from the end.
func (a *Array) Column(i int) (Dense, error) {
	if a.NDim() == 1 {
		out := make(Dense, len(a.Data))
		copy(out, a.Data)
		return out, nil
	}
	cols := a.Cols()
	if i < 0 {
		i += cols
	}
	if i < 0 || i >= cols {
		return nil, indexError(i, cols)
	}
	rows := a.Rows()
	out := make(Dense, rows)
	for r := 0; r < rows; r++ {
		out[r] = a.Data[r*cols+i]
	}
	return out, nil
}

// ObsmKind tags the representation held by an ObsmEntry.
type ObsmKind int

const (
	// PlainArray entries hold an unlabeled numeric array.
	PlainArray ObsmKind = iota
	// LabeledTable entries hold a data frame with named columns.
	LabeledTable
)

func (k ObsmKind) String() string {
	switch k {
	case PlainArray:
		return "array"
	case LabeledTable:
		return "dataframe"
	default:
		return fmt.Sprintf("ObsmKind(%d)", int(k))
	}
}

// ObsmEntry is a row-aligned multi-column value: either a plain array or a
// labeled table.
type ObsmEntry struct {
	Kind  ObsmKind
	Array *Array
	Frame *DataFrame
}

// ArrayEntry wraps a plain array.
func ArrayEntry(a *Array) ObsmEntry { return ObsmEntry{Kind: PlainArray, Array: a} }

// FrameEntry wraps a labeled table.
func FrameEntry(f *DataFrame) ObsmEntry { return ObsmEntry{Kind: LabeledTable, Frame: f} }

// Rows returns the number of observations covered by the entry.
func (e ObsmEntry) Rows() int {
	if e.Kind == LabeledTable {
		return e.Frame.Len()
	}
	return e.Array.Rows()
}
