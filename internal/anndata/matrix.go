package anndata

import "fmt"

// Matrix is a two-dimensional numeric matrix with observations as rows.
type Matrix interface {
	Shape() (rows, cols int)
	Column(j int) (Vector, error)
}

// DenseMatrix stores values in row-major order.
type DenseMatrix struct {
	Rows int
	Cols int
	Data []float64
}

// NewDenseMatrix validates the data length against the shape.
func NewDenseMatrix(rows, cols int, data []float64) (*DenseMatrix, error) {
	if rows < 0 || cols < 0 || len(data) != rows*cols {
		return nil, fmt.Errorf("%w: dense matrix %dx%d with %d values", ErrShapeMismatch, rows, cols, len(data))
	}
	return &DenseMatrix{Rows: rows, Cols: cols, Data: data}, nil
}

// Shape returns rows and columns.
func (m *DenseMatrix) Shape() (int, int) { return m.Rows, m.Cols }

// At returns the value at row i, column j.
func (m *DenseMatrix) At(i, j int) float64 { return m.Data[i*m.Cols+j] }

// Column copies column j into a dense vector.
func (m *DenseMatrix) Column(j int) (Vector, error) {
	if j < 0 || j >= m.Cols {
		return nil, indexError(j, m.Cols)
	}
	out := make(Dense, m.Rows)
	for i := 0; i < m.Rows; i++ {
		out[i] = m.Data[i*m.Cols+j]
	}
	return out, nil
}

// CSRMatrix is a compressed sparse row matrix.
type CSRMatrix struct {
	Rows    int
	Cols    int
	Indptr  []int64
	Indices []int64
	Data    []float64
}

// Shape returns rows and columns.
func (m *CSRMatrix) Shape() (int, int) { return m.Rows, m.Cols }

// Validate checks the structural invariants of the compressed layout.
func (m *CSRMatrix) Validate() error {
	return validateCompressed("csr", m.Rows, m.Cols, m.Indptr, m.Indices, m.Data)
}

// Column gathers column j. Each row is scanned for j, so the cost is O(nnz).
func (m *CSRMatrix) Column(j int) (Vector, error) {
	if j < 0 || j >= m.Cols {
		return nil, indexError(j, m.Cols)
	}
	out := Sparse{N: m.Rows}
	for i := 0; i < m.Rows; i++ {
		for k := m.Indptr[i]; k < m.Indptr[i+1]; k++ {
			if int(m.Indices[k]) == j {
				out.Indices = append(out.Indices, i)
				out.Values = append(out.Values, m.Data[k])
				break
			}
		}
	}
	return out, nil
}

// CSCMatrix is a compressed sparse column matrix.
type CSCMatrix struct {
	Rows    int
	Cols    int
	Indptr  []int64
	Indices []int64
	Data    []float64
}

// Shape returns rows and columns.
func (m *CSCMatrix) Shape() (int, int) { return m.Rows, m.Cols }

// Validate checks the structural invariants of the compressed layout.
func (m *CSCMatrix) Validate() error {
	return validateCompressed("csc", m.Cols, m.Rows, m.Indptr, m.Indices, m.Data)
}

// Column slices column j directly from the compressed layout.
func (m *CSCMatrix) Column(j int) (Vector, error) {
	if j < 0 || j >= m.Cols {
		return nil, indexError(j, m.Cols)
	}
	start, end := m.Indptr[j], m.Indptr[j+1]
	out := Sparse{
		N:       m.Rows,
		Indices: make([]int, 0, end-start),
		Values:  make([]float64, 0, end-start),
	}
	for k := start; k < end; k++ {
		out.Indices = append(out.Indices, int(m.Indices[k]))
		out.Values = append(out.Values, m.Data[k])
	}
	return out, nil
}

func validateCompressed(kind string, major, minor int, indptr, indices []int64, data []float64) error {
	if len(indptr) != major+1 {
		return fmt.Errorf("%w: %s indptr has %d entries, expected %d", ErrShapeMismatch, kind, len(indptr), major+1)
	}
	if len(indices) != len(data) {
		return fmt.Errorf("%w: %s indices (%d) and data (%d) differ", ErrShapeMismatch, kind, len(indices), len(data))
	}
	if indptr[0] != 0 || int(indptr[major]) != len(data) {
		return fmt.Errorf("%w: %s indptr bounds [%d,%d] do not cover %d values", ErrShapeMismatch, kind, indptr[0], indptr[major], len(data))
	}
	for i := 0; i < major; i++ {
		if indptr[i] > indptr[i+1] {
			return fmt.Errorf("%w: %s indptr decreases at %d", ErrShapeMismatch, kind, i)
		}
	}
	for _, idx := range indices {
		if idx < 0 || int(idx) >= minor {
			return fmt.Errorf("%w: %s index %d outside [0,%d)", ErrShapeMismatch, kind, idx, minor)
		}
	}
	return nil
}

func indexError(i, n int) error {
	return fmt.Errorf("%w: index %d is out of bounds for axis 1 with size %d", ErrIndexOutOfRange, i, n)
}
