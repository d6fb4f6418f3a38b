// Package soma loads annotated tables from a TileDB-SOMA experiment.
//
// Only what the view service needs is read:
//   - obs attributes (strings become categoricals, numbers dense columns)
//   - var ids of one measurement
//   - X layers of that measurement as CSR matrices
//   - named obsm arrays as dense 2-D arrays
package soma

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/soma-tiles/spatialview/internal/anndata"
)

var (
	// ErrUnsupported indicates this binary was built without SOMA/TileDB support.
	ErrUnsupported = errors.New("soma support is not enabled in this build (build server with: go build -tags soma)")
)

// LoadOptions selects which parts of the experiment become the table.
type LoadOptions struct {
	// Measurement is the ms/<name> collection to read. Default "RNA".
	Measurement string
	// XLayer is the X/<name> array used as the primary matrix. Default "data".
	XLayer string
	// Layers are further X/<name> arrays exposed as table layers.
	Layers []string
	// Obsm lists obsm/<name> arrays to load.
	Obsm []string
	// ObsIndex and VarIndex name the string attributes used as row indexes.
	ObsIndex string
	VarIndex string
}

func (o *LoadOptions) applyDefaults() {
	if o.Measurement == "" {
		o.Measurement = "RNA"
	}
	if o.XLayer == "" {
		o.XLayer = "data"
	}
	if o.ObsIndex == "" {
		o.ObsIndex = "obs_id"
	}
	if o.VarIndex == "" {
		o.VarIndex = "gene_id"
	}
}

// ResolveExperimentURI accepts either:
//   - /path/to/.../soma/experiment.soma
//   - /path/to/.../soma  (parent directory)
//
// and returns the experiment.soma path.
func ResolveExperimentURI(somaPath string) (string, error) {
	p := strings.TrimSpace(somaPath)
	if p == "" {
		return "", errors.New("empty soma_path")
	}
	p = os.ExpandEnv(p)
	p = filepath.Clean(p)

	if strings.HasSuffix(p, ".soma") {
		return p, nil
	}
	return filepath.Join(p, "experiment.soma"), nil
}

// triplet is one stored value of a sparse SOMA array.
type triplet struct {
	row, col int64
	val      float64
}

// maxObsmColumns bounds the column count taken from an array's declared
// domain. Arrays written with an unbounded domain report a huge upper bound,
// in which case the stored entries decide.
const maxObsmColumns = 1 << 16

// obsmColumns returns the column count of an obsm array whose second
// dimension is declared as [0, domainHi]. A negative domainHi means the
// domain is unknown.
func obsmColumns(domainHi int64, entries []triplet) int {
	if domainHi >= 0 && domainHi < maxObsmColumns {
		return int(domainHi) + 1
	}
	cols := 0
	for _, e := range entries {
		if int(e.col)+1 > cols {
			cols = int(e.col) + 1
		}
	}
	return cols
}

// buildCSR assembles a CSR matrix from unordered triplets. Rows and columns
// outside the shape are dropped.
func buildCSR(rows, cols int, entries []triplet) *anndata.CSRMatrix {
	kept := entries[:0:0]
	for _, e := range entries {
		if e.row >= 0 && e.row < int64(rows) && e.col >= 0 && e.col < int64(cols) {
			kept = append(kept, e)
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].row != kept[j].row {
			return kept[i].row < kept[j].row
		}
		return kept[i].col < kept[j].col
	})

	m := &anndata.CSRMatrix{
		Rows:    rows,
		Cols:    cols,
		Indptr:  make([]int64, rows+1),
		Indices: make([]int64, len(kept)),
		Data:    make([]float64, len(kept)),
	}
	for k, e := range kept {
		m.Indptr[e.row+1]++
		m.Indices[k] = e.col
		m.Data[k] = e.val
	}
	for i := 0; i < rows; i++ {
		m.Indptr[i+1] += m.Indptr[i]
	}
	return m
}

// denseArray scatters triplets into a rows x cols row-major array.
func denseArray(rows, cols int, entries []triplet) (*anndata.Array, error) {
	data := make([]float64, rows*cols)
	for _, e := range entries {
		if e.row < 0 || e.row >= int64(rows) || e.col < 0 || e.col >= int64(cols) {
			return nil, fmt.Errorf("%w: entry (%d, %d) outside %dx%d", anndata.ErrIndexOutOfRange, e.row, e.col, rows, cols)
		}
		data[e.row*int64(cols)+e.col] = e.val
	}
	return anndata.NewArray([]int{rows, cols}, data)
}

// indexFrom orders values by join id, falling back to the join id itself for
// rows without a value.
func indexFrom(n int, byJoinID map[int64]string) []string {
	out := make([]string, n)
	for i := range out {
		if v, ok := byJoinID[int64(i)]; ok && v != "" {
			out[i] = v
		} else {
			out[i] = fmt.Sprint(i)
		}
	}
	return out
}
