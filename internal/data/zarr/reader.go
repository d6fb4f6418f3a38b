// Package zarr loads AnnData tables stored in Zarr v3 format.
package zarr

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/soma-tiles/spatialview/internal/anndata"
)

// ErrUnsupportedEncoding is returned for AnnData element encodings the reader
// does not understand.
var ErrUnsupportedEncoding = errors.New("unsupported anndata encoding")

// Reader provides access to an AnnData Zarr store.
type Reader struct {
	basePath string
	mu       sync.Mutex
	decoder  *zstd.Decoder

	encodingVersion string
}

// Info describes a store without loading it.
type Info struct {
	Path            string   `json:"path"`
	EncodingVersion string   `json:"encoding_version"`
	Sections        []string `json:"sections"`
}

// NewReader opens the store rooted at basePath. The root group must carry
// encoding-type "anndata".
func NewReader(basePath string) (*Reader, error) {
	meta, err := loadNodeMeta(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load root metadata: %w", err)
	}
	if meta.NodeType != "group" || encodingType(meta.Attributes) != "anndata" {
		return nil, fmt.Errorf("%s is not an anndata group (node_type=%q, encoding-type=%q)",
			basePath, meta.NodeType, encodingType(meta.Attributes))
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	version, _ := meta.Attributes["encoding-version"].(string)
	return &Reader{basePath: basePath, decoder: decoder, encodingVersion: version}, nil
}

// Open reads the whole table at path.
func Open(path string) (*anndata.Table, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.LoadTable()
}

// Info lists the sections present in the store.
func (r *Reader) Info() Info {
	info := Info{Path: r.basePath, EncodingVersion: r.encodingVersion}
	for _, name := range []string{"obs", "var", "X", "layers", "obsm", "uns"} {
		if exists(filepath.Join(r.basePath, name)) {
			info.Sections = append(info.Sections, name)
		}
	}
	return info
}

// LoadTable reads obs, var, X, layers, obsm and uns into memory.
func (r *Reader) LoadTable() (*anndata.Table, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	obs, err := r.readDataFrame(filepath.Join(r.basePath, "obs"))
	if err != nil {
		return nil, fmt.Errorf("obs: %w", err)
	}
	vars, err := r.readDataFrame(filepath.Join(r.basePath, "var"))
	if err != nil {
		return nil, fmt.Errorf("var: %w", err)
	}

	var x anndata.Matrix
	if xPath := filepath.Join(r.basePath, "X"); exists(xPath) {
		x, err = r.readMatrix(xPath)
		if err != nil {
			return nil, fmt.Errorf("X: %w", err)
		}
	}

	tbl, err := anndata.New(obs, vars, x)
	if err != nil {
		return nil, err
	}

	layersPath := filepath.Join(r.basePath, "layers")
	for _, name := range children(layersPath) {
		m, err := r.readMatrix(filepath.Join(layersPath, name))
		if err != nil {
			return nil, fmt.Errorf("layers/%s: %w", name, err)
		}
		if err := tbl.AddLayer(name, m); err != nil {
			return nil, err
		}
	}

	obsmPath := filepath.Join(r.basePath, "obsm")
	for _, name := range children(obsmPath) {
		e, err := r.readObsm(filepath.Join(obsmPath, name))
		if err != nil {
			return nil, fmt.Errorf("obsm/%s: %w", name, err)
		}
		if err := tbl.AddObsm(name, e); err != nil {
			return nil, err
		}
	}

	if unsPath := filepath.Join(r.basePath, "uns"); exists(unsPath) {
		tbl.Uns = r.readDict(unsPath)
	}
	return tbl, nil
}

func (r *Reader) readDataFrame(path string) (*anndata.DataFrame, error) {
	meta, err := loadNodeMeta(path)
	if err != nil {
		return nil, err
	}
	if enc := encodingType(meta.Attributes); enc != "dataframe" {
		return nil, fmt.Errorf("%w: %q where dataframe expected", ErrUnsupportedEncoding, enc)
	}

	indexName, _ := meta.Attributes["_index"].(string)
	if indexName == "" {
		indexName = "_index"
	}
	idx, _, err := r.readArray(filepath.Join(path, indexName))
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", indexName, err)
	}
	index := idx.strs
	if index == nil {
		index = formatNumbers(idx.nums)
	}

	df := anndata.NewDataFrame(index)
	for _, col := range stringList(meta.Attributes["column-order"]) {
		v, err := r.readColumn(filepath.Join(path, col))
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col, err)
		}
		if err := df.AddColumn(col, v); err != nil {
			return nil, err
		}
	}
	return df, nil
}

// readColumn reads one dataframe column as a vector.
func (r *Reader) readColumn(path string) (anndata.Vector, error) {
	meta, err := loadNodeMeta(path)
	if err != nil {
		return nil, err
	}

	switch enc := encodingType(meta.Attributes); enc {
	case "array", "string-array", "":
		a, _, err := r.readArray(path)
		if err != nil {
			return nil, err
		}
		if len(a.shape) != 1 {
			return nil, fmt.Errorf("column has shape %v, expected 1-D", a.shape)
		}
		if a.strs != nil {
			return anndata.Strings(a.strs), nil
		}
		return anndata.Dense(a.nums), nil

	case "categorical":
		codes, _, err := r.readArray(filepath.Join(path, "codes"))
		if err != nil {
			return nil, fmt.Errorf("codes: %w", err)
		}
		cats, _, err := r.readArray(filepath.Join(path, "categories"))
		if err != nil {
			return nil, fmt.Errorf("categories: %w", err)
		}
		c := anndata.Categorical{Codes: make([]int32, len(codes.nums))}
		for i, v := range codes.nums {
			c.Codes[i] = int32(v)
		}
		c.Categories = cats.strs
		if c.Categories == nil {
			c.Categories = formatNumbers(cats.nums)
		}
		c.Ordered, _ = meta.Attributes["ordered"].(bool)
		return c, nil

	case "nullable-integer", "nullable-boolean", "nullable-float":
		values, _, err := r.readArray(filepath.Join(path, "values"))
		if err != nil {
			return nil, fmt.Errorf("values: %w", err)
		}
		out := anndata.Dense(values.nums)
		if maskPath := filepath.Join(path, "mask"); exists(maskPath) {
			mask, _, err := r.readArray(maskPath)
			if err != nil {
				return nil, fmt.Errorf("mask: %w", err)
			}
			for i, m := range mask.nums {
				if m != 0 && i < len(out) {
					out[i] = math.NaN()
				}
			}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, enc)
	}
}

// readMatrix reads X or a layer, dense or compressed sparse.
func (r *Reader) readMatrix(path string) (anndata.Matrix, error) {
	meta, err := loadNodeMeta(path)
	if err != nil {
		return nil, err
	}

	switch enc := encodingType(meta.Attributes); enc {
	case "array", "":
		a, _, err := r.readArray(path)
		if err != nil {
			return nil, err
		}
		if len(a.shape) != 2 || a.nums == nil {
			return nil, fmt.Errorf("dense matrix has shape %v and dtype %s", a.shape, a.dtype)
		}
		return anndata.NewDenseMatrix(a.shape[0], a.shape[1], a.nums)

	case "csr_matrix", "csc_matrix":
		shape := intList(meta.Attributes["shape"])
		if len(shape) != 2 {
			return nil, fmt.Errorf("%s without a 2-D shape attribute", enc)
		}
		data, _, err := r.readArray(filepath.Join(path, "data"))
		if err != nil {
			return nil, fmt.Errorf("data: %w", err)
		}
		indices, _, err := r.readArray(filepath.Join(path, "indices"))
		if err != nil {
			return nil, fmt.Errorf("indices: %w", err)
		}
		indptr, _, err := r.readArray(filepath.Join(path, "indptr"))
		if err != nil {
			return nil, fmt.Errorf("indptr: %w", err)
		}
		if enc == "csr_matrix" {
			m := &anndata.CSRMatrix{Rows: shape[0], Cols: shape[1],
				Indptr: toInt64(indptr.nums), Indices: toInt64(indices.nums), Data: data.nums}
			return m, m.Validate()
		}
		m := &anndata.CSCMatrix{Rows: shape[0], Cols: shape[1],
			Indptr: toInt64(indptr.nums), Indices: toInt64(indices.nums), Data: data.nums}
		return m, m.Validate()

	default:
		return nil, fmt.Errorf("%w: %q where matrix expected", ErrUnsupportedEncoding, enc)
	}
}

func (r *Reader) readObsm(path string) (anndata.ObsmEntry, error) {
	meta, err := loadNodeMeta(path)
	if err != nil {
		return anndata.ObsmEntry{}, err
	}

	if encodingType(meta.Attributes) == "dataframe" {
		df, err := r.readDataFrame(path)
		if err != nil {
			return anndata.ObsmEntry{}, err
		}
		return anndata.FrameEntry(df), nil
	}

	a, _, err := r.readArray(path)
	if err != nil {
		return anndata.ObsmEntry{}, err
	}
	if a.nums == nil {
		return anndata.ObsmEntry{}, fmt.Errorf("obsm array must be numeric, found %s", a.dtype)
	}
	arr, err := anndata.NewArray(a.shape, a.nums)
	if err != nil {
		return anndata.ObsmEntry{}, err
	}
	return anndata.ArrayEntry(arr), nil
}

// readDict loads a dict group into plain Go values. Scalars become float64 or
// string, 1-D arrays []float64 or []string, nested dicts map[string]any.
// Elements that cannot be decoded are skipped; uns is informational.
func (r *Reader) readDict(path string) map[string]any {
	out := make(map[string]any)
	for _, name := range children(path) {
		child := filepath.Join(path, name)
		meta, err := loadNodeMeta(child)
		if err != nil {
			continue
		}
		if meta.NodeType == "group" {
			if enc := encodingType(meta.Attributes); enc == "dict" || enc == "" {
				out[name] = r.readDict(child)
			}
			continue
		}

		a, _, err := r.readArray(child)
		if err != nil {
			continue
		}
		switch {
		case len(a.shape) == 0 && a.strs != nil:
			out[name] = a.strs[0]
		case len(a.shape) == 0:
			out[name] = a.nums[0]
		case len(a.shape) == 1 && a.strs != nil:
			out[name] = a.strs
		case len(a.shape) == 1:
			out[name] = a.nums
		}
	}
	return out
}

// children lists the nodes directly below a group, sorted by name.
func children(path string) []string {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && exists(filepath.Join(path, e.Name())) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// exists reports whether path is a Zarr node.
func exists(path string) bool {
	_, err := os.Stat(filepath.Join(path, "zarr.json"))
	return err == nil
}

func encodingType(attrs map[string]any) string {
	s, _ := attrs["encoding-type"].(string)
	return s
}

func stringList(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intList(v any) []int {
	items, _ := v.([]any)
	out := make([]int, 0, len(items))
	for _, it := range items {
		if f, ok := it.(float64); ok {
			out = append(out, int(f))
		}
	}
	return out
}

func toInt64(v []float64) []int64 {
	out := make([]int64, len(v))
	for i, f := range v {
		out[i] = int64(f)
	}
	return out
}

func formatNumbers(v []float64) []string {
	out := make([]string, len(v))
	for i, f := range v {
		out[i] = fmt.Sprint(f)
	}
	return out
}

// Close releases resources.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}
