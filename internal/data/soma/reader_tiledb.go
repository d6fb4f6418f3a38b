//go:build soma

package soma

import (
	"fmt"
	"log"
	"math"
	"os"

	tiledb "github.com/TileDB-Inc/TileDB-Go"

	"github.com/soma-tiles/spatialview/internal/anndata"
)

// Reader provides SOMA reads via TileDB arrays.
type Reader struct {
	experimentURI string
	ctx           *tiledb.Context
}

func NewReader(somaPath string) (*Reader, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("soma experiment not found at %s: %w", uri, statErr)
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	return &Reader{
		experimentURI: uri,
		ctx:           ctx,
	}, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

// Close frees the TileDB context.
func (r *Reader) Close() {
	if r.ctx != nil {
		r.ctx.Free()
	}
}

// LoadTable reads obs, var, X, the requested layers and obsm arrays into an
// in-memory table.
func (r *Reader) LoadTable(opts LoadOptions) (*anndata.Table, error) {
	opts.applyDefaults()
	ms := r.experimentURI + "/ms/" + opts.Measurement

	obs, err := r.loadObs(opts.ObsIndex)
	if err != nil {
		return nil, fmt.Errorf("obs: %w", err)
	}

	varURI := ms + "/var"
	nVars, err := r.rowCount(varURI)
	if err != nil {
		return nil, fmt.Errorf("var: %w", err)
	}
	varIDs, err := r.readStringAttr(varURI, opts.VarIndex)
	if err != nil {
		return nil, fmt.Errorf("var %s: %w", opts.VarIndex, err)
	}
	vars := anndata.NewDataFrame(indexFrom(nVars, varIDs))

	x, err := r.readMatrix(ms+"/X/"+opts.XLayer, obs.Len(), nVars)
	if err != nil {
		return nil, fmt.Errorf("X/%s: %w", opts.XLayer, err)
	}
	tbl, err := anndata.New(obs, vars, x)
	if err != nil {
		return nil, err
	}

	for _, name := range opts.Layers {
		m, err := r.readMatrix(ms+"/X/"+name, obs.Len(), nVars)
		if err != nil {
			return nil, fmt.Errorf("X/%s: %w", name, err)
		}
		if err := tbl.AddLayer(name, m); err != nil {
			return nil, err
		}
	}

	for _, name := range opts.Obsm {
		uri := ms + "/obsm/" + name
		entries, err := r.readTriplets(uri)
		if err != nil {
			return nil, fmt.Errorf("obsm/%s: %w", name, err)
		}
		hi, err := r.dimUpperBound(uri, "soma_dim_1")
		if err != nil {
			log.Printf("[SOMA] obsm/%s: %v; sizing from stored entries", name, err)
			hi = -1
		}
		arr, err := denseArray(obs.Len(), obsmColumns(hi, entries), entries)
		if err != nil {
			return nil, fmt.Errorf("obsm/%s: %w", name, err)
		}
		if err := tbl.AddObsm(name, anndata.ArrayEntry(arr)); err != nil {
			return nil, err
		}
	}

	log.Printf("[SOMA] Loaded %s: %d obs x %d vars, %d layers, %d obsm",
		r.experimentURI, tbl.NObs(), tbl.NVars(), tbl.Layers.Len(), tbl.Obsm.Len())
	return tbl, nil
}

func (r *Reader) loadObs(indexColumn string) (*anndata.DataFrame, error) {
	obsURI := r.experimentURI + "/obs"
	n, err := r.rowCount(obsURI)
	if err != nil {
		return nil, err
	}

	columns, err := r.attributes(obsURI)
	if err != nil {
		return nil, err
	}

	var index map[int64]string
	type column struct {
		name string
		vec  anndata.Vector
	}
	var cols []column
	for _, c := range columns {
		if c.isString {
			byID, err := r.readStringAttr(obsURI, c.name)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", c.name, err)
			}
			if c.name == indexColumn {
				index = byID
				continue
			}
			values := make([]string, n)
			for id, v := range byID {
				if id >= 0 && id < int64(n) {
					values[id] = v
				}
			}
			cols = append(cols, column{c.name, anndata.Categorize(values)})
			continue
		}

		byID, err := r.readNumericAttr(obsURI, c.name, c.typ)
		if err != nil {
			log.Printf("[SOMA] Skipping obs column %s: %v", c.name, err)
			continue
		}
		values := make(anndata.Dense, n)
		for i := range values {
			values[i] = math.NaN()
		}
		for id, v := range byID {
			if id >= 0 && id < int64(n) {
				values[id] = v
			}
		}
		cols = append(cols, column{c.name, values})
	}

	df := anndata.NewDataFrame(indexFrom(n, index))
	for _, c := range cols {
		if err := df.AddColumn(c.name, c.vec); err != nil {
			return nil, err
		}
	}
	return df, nil
}

func (r *Reader) readMatrix(uri string, rows, cols int) (*anndata.CSRMatrix, error) {
	entries, err := r.readTriplets(uri)
	if err != nil {
		return nil, err
	}
	return buildCSR(rows, cols, entries), nil
}

type attrInfo struct {
	name     string
	typ      tiledb.Datatype
	isString bool
}

func (r *Reader) openArray(uri string) (*tiledb.Array, func(), error) {
	arr, err := tiledb.NewArray(r.ctx, uri)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open array (%s): %w", uri, err)
	}
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		arr.Free()
		return nil, nil, fmt.Errorf("failed to open array for read (%s): %w", uri, err)
	}
	return arr, func() {
		arr.Close()
		arr.Free()
	}, nil
}

// attributes lists the attributes of a dataframe array, skipping soma_joinid.
func (r *Reader) attributes(uri string) ([]attrInfo, error) {
	arr, done, err := r.openArray(uri)
	if err != nil {
		return nil, err
	}
	defer done()

	schema, err := arr.Schema()
	if err != nil {
		return nil, fmt.Errorf("failed to get schema: %w", err)
	}
	defer schema.Free()

	nattrs, err := schema.AttributeNum()
	if err != nil {
		return nil, fmt.Errorf("failed to get attribute count: %w", err)
	}

	var out []attrInfo
	for i := uint(0); i < nattrs; i++ {
		attr, err := schema.AttributeFromIndex(i)
		if err != nil {
			continue
		}
		name, nameErr := attr.Name()
		typ, typErr := attr.Type()
		attr.Free()
		if nameErr != nil || typErr != nil || name == "soma_joinid" {
			continue
		}
		out = append(out, attrInfo{
			name:     name,
			typ:      typ,
			isString: typ == tiledb.TILEDB_STRING_UTF8 || typ == tiledb.TILEDB_STRING_ASCII,
		})
	}
	return out, nil
}

// rowCount returns max(soma_joinid)+1 of a dataframe array.
func (r *Reader) rowCount(uri string) (int, error) {
	arr, done, err := r.openArray(uri)
	if err != nil {
		return 0, err
	}
	defer done()

	ned, isEmpty, err := arr.NonEmptyDomainFromName("soma_joinid")
	if err != nil {
		return 0, fmt.Errorf("failed to get non-empty domain: %w", err)
	}
	if isEmpty || ned == nil {
		return 0, nil
	}
	_, maxID, err := boundsMinMaxInt64(ned.Bounds)
	if err != nil {
		return 0, err
	}
	return int(maxID) + 1, nil
}

// dimUpperBound returns the upper bound of dim's declared domain.
func (r *Reader) dimUpperBound(uri, dim string) (int64, error) {
	arr, done, err := r.openArray(uri)
	if err != nil {
		return 0, err
	}
	defer done()

	schema, err := arr.Schema()
	if err != nil {
		return 0, fmt.Errorf("failed to get schema: %w", err)
	}
	defer schema.Free()
	domain, err := schema.Domain()
	if err != nil {
		return 0, fmt.Errorf("failed to get domain: %w", err)
	}
	defer domain.Free()
	d, err := domain.DimensionFromName(dim)
	if err != nil {
		return 0, fmt.Errorf("failed to get dimension %s: %w", dim, err)
	}
	defer d.Free()
	bounds, err := d.Domain()
	if err != nil {
		return 0, fmt.Errorf("failed to get %s domain: %w", dim, err)
	}
	_, hi, err := boundsMinMaxInt64(bounds)
	if err != nil {
		return 0, err
	}
	return hi, nil
}

func (r *Reader) joinRangeQuery(arr *tiledb.Array, dims ...string) (*tiledb.Query, func(), bool, error) {
	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to create subarray: %w", err)
	}
	for _, dim := range dims {
		ned, isEmpty, err := arr.NonEmptyDomainFromName(dim)
		if err != nil {
			sub.Free()
			return nil, nil, false, fmt.Errorf("failed to get non-empty domain of %s: %w", dim, err)
		}
		if isEmpty || ned == nil {
			sub.Free()
			return nil, nil, true, nil
		}
		minID, maxID, err := boundsMinMaxInt64(ned.Bounds)
		if err != nil {
			sub.Free()
			return nil, nil, false, fmt.Errorf("failed to parse %s bounds: %w", dim, err)
		}
		if err := sub.AddRangeByName(dim, tiledb.MakeRange[int64](minID, maxID)); err != nil {
			sub.Free()
			return nil, nil, false, fmt.Errorf("failed to set %s range: %w", dim, err)
		}
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		sub.Free()
		return nil, nil, false, fmt.Errorf("failed to create query: %w", err)
	}
	if err := q.SetSubarray(sub); err != nil {
		q.Free()
		sub.Free()
		return nil, nil, false, fmt.Errorf("failed to set subarray: %w", err)
	}
	return q, func() {
		q.Free()
		sub.Free()
	}, false, nil
}

// readStringAttr streams a var-length string attribute keyed by soma_joinid.
func (r *Reader) readStringAttr(uri, column string) (map[int64]string, error) {
	arr, done, err := r.openArray(uri)
	if err != nil {
		return nil, err
	}
	defer done()

	q, free, empty, err := r.joinRangeQuery(arr, "soma_joinid")
	if err != nil {
		return nil, err
	}
	if empty {
		return map[int64]string{}, nil
	}
	defer free()
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, fmt.Errorf("failed to set query layout: %w", err)
	}

	// Stream in chunks to avoid huge allocations and to handle unbounded domains safely.
	const chunkRows = 8192
	joinIDs := make([]int64, chunkRows)
	offsets := make([]uint64, chunkRows)
	nullable, _ := attributeNullable(arr, column)
	var validity []uint8
	if nullable {
		validity = make([]uint8, chunkRows)
	}
	dataBytes := make([]byte, 2*1024*1024)

	result := make(map[int64]string)
	for {
		// Reset buffers each submit so TileDB sees full capacities (buffer sizes are in/out params).
		if _, err := q.SetDataBuffer("soma_joinid", joinIDs); err != nil {
			return nil, fmt.Errorf("failed to set buffer soma_joinid: %w", err)
		}
		if _, err := q.SetOffsetsBuffer(column, offsets); err != nil {
			return nil, fmt.Errorf("failed to set offsets buffer %s: %w", column, err)
		}
		if _, err := q.SetDataBuffer(column, dataBytes); err != nil {
			return nil, fmt.Errorf("failed to set data buffer %s: %w", column, err)
		}
		if nullable {
			if _, err := q.SetValidityBuffer(column, validity); err != nil {
				return nil, fmt.Errorf("failed to set validity buffer %s: %w", column, err)
			}
		}

		if err := q.Submit(); err != nil {
			return nil, fmt.Errorf("query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return nil, fmt.Errorf("query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return nil, fmt.Errorf("ResultBufferElements failed: %w", err)
		}

		usedJoin := min(int(elems["soma_joinid"][1]), len(joinIDs))
		usedOffsets := min(int(elems[column][0]), len(offsets))
		usedBytes := min(int(elems[column][1]), len(dataBytes))
		usedValid := 0
		if nullable {
			usedValid = min(int(elems[column][2]), len(validity))
		}

		// If buffers are too small to return even a single row, grow and retry.
		if status == tiledb.TILEDB_INCOMPLETE && usedOffsets == 0 && usedBytes == 0 && usedJoin == 0 {
			if len(dataBytes) < 64*1024*1024 {
				dataBytes = make([]byte, len(dataBytes)*2)
				continue
			}
			return nil, fmt.Errorf("query buffers too small for column %s", column)
		}

		data := dataBytes[:usedBytes]
		lim := min(usedJoin, usedOffsets)
		if nullable && usedValid > 0 {
			lim = min(lim, usedValid)
		}
		for i := 0; i < lim; i++ {
			if nullable && usedValid > 0 && validity[i] == 0 {
				continue
			}
			start := int(offsets[i])
			end := len(data)
			if i+1 < usedOffsets {
				end = int(offsets[i+1])
			}
			if start < 0 || end < start || end > len(data) {
				continue
			}
			result[joinIDs[i]] = string(data[start:end])
		}

		if status == tiledb.TILEDB_COMPLETED {
			return result, nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return nil, fmt.Errorf("unexpected TileDB query status: %v", status)
		}
	}
}

// readNumericAttr streams a fixed-size numeric attribute keyed by soma_joinid.
func (r *Reader) readNumericAttr(uri, column string, typ tiledb.Datatype) (map[int64]float64, error) {
	arr, done, err := r.openArray(uri)
	if err != nil {
		return nil, err
	}
	defer done()

	q, free, empty, err := r.joinRangeQuery(arr, "soma_joinid")
	if err != nil {
		return nil, err
	}
	if empty {
		return map[int64]float64{}, nil
	}
	defer free()
	_ = q.SetLayout(tiledb.TILEDB_UNORDERED)

	const chunkRows = 65536
	joinIDs := make([]int64, chunkRows)
	buf, at, err := numericBuffer(typ, chunkRows)
	if err != nil {
		return nil, err
	}

	result := make(map[int64]float64)
	for {
		if _, err := q.SetDataBuffer("soma_joinid", joinIDs); err != nil {
			return nil, fmt.Errorf("failed to set buffer soma_joinid: %w", err)
		}
		if _, err := q.SetDataBuffer(column, buf); err != nil {
			return nil, fmt.Errorf("failed to set buffer %s: %w", column, err)
		}
		if err := q.Submit(); err != nil {
			return nil, fmt.Errorf("query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return nil, fmt.Errorf("query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return nil, fmt.Errorf("ResultBufferElements failed: %w", err)
		}

		got := min(int(elems[column][1]), chunkRows)
		for i := 0; i < got; i++ {
			result[joinIDs[i]] = at(i)
		}

		if status == tiledb.TILEDB_COMPLETED {
			return result, nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return nil, fmt.Errorf("unexpected TileDB query status: %v", status)
		}
	}
}

// readTriplets streams every stored value of a 2-D sparse SOMA array.
func (r *Reader) readTriplets(uri string) ([]triplet, error) {
	arr, done, err := r.openArray(uri)
	if err != nil {
		return nil, err
	}
	defer done()

	q, free, empty, err := r.joinRangeQuery(arr, "soma_dim_0", "soma_dim_1")
	if err != nil {
		return nil, err
	}
	if empty {
		return nil, nil
	}
	defer free()
	_ = q.SetLayout(tiledb.TILEDB_UNORDERED)

	schema, err := arr.Schema()
	if err != nil {
		return nil, fmt.Errorf("failed to get schema: %w", err)
	}
	attr, err := schema.AttributeFromName("soma_data")
	if err != nil {
		schema.Free()
		return nil, fmt.Errorf("soma_data attribute: %w", err)
	}
	typ, err := attr.Type()
	attr.Free()
	schema.Free()
	if err != nil {
		return nil, fmt.Errorf("soma_data type: %w", err)
	}

	const bufSize = 1024 * 1024
	outRow := make([]int64, bufSize)
	outCol := make([]int64, bufSize)
	outVal, at, err := numericBuffer(typ, bufSize)
	if err != nil {
		return nil, err
	}
	valNullable, err := attributeNullable(arr, "soma_data")
	if err != nil {
		return nil, fmt.Errorf("failed to inspect soma_data nullable: %w", err)
	}
	var outValid []uint8
	if valNullable {
		outValid = make([]uint8, bufSize)
	}

	var entries []triplet
	for {
		if _, err := q.SetDataBuffer("soma_dim_0", outRow); err != nil {
			return nil, fmt.Errorf("failed to set buffer soma_dim_0: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_dim_1", outCol); err != nil {
			return nil, fmt.Errorf("failed to set buffer soma_dim_1: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_data", outVal); err != nil {
			return nil, fmt.Errorf("failed to set buffer soma_data: %w", err)
		}
		if valNullable {
			if _, err := q.SetValidityBuffer("soma_data", outValid); err != nil {
				return nil, fmt.Errorf("failed to set validity buffer soma_data: %w", err)
			}
		}

		if err := q.Submit(); err != nil {
			return nil, fmt.Errorf("query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return nil, fmt.Errorf("query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return nil, fmt.Errorf("ResultBufferElements failed: %w", err)
		}

		got := min(int(elems["soma_data"][1]), bufSize)
		gotValid := 0
		if valNullable {
			gotValid = min(int(elems["soma_data"][2]), bufSize)
		}
		for i := 0; i < got; i++ {
			if valNullable && i < gotValid && outValid[i] == 0 {
				continue
			}
			entries = append(entries, triplet{row: outRow[i], col: outCol[i], val: at(i)})
		}

		if status == tiledb.TILEDB_COMPLETED {
			return entries, nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return nil, fmt.Errorf("unexpected TileDB query status: %v", status)
		}
	}
}

// numericBuffer allocates a query buffer for a TileDB datatype and returns an
// accessor converting element i to float64.
func numericBuffer(typ tiledb.Datatype, n int) (interface{}, func(int) float64, error) {
	switch typ {
	case tiledb.TILEDB_FLOAT32:
		b := make([]float32, n)
		return b, func(i int) float64 { return float64(b[i]) }, nil
	case tiledb.TILEDB_FLOAT64:
		b := make([]float64, n)
		return b, func(i int) float64 { return b[i] }, nil
	case tiledb.TILEDB_INT32:
		b := make([]int32, n)
		return b, func(i int) float64 { return float64(b[i]) }, nil
	case tiledb.TILEDB_INT64:
		b := make([]int64, n)
		return b, func(i int) float64 { return float64(b[i]) }, nil
	case tiledb.TILEDB_UINT8, tiledb.TILEDB_BOOL:
		b := make([]uint8, n)
		return b, func(i int) float64 { return float64(b[i]) }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported TileDB datatype %v", typ)
	}
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return 0, 0, fmt.Errorf("uint64 bounds exceed int64 range")
			}
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}

func attributeNullable(arr *tiledb.Array, name string) (bool, error) {
	schema, err := arr.Schema()
	if err != nil {
		return false, err
	}
	defer schema.Free()
	attr, err := schema.AttributeFromName(name)
	if err != nil {
		return false, err
	}
	defer attr.Free()
	return attr.Nullable()
}
