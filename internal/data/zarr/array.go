package zarr

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue  interface{}    `json:"fill_value"`
	Codecs     []Codec        `json:"codecs"`
	Attributes map[string]any `json:"attributes"`
	ZarrFormat int            `json:"zarr_format"`
	NodeType   string         `json:"node_type"`
}

// Codec is one entry of an array's codec pipeline.
type Codec struct {
	Name          string                 `json:"name"`
	Configuration map[string]interface{} `json:"configuration"`
}

// nodeMeta is the subset of zarr.json shared by groups and arrays.
type nodeMeta struct {
	ZarrFormat int            `json:"zarr_format"`
	NodeType   string         `json:"node_type"`
	Attributes map[string]any `json:"attributes"`
}

// arrayData holds a fully materialised array in row-major order. Numeric
// dtypes land in nums, string dtypes in strs.
type arrayData struct {
	shape []int
	dtype string
	nums  []float64
	strs  []string
}

func loadNodeMeta(path string) (*nodeMeta, error) {
	data, err := os.ReadFile(filepath.Join(path, "zarr.json"))
	if err != nil {
		return nil, err
	}
	var meta nodeMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse %s/zarr.json: %w", path, err)
	}
	if meta.ZarrFormat != 3 {
		return nil, fmt.Errorf("%s: unsupported zarr_format %d", path, meta.ZarrFormat)
	}
	return &meta, nil
}

// loadArrayMeta loads Zarr v3 array metadata.
func loadArrayMeta(arrayPath string) (*ArrayMeta, error) {
	data, err := os.ReadFile(filepath.Join(arrayPath, "zarr.json"))
	if err != nil {
		return nil, err
	}

	var meta ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse %s/zarr.json: %w", arrayPath, err)
	}
	if meta.NodeType != "array" {
		return nil, fmt.Errorf("%s: expected array node, found %q", arrayPath, meta.NodeType)
	}
	if len(meta.Shape) != len(meta.ChunkGrid.Configuration.ChunkShape) {
		return nil, fmt.Errorf("%s: shape dims (%d) != chunk dims (%d)", arrayPath, len(meta.Shape), len(meta.ChunkGrid.Configuration.ChunkShape))
	}
	for d, c := range meta.ChunkGrid.Configuration.ChunkShape {
		if c <= 0 {
			return nil, fmt.Errorf("%s: invalid chunk shape at dim %d: %d", arrayPath, d, c)
		}
	}
	return &meta, nil
}

func encodeChunkKey(meta *ArrayMeta, chunkIndices []int) string {
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if meta.ChunkKeyEncoding.Name == "v2" {
		if sep == "" {
			sep = "."
		}
		if len(parts) == 0 {
			return "0"
		}
		return strings.Join(parts, sep)
	}
	if sep == "" {
		sep = "/"
	}
	return strings.Join(append([]string{"c"}, parts...), sep)
}

// readChunk reads a stored chunk and runs the bytes-to-bytes codecs in reverse.
func (r *Reader) readChunk(arrayPath string, meta *ArrayMeta, chunkKey string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(arrayPath, filepath.FromSlash(chunkKey)))
	if err != nil {
		return nil, err
	}

	for i := len(meta.Codecs) - 1; i >= 0; i-- {
		c := meta.Codecs[i]
		switch c.Name {
		case "zstd":
			raw, err = r.decoder.DecodeAll(raw, nil)
			if err != nil {
				return nil, fmt.Errorf("zstd decompress failed: %w", err)
			}
		case "gzip":
			raw, err = gunzip(raw)
			if err != nil {
				return nil, fmt.Errorf("gzip decompress failed: %w", err)
			}
		case "crc32c":
			raw, err = verifyCRC32C(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", chunkKey, err)
			}
		case "bytes", "vlen-utf8", "vlen-bytes":
			// array-to-bytes codecs are applied by decodeElements
		case "transpose":
			if !identityTranspose(c.Configuration, len(meta.Shape)) {
				return nil, fmt.Errorf("unsupported transpose order %v", c.Configuration["order"])
			}
		default:
			return nil, fmt.Errorf("unsupported codec %q", c.Name)
		}
	}
	return raw, nil
}

// ErrChecksum is returned when a chunk's crc32c trailer does not match its
// payload.
var ErrChecksum = errors.New("crc32c checksum mismatch")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// verifyCRC32C checks and strips the little-endian crc32c trailer.
func verifyCRC32C(raw []byte) ([]byte, error) {
	if len(raw) < 4 {
		return nil, errors.New("crc32c: chunk shorter than checksum")
	}
	payload := raw[:len(raw)-4]
	want := binary.LittleEndian.Uint32(raw[len(raw)-4:])
	if got := crc32.Checksum(payload, castagnoli); got != want {
		return nil, fmt.Errorf("%w: got %08x, stored %08x", ErrChecksum, got, want)
	}
	return payload, nil
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func identityTranspose(cfg map[string]interface{}, ndim int) bool {
	order, ok := cfg["order"].([]interface{})
	if !ok {
		return false
	}
	if len(order) != ndim {
		return false
	}
	for i, v := range order {
		if f, ok := v.(float64); !ok || int(f) != i {
			return false
		}
	}
	return true
}

func (r *Reader) readChunkAt(arrayPath string, meta *ArrayMeta, chunkIndices []int) ([]byte, error) {
	key := encodeChunkKey(meta, chunkIndices)
	data, err := r.readChunk(arrayPath, meta, key)
	if err == nil {
		return data, nil
	}

	// Some writers drop trailing singleton chunk dims
	// (e.g. store [N,2] chunks as c/<rowChunk> instead of c/<rowChunk>/0).
	var altErr error
	if len(chunkIndices) > 1 {
		trailingAllZero := true
		for _, v := range chunkIndices[1:] {
			if v != 0 {
				trailingAllZero = false
				break
			}
		}
		if trailingAllZero {
			altKey := encodeChunkKey(meta, chunkIndices[:1])
			altData, altReadErr := r.readChunk(arrayPath, meta, altKey)
			if altReadErr == nil {
				return altData, nil
			}
			altErr = altReadErr
		}
	}

	// A chunk that is not on disk holds only the fill value.
	if os.IsNotExist(err) && (altErr == nil || os.IsNotExist(altErr)) {
		return nil, errMissingChunk
	}
	return nil, err
}

var errMissingChunk = errors.New("chunk not stored")

// chunkShapeAt returns the extent of a chunk clipped to the array bounds.
func chunkShapeAt(meta *ArrayMeta, chunkIndices []int) ([]int, error) {
	if len(chunkIndices) != len(meta.Shape) {
		return nil, fmt.Errorf("invalid chunk indices: got %d dims, expected %d", len(chunkIndices), len(meta.Shape))
	}

	actual := make([]int, len(meta.Shape))
	for d := range meta.Shape {
		chunkLen := meta.ChunkGrid.Configuration.ChunkShape[d]
		start := chunkIndices[d] * chunkLen
		if start < 0 || start >= meta.Shape[d] {
			return nil, fmt.Errorf("chunk index out of range at dim %d: start=%d shape=%d", d, start, meta.Shape[d])
		}
		actual[d] = min(chunkLen, meta.Shape[d]-start)
	}
	return actual, nil
}

// readArray materialises a whole array.
func (r *Reader) readArray(arrayPath string) (*arrayData, *ArrayMeta, error) {
	meta, err := loadArrayMeta(arrayPath)
	if err != nil {
		return nil, nil, err
	}

	out := &arrayData{shape: append([]int(nil), meta.Shape...), dtype: meta.DataType}
	n := product(meta.Shape)
	stringType := isStringType(meta.DataType)
	if stringType {
		out.strs = make([]string, n)
	} else {
		if _, err := dtypeSize(meta.DataType); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", arrayPath, err)
		}
		out.nums = make([]float64, n)
	}
	if n == 0 {
		return out, meta, nil
	}

	fillNum, fillStr, err := fillValue(meta)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", arrayPath, err)
	}

	chunkShape := meta.ChunkGrid.Configuration.ChunkShape
	grid := make([]int, len(meta.Shape))
	for d := range meta.Shape {
		grid[d] = ceilDiv(meta.Shape[d], chunkShape[d])
	}

	err = forEachIndex(grid, func(chunk []int) error {
		actual, err := chunkShapeAt(meta, chunk)
		if err != nil {
			return err
		}

		raw, err := r.readChunkAt(arrayPath, meta, chunk)
		if errors.Is(err, errMissingChunk) {
			return forEachIndex(actual, func(local []int) error {
				dst := globalOffset(meta.Shape, chunkShape, chunk, local)
				if stringType {
					out.strs[dst] = fillStr
				} else {
					out.nums[dst] = fillNum
				}
				return nil
			})
		}
		if err != nil {
			return fmt.Errorf("chunk %v: %w", chunk, err)
		}

		nums, strs, err := decodeElements(meta, raw)
		if err != nil {
			return fmt.Errorf("chunk %v: %w", chunk, err)
		}
		count := len(nums)
		if stringType {
			count = len(strs)
		}

		// Regular grids store edge chunks padded to the full chunk shape, but
		// older writers clip them to the array bounds. Accept both layouts.
		layout := chunkShape
		switch count {
		case product(chunkShape):
		case product(actual):
			layout = actual
		default:
			return fmt.Errorf("chunk %v: got %d elements, expected %d", chunk, count, product(chunkShape))
		}

		return forEachIndex(actual, func(local []int) error {
			src := rowMajorOffset(layout, local)
			dst := globalOffset(meta.Shape, chunkShape, chunk, local)
			if stringType {
				out.strs[dst] = strs[src]
			} else {
				out.nums[dst] = nums[src]
			}
			return nil
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", arrayPath, err)
	}
	return out, meta, nil
}

// decodeElements applies the array-to-bytes codec of the pipeline.
func decodeElements(meta *ArrayMeta, raw []byte) ([]float64, []string, error) {
	if isStringType(meta.DataType) {
		strs, err := decodeVLenUTF8(raw)
		return nil, strs, err
	}

	var order binary.ByteOrder = binary.LittleEndian
	for _, c := range meta.Codecs {
		if c.Name == "bytes" {
			if e, _ := c.Configuration["endian"].(string); e == "big" {
				order = binary.BigEndian
			}
		}
	}

	size, err := dtypeSize(meta.DataType)
	if err != nil {
		return nil, nil, err
	}
	if len(raw)%size != 0 {
		return nil, nil, fmt.Errorf("chunk length %d is not a multiple of %s size", len(raw), meta.DataType)
	}
	n := len(raw) / size
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		b := raw[i*size : (i+1)*size]
		switch meta.DataType {
		case "bool":
			if b[0] != 0 {
				out[i] = 1
			}
		case "int8":
			out[i] = float64(int8(b[0]))
		case "uint8":
			out[i] = float64(b[0])
		case "int16":
			out[i] = float64(int16(order.Uint16(b)))
		case "uint16":
			out[i] = float64(order.Uint16(b))
		case "int32":
			out[i] = float64(int32(order.Uint32(b)))
		case "uint32":
			out[i] = float64(order.Uint32(b))
		case "int64":
			out[i] = float64(int64(order.Uint64(b)))
		case "uint64":
			out[i] = float64(order.Uint64(b))
		case "float32":
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		case "float64":
			out[i] = math.Float64frombits(order.Uint64(b))
		}
	}
	return out, nil, nil
}

// decodeVLenUTF8 decodes the vlen-utf8 layout: a little-endian uint32 item
// count followed by (uint32 length, bytes) pairs.
func decodeVLenUTF8(raw []byte) ([]string, error) {
	if len(raw) < 4 {
		return nil, errors.New("vlen-utf8: missing item count")
	}
	n := int(binary.LittleEndian.Uint32(raw))
	pos := 4
	out := make([]string, n)
	for i := 0; i < n; i++ {
		if pos+4 > len(raw) {
			return nil, fmt.Errorf("vlen-utf8: truncated length of item %d", i)
		}
		l := int(binary.LittleEndian.Uint32(raw[pos:]))
		pos += 4
		if pos+l > len(raw) {
			return nil, fmt.Errorf("vlen-utf8: truncated item %d", i)
		}
		out[i] = string(raw[pos : pos+l])
		pos += l
	}
	return out, nil
}

func isStringType(dataType string) bool {
	return dataType == "string" || dataType == "variable_length_utf8"
}

func dtypeSize(dataType string) (int, error) {
	switch dataType {
	case "bool", "int8", "uint8":
		return 1, nil
	case "int16", "uint16":
		return 2, nil
	case "float32", "int32", "uint32":
		return 4, nil
	case "float64", "int64", "uint64":
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type: %s", dataType)
	}
}

// fillValue decodes fill_value. A missing value fills with zero or "".
func fillValue(meta *ArrayMeta) (float64, string, error) {
	switch t := meta.FillValue.(type) {
	case nil:
		return 0, "", nil
	case bool:
		if t {
			return 1, "", nil
		}
		return 0, "", nil
	case float64:
		return t, "", nil
	case string:
		if isStringType(meta.DataType) {
			return 0, t, nil
		}
		switch t {
		case "NaN":
			return math.NaN(), "", nil
		case "Infinity":
			return math.Inf(1), "", nil
		case "-Infinity":
			return math.Inf(-1), "", nil
		}
		if strings.HasPrefix(t, "0x") {
			bits, err := strconv.ParseUint(t[2:], 16, 64)
			if err != nil {
				return 0, "", fmt.Errorf("invalid fill_value %q: %w", t, err)
			}
			if meta.DataType == "float32" {
				return float64(math.Float32frombits(uint32(bits))), "", nil
			}
			return math.Float64frombits(bits), "", nil
		}
	}
	return 0, "", fmt.Errorf("unsupported fill_value %v for %s", meta.FillValue, meta.DataType)
}

// forEachIndex visits every index of an N-d extent in row-major order. A
// zero-dimensional extent is visited once with an empty index.
func forEachIndex(extent []int, fn func(idx []int) error) error {
	for _, e := range extent {
		if e <= 0 {
			return nil
		}
	}
	idx := make([]int, len(extent))
	for {
		if err := fn(idx); err != nil {
			return err
		}
		d := len(extent) - 1
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < extent[d] {
				break
			}
			idx[d] = 0
		}
		if d < 0 {
			return nil
		}
	}
}

func rowMajorOffset(shape, idx []int) int {
	off := 0
	for d := range shape {
		off = off*shape[d] + idx[d]
	}
	return off
}

func globalOffset(shape, chunkShape, chunk, local []int) int {
	off := 0
	for d := range shape {
		off = off*shape[d] + chunk[d]*chunkShape[d] + local[d]
	}
	return off
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
