// Package anndata provides an in-memory annotated data table: per-observation
// metadata (obs), per-variable metadata (var), a primary matrix with optional
// alternate layers, and row-aligned multi-dimensional arrays (obsm).
package anndata

import "sort"

// Vector is a one-dimensional, row-aligned column of a table.
type Vector interface {
	Len() int
}

// Dense is a numeric dense vector.
type Dense []float64

// Len returns the number of elements.
func (d Dense) Len() int { return len(d) }

// Sparse is a one-dimensional vector storing only explicit entries.
// Indices are strictly increasing.
type Sparse struct {
	N       int
	Indices []int
	Values  []float64
}

// Len returns the logical length, including implicit zeros.
func (s Sparse) Len() int { return s.N }

// ToDense expands the vector, filling implicit entries with zero.
func (s Sparse) ToDense() Dense {
	out := make(Dense, s.N)
	for i, idx := range s.Indices {
		if idx >= 0 && idx < s.N && i < len(s.Values) {
			out[idx] = s.Values[i]
		}
	}
	return out
}

// Categorical is a discrete-coded vector. A code of -1 marks a missing value.
type Categorical struct {
	Codes      []int32
	Categories []string
	Ordered    bool
}

// Len returns the number of elements.
func (c Categorical) Len() int { return len(c.Codes) }

// Value returns the category label at i, or "" if missing.
func (c Categorical) Value(i int) string {
	code := c.Codes[i]
	if code < 0 || int(code) >= len(c.Categories) {
		return ""
	}
	return c.Categories[code]
}

// Strings is a free-text column.
type Strings []string

// Len returns the number of elements.
func (s Strings) Len() int { return len(s) }

// Categorize codes a string column against its distinct values in sorted
// order. Empty strings are missing and get code -1.
func Categorize(values Strings) Categorical {
	seen := make(map[string]struct{})
	for _, v := range values {
		if v != "" {
			seen[v] = struct{}{}
		}
	}
	cats := make([]string, 0, len(seen))
	for v := range seen {
		cats = append(cats, v)
	}
	sort.Strings(cats)

	pos := make(map[string]int32, len(cats))
	for i, c := range cats {
		pos[c] = int32(i)
	}
	codes := make([]int32, len(values))
	for i, v := range values {
		if c, ok := pos[v]; ok {
			codes[i] = c
		} else {
			codes[i] = -1
		}
	}
	return Categorical{Codes: codes, Categories: cats}
}

// EnsureDense normalises the representation of v. Sparse vectors are expanded,
// dense vectors are copied so callers never alias table storage, and
// categorical or string vectors are returned unchanged.
func EnsureDense(v Vector) Vector {
	switch t := v.(type) {
	case Sparse:
		return t.ToDense()
	case *Sparse:
		return t.ToDense()
	case Dense:
		out := make(Dense, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

// Float64s returns numeric values for v. Categorical vectors yield their codes.
// The second result is false for string vectors.
func Float64s(v Vector) ([]float64, bool) {
	switch t := EnsureDense(v).(type) {
	case Dense:
		return t, true
	case Categorical:
		out := make([]float64, len(t.Codes))
		for i, c := range t.Codes {
			out[i] = float64(c)
		}
		return out, true
	default:
		return nil, false
	}
}
