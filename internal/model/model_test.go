package model

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/soma-tiles/spatialview/internal/anndata"
)

type testLayer string

func (l testLayer) String() string { return string(l) }

// newTestTable builds a 4-cell, 3-gene table with a sparse "counts" layer,
// a two-column spatial array, a 1-D array and a labeled embedding.
func newTestTable(t *testing.T) *anndata.Table {
	t.Helper()

	obs := anndata.NewDataFrame([]string{"c0", "c1", "c2", "c3"})
	mustAdd(t, obs, "n_genes", anndata.Dense{5, 6, 7, 8})
	mustAdd(t, obs, "cluster", anndata.Categorical{Codes: []int32{0, 1, 1, -1}, Categories: []string{"B", "T"}})
	mustAdd(t, obs, "qc", anndata.Sparse{N: 4, Indices: []int{2}, Values: []float64{1}})

	vars := anndata.NewDataFrame([]string{"Actb", "Gapdh", "Cd3e"})
	x, err := anndata.NewDenseMatrix(4, 3, []float64{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
		10, 11, 12,
	})
	if err != nil {
		t.Fatalf("dense: %v", err)
	}
	tbl, err := anndata.New(obs, vars, x)
	if err != nil {
		t.Fatalf("table: %v", err)
	}

	counts := &anndata.CSRMatrix{
		Rows: 4, Cols: 3,
		Indptr:  []int64{0, 1, 1, 2, 3},
		Indices: []int64{1, 1, 0},
		Data:    []float64{40, 41, 42},
	}
	if err := tbl.AddLayer("counts", counts); err != nil {
		t.Fatalf("layer: %v", err)
	}

	spatial, _ := anndata.NewArray([]int{4, 2}, []float64{0, 100, 1, 101, 2, 102, 3, 103})
	flat, _ := anndata.NewArray([]int{4}, []float64{9, 8, 7, 6})
	umap := anndata.NewDataFrame([]string{"c0", "c1", "c2", "c3"})
	mustAdd(t, umap, "UMAP1", anndata.Dense{0.1, 0.2, 0.3, 0.4})
	mustAdd(t, umap, "UMAP2", anndata.Dense{-0.1, -0.2, -0.3, -0.4})

	for _, e := range []struct {
		name  string
		entry anndata.ObsmEntry
	}{
		{"spatial", anndata.ArrayEntry(spatial)},
		{"flat", anndata.ArrayEntry(flat)},
		{"X_umap", anndata.FrameEntry(umap)},
	} {
		if err := tbl.AddObsm(e.name, e.entry); err != nil {
			t.Fatalf("obsm %s: %v", e.name, err)
		}
	}
	return tbl
}

func mustAdd(t *testing.T, f *anndata.DataFrame, name string, v anndata.Vector) {
	t.Helper()
	if err := f.AddColumn(name, v); err != nil {
		t.Fatalf("add column %s: %v", name, err)
	}
}

func boundModel(t *testing.T) *ViewModel {
	t.Helper()
	m := New(Config{})
	m.SetTable(newTestTable(t))
	return m
}

func TestNew_Defaults(t *testing.T) {
	m := New(Config{})
	if m.Layer() != nil || m.Table() != nil {
		t.Fatalf("expected no layer and no table")
	}
	if m.SpatialKey() != "spatial" {
		t.Errorf("spatial key = %q", m.SpatialKey())
	}
	if m.SpotDiameter() != 1 {
		t.Errorf("spot diameter = %v", m.SpotDiameter())
	}
	if m.Colormap() != "viridis" || m.Blending() != "opaque" || m.KeyAdded() != "shapes" {
		t.Errorf("unexpected display defaults: %+v", m.Settings())
	}
	if m.Symbol() != SymbolDisc {
		t.Errorf("symbol = %q", m.Symbol())
	}
	if m.ScaleKey() != "tissue_hires_scalef" {
		t.Errorf("scale key = %q", m.ScaleKey())
	}
	if m.TableLayer() != "" {
		t.Errorf("table layer = %q", m.TableLayer())
	}

	custom := New(Config{SpatialKey: "coords", Colormap: "magma"})
	if custom.SpatialKey() != "coords" || custom.Colormap() != "magma" {
		t.Errorf("config overrides ignored: %+v", custom.Settings())
	}
}

func TestObservation(t *testing.T) {
	m := boundModel(t)
	n := m.Table().NObs()

	for _, name := range []string{"n_genes", "cluster", "qc"} {
		v, label, err := m.Observation(name)
		if err != nil {
			t.Fatalf("Observation(%q): %v", name, err)
		}
		if v.Len() != n {
			t.Errorf("Observation(%q) length %d, want %d", name, v.Len(), n)
		}
		if label != name+":X" {
			t.Errorf("Observation(%q) label %q", name, label)
		}
	}

	v, _, _ := m.Observation("qc")
	if !reflect.DeepEqual(v, anndata.Dense{0, 0, 1, 0}) {
		t.Errorf("sparse obs column not densified: %#v", v)
	}
	if _, ok := mustObs(t, m, "cluster").(anndata.Categorical); !ok {
		t.Errorf("categorical obs column lost its categories")
	}

	m.SetLayer(testLayer("Image"))
	_, label, _ := m.Observation("n_genes")
	if !strings.HasSuffix(label, ":Image") {
		t.Errorf("label %q should end with the layer name", label)
	}
}

func mustObs(t *testing.T, m *ViewModel, name string) anndata.Vector {
	t.Helper()
	v, _, err := m.Observation(name)
	if err != nil {
		t.Fatalf("Observation(%q): %v", name, err)
	}
	return v
}

func TestObservation_Missing(t *testing.T) {
	m := boundModel(t)
	_, _, err := m.Observation("nope")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	var ke *KeyError
	if !errors.As(err, &ke) || ke.Key != "nope" || ke.Section != "adata.obs" {
		t.Fatalf("unexpected key error: %#v", err)
	}
	if !strings.Contains(err.Error(), "nope") || !strings.Contains(err.Error(), "adata.obs") {
		t.Fatalf("message should name key and section: %q", err.Error())
	}
}

func TestGene(t *testing.T) {
	m := boundModel(t)
	m.SetLayer(testLayer("spots"))

	v, label, err := m.Gene(Name("Gapdh"))
	if err != nil {
		t.Fatalf("Gene: %v", err)
	}
	if !reflect.DeepEqual(v, anndata.Dense{2, 5, 8, 11}) {
		t.Errorf("unexpected X column: %v", v)
	}
	if label != "Gapdh:X:spots" {
		t.Errorf("label = %q", label)
	}

	byPos, posLabel, err := m.Gene(Pos(1))
	if err != nil {
		t.Fatalf("Gene(Pos): %v", err)
	}
	if !reflect.DeepEqual(byPos, v) {
		t.Errorf("positional lookup differs: %v vs %v", byPos, v)
	}
	if posLabel != "1:X:spots" {
		t.Errorf("positional label = %q", posLabel)
	}

	m.SetTableLayer("counts")
	counts, countsLabel, err := m.Gene(Name("Gapdh"))
	if err != nil {
		t.Fatalf("Gene(counts): %v", err)
	}
	if counts.Len() != v.Len() {
		t.Errorf("switching layers changed vector length: %d vs %d", counts.Len(), v.Len())
	}
	if !reflect.DeepEqual(counts, anndata.Dense{40, 0, 41, 0}) {
		t.Errorf("sparse layer column not densified: %v", counts)
	}
	if countsLabel != "Gapdh:counts:spots" {
		t.Errorf("label = %q", countsLabel)
	}
}

func TestGene_Missing(t *testing.T) {
	m := boundModel(t)

	cases := []struct {
		key  Key
		want string
	}{
		{Name("Nope"), "Nope"},
		{Pos(3), "3"},
		{Pos(-1), "-1"},
	}
	for _, tc := range cases {
		_, _, err := m.Gene(tc.key)
		var ke *KeyError
		if !errors.As(err, &ke) {
			t.Fatalf("Gene(%v): expected KeyError, got %v", tc.key, err)
		}
		if ke.Key != tc.want || ke.Section != "adata.var_names" {
			t.Errorf("Gene(%v): unexpected error %#v", tc.key, ke)
		}
	}

	m.SetTableLayer("missing")
	if _, _, err := m.Gene(Name("Actb")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("unknown table layer: expected ErrKeyNotFound, got %v", err)
	}
}

func TestEmbedding_PlainArray(t *testing.T) {
	m := boundModel(t)

	first, label, err := m.Embedding("spatial", Pos(0))
	if err != nil {
		t.Fatalf("Embedding: %v", err)
	}
	if !reflect.DeepEqual(first, anndata.Dense{0, 1, 2, 3}) {
		t.Errorf("index 0: %v", first)
	}
	if label != "spatial:0:X" {
		t.Errorf("label = %q", label)
	}

	second, _, err := m.Embedding("spatial", Pos(1))
	if err != nil || !reflect.DeepEqual(second, anndata.Dense{100, 101, 102, 103}) {
		t.Errorf("index 1: %v %v", second, err)
	}

	parsed, parsedLabel, err := m.Embedding("spatial", Name("1"))
	if err != nil || !reflect.DeepEqual(parsed, second) {
		t.Errorf("numeric string index: %v %v", parsed, err)
	}
	if parsedLabel != "spatial:1:X" {
		t.Errorf("label = %q", parsedLabel)
	}

	if _, _, err := m.Embedding("spatial", Pos(2)); !errors.Is(err, anndata.ErrIndexOutOfRange) {
		t.Errorf("out of range: expected ErrIndexOutOfRange, got %v", err)
	}

	_, _, err = m.Embedding("spatial", Name("abc"))
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	var ae *ArgumentError
	if !errors.As(err, &ae) || ae.Value != "abc" || !strings.Contains(err.Error(), "abc") {
		t.Errorf("argument error should carry the value: %#v", err)
	}

	flat, _, err := m.Embedding("flat", Pos(5))
	if err != nil || !reflect.DeepEqual(flat, anndata.Dense{9, 8, 7, 6}) {
		t.Errorf("1-D array should be returned whole: %v %v", flat, err)
	}
}

func TestEmbedding_LabeledTable(t *testing.T) {
	m := boundModel(t)
	m.SetLayer(testLayer("cells"))

	byName, label, err := m.Embedding("X_umap", Name("UMAP2"))
	if err != nil {
		t.Fatalf("Embedding: %v", err)
	}
	if !reflect.DeepEqual(byName, anndata.Dense{-0.1, -0.2, -0.3, -0.4}) {
		t.Errorf("by name: %v", byName)
	}
	if label != "X_umap:UMAP2:cells" {
		t.Errorf("label = %q", label)
	}

	byPos, posLabel, err := m.Embedding("X_umap", Pos(0))
	if err != nil || !reflect.DeepEqual(byPos, anndata.Dense{0.1, 0.2, 0.3, 0.4}) {
		t.Errorf("by position: %v %v", byPos, err)
	}
	if posLabel != "X_umap:UMAP1:cells" {
		t.Errorf("positional label should carry the column name, got %q", posLabel)
	}

	_, _, err = m.Embedding("X_umap", Name("UMAP3"))
	var ke *KeyError
	if !errors.As(err, &ke) || ke.Key != "UMAP3" || !strings.Contains(ke.Section, "X_umap") {
		t.Errorf("missing column: %#v", err)
	}

	if _, _, err := m.Embedding("X_umap", Pos(7)); !errors.Is(err, anndata.ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestEmbedding_MissingKey(t *testing.T) {
	m := boundModel(t)
	_, _, err := m.Embedding("X_pca", Pos(0))
	var ke *KeyError
	if !errors.As(err, &ke) || ke.Key != "X_pca" || ke.Section != "adata.obsm" {
		t.Fatalf("unexpected error: %#v", err)
	}
}

func TestItems(t *testing.T) {
	m := boundModel(t)

	cases := []struct {
		section string
		want    []string
	}{
		{"obs", []string{"n_genes", "cluster", "qc"}},
		{"obsm", []string{"spatial", "flat", "X_umap"}},
		{"var", []string{"Actb", "Gapdh", "Cd3e"}},
		{"layers", []string{"counts"}},
		{"obs_names", []string{"c0", "c1", "c2", "c3"}},
	}
	for _, tc := range cases {
		got, err := m.Items(tc.section)
		if err != nil {
			t.Fatalf("Items(%q): %v", tc.section, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("Items(%q) = %v, want %v", tc.section, got, tc.want)
		}
	}

	if _, err := m.Items("uns_stuff"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unknown section: expected ErrInvalidArgument, got %v", err)
	}
}

func TestAccessors_NoTable(t *testing.T) {
	m := New(Config{})
	if _, _, err := m.Observation("x"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Observation: %v", err)
	}
	if _, _, err := m.Gene(Pos(0)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Gene: %v", err)
	}
	if _, _, err := m.Embedding("spatial", Pos(0)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Embedding: %v", err)
	}
	if _, err := m.Items("obs"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Items: %v", err)
	}
}

func TestSetTable_Identity(t *testing.T) {
	m := New(Config{})
	tbl := newTestTable(t)
	m.SetTable(tbl)
	if m.Table() != tbl {
		t.Fatalf("table was copied on assignment")
	}
	m.SetTable(nil)
	if m.Table() != nil {
		t.Fatalf("expected nil table after reset")
	}
}

func TestSpatialCoordinates(t *testing.T) {
	m := boundModel(t)

	coords, err := m.SpatialCoordinates()
	if err != nil {
		t.Fatalf("SpatialCoordinates: %v", err)
	}
	if len(coords) != 4 || coords[1] != [2]float64{101, 1} {
		t.Fatalf("unexpected coordinates: %v", coords)
	}
	if !reflect.DeepEqual(m.Coordinates(), coords) {
		t.Fatalf("coordinates not stored on the model")
	}

	m.SetSpatialKey("flat")
	if _, err := m.SpatialCoordinates(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("1-D basis: expected ErrInvalidArgument, got %v", err)
	}
	m.SetSpatialKey("missing")
	if _, err := m.SpatialCoordinates(); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("missing basis: expected ErrKeyNotFound, got %v", err)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	m := New(Config{})
	s := m.Settings()
	s.Colormap = "plasma"
	s.Symbol = SymbolSquare
	s.SpotDiameter = 3.5
	s.LibraryID = "V1_Brain"
	m.ApplySettings(s)
	if got := m.Settings(); got != s {
		t.Fatalf("settings not applied: %+v vs %+v", got, s)
	}
}

func TestParseSymbol(t *testing.T) {
	if s, err := ParseSymbol("square"); err != nil || s != SymbolSquare {
		t.Fatalf("ParseSymbol(square) = %q, %v", s, err)
	}
	if _, err := ParseSymbol("star"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
