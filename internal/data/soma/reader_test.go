package soma

import (
	"errors"
	"math"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/soma-tiles/spatialview/internal/anndata"
)

func TestResolveExperimentURI(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/data/soma/experiment.soma", "/data/soma/experiment.soma"},
		{"/data/soma", "/data/soma/experiment.soma"},
		{" /data/soma/ ", "/data/soma/experiment.soma"},
	}
	for _, tt := range tests {
		got, err := ResolveExperimentURI(tt.in)
		if err != nil {
			t.Fatalf("ResolveExperimentURI(%q) error: %v", tt.in, err)
		}
		if got != filepath.FromSlash(tt.want) {
			t.Fatalf("ResolveExperimentURI(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := ResolveExperimentURI("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestLoadOptionsDefaults(t *testing.T) {
	opts := LoadOptions{Layers: []string{"counts"}}
	opts.applyDefaults()
	if opts.Measurement != "RNA" || opts.XLayer != "data" || opts.ObsIndex != "obs_id" || opts.VarIndex != "gene_id" {
		t.Fatalf("unexpected defaults: %+v", opts)
	}

	opts = LoadOptions{Measurement: "ATAC", XLayer: "raw"}
	opts.applyDefaults()
	if opts.Measurement != "ATAC" || opts.XLayer != "raw" {
		t.Fatalf("explicit options overwritten: %+v", opts)
	}
}

func TestBuildCSR(t *testing.T) {
	m := buildCSR(3, 3, []triplet{
		{row: 2, col: 0, val: 5},
		{row: 0, col: 2, val: 2},
		{row: 0, col: 0, val: 1},
		{row: 7, col: 0, val: 9}, // outside the shape
	})
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if want := []int64{0, 2, 2, 3}; !reflect.DeepEqual(m.Indptr, want) {
		t.Fatalf("indptr = %v, want %v", m.Indptr, want)
	}
	col, _ := m.Column(0)
	if got := anndata.EnsureDense(col); !reflect.DeepEqual(got, anndata.Dense{1, 0, 5}) {
		t.Fatalf("column 0 = %v", got)
	}
}

func TestDenseArray(t *testing.T) {
	a, err := denseArray(2, 2, []triplet{{0, 1, 3}, {1, 0, 4}})
	if err != nil {
		t.Fatalf("denseArray: %v", err)
	}
	if !reflect.DeepEqual(a.Data, []float64{0, 3, 4, 0}) {
		t.Fatalf("data = %v", a.Data)
	}
	if _, err := denseArray(2, 2, []triplet{{2, 0, 1}}); !errors.Is(err, anndata.ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestObsmColumns(t *testing.T) {
	// Only the first of three declared columns has stored values.
	entries := []triplet{{0, 0, 1.5}, {1, 0, 2.5}}

	tests := []struct {
		name     string
		domainHi int64
		want     int
	}{
		{"declaredDomain", 2, 3},
		{"unknownDomain", -1, 1},
		{"unboundedDomain", math.MaxInt64 - 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := obsmColumns(tt.domainHi, entries); got != tt.want {
				t.Fatalf("obsmColumns(%d) = %d, want %d", tt.domainHi, got, tt.want)
			}
		})
	}

	a, err := denseArray(2, obsmColumns(2, entries), entries)
	if err != nil {
		t.Fatalf("denseArray: %v", err)
	}
	if !reflect.DeepEqual(a.Shape, []int{2, 3}) {
		t.Fatalf("shape = %v, want [2 3]", a.Shape)
	}
}

func TestIndexFrom(t *testing.T) {
	got := indexFrom(3, map[int64]string{0: "c0", 2: "c2"})
	if want := []string{"c0", "1", "c2"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("index = %v, want %v", got, want)
	}
}
