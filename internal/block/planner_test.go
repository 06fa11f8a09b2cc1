package block

import (
	"strings"
	"testing"

	"github.com/gftdcojp/hpcds/internal/types"
)

func coordinates(n int) []types.Block6D {
	out := make([]types.Block6D, n)
	for i := range out {
		out[i] = types.Block6D{X: i % 17, Y: i / 17, Z: i % 5, Channel: i % 3}
	}
	return out
}

func TestPlanSingleCoordinate(t *testing.T) {
	c := types.Block6D{X: 1, Y: 2, Z: 3}
	batches := NewPlanner(0).Plan("http://ds:9080/abc/", []types.Block6D{c})
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	want := "http://ds:9080/abc/1/1/1/1/2/3/0/0/0"
	if batches[0].URL != want {
		t.Errorf("expected URL %q, got %q", want, batches[0].URL)
	}
	if len(batches[0].Coordinates) != 1 || batches[0].Coordinates[0] != c {
		t.Errorf("unexpected coordinates %v", batches[0].Coordinates)
	}
}

func TestPlanEmpty(t *testing.T) {
	if batches := NewPlanner(0).Plan("http://ds", nil); batches != nil {
		t.Fatalf("expected no batches, got %d", len(batches))
	}
}

func TestPlanPreservesOrderAndBound(t *testing.T) {
	coords := coordinates(5000)
	p := NewPlanner(DefaultMaxURLLength)
	batches := p.Plan("http://localhost:9080/datasets/0000/", coords)
	if len(batches) < 2 {
		t.Fatalf("expected more than one batch, got %d", len(batches))
	}

	var flat []types.Block6D
	for i, b := range batches {
		if len(b.Coordinates) == 0 {
			t.Fatalf("batch %d is empty", i)
		}
		if i < len(batches)-1 && len(b.URL) > DefaultMaxURLLength {
			t.Errorf("batch %d URL length %d exceeds bound", i, len(b.URL))
		}
		if !strings.HasPrefix(b.URL, "http://localhost:9080/datasets/0000/1/1/1/") {
			t.Errorf("batch %d missing resolution prefix: %s", i, b.URL)
		}
		flat = append(flat, b.Coordinates...)
	}
	if len(flat) != len(coords) {
		t.Fatalf("expected %d coordinates across batches, got %d", len(coords), len(flat))
	}
	for i := range coords {
		if flat[i] != coords[i] {
			t.Fatalf("order changed at %d: %v != %v", i, flat[i], coords[i])
		}
	}
}

func TestPlanDeterministic(t *testing.T) {
	coords := coordinates(700)
	a := NewPlanner(300).Plan("http://h/e", coords)
	b := NewPlanner(300).Plan("http://h/e", coords)
	if len(a) != len(b) {
		t.Fatalf("batch counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].URL != b[i].URL {
			t.Fatalf("batch %d URL differs", i)
		}
	}
}

func TestPlanLastCoordinateIsForced(t *testing.T) {
	endpoint := "http://h"
	seed := endpoint + BatchPrefix.URLPart()
	c0 := types.Block6D{X: 10}
	c1 := types.Block6D{X: 11}
	// Room for exactly one fragment after the seed.
	limit := len(seed) + len(c0.URLPart())

	batches := NewPlanner(limit).Plan(endpoint, []types.Block6D{c0, c1})
	if len(batches) != 1 {
		t.Fatalf("expected last coordinate folded into one batch, got %d batches", len(batches))
	}
	if len(batches[0].URL) <= limit {
		t.Errorf("expected forced batch to exceed the bound")
	}

	// A middle coordinate that does not fit starts a new batch.
	c2 := types.Block6D{X: 12}
	batches = NewPlanner(limit).Plan(endpoint, []types.Block6D{c0, c1, c2})
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if len(batches[0].Coordinates) != 1 || len(batches[1].Coordinates) != 2 {
		t.Errorf("unexpected split %d/%d", len(batches[0].Coordinates), len(batches[1].Coordinates))
	}
}

func TestPlanTinyBoundNeverEmpty(t *testing.T) {
	coords := coordinates(10)
	batches := NewPlanner(5).Plan("http://h", coords)
	if len(batches) != 9 {
		// every coordinate gets its own batch, except the last which is folded in
		t.Fatalf("expected 9 batches, got %d", len(batches))
	}
	for i, b := range batches {
		if len(b.Coordinates) == 0 {
			t.Fatalf("batch %d empty", i)
		}
	}
}
