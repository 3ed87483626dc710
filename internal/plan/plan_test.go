package plan

import (
	"testing"

	"github.com/cockroachdb/errors"
)

func TestReferenceGeometry(t *testing.T) {
	g, err := New(1<<32/64, 256, 65535)
	if err != nil {
		t.Fatal(err)
	}

	if g.MinWords != 1<<21 {
		t.Errorf("MinWords = %d", g.MinWords)
	}
	if g.DispatchGroups != 8192 {
		t.Errorf("DispatchGroups = %d", g.DispatchGroups)
	}
	if g.WordsPerLane != 1 {
		t.Errorf("WordsPerLane = %d", g.WordsPerLane)
	}
	if g.Words != 1<<21 {
		t.Errorf("Words = %d", g.Words)
	}
	if g.Clamped() {
		t.Error("reference geometry should not be clamped")
	}
}

func TestClampedGeometry(t *testing.T) {
	g, err := New(1<<32, 256, 65535)
	if err != nil {
		t.Fatal(err)
	}
	if !g.Clamped() {
		t.Fatal("expected clamped geometry")
	}
	if g.DispatchGroups != 65535 {
		t.Errorf("DispatchGroups = %d", g.DispatchGroups)
	}
	if g.WordsPerLane != 9 {
		t.Errorf("WordsPerLane = %d", g.WordsPerLane)
	}
	if g.Words != 9*256*65535 {
		t.Errorf("Words = %d", g.Words)
	}
}

func TestCoverageInvariant(t *testing.T) {
	candidates := []uint64{1, 2, 31, 32, 33, 100, 1000, 4097, 1 << 20, 1<<26 + 7, 1 << 32}
	widths := []uint32{1, 32, 64, 256, 1024}
	maxGroups := []uint32{1, 3, 16, 255, 65535}

	for _, c := range candidates {
		for _, w := range widths {
			for _, m := range maxGroups {
				g, err := New(c, w, m)
				if err != nil {
					t.Fatalf("New(%d, %d, %d): %v", c, w, m, err)
				}
				if g.Words*WordBits < c {
					t.Fatalf("New(%d, %d, %d): %d words under-cover", c, w, m, g.Words)
				}
				if g.DispatchGroups > m {
					t.Fatalf("New(%d, %d, %d): %d groups above limit", c, w, m, g.DispatchGroups)
				}
				if g.Words != uint64(g.WordsPerLane)*uint64(w)*uint64(g.DispatchGroups) {
					t.Fatalf("New(%d, %d, %d): inconsistent %s", c, w, m, g)
				}
			}
		}
	}
}

func TestInvalidInputs(t *testing.T) {
	tests := []struct {
		name          string
		c             uint64
		width, groups uint32
	}{
		{"zero candidates", 0, 256, 65535},
		{"zero width", 100, 0, 65535},
		{"zero groups", 100, 256, 0},
		{"lane overflow", 1 << 50, 1 << 20, 1 << 20},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.c, tc.width, tc.groups)
			if !errors.Is(err, ErrGeometry) {
				t.Fatalf("err = %v, want ErrGeometry", err)
			}
		})
	}
}

func TestValidateRejectsUnderCoverage(t *testing.T) {
	g, err := New(1000, 32, 1)
	if err != nil {
		t.Fatal(err)
	}
	g.Words = 1
	if err := g.Validate(); !errors.Is(err, ErrGeometry) {
		t.Fatalf("err = %v, want ErrGeometry", err)
	}
}
