package sieve

import (
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/sunrise2575/PrimeSieve/internal/kernel"
	"github.com/sunrise2575/PrimeSieve/internal/prime"
)

var primesBelow100 = []uint32{
	2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37, 41, 43, 47,
	53, 59, 61, 67, 71, 73, 79, 83, 89, 97,
}

func equal(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func seq(from, to uint32) []uint32 {
	out := []uint32{}
	for v := from; v < to; v++ {
		out = append(out, v)
	}
	return out
}

func TestDecodeAllZeroWord(t *testing.T) {
	got := Decode(nil, 0, []uint32{0}, 0, 64)
	if want := seq(2, 32); !equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestDecodeExcludesZeroAndOne(t *testing.T) {
	got := Decode(nil, 0, []uint32{1}, 0, 32)
	if want := seq(2, 32); !equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	got = Decode(nil, 0, []uint32{0xfffffffc}, 0, 32)
	if len(got) != 0 {
		t.Fatalf("0 and 1 decoded: %v", got)
	}
}

func TestDecodeKernelWord(t *testing.T) {
	word := make([]uint32, 1)
	kernel.Mark(word, 0, prime.PadVec4([]uint32{2, 3, 5}))

	got := Decode(nil, 0, word, 0, 32)
	want := []uint32{2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31}
	if !equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const offset, n = 4096, 64 * 32

	words := make([]uint32, n/32)
	composite := map[uint64]bool{}
	for i := 0; i < n/3; i++ {
		idx := uint64(rng.Intn(n))
		composite[offset+idx] = true
		words[idx/32] |= 1 << (idx % 32)
	}

	got := Decode(nil, offset, words, 0, 1<<32)
	want := []uint32{}
	for c := uint64(offset); c < offset+n; c++ {
		if !composite[c] {
			want = append(want, uint32(c))
		}
	}
	if !equal(got, want) {
		t.Fatalf("decoded %d candidates, want %d", len(got), len(want))
	}
}

func TestDecodeWindow(t *testing.T) {
	words := make([]uint32, 4) // [100, 228)

	got := Decode(nil, 100, words, 150, 160)
	if want := seq(150, 160); !equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	got = Decode(nil, 100, words, 0, 1000)
	if want := seq(100, 228); !equal(got, want) {
		t.Fatalf("buffer padding decoded: %d values", len(got))
	}

	if got := Decode(nil, 100, words, 300, 400); len(got) != 0 {
		t.Fatalf("empty window decoded %v", got)
	}
}

func TestAssemblerPrimesBelow100(t *testing.T) {
	base := []uint32{2, 3, 5, 7}
	words := make([]uint32, 4)
	kernel.Mark(words, 0, prime.PadVec4(base))

	for _, mode := range []DedupMode{DedupFloor, DedupMerge} {
		t.Run(mode.String(), func(t *testing.T) {
			asm := NewAssembler(base, 10, 100, 100, mode)
			if _, err := asm.Append(0, words); err != nil {
				t.Fatal(err)
			}
			got := asm.Primes()
			if !equal(got, primesBelow100) {
				t.Fatalf("got %v", got)
			}
			if len(got) != 25 || got[len(got)-1] != 97 {
				t.Fatalf("count %d, largest %d", len(got), got[len(got)-1])
			}
		})
	}
}

func TestAssemblerSegmentsAreDisjoint(t *testing.T) {
	base := prime.Generate(32)
	padded := prime.PadVec4(base)
	const width = 96 // three words, buffer holds four

	asm := NewAssembler(base, 32, width, 1000, DedupFloor)
	for i := uint64(0); i*width < 1000; i++ {
		words := make([]uint32, 4)
		kernel.Mark(words, i*width, padded)
		if _, err := asm.Append(i*width, words); err != nil {
			t.Fatal(err)
		}
	}

	got := asm.Primes()
	if err := Verify(got); err != nil {
		t.Fatal(err)
	}
	want := prime.Generate(1000)
	if !equal(got, want) {
		t.Fatalf("got %d primes, want %d", len(got), len(want))
	}
}

func TestAssemblerFiltersBaseAboveLimit(t *testing.T) {
	asm := NewAssembler(prime.Generate(prime.MaxBound), prime.MaxBound, 1024, 50, DedupFloor)
	got := asm.Primes()
	if got[len(got)-1] != 47 {
		t.Fatalf("largest = %d", got[len(got)-1])
	}
}

func TestAssemblerOutOfOrder(t *testing.T) {
	asm := NewAssembler(nil, 0, 64, 1<<20, DedupFloor)
	if _, err := asm.Append(64, make([]uint32, 2)); err != nil {
		t.Fatal(err)
	}
	if _, err := asm.Append(0, make([]uint32, 2)); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("err = %v, want ErrOutOfOrder", err)
	}
}

func TestVerify(t *testing.T) {
	if err := Verify(primesBelow100); err != nil {
		t.Fatal(err)
	}
	if err := Verify([]uint32{2, 3, 3}); err == nil {
		t.Fatal("duplicate accepted")
	}
	if err := Verify([]uint32{3, 2}); err == nil {
		t.Fatal("decrease accepted")
	}
}

func TestParseDedupMode(t *testing.T) {
	for in, want := range map[string]DedupMode{"": DedupFloor, "floor": DedupFloor, "MERGE": DedupMerge} {
		got, err := ParseDedupMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseDedupMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseDedupMode("sort"); err == nil {
		t.Fatal("unknown mode accepted")
	}
}
