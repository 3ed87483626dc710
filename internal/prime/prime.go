// Package prime generates the base divisors handed to every sieve batch.
package prime

import (
	"math"
	"runtime"

	"github.com/sunrise2575/PrimeSieve/internal/par"
)

// MaxBound is the exclusive bound of base primes needed for any limit up to 2^32.
const MaxBound = 1 << 16

// Vec4 is the number of lanes in one uniform-buffer record.
const Vec4 = 4

// Bound returns the smallest exclusive bound b such that every prime p with
// p*p < limit is below b.
func Bound(limit uint64) uint32 {
	if limit < 2 {
		return 2
	}
	return uint32(Isqrt(limit-1)) + 1
}

// Isqrt returns floor(sqrt(n)).
func Isqrt(n uint64) uint64 {
	r := uint64(math.Sqrt(float64(n)))
	for r*r > n {
		r--
	}
	for (r+1)*(r+1) <= n {
		r++
	}
	return r
}

// IsPrime reports whether no d in [2, floor(sqrt(n))] divides n.
func IsPrime(n uint64) bool {
	if n < 2 {
		return false
	}
	for d := uint64(2); d*d <= n; d++ {
		if n%d == 0 {
			return false
		}
	}
	return true
}

// Generate returns every prime p with 2 <= p < bound in increasing order,
// each verified by trial division.
func Generate(bound uint32) []uint32 {
	if bound <= 2 {
		return nil
	}

	flags := make([]bool, bound)
	workers := runtime.NumCPU()

	par.ParallelFor(workers, func(wIdx int) {
		for v := uint32(2 + wIdx); v < bound; v += uint32(workers) {
			flags[v] = IsPrime(uint64(v))
		}
	})

	out := []uint32{}
	for v, ok := range flags {
		if ok {
			out = append(out, uint32(v))
		}
	}
	return out
}

// PadVec4 serializes primes for a uniform transfer: a copy zero-padded to the
// next multiple of Vec4. Zero slots are never used as divisors.
func PadVec4(primes []uint32) []uint32 {
	n := par.Ceil(uint64(len(primes)), Vec4) * Vec4
	out := make([]uint32, n)
	copy(out, primes)
	return out
}
