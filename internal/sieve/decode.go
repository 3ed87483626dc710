package sieve

import (
	"math/bits"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/sunrise2575/PrimeSieve/internal/par"
	"github.com/sunrise2575/PrimeSieve/internal/plan"
)

// Decode appends to out, in increasing order, every candidate
// offset + w*32 + j whose bit is clear, that is greater than 1 and that lies
// in [from, to).
func Decode(out []uint32, offset uint64, words []uint32, from, to uint64) []uint32 {
	from = max(from, offset, 2)
	if to <= from {
		return out
	}

	first := (from - offset) / plan.WordBits
	last := min(par.Ceil(to-offset, plan.WordBits), uint64(len(words)))

	for w := first; w < last; w++ {
		base := offset + w*plan.WordBits
		zeros := ^words[w]
		for zeros != 0 {
			j := uint64(bits.TrailingZeros32(zeros))
			zeros &= zeros - 1

			c := base + j
			if c < from {
				continue
			}
			if c >= to {
				return out
			}
			out = append(out, uint32(c))
		}
	}
	return out
}

// DedupMode selects how base primes and decoded segments are kept disjoint.
type DedupMode int

const (
	// DedupFloor skips candidates below the base prime bound while decoding.
	DedupFloor DedupMode = iota
	// DedupMerge decodes everything and removes duplicates after the last segment.
	DedupMerge
)

func (m DedupMode) String() string {
	switch m {
	case DedupFloor:
		return "floor"
	case DedupMerge:
		return "merge"
	}
	return "unknown"
}

// ParseDedupMode accepts "floor" or "merge".
func ParseDedupMode(s string) (DedupMode, error) {
	switch strings.ToLower(s) {
	case "floor", "":
		return DedupFloor, nil
	case "merge":
		return DedupMerge, nil
	}
	return 0, errors.Newf("unknown dedup mode %q", s)
}

// Assembler stitches decoded segments after the base primes.
type Assembler struct {
	mode  DedupMode
	floor uint64 // exclusive bound covered by base primes
	width uint64
	limit uint64

	primes   []uint32
	next     uint64 // lowest offset the next segment may start at
	segments int
	merged   bool
}

// NewAssembler seeds the result with the base primes below limit. Base
// primes must be ascending and all below floor.
func NewAssembler(base []uint32, floor, width, limit uint64, mode DedupMode) *Assembler {
	a := &Assembler{
		mode:  mode,
		floor: floor,
		width: width,
		limit: limit,
	}
	for _, p := range base {
		if uint64(p) >= limit {
			break
		}
		a.primes = append(a.primes, p)
	}
	return a
}

// Append decodes one segment starting at offset and returns how many
// candidates it contributed.
func (a *Assembler) Append(offset uint64, words []uint32) (int, error) {
	if a.merged {
		return 0, errors.AssertionFailedf("append after merge")
	}
	if offset < a.next {
		return 0, errors.Wrapf(ErrOutOfOrder, "offset %d before %d", offset, a.next)
	}

	from := offset
	if a.mode == DedupFloor {
		from = max(from, a.floor)
	}
	to := min(offset+a.width, a.limit)

	before := len(a.primes)
	a.primes = Decode(a.primes, offset, words, from, to)
	a.next = offset + a.width
	a.segments++
	return len(a.primes) - before, nil
}

// Segments is the number of segments appended so far.
func (a *Assembler) Segments() int { return a.segments }

// Primes returns the assembled list.
func (a *Assembler) Primes() []uint32 {
	if a.mode == DedupMerge && !a.merged {
		a.primes = par.Dedup(a.primes)
		a.merged = true
	}
	return a.primes
}

// Verify checks that primes is strictly increasing.
func Verify(primes []uint32) error {
	for i := 1; i < len(primes); i++ {
		if primes[i] <= primes[i-1] {
			return errors.AssertionFailedf("primes[%d]=%d after %d", i, primes[i], primes[i-1])
		}
	}
	return nil
}
