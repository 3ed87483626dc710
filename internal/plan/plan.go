// Package plan derives the bit-packed work buffer shape for one sieve batch
// from the accelerator's dispatch limits.
package plan

import (
	"fmt"
	"math"

	"github.com/cockroachdb/errors"

	"github.com/sunrise2575/PrimeSieve/internal/par"
)

// WordBits is the number of candidates packed in one bitset word.
const WordBits = 32

// ErrGeometry is returned when no valid geometry exists for the inputs.
var ErrGeometry = errors.New("invalid dispatch geometry")

// Geometry is the dispatch shape shared by every segment of a run.
type Geometry struct {
	CandidatesPerSegment uint64
	GroupWidth           uint32
	MaxDispatchGroups    uint32

	MinWords        uint64 // words needed for one bit per candidate
	RequestedGroups uint64 // groups needed at one word per lane
	DispatchGroups  uint32
	WordsPerLane    uint32
	Words           uint64 // final bitset size
}

// Lanes is the number of kernel invocations per dispatch.
func (g Geometry) Lanes() uint64 {
	return uint64(g.GroupWidth) * uint64(g.DispatchGroups)
}

// Clamped reports whether the hardware limit forced lanes to cover more than one word.
func (g Geometry) Clamped() bool {
	return g.RequestedGroups > uint64(g.DispatchGroups)
}

func (g Geometry) String() string {
	return fmt.Sprintf("groups=%d width=%d wordsPerLane=%d words=%d (min %d)",
		g.DispatchGroups, g.GroupWidth, g.WordsPerLane, g.Words, g.MinWords)
}

// New plans the bitset for candidates values per segment.
func New(candidates uint64, groupWidth, maxDispatchGroups uint32) (Geometry, error) {
	if candidates == 0 {
		return Geometry{}, errors.Wrap(ErrGeometry, "zero candidates per segment")
	}
	if groupWidth == 0 || maxDispatchGroups == 0 {
		return Geometry{}, errors.Wrapf(ErrGeometry, "group width %d, max dispatch groups %d", groupWidth, maxDispatchGroups)
	}

	g := Geometry{
		CandidatesPerSegment: candidates,
		GroupWidth:           groupWidth,
		MaxDispatchGroups:    maxDispatchGroups,
	}

	g.MinWords = par.Ceil(candidates, WordBits)
	g.RequestedGroups = par.Ceil(g.MinWords, uint64(groupWidth))
	g.DispatchGroups = uint32(min(g.RequestedGroups, uint64(maxDispatchGroups)))

	// lane ids are 32-bit on the device
	lanes := g.Lanes()
	if lanes > math.MaxUint32 {
		return Geometry{}, errors.Wrapf(ErrGeometry, "%d lanes overflow the invocation id", lanes)
	}

	bufWords := g.RequestedGroups * uint64(groupWidth)
	wpl := par.Ceil(bufWords, lanes)
	if wpl > math.MaxUint32 {
		return Geometry{}, errors.Wrapf(ErrGeometry, "%d words per lane", wpl)
	}
	g.WordsPerLane = uint32(wpl)
	g.Words = wpl * lanes

	if err := g.Validate(); err != nil {
		return Geometry{}, err
	}
	return g, nil
}

// Validate checks that the bitset covers every candidate of a segment.
func (g Geometry) Validate() error {
	if g.Words*WordBits < g.CandidatesPerSegment || g.Words < g.MinWords {
		return errors.Wrapf(ErrGeometry, "%d words under-cover %d candidates", g.Words, g.CandidatesPerSegment)
	}
	if g.Words != uint64(g.WordsPerLane)*g.Lanes() {
		return errors.Wrapf(ErrGeometry, "words %d != %d lanes x %d", g.Words, g.Lanes(), g.WordsPerLane)
	}
	return nil
}
