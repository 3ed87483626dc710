// Package par holds the small fan-out helpers every stage of the sieve leans
// on: ceiling division, worker fan-out, timing, and the prefix-sum based
// compaction used when merging overlapping prime lists.
package par

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfcg/sorty"
	"github.com/sirupsen/logrus"
)

// Ceil returns ceil(x / y). y must be non-zero.
func Ceil(x, y uint64) uint64 {
	if x > 0 {
		return 1 + ((x - 1) / y)
	}
	return 0
}

// ParallelFor starts workers goroutines, hands each its index and waits for
// all of them to return.
func ParallelFor(workers int, function func(workerIdx int)) {
	var wg sync.WaitGroup

	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(wIdx int) {
			defer wg.Done()
			function(wIdx)
		}(w)
	}
	wg.Wait()
}

// Stopwatch logs the start and end of function along with the elapsed time.
func Stopwatch(logger logrus.FieldLogger, message string, function func()) {
	logger.Debugf("[Start        ] %v", message)
	start := time.Now()
	function()
	elapsed := time.Since(start).Seconds()
	logger.Debugf("[End %.6fs] %v", elapsed, message)
}

const batchLength = 32

// ReductionSum adds up in using one goroutine per CPU.
func ReductionSum(in []uint64) uint64 {
	workers := runtime.NumCPU()
	batchCount := Ceil(uint64(len(in)), batchLength)

	tmp := make([]uint64, workers)

	ParallelFor(workers, func(wIdx int) {
		myResult := uint64(0)

		for b := uint64(wIdx); b < batchCount; b += uint64(workers) {
			end := min((b+1)*batchLength, uint64(len(in)))
			for idx := b * batchLength; idx < end; idx++ {
				myResult += in[idx]
			}
		}

		tmp[wIdx] = myResult
	})

	total := uint64(0)
	for _, v := range tmp {
		total += v
	}
	return total
}

// PrefixSumInclusive replaces in[i] with in[0] + ... + in[i].
func PrefixSumInclusive(in []uint64) {
	workers := runtime.NumCPU()
	batchCount := Ceil(uint64(len(in)), batchLength)
	if batchCount == 0 {
		return
	}

	// tmp[b] is the running total at the end of batch b
	tmp := make([]uint64, batchCount)

	ParallelFor(workers, func(wIdx int) {
		for b := uint64(wIdx); b < batchCount; b += uint64(workers) {
			end := min((b+1)*batchLength, uint64(len(in)))
			for idx := b*batchLength + 1; idx < end; idx++ {
				in[idx] += in[idx-1]
			}
			tmp[b] = in[end-1]
		}
	})

	for i := 1; i < len(tmp); i++ {
		tmp[i] += tmp[i-1]
	}

	ParallelFor(workers, func(wIdx int) {
		for b := uint64(wIdx) + 1; b < batchCount; b += uint64(workers) {
			end := min((b+1)*batchLength, uint64(len(in)))
			for idx := b * batchLength; idx < end; idx++ {
				in[idx] += tmp[b-1]
			}
		}
	})
}

// Dedup sorts in place and returns a new slice holding each distinct value
// once, in increasing order.
func Dedup(in []uint32) []uint32 {
	if len(in) == 0 {
		return nil
	}

	bitVec := make([]uint32, Ceil(uint64(len(in)), 32))
	mtxVec := make([]sync.Mutex, len(bitVec))

	getBit := func(i int) bool {
		return (atomic.LoadUint32(&(bitVec[i/32])) & (uint32(1) << (i % 32))) != 0
	}

	setBit := func(i int) {
		mtxVec[i/32].Lock()
		bitVec[i/32] |= (uint32(1) << (i % 32))
		mtxVec[i/32].Unlock()
	}

	workers := runtime.NumCPU()

	sorty.Mxg = uint32(workers) * 2
	sorty.Sort(len(in), func(i, k, r, s int) bool {
		if in[i] < in[k] {
			if r != s {
				in[r], in[s] = in[s], in[r]
			}
			return true
		}
		return false
	})

	// mark the last element of every run of equal values
	ParallelFor(workers, func(wIdx int) {
		for i := wIdx; i < len(in)-1; i += workers {
			if in[i] != in[i+1] {
				setBit(i)
			}
		}
	})
	setBit(len(in) - 1)

	// pSumRes[i] counts marked elements before i
	pSumRes := make([]uint64, len(in)+1)
	ParallelFor(workers, func(wIdx int) {
		for i := wIdx + 1; i < len(pSumRes); i += workers {
			if getBit(i - 1) {
				pSumRes[i] = 1
			}
		}
	})

	ones := ReductionSum(pSumRes)
	out := make([]uint32, ones)

	PrefixSumInclusive(pSumRes[1:])

	ParallelFor(workers, func(wIdx int) {
		for i := wIdx; i < len(in); i += workers {
			if getBit(i) {
				out[pSumRes[i]] = in[i]
			}
		}
	})

	return out
}
