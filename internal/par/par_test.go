package par

import (
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestCeil(t *testing.T) {
	tests := []struct {
		x, y, want uint64
	}{
		{0, 32, 0},
		{1, 32, 1},
		{32, 32, 1},
		{33, 32, 2},
		{1 << 26, 32, 1 << 21},
		{(1 << 32) - 1, 64, 1 << 26},
	}
	for _, tc := range tests {
		if got := Ceil(tc.x, tc.y); got != tc.want {
			t.Errorf("Ceil(%d, %d) = %d, want %d", tc.x, tc.y, got, tc.want)
		}
	}
}

func TestParallelForRunsEveryWorker(t *testing.T) {
	seen := make([]int32, 17)
	ParallelFor(len(seen), func(wIdx int) {
		atomic.AddInt32(&seen[wIdx], 1)
	})
	for i, v := range seen {
		if v != 1 {
			t.Fatalf("worker %d ran %d times", i, v)
		}
	}
}

func TestStopwatchRunsFunction(t *testing.T) {
	logger := logrus.New()
	ran := false
	Stopwatch(logger, "unit", func() { ran = true })
	if !ran {
		t.Fatal("function not called")
	}
}

func TestPrefixSumInclusive(t *testing.T) {
	for _, n := range []int{0, 1, 31, 32, 33, 100, 1000} {
		in := make([]uint64, n)
		for i := range in {
			in[i] = uint64(i%7 + 1)
		}
		want := make([]uint64, n)
		acc := uint64(0)
		for i, v := range in {
			acc += v
			want[i] = acc
		}

		PrefixSumInclusive(in)
		for i := range in {
			if in[i] != want[i] {
				t.Fatalf("n=%d: in[%d] = %d, want %d", n, i, in[i], want[i])
			}
		}
	}
}

func TestReductionSum(t *testing.T) {
	in := make([]uint64, 1001)
	for i := range in {
		in[i] = uint64(i)
	}
	if got := ReductionSum(in); got != 500500 {
		t.Fatalf("ReductionSum = %d, want 500500", got)
	}
}

func TestDedup(t *testing.T) {
	tests := []struct {
		name string
		in   []uint32
		want []uint32
	}{
		{"empty", nil, nil},
		{"single", []uint32{5}, []uint32{5}},
		{"sorted dupes", []uint32{1, 2, 2, 2, 3, 3, 3, 6, 6}, []uint32{1, 2, 3, 6}},
		{"unsorted", []uint32{7, 3, 5, 3, 2, 7, 11}, []uint32{2, 3, 5, 7, 11}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Dedup(tc.in)
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("got %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestDedupLarge(t *testing.T) {
	in := make([]uint32, 0, 20000)
	for i := uint32(0); i < 10000; i++ {
		in = append(in, 9999-i, i)
	}
	got := Dedup(in)
	if len(got) != 10000 {
		t.Fatalf("len = %d, want 10000", len(got))
	}
	for i, v := range got {
		if v != uint32(i) {
			t.Fatalf("got[%d] = %d", i, v)
		}
	}
}
