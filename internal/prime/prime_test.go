package prime

import "testing"

func TestGenerateMatchesTrialDivision(t *testing.T) {
	primes := Generate(MaxBound)

	set := make(map[uint32]bool, len(primes))
	for _, p := range primes {
		set[p] = true
	}

	for n := uint32(2); n < MaxBound; n++ {
		want := true
		for d := uint32(2); d*d <= n; d++ {
			if n%d == 0 {
				want = false
				break
			}
		}
		if set[n] != want {
			t.Fatalf("n=%d: included=%v, want %v", n, set[n], want)
		}
	}
}

func TestGenerateKnownValues(t *testing.T) {
	primes := Generate(MaxBound)
	if len(primes) != 6542 {
		t.Fatalf("len = %d, want 6542", len(primes))
	}
	if primes[0] != 2 || primes[len(primes)-1] != 65521 {
		t.Fatalf("first/last = %d/%d", primes[0], primes[len(primes)-1])
	}
	for i := 1; i < len(primes); i++ {
		if primes[i] <= primes[i-1] {
			t.Fatalf("not increasing at %d", i)
		}
	}

	small := Generate(10)
	want := []uint32{2, 3, 5, 7}
	if len(small) != len(want) {
		t.Fatalf("Generate(10) = %v", small)
	}
	for i := range want {
		if small[i] != want[i] {
			t.Fatalf("Generate(10) = %v", small)
		}
	}

	if got := Generate(2); len(got) != 0 {
		t.Fatalf("Generate(2) = %v", got)
	}
}

func TestPadVec4(t *testing.T) {
	tests := []struct {
		in      []uint32
		wantLen int
	}{
		{nil, 0},
		{[]uint32{2}, 4},
		{[]uint32{2, 3, 5, 7}, 4},
		{[]uint32{2, 3, 5, 7, 11}, 8},
	}
	for _, tc := range tests {
		out := PadVec4(tc.in)
		if len(out) != tc.wantLen {
			t.Fatalf("PadVec4(%v) len = %d, want %d", tc.in, len(out), tc.wantLen)
		}
		for i := range out {
			if i < len(tc.in) && out[i] != tc.in[i] {
				t.Fatalf("PadVec4(%v)[%d] = %d", tc.in, i, out[i])
			}
			if i >= len(tc.in) && out[i] != 0 {
				t.Fatalf("padding at %d = %d", i, out[i])
			}
		}
	}

	in := []uint32{2, 3}
	out := PadVec4(in)
	out[0] = 99
	if in[0] != 2 {
		t.Fatal("PadVec4 aliased its input")
	}
}

func TestBound(t *testing.T) {
	tests := []struct {
		limit uint64
		want  uint32
	}{
		{0, 2},
		{2, 2},
		{100, 10},
		{101, 11},
		{1 << 20, 1024},
		{1 << 32, MaxBound},
	}
	for _, tc := range tests {
		if got := Bound(tc.limit); got != tc.want {
			t.Errorf("Bound(%d) = %d, want %d", tc.limit, got, tc.want)
		}
	}
}

func TestIsqrt(t *testing.T) {
	for _, n := range []uint64{0, 1, 3, 4, 99, 100, 1<<32 - 1, 1 << 32, 1<<62 + 12345} {
		r := Isqrt(n)
		if r*r > n || (r+1)*(r+1) <= n {
			t.Errorf("Isqrt(%d) = %d", n, r)
		}
	}
}
