// Package kernel provides the sieve batch kernel: the compute source bound by
// the pipeline and the lane implementation the software backend links to it.
//
// Bindings:
//
//	group 0, binding 0  uniform    words per lane
//	group 0, binding 1  uniform    base primes, vec4<u32> records, zero padded
//	group 0, binding 2  storage    sieve bitset, one bit per candidate
//	group 1, binding 0  uniform    segment base offset
//
// Bit j of word w is 1 when offset + w*32 + j is divisible by a base prime p
// with p*p <= candidate. Every word owned by a lane is assigned, not OR-ed, so
// a dispatch leaves no state from the previous segment behind.
//
// The software backend checks the source text for its declarations only and
// runs Lanes; the shader body itself is not compiled.
package kernel

import (
	"fmt"

	"github.com/sunrise2575/PrimeSieve/internal/accel"
	"github.com/sunrise2575/PrimeSieve/internal/prime"
)

const EntryPoint = "main"

const (
	GroupMain   = 0
	GroupOffset = 1

	BindingWordsPerLane = 0
	BindingPrimes       = 1
	BindingSieve        = 2
	BindingOffset       = 0
)

const source = `// sieve batch kernel
@group(0) @binding(0) var<uniform> words_per_lane: u32;
@group(0) @binding(1) var<uniform> primes: array<vec4<u32>, %[2]d>;
@group(0) @binding(2) var<storage, read_write> sieve: array<u32>;
@group(1) @binding(0) var<uniform> offset: u32;

fn composite(n: u32) -> bool {
    for (var i = 0u; i < %[2]du; i++) {
        let v = primes[i];
        for (var k = 0u; k < 4u; k++) {
            let p = v[k];
            if (p == 0u) {
                continue;
            }
            if (p > n / p) {
                return false;
            }
            if (n %% p == 0u) {
                return true;
            }
        }
    }
    return false;
}

@compute @workgroup_size(%[1]d)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let first = gid.x * words_per_lane;
    for (var w = first; w < first + words_per_lane; w++) {
        var word = 0u;
        for (var j = 0u; j < 32u; j++) {
            if (composite(offset + w * 32u + j)) {
                word |= 1u << j;
            }
        }
        sieve[w] = word;
    }
}
`

// Source returns the kernel text for a workgroup of workgroupSize lanes and
// primeVec4s base prime records.
func Source(workgroupSize uint32, primeVec4s int) string {
	return fmt.Sprintf(source, workgroupSize, primeVec4s)
}

// Pipeline is a linked sieve kernel with its two bind group layouts.
type Pipeline struct {
	Compute *accel.ComputePipeline
	Main    *accel.BindGroupLayout
	Offset  *accel.BindGroupLayout
}

// NewPipeline compiles the kernel on dev for padded base primes of
// len(padded) words.
func NewPipeline(dev *accel.Device, workgroupSize uint32, padded []uint32) (*Pipeline, error) {
	return NewPipelineWith(dev, workgroupSize, padded, Lanes)
}

// NewPipelineWith is NewPipeline with impl linked as the software kernel.
func NewPipelineWith(dev *accel.Device, workgroupSize uint32, padded []uint32, impl accel.Kernel) (*Pipeline, error) {
	src := Source(workgroupSize, len(padded)/prime.Vec4)
	accel.Register(src, EntryPoint, impl)

	p := &Pipeline{
		Main: dev.CreateBindGroupLayout("sieve",
			accel.BindGroupLayoutEntry{Binding: BindingWordsPerLane, Type: accel.BindingUniform},
			accel.BindGroupLayoutEntry{Binding: BindingPrimes, Type: accel.BindingUniform},
			accel.BindGroupLayoutEntry{Binding: BindingSieve, Type: accel.BindingStorage},
		),
		Offset: dev.CreateBindGroupLayout("offset",
			accel.BindGroupLayoutEntry{Binding: BindingOffset, Type: accel.BindingUniform},
		),
	}

	compute, err := dev.CreateComputePipeline(accel.ComputePipelineDescriptor{
		Label:      "prime sieve",
		Layouts:    []*accel.BindGroupLayout{p.Main, p.Offset},
		Module:     dev.CreateShaderModule("prime sieve", src),
		EntryPoint: EntryPoint,
	})
	if err != nil {
		return nil, err
	}
	p.Compute = compute
	return p, nil
}

// Lanes is the software implementation of the kernel. Base primes must be
// ascending with zero padding only at the end.
func Lanes(b *accel.Bindings) accel.LaneFunc {
	wpl := uint64(b.Buffer(GroupMain, BindingWordsPerLane)[0])
	primes := b.Buffer(GroupMain, BindingPrimes)
	sieve := b.Buffer(GroupMain, BindingSieve)
	offset := uint64(b.Buffer(GroupOffset, BindingOffset)[0])

	return func(gid uint32) {
		first := uint64(gid) * wpl
		if first >= uint64(len(sieve)) {
			return
		}
		words := sieve[first:min(first+wpl, uint64(len(sieve)))]
		Mark(words, offset+first*32, primes)
	}
}

// Mark assigns words so that bit j of words[w] is set iff base+w*32+j is
// divisible by a non-zero p in primes with p*p <= candidate.
func Mark(words []uint32, base uint64, primes []uint32) {
	for i := range words {
		words[i] = 0
	}

	end := base + uint64(len(words))*32
	for _, p32 := range primes {
		if p32 == 0 {
			continue
		}
		p := uint64(p32)
		if p*p >= end {
			break
		}

		c := max(p*p, (base+p-1)/p*p)
		for ; c < end; c += p {
			idx := c - base
			words[idx>>5] |= 1 << (idx & 31)
		}
	}
}
