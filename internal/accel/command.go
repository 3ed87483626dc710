package accel

import (
	"github.com/cockroachdb/errors"

	"github.com/sunrise2575/PrimeSieve/internal/par"
)

type command interface {
	exec(d *Device, seq uint64) error
}

// CommandBuffer is a finished, immutable list of commands.
type CommandBuffer struct {
	cmds []command
}

// CommandEncoder records commands; validation errors surface from Finish.
type CommandEncoder struct {
	dev   *Device
	label string
	cmds  []command
	err   error
}

func (d *Device) CreateCommandEncoder(label string) *CommandEncoder {
	return &CommandEncoder{dev: d, label: label}
}

func (e *CommandEncoder) setErr(err error) {
	if e.err == nil {
		e.err = err
	}
}

// BeginComputePass opens a compute pass; dispatches are recorded on End.
func (e *CommandEncoder) BeginComputePass() *ComputePass {
	return &ComputePass{enc: e}
}

// CopyBufferToBuffer copies size words from src at srcOffset to dst at dstOffset.
func (e *CommandEncoder) CopyBufferToBuffer(src *Buffer, srcOffset uint64, dst *Buffer, dstOffset uint64, size uint64) {
	switch {
	case !src.usage.Has(UsageCopySrc):
		e.setErr(errors.Wrapf(ErrInvalidBuffer, "copy from %q without copy-src", src.label))
	case !dst.usage.Has(UsageCopyDst):
		e.setErr(errors.Wrapf(ErrInvalidBuffer, "copy to %q without copy-dst", dst.label))
	case srcOffset+size > src.Size() || dstOffset+size > dst.Size():
		e.setErr(errors.Wrapf(ErrValidation, "copy of %d words overruns %q or %q", size, src.label, dst.label))
	default:
		e.cmds = append(e.cmds, copyCmd{src: src, srcOffset: srcOffset, dst: dst, dstOffset: dstOffset, size: size})
	}
}

func (e *CommandEncoder) Finish() (*CommandBuffer, error) {
	if e.err != nil {
		return nil, errors.Wrapf(e.err, "encoder %q", e.label)
	}
	return &CommandBuffer{cmds: e.cmds}, nil
}

type ComputePass struct {
	enc      *CommandEncoder
	pipeline *ComputePipeline
	groups   []*BindGroup
	cmds     []command
}

func (p *ComputePass) SetPipeline(pipeline *ComputePipeline) {
	p.pipeline = pipeline
}

func (p *ComputePass) SetBindGroup(index uint32, group *BindGroup) {
	for uint32(len(p.groups)) <= index {
		p.groups = append(p.groups, nil)
	}
	p.groups[index] = group
}

// DispatchWorkgroups runs x workgroups of the pipeline's workgroup size.
func (p *ComputePass) DispatchWorkgroups(x uint32) {
	e := p.enc
	if p.pipeline == nil {
		e.setErr(errors.Wrap(ErrValidation, "dispatch without pipeline"))
		return
	}
	if x > e.dev.limits.MaxComputeWorkgroupsPerDimension {
		e.setErr(errors.Wrapf(ErrValidation, "dispatch of %d workgroups > %d", x, e.dev.limits.MaxComputeWorkgroupsPerDimension))
		return
	}
	for g, layout := range p.pipeline.layouts {
		if g >= len(p.groups) || p.groups[g] == nil || p.groups[g].layout != layout {
			e.setErr(errors.Wrapf(ErrValidation, "pipeline %q: bind group %d missing or incompatible", p.pipeline.label, g))
			return
		}
	}

	p.cmds = append(p.cmds, dispatchCmd{
		pipeline: p.pipeline,
		groups:   append([]*BindGroup(nil), p.groups...),
		x:        x,
	})
}

func (p *ComputePass) End() {
	p.enc.cmds = append(p.enc.cmds, p.cmds...)
	p.cmds = nil
}

type writeCmd struct {
	dst    *Buffer
	offset uint64
	data   []uint32
}

func (c writeCmd) exec(d *Device, seq uint64) error {
	if err := c.dst.writable(seq); err != nil {
		return err
	}
	copy(c.dst.data[c.offset:], c.data)
	return nil
}

type copyCmd struct {
	src, dst             *Buffer
	srcOffset, dstOffset uint64
	size                 uint64
}

func (c copyCmd) exec(d *Device, seq uint64) error {
	if err := c.dst.writable(seq); err != nil {
		return err
	}
	copy(c.dst.data[c.dstOffset:c.dstOffset+c.size], c.src.data[c.srcOffset:c.srcOffset+c.size])
	return nil
}

type dispatchCmd struct {
	pipeline *ComputePipeline
	groups   []*BindGroup
	x        uint32
}

func (c dispatchCmd) exec(d *Device, seq uint64) error {
	for _, g := range c.groups {
		if g == nil {
			continue
		}
		for _, buf := range g.buffers {
			if buf.usage.Has(UsageStorage) {
				if err := buf.writable(seq); err != nil {
					return err
				}
			}
		}
	}

	lane := c.pipeline.kernel(&Bindings{groups: c.groups})
	lanes := uint64(c.x) * uint64(c.pipeline.workgroupSize)
	workers := d.lanes
	chunk := par.Ceil(lanes, uint64(workers))

	par.ParallelFor(workers, func(wIdx int) {
		start := uint64(wIdx) * chunk
		end := min(start+chunk, lanes)
		for gid := start; gid < end; gid++ {
			lane(uint32(gid))
		}
	})
	return nil
}
