package accel

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
)

// LaneFunc is one kernel invocation, identified by its global invocation id.
type LaneFunc func(gid uint32)

// Kernel binds the resources of one dispatch and returns the per-lane body.
// Lanes run concurrently and must only write disjoint memory.
type Kernel func(b *Bindings) LaneFunc

type kernelKey struct {
	source, entry string
}

var registry = struct {
	sync.RWMutex
	m map[kernelKey]Kernel
}{m: map[kernelKey]Kernel{}}

// Register provides the software implementation of entry in source.
func Register(source, entry string, k Kernel) {
	registry.Lock()
	registry.m[kernelKey{source, entry}] = k
	registry.Unlock()
}

func lookup(source, entry string) (Kernel, bool) {
	registry.RLock()
	defer registry.RUnlock()
	k, ok := registry.m[kernelKey{source, entry}]
	return k, ok
}

type ShaderModule struct {
	label  string
	source string
}

func (d *Device) CreateShaderModule(label, source string) *ShaderModule {
	return &ShaderModule{label: label, source: source}
}

type BindingType int

const (
	BindingUniform BindingType = iota
	BindingStorage
	BindingReadOnlyStorage
)

func (t BindingType) String() string {
	switch t {
	case BindingUniform:
		return "uniform"
	case BindingStorage:
		return "storage,read_write"
	case BindingReadOnlyStorage:
		return "storage,read"
	}
	return "unknown"
}

type BindGroupLayoutEntry struct {
	Binding uint32
	Type    BindingType
}

type BindGroupLayout struct {
	label   string
	entries []BindGroupLayoutEntry
}

func (d *Device) CreateBindGroupLayout(label string, entries ...BindGroupLayoutEntry) *BindGroupLayout {
	return &BindGroupLayout{label: label, entries: entries}
}

type BindGroupEntry struct {
	Binding uint32
	Buffer  *Buffer
}

type BindGroup struct {
	layout  *BindGroupLayout
	buffers map[uint32]*Buffer
}

// CreateBindGroup binds one buffer to every entry of layout.
func (d *Device) CreateBindGroup(layout *BindGroupLayout, entries ...BindGroupEntry) (*BindGroup, error) {
	byBinding := map[uint32]*Buffer{}
	for _, e := range entries {
		if _, dup := byBinding[e.Binding]; dup {
			return nil, errors.Wrapf(ErrValidation, "layout %q: binding %d bound twice", layout.label, e.Binding)
		}
		byBinding[e.Binding] = e.Buffer
	}

	for _, le := range layout.entries {
		buf, ok := byBinding[le.Binding]
		if !ok || buf == nil {
			return nil, errors.Wrapf(ErrValidation, "layout %q: binding %d unbound", layout.label, le.Binding)
		}
		want := UsageStorage
		if le.Type == BindingUniform {
			want = UsageUniform
		}
		if !buf.usage.Has(want) {
			return nil, errors.Wrapf(ErrInvalidBuffer, "buffer %q cannot bind as %s", buf.label, le.Type)
		}
	}
	if len(byBinding) != len(layout.entries) {
		return nil, errors.Wrapf(ErrValidation, "layout %q: %d entries for %d bindings", layout.label, len(byBinding), len(layout.entries))
	}

	return &BindGroup{layout: layout, buffers: byBinding}, nil
}

type ComputePipelineDescriptor struct {
	Label      string
	Layouts    []*BindGroupLayout // index = group
	Module     *ShaderModule
	EntryPoint string
}

type ComputePipeline struct {
	label         string
	layouts       []*BindGroupLayout
	workgroupSize uint32
	kernel        Kernel
}

func (p *ComputePipeline) WorkgroupSize() uint32 { return p.workgroupSize }

var (
	reBinding = regexp.MustCompile(`@group\((\d+)\)\s*@binding\((\d+)\)\s*var<(uniform|storage)(?:,\s*(read|read_write))?>`)
	reEntry   = `@compute\s+@workgroup_size\((\d+)[^)]*\)\s*fn\s+%s\s*\(`
)

// CreateComputePipeline checks the module source against the layouts and
// links the registered implementation of its entry point.
func (d *Device) CreateComputePipeline(desc ComputePipelineDescriptor) (*ComputePipeline, error) {
	compileErr := func(format string, args ...interface{}) error {
		return errors.Wrapf(ErrKernelCompile, "pipeline %q: "+format, append([]interface{}{desc.Label}, args...)...)
	}

	if desc.Module == nil {
		return nil, compileErr("no shader module")
	}
	src := desc.Module.source

	reEntryPoint, err := regexp.Compile(fmt.Sprintf(reEntry, regexp.QuoteMeta(desc.EntryPoint)))
	if err != nil {
		return nil, compileErr("entry point %q: %v", desc.EntryPoint, err)
	}
	m := reEntryPoint.FindStringSubmatch(src)
	if m == nil {
		return nil, compileErr("no compute entry point %q", desc.EntryPoint)
	}
	wg, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil || wg == 0 {
		return nil, compileErr("bad workgroup size %q", m[1])
	}
	if uint32(wg) > d.limits.MaxComputeInvocationsPerWorkgroup {
		return nil, compileErr("workgroup size %d > %d", wg, d.limits.MaxComputeInvocationsPerWorkgroup)
	}

	declared := map[[2]uint64]BindingType{}
	for _, b := range reBinding.FindAllStringSubmatch(src, -1) {
		g, _ := strconv.ParseUint(b[1], 10, 32)
		n, _ := strconv.ParseUint(b[2], 10, 32)
		t := BindingUniform
		if b[3] == "storage" {
			t = BindingReadOnlyStorage
			if b[4] == "read_write" {
				t = BindingStorage
			}
		}
		declared[[2]uint64{g, n}] = t
	}

	for g, layout := range desc.Layouts {
		for _, e := range layout.entries {
			t, ok := declared[[2]uint64{uint64(g), uint64(e.Binding)}]
			if !ok {
				return nil, compileErr("group %d binding %d not declared", g, e.Binding)
			}
			if t != e.Type {
				return nil, compileErr("group %d binding %d declared %s, layout has %s", g, e.Binding, t, e.Type)
			}
		}
	}

	k, ok := lookup(src, desc.EntryPoint)
	if !ok {
		return nil, compileErr("no implementation linked for %q", desc.EntryPoint)
	}

	return &ComputePipeline{
		label:         desc.Label,
		layouts:       desc.Layouts,
		workgroupSize: uint32(wg),
		kernel:        k,
	}, nil
}

// Bindings exposes the buffers bound for one dispatch.
type Bindings struct {
	groups []*BindGroup
}

// Buffer returns the contents bound at (group, binding), or nil.
func (b *Bindings) Buffer(group, binding uint32) []uint32 {
	if int(group) >= len(b.groups) || b.groups[group] == nil {
		return nil
	}
	buf := b.groups[group].buffers[binding]
	if buf == nil {
		return nil
	}
	return buf.data
}
