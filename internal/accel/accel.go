// Package accel is a small compute-accelerator binding layer modelled on the
// WebGPU object graph: adapters, devices with a single submission queue,
// buffers with usage flags, compute pipelines, bind groups and asynchronous
// buffer mapping.
//
// The software backend runs compute kernels over goroutine lanes. A kernel is
// "compiled" by validating its source text against the pipeline layout and
// binding it to the Go implementation registered for that source.
package accel

import (
	"runtime"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrDeviceUnavailable   = errors.New("no compatible compute device")
	ErrDeviceRequestFailed = errors.New("device request refused")
	ErrDeviceLost          = errors.New("device lost")
	ErrKernelCompile       = errors.New("kernel compilation failed")
	ErrTransferFailure     = errors.New("buffer transfer failed")
	ErrInvalidBuffer       = errors.New("invalid buffer use")
	ErrMapConflict         = errors.New("buffer map conflict")
	ErrValidation          = errors.New("command validation failed")
)

// BackendSoftware executes kernels on host goroutines.
const BackendSoftware = "software"

// Usage is a set of buffer usage flags.
type Usage uint32

const (
	UsageUniform Usage = 1 << iota
	UsageStorage
	UsageCopySrc
	UsageCopyDst
	UsageMapRead
)

func (u Usage) Has(flag Usage) bool { return u&flag == flag }

// Limits bounds what a device accepts. Buffer sizes are in 32-bit words.
type Limits struct {
	MaxComputeWorkgroupsPerDimension  uint32
	MaxComputeInvocationsPerWorkgroup uint32
	MaxUniformBufferWords             uint64
	MaxStorageBufferWords             uint64
}

// DefaultLimits are the limits every conforming adapter supports.
func DefaultLimits() Limits {
	return Limits{
		MaxComputeWorkgroupsPerDimension:  65535,
		MaxComputeInvocationsPerWorkgroup: 256,
		MaxUniformBufferWords:             64 << 10 / 4,
		MaxStorageBufferWords:             128 << 20 / 4,
	}
}

func softwareLimits() Limits {
	return Limits{
		MaxComputeWorkgroupsPerDimension:  65535,
		MaxComputeInvocationsPerWorkgroup: 1024,
		MaxUniformBufferWords:             64 << 10 / 4,
		MaxStorageBufferWords:             1 << 30,
	}
}

// within reports whether every field of l is at most the matching field of supported.
func (l Limits) within(supported Limits) error {
	switch {
	case l.MaxComputeWorkgroupsPerDimension > supported.MaxComputeWorkgroupsPerDimension:
		return errors.Newf("max workgroups per dimension %d > %d", l.MaxComputeWorkgroupsPerDimension, supported.MaxComputeWorkgroupsPerDimension)
	case l.MaxComputeInvocationsPerWorkgroup > supported.MaxComputeInvocationsPerWorkgroup:
		return errors.Newf("max invocations per workgroup %d > %d", l.MaxComputeInvocationsPerWorkgroup, supported.MaxComputeInvocationsPerWorkgroup)
	case l.MaxUniformBufferWords > supported.MaxUniformBufferWords:
		return errors.Newf("max uniform buffer words %d > %d", l.MaxUniformBufferWords, supported.MaxUniformBufferWords)
	case l.MaxStorageBufferWords > supported.MaxStorageBufferWords:
		return errors.Newf("max storage buffer words %d > %d", l.MaxStorageBufferWords, supported.MaxStorageBufferWords)
	}
	return nil
}

type AdapterOptions struct {
	Backend string // "" selects the software backend
	Lanes   int    // host goroutines per dispatch, 0 = NumCPU
	Logger  logrus.FieldLogger
}

type AdapterInfo struct {
	Name    string
	Backend string
	Lanes   int
	PCI     []PCIDevice // display controllers seen on the host, informational
}

type Adapter struct {
	info   AdapterInfo
	limits Limits
	logger logrus.FieldLogger
}

// RequestAdapter returns an adapter for opts.Backend.
func RequestAdapter(opts AdapterOptions) (*Adapter, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	backend := opts.Backend
	if backend == "" {
		backend = BackendSoftware
	}
	if backend != BackendSoftware {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "backend %q", backend)
	}

	lanes := opts.Lanes
	if lanes <= 0 {
		lanes = runtime.NumCPU()
	}

	pci, err := ProbePCI()
	if err != nil {
		logger.WithError(err).Debug("pci probe failed")
	}

	a := &Adapter{
		info: AdapterInfo{
			Name:    "software compute",
			Backend: backend,
			Lanes:   lanes,
			PCI:     pci,
		},
		limits: softwareLimits(),
		logger: logger,
	}
	logger.WithFields(logrus.Fields{
		"adapter": a.info.Name,
		"lanes":   lanes,
		"gpus":    len(pci),
	}).Debug("adapter acquired")
	return a, nil
}

func (a *Adapter) Info() AdapterInfo { return a.info }

// Limits returns the best limits the adapter supports.
func (a *Adapter) Limits() Limits { return a.limits }

type DeviceDescriptor struct {
	Label          string
	RequiredLimits Limits
}

// RequestDevice opens a device with desc.RequiredLimits. A zero
// RequiredLimits requests DefaultLimits.
func (a *Adapter) RequestDevice(desc DeviceDescriptor) (*Device, error) {
	limits := desc.RequiredLimits
	if limits == (Limits{}) {
		limits = DefaultLimits()
	}
	if err := limits.within(a.limits); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "device %q", desc.Label), ErrDeviceRequestFailed)
	}
	return newDevice(a, desc.Label, limits), nil
}
