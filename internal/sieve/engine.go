// Package sieve drives the segmented sieve: it plans the bitset, dispatches
// one kernel batch per segment in increasing offset order, retrieves each
// bitset and assembles the primes.
package sieve

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sunrise2575/PrimeSieve/internal/accel"
	"github.com/sunrise2575/PrimeSieve/internal/kernel"
	"github.com/sunrise2575/PrimeSieve/internal/par"
	"github.com/sunrise2575/PrimeSieve/internal/plan"
	"github.com/sunrise2575/PrimeSieve/internal/prime"
)

const (
	MaxLimit        = 1 << 32
	DefaultSegments = 64
)

// State is the orchestrator state of the current segment.
type State int

const (
	Idle State = iota
	PrepareOffset
	Dispatch
	AwaitCompletion
	Retrieve
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PrepareOffset:
		return "prepare-offset"
	case Dispatch:
		return "dispatch"
	case AwaitCompletion:
		return "await-completion"
	case Retrieve:
		return "retrieve"
	case Done:
		return "done"
	}
	return "unknown"
}

type Options struct {
	Limit     uint64 // exclusive upper bound, at most 2^32
	Segments  int
	BaseBound uint32 // exclusive bound of CPU base primes, 0 = smallest sufficient
	Dedup     DedupMode

	GroupWidth        uint32
	MaxDispatchGroups uint32

	// Depth is the number of staging buffers: 1 retrieves each segment before
	// the next is prepared, 2 overlaps decoding with the next dispatch.
	Depth           int
	SegmentTimeout  time.Duration // 0 = wait forever
	TransferRetries int

	Backend string
	Lanes   int
	Device  *accel.Device // used instead of acquiring one when set
	Kernel  accel.Kernel  // software kernel override, nil = kernel.Lanes

	Logger    logrus.FieldLogger
	OnState   func(segment int, s State)
	OnSegment func(SegmentResult)
}

// DefaultOptions covers [0, 2^32) with the reference geometry.
func DefaultOptions() Options {
	return Options{
		Limit:             MaxLimit,
		Segments:          DefaultSegments,
		BaseBound:         prime.MaxBound,
		GroupWidth:        256,
		MaxDispatchGroups: 65535,
		Depth:             1,
		TransferRetries:   1,
	}
}

type SegmentResult struct {
	Index   int
	Offset  uint64
	Primes  int
	Elapsed time.Duration
}

type Result struct {
	Primes     []uint32
	BasePrimes int
	Segments   int
	Geometry   plan.Geometry
	Elapsed    time.Duration
}

// Largest returns the last prime found.
func (r *Result) Largest() (uint32, bool) {
	if len(r.Primes) == 0 {
		return 0, false
	}
	return r.Primes[len(r.Primes)-1], true
}

// Engine owns the device resources of one sieve run.
type Engine struct {
	opts   Options
	logger logrus.FieldLogger

	width uint64
	geom  plan.Geometry
	base  []uint32

	dev       *accel.Device
	ownDevice bool
	pipeline  *kernel.Pipeline

	sieveBuf  *accel.Buffer
	offsetBuf *accel.Buffer
	mainGroup *accel.BindGroup
	offGroup  *accel.BindGroup
	staging   []*accel.Buffer
	buffers   []*accel.Buffer

	mu    sync.Mutex
	state State
}

func (o Options) validate() error {
	switch {
	case o.Limit < 2 || o.Limit > MaxLimit:
		return errors.Newf("limit %d outside [2, 2^32]", o.Limit)
	case o.Segments <= 0:
		return errors.Newf("segments %d", o.Segments)
	case uint64(o.BaseBound) > prime.MaxBound:
		return errors.Newf("base bound %d above %d", o.BaseBound, prime.MaxBound)
	case o.Depth != 1 && o.Depth != 2:
		return errors.Newf("pipeline depth %d not 1 or 2", o.Depth)
	case o.TransferRetries < 0:
		return errors.Newf("transfer retries %d", o.TransferRetries)
	}

	if o.BaseBound != 0 && o.BaseBound < prime.Bound(o.Limit) {
		return errors.Newf("base bound %d too small for limit %d (need %d)", o.BaseBound, o.Limit, prime.Bound(o.Limit))
	}
	width := par.Ceil(o.Limit, uint64(o.Segments))
	if uint64(o.Segments-1)*width >= o.Limit {
		return errors.Newf("%d segments leave empty segments below limit %d", o.Segments, o.Limit)
	}
	return nil
}

// FitSegments returns the largest count not above segments that leaves no
// segment empty below limit.
func FitSegments(limit uint64, segments int) int {
	for segments > 1 && uint64(segments-1)*par.Ceil(limit, uint64(segments)) >= limit {
		segments--
	}
	return segments
}

// New plans the run, generates the base primes, acquires the device, compiles
// the kernel and allocates every buffer the segment loop reuses.
func New(opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.BaseBound == 0 {
		opts.BaseBound = prime.Bound(opts.Limit)
	}
	if err := opts.validate(); err != nil {
		return nil, stageErr(StageConfig, -1, err)
	}

	e := &Engine{
		opts:   opts,
		logger: opts.Logger,
		width:  par.Ceil(opts.Limit, uint64(opts.Segments)),
	}

	geom, err := plan.New(e.width, opts.GroupWidth, opts.MaxDispatchGroups)
	if err != nil {
		return nil, stageErr(StageConfig, -1, err)
	}
	e.geom = geom
	e.logger.WithField("geometry", geom.String()).Info("work partition planned")

	par.Stopwatch(e.logger, "base primes", func() {
		e.base = prime.Generate(opts.BaseBound)
	})
	e.logger.WithField("count", len(e.base)).Info("base primes generated")

	if err := e.acquire(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) acquire() error {
	e.dev = e.opts.Device
	if e.dev == nil {
		adapter, err := accel.RequestAdapter(accel.AdapterOptions{
			Backend: e.opts.Backend,
			Lanes:   e.opts.Lanes,
			Logger:  e.logger,
		})
		if err != nil {
			return stageErr(StageAcquisition, -1, err)
		}

		limits := accel.DefaultLimits()
		limits.MaxComputeWorkgroupsPerDimension = max(limits.MaxComputeWorkgroupsPerDimension, e.geom.DispatchGroups)
		limits.MaxComputeInvocationsPerWorkgroup = max(limits.MaxComputeInvocationsPerWorkgroup, e.geom.GroupWidth)
		limits.MaxStorageBufferWords = max(limits.MaxStorageBufferWords, e.geom.Words)

		e.dev, err = adapter.RequestDevice(accel.DeviceDescriptor{Label: "prime sieve", RequiredLimits: limits})
		if err != nil {
			return stageErr(StageAcquisition, -1, err)
		}
		e.ownDevice = true
	}

	padded := prime.PadVec4(e.base)
	impl := e.opts.Kernel
	if impl == nil {
		impl = kernel.Lanes
	}
	pipeline, err := kernel.NewPipelineWith(e.dev, e.geom.GroupWidth, padded, impl)
	if err != nil {
		return stageErr(StageCompile, -1, err)
	}
	e.pipeline = pipeline

	track := func(b *accel.Buffer, err error) (*accel.Buffer, error) {
		if err != nil {
			return nil, err
		}
		e.buffers = append(e.buffers, b)
		e.logger.WithFields(logrus.Fields{
			"buffer": b.Label(),
			"words":  b.Size(),
		}).Debug("buffer allocated")
		return b, nil
	}

	alloc := func() error {
		wplBuf, err := track(e.dev.CreateBufferInit("words per lane", []uint32{e.geom.WordsPerLane}, accel.UsageUniform))
		if err != nil {
			return err
		}
		primeBuf, err := track(e.dev.CreateBufferInit("base primes", padded, accel.UsageUniform))
		if err != nil {
			return err
		}
		e.sieveBuf, err = track(e.dev.CreateBuffer(accel.BufferDescriptor{
			Label: "sieve",
			Size:  e.geom.Words,
			Usage: accel.UsageStorage | accel.UsageCopySrc,
		}))
		if err != nil {
			return err
		}
		e.offsetBuf, err = track(e.dev.CreateBufferInit("segment offset", []uint32{0}, accel.UsageUniform|accel.UsageCopyDst))
		if err != nil {
			return err
		}

		e.mainGroup, err = e.dev.CreateBindGroup(pipeline.Main,
			accel.BindGroupEntry{Binding: kernel.BindingWordsPerLane, Buffer: wplBuf},
			accel.BindGroupEntry{Binding: kernel.BindingPrimes, Buffer: primeBuf},
			accel.BindGroupEntry{Binding: kernel.BindingSieve, Buffer: e.sieveBuf},
		)
		if err != nil {
			return err
		}
		e.offGroup, err = e.dev.CreateBindGroup(pipeline.Offset,
			accel.BindGroupEntry{Binding: kernel.BindingOffset, Buffer: e.offsetBuf},
		)
		if err != nil {
			return err
		}

		for i := 0; i < e.opts.Depth; i++ {
			b, err := track(e.dev.CreateBuffer(accel.BufferDescriptor{
				Label: "staging",
				Size:  e.geom.Words,
				Usage: accel.UsageCopyDst | accel.UsageMapRead,
			}))
			if err != nil {
				return err
			}
			e.staging = append(e.staging, b)
		}
		return nil
	}
	if err := alloc(); err != nil {
		return stageErr(StageAcquisition, -1, err)
	}
	return nil
}

// Close waits for queued work, then releases the engine's buffers and the
// device if the engine acquired it.
func (e *Engine) Close() {
	if e.dev != nil {
		if err := e.dev.Poll(context.Background()); err != nil {
			e.logger.WithError(err).Debug("device error at close")
		}
	}
	for _, b := range e.buffers {
		b.Destroy()
	}
	e.buffers = nil
	if e.dev != nil && e.ownDevice {
		e.dev.Destroy()
	}
}

func (e *Engine) Geometry() plan.Geometry { return e.geom }

// SegmentWidth is the number of candidates each segment contributes.
func (e *Engine) SegmentWidth() uint64 { return e.width }

// BasePrimes returns the CPU generated divisors.
func (e *Engine) BasePrimes() []uint32 { return e.base }

// State returns the state the orchestrator last entered.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) enter(segment int, s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	if e.opts.OnState != nil {
		e.opts.OnState(segment, s)
	}
}

type retrieved struct {
	index   int
	offset  uint64
	staging *accel.Buffer
	words   []uint32
	start   time.Time
}

// Run sieves every segment in increasing offset order and returns the
// assembled primes.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	asm := NewAssembler(e.base, uint64(e.opts.BaseBound), e.width, e.opts.Limit, e.opts.Dedup)

	free := make(chan *accel.Buffer, len(e.staging))
	for _, b := range e.staging {
		free <- b
	}
	ready := make(chan retrieved, len(e.staging))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(ready)
		for i := 0; i < e.opts.Segments; i++ {
			if err := gctx.Err(); err != nil {
				return err
			}
			var staging *accel.Buffer
			select {
			case staging = <-free:
			case <-gctx.Done():
				return gctx.Err()
			}

			r, err := e.segment(gctx, i, staging)
			if err != nil {
				return err
			}

			select {
			case ready <- r:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		for r := range ready {
			e.enter(r.index, Retrieve)
			n, err := asm.Append(r.offset, r.words)
			r.staging.Unmap()
			if err != nil {
				return stageErr(StageAssemble, r.index, err)
			}

			res := SegmentResult{
				Index:   r.index,
				Offset:  r.offset,
				Primes:  n,
				Elapsed: time.Since(r.start),
			}
			e.logger.WithFields(logrus.Fields{
				"segment": r.index,
				"offset":  r.offset,
				"primes":  n,
			}).Debug("segment retrieved")
			if e.opts.OnSegment != nil {
				e.opts.OnSegment(res)
			}

			free <- r.staging
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	e.enter(e.opts.Segments, Done)

	var primes []uint32
	par.Stopwatch(e.logger, "assemble", func() {
		primes = asm.Primes()
	})
	if err := Verify(primes); err != nil {
		return nil, stageErr(StageAssemble, -1, err)
	}

	return &Result{
		Primes:     primes,
		BasePrimes: len(e.base),
		Segments:   asm.Segments(),
		Geometry:   e.geom,
		Elapsed:    time.Since(start),
	}, nil
}

// segment runs PrepareOffset, Dispatch and AwaitCompletion for segment i.
func (e *Engine) segment(ctx context.Context, i int, staging *accel.Buffer) (retrieved, error) {
	r := retrieved{
		index:   i,
		offset:  uint64(i) * e.width,
		staging: staging,
		start:   time.Now(),
	}

	e.enter(i, PrepareOffset)
	if err := e.dev.Queue().WriteBuffer(e.offsetBuf, 0, []uint32{uint32(r.offset)}); err != nil {
		return r, stageErr(StageDispatch, i, err)
	}

	e.enter(i, Dispatch)
	enc := e.dev.CreateCommandEncoder("segment")
	pass := enc.BeginComputePass()
	pass.SetPipeline(e.pipeline.Compute)
	pass.SetBindGroup(kernel.GroupMain, e.mainGroup)
	pass.SetBindGroup(kernel.GroupOffset, e.offGroup)
	pass.DispatchWorkgroups(e.geom.DispatchGroups)
	pass.End()
	enc.CopyBufferToBuffer(e.sieveBuf, 0, staging, 0, e.geom.Words)

	cb, err := enc.Finish()
	if err != nil {
		return r, stageErr(StageDispatch, i, err)
	}
	if err := e.dev.Queue().Submit(cb); err != nil {
		return r, stageErr(StageDispatch, i, err)
	}

	e.enter(i, AwaitCompletion)
	r.words, err = e.await(ctx, i, staging)
	return r, err
}

// await maps staging once the segment's work has executed, retrying a failed
// transfer up to TransferRetries times.
func (e *Engine) await(ctx context.Context, i int, staging *accel.Buffer) ([]uint32, error) {
	for attempt := 0; ; attempt++ {
		mapped := make(chan error, 1)
		if err := staging.MapAsync(accel.MapRead, func(err error) { mapped <- err }); err != nil {
			return nil, stageErr(StageTransfer, i, err)
		}

		pctx, cancel := ctx, context.CancelFunc(func() {})
		if e.opts.SegmentTimeout > 0 {
			pctx, cancel = context.WithTimeout(ctx, e.opts.SegmentTimeout)
		}
		err := e.dev.Poll(pctx)
		cancel()
		if err != nil {
			return nil, stageErr(StageDispatch, i, err)
		}

		err = <-mapped
		if err == nil {
			words, err := staging.GetMappedRange()
			if err != nil {
				return nil, stageErr(StageTransfer, i, err)
			}
			return words, nil
		}

		if !errors.Is(err, accel.ErrTransferFailure) || attempt >= e.opts.TransferRetries {
			return nil, stageErr(StageTransfer, i, err)
		}
		e.logger.WithError(err).WithField("segment", i).Warn("transfer failed, retrying")
	}
}
