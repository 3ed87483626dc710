package accel

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// Device owns one queue; all submissions execute in order on it.
type Device struct {
	label  string
	limits Limits
	lanes  int
	logger logrus.FieldLogger
	queue  *Queue

	mu       sync.Mutex
	err      error           // first execution error, sticky
	maps     []chan struct{} // map requests not yet resolved
	mapFault func(label string) error
}

func newDevice(a *Adapter, label string, limits Limits) *Device {
	d := &Device{
		label:  label,
		limits: limits,
		lanes:  a.info.Lanes,
		logger: a.logger,
	}
	d.queue = newQueue(d)
	return d
}

func (d *Device) Limits() Limits { return d.limits }

func (d *Device) Queue() *Queue { return d.queue }

// SetMapFault installs fn to be consulted before every buffer map resolves; a
// non-nil result fails that map with ErrTransferFailure.
func (d *Device) SetMapFault(fn func(label string) error) {
	d.mu.Lock()
	d.mapFault = fn
	d.mu.Unlock()
}

func (d *Device) fail(err error) {
	d.mu.Lock()
	if d.err == nil {
		d.err = err
	}
	d.mu.Unlock()
	d.logger.WithError(err).Error("device execution error")
}

// Poll blocks until every submitted command buffer has executed and every
// pending map has resolved, or until ctx is done.
func (d *Device) Poll(ctx context.Context) error {
	d.queue.mu.Lock()
	last := d.queue.last
	d.queue.mu.Unlock()

	if last != nil {
		select {
		case <-last.done:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for queue")
		}
	}

	d.mu.Lock()
	maps := append([]chan struct{}(nil), d.maps...)
	d.mu.Unlock()

	for _, ch := range maps {
		select {
		case <-ch:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for buffer map")
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.maps = pruneDone(d.maps)
	return d.err
}

func pruneDone(chs []chan struct{}) []chan struct{} {
	out := chs[:0]
	for _, ch := range chs {
		select {
		case <-ch:
		default:
			out = append(out, ch)
		}
	}
	return out
}

// Destroy stops the queue. Work already submitted still runs.
func (d *Device) Destroy() {
	d.queue.close()
}

// CreateBuffer allocates a zeroed buffer of desc.Size words.
func (d *Device) CreateBuffer(desc BufferDescriptor) (*Buffer, error) {
	if desc.Usage == 0 {
		return nil, errors.Wrapf(ErrInvalidBuffer, "buffer %q has no usage", desc.Label)
	}
	if desc.Usage.Has(UsageMapRead) && desc.Usage&^(UsageMapRead|UsageCopyDst) != 0 {
		return nil, errors.Wrapf(ErrInvalidBuffer, "buffer %q: map-read combines only with copy-dst", desc.Label)
	}
	if desc.Usage.Has(UsageUniform) && desc.Size > d.limits.MaxUniformBufferWords {
		return nil, errors.Wrapf(ErrInvalidBuffer, "uniform buffer %q: %d words > %d", desc.Label, desc.Size, d.limits.MaxUniformBufferWords)
	}
	if desc.Usage.Has(UsageStorage) && desc.Size > d.limits.MaxStorageBufferWords {
		return nil, errors.Wrapf(ErrInvalidBuffer, "storage buffer %q: %d words > %d", desc.Label, desc.Size, d.limits.MaxStorageBufferWords)
	}

	return &Buffer{
		dev:   d,
		label: desc.Label,
		usage: desc.Usage,
		data:  make([]uint32, desc.Size),
	}, nil
}

// CreateBufferInit allocates a buffer holding a copy of contents.
func (d *Device) CreateBufferInit(label string, contents []uint32, usage Usage) (*Buffer, error) {
	b, err := d.CreateBuffer(BufferDescriptor{Label: label, Size: uint64(len(contents)), Usage: usage})
	if err != nil {
		return nil, err
	}
	copy(b.data, contents)
	return b, nil
}

// Queue is the device's single submission stream.
type Queue struct {
	dev  *Device
	subs chan *submission

	mu     sync.Mutex
	seq    uint64
	last   *submission
	closed bool
}

type submission struct {
	seq  uint64 // 1 for the first submission on the queue
	cmds []command
	done chan struct{}
}

func newQueue(d *Device) *Queue {
	q := &Queue{
		dev:  d,
		subs: make(chan *submission, 16),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	for s := range q.subs {
		for _, c := range s.cmds {
			if err := c.exec(q.dev, s.seq); err != nil {
				q.dev.fail(err)
				break
			}
		}
		close(s.done)
	}
}

func (q *Queue) enqueue(cmds []command) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrDeviceLost
	}
	q.seq++
	s := &submission{seq: q.seq, cmds: cmds, done: make(chan struct{})}
	q.last = s
	q.subs <- s
	return nil
}

func (q *Queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.subs)
	}
}

// WriteBuffer schedules a host write of data into b at offset words, ordered
// before any later submission.
func (q *Queue) WriteBuffer(b *Buffer, offset uint64, data []uint32) error {
	if !b.usage.Has(UsageCopyDst) {
		return errors.Wrapf(ErrInvalidBuffer, "write to %q without copy-dst", b.label)
	}
	if offset+uint64(len(data)) > b.Size() {
		return errors.Wrapf(ErrInvalidBuffer, "write of %d words at %d overruns %q", len(data), offset, b.label)
	}
	return q.enqueue([]command{writeCmd{dst: b, offset: offset, data: append([]uint32(nil), data...)}})
}

// Submit queues command buffers for execution in order.
func (q *Queue) Submit(cbs ...*CommandBuffer) error {
	var cmds []command
	for _, cb := range cbs {
		cmds = append(cmds, cb.cmds...)
	}
	return q.enqueue(cmds)
}
