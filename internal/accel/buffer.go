package accel

import (
	"sync"

	"github.com/cockroachdb/errors"
)

type BufferDescriptor struct {
	Label string
	Size  uint64 // words
	Usage Usage
}

type MapMode int

const MapRead MapMode = iota

type mapState int

const (
	unmapped mapState = iota
	mapPending
	mapped
)

// Buffer is device memory addressed in 32-bit words.
type Buffer struct {
	dev   *Device
	label string
	usage Usage

	mu       sync.Mutex
	data     []uint32
	state    mapState
	mapAfter uint64 // submission a pending map waits for
}

func (b *Buffer) Label() string { return b.label }
func (b *Buffer) Size() uint64  { return uint64(len(b.data)) }

// MapAsync requests host access to b once all work submitted so far has
// executed. callback receives nil on success or an ErrTransferFailure.
func (b *Buffer) MapAsync(mode MapMode, callback func(error)) error {
	if mode != MapRead || !b.usage.Has(UsageMapRead) {
		return errors.Wrapf(ErrInvalidBuffer, "map %q without map-read", b.label)
	}

	b.mu.Lock()
	if b.state != unmapped {
		b.mu.Unlock()
		return errors.Wrapf(ErrMapConflict, "buffer %q already mapped", b.label)
	}
	q := b.dev.queue
	q.mu.Lock()
	after := q.last
	q.mu.Unlock()

	b.state = mapPending
	b.mapAfter = 0
	if after != nil {
		b.mapAfter = after.seq
	}
	b.mu.Unlock()

	done := make(chan struct{})
	b.dev.mu.Lock()
	b.dev.maps = append(b.dev.maps, done)
	fault := b.dev.mapFault
	b.dev.mu.Unlock()

	go func() {
		defer close(done)
		if after != nil {
			<-after.done
		}

		var err error
		if fault != nil {
			if ferr := fault(b.label); ferr != nil {
				err = errors.Mark(errors.Wrapf(ferr, "map %q", b.label), ErrTransferFailure)
			}
		}

		b.mu.Lock()
		if err == nil {
			b.state = mapped
		} else {
			b.state = unmapped
		}
		b.mu.Unlock()

		if callback != nil {
			callback(err)
		}
	}()
	return nil
}

// GetMappedRange returns a view of the mapped contents, valid until Unmap.
func (b *Buffer) GetMappedRange() ([]uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != mapped {
		return nil, errors.Wrapf(ErrInvalidBuffer, "buffer %q is not mapped", b.label)
	}
	return b.data, nil
}

// Unmap releases host access so the device may write b again.
func (b *Buffer) Unmap() {
	b.mu.Lock()
	if b.state == mapped {
		b.state = unmapped
	}
	b.mu.Unlock()
}

// Destroy releases the buffer's storage.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	b.data = nil
	b.state = unmapped
	b.mu.Unlock()
}

// writable fails if the host may be reading b while submission seq runs.
// Work submitted before a map request still writes b.
func (b *Buffer) writable(seq uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.state == mapped:
		return errors.Wrapf(ErrMapConflict, "buffer %q is mapped", b.label)
	case b.state == mapPending && seq > b.mapAfter:
		return errors.Wrapf(ErrMapConflict, "buffer %q has a pending map", b.label)
	}
	return nil
}
