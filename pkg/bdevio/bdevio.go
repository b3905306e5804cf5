// Package bdevio is the block-device I/O shim of spec §4.3: it
// submits page-sized reads and writes to a block device either
// synchronously (the caller blocks until completion, mirroring
// submit_bio_wait) or asynchronously (the caller gets a handle back
// immediately and the migration engine collects completions later
// with Flush, mirroring submit_bio). Raw bio construction and the
// device driver underneath are out of scope; RawDevice is the seam.
package bdevio

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/tierfs/tierfs/pkg/tfserr"
	"github.com/tierfs/tierfs/pkg/tlog"
)

// RawDevice is the raw block device submission primitive this
// package builds on; constructing and issuing the actual bio is out
// of scope here.
type RawDevice interface {
	// ReadAt/WriteAt move exactly len(buf) bytes at byteOffset.
	ReadAt(ctx context.Context, buf []byte, byteOffset int64) error
	WriteAt(ctx context.Context, buf []byte, byteOffset int64) error
}

// SyncMode mirrors the BIO_SYNC/BIO_ASYNC submission flag.
type SyncMode int

const (
	Sync SyncMode = iota
	Async
)

const sectorSizeBit = 9

// Handle identifies one in-flight async submission.
type Handle uuid.UUID

// Device wraps a RawDevice with page-granularity read/write helpers
// and its own async completion list (one list per Device).
type Device struct {
	raw      RawDevice
	pageSize int64
	log      tlog.Logger

	mu      sync.Mutex
	pending map[Handle]func() error
}

// New wraps raw for page-sized I/O, pageSize bytes per page.
func New(raw RawDevice, pageSize int64, log tlog.Logger) *Device {
	if log == nil {
		log = tlog.Discard{}
	}
	return &Device{
		raw:      raw,
		pageSize: pageSize,
		log:      log,
		pending:  make(map[Handle]func() error),
	}
}

func (d *Device) offset(page uint64) int64 {
	return int64(page) * d.pageSize
}

// WriteBlock writes buf (exactly one page) to page, synchronously or
// asynchronously per mode. In Sync mode the call blocks until the
// write lands, mirroring submit_bio_wait; in Async mode it registers
// the write against h and returns immediately, mirroring submit_bio.
func (d *Device) WriteBlock(ctx context.Context, page uint64, buf []byte, mode SyncMode) (Handle, error) {
	if int64(len(buf)) != d.pageSize {
		return Handle{}, tfserr.Newf(tfserr.Invalid, "bdevio: write buf is %d bytes, want page size %d", len(buf), d.pageSize)
	}
	off := d.offset(page)

	if mode == Sync {
		if err := d.raw.WriteAt(ctx, buf, off); err != nil {
			return Handle{}, tfserr.Wrap(err, "bdevio: sync write")
		}
		return Handle{}, nil
	}

	h := Handle(uuid.New())
	d.mu.Lock()
	d.pending[h] = func() error { return d.raw.WriteAt(ctx, buf, off) }
	d.mu.Unlock()
	return h, nil
}

// ReadBlock reads one page from page into buf, synchronously or
// asynchronously per mode; see WriteBlock.
func (d *Device) ReadBlock(ctx context.Context, page uint64, buf []byte, mode SyncMode) (Handle, error) {
	if int64(len(buf)) != d.pageSize {
		return Handle{}, tfserr.Newf(tfserr.Invalid, "bdevio: read buf is %d bytes, want page size %d", len(buf), d.pageSize)
	}
	off := d.offset(page)

	if mode == Sync {
		if err := d.raw.ReadAt(ctx, buf, off); err != nil {
			return Handle{}, tfserr.Wrap(err, "bdevio: sync read")
		}
		return Handle{}, nil
	}

	h := Handle(uuid.New())
	d.mu.Lock()
	d.pending[h] = func() error { return d.raw.ReadAt(ctx, buf, off) }
	d.mu.Unlock()
	return h, nil
}

// FlushAsync waits for every async submission made so far to
// complete, running them concurrently via errgroup and returning the
// first error encountered, if any. The pending list is drained
// regardless of outcome.
func (d *Device) FlushAsync(ctx context.Context) error {
	d.mu.Lock()
	jobs := d.pending
	d.pending = make(map[Handle]func() error)
	d.mu.Unlock()

	if len(jobs) == 0 {
		return nil
	}

	g, _ := errgroup.WithContext(ctx)
	for h, job := range jobs {
		job := job
		h := h
		g.Go(func() error {
			if err := job(); err != nil {
				return errors.Wrapf(err, "bdevio: async submission %s", uuid.UUID(h))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		d.log.Errorf("bdevio: flush_async: %v", err)
		return tfserr.Wrap(err, "bdevio: flush_async")
	}
	return nil
}

// Pending returns the number of async submissions awaiting a flush.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
