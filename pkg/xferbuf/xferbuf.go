// Package xferbuf implements the DRAM transfer buffer of spec §4.4:
// a small fixed pool of page-sized staging buffers that the migration
// engine borrows to shuttle one page between two block-device tiers (a
// block device cannot be read straight into another block device's
// submission path). Copies to or from PMEM go through the PMEM
// mapping directly and do not use the pool. The
// pool is sized once at mount and never grows; callers block until a
// page is available rather than allocating one ad hoc.
package xferbuf

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/tierfs/tierfs/pkg/tfserr"
)

// Pool is a fixed-size set of page buffers, each checked out to at
// most one caller at a time.
type Pool struct {
	pageSize int

	sem  *semaphore.Weighted
	mu   sync.Mutex
	free [][]byte
}

// New builds a Pool of numPages buffers, each pageSize bytes.
func New(numPages, pageSize int) *Pool {
	p := &Pool{
		pageSize: pageSize,
		sem:      semaphore.NewWeighted(int64(numPages)),
	}
	p.free = make([][]byte, numPages)
	for i := range p.free {
		p.free[i] = make([]byte, pageSize)
	}
	return p
}

func (p *Pool) acquire() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free) - 1
	buf := p.free[n]
	p.free = p.free[:n]
	return buf
}

func (p *Pool) release(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, buf)
}

// WithTransferPage checks out a page buffer, runs fn with it, and
// returns it to the pool before returning, even if fn panics. It
// blocks until a page is available or ctx is cancelled. Spec §4.4's
// with_transfer_page(fn) contract: the buffer must not escape fn.
func (p *Pool) WithTransferPage(ctx context.Context, fn func(buf []byte) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return tfserr.Wrap(err, "xferbuf: acquire")
	}
	defer p.sem.Release(1)

	buf := p.acquire()
	defer p.release(buf)

	return fn(buf)
}

// PageSize is the fixed size of every buffer in the pool.
func (p *Pool) PageSize() int { return p.pageSize }

// TryWithTransferPage is WithTransferPage but fails immediately with
// Busy instead of blocking when the pool is exhausted.
func (p *Pool) TryWithTransferPage(fn func(buf []byte) error) error {
	if !p.sem.TryAcquire(1) {
		return tfserr.New(tfserr.Busy, "xferbuf: pool exhausted")
	}
	defer p.sem.Release(1)

	buf := p.acquire()
	defer p.release(buf)

	return fn(buf)
}
