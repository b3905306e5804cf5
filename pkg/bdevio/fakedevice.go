package bdevio

import (
	"context"
	"sync"
)

// FakeDevice is an in-memory RawDevice for tests, standing in for an
// actual block device.
type FakeDevice struct {
	mu   sync.Mutex
	data []byte
}

// NewFakeDevice allocates a zeroed FakeDevice of size bytes.
func NewFakeDevice(size int64) *FakeDevice {
	return &FakeDevice{data: make([]byte, size)}
}

func (f *FakeDevice) ReadAt(_ context.Context, buf []byte, byteOffset int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(buf, f.data[byteOffset:byteOffset+int64(len(buf))])
	return nil
}

func (f *FakeDevice) WriteAt(_ context.Context, buf []byte, byteOffset int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.data[byteOffset:byteOffset+int64(len(buf))], buf)
	return nil
}
