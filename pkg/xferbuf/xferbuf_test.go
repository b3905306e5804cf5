package xferbuf

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tierfs/tierfs/pkg/tfserr"
)

func TestWithTransferPageGivesFullSizedBuffer(t *testing.T) {
	p := New(2, 4096)
	err := p.WithTransferPage(context.Background(), func(buf []byte) error {
		if len(buf) != 4096 {
			t.Fatalf("len = %d, want 4096", len(buf))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTransferPage: %v", err)
	}
}

func TestPoolReusesBuffersAfterRelease(t *testing.T) {
	p := New(1, 64)
	for i := 0; i < 5; i++ {
		if err := p.WithTransferPage(context.Background(), func(buf []byte) error { return nil }); err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
	}
}

func TestTryWithTransferPageFailsBusyWhenExhausted(t *testing.T) {
	p := New(1, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	holding := make(chan struct{})
	go func() {
		defer wg.Done()
		_ = p.WithTransferPage(context.Background(), func(buf []byte) error {
			close(holding)
			time.Sleep(50 * time.Millisecond)
			return nil
		})
	}()
	<-holding

	err := p.TryWithTransferPage(func(buf []byte) error { return nil })
	if err == nil || tfserr.KindOf(err) != tfserr.Busy {
		t.Fatalf("expected Busy, got %v", err)
	}
	wg.Wait()
}

func TestWithTransferPageRespectsContextCancellation(t *testing.T) {
	p := New(1, 64)
	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = p.WithTransferPage(context.Background(), func(buf []byte) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.WithTransferPage(ctx, func(buf []byte) error { return nil }); err == nil {
		t.Fatal("expected context deadline error")
	}
}
