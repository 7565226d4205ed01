package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"i4.energy/across/espgw/esp"
)

type recordingUploader struct {
	mu      sync.Mutex
	uploads []esp.Fields
	waits   []time.Duration
	err     error

	// onUpload runs after an upload is recorded
	onUpload func(n int)
}

func (u *recordingUploader) ConnectAndUpload(ctx context.Context, host, apiKey string, fields esp.Fields) error {
	u.mu.Lock()
	u.uploads = append(u.uploads, fields)
	n := len(u.uploads)
	u.mu.Unlock()
	if u.onUpload != nil {
		u.onUpload(n)
	}
	return u.err
}

func (u *recordingUploader) Wait(ctx context.Context, delay time.Duration) error {
	u.mu.Lock()
	u.waits = append(u.waits, delay)
	u.mu.Unlock()
	return ctx.Err()
}

func TestPumpOffer(t *testing.T) {
	p := NewPump(&recordingUploader{}, "h", "k", time.Second, zap.NewNop())

	if p.Offer(esp.Fields{1}) {
		t.Error("empty slot reported a replacement")
	}
	if !p.Offer(esp.Fields{2}) {
		t.Error("pending sample not reported as replaced")
	}
	if got := <-p.slot; got != (esp.Fields{2}) {
		t.Errorf("expected the latest sample, got %v", got)
	}
}

func TestPumpRun(t *testing.T) {
	t.Run("Uploads only the latest sample", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		u := &recordingUploader{onUpload: func(int) { cancel() }}
		p := NewPump(u, "api.example.com", "KEY", 15*time.Second, zap.NewNop())
		p.Offer(esp.Fields{1})
		p.Offer(esp.Fields{2})
		p.Offer(esp.Fields{3})

		if err := p.Run(ctx); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got: %v", err)
		}
		if len(u.uploads) != 1 || u.uploads[0] != (esp.Fields{3}) {
			t.Errorf("expected one upload of the latest sample, got %v", u.uploads)
		}
		if len(u.waits) != 1 || u.waits[0] != 15*time.Second {
			t.Errorf("expected one 15s wait, got %v", u.waits)
		}
	})

	t.Run("Upload failure does not stop the pump", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		u := &recordingUploader{err: esp.ErrTimeout}
		p := NewPump(u, "api.example.com", "KEY", 0, zap.NewNop())
		u.onUpload = func(n int) {
			if n == 1 {
				p.Offer(esp.Fields{9})
				return
			}
			cancel()
		}
		p.Offer(esp.Fields{8})

		if err := p.Run(ctx); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got: %v", err)
		}
		if len(u.uploads) != 2 {
			t.Errorf("expected the pump to continue after a failure, got %d uploads", len(u.uploads))
		}
	})

	t.Run("Stops when idle and cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		u := &recordingUploader{}
		p := NewPump(u, "api.example.com", "KEY", 0, zap.NewNop())
		if err := p.Run(ctx); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got: %v", err)
		}
		if len(u.uploads) != 0 {
			t.Errorf("expected no uploads, got %v", u.uploads)
		}
	})
}
