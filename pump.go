package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"i4.energy/across/espgw/esp"
)

// Uploader is the part of the session the pump drives.
type Uploader interface {
	ConnectAndUpload(ctx context.Context, host, apiKey string, fields esp.Fields) error
	Wait(ctx context.Context, delay time.Duration) error
}

// Pump uploads samples one at a time with a fixed pause after each attempt.
//
// It holds a single pending sample: a sample offered while another is
// pending replaces it. Uploads are never queued up behind a slow module.
type Pump struct {
	uploader Uploader
	host     string
	apiKey   string
	interval time.Duration
	logger   *zap.Logger

	slot chan esp.Fields
}

func NewPump(uploader Uploader, host, apiKey string, interval time.Duration, logger *zap.Logger) *Pump {
	return &Pump{
		uploader: uploader,
		host:     host,
		apiKey:   apiKey,
		interval: interval,
		logger:   logger.With(zap.String("component", "pump")),
		slot:     make(chan esp.Fields, 1),
	}
}

// Offer makes fields the pending sample. It reports whether an older
// pending sample was discarded.
func (p *Pump) Offer(fields esp.Fields) (replaced bool) {
	for {
		select {
		case p.slot <- fields:
			return replaced
		default:
		}
		select {
		case <-p.slot:
			replaced = true
		default:
		}
	}
}

// Run uploads pending samples until ctx is done. Upload failures are
// logged and do not stop the pump.
func (p *Pump) Run(ctx context.Context) error {
	p.logger.Info("Sample pump started", zap.Duration("interval", p.interval))
	for {
		var fields esp.Fields
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fields = <-p.slot:
		}

		err := p.uploader.ConnectAndUpload(ctx, p.host, p.apiKey, fields)
		switch {
		case err == nil:
			p.logger.Debug("Sample handed to module")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		default:
			p.logger.Warn("Sample upload failed", zap.Error(err))
		}

		if err := p.uploader.Wait(ctx, p.interval); err != nil {
			return err
		}
	}
}
