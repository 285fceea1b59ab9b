package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type expiredPurger interface {
	PurgeExpired() error
}

// purgeFunc adapts a bare function to the expiredPurger interface.
type purgeFunc func() error

func (f purgeFunc) PurgeExpired() error {
	return f()
}

type purgeTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) purgeTicker

func startPurgeWorker(ctx context.Context, logger *slog.Logger, target expiredPurger, interval time.Duration) func() {
	return startPurgeWorkerWithTicker(ctx, logger, target, interval, func(d time.Duration) purgeTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startPurgeWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	target expiredPurger,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if target == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				if err := target.PurgeExpired(); err != nil && logger != nil {
					logger.Error("failed to purge expired records", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
