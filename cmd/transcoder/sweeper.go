package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type workspaceSweeper interface {
	Sweep(olderThan time.Duration) (int, error)
}

type sweepTicker interface {
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

type tickerFactory func(time.Duration) sweepTicker

// startScratchSweeper removes unlocked workspaces older than maxAge every
// interval. The returned function stops the loop and waits for it.
func startScratchSweeper(ctx context.Context, logger *slog.Logger, sweeper workspaceSweeper, interval, maxAge time.Duration) func() {
	return startScratchSweeperWithTicker(ctx, logger, sweeper, interval, maxAge, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startScratchSweeperWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	sweeper workspaceSweeper,
	interval, maxAge time.Duration,
	newTicker tickerFactory,
) func() {
	if sweeper == nil || interval <= 0 {
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
				sweepOnce(logger, sweeper, maxAge)
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

func sweepOnce(logger *slog.Logger, sweeper workspaceSweeper, maxAge time.Duration) {
	removed, err := sweeper.Sweep(maxAge)
	if err != nil {
		if logger != nil {
			logger.Error("failed to sweep scratch workspaces", "error", err)
		}
		return
	}
	if removed > 0 && logger != nil {
		logger.Info("removed stale scratch workspaces", "count", removed)
	}
}
