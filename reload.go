package proxylab

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// SIGHUPReloader watches for SIGHUP signals and refreshes a BlockList.
// Call Cancel to stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// ReloadFunc runs before the block list is re-read, for example to apply a
// seed file that was edited on disk.
type ReloadFunc func(ctx context.Context) error

// WatchSIGHUP starts a goroutine that, on every SIGHUP, calls prepare (if
// non-nil) and then reloads bl from its store. This picks up pattern rows
// changed outside the process. A failing prepare skips the reload so the
// mirror keeps its current contents.
func WatchSIGHUP(bl *BlockList, prepare ReloadFunc, logger *slog.Logger) *SIGHUPReloader {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				logger.Info("received SIGHUP, reloading block list")
				if err := reloadBlockList(ctx, bl, prepare); err != nil {
					if bl.Metrics != nil {
						bl.Metrics.RecordReloadError()
					}
					logger.Error("block list reload failed", "error", err)
					continue
				}
				logger.Info("block list reloaded", "patterns", bl.Count())
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}

func reloadBlockList(ctx context.Context, bl *BlockList, prepare ReloadFunc) error {
	if prepare != nil {
		if err := prepare(ctx); err != nil {
			return err
		}
	}
	return bl.Load(ctx)
}

// StartAutoReload reloads bl from its store every interval until the
// returned cancel func is called or ctx ends. A failed reload keeps the
// current mirror.
func StartAutoReload(ctx context.Context, bl *BlockList, interval time.Duration, logger *slog.Logger) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := bl.Load(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					if bl.Metrics != nil {
						bl.Metrics.RecordReloadError()
					}
					logger.Warn("periodic block list refresh failed", "error", err)
				}
			}
		}
	}()

	return cancel
}
