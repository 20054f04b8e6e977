package coordinator

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// releaseGrace bounds the cleanup performed after an interrupt.
const releaseGrace = 5 * time.Second

// ReleaseOnSignal releases every lock held by the coordinator's Locker when
// the process receives SIGINT or SIGTERM, then calls exit with status 130.
// A nil exit leaves the process running. The returned function stops
// listening.
func (c *Coordinator) ReleaseOnSignal(exit func(code int)) (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	var once sync.Once
	go func() {
		select {
		case sig := <-sigs:
			held := c.locker.Held()
			c.logger.Warn("baton: interrupted, releasing held locks", "signal", sig.String(), "locks", held)
			ctx, cancel := context.WithTimeout(context.Background(), releaseGrace)
			if err := c.locker.ReleaseAll(ctx); err != nil {
				c.logger.Error("baton: releasing locks on exit failed", "error", err)
			}
			cancel()
			if exit != nil {
				exit(130)
			}
		case <-done:
		}
	}()
	return func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(done)
		})
	}
}
