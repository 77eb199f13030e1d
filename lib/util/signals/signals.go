// Package signals runs registered handlers when the process is asked to
// reload its configuration or to shut down.
package signals

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/util/logger"
)

const defaultGracefulTimeout = 30 * time.Second

// Handler is called when a signal is received.
type Handler func()

// Dispatcher maps process signals onto handlers. Pre-shutdown handlers
// run first and are bounded by the graceful timeout; interrupt handlers
// follow.
type Dispatcher struct {
	mu              sync.RWMutex
	preShutdown     []Handler
	reload          []Handler
	interrupt       []Handler
	gracefulTimeout time.Duration

	ch chan os.Signal
}

func New() *Dispatcher {
	return &Dispatcher{
		gracefulTimeout: defaultGracefulTimeout,
		ch:              make(chan os.Signal, 1),
	}
}

// OnPreShutdown registers f to run before the interrupt handlers. Nil
// handlers are ignored.
func (d *Dispatcher) OnPreShutdown(f Handler) {
	if f == nil {
		return
	}
	d.mu.Lock()
	d.preShutdown = append(d.preShutdown, f)
	d.mu.Unlock()
}

// OnReload registers f for SIGHUP.
func (d *Dispatcher) OnReload(f Handler) {
	if f == nil {
		return
	}
	d.mu.Lock()
	d.reload = append(d.reload, f)
	d.mu.Unlock()
}

// OnInterrupt registers f for SIGINT and SIGTERM.
func (d *Dispatcher) OnInterrupt(f Handler) {
	if f == nil {
		return
	}
	d.mu.Lock()
	d.interrupt = append(d.interrupt, f)
	d.mu.Unlock()
}

// SetGracefulTimeout bounds the pre-shutdown phase. Non-positive values
// restore the 30 second default.
func (d *Dispatcher) SetGracefulTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = defaultGracefulTimeout
	}
	d.mu.Lock()
	d.gracefulTimeout = timeout
	d.mu.Unlock()
}

// Handle dispatches signals until ctx is done or a shutdown signal has
// been handled.
func (d *Dispatcher) Handle(ctx context.Context) {
	signal.Notify(d.ch, watchedSignals...)
	defer signal.Stop(d.ch)
	d.loop(ctx)
}

func (d *Dispatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-d.ch:
			switch {
			case isReload(sig):
				log.WithField("signal", sig.String()).Info("reloading")
				d.run("reload", d.snapshot(&d.reload))
			case isShutdown(sig):
				log.WithField("signal", sig.String()).Info("shutting down")
				d.runPreShutdown()
				d.run("interrupt", d.snapshot(&d.interrupt))
				return
			}
		}
	}
}

func (d *Dispatcher) snapshot(hs *[]Handler) []Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Handler(nil), (*hs)...)
}

// runPreShutdown reports whether every handler finished in time.
func (d *Dispatcher) runPreShutdown() bool {
	handlers := d.snapshot(&d.preShutdown)
	if len(handlers) == 0 {
		return true
	}
	d.mu.RLock()
	timeout := d.gracefulTimeout
	d.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.run("pre-shutdown", handlers)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		log.WithField("timeout", timeout).Warn("pre-shutdown handlers timed out")
		return false
	}
}

func (d *Dispatcher) run(phase string, handlers []Handler) {
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(logger.Fields{
						"at":    "(Dispatcher) run",
						"phase": phase,
						"panic": r,
					}).Error("signal handler panicked")
				}
			}()
			h()
		}()
	}
}
