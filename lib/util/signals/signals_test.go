//go:build !windows

package signals

import (
	"context"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func runLoop(t *testing.T, d *Dispatcher) (context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.loop(ctx)
	}()
	return cancel, done
}

func TestShutdownRunsPhasesInOrder(t *testing.T) {
	d := New()
	var mu sync.Mutex
	var order []string
	record := func(s string) Handler {
		return func() {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
		}
	}
	d.OnInterrupt(record("interrupt"))
	d.OnPreShutdown(record("pre-1"))
	d.OnPreShutdown(record("pre-2"))
	d.OnPreShutdown(nil)

	cancel, done := runLoop(t, d)
	defer cancel()
	d.ch <- syscall.SIGTERM

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not return after shutdown")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"pre-1", "pre-2", "interrupt"}, order)
}

func TestReloadKeepsRunning(t *testing.T) {
	d := New()
	reloaded := make(chan struct{}, 2)
	d.OnReload(func() { reloaded <- struct{}{} })

	cancel, done := runLoop(t, d)
	d.ch <- syscall.SIGHUP
	d.ch <- syscall.SIGHUP
	for i := 0; i < 2; i++ {
		select {
		case <-reloaded:
		case <-time.After(time.Second):
			t.Fatal("reload handler not called")
		}
	}
	cancel()
	<-done
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	d := New()
	called := false
	d.OnInterrupt(func() { panic("boom") })
	d.OnInterrupt(func() { called = true })

	_, done := runLoop(t, d)
	d.ch <- syscall.SIGINT
	<-done
	assert.True(t, called)
}

func TestPreShutdownTimeout(t *testing.T) {
	d := New()
	d.SetGracefulTimeout(20 * time.Millisecond)
	release := make(chan struct{})
	defer close(release)
	d.OnPreShutdown(func() { <-release })

	assert.False(t, d.runPreShutdown())

	d.SetGracefulTimeout(0)
	assert.Equal(t, defaultGracefulTimeout, d.gracefulTimeout)
}
