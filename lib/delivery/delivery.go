package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/google/uuid"
)

// Outcome is how a delivery ended.
type Outcome int

const (
	Delivered Outcome = iota
	DeadLetter
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case DeadLetter:
		return "dead_letter"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is the final report for one delivery.
type Result struct {
	ID       uuid.UUID
	Peer     identity.PeerID
	Outcome  Outcome
	Attempts int
	// Err is the last transmission error for dead letters.
	Err error
	At  time.Time
}

// Delivery is the caller's handle on an enqueued payload.
type Delivery struct {
	ID         uuid.UUID
	Peer       identity.PeerID
	Payload    []byte
	EnqueuedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	once   sync.Once
	done   chan struct{}
	result Result
}

// newDelivery derives the delivery's context from parent so closing the
// queue aborts a transmission in progress.
func newDelivery(parent context.Context, peer identity.PeerID, payload []byte, now time.Time) *Delivery {
	ctx, cancel := context.WithCancel(parent)
	return &Delivery{
		ID:         uuid.New(),
		Peer:       peer,
		Payload:    payload,
		EnqueuedAt: now,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Done is closed once the delivery has a result.
func (d *Delivery) Done() <-chan struct{} { return d.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (d *Delivery) Result() Result {
	<-d.done
	return d.result
}

// Wait blocks until the delivery ends or ctx is done.
func (d *Delivery) Wait(ctx context.Context) (Result, error) {
	select {
	case <-d.done:
		return d.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel stops the delivery before its next attempt. A transmission
// already in progress is abandoned.
func (d *Delivery) Cancel() { d.cancel() }

func (d *Delivery) complete(r Result) bool {
	first := false
	d.once.Do(func() {
		d.result = r
		close(d.done)
		d.cancel()
		first = true
	})
	return first
}
