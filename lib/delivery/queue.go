package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/go-agentmesh/agentmesh/lib/util/clock"
	"github.com/go-agentmesh/agentmesh/lib/util/logger"
	"github.com/samber/oops"
)

// Transmitter performs one delivery attempt: session setup, sealing,
// sending and waiting for the acknowledgement. It must honour ctx.
type Transmitter interface {
	Transmit(ctx context.Context, peer identity.PeerID, payload []byte) error
}

// Config tunes retries, queues and circuit breaking.
type Config struct {
	// MaxAttempts caps transmissions per delivery, the first included.
	MaxAttempts int
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// MaxInterval caps the delay between retries.
	MaxInterval time.Duration
	// Multiplier grows the delay after each failure.
	Multiplier float64
	// RandomizationFactor is the jitter applied to each delay.
	RandomizationFactor float64
	// AttemptTimeout bounds a single transmission.
	AttemptTimeout time.Duration
	// QueueSize bounds pending deliveries per destination.
	QueueSize int
	// BreakerThreshold is the number of consecutive failures that opens a
	// destination's circuit.
	BreakerThreshold int
	// BreakerCooldown is how long an open circuit short-circuits attempts.
	BreakerCooldown time.Duration
	// ResultBuffer sizes the Results channel.
	ResultBuffer int
}

// DefaultConfig returns 5 attempts starting at 500ms.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:         5,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
		AttemptTimeout:      15 * time.Second,
		QueueSize:           256,
		BreakerThreshold:    5,
		BreakerCooldown:     30 * time.Second,
		ResultBuffer:        256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.RandomizationFactor < 0 || c.RandomizationFactor > 1 {
		c.RandomizationFactor = d.RandomizationFactor
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = d.BreakerCooldown
	}
	if c.ResultBuffer <= 0 {
		c.ResultBuffer = d.ResultBuffer
	}
	return c
}

// destination is the FIFO queue for one peer. A worker goroutine runs
// while it has items. An idle destination with a quiet breaker is dropped
// from the queue's map.
type destination struct {
	peer    identity.PeerID
	breaker *CircuitBreaker

	mu      sync.Mutex
	items   []*Delivery
	running bool
}

// Queue is the delivery engine.
type Queue struct {
	config Config
	tx     Transmitter
	clock  clock.Clock

	mu     sync.Mutex
	dests  map[identity.PeerID]*destination
	closed bool

	results chan Result
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewQueue creates a queue that transmits through tx.
func NewQueue(tx Transmitter, c clock.Clock, config Config) *Queue {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		config:  config,
		tx:      tx,
		clock:   clock.OrSystem(c),
		dests:   make(map[identity.PeerID]*destination),
		results: make(chan Result, config.ResultBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Results reports every finished delivery once.
func (q *Queue) Results() <-chan Result { return q.results }

// Enqueue appends payload to peer's queue and returns its handle.
func (q *Queue) Enqueue(peer identity.PeerID, payload []byte) (*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	dest := q.destinationLocked(peer)

	d := newDelivery(q.ctx, peer, payload, q.clock.Now())
	dest.mu.Lock()
	if len(dest.items) >= q.config.QueueSize {
		dest.mu.Unlock()
		return nil, oops.Wrapf(ErrQueueFull, "%d pending for %s", q.config.QueueSize, peer.Short())
	}
	dest.items = append(dest.items, d)
	start := !dest.running
	dest.running = true
	dest.mu.Unlock()

	if start {
		q.wg.Add(1)
		go q.work(dest)
	}
	log.WithFields(logger.Fields{
		"at":          "(Queue) Enqueue",
		"delivery_id": d.ID,
		"peer":        peer.Short(),
		"bytes":       len(payload),
	}).Debug("delivery enqueued")
	return d, nil
}

func (q *Queue) destinationLocked(peer identity.PeerID) *destination {
	dest, ok := q.dests[peer]
	if !ok {
		dest = &destination{
			peer:    peer,
			breaker: NewCircuitBreaker(q.config.BreakerThreshold, q.config.BreakerCooldown, q.clock),
		}
		q.dests[peer] = dest
	}
	return dest
}

// Pending counts queued deliveries for peer, including one in progress.
func (q *Queue) Pending(peer identity.PeerID) int {
	q.mu.Lock()
	dest, ok := q.dests[peer]
	q.mu.Unlock()
	if !ok {
		return 0
	}
	dest.mu.Lock()
	defer dest.mu.Unlock()
	return len(dest.items)
}

// BreakerState returns peer's circuit state.
func (q *Queue) BreakerState(peer identity.PeerID) BreakerState {
	q.mu.Lock()
	dest, ok := q.dests[peer]
	q.mu.Unlock()
	if !ok {
		return BreakerClosed
	}
	return dest.breaker.State()
}

// ResetBreaker closes peer's circuit, for example when liveness probing
// shows the peer is back.
func (q *Queue) ResetBreaker(peer identity.PeerID) {
	q.mu.Lock()
	dest, ok := q.dests[peer]
	q.mu.Unlock()
	if ok {
		dest.breaker.Reset()
	}
}

func (q *Queue) work(dest *destination) {
	defer q.wg.Done()
	for {
		dest.mu.Lock()
		if len(dest.items) == 0 {
			dest.mu.Unlock()
			if q.retire(dest) {
				return
			}
			continue
		}
		d := dest.items[0]
		dest.mu.Unlock()

		q.finish(d, q.deliver(dest, d))

		dest.mu.Lock()
		dest.items = dest.items[1:]
		dest.mu.Unlock()
	}
}

// retire stops dest's worker unless an Enqueue raced in. Lock order is
// q.mu then dest.mu, as in Enqueue.
func (q *Queue) retire(dest *destination) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	dest.mu.Lock()
	defer dest.mu.Unlock()
	if len(dest.items) > 0 {
		return false
	}
	dest.running = false
	if dest.breaker.idle() && q.dests[dest.peer] == dest {
		delete(q.dests, dest.peer)
	}
	return true
}

func (q *Queue) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.config.InitialInterval
	b.MaxInterval = q.config.MaxInterval
	b.Multiplier = q.config.Multiplier
	b.RandomizationFactor = q.config.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(q.config.MaxAttempts-1))
}

// deliver runs the attempt loop for d.
func (q *Queue) deliver(dest *destination, d *Delivery) Result {
	res := Result{ID: d.ID, Peer: d.Peer}
	b := q.newBackOff()
	for {
		if d.ctx.Err() != nil || q.ctx.Err() != nil {
			res.Outcome = Cancelled
			res.Err = ErrCancelled
			return res
		}
		res.Attempts++
		err := q.attempt(dest, d)
		if err == nil {
			res.Outcome = Delivered
			res.Err = nil
			return res
		}
		res.Err = err
		if d.ctx.Err() != nil {
			res.Outcome = Cancelled
			res.Err = ErrCancelled
			return res
		}
		if isPermanent(err) {
			res.Outcome = DeadLetter
			return res
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			res.Outcome = DeadLetter
			return res
		}
		if retryAfter := dest.breaker.RetryAfter(); retryAfter > wait {
			wait = retryAfter
		}
		log.WithFields(logger.Fields{
			"at":          "(Queue) deliver",
			"reason":      err.Error(),
			"delivery_id": d.ID,
			"peer":        d.Peer.Short(),
			"attempt":     res.Attempts,
			"retry_in":    wait,
		}).Debug("delivery attempt failed")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-d.ctx.Done():
			timer.Stop()
		case <-q.ctx.Done():
			timer.Stop()
		}
	}
}

func (q *Queue) attempt(dest *destination, d *Delivery) error {
	if ok, retryAfter := dest.breaker.Allow(); !ok {
		return oops.Wrapf(ErrCircuitOpen, "retry after %s", retryAfter)
	}
	ctx, cancel := context.WithTimeout(d.ctx, q.config.AttemptTimeout)
	defer cancel()
	err := q.tx.Transmit(ctx, d.Peer, d.Payload)
	if err == nil || isPermanent(err) {
		dest.breaker.Success()
	} else {
		dest.breaker.Failure()
	}
	return err
}

func (q *Queue) finish(d *Delivery, res Result) {
	res.At = q.clock.Now()
	if !d.complete(res) {
		return
	}
	fields := logger.Fields{
		"at":          "(Queue) finish",
		"delivery_id": d.ID,
		"peer":        d.Peer.Short(),
		"outcome":     res.Outcome.String(),
		"attempts":    res.Attempts,
	}
	if res.Outcome == DeadLetter {
		log.WithFields(fields).WithError(res.Err).Warn("delivery dead-lettered")
	} else {
		log.WithFields(fields).Debug("delivery finished")
	}
	select {
	case q.results <- res:
	default:
		log.WithFields(fields).Warn("results channel full, result only available on the handle")
	}
}

// Close cancels pending deliveries and waits for the workers to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}
