// Package delivery queues outgoing payloads per destination and retries
// them with exponential backoff.
//
// Each destination has a FIFO queue drained by one worker, which hands
// messages to a Transmitter one at a time. A failed transmission is
// retried after an exponentially growing, jittered delay until
// Config.MaxAttempts is reached, at which point the delivery ends as a
// dead letter. Every Delivery ends with exactly one Result, reported on its
// handle and on the queue's Results channel.
//
// A CircuitBreaker per destination opens after BreakerThreshold
// consecutive failures. While open, attempts to that destination fail
// without reaching the transmitter and the next retry is pushed past the
// cooldown; after the cooldown a single probe is let through.
package delivery
