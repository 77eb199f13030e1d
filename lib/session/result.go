package session

import "fmt"

// Verdict is the outcome of validating one incoming sequence number.
type Verdict int

const (
	Accept Verdict = iota
	SequenceGap
	Replay
	NoSuchSession
	Expired
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "Accept"
	case SequenceGap:
		return "SequenceGap"
	case Replay:
		return "Replay"
	case NoSuchSession:
		return "NoSuchSession"
	case Expired:
		return "Expired"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// Result carries the verdict together with the counters that produced it.
type Result struct {
	Verdict  Verdict
	Expected uint64
	Received uint64
}

func classify(expected, received uint64) Result {
	r := Result{Expected: expected, Received: received}
	switch {
	case received == expected:
		r.Verdict = Accept
	case received < expected:
		r.Verdict = Replay
	default:
		r.Verdict = SequenceGap
	}
	return r
}
