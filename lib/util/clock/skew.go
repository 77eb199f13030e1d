package clock

import (
	"errors"
	"time"

	"github.com/samber/oops"
)

// ErrClockSkew is returned when a timestamp falls outside the accepted window.
var ErrClockSkew = errors.New("timestamp outside tolerance")

// ValidateSkew checks that ts is within ±tolerance of c.Now().
//
// A zero timestamp and a non-positive tolerance are always rejected.
func ValidateSkew(c Clock, ts time.Time, tolerance time.Duration) error {
	if tolerance <= 0 {
		return oops.Errorf("clock skew: tolerance must be positive, got %s", tolerance)
	}
	if ts.IsZero() {
		return oops.Wrapf(ErrClockSkew, "zero timestamp")
	}
	now := OrSystem(c).Now()
	skew := now.Sub(ts)
	if skew > tolerance {
		return oops.Wrapf(ErrClockSkew, "timestamp is %s in the past (max %s)", skew, tolerance)
	}
	if skew < -tolerance {
		return oops.Wrapf(ErrClockSkew, "timestamp is %s in the future (max %s)", -skew, tolerance)
	}
	return nil
}
