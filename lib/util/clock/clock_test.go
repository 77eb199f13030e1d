package clock

import (
	"errors"
	"testing"
	"time"

	"github.com/beevik/ntp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualClock(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	m := NewManual(start)
	assert.Equal(t, start, m.Now())
	m.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute), m.Now())
	m.Set(start)
	assert.Equal(t, start, m.Now())
}

func TestOrSystem(t *testing.T) {
	assert.IsType(t, System{}, OrSystem(nil))
	m := NewManual(time.Now())
	assert.Same(t, m, OrSystem(m))
}

func TestValidateSkew(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewManual(now)

	assert.NoError(t, ValidateSkew(m, now, time.Minute))
	assert.NoError(t, ValidateSkew(m, now.Add(-59*time.Second), time.Minute))
	assert.NoError(t, ValidateSkew(m, now.Add(59*time.Second), time.Minute))

	err := ValidateSkew(m, now.Add(-2*time.Minute), time.Minute)
	assert.ErrorIs(t, err, ErrClockSkew)
	err = ValidateSkew(m, now.Add(2*time.Minute), time.Minute)
	assert.ErrorIs(t, err, ErrClockSkew)
	assert.ErrorIs(t, ValidateSkew(m, time.Time{}, time.Minute), ErrClockSkew)
	assert.Error(t, ValidateSkew(m, now, 0))
}

type fakeQuerier struct {
	offsets map[string]time.Duration
}

func (f *fakeQuerier) QueryWithOptions(host string, _ ntp.QueryOptions) (*ntp.Response, error) {
	off, ok := f.offsets[host]
	if !ok {
		return nil, errors.New("unreachable")
	}
	now := time.Now().Add(off)
	return &ntp.Response{
		ClockOffset:    off,
		Stratum:        2,
		Leap:           ntp.LeapNoWarning,
		Time:           now,
		ReferenceTime:  now.Add(-time.Second),
		RTT:            10 * time.Millisecond,
		RootDelay:      time.Millisecond,
		RootDispersion: time.Millisecond,
	}, nil
}

func TestNTPClockMedian(t *testing.T) {
	q := &fakeQuerier{offsets: map[string]time.Duration{
		"a": 1 * time.Second,
		"b": 3 * time.Second,
		"c": 2 * time.Second,
	}}
	c := NewNTPClock(NTPConfig{Servers: []string{"a", "b", "c", "down"}}, q)
	require.NoError(t, c.Sync())
	off, synced := c.Offset()
	assert.True(t, synced)
	assert.Equal(t, 2*time.Second, off)
	assert.WithinDuration(t, time.Now().Add(2*time.Second), c.Now(), time.Second)
}

func TestNTPClockNoSamples(t *testing.T) {
	c := NewNTPClock(NTPConfig{Servers: []string{"down"}}, &fakeQuerier{})
	assert.Error(t, c.Sync())
	_, synced := c.Offset()
	assert.False(t, synced)
}

func TestNTPClockRejectsExcessiveOffset(t *testing.T) {
	q := &fakeQuerier{offsets: map[string]time.Duration{"far": time.Hour}}
	c := NewNTPClock(NTPConfig{Servers: []string{"far"}}, q)
	assert.Error(t, c.Sync())
}
