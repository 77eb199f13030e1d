package clock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/go-agentmesh/agentmesh/lib/util/logger"
	"github.com/samber/oops"
)

// maxOffset bounds the correction an NTP sample may apply.
const maxOffset = 10 * time.Minute

// NTPQuerier performs a single NTP query.
type NTPQuerier interface {
	QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error)
}

type defaultQuerier struct{}

func (defaultQuerier) QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error) {
	return ntp.QueryWithOptions(host, options)
}

// NTPConfig controls NTPClock sampling.
type NTPConfig struct {
	Servers  []string
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultNTPConfig returns the pool servers with a 30 minute resample interval.
func DefaultNTPConfig() NTPConfig {
	return NTPConfig{
		Servers:  []string{"0.pool.ntp.org", "1.pool.ntp.org", "2.pool.ntp.org"},
		Interval: 30 * time.Minute,
		Timeout:  5 * time.Second,
	}
}

// NTPClock is the host clock corrected by the median offset reported by
// the configured NTP servers.
type NTPClock struct {
	config  NTPConfig
	querier NTPQuerier

	mu     sync.RWMutex
	offset time.Duration
	synced bool
}

var _ Clock = (*NTPClock)(nil)

// NewNTPClock builds an NTPClock. A nil querier uses the network.
func NewNTPClock(config NTPConfig, querier NTPQuerier) *NTPClock {
	if querier == nil {
		querier = defaultQuerier{}
	}
	if config.Interval <= 0 {
		config.Interval = DefaultNTPConfig().Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultNTPConfig().Timeout
	}
	return &NTPClock{config: config, querier: querier}
}

func (c *NTPClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset)
}

// Offset returns the current correction and whether any sample succeeded.
func (c *NTPClock) Offset() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset, c.synced
}

// Sync queries every server once and applies the median valid offset.
func (c *NTPClock) Sync() error {
	var offsets []time.Duration
	for _, server := range c.config.Servers {
		resp, err := c.querier.QueryWithOptions(server, ntp.QueryOptions{Timeout: c.config.Timeout})
		if err != nil {
			log.WithError(err).WithField("server", server).Debug("NTP query failed")
			continue
		}
		if err := resp.Validate(); err != nil {
			log.WithError(err).WithField("server", server).Debug("NTP response failed validation")
			continue
		}
		if resp.ClockOffset > maxOffset || resp.ClockOffset < -maxOffset {
			log.WithFields(logger.Fields{
				"server": server,
				"offset": resp.ClockOffset,
			}).Warn("Ignoring NTP sample with excessive offset")
			continue
		}
		offsets = append(offsets, resp.ClockOffset)
	}
	if len(offsets) == 0 {
		return oops.Errorf("no usable NTP samples from %d servers", len(c.config.Servers))
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	median := offsets[len(offsets)/2]

	c.mu.Lock()
	c.offset = median
	c.synced = true
	c.mu.Unlock()
	log.WithField("offset", median).Debug("NTP clock synchronized")
	return nil
}

// Run resamples on the configured interval until ctx is done.
func (c *NTPClock) Run(ctx context.Context) {
	if err := c.Sync(); err != nil {
		log.WithError(err).Warn("Initial NTP sync failed, using host clock")
	}
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sync(); err != nil {
				log.WithError(err).Debug("NTP resync failed")
			}
		}
	}
}
