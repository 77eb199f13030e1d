package dht

import (
	"context"
	"sync"
	"time"

	"github.com/go-agentmesh/agentmesh/lib/record"
	"github.com/go-agentmesh/agentmesh/lib/util/logger"
	"github.com/samber/oops"
)

// RecordProvider supplies the local node's current signed record.
// Implementations should re-sign with a fresh IssuedAt on every call so
// republished records supersede older copies.
type RecordProvider interface {
	CurrentRecord() (*record.PeerRecord, error)
}

// PublisherConfig holds configuration for self-publication.
type PublisherConfig struct {
	// Interval is how often the local record is republished (default: 30 minutes)
	Interval time.Duration
}

// DefaultPublisherConfig returns the default publisher configuration.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{Interval: 30 * time.Minute}
}

// PublishStats summarizes one publication.
type PublishStats struct {
	Keys     int
	Replicas int
}

// Publisher keeps the local record discoverable: it stores the record
// under the node's own id and under the key of every capability it
// advertises, immediately on Start and then on every interval.
type Publisher struct {
	router   *Router
	provider RecordProvider
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPublisher creates a publisher that stores through router.
func NewPublisher(router *Router, provider RecordProvider, config PublisherConfig) *Publisher {
	if config.Interval <= 0 {
		config.Interval = DefaultPublisherConfig().Interval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		router:   router,
		provider: provider,
		interval: config.Interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins periodic publishing in a background goroutine.
func (p *Publisher) Start() error {
	if p.provider == nil {
		return oops.Errorf("record provider required for publishing")
	}
	log.WithField("interval", p.interval).Info("Starting record publisher")
	p.wg.Add(1)
	go p.loop()
	return nil
}

// Stop halts publishing and waits for an in-flight publication.
func (p *Publisher) Stop() {
	p.cancel()
	p.wg.Wait()
	log.Debug("Record publisher stopped")
}

func (p *Publisher) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.publishLogged()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.publishLogged()
		}
	}
}

func (p *Publisher) publishLogged() {
	stats, err := p.PublishNow(p.ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to publish local record")
		return
	}
	log.WithFields(logger.Fields{
		"at":       "(Publisher) publish",
		"keys":     stats.Keys,
		"replicas": stats.Replicas,
	}).Debug("published local record")
}

// PublishNow stores the current record under every key it belongs to.
func (p *Publisher) PublishNow(ctx context.Context) (PublishStats, error) {
	rec, err := p.provider.CurrentRecord()
	if err != nil {
		return PublishStats{}, oops.Wrapf(err, "failed to obtain local record")
	}
	keys := make([]Key, 0, len(rec.Capabilities)+1)
	keys = append(keys, rec.PeerID)
	for _, tag := range rec.Capabilities {
		keys = append(keys, record.CapabilityKey(tag))
	}

	var stats PublishStats
	for _, key := range keys {
		n, err := p.router.Store(ctx, key, rec)
		if err != nil {
			return stats, oops.Wrapf(err, "store under %s", key.Short())
		}
		stats.Keys++
		stats.Replicas += n
	}
	return stats, nil
}
