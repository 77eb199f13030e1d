package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-agentmesh/agentmesh/lib/util/logger"
)

// CompositeBootstrap dispatches to the sources selected by Config.Type.
// In auto mode the seeds file comes first, then the configured list, and
// the results are merged.
type CompositeBootstrap struct {
	fileBootstrap   *FileBootstrap
	staticBootstrap *StaticBootstrap
	config          Config
}

func NewCompositeBootstrap(cfg Config) *CompositeBootstrap {
	if cfg.Type == "" {
		cfg.Type = TypeAuto
	}
	cb := &CompositeBootstrap{
		staticBootstrap: NewStaticBootstrap(cfg.Seeds, cfg.Schemes),
		config:          cfg,
	}
	if cfg.SeedsFile != "" {
		cb.fileBootstrap = NewFileBootstrap(cfg.SeedsFile, cfg.Schemes)
	}
	return cb
}

func (cb *CompositeBootstrap) GetPeers(ctx context.Context, n int) ([]string, error) {
	log.WithFields(logger.Fields{
		"at":   "(CompositeBootstrap) GetPeers",
		"type": cb.config.Type,
	}).Debug("collecting seeds")

	switch cb.config.Type {
	case TypeFile:
		if cb.fileBootstrap == nil {
			return nil, fmt.Errorf("bootstrap type %q but no seeds file is configured", TypeFile)
		}
		peers, err := cb.fileBootstrap.GetPeers(ctx, n)
		if err != nil {
			return nil, fmt.Errorf("file bootstrap failed: %w", err)
		}
		return peers, nil
	case TypeStatic:
		return cb.staticBootstrap.GetPeers(ctx, n)
	case TypeAuto:
		return cb.getPeersAuto(ctx, n)
	default:
		return nil, fmt.Errorf("unknown bootstrap type %q", cb.config.Type)
	}
}

func (cb *CompositeBootstrap) getPeersAuto(ctx context.Context, n int) ([]string, error) {
	var merged []string
	var errs []error
	if cb.fileBootstrap != nil {
		peers, err := cb.fileBootstrap.GetPeers(ctx, 0)
		if err != nil {
			log.WithError(err).Warn("seeds file unusable, continuing with configured seeds")
			errs = append(errs, err)
		}
		merged = append(merged, peers...)
	}
	peers, err := cb.staticBootstrap.GetPeers(ctx, 0)
	if err != nil {
		errs = append(errs, err)
	}
	merged = append(merged, peers...)

	stats := NewValidationStats()
	merged = filterAddrs(merged, cb.config.Schemes, stats)
	if len(merged) == 0 {
		return nil, fmt.Errorf("all bootstrap sources failed: %w", errors.Join(append(errs, ErrNoSeeds)...))
	}
	log.WithField("count", len(merged)).Info("collected seeds")
	return limitAddrs(merged, n), nil
}
