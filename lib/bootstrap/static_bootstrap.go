package bootstrap

import (
	"context"

	"github.com/go-agentmesh/agentmesh/lib/util/logger"
	"github.com/samber/oops"
)

// StaticBootstrap serves a fixed address list.
type StaticBootstrap struct {
	seeds   []string
	schemes []string
}

func NewStaticBootstrap(seeds, schemes []string) *StaticBootstrap {
	return &StaticBootstrap{seeds: seeds, schemes: schemes}
}

func (sb *StaticBootstrap) GetPeers(ctx context.Context, n int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, oops.Wrapf(err, "static bootstrap canceled")
	}
	stats := NewValidationStats()
	addrs := filterAddrs(sb.seeds, sb.schemes, stats)
	stats.LogSummary("static")
	if len(addrs) == 0 {
		return nil, oops.Wrapf(ErrNoSeeds, "static bootstrap: %d configured", len(sb.seeds))
	}
	log.WithFields(logger.Fields{
		"at":    "(StaticBootstrap) GetPeers",
		"count": len(addrs),
	}).Debug("loaded configured seeds")
	return limitAddrs(addrs, n), nil
}
