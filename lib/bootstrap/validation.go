package bootstrap

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/go-agentmesh/agentmesh/lib/transport"
	"github.com/go-agentmesh/agentmesh/lib/util/logger"
)

var (
	ErrNoSeeds        = errors.New("no usable seed addresses")
	ErrUnknownScheme  = errors.New("unsupported address scheme")
	ErrInvalidAddress = errors.New("invalid seed address")
)

// ValidationStats tracks accepted and rejected seed addresses.
type ValidationStats struct {
	TotalProcessed int
	Valid          int
	Invalid        int
	Duplicates     int
	InvalidReasons map[string]int
}

func NewValidationStats() *ValidationStats {
	return &ValidationStats{InvalidReasons: make(map[string]int)}
}

func (vs *ValidationStats) RecordValid() {
	vs.TotalProcessed++
	vs.Valid++
}

func (vs *ValidationStats) RecordInvalid(reason string) {
	vs.TotalProcessed++
	vs.Invalid++
	vs.InvalidReasons[reason]++
}

func (vs *ValidationStats) RecordDuplicate() {
	vs.TotalProcessed++
	vs.Duplicates++
}

// ValidityRate is the percentage of processed addresses that were valid.
func (vs *ValidationStats) ValidityRate() float64 {
	if vs.TotalProcessed == 0 {
		return 0.0
	}
	return float64(vs.Valid) / float64(vs.TotalProcessed) * 100.0
}

func (vs *ValidationStats) LogSummary(phase string) {
	entry := log.WithFields(logger.Fields{
		"at":              "ValidationStats.LogSummary",
		"phase":           phase,
		"total_processed": vs.TotalProcessed,
		"valid":           vs.Valid,
		"invalid":         vs.Invalid,
		"duplicates":      vs.Duplicates,
		"validity_rate":   fmt.Sprintf("%.1f%%", vs.ValidityRate()),
	})
	if vs.Invalid > 0 {
		entry.WithField("reasons", vs.InvalidReasons).Warn("dropped invalid seed addresses")
		return
	}
	entry.Debug("seed validation complete")
}

// ValidateAddress checks that addr uses one of schemes and, for network
// schemes, carries a host and a port in 1-65535. Memory addresses only
// need a non-empty name.
func ValidateAddress(addr string, schemes []string) error {
	scheme := transport.SchemeOf(addr)
	if scheme == "" {
		return fmt.Errorf("%w: %q has no scheme", ErrInvalidAddress, addr)
	}
	if len(schemes) > 0 && !slices.Contains(schemes, scheme) {
		return fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
	host := transport.HostOf(addr)
	if scheme == transport.MemoryScheme {
		if host == "" {
			return fmt.Errorf("%w: %q has no name", ErrInvalidAddress, addr)
		}
		return nil
	}
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if h == "" {
		return fmt.Errorf("%w: %q has no host", ErrInvalidAddress, addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("%w: port %q out of range", ErrInvalidAddress, port)
	}
	return nil
}

// filterAddrs trims, validates and deduplicates addrs in order.
func filterAddrs(addrs, schemes []string, stats *ValidationStats) []string {
	seen := make(map[string]bool, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if seen[a] {
			stats.RecordDuplicate()
			continue
		}
		if err := ValidateAddress(a, schemes); err != nil {
			stats.RecordInvalid(reasonOf(err))
			continue
		}
		seen[a] = true
		stats.RecordValid()
		out = append(out, a)
	}
	return out
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, ErrUnknownScheme):
		return "unknown_scheme"
	default:
		return "malformed"
	}
}
