package bootstrap

import "context"

// Bootstrap is a source of seed addresses.
type Bootstrap interface {
	// GetPeers returns at most n validated addresses, or all of them when
	// n is 0. It fails only when the source yields no usable address.
	GetPeers(ctx context.Context, n int) ([]string, error)
}

const (
	TypeAuto   = "auto"
	TypeFile   = "file"
	TypeStatic = "static"
)

// Config selects and parameterises the seed sources.
type Config struct {
	// Type is one of TypeAuto, TypeFile or TypeStatic.
	Type string
	// Seeds are addresses listed in the main configuration.
	Seeds []string
	// SeedsFile is a YAML seeds file; empty disables the file source.
	SeedsFile string
	// Schemes are the address schemes the local transports can dial.
	Schemes []string
}

func limitAddrs(addrs []string, n int) []string {
	if n > 0 && len(addrs) > n {
		return addrs[:n]
	}
	return addrs
}
