package bootstrap

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSchemes = []string{"quic", "mem"}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		addr    string
		wantErr error
	}{
		{"quic://203.0.113.7:7450", nil},
		{"quic://[2001:db8::1]:7450", nil},
		{"quic://seed.example.org:7450", nil},
		{"mem://agent-1", nil},
		{"203.0.113.7:7450", ErrInvalidAddress},
		{"tcp://203.0.113.7:7450", ErrUnknownScheme},
		{"quic://203.0.113.7", ErrInvalidAddress},
		{"quic://:7450", ErrInvalidAddress},
		{"quic://203.0.113.7:0", ErrInvalidAddress},
		{"quic://203.0.113.7:70000", ErrInvalidAddress},
		{"mem://", ErrInvalidAddress},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			err := ValidateAddress(tt.addr, testSchemes)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestStaticBootstrapFiltersAndLimits(t *testing.T) {
	sb := NewStaticBootstrap([]string{
		"quic://203.0.113.7:7450",
		" quic://203.0.113.7:7450 ",
		"tcp://203.0.113.8:7450",
		"quic://198.51.100.2:7450",
	}, testSchemes)

	peers, err := sb.GetPeers(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"quic://203.0.113.7:7450", "quic://198.51.100.2:7450"}, peers)

	peers, err = sb.GetPeers(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, peers, 1)
}

func TestStaticBootstrapEmpty(t *testing.T) {
	_, err := NewStaticBootstrap(nil, testSchemes).GetPeers(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNoSeeds)
}

func TestFileBootstrapRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seeds.yaml")
	require.NoError(t, WriteSeedsFile(path, []SeedEntry{
		{Address: "quic://203.0.113.7:7450", Note: "eu-west"},
		{Address: "not an address"},
	}))

	peers, err := NewFileBootstrap(path, testSchemes).GetPeers(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"quic://203.0.113.7:7450"}, peers)
}

func TestFileBootstrapMissingFile(t *testing.T) {
	_, err := NewFileBootstrap(filepath.Join(t.TempDir(), "none.yaml"), testSchemes).GetPeers(context.Background(), 0)
	assert.Error(t, err)
}

func TestCompositeAutoMergesSources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seeds.yaml")
	require.NoError(t, WriteSeedsFile(path, []SeedEntry{
		{Address: "quic://203.0.113.7:7450"},
		{Address: "quic://198.51.100.2:7450"},
	}))
	cb := NewCompositeBootstrap(Config{
		Seeds:     []string{"quic://198.51.100.2:7450", "mem://local"},
		SeedsFile: path,
		Schemes:   testSchemes,
	})

	peers, err := cb.GetPeers(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"quic://203.0.113.7:7450",
		"quic://198.51.100.2:7450",
		"mem://local",
	}, peers)
}

func TestCompositeAutoSurvivesBrokenFile(t *testing.T) {
	cb := NewCompositeBootstrap(Config{
		Seeds:     []string{"mem://local"},
		SeedsFile: filepath.Join(t.TempDir(), "missing.yaml"),
		Schemes:   testSchemes,
	})
	peers, err := cb.GetPeers(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"mem://local"}, peers)
}

func TestCompositeFileOnlyWithoutPath(t *testing.T) {
	cb := NewCompositeBootstrap(Config{Type: TypeFile, Seeds: []string{"mem://local"}})
	_, err := cb.GetPeers(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no seeds file is configured")
}

func TestCompositeNothingUsable(t *testing.T) {
	cb := NewCompositeBootstrap(Config{Schemes: testSchemes})
	_, err := cb.GetPeers(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNoSeeds)
}

func TestCompositeUnknownType(t *testing.T) {
	_, err := NewCompositeBootstrap(Config{Type: "dns"}).GetPeers(context.Background(), 0)
	assert.Error(t, err)
}
