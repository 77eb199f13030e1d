package identity

import (
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"

	"github.com/go-agentmesh/agentmesh/lib/util/logger"
	"github.com/samber/oops"
)

// Keystore persists a single identity key under dir/name.key.
type Keystore struct {
	dir  string
	name string
}

// NewKeystore returns a keystore rooted at dir. An empty name becomes "node".
func NewKeystore(dir, name string) *Keystore {
	if name == "" {
		name = "node"
	}
	return &Keystore{dir: dir, name: name}
}

// Path is the file the key lives in.
func (ks *Keystore) Path() string {
	return filepath.Join(ks.dir, ks.name+".key")
}

// LoadOrCreate loads the stored identity, generating and storing a new one
// only when no key file exists. A corrupt key file is an error, never a
// silent regeneration.
func (ks *Keystore) LoadOrCreate() (*Identity, error) {
	id, err := ks.Load()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	id, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := ks.Store(id); err != nil {
		return nil, err
	}
	log.WithFields(logger.Fields{
		"at":      "(Keystore) LoadOrCreate",
		"peer_id": id.ID().Short(),
		"path":    ks.Path(),
	}).Info("Generated new identity")
	return id, nil
}

// Load reads the key file. A missing file yields an error wrapping os.ErrNotExist.
func (ks *Keystore) Load() (*Identity, error) {
	keyData, err := os.ReadFile(ks.Path())
	if err != nil {
		return nil, oops.Wrapf(err, "failed to read identity key")
	}
	if len(keyData) != ed25519.PrivateKeySize {
		return nil, oops.Errorf("invalid key length %d in %s", len(keyData), ks.Path())
	}
	return FromPrivateKey(ed25519.PrivateKey(keyData))
}

// Store writes the private key with owner-only permissions.
func (ks *Keystore) Store(id *Identity) error {
	if err := os.MkdirAll(ks.dir, 0o700); err != nil {
		return oops.Wrapf(err, "failed to create keystore directory %s", ks.dir)
	}
	tmp := ks.Path() + ".tmp"
	if err := os.WriteFile(tmp, id.PrivateKey(), 0o600); err != nil {
		return oops.Wrapf(err, "failed to write identity key")
	}
	if err := os.Rename(tmp, ks.Path()); err != nil {
		_ = os.Remove(tmp)
		return oops.Wrapf(err, "failed to move identity key into place")
	}
	return nil
}
