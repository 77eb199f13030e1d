package dht

import (
	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/go-agentmesh/agentmesh/lib/record"
	"github.com/go-agentmesh/agentmesh/lib/util/logger"
	"github.com/samber/oops"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Persister keeps routing table and value store contents across restarts.
type Persister interface {
	SavePeer(rec *record.PeerRecord) error
	DeletePeer(id identity.PeerID) error
	SaveValue(key Key, rec *record.PeerRecord) error
	DeleteValue(key Key, id identity.PeerID) error
	// Load visits every persisted peer record and every persisted value.
	Load(peer func(*record.PeerRecord), value func(Key, *record.PeerRecord)) error
	Close() error
}

var (
	peerPrefix  = []byte("p/")
	valuePrefix = []byte("v/")
)

// LevelPersister stores records in a LevelDB database.
type LevelPersister struct {
	db *leveldb.DB
}

var _ Persister = (*LevelPersister)(nil)

// OpenLevelPersister opens (creating if needed) the database at path.
func OpenLevelPersister(path string) (*LevelPersister, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, oops.Wrapf(err, "open record database %s", path)
	}
	return &LevelPersister{db: db}, nil
}

// NewMemoryPersister is a LevelPersister backed by memory, for tests.
func NewMemoryPersister() (*LevelPersister, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, oops.Wrapf(err, "open in-memory record database")
	}
	return &LevelPersister{db: db}, nil
}

func peerKey(id identity.PeerID) []byte {
	return append(append([]byte{}, peerPrefix...), id[:]...)
}

func valueKey(key Key, id identity.PeerID) []byte {
	k := append(append([]byte{}, valuePrefix...), key[:]...)
	return append(k, id[:]...)
}

func (p *LevelPersister) SavePeer(rec *record.PeerRecord) error {
	data, err := rec.Marshal()
	if err != nil {
		return err
	}
	return p.db.Put(peerKey(rec.PeerID), data, nil)
}

func (p *LevelPersister) DeletePeer(id identity.PeerID) error {
	return p.db.Delete(peerKey(id), nil)
}

func (p *LevelPersister) SaveValue(key Key, rec *record.PeerRecord) error {
	data, err := rec.Marshal()
	if err != nil {
		return err
	}
	return p.db.Put(valueKey(key, rec.PeerID), data, nil)
}

func (p *LevelPersister) DeleteValue(key Key, id identity.PeerID) error {
	return p.db.Delete(valueKey(key, id), nil)
}

func (p *LevelPersister) Load(peer func(*record.PeerRecord), value func(Key, *record.PeerRecord)) error {
	it := p.db.NewIterator(util.BytesPrefix(peerPrefix), nil)
	for it.Next() {
		rec, err := record.Unmarshal(it.Value())
		if err != nil {
			log.WithFields(logger.Fields{
				"at":     "(LevelPersister) Load",
				"reason": err.Error(),
			}).Warn("skipping corrupt peer record")
			continue
		}
		peer(rec)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return oops.Wrapf(err, "iterate peer records")
	}

	it = p.db.NewIterator(util.BytesPrefix(valuePrefix), nil)
	defer it.Release()
	for it.Next() {
		k := it.Key()
		if len(k) != len(valuePrefix)+2*identity.PeerIDSize {
			continue
		}
		var key Key
		copy(key[:], k[len(valuePrefix):])
		rec, err := record.Unmarshal(it.Value())
		if err != nil {
			log.WithFields(logger.Fields{
				"at":     "(LevelPersister) Load",
				"reason": err.Error(),
			}).Warn("skipping corrupt stored value")
			continue
		}
		value(key, rec)
	}
	if err := it.Error(); err != nil {
		return oops.Wrapf(err, "iterate stored values")
	}
	return nil
}

func (p *LevelPersister) Close() error {
	return p.db.Close()
}
