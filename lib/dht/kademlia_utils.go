package dht

import (
	"bytes"
	"crypto/rand"
	"math/bits"
	"sort"

	"github.com/go-agentmesh/agentmesh/lib/identity"
	"github.com/go-agentmesh/agentmesh/lib/record"
)

// Key is a position in the DHT key space.
type Key = identity.PeerID

// XORDistance returns a XOR b.
func XORDistance(a, b Key) Key {
	var d Key
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CompareDistance orders a and b by distance to target: negative when a is
// closer, zero when equal, positive when b is closer.
func CompareDistance(target, a, b Key) int {
	da, db := XORDistance(target, a), XORDistance(target, b)
	return bytes.Compare(da[:], db[:])
}

// CommonPrefixLen counts the leading bits a and b share.
func CommonPrefixLen(a, b Key) int {
	for i := range a {
		if x := a[i] ^ b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return len(a) * 8
}

// SortByDistance orders records by distance to target, closest first.
func SortByDistance(target Key, recs []*record.PeerRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return CompareDistance(target, recs[i].PeerID, recs[j].PeerID) < 0
	})
}

// randomKeyWithPrefix returns a random key sharing exactly prefixLen
// leading bits with base.
func randomKeyWithPrefix(base Key, prefixLen int) Key {
	var k Key
	_, _ = rand.Read(k[:])
	if prefixLen >= len(base)*8 {
		return base
	}
	full := prefixLen / 8
	copy(k[:full], base[:full])
	bit := uint(prefixLen % 8)
	// keep the shared bits of the partial byte, then force the next bit to differ
	mask := byte(0xff << (8 - bit))
	k[full] = (base[full] & mask) | (k[full] &^ mask)
	flip := byte(0x80 >> bit)
	k[full] = (k[full] &^ flip) | (^base[full] & flip)
	return k
}
