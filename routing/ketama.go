package routing

import (
	"cmp"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/slices"
)

const ketamaPointsPerHash = 4
const ketamaHashesPerNode = 40

// KetamaEntry is a single point on the continuum.
type KetamaEntry struct {
	Point uint32
	Index int
}

// KetamaContinuum is the consistent hashing ring used by memcached buckets.
// Node indexes refer to the order of the addresses it was built from.
type KetamaContinuum struct {
	entries []KetamaEntry
}

func ketamaDigest(data []byte) [md5.Size]byte {
	return md5.Sum(data)
}

// NewKetamaContinuum builds a continuum with 160 points for every address.
func NewKetamaContinuum(addresses []string) *KetamaContinuum {
	entries := make([]KetamaEntry, 0, len(addresses)*ketamaHashesPerNode*ketamaPointsPerHash)

	for nodeIdx, address := range addresses {
		for hashIdx := 0; hashIdx < ketamaHashesPerNode; hashIdx++ {
			digest := ketamaDigest([]byte(fmt.Sprintf("%s-%d", address, hashIdx)))

			for pointIdx := 0; pointIdx < ketamaPointsPerHash; pointIdx++ {
				entries = append(entries, KetamaEntry{
					Point: binary.LittleEndian.Uint32(digest[pointIdx*4:]),
					Index: nodeIdx,
				})
			}
		}
	}

	slices.SortStableFunc(entries, func(a, b KetamaEntry) int {
		return cmp.Compare(a.Point, b.Point)
	})

	return &KetamaContinuum{
		entries: entries,
	}
}

func (k *KetamaContinuum) IsValid() bool {
	return k != nil && len(k.entries) > 0
}

// Entries returns the sorted points of the continuum.
func (k *KetamaContinuum) Entries() []KetamaEntry {
	return k.entries
}

// Hash computes the continuum hash of a key.
func (k *KetamaContinuum) Hash(key []byte) uint32 {
	digest := ketamaDigest(key)
	return binary.LittleEndian.Uint32(digest[0:4])
}

// NodeByHash returns the node owning the first point at or after hash,
// wrapping to the first point when hash is beyond the last one.
func (k *KetamaContinuum) NodeByHash(hash uint32) (int, error) {
	if len(k.entries) == 0 {
		return 0, ErrNoNodes
	}

	idx := sort.Search(len(k.entries), func(i int) bool {
		return k.entries[i].Point >= hash
	})
	if idx == len(k.entries) {
		idx = 0
	}

	return k.entries[idx].Index, nil
}

func (k *KetamaContinuum) NodeByKey(key []byte) (int, error) {
	return k.NodeByHash(k.Hash(key))
}

func (k *KetamaContinuum) DebugString() string {
	var out strings.Builder
	out.WriteString("ketama map: [")
	for i, entry := range k.entries {
		if i > 0 {
			out.WriteByte(',')
		}
		fmt.Fprintf(&out, "[%d,%d]", entry.Index, entry.Point)
	}
	out.WriteByte(']')
	return out.String()
}
