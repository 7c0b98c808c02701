package routing

import (
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/pkg/errors"
)

// VbucketMap maps vbuckets to the indexes of the servers which own them.
// Index 0 of every entry is the active server, the rest are replicas.  A
// server index of -1 means that no server currently owns that copy.
type VbucketMap struct {
	entries     [][]int
	numReplicas int
}

// NewVbucketMap creates a map from the vBucketMap entries of a bucket config.
func NewVbucketMap(entries [][]int, numReplicas int) *VbucketMap {
	return &VbucketMap{
		entries:     entries,
		numReplicas: numReplicas,
	}
}

// MaxVbuckets is the largest number of vbuckets addressable by the 16-bit
// vbucket id of the protocol.
const MaxVbuckets = 1 << 16

// IsValid returns whether the map has between 1 and MaxVbuckets vbuckets
// and all entries have the same number of copies.
func (vbMap *VbucketMap) IsValid() bool {
	if vbMap == nil || len(vbMap.entries) == 0 || len(vbMap.entries[0]) == 0 {
		return false
	}
	if len(vbMap.entries) > MaxVbuckets {
		return false
	}

	entryLen := len(vbMap.entries[0])
	for _, entry := range vbMap.entries {
		if len(entry) != entryLen {
			return false
		}
	}

	return true
}

func (vbMap *VbucketMap) NumVbuckets() int {
	return len(vbMap.entries)
}

func (vbMap *VbucketMap) NumReplicas() int {
	return vbMap.numReplicas
}

// VbucketByKey returns the vbucket a key belongs to.
func (vbMap *VbucketMap) VbucketByKey(key []byte) uint16 {
	crc := crc32.ChecksumIEEE(key)
	crcMidBits := (crc >> 16) & 0x7fff
	return uint16(crcMidBits % uint32(len(vbMap.entries)))
}

// NodeByVbucket returns the server index which holds the given copy of a
// vbucket.
func (vbMap *VbucketMap) NodeByVbucket(vbID uint16, replicaID uint32) (int, error) {
	if int(vbID) >= len(vbMap.entries) {
		return 0, errors.Wrapf(ErrInvalidVBucket, "vbucket %d out of range (%d vbuckets)", vbID, len(vbMap.entries))
	}

	entry := vbMap.entries[vbID]
	if int(replicaID) >= len(entry) {
		return 0, errors.Wrapf(ErrInvalidReplica, "replica %d out of range for vbucket %d", replicaID, vbID)
	}

	serverIdx := entry[replicaID]
	if serverIdx < 0 {
		return 0, errors.Wrapf(ErrInvalidReplica, "replica %d of vbucket %d has no owner", replicaID, vbID)
	}

	return serverIdx, nil
}

// NodeByKey returns the vbucket for a key along with the server index
// holding the given copy of it.
func (vbMap *VbucketMap) NodeByKey(key []byte, replicaID uint32) (uint16, int, error) {
	vbID := vbMap.VbucketByKey(key)
	serverIdx, err := vbMap.NodeByVbucket(vbID, replicaID)
	if err != nil {
		return vbID, 0, err
	}
	return vbID, serverIdx, nil
}

// VbucketsOnServer returns the vbuckets which are active on a server.
func (vbMap *VbucketMap) VbucketsOnServer(index int) ([]uint16, error) {
	vbList, err := vbMap.VbucketsByServer(0)
	if err != nil {
		return nil, err
	}

	if index < 0 || index >= len(vbList) {
		return nil, errors.Wrapf(ErrInvalidServer, "server %d has no vbuckets", index)
	}

	return vbList[index], nil
}

// VbucketsByServer returns, per server index, the list of vbuckets for
// which that server holds the given copy.
func (vbMap *VbucketMap) VbucketsByServer(replicaID int) ([][]uint16, error) {
	if replicaID < 0 {
		return nil, errors.Wrap(ErrInvalidReplica, "listing all replicas at once is not supported")
	}

	var vbList [][]uint16
	for vbID, entry := range vbMap.entries {
		if len(entry) <= replicaID {
			continue
		}

		serverID := entry[replicaID]
		if serverID < 0 {
			continue
		}

		for len(vbList) <= serverID {
			vbList = append(vbList, nil)
		}
		vbList[serverID] = append(vbList[serverID], uint16(vbID))
	}

	return vbList, nil
}

// DebugString renders the map for logging.
func (vbMap *VbucketMap) DebugString() string {
	var out strings.Builder
	fmt.Fprintf(&out, "vbucket map (%d replicas): [", vbMap.numReplicas)
	for vbID, entry := range vbMap.entries {
		if vbID > 0 {
			out.WriteByte(',')
		}
		fmt.Fprintf(&out, "%v", entry)
	}
	out.WriteByte(']')
	return out.String()
}
