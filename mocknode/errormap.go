package mocknode

import (
	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/kvrouting/mcbp"
)

// DefaultErrorMap is served to GetErrorMap requests unless the cluster
// was created with its own map.
const DefaultErrorMap = `{
	"version": 2,
	"revision": 1,
	"errors": {
		"0": {"name": "SUCCESS", "desc": "Success", "attrs": ["success"]},
		"1": {"name": "KEY_ENOENT", "desc": "Not Found", "attrs": ["item-only"]},
		"2": {"name": "KEY_EEXISTS", "desc": "key already exists, or CAS mismatch", "attrs": ["item-only"]},
		"4": {"name": "EINVAL", "desc": "Invalid packet", "attrs": ["internal", "invalid-input"]},
		"7": {"name": "NOT_MY_VBUCKET", "desc": "Server which received this command is not the master for this vbucket", "attrs": ["fetch-config", "invalid-input"]},
		"85": {"name": "EBUSY", "desc": "Busy", "attrs": ["temp", "retry-now"],
			"retry": {"strategy": "exponential", "interval": 10, "after": 100, "max-duration": 5000}},
		"86": {"name": "ETMPFAIL", "desc": "Temporary failure", "attrs": ["temp", "retry-later"],
			"retry": {"strategy": "constant", "interval": 10, "after": 10, "max-duration": 5000}}
	}
}`

type injectedFailure struct {
	status mcbp.StatusCode
	value  []byte
}

// FailKey makes the next count requests for key fail with status.  A
// non-empty value is sent as a JSON error body.
func (c *Cluster) FailKey(key string, status mcbp.StatusCode, value []byte, count int) {
	c.lock.Lock()
	defer c.lock.Unlock()

	for i := 0; i < count; i++ {
		c.failures[key] = append(c.failures[key], injectedFailure{
			status: status,
			value:  value,
		})
	}
}

func (c *Cluster) takeFailure(key []byte) *injectedFailure {
	c.lock.Lock()
	defer c.lock.Unlock()

	pending := c.failures[string(key)]
	if len(pending) == 0 {
		return nil
	}

	failure := pending[0]
	if len(pending) == 1 {
		delete(c.failures, string(key))
	} else {
		c.failures[string(key)] = pending[1:]
	}
	return &failure
}

func (c *nodeClient) handleCmdGetErrorMapReq(pak *mcbp.Packet) {
	if !c.validatePacket(pak, validateFlagAllowValue) {
		return
	}
	if len(pak.Value) != 2 {
		c.sendInvalidArgs(pak, "error map version must be 2 bytes")
		return
	}

	c.sendSuccessReply(pak, nil, c.node.cluster.errorMap, nil)
}

// sendInjectedFailure replies with a failure queued by FailKey, returning
// false when there is none for the request.  Only requests against the
// selected bucket can fail.
func (c *nodeClient) sendInjectedFailure(pak *mcbp.Packet) bool {
	if c.selectedBucket == "" || len(pak.Key) == 0 {
		return false
	}

	failure := c.node.cluster.takeFailure(pak.Key)
	if failure == nil {
		return false
	}

	var datatype uint8
	if len(failure.value) > 0 {
		datatype = uint8(memd.DatatypeFlagJSON)
	}

	c.writePacket(&mcbp.Packet{
		Magic:    memd.CmdMagicRes,
		Command:  pak.Command,
		Status:   failure.status,
		Opaque:   pak.Opaque,
		Datatype: datatype,
		Value:    failure.value,
	})
	return true
}
