package topology

import (
	"fmt"
	"testing"

	"github.com/couchbase/kvrouting/contrib/cbconfig"
	"github.com/stretchr/testify/require"
)

const testClusterConfig = `{
	"rev": 10,
	"revEpoch": 1,
	"nodesExt": [
		{
			"services": {"kv": 11210, "kvSSL": 11207, "mgmt": 8091, "mgmtSSL": 18091, "n1ql": 8093},
			"thisNode": true
		},
		{
			"hostname": "10.0.0.2",
			"services": {"kv": 11210, "kvSSL": 11207, "mgmt": 8091, "mgmtSSL": 18091},
			"alternateAddresses": {
				"external": {"hostname": "ext2.example.com", "ports": {"kv": 31210, "mgmt": 38091}}
			}
		}
	],
	"clusterCapabilitiesVer": [1, 0],
	"clusterCapabilities": {"n1ql": ["enhancedPreparedStatements", "someFutureThing"]}
}`

func makeBucketConfigJson(rev int64, numVbuckets int) string {
	vbMap := "["
	for vbID := 0; vbID < numVbuckets; vbID++ {
		if vbID > 0 {
			vbMap += ","
		}
		vbMap += fmt.Sprintf("[%d]", vbID%2)
	}
	vbMap += "]"

	return fmt.Sprintf(`{
		"rev": %d,
		"name": "default",
		"uuid": "5c1d1f2a8b1c4b6f",
		"nodeLocator": "vbucket",
		"bucketCapabilities": ["collections", "durableWrite", "notARealCapability"],
		"nodes": [
			{"hostname": "10.0.0.1:8091", "ports": {"direct": 11210}},
			{"hostname": "10.0.0.2:8091", "ports": {"direct": 11210}}
		],
		"nodesExt": [
			{"hostname": "10.0.0.1", "services": {"kv": 11210, "mgmt": 8091}},
			{"hostname": "10.0.0.2", "services": {"kv": 11210, "mgmt": 8091}},
			{"hostname": "10.0.0.3", "services": {"kv": 11210, "mgmt": 8091}}
		],
		"vBucketServerMap": {
			"hashAlgorithm": "CRC",
			"numReplicas": 0,
			"serverList": ["10.0.0.1:11210", "10.0.0.2:11210"],
			"vBucketMap": %s
		}
	}`, rev, vbMap)
}

func makeMemcachedConfigJson(rev int64) string {
	return fmt.Sprintf(`{
		"rev": %d,
		"name": "cache",
		"uuid": "0e3bd2b4a5a34c9e",
		"nodeLocator": "ketama",
		"nodes": [
			{"hostname": "10.0.0.1:8091", "ports": {"direct": 11210}},
			{"hostname": "10.0.0.2:8091", "ports": {"direct": 11210}}
		],
		"nodesExt": [
			{"hostname": "10.0.0.1", "services": {"kv": 11210, "mgmt": 8091}},
			{"hostname": "10.0.0.2", "services": {"kv": 11210, "mgmt": 8091}}
		]
	}`, rev)
}

func parseTestConfig(t *testing.T, data string, sourceHost string) *cbconfig.ConfigValue {
	cv, err := cbconfig.ParseConfigValue([]byte(data), sourceHost)
	require.NoError(t, err)
	return cv
}
