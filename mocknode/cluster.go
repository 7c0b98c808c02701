package mocknode

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/couchbase/kvrouting/contrib/cbconfig"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type BucketType string

const (
	BucketTypeCouchbase BucketType = "couchbase"
	BucketTypeMemcached BucketType = "memcached"
)

type ClusterOptions struct {
	Logger *zap.Logger

	// ListenHost is the interface every node listens on, 127.0.0.1 when
	// left empty.
	ListenHost string
	NumNodes   int

	BucketName  string
	BucketType  BucketType
	NumVbuckets int
	NumReplicas int

	// ErrorMap is the raw GetErrorMap response, DefaultErrorMap when empty.
	ErrorMap []byte
}

type document struct {
	value    []byte
	flags    uint32
	datatype uint8
	cas      uint64
}

// Cluster is a set of in-memory nodes sharing one bucket and one config.
type Cluster struct {
	logger      *zap.Logger
	listenHost  string
	bucketName  string
	bucketType  BucketType
	bucketUUID  string
	numVbuckets int
	numReplicas int
	errorMap    []byte

	lock     sync.Mutex
	nodes    []*Node
	revID    int64
	revEpoch int64
	vbMap    [][]int
	docs     map[string]*document
	casSeq   uint64
	failures map[string][]injectedFailure
}

func NewCluster(opts *ClusterOptions) (*Cluster, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	listenHost := opts.ListenHost
	if listenHost == "" {
		listenHost = "127.0.0.1"
	}
	numNodes := opts.NumNodes
	if numNodes <= 0 {
		numNodes = 1
	}
	bucketName := opts.BucketName
	if bucketName == "" {
		bucketName = "default"
	}
	bucketType := opts.BucketType
	if bucketType == "" {
		bucketType = BucketTypeCouchbase
	}
	numVbuckets := opts.NumVbuckets
	if numVbuckets <= 0 {
		numVbuckets = 64
	}
	errorMap := opts.ErrorMap
	if len(errorMap) == 0 {
		errorMap = []byte(DefaultErrorMap)
	}

	c := &Cluster{
		logger:      logger,
		listenHost:  listenHost,
		bucketName:  bucketName,
		bucketType:  bucketType,
		bucketUUID:  strings.ReplaceAll(uuid.NewString(), "-", ""),
		numVbuckets: numVbuckets,
		numReplicas: opts.NumReplicas,
		errorMap:    errorMap,
		revEpoch:    1,
		docs:        make(map[string]*document),
		failures:    make(map[string][]injectedFailure),
	}

	for i := 0; i < numNodes; i++ {
		_, err := c.AddNode()
		if err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	return c, nil
}

func (c *Cluster) BucketName() string {
	return c.bucketName
}

func (c *Cluster) BucketType() BucketType {
	return c.bucketType
}

func (c *Cluster) Nodes() []*Node {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]*Node(nil), c.nodes...)
}

// Addresses returns the kv address of every node.
func (c *Cluster) Addresses() []string {
	c.lock.Lock()
	defer c.lock.Unlock()

	addresses := make([]string, len(c.nodes))
	for i, node := range c.nodes {
		addresses[i] = node.Address()
	}
	return addresses
}

func (c *Cluster) RevID() int64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.revID
}

// AddNode starts a new node and rebalances the vbuckets across all nodes.
func (c *Cluster) AddNode() (*Node, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(c.listenHost, "0"))
	if err != nil {
		return nil, err
	}

	c.lock.Lock()
	node := newNode(c, len(c.nodes), listener)
	c.nodes = append(c.nodes, node)
	c.rebalanceLocked()
	c.lock.Unlock()

	go node.serve()

	return node, nil
}

func (c *Cluster) rebalanceLocked() {
	numNodes := len(c.nodes)

	vbMap := make([][]int, c.numVbuckets)
	for vbID := range vbMap {
		entry := make([]int, c.numReplicas+1)
		for replicaIdx := range entry {
			if replicaIdx >= numNodes {
				entry[replicaIdx] = -1
				continue
			}
			entry[replicaIdx] = (vbID + replicaIdx) % numNodes
		}
		vbMap[vbID] = entry
	}

	c.vbMap = vbMap
	c.revID++
}

// MoveVbucket makes nodeIdx the active owner of a vbucket, bumping the
// config revision.
func (c *Cluster) MoveVbucket(vbID uint16, nodeIdx int) {
	c.lock.Lock()
	c.vbMap[vbID][0] = nodeIdx
	c.revID++
	c.lock.Unlock()
}

func (c *Cluster) vbucketOwner(vbID uint16) int {
	c.lock.Lock()
	defer c.lock.Unlock()

	if int(vbID) >= len(c.vbMap) {
		return -1
	}
	return c.vbMap[vbID][0]
}

// Document returns the stored value of a key in the default collection.
func (c *Cluster) Document(key string) ([]byte, bool) {
	doc := c.getDocument(0, []byte(key))
	if doc == nil {
		return nil, false
	}
	return doc.value, true
}

func docKey(collectionID uint32, key []byte) string {
	return fmt.Sprintf("%d/%s", collectionID, key)
}

func (c *Cluster) getDocument(collectionID uint32, key []byte) *document {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.docs[docKey(collectionID, key)]
}

func (c *Cluster) storeDocument(collectionID uint32, key []byte, doc *document) uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.casSeq++
	doc.cas = c.casSeq
	c.docs[docKey(collectionID, key)] = doc
	return doc.cas
}

func (c *Cluster) deleteDocument(collectionID uint32, key []byte) (uint64, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	k := docKey(collectionID, key)
	if _, ok := c.docs[k]; !ok {
		return 0, false
	}
	delete(c.docs, k)

	c.casSeq++
	return c.casSeq, true
}

// TerseConfig builds the config as seen from thisNode, which is reported
// with a $HOST hostname.  A thisNode of -1 reports every hostname.
func (c *Cluster) TerseConfig(thisNode int, withBucket bool) *cbconfig.TerseConfigJson {
	c.lock.Lock()
	defer c.lock.Unlock()

	config := &cbconfig.TerseConfigJson{
		Rev:                    c.revID,
		RevEpoch:               c.revEpoch,
		ClusterCapabilitiesVer: []int{1, 0},
		ClusterCapabilities: map[string][]string{
			"n1ql": {"enhancedPreparedStatements"},
		},
	}

	var serverList []string
	for i, node := range c.nodes {
		hostname := c.listenHost
		if i == thisNode {
			hostname = "$HOST"
		}

		config.NodesExt = append(config.NodesExt, cbconfig.TerseExtNodeJson{
			Services: &cbconfig.TerseExtNodePortsJson{
				Kv: node.Port(),
			},
			ThisNode: i == thisNode,
			Hostname: hostname,
		})
		serverList = append(serverList, net.JoinHostPort(hostname, fmt.Sprintf("%d", node.Port())))
	}

	if !withBucket {
		return config
	}

	// every node serves the bucket, so they are all listed in nodes too
	for i, node := range c.nodes {
		hostname := c.listenHost
		if i == thisNode {
			hostname = "$HOST"
		}

		config.Nodes = append(config.Nodes, cbconfig.TerseNodeJson{
			Hostname: net.JoinHostPort(hostname, "8091"),
			Ports: &cbconfig.TerseNodePortsJson{
				Direct: node.Port(),
			},
		})
	}

	config.Name = c.bucketName
	config.UUID = c.bucketUUID
	config.BucketCapabilities = []string{"collections", "durableWrite", "xattr", "dcp", "cbhello", "touch", "cccp"}

	switch c.bucketType {
	case BucketTypeCouchbase:
		config.NodeLocator = "vbucket"

		vbMap := make([][]int, len(c.vbMap))
		for i, entry := range c.vbMap {
			vbMap[i] = append([]int(nil), entry...)
		}
		config.VBucketServerMap = &cbconfig.VBucketServerMapJson{
			HashAlgorithm: "CRC",
			NumReplicas:   c.numReplicas,
			ServerList:    serverList,
			VBucketMap:    vbMap,
		}
	case BucketTypeMemcached:
		config.NodeLocator = "ketama"
	}

	return config
}

func (c *Cluster) terseConfigBytes(thisNode int, withBucket bool) []byte {
	configBytes, err := json.Marshal(c.TerseConfig(thisNode, withBucket))
	if err != nil {
		// a config built from our own types always marshals
		c.logger.Error("failed to marshal config", zap.Error(err))
		return nil
	}
	return configBytes
}

// HttpHandler serves the terse config endpoints of the management api.
func (c *Cluster) HttpHandler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/pools/default/nodeServices", func(w http.ResponseWriter, r *http.Request) {
		c.writeConfig(w, false)
	}).Methods(http.MethodGet)

	router.HandleFunc("/pools/default/b/{bucket}", func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["bucket"] != c.bucketName {
			http.Error(w, "Requested resource not found.", http.StatusNotFound)
			return
		}
		c.writeConfig(w, true)
	}).Methods(http.MethodGet)

	return router
}

func (c *Cluster) writeConfig(w http.ResponseWriter, withBucket bool) {
	w.Header().Set("Content-Type", "application/json")
	_, err := w.Write(c.terseConfigBytes(-1, withBucket))
	if err != nil {
		c.logger.Debug("failed to write config response", zap.Error(err))
	}
}

func (c *Cluster) Close() error {
	for _, node := range c.Nodes() {
		node.Close()
	}
	return nil
}
