package mocknode

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"net/http/httptest"
	"testing"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/kvrouting/contrib/cbconfig"
	"github.com/couchbase/kvrouting/mcbp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testConn struct {
	t      *testing.T
	conn   *mcbp.Conn
	opaque uint32
}

func dialNode(t *testing.T, node *Node) *testConn {
	netConn, err := net.Dial("tcp", node.Address())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = netConn.Close()
	})

	return &testConn{
		t:    t,
		conn: mcbp.NewBufferedConn(netConn),
	}
}

func (c *testConn) roundTrip(pak *mcbp.Packet) *mcbp.Packet {
	c.opaque++
	pak.Magic = memd.CmdMagicReq
	pak.Opaque = c.opaque

	require.NoError(c.t, c.conn.WritePacket(pak))

	resp, _, err := c.conn.ReadPacket()
	require.NoError(c.t, err)
	require.Equal(c.t, memd.CmdMagicRes, resp.Magic)
	require.Equal(c.t, pak.Opaque, resp.Opaque)
	require.Equal(c.t, pak.Command, resp.Command)

	return resp
}

func (c *testConn) selectBucket(name string) {
	resp := c.roundTrip(&mcbp.Packet{
		Command: memd.CmdSelectBucket,
		Key:     []byte(name),
	})
	require.Equal(c.t, memd.StatusSuccess, resp.Status)
}

func newTestCluster(t *testing.T, opts *ClusterOptions) *Cluster {
	logger, _ := zap.NewDevelopment()
	opts.Logger = logger

	cluster, err := NewCluster(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = cluster.Close()
	})

	return cluster
}

func TestHello(t *testing.T) {
	cluster := newTestCluster(t, &ClusterOptions{})
	conn := dialNode(t, cluster.Nodes()[0])

	requested := []mcbp.HelloFeature{memd.FeatureSnappy, memd.FeatureTLS, memd.FeatureCollections}
	var value []byte
	for _, feature := range requested {
		value = binary.BigEndian.AppendUint16(value, uint16(feature))
	}

	resp := conn.roundTrip(&mcbp.Packet{
		Command: memd.CmdHello,
		Key:     []byte(`{"a":"test"}`),
		Value:   value,
	})
	require.Equal(t, memd.StatusSuccess, resp.Status)

	var enabled []mcbp.HelloFeature
	for i := 0; i+2 <= len(resp.Value); i += 2 {
		enabled = append(enabled, mcbp.HelloFeature(binary.BigEndian.Uint16(resp.Value[i:])))
	}
	assert.Equal(t, []mcbp.HelloFeature{memd.FeatureSnappy, memd.FeatureCollections}, enabled)

	t.Run("OddValueLength", func(t *testing.T) {
		resp := conn.roundTrip(&mcbp.Packet{
			Command: memd.CmdHello,
			Value:   []byte{0x00},
		})
		assert.Equal(t, memd.StatusInvalidArgs, resp.Status)
	})
}

func TestGetClusterConfig(t *testing.T) {
	cluster := newTestCluster(t, &ClusterOptions{
		NumNodes:    2,
		NumVbuckets: 16,
		NumReplicas: 1,
	})
	nodes := cluster.Nodes()

	t.Run("ClusterLevel", func(t *testing.T) {
		conn := dialNode(t, nodes[1])

		resp := conn.roundTrip(&mcbp.Packet{Command: memd.CmdGetClusterConfig})
		require.Equal(t, memd.StatusSuccess, resp.Status)

		cv, err := cbconfig.ParseConfigValue(resp.Value, "127.0.0.1")
		require.NoError(t, err)

		config := cv.Config
		assert.Equal(t, cluster.RevID(), config.Rev)
		assert.Empty(t, config.UUID)
		assert.Nil(t, config.VBucketServerMap)
		require.Len(t, config.NodesExt, 2)
		assert.True(t, config.NodesExt[1].ThisNode)
		assert.Equal(t, "127.0.0.1", config.NodesExt[1].Hostname)
		assert.Equal(t, nodes[0].Port(), config.NodesExt[0].Services.Kv)
	})

	t.Run("Bucket", func(t *testing.T) {
		conn := dialNode(t, nodes[0])
		conn.selectBucket("default")

		resp := conn.roundTrip(&mcbp.Packet{Command: memd.CmdGetClusterConfig})
		require.Equal(t, memd.StatusSuccess, resp.Status)

		cv, err := cbconfig.ParseConfigValue(resp.Value, "127.0.0.1")
		require.NoError(t, err)

		config := cv.Config
		assert.Equal(t, "default", config.Name)
		assert.Equal(t, "vbucket", config.NodeLocator)
		assert.NotEmpty(t, config.UUID)
		require.NotNil(t, config.VBucketServerMap)
		assert.Equal(t, cluster.Addresses(), config.VBucketServerMap.ServerList)
		require.Len(t, config.VBucketServerMap.VBucketMap, 16)
		assert.Equal(t, []int{0, 1}, config.VBucketServerMap.VBucketMap[0])
		assert.Equal(t, []int{1, 0}, config.VBucketServerMap.VBucketMap[1])
	})

	t.Run("UnknownBucket", func(t *testing.T) {
		conn := dialNode(t, nodes[0])
		resp := conn.roundTrip(&mcbp.Packet{
			Command: memd.CmdSelectBucket,
			Key:     []byte("missing"),
		})
		assert.Equal(t, memd.StatusKeyNotFound, resp.Status)
	})
}

func TestCrud(t *testing.T) {
	cluster := newTestCluster(t, &ClusterOptions{NumVbuckets: 4})
	conn := dialNode(t, cluster.Nodes()[0])

	t.Run("NoBucket", func(t *testing.T) {
		resp := conn.roundTrip(&mcbp.Packet{
			Command: memd.CmdGet,
			Key:     []byte("foo"),
		})
		assert.Equal(t, memd.StatusNoBucket, resp.Status)
	})

	conn.selectBucket("default")

	t.Run("GetMissing", func(t *testing.T) {
		resp := conn.roundTrip(&mcbp.Packet{
			Command: memd.CmdGet,
			Key:     []byte("foo"),
		})
		assert.Equal(t, memd.StatusKeyNotFound, resp.Status)
	})

	var cas uint64
	t.Run("Set", func(t *testing.T) {
		resp := conn.roundTrip(&mcbp.Packet{
			Command: memd.CmdSet,
			Key:     []byte("foo"),
			Extras:  []byte{0, 0, 0, 7, 0, 0, 0, 0},
			Value:   []byte(`{"hello":"world"}`),
		})
		require.Equal(t, memd.StatusSuccess, resp.Status)
		assert.NotZero(t, resp.Cas)
		cas = resp.Cas

		value, ok := cluster.Document("foo")
		require.True(t, ok)
		assert.Equal(t, `{"hello":"world"}`, string(value))
	})

	t.Run("Get", func(t *testing.T) {
		resp := conn.roundTrip(&mcbp.Packet{
			Command: memd.CmdGet,
			Key:     []byte("foo"),
		})
		require.Equal(t, memd.StatusSuccess, resp.Status)
		assert.Equal(t, cas, resp.Cas)
		assert.Equal(t, []byte{0, 0, 0, 7}, resp.Extras)
		assert.Equal(t, `{"hello":"world"}`, string(resp.Value))
	})

	t.Run("SetCasMismatch", func(t *testing.T) {
		resp := conn.roundTrip(&mcbp.Packet{
			Command: memd.CmdSet,
			Key:     []byte("foo"),
			Cas:     cas + 100,
			Extras:  make([]byte, 8),
			Value:   []byte("x"),
		})
		assert.Equal(t, memd.StatusKeyExists, resp.Status)
	})

	t.Run("SetBadExtras", func(t *testing.T) {
		resp := conn.roundTrip(&mcbp.Packet{
			Command: memd.CmdSet,
			Key:     []byte("foo"),
			Value:   []byte("x"),
		})
		assert.Equal(t, memd.StatusInvalidArgs, resp.Status)
	})

	t.Run("Delete", func(t *testing.T) {
		resp := conn.roundTrip(&mcbp.Packet{
			Command: memd.CmdDelete,
			Key:     []byte("foo"),
		})
		require.Equal(t, memd.StatusSuccess, resp.Status)

		_, ok := cluster.Document("foo")
		assert.False(t, ok)

		resp = conn.roundTrip(&mcbp.Packet{
			Command: memd.CmdDelete,
			Key:     []byte("foo"),
		})
		assert.Equal(t, memd.StatusKeyNotFound, resp.Status)
	})

	t.Run("UnknownCommand", func(t *testing.T) {
		resp := conn.roundTrip(&mcbp.Packet{Command: memd.CmdGetMeta, Key: []byte("foo")})
		assert.Equal(t, memd.StatusUnknownCommand, resp.Status)
	})

	t.Run("Noop", func(t *testing.T) {
		resp := conn.roundTrip(&mcbp.Packet{Command: memd.CmdNoop})
		assert.Equal(t, memd.StatusSuccess, resp.Status)
	})
}

func TestNotMyVbucket(t *testing.T) {
	cluster := newTestCluster(t, &ClusterOptions{
		NumNodes:    2,
		NumVbuckets: 4,
	})
	conn := dialNode(t, cluster.Nodes()[0])
	conn.selectBucket("default")

	// vbucket 1 is owned by node 1
	resp := conn.roundTrip(&mcbp.Packet{
		Command: memd.CmdGet,
		Vbucket: 1,
		Key:     []byte("foo"),
	})
	require.Equal(t, memd.StatusNotMyVBucket, resp.Status)

	cv, err := cbconfig.ParseConfigValue(resp.Value, "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, cluster.RevID(), cv.Config.Rev)

	revBefore := cluster.RevID()
	cluster.MoveVbucket(1, 0)
	assert.Equal(t, revBefore+1, cluster.RevID())

	resp = conn.roundTrip(&mcbp.Packet{
		Command: memd.CmdGet,
		Vbucket: 1,
		Key:     []byte("foo"),
	})
	assert.Equal(t, memd.StatusKeyNotFound, resp.Status)
}

func TestSnappy(t *testing.T) {
	cluster := newTestCluster(t, &ClusterOptions{NumVbuckets: 1})
	conn := dialNode(t, cluster.Nodes()[0])

	resp := conn.roundTrip(&mcbp.Packet{
		Command: memd.CmdHello,
		Value:   binary.BigEndian.AppendUint16(nil, uint16(memd.FeatureSnappy)),
	})
	require.Equal(t, memd.StatusSuccess, resp.Status)
	conn.conn.EnableFeature(memd.FeatureSnappy)
	conn.selectBucket("default")

	compressor := mcbp.CompressHandler{}
	original := []byte(`aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa`)
	compressed, datatype := compressor.CompressContent(original, 0)
	require.NotZero(t, datatype&uint8(memd.DatatypeFlagCompressed))

	resp = conn.roundTrip(&mcbp.Packet{
		Command:  memd.CmdSet,
		Datatype: datatype,
		Key:      []byte("squash"),
		Extras:   make([]byte, 8),
		Value:    compressed,
	})
	require.Equal(t, memd.StatusSuccess, resp.Status)

	stored, ok := cluster.Document("squash")
	require.True(t, ok)
	assert.Equal(t, original, stored)

	resp = conn.roundTrip(&mcbp.Packet{
		Command: memd.CmdGet,
		Key:     []byte("squash"),
	})
	require.Equal(t, memd.StatusSuccess, resp.Status)
	require.NotZero(t, resp.Datatype&uint8(memd.DatatypeFlagCompressed))

	value, _, err := compressor.UncompressContent(resp.Value, resp.Datatype)
	require.NoError(t, err)
	assert.Equal(t, original, value)
}

func TestMemcachedBucket(t *testing.T) {
	cluster := newTestCluster(t, &ClusterOptions{
		NumNodes:   2,
		BucketType: BucketTypeMemcached,
	})

	conn := dialNode(t, cluster.Nodes()[0])
	conn.selectBucket("default")

	resp := conn.roundTrip(&mcbp.Packet{Command: memd.CmdGetClusterConfig})
	assert.Equal(t, memd.StatusNotSupported, resp.Status)

	srv := httptest.NewServer(cluster.HttpHandler())
	defer srv.Close()

	fetcher := cbconfig.NewFetcher(cbconfig.FetcherOptions{Host: srv.URL})

	cv, err := fetcher.FetchTerseBucket(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "ketama", cv.Config.NodeLocator)
	assert.Len(t, cv.Config.NodesExt, 2)

	cv, err = fetcher.FetchNodeServices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cv.Config.Name)

	_, err = fetcher.FetchTerseBucket(context.Background(), "missing")
	assert.ErrorIs(t, err, cbconfig.ErrUnexpectedStatus)
}

func TestAddNodeAndDropConnections(t *testing.T) {
	cluster := newTestCluster(t, &ClusterOptions{NumVbuckets: 4})
	revBefore := cluster.RevID()

	node, err := cluster.AddNode()
	require.NoError(t, err)
	assert.Equal(t, 1, node.Index())
	assert.Equal(t, revBefore+1, cluster.RevID())
	assert.Equal(t, 1, cluster.vbucketOwner(1))
	assert.Equal(t, 0, cluster.vbucketOwner(2))

	conn := dialNode(t, node)
	resp := conn.roundTrip(&mcbp.Packet{Command: memd.CmdNoop})
	require.Equal(t, memd.StatusSuccess, resp.Status)
	assert.Equal(t, 1, node.NumConnections())

	node.DropConnections()
	_, _, err = conn.conn.ReadPacket()
	assert.Error(t, err)
}

func TestErrorMap(t *testing.T) {
	t.Run("Default", func(t *testing.T) {
		cluster := newTestCluster(t, &ClusterOptions{NumVbuckets: 4})
		conn := dialNode(t, cluster.Nodes()[0])

		resp := conn.roundTrip(&mcbp.Packet{
			Command: memd.CmdGetErrorMap,
			Value:   []byte{0x00, 0x02},
		})
		require.Equal(t, memd.StatusSuccess, resp.Status)

		var errMap struct {
			Revision int `json:"revision"`
			Errors   map[string]struct {
				Name  string   `json:"name"`
				Attrs []string `json:"attrs"`
			} `json:"errors"`
		}
		require.NoError(t, json.Unmarshal(resp.Value, &errMap))
		assert.Equal(t, 1, errMap.Revision)
		assert.Equal(t, "EBUSY", errMap.Errors["85"].Name)
		assert.Contains(t, errMap.Errors["85"].Attrs, "retry-now")
	})

	t.Run("Custom", func(t *testing.T) {
		cluster := newTestCluster(t, &ClusterOptions{
			NumVbuckets: 4,
			ErrorMap:    []byte(`{"version":2,"revision":7,"errors":{}}`),
		})
		conn := dialNode(t, cluster.Nodes()[0])

		resp := conn.roundTrip(&mcbp.Packet{
			Command: memd.CmdGetErrorMap,
			Value:   []byte{0x00, 0x02},
		})
		require.Equal(t, memd.StatusSuccess, resp.Status)
		assert.JSONEq(t, `{"version":2,"revision":7,"errors":{}}`, string(resp.Value))
	})

	t.Run("MissingVersion", func(t *testing.T) {
		cluster := newTestCluster(t, &ClusterOptions{NumVbuckets: 4})
		conn := dialNode(t, cluster.Nodes()[0])

		resp := conn.roundTrip(&mcbp.Packet{Command: memd.CmdGetErrorMap})
		assert.Equal(t, memd.StatusInvalidArgs, resp.Status)
	})
}

func TestFailKey(t *testing.T) {
	cluster := newTestCluster(t, &ClusterOptions{NumVbuckets: 4})
	conn := dialNode(t, cluster.Nodes()[0])
	conn.selectBucket("default")

	body := []byte(`{"error":{"context":"busy","ref":"abc"}}`)
	cluster.FailKey("foo", memd.StatusBusy, body, 2)

	for i := 0; i < 2; i++ {
		resp := conn.roundTrip(&mcbp.Packet{
			Command: memd.CmdGet,
			Key:     []byte("foo"),
		})
		require.Equal(t, memd.StatusBusy, resp.Status)
		assert.Equal(t, uint8(memd.DatatypeFlagJSON), resp.Datatype)
		assert.Equal(t, body, resp.Value)
	}

	resp := conn.roundTrip(&mcbp.Packet{
		Command: memd.CmdGet,
		Key:     []byte("foo"),
	})
	assert.Equal(t, memd.StatusKeyNotFound, resp.Status)
}
