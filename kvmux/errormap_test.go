package kvmux

import (
	"context"
	"testing"
	"time"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/kvrouting/mcbp"
	"github.com/couchbase/kvrouting/mocknode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testErrorMapRev2 = `{
	"version": 2,
	"revision": 2,
	"errors": {
		"1": {"name": "KEY_ENOENT", "desc": "Not Found", "attrs": ["item-only"]},
		"85": {"name": "EBUSY", "desc": "Busy", "attrs": ["temp", "retry-now"],
			"retry": {"strategy": "exponential", "interval": 10, "after": 100, "ceil": 1000, "max-duration": 5000}}
	}
}`

const testErrorMapRev1 = `{
	"version": 2,
	"revision": 1,
	"errors": {
		"1": {"name": "OLD_KEY_ENOENT", "desc": "Old", "attrs": ["auto-retry"]}
	}
}`

func TestParseErrorMap(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		errMap, err := ParseErrorMap([]byte(testErrorMapRev2))
		require.NoError(t, err)

		assert.Equal(t, uint32(2), errMap.Version)
		assert.Equal(t, uint32(2), errMap.Revision)
		require.Len(t, errMap.Errors, 2)

		notFound := errMap.Errors[memd.StatusKeyNotFound]
		assert.Equal(t, "KEY_ENOENT", notFound.Name)
		assert.Equal(t, "Not Found", notFound.Description)
		assert.Nil(t, notFound.Retry)

		busy := errMap.Errors[memd.StatusBusy]
		assert.True(t, busy.HasAttribute("retry-now"))
		assert.False(t, busy.HasAttribute("retry-later"))
		assert.Equal(t, &ErrorMapRetry{
			Strategy:    "exponential",
			Interval:    10 * time.Millisecond,
			After:       100 * time.Millisecond,
			Ceil:        time.Second,
			MaxDuration: 5 * time.Second,
		}, busy.Retry)
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := ParseErrorMap(nil)
		require.Error(t, err)
	})

	t.Run("InvalidJson", func(t *testing.T) {
		_, err := ParseErrorMap([]byte(`{"version":`))
		require.Error(t, err)
	})

	t.Run("InvalidCode", func(t *testing.T) {
		_, err := ParseErrorMap([]byte(`{"version":2,"revision":1,"errors":{"zz":{"name":"X","desc":"","attrs":[]}}}`))
		require.Error(t, err)
	})
}

func TestErrorMapManager(t *testing.T) {
	t.Run("NoMap", func(t *testing.T) {
		mgr := NewErrorMapManager(zap.NewNop())
		assert.Nil(t, mgr.ErrorMap())
		assert.False(t, mgr.ShouldRetry(memd.StatusBusy))
	})

	t.Run("KeepsNewestRevision", func(t *testing.T) {
		mgr := NewErrorMapManager(zap.NewNop())

		mgr.StoreErrorMap([]byte(testErrorMapRev2))
		require.NotNil(t, mgr.ErrorMap())
		assert.Equal(t, uint32(2), mgr.ErrorMap().Revision)

		mgr.StoreErrorMap([]byte(testErrorMapRev1))
		assert.Equal(t, uint32(2), mgr.ErrorMap().Revision)
		assert.False(t, mgr.ShouldRetry(memd.StatusKeyNotFound))
		assert.True(t, mgr.ShouldRetry(memd.StatusBusy))
		assert.False(t, mgr.ShouldRetry(memd.StatusTmpFail))
	})

	t.Run("IgnoresInvalid", func(t *testing.T) {
		mgr := NewErrorMapManager(zap.NewNop())
		mgr.StoreErrorMap([]byte(testErrorMapRev1))
		mgr.StoreErrorMap([]byte("not json"))
		assert.Equal(t, uint32(1), mgr.ErrorMap().Revision)
		assert.True(t, mgr.ShouldRetry(memd.StatusKeyNotFound))
	})

	t.Run("EnhanceKvError", func(t *testing.T) {
		mgr := NewErrorMapManager(zap.NewNop())
		mgr.StoreErrorMap([]byte(testErrorMapRev2))

		resp := &mcbp.Packet{
			Magic:    memd.CmdMagicRes,
			Command:  memd.CmdGet,
			Status:   memd.StatusKeyNotFound,
			Datatype: uint8(memd.DatatypeFlagJSON),
			Value:    []byte(`{"error":{"context":"no such doc","ref":"1234"}}`),
		}
		req := &QueueRequest{Packet: mcbp.Packet{Command: memd.CmdGet, Key: []byte("foo")}}

		err := mgr.EnhanceKvError(makeKeyValueError(ErrDocumentNotFound, resp, req), resp)
		require.ErrorIs(t, err, ErrDocumentNotFound)

		var kvErr *KeyValueError
		require.ErrorAs(t, err, &kvErr)
		assert.Equal(t, "KEY_ENOENT", kvErr.ErrorName)
		assert.Equal(t, "Not Found", kvErr.ErrorDescription)
		assert.Equal(t, "1234", kvErr.Ref)
		assert.Equal(t, "no such doc", kvErr.Context)
		assert.Contains(t, err.Error(), "name: KEY_ENOENT")
		assert.Contains(t, err.Error(), "ref: 1234")

		assert.Equal(t, ErrTimeout, mgr.EnhanceKvError(ErrTimeout, resp))
	})
}

func TestParseErrorContext(t *testing.T) {
	t.Run("NotJson", func(t *testing.T) {
		ref, errContext := parseErrorContext(&mcbp.Packet{
			Value: []byte(`{"error":{"context":"x","ref":"y"}}`),
		})
		assert.Empty(t, ref)
		assert.Empty(t, errContext)
	})

	t.Run("InvalidBody", func(t *testing.T) {
		ref, errContext := parseErrorContext(&mcbp.Packet{
			Datatype: uint8(memd.DatatypeFlagJSON),
			Value:    []byte(`not json`),
		})
		assert.Empty(t, ref)
		assert.Empty(t, errContext)
	})
}

func TestMuxErrorMap(t *testing.T) {
	cluster := newTestMockCluster(t, &mocknode.ClusterOptions{
		NumNodes:    2,
		NumVbuckets: 8,
	})
	h := newTestMuxHarness(t, cluster)
	h.startPolling(t, time.Hour)
	h.waitForRevision(t, cluster.RevID())

	require.Eventually(t, func() bool {
		return h.errorMap.ErrorMap() != nil
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint32(1), h.errorMap.ErrorMap().Revision)

	t.Run("Retry", func(t *testing.T) {
		cluster.FailKey("busy-key", memd.StatusBusy, nil, 2)

		result := dispatchAndWait(t, h.mux, mcbp.Packet{
			Command: memd.CmdGet,
			Key:     []byte("busy-key"),
		})
		require.ErrorIs(t, result.err, ErrDocumentNotFound)
		assert.Equal(t, uint32(2), result.req.RetryAttempts())
		assert.Equal(t, []RetryReason{RetryReasonKVErrorMapRetry}, result.req.RetryReasons())
	})

	t.Run("Enhanced", func(t *testing.T) {
		cluster.FailKey("bad-key", memd.StatusInvalidArgs,
			[]byte(`{"error":{"context":"bad extras","ref":"c0ffee"}}`), 1)

		result := dispatchAndWait(t, h.mux, mcbp.Packet{
			Command: memd.CmdGet,
			Key:     []byte("bad-key"),
		})
		require.ErrorIs(t, result.err, ErrInvalidArgs)

		var kvErr *KeyValueError
		require.ErrorAs(t, result.err, &kvErr)
		assert.Equal(t, memd.StatusInvalidArgs, kvErr.StatusCode)
		assert.Equal(t, "EINVAL", kvErr.ErrorName)
		assert.Equal(t, "Invalid packet", kvErr.ErrorDescription)
		assert.Equal(t, "c0ffee", kvErr.Ref)
		assert.Equal(t, "bad extras", kvErr.Context)
		assert.Empty(t, result.req.RetryReasons())
	})
}

func TestNetDialerFetchesErrorMap(t *testing.T) {
	cluster := newTestMockCluster(t, &mocknode.ClusterOptions{
		NumVbuckets: 4,
		ErrorMap:    []byte(`{"version":2,"revision":5,"errors":{"85":{"name":"EBUSY","desc":"Busy","attrs":["retry-now"]}}}`),
	})

	dial := func(t *testing.T, features []mcbp.HelloFeature) *ErrorMapManager {
		errorMap := NewErrorMapManager(zap.NewNop())
		dialer := NewNetDialer(&NetDialerOptions{
			Logger:         zap.NewNop(),
			ConnectTimeout: 5 * time.Second,
			HelloFeatures:  features,
			BucketName:     cluster.BucketName(),
			ErrorMap:       errorMap,
		})

		client, err := dialer.Dial(context.Background(), cluster.Addresses()[0], nil)
		require.NoError(t, err)
		require.NoError(t, client.Close())

		return errorMap
	}

	t.Run("Xerror", func(t *testing.T) {
		errorMap := dial(t, DefaultHelloFeatures)
		require.NotNil(t, errorMap.ErrorMap())
		assert.Equal(t, uint32(5), errorMap.ErrorMap().Revision)
		assert.True(t, errorMap.ShouldRetry(memd.StatusBusy))
	})

	t.Run("NoXerror", func(t *testing.T) {
		errorMap := dial(t, []mcbp.HelloFeature{memd.FeatureDatatype})
		assert.Nil(t, errorMap.ErrorMap())
	})
}
