package kvmux

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/kvrouting/circuitbreaker"
	"github.com/couchbase/kvrouting/mcbp"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Dialer opens new connections for pipelines.
type Dialer interface {
	Dial(ctx context.Context, address string, handler PostCompleteErrorHandler) (KvClient, error)
}

type NetDialerOptions struct {
	Logger *zap.Logger

	ConnectTimeout time.Duration
	TLSConfig      *tls.Config

	// ClientName is sent in the HELLO key along with the connection id.
	ClientName    string
	HelloFeatures []mcbp.HelloFeature

	// BucketName is selected on every new connection when set.
	BucketName string

	// ErrorMap receives the error map fetched by every connection which
	// negotiated extended errors.
	ErrorMap *ErrorMapManager

	CircuitBreakerConfig circuitbreaker.Config
	CompressionMinSize   int
	CompressionMinRatio  float64
	DisableCompression   bool
}

// NetDialer connects over TCP (or TLS), negotiates features with HELLO and
// selects the bucket before handing the connection to a MemdClient.
type NetDialer struct {
	logger     *zap.Logger
	opts       NetDialerOptions
	bootOpaque atomic.Uint32
}

var _ Dialer = (*NetDialer)(nil)

var DefaultHelloFeatures = []mcbp.HelloFeature{
	memd.FeatureDatatype,
	memd.FeatureXattr,
	memd.FeatureXerror,
	memd.FeatureSelectBucket,
	memd.FeatureSnappy,
	memd.FeatureJSON,
	memd.FeatureUnorderedExec,
	memd.FeatureAltRequests,
	memd.FeatureSyncReplication,
	memd.FeatureCollections,
	memd.FeaturePreserveExpiry,
}

func NewNetDialer(opts *NetDialerOptions) *NetDialer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ClientName == "" {
		opts.ClientName = "kvrouting"
	}

	return &NetDialer{
		logger: logger,
		opts:   *opts,
	}
}

func (d *NetDialer) Dial(ctx context.Context, address string, handler PostCompleteErrorHandler) (KvClient, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	defer cancel()

	netDialer := &net.Dialer{}

	var netConn net.Conn
	var err error
	if d.opts.TLSConfig != nil {
		tlsDialer := &tls.Dialer{
			NetDialer: netDialer,
			Config:    d.opts.TLSConfig,
		}
		netConn, err = tlsDialer.DialContext(ctx, "tcp", address)
	} else {
		netConn, err = netDialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", address)
	}

	connID := uuid.NewString()
	logger := d.logger.With(
		zap.String("address", address),
		zap.String("connectionId", connID))

	conn, err := d.bootstrap(ctx, netConn, connID, logger)
	if err != nil {
		closeErr := netConn.Close()
		if closeErr != nil {
			logger.Debug("failed to close connection after bootstrap failure", zap.Error(closeErr))
		}
		return nil, err
	}

	logger.Debug("connection bootstrapped")

	return NewMemdClient(&MemdClientOptions{
		Logger:               logger,
		Conn:                 conn,
		NetConn:              netConn,
		ConnectionID:         connID,
		CircuitBreakerConfig: d.opts.CircuitBreakerConfig,
		CompressionMinSize:   d.opts.CompressionMinSize,
		CompressionMinRatio:  d.opts.CompressionMinRatio,
		DisableCompression:   d.opts.DisableCompression,
		PostErrHandler:       handler,
	}), nil
}

// bootstrap runs the synchronous part of connection setup, before any
// other request can be sent.
func (d *NetDialer) bootstrap(ctx context.Context, netConn net.Conn, connID string, logger *zap.Logger) (*mcbp.Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		err := netConn.SetDeadline(deadline)
		if err != nil {
			return nil, err
		}
	}

	conn := mcbp.NewBufferedConn(netConn)

	if len(d.opts.HelloFeatures) > 0 {
		err := d.hello(conn, connID)
		if err != nil {
			return nil, err
		}
	}

	if d.opts.ErrorMap != nil && conn.IsFeatureEnabled(memd.FeatureXerror) {
		// only connection failures are fatal here
		err := d.fetchErrorMap(conn)
		if err != nil {
			if isClosedErr(err) || errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, err
			}
			logger.Debug("failed to fetch error map", zap.Error(err))
		}
	}

	if d.opts.BucketName != "" {
		_, err := d.roundTrip(conn, &mcbp.Packet{
			Magic:   memd.CmdMagicReq,
			Command: memd.CmdSelectBucket,
			Key:     []byte(d.opts.BucketName),
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to select bucket %s", d.opts.BucketName)
		}
	}

	err := netConn.SetDeadline(time.Time{})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

func (d *NetDialer) roundTrip(conn *mcbp.Conn, req *mcbp.Packet) (*mcbp.Packet, error) {
	req.Opaque = d.bootOpaque.Add(1)

	err := conn.WritePacket(req)
	if err != nil {
		return nil, err
	}

	resp, _, err := conn.ReadPacket()
	if err != nil {
		return nil, err
	}

	if resp.Opaque != req.Opaque {
		return nil, errors.Wrapf(mcbp.ErrProtocol, "unexpected opaque %d during bootstrap", resp.Opaque)
	}
	if resp.Status != memd.StatusSuccess {
		return nil, makeKeyValueError(statusToError(resp.Status), resp, &QueueRequest{Packet: *req})
	}

	return resp, nil
}

func (d *NetDialer) fetchErrorMap(conn *mcbp.Conn) error {
	resp, err := d.roundTrip(conn, &mcbp.Packet{
		Magic:   memd.CmdMagicReq,
		Command: memd.CmdGetErrorMap,
		Value:   binary.BigEndian.AppendUint16(nil, ErrorMapVersion),
	})
	if err != nil {
		return err
	}

	d.opts.ErrorMap.StoreErrorMap(resp.Value)
	return nil
}

func (d *NetDialer) hello(conn *mcbp.Conn, connID string) error {
	key, err := json.Marshal(struct {
		Agent        string `json:"a"`
		ConnectionID string `json:"i"`
	}{
		Agent:        d.opts.ClientName,
		ConnectionID: connID,
	})
	if err != nil {
		return err
	}

	value := make([]byte, 0, 2*len(d.opts.HelloFeatures))
	for _, feature := range d.opts.HelloFeatures {
		value = binary.BigEndian.AppendUint16(value, uint16(feature))
	}

	resp, err := d.roundTrip(conn, &mcbp.Packet{
		Magic:   memd.CmdMagicReq,
		Command: memd.CmdHello,
		Key:     key,
		Value:   value,
	})
	if err != nil {
		return errors.Wrap(err, "hello failed")
	}

	for i := 0; i+2 <= len(resp.Value); i += 2 {
		conn.EnableFeature(mcbp.HelloFeature(binary.BigEndian.Uint16(resp.Value[i:])))
	}

	return nil
}
