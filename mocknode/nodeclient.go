/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package mocknode

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/kvrouting/mcbp"
	"go.uber.org/zap"
)

type nodeClient struct {
	logger *zap.Logger
	node   *Node
	conn   net.Conn

	memdConn       *mcbp.Conn
	compressor     mcbp.CompressHandler
	helloName      string
	selectedBucket string
}

func newNodeClient(node *Node, conn net.Conn) *nodeClient {
	return &nodeClient{
		logger: node.logger.With(
			zap.Stringer("remoteAddress", conn.RemoteAddr())),
		node:     node,
		conn:     conn,
		memdConn: mcbp.NewBufferedConn(conn),
		compressor: mcbp.CompressHandler{
			MinSize:  32,
			MinRatio: 0.83,
		},
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed)
}

func (c *nodeClient) procThread() {
	for {
		pak, _, err := c.memdConn.ReadPacket()
		if err != nil {
			// dont log when this is a 'generally expected' closing of the connection
			if !isClosedErr(err) {
				c.logger.Warn("unexpected read error", zap.Error(err))
			}
			break
		}

		c.logger.Debug("received packet",
			zap.Stringer("packet", mcbp.PacketStringer{Packet: pak}))
		c.handlePacket(pak)
	}

	c.close()
	c.node.handleClientDisconnect(c)
}

func (c *nodeClient) close() {
	err := c.conn.Close()
	if err != nil && !isClosedErr(err) {
		c.logger.Debug("failed to close client connection", zap.Error(err))
	}
}

func (c *nodeClient) writePacket(pak *mcbp.Packet) {
	err := c.memdConn.WritePacket(pak)
	if err != nil {
		c.logger.Debug("failed to write packet", zap.Error(err))
	}
}

func (c *nodeClient) sendBasicReply(
	reqPak *mcbp.Packet,
	status mcbp.StatusCode,
	key, value, extras []byte,
) {
	c.writePacket(&mcbp.Packet{
		Magic:   memd.CmdMagicRes,
		Command: reqPak.Command,
		Status:  status,
		Opaque:  reqPak.Opaque,
		Key:     key,
		Extras:  extras,
		Value:   value,
	})
}

func (c *nodeClient) sendSuccessReply(
	reqPak *mcbp.Packet,
	key, value, extras []byte,
) {
	c.sendBasicReply(reqPak, memd.StatusSuccess, key, value, extras)
}

func (c *nodeClient) sendInvalidArgs(reqPak *mcbp.Packet, reason string) {
	c.logger.Debug("invalid arguments sent for packet",
		zap.String("reason", reason),
		zap.Stringer("packet", mcbp.PacketStringer{Packet: reqPak}))

	c.sendBasicReply(reqPak, memd.StatusInvalidArgs, nil, nil, nil)
}

func (c *nodeClient) sendUnknownCommand(reqPak *mcbp.Packet) {
	c.logger.Debug("unknown command",
		zap.Stringer("packet", mcbp.PacketStringer{Packet: reqPak}))

	c.sendBasicReply(reqPak, memd.StatusUnknownCommand, nil, nil, nil)
}

func (c *nodeClient) handlePacket(pak *mcbp.Packet) {
	if pak.Magic != memd.CmdMagicReq {
		c.sendUnknownCommand(pak)
		return
	}

	if c.sendInjectedFailure(pak) {
		return
	}

	switch pak.Command {
	// bootstrap commands
	case memd.CmdHello:
		c.handleCmdHelloReq(pak)
	case memd.CmdSelectBucket:
		c.handleCmdSelectBucketReq(pak)
	case memd.CmdGetClusterConfig:
		c.handleCmdGetClusterConfigReq(pak)
	case memd.CmdNoop:
		c.handleCmdNoopReq(pak)
	case memd.CmdGetErrorMap:
		c.handleCmdGetErrorMapReq(pak)

		// crud commands
	case memd.CmdGet:
		c.handleCmdGetReq(pak)
	case memd.CmdSet:
		c.handleCmdSetReq(pak)
	case memd.CmdDelete:
		c.handleCmdDeleteReq(pak)

	default:
		c.sendUnknownCommand(pak)
	}
}
