package mocknode

import (
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"
)

// Node is a single kv listener of a Cluster.
type Node struct {
	logger   *zap.Logger
	cluster  *Cluster
	index    int
	listener net.Listener

	lock    sync.Mutex
	clients []*nodeClient
}

func newNode(cluster *Cluster, index int, listener net.Listener) *Node {
	return &Node{
		logger: cluster.logger.With(
			zap.Int("node", index),
			zap.Stringer("listenAddress", listener.Addr())),
		cluster:  cluster,
		index:    index,
		listener: listener,
	}
}

func (n *Node) Index() int {
	return n.index
}

func (n *Node) Address() string {
	return n.listener.Addr().String()
}

func (n *Node) Port() uint16 {
	tcpAddr, ok := n.listener.Addr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return uint16(tcpAddr.Port)
}

// NumConnections returns the number of currently connected clients.
func (n *Node) NumConnections() int {
	n.lock.Lock()
	defer n.lock.Unlock()
	return len(n.clients)
}

func (n *Node) serve() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				n.logger.Error("failed to accept client", zap.Error(err))
			}
			break
		}

		n.handleNewConnection(conn)
	}
}

func (n *Node) handleNewConnection(conn net.Conn) {
	n.logger.Debug("new kv client connected",
		zap.Stringer("remoteAddress", conn.RemoteAddr()))

	client := newNodeClient(n, conn)

	n.lock.Lock()
	n.clients = append(n.clients, client)
	n.lock.Unlock()

	go client.procThread()
}

func (n *Node) handleClientDisconnect(client *nodeClient) {
	n.lock.Lock()
	defer n.lock.Unlock()

	for i, iterClient := range n.clients {
		if iterClient == client {
			n.clients[i] = n.clients[len(n.clients)-1]
			n.clients = n.clients[:len(n.clients)-1]
			return
		}
	}
}

// DropConnections closes every client connection, the listener keeps
// accepting new ones.
func (n *Node) DropConnections() {
	n.lock.Lock()
	clients := append([]*nodeClient(nil), n.clients...)
	n.lock.Unlock()

	for _, client := range clients {
		client.close()
	}
}

// Close stops the listener and drops every connection.
func (n *Node) Close() {
	err := n.listener.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		n.logger.Debug("failed to close listener", zap.Error(err))
	}

	n.DropConnections()
}
