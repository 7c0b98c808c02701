package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/couchbase/kvrouting/mocknode"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var mockNodeOpts struct {
	nodes      int
	vbuckets   int
	replicas   int
	bucketType string
	listenHost string
	mgmtPort   int
}

var mockNodeCmd = &cobra.Command{
	Use:   "mocknode",
	Short: "Run an in-memory cluster that speaks the key value protocol",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setupEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		bucketType := mocknode.BucketType(strings.ToLower(mockNodeOpts.bucketType))
		if bucketType != mocknode.BucketTypeCouchbase && bucketType != mocknode.BucketTypeMemcached {
			return errors.Errorf("unsupported bucket type: %s", mockNodeOpts.bucketType)
		}

		cluster, err := mocknode.NewCluster(&mocknode.ClusterOptions{
			Logger:      env.logger.Named("mocknode"),
			ListenHost:  mockNodeOpts.listenHost,
			NumNodes:    mockNodeOpts.nodes,
			BucketName:  env.config.bucket,
			BucketType:  bucketType,
			NumVbuckets: mockNodeOpts.vbuckets,
			NumReplicas: mockNodeOpts.replicas,
		})
		if err != nil {
			return err
		}
		defer func() {
			_ = cluster.Close()
		}()

		mgmtAddress := net.JoinHostPort(mockNodeOpts.listenHost, fmt.Sprintf("%d", mockNodeOpts.mgmtPort))
		lis, err := net.Listen("tcp", mgmtAddress)
		if err != nil {
			return err
		}

		mgmtServer := &http.Server{
			Handler:           cluster.HttpHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			err := mgmtServer.Serve(lis)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				env.logger.Error("mock management server failed", zap.Error(err))
			}
		}()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "bucket %s (%s)\n", cluster.BucketName(), cluster.BucketType())
		for _, address := range cluster.Addresses() {
			fmt.Fprintf(out, "  kv: %s\n", address)
		}
		fmt.Fprintf(out, "  mgmt: http://%s\n", lis.Addr().String())

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		env.logger.Info("shutting down mock cluster")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return mgmtServer.Shutdown(shutdownCtx)
	},
}

func init() {
	mockNodeCmd.Flags().IntVar(&mockNodeOpts.nodes, "nodes", 1, "the number of nodes in the cluster")
	mockNodeCmd.Flags().IntVar(&mockNodeOpts.vbuckets, "vbuckets", 64, "the number of vbuckets in the bucket")
	mockNodeCmd.Flags().IntVar(&mockNodeOpts.replicas, "replicas", 0, "the number of replicas of each vbucket")
	mockNodeCmd.Flags().StringVar(&mockNodeOpts.bucketType, "bucket-type", "couchbase", "the bucket type (couchbase or memcached)")
	mockNodeCmd.Flags().StringVar(&mockNodeOpts.listenHost, "listen-host", "127.0.0.1", "the interface the nodes listen on")
	mockNodeCmd.Flags().IntVar(&mockNodeOpts.mgmtPort, "mgmt-port", 8091, "the port serving cluster configs over http")
}
