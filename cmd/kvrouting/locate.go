package main

import (
	"context"

	"github.com/couchbase/kvrouting/routing"
	"github.com/couchbase/kvrouting/topology"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type locateResult struct {
	Key        string   `json:"key" yaml:"key"`
	BucketType string   `json:"bucketType" yaml:"bucketType"`
	Revision   string   `json:"revision" yaml:"revision"`
	Vbucket    *uint16  `json:"vbucket,omitempty" yaml:"vbucket,omitempty"`
	Active     string   `json:"active,omitempty" yaml:"active,omitempty"`
	Replicas   []string `json:"replicas,omitempty" yaml:"replicas,omitempty"`
	Node       string   `json:"node,omitempty" yaml:"node,omitempty"`
}

const unownedNode = "<none>"

// locateKey works out which nodes hold key under cfg.
func locateKey(cfg *topology.RouteConfig, key []byte, useTLS bool) (*locateResult, error) {
	result := &locateResult{
		Key:        string(key),
		BucketType: cfg.BucketType().String(),
		Revision:   cfg.Revision().String(),
	}
	addresses := cfg.KvEndpoints().Addresses(useTLS)

	nodeAddress := func(serverIdx int, err error) (string, error) {
		if errors.Is(err, routing.ErrInvalidReplica) {
			return unownedNode, nil
		} else if err != nil {
			return "", err
		}
		if serverIdx < 0 || serverIdx >= len(addresses) {
			return "", errors.Wrapf(routing.ErrInvalidServer, "server %d not in config", serverIdx)
		}
		return addresses[serverIdx], nil
	}

	switch cfg.BucketType() {
	case topology.BucketTypeCouchbase:
		vbMap := cfg.VbMap()
		vbID := vbMap.VbucketByKey(key)
		result.Vbucket = &vbID

		for replicaIdx := 0; replicaIdx <= vbMap.NumReplicas(); replicaIdx++ {
			address, err := nodeAddress(vbMap.NodeByVbucket(vbID, uint32(replicaIdx)))
			if err != nil {
				return nil, err
			}

			if replicaIdx == 0 {
				result.Active = address
			} else {
				result.Replicas = append(result.Replicas, address)
			}
		}
	case topology.BucketTypeMemcached:
		address, err := nodeAddress(cfg.KetamaMap().NodeByKey(key))
		if err != nil {
			return nil, err
		}
		result.Node = address
	default:
		return nil, errors.Errorf("cannot locate keys with a %s config", cfg.BucketType())
	}

	return result, nil
}

var locateCmd = &cobra.Command{
	Use:   "locate <key>",
	Short: "Print the vbucket and nodes a key routes to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setupEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		a, err := env.newAgent(context.Background())
		if err != nil {
			return err
		}
		defer func() {
			_ = a.Close()
		}()

		result, err := locateKey(a.RouteConfig(), []byte(args[0]), a.ConfigManager().UseTLS())
		if err != nil {
			return err
		}

		return writeOutput(cmd.OutOrStdout(), env.config.format, result)
	},
}
