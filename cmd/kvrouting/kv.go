package main

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/kvrouting/mcbp"
	"github.com/spf13/cobra"
)

type getResult struct {
	Key   string `json:"key" yaml:"key"`
	Cas   uint64 `json:"cas" yaml:"cas"`
	Flags uint32 `json:"flags" yaml:"flags"`
	Value string `json:"value" yaml:"value"`
}

type setResult struct {
	Key string `json:"key" yaml:"key"`
	Cas uint64 `json:"cas" yaml:"cas"`
}

var getReplica int

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Fetch a document through the multiplexer",
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

		ctx, cancel := context.WithTimeout(context.Background(), env.config.timeout)
		defer cancel()

		resp, err := a.ExecuteReplica(ctx, mcbp.Packet{
			Command: memd.CmdGet,
			Key:     []byte(args[0]),
		}, getReplica)
		if err != nil {
			return err
		}

		result := getResult{
			Key:   args[0],
			Cas:   resp.Cas,
			Value: string(resp.Value),
		}
		if len(resp.Extras) >= 4 {
			result.Flags = binary.BigEndian.Uint32(resp.Extras)
		}

		return writeOutput(cmd.OutOrStdout(), env.config.format, result)
	},
}

var setFlags uint32
var setExpiry time.Duration
var setCas uint64

// encodeSetExtras packs the flags and expiry of a set request.
func encodeSetExtras(flags uint32, expiry time.Duration) []byte {
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[0:], flags)
	binary.BigEndian.PutUint32(extras[4:], uint32(expiry/time.Second))
	return extras
}

var setCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a document through the multiplexer",
	Args:  cobra.ExactArgs(2),
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

		ctx, cancel := context.WithTimeout(context.Background(), env.config.timeout)
		defer cancel()

		resp, err := a.Execute(ctx, mcbp.Packet{
			Command: memd.CmdSet,
			Key:     []byte(args[0]),
			Extras:  encodeSetExtras(setFlags, setExpiry),
			Value:   []byte(args[1]),
			Cas:     setCas,
		})
		if err != nil {
			return err
		}

		return writeOutput(cmd.OutOrStdout(), env.config.format, setResult{
			Key: args[0],
			Cas: resp.Cas,
		})
	},
}

func init() {
	getCmd.Flags().IntVar(&getReplica, "replica", 0, "read from the given replica instead of the active copy")

	setCmd.Flags().Uint32Var(&setFlags, "flags", 0, "the document flags")
	setCmd.Flags().DurationVar(&setExpiry, "expiry", 0, "the document expiry")
	setCmd.Flags().Uint64Var(&setCas, "cas", 0, "only replace the document if its cas matches")
}
