package main

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"PathProof-Chain/sdk/go/pathproof"
)

func newSubmitCommand() *cobra.Command {
	var (
		keys     keyFlags
		server   string
		proofHex string
		nonce    uint64
		async    bool
		jobID    string
		wait     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit <path-hex>",
		Short: "Validate a path on a pathproofd server",
		Long: `Sign a validation instruction and send it to pathproofd. The fee is charged
whatever the verdict. With --async the instruction is queued as a job and
pathctl waits for the result up to --wait.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			built, err := buildArgs(args[0], proofHex, nonce)
			if err != nil {
				return err
			}
			key, err := keys.load()
			if err != nil {
				return err
			}
			client, err := pathproof.NewClient(server, nil)
			if err != nil {
				return err
			}
			in := pathproof.Instruction{Proof: built.Proof, Path: built.Path, Nonce: built.Nonce}

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			if !async {
				result, err := client.Validate(ctx, key, in)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), result)
			}

			job, err := client.SubmitJob(ctx, jobID, key, in)
			if err != nil {
				return err
			}
			done, err := client.WaitForJob(ctx, job.ID, 250*time.Millisecond)
			if errors.Is(err, context.DeadlineExceeded) {
				return writeJSON(cmd.OutOrStdout(), job)
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), done)
		},
	}
	keys.register(cmd)
	cmd.Flags().StringVar(&server, "server", defaultServer, "pathproofd base URL")
	cmd.Flags().StringVar(&proofHex, "proof", "", "claimed 32-byte proof (default: the path's digest)")
	cmd.Flags().Uint64Var(&nonce, "nonce", uint64(time.Now().UnixNano()), "nonce distinguishing repeated instructions")
	cmd.Flags().BoolVar(&async, "async", false, "queue the validation as a job")
	cmd.Flags().StringVar(&jobID, "id", "", "idempotent job id for --async")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for a result")
	return cmd
}

func newAccountCommand() *cobra.Command {
	var (
		server string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "account <address>",
		Short: "Show an account balance and its recent fee transfers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !common.IsHexAddress(args[0]) {
				return errors.New("address must be 20 bytes of hex")
			}
			client, err := pathproof.NewClient(server, nil)
			if err != nil {
				return err
			}
			account, err := client.Account(cmd.Context(), common.HexToAddress(args[0]), limit)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), account)
		},
	}
	cmd.Flags().StringVar(&server, "server", defaultServer, "pathproofd base URL")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of transfers to list")
	return cmd
}
