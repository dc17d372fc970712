package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"PathProof-Chain/internal/instruction"
	"PathProof-Chain/internal/pathvalidator"
)

func newDigestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "digest <path-hex>",
		Short: "Print the proof digest of a path",
		Long: `Print the Keccak-256 chain digest of a path. The empty path has no digest
and prints "none".

Examples:
  pathctl digest 0x00000101`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := parsePath(args[0])
			if err != nil {
				return err
			}
			digest, ok := pathvalidator.ComputeDigest(path)
			if !ok {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "none")
				return nil
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), digest.Hex())
			return nil
		},
	}
}

func newSpeedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "speed <path-hex>",
		Short: "Print the largest step length of a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := parsePath(args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), pathvalidator.ComputeMaxSpeed(path))
			return nil
		},
	}
}

type checkResult struct {
	Verdict     pathvalidator.Verdict `json:"verdict"`
	Valid       bool                  `json:"valid"`
	ProgramCode uint32                `json:"program_code,omitempty"`
	Digest      *common.Hash          `json:"digest,omitempty"`
	MaxSpeed    uint8                 `json:"max_speed"`
}

func newCheckCommand() *cobra.Command {
	var (
		proofHex string
		maxSpeed uint8
		strict   bool
	)
	cmd := &cobra.Command{
		Use:   "check <path-hex>",
		Short: "Evaluate a path offline without charging a fee",
		Long: `Evaluate a path against a proof and the speed ceiling locally.

Examples:
  pathctl check --proof 0x<32 bytes> 0x00000101
  pathctl check --proof 0x<32 bytes> --max-speed 5 --strict 0x00000304`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := parsePath(args[0])
			if err != nil {
				return err
			}
			proof, err := parseProof(proofHex)
			if err != nil {
				return err
			}
			digest, ok := pathvalidator.ComputeDigest(path)
			speed := pathvalidator.ComputeMaxSpeed(path)
			verdict := pathvalidator.Evaluate(digest, ok, proof, speed, maxSpeed)

			result := checkResult{Verdict: verdict, Valid: verdict.Valid(), ProgramCode: verdict.ProgramCode(), MaxSpeed: speed}
			if ok {
				result.Digest = &digest
			}
			if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if strict {
				return verdict.Err()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&proofHex, "proof", "", "claimed 32-byte proof, 0x-prefixed hex")
	cmd.Flags().Uint8Var(&maxSpeed, "max-speed", pathvalidator.DefaultMaxSpeed, "speed ceiling")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when the verdict is not valid")
	_ = cmd.MarkFlagRequired("proof")
	return cmd
}

func newEncodeCommand() *cobra.Command {
	var (
		keys     keyFlags
		proofHex string
		nonce    uint64
	)
	cmd := &cobra.Command{
		Use:   "encode <path-hex>",
		Short: "Build a signed validation envelope",
		Long: `Serialise a validation instruction and sign it with the payer's key. The
envelope JSON can be POSTed to /api/v1/validations. Without --proof the
path's own digest is used.`,
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
			env, err := instruction.Sign(built, key)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), env)
		},
	}
	keys.register(cmd)
	cmd.Flags().StringVar(&proofHex, "proof", "", "claimed 32-byte proof (default: the path's digest)")
	cmd.Flags().Uint64Var(&nonce, "nonce", 0, "nonce distinguishing repeated instructions")
	return cmd
}

func buildArgs(rawPath, proofHex string, nonce uint64) (instruction.ValidateArgs, error) {
	path, err := parsePath(rawPath)
	if err != nil {
		return instruction.ValidateArgs{}, err
	}
	var proof common.Hash
	if proofHex != "" {
		if proof, err = parseProof(proofHex); err != nil {
			return instruction.ValidateArgs{}, err
		}
	} else {
		proof, _ = pathvalidator.ComputeDigest(path)
	}
	return instruction.ValidateArgs{Proof: proof, Path: path, Nonce: nonce}, nil
}
