package main

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"PathProof-Chain/internal/instruction"
)

const defaultServer = "http://127.0.0.1:8080"

type keyFlags struct {
	hex  string
	file string
}

func (k *keyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&k.hex, "key", "", "hex-encoded secp256k1 private key of the payer")
	cmd.Flags().StringVar(&k.file, "key-file", "", "file holding the hex-encoded private key")
}

func (k *keyFlags) load() (*ecdsa.PrivateKey, error) {
	switch {
	case k.hex != "" && k.file != "":
		return nil, errors.New("use either --key or --key-file, not both")
	case k.hex != "":
		key, err := crypto.HexToECDSA(strings.TrimPrefix(k.hex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse key: %w", err)
		}
		return key, nil
	case k.file != "":
		key, err := crypto.LoadECDSA(k.file)
		if err != nil {
			return nil, fmt.Errorf("load key file: %w", err)
		}
		return key, nil
	default:
		return nil, errors.New("a signing key is required (--key or --key-file)")
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pathctl",
		Short: "pathctl - path proof and speed validation tool",
		Long: `pathctl checks coordinate paths against their Keccak proof chain and the
speed ceiling, signs validation instructions and submits them to pathproofd.

Paths are hex strings of bytes read as consecutive (x, y) points.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(newDigestCommand())
	cmd.AddCommand(newSpeedCommand())
	cmd.AddCommand(newCheckCommand())
	cmd.AddCommand(newEncodeCommand())
	cmd.AddCommand(newSubmitCommand())
	cmd.AddCommand(newAccountCommand())
	return cmd
}

// parsePath accepts hex with or without 0x. An empty argument is the empty path.
func parsePath(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0x" {
		return []byte{}, nil
	}
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		raw = "0x" + raw
	}
	path, err := hexutil.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("path must be hex: %w", err)
	}
	if len(path) > instruction.MaxPathLen {
		return nil, fmt.Errorf("path is %d bytes, limit is %d", len(path), instruction.MaxPathLen)
	}
	return path, nil
}

func parseProof(raw string) (common.Hash, error) {
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("proof must be 32 bytes of 0x-prefixed hex")
	}
	return common.BytesToHash(b), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
