// Package instruction defines the signed envelope a payer submits to request
// a path validation.
//
// The arguments are encoded with cramberry and signed with the payer's
// secp256k1 key. Opening an envelope recovers the payer address from the
// signature, so the fee is always drawn from the account that authorised it.
package instruction

import (
	"crypto/ecdsa"
	"net/http"

	"github.com/blockberries/cramberry/pkg/cramberry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "PathProof-Chain/internal/errors"
	"PathProof-Chain/internal/pathvalidator"
)

// MaxPathLen bounds the path carried by one instruction.
const MaxPathLen = 64 * 1024

// SignatureLen is the length of an [R || S || V] secp256k1 signature.
const SignatureLen = crypto.SignatureLength

// domainTag separates validation signatures from any other message signed
// with the same key.
var domainTag = []byte("pathproof/validate/v1")

const CodeInvalidInstruction xerrors.Code = "INVALID_INSTRUCTION"

// ErrInvalidInstruction 表示指令无法解码或参数越界。
var ErrInvalidInstruction = xerrors.New(CodeInvalidInstruction, "invalid instruction")

func init() {
	xerrors.Register(CodeInvalidInstruction, xerrors.Attributes{
		Message:    "invalid instruction",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
}

// ValidateArgs are the arguments of one validation call. Nonce lets a payer
// submit the same path twice as two separately charged calls.
type ValidateArgs struct {
	Proof [32]byte `cramberry:"1"`
	Path  []byte   `cramberry:"2"`
	Nonce uint64   `cramberry:"3"`
}

// Envelope is an encoded ValidateArgs plus the payer's signature over it.
type Envelope struct {
	Payload   hexutil.Bytes `json:"payload"`
	Signature hexutil.Bytes `json:"signature"`
}

// Encode serialises args.
func Encode(args ValidateArgs) ([]byte, error) {
	if len(args.Path) > MaxPathLen {
		return nil, xerrors.New(CodeInvalidInstruction, "path exceeds maximum length")
	}
	data, err := cramberry.Marshal(args)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidInstruction, err, "encode instruction")
	}
	return data, nil
}

// Decode parses a payload produced by Encode.
func Decode(payload []byte) (ValidateArgs, error) {
	var args ValidateArgs
	if len(payload) == 0 {
		return args, xerrors.New(CodeInvalidInstruction, "empty instruction payload")
	}
	if err := cramberry.Unmarshal(payload, &args); err != nil {
		return ValidateArgs{}, xerrors.Wrap(CodeInvalidInstruction, err, "decode instruction")
	}
	if len(args.Path) > MaxPathLen {
		return ValidateArgs{}, xerrors.New(CodeInvalidInstruction, "path exceeds maximum length")
	}
	return args, nil
}

// SigningHash is the digest a payer signs for payload.
func SigningHash(payload []byte) common.Hash {
	return crypto.Keccak256Hash(domainTag, payload)
}

// Reference derives the fee transfer key of a signed instruction. It depends
// only on the payer and the signed content, so resubmitting an envelope
// maps onto the same transfer.
func Reference(payer common.Address, signingHash common.Hash) string {
	return crypto.Keccak256Hash(payer.Bytes(), signingHash.Bytes()).Hex()
}

// Sign encodes args and signs them with key.
func Sign(args ValidateArgs, key *ecdsa.PrivateKey) (Envelope, error) {
	if key == nil {
		return Envelope{}, xerrors.New(xerrors.CodeInvalidArgument, "signing key is required")
	}
	payload, err := Encode(args)
	if err != nil {
		return Envelope{}, err
	}
	hash := SigningHash(payload)
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return Envelope{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "sign instruction")
	}
	return Envelope{Payload: payload, Signature: sig}, nil
}

// Signer recovers the address that signed e.
func (e Envelope) Signer() (common.Address, error) {
	if len(e.Signature) != SignatureLen {
		return common.Address{}, xerrors.New(xerrors.CodeUnauthenticated, "signature must be 65 bytes")
	}
	pub, err := crypto.SigToPub(SigningHash(e.Payload).Bytes(), e.Signature)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeUnauthenticated, err, "recover signer")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Open authenticates e and turns it into a validation request.
func (e Envelope) Open() (pathvalidator.Request, error) {
	args, err := Decode(e.Payload)
	if err != nil {
		return pathvalidator.Request{}, err
	}
	payer, err := e.Signer()
	if err != nil {
		return pathvalidator.Request{}, err
	}
	return pathvalidator.Request{
		Payer:     payer,
		Proof:     common.Hash(args.Proof),
		Path:      args.Path,
		Reference: Reference(payer, SigningHash(e.Payload)),
	}, nil
}
