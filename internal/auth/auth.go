// Package auth verifies that a request was signed by the account it claims to
// come from. Accounts are Ethereum addresses; signatures are secp256k1 over
// an EIP-191 personal message built from the request.
package auth

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/atmx/oracle-engine/internal/model"
)

// Request headers carrying the signature.
const (
	HeaderAddress   = "X-Oracle-Address"
	HeaderTimestamp = "X-Oracle-Timestamp"
	HeaderSignature = "X-Oracle-Signature"
)

var (
	ErrMissingSignature = errors.New("auth: missing signature headers")
	ErrBadAddress       = errors.New("auth: invalid address")
	ErrBadSignature     = errors.New("auth: signature does not match address")
	ErrStaleRequest     = errors.New("auth: timestamp outside allowed skew")
)

// Principal is the identity-bound token produced by a successful
// verification.
type Principal struct {
	Identity model.Identity
	// SignedAt is the signed request timestamp; zero when the request
	// carried none.
	SignedAt time.Time
}

// SignedRequest is everything that goes into a signature check.
type SignedRequest struct {
	Method    string
	Path      string
	Timestamp int64
	Body      []byte
	Address   string
	Signature string
}

// Verifier turns a signed request into a Principal.
type Verifier interface {
	Verify(ctx context.Context, req SignedRequest) (Principal, error)
}

// NormalizeAddress validates a hex address and returns its EIP-55 form.
func NormalizeAddress(s string) (model.Identity, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: %q", ErrBadAddress, s)
	}
	return model.Identity(common.HexToAddress(s).Hex()), nil
}

// Message is the canonical text a client signs.
func Message(method, path string, ts int64, body []byte) []byte {
	bodyHash := ethcrypto.Keccak256(body)
	return []byte(fmt.Sprintf("oracle-engine\n%s\n%s\n%d\n%s",
		strings.ToUpper(method), path, ts, hex.EncodeToString(bodyHash)))
}

// personalHash applies the EIP-191 "Ethereum Signed Message" prefix.
func personalHash(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return ethcrypto.Keccak256([]byte(prefix), msg)
}

// SignRequest produces the X-Oracle-Signature value for a request. It is the
// client-side counterpart of EthVerifier.
func SignRequest(key *ecdsa.PrivateKey, method, path string, ts int64, body []byte) (string, error) {
	sig, err := ethcrypto.Sign(personalHash(Message(method, path, ts, body)), key)
	if err != nil {
		return "", fmt.Errorf("auth: signing: %w", err)
	}
	// go-ethereum returns v in {0,1}; wallets emit {27,28}.
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// EthVerifier recovers the signer from a secp256k1 signature.
type EthVerifier struct {
	maxSkew time.Duration
	now     func() time.Time
}

// NewEthVerifier creates a verifier rejecting timestamps further than
// maxSkew from the local clock.
func NewEthVerifier(maxSkew time.Duration) *EthVerifier {
	return &EthVerifier{maxSkew: maxSkew, now: time.Now}
}

func (v *EthVerifier) Verify(_ context.Context, req SignedRequest) (Principal, error) {
	if req.Address == "" || req.Signature == "" {
		return Principal{}, ErrMissingSignature
	}
	id, err := NormalizeAddress(req.Address)
	if err != nil {
		return Principal{}, err
	}

	if v.maxSkew > 0 {
		skew := v.now().Sub(time.Unix(req.Timestamp, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.maxSkew {
			return Principal{}, ErrStaleRequest
		}
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(req.Signature, "0x"))
	if err != nil || len(sig) != 65 {
		return Principal{}, fmt.Errorf("%w: malformed signature", ErrBadSignature)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := ethcrypto.SigToPub(personalHash(Message(req.Method, req.Path, req.Timestamp, req.Body)), sig)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if model.Identity(ethcrypto.PubkeyToAddress(*pub).Hex()) != id {
		return Principal{}, ErrBadSignature
	}
	return Principal{Identity: id, SignedAt: signedAt(req.Timestamp)}, nil
}

func signedAt(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

// InsecureVerifier trusts the address header without checking a signature.
// Local development only.
type InsecureVerifier struct{}

func (InsecureVerifier) Verify(_ context.Context, req SignedRequest) (Principal, error) {
	if req.Address == "" {
		return Principal{}, ErrMissingSignature
	}
	id, err := NormalizeAddress(req.Address)
	if err != nil {
		return Principal{}, err
	}
	return Principal{Identity: id, SignedAt: signedAt(req.Timestamp)}, nil
}

// Compile-time interface checks.
var (
	_ Verifier = (*EthVerifier)(nil)
	_ Verifier = InsecureVerifier{}
)
