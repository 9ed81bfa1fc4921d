package eip712

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// ErrInvalidSignature is returned for malformed signature bytes or an
// unrecoverable signer.
var ErrInvalidSignature = errors.New("invalid signature")

// SignTypedData hashes and signs typed data with a hex-encoded private key,
// producing a 65-byte (r, s, v) signature with v in {27, 28}. This is the
// client/test path; the server side only ever recovers.
func SignTypedData(typedData apitypes.TypedData, privateKeyHex string) ([]byte, error) {
	digest, err := HashTypedData(typedData)
	if err != nil {
		return nil, err
	}
	return SignDigest(digest, privateKeyHex)
}

// SignDigest signs a 32-byte digest with a hex-encoded private key.
func SignDigest(digest []byte, privateKeyHex string) ([]byte, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	signature, err := crypto.Sign(digest, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// Recovery id 0/1 -> Ethereum convention 27/28
	signature[64] += 27
	return signature, nil
}

// RecoverSigner recovers the signer address from a 32-byte digest and a
// 65-byte signature. Both v conventions (0/1 and 27/28) are accepted.
func RecoverSigner(digest []byte, signature []byte) (string, error) {
	if len(signature) != 65 {
		return "", fmt.Errorf("%w: length %d, want 65", ErrInvalidSignature, len(signature))
	}

	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return "", fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, signature[64])
	}

	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pubKey).Hex(), nil
}

// Verify recovers the signer from the digest and compares it, case
// insensitively, against the expected address. Any recovery failure yields
// false rather than an error.
func Verify(digest []byte, signature []byte, expectedSigner string) bool {
	recovered, err := RecoverSigner(digest, signature)
	if err != nil {
		return false
	}
	return strings.EqualFold(recovered, expectedSigner)
}

// AddressFromPrivateKey derives the checksummed address for a hex-encoded key.
func AddressFromPrivateKey(privateKeyHex string) (string, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}
	return crypto.PubkeyToAddress(privateKey.PublicKey).Hex(), nil
}
